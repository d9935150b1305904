package util

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"strconv"
)

// Flags for [ParseSize] selecting which unit suffixes are accepted.
const (
	// ParseKB accepts the decimal suffixes k, m, g and t.
	ParseKB = 1 << iota
	// ParseKiB accepts the binary suffixes K, M, G and T.
	ParseKiB

	ParseAnyUnit = ParseKB | ParseKiB
)

var ErrUnit = errors.New("unit not permitted")

// ParseSize parses a number with an optional unit suffix. Lower case
// suffixes scale by powers of 1000, upper case ones by powers of 1024. The
// result must lie within [lo, hi].
func ParseSize(name, s string, lo, hi uint64, flags int) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("%s: empty value", name)
	}

	num, unit := s, byte(0)
	if last := s[len(s)-1]; last < '0' || last > '9' {
		num, unit = s[:len(s)-1], last
	}

	v, err := strconv.ParseUint(num, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("could not parse %s = %s as a number: %w", name, s, err)
	}

	var mult uint64 = 1
	switch unit {
	case 0:
	case 'k', 'm', 'g', 't':
		if flags&ParseKB == 0 {
			return 0, fmt.Errorf("%w: %s = %s", ErrUnit, name, s)
		}
		mult = scale(unit, 1000)
	case 'K', 'M', 'G', 'T':
		if flags&ParseKiB == 0 {
			return 0, fmt.Errorf("%w: %s = %s", ErrUnit, name, s)
		}
		mult = scale(unit|0x20, 1024)
	default:
		return 0, fmt.Errorf("could not parse units for %s = %s", name, s)
	}

	over, v := bits.Mul64(v, mult)
	if over != 0 {
		return 0, fmt.Errorf("%s = %s: %w", name, s, strconv.ErrRange)
	}
	if v < lo || v > hi {
		return 0, fmt.Errorf("%s = %d out of range [%d, %d]: %w", name, v, lo, hi, strconv.ErrRange)
	}
	return v, nil
}

func scale(unit byte, base uint64) uint64 {
	var exp int
	switch unit {
	case 'k':
		exp = 1
	case 'm':
		exp = 2
	case 'g':
		exp = 3
	case 't':
		exp = 4
	}
	mult := uint64(1)
	for range exp {
		mult *= base
	}
	return mult
}

// ParseSizeAny is [ParseSize] accepting every unit without range limits.
func ParseSizeAny(name, s string) (uint64, error) {
	return ParseSize(name, s, 0, math.MaxUint64, ParseAnyUnit)
}

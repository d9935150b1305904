package hw

import (
	"errors"
	"fmt"
)

// EntryLen is the size of both work-queue and completion-queue entries.
const EntryLen = 64

// ImmMax is the largest payload that fits inline into an entry.
const ImmMax = 32

// MaxQueueLen is the largest ring length that still leaves room for the
// wrap bit inside the 32-bit ring indexes and the 16-bit completion index.
const MaxQueueLen = 1 << 16

// ErrQueueLenInvalid is returned when a ring length is invalid.
var ErrQueueLenInvalid = errors.New("queue length is invalid")

// CheckQueueLen checks if the given value would be a valid length for a ring
// and returns an [ErrQueueLenInvalid], if not.
func CheckQueueLen(qlen int) error {
	if qlen <= 1 {
		return fmt.Errorf("%w: %d is too small", ErrQueueLenInvalid, qlen)
	}

	// Masking only works for a power of 2.
	if qlen&(qlen-1) != 0 {
		return fmt.Errorf("%w: %d is not a power of 2", ErrQueueLenInvalid, qlen)
	}

	if qlen > MaxQueueLen {
		return fmt.Errorf("%w: %d is larger than the maximum possible queue length %d",
			ErrQueueLenInvalid, qlen, MaxQueueLen)
	}

	return nil
}

// RoundQueueLen returns the smallest power of 2, at least 2, that is not
// below n. Callers that need n usable entries must ask for n+1, one slot of
// every ring stays empty so that a full ring can be told apart from an
// empty one.
func RoundQueueLen(n uint32) uint32 {
	if n < 1 {
		return 0
	}
	qlen := uint32(2)
	for qlen < n {
		qlen <<= 1
	}
	return qlen
}

// ValidPolarity returns the validity bit that a fresh completion entry at
// the given unmasked index carries. The expected value flips each time the
// index passes the end of the ring.
func ValidPolarity(idx, qlen uint32) uint8 {
	if idx&qlen == 0 {
		return 1
	}
	return 0
}

// Package wire moves length prefixed blobs over a byte stream. It is how
// peers exchange exported keys, ring parameters and addresses.
//
// Every blob is preceded by its length as a big endian uint32. The length
// 0xffffffff marks an absent blob and is followed by no data.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

const absent = math.MaxUint32

var (
	// ErrLength is returned when a blob does not have the expected length.
	ErrLength = errors.New("unexpected blob length")
	// ErrAbsent is returned when a required blob was sent as absent.
	ErrAbsent = errors.New("blob is absent")
)

// SendBlob writes blob. A nil blob is sent as absent, an empty non-nil blob
// is sent with length 0.
func SendBlob(w io.Writer, blob []byte) error {
	var hdr [4]byte
	switch {
	case blob == nil:
		binary.BigEndian.PutUint32(hdr[:], absent)
	case uint64(len(blob)) >= absent:
		return fmt.Errorf("%w: %d bytes does not fit the length prefix", ErrLength, len(blob))
	default:
		binary.BigEndian.PutUint32(hdr[:], uint32(len(blob)))
	}

	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("write blob length: %w", err)
	}
	if len(blob) == 0 {
		return nil
	}
	if _, err := w.Write(blob); err != nil {
		return fmt.Errorf("write blob: %w", err)
	}
	return nil
}

func recvLen(r io.Reader) (uint32, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return 0, fmt.Errorf("read blob length: %w", err)
	}
	return binary.BigEndian.Uint32(hdr[:]), nil
}

// RecvFixedBlob reads a blob that must be exactly len(blob) bytes long.
func RecvFixedBlob(r io.Reader, blob []byte) error {
	n, err := recvLen(r)
	if err != nil {
		return err
	}
	if n == absent {
		return ErrAbsent
	}
	if n != uint32(len(blob)) {
		return fmt.Errorf("%w: expected %d, saw %d", ErrLength, len(blob), n)
	}
	if _, err := io.ReadFull(r, blob); err != nil {
		return fmt.Errorf("read blob: %w", err)
	}
	return nil
}

// RecvVarBlob reads a blob of any length up to limit bytes. An absent blob is
// returned as nil without error.
func RecvVarBlob(r io.Reader, limit uint32) ([]byte, error) {
	n, err := recvLen(r)
	if err != nil {
		return nil, err
	}
	if n == absent {
		return nil, nil
	}
	if n > limit {
		return nil, fmt.Errorf("%w: %d exceeds limit %d", ErrLength, n, limit)
	}
	blob := make([]byte, n)
	if _, err := io.ReadFull(r, blob); err != nil {
		return nil, fmt.Errorf("read blob: %w", err)
	}
	return blob, nil
}

// SendString writes s as a blob.
func SendString(w io.Writer, s string) error {
	return SendBlob(w, []byte(s))
}

// RecvString reads a blob written by [SendString]. An absent blob reads as
// the empty string.
func RecvString(r io.Reader, limit uint32) (string, error) {
	b, err := RecvVarBlob(r, limit)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// SendUint64 writes v as an 8 byte blob.
func SendUint64(w io.Writer, v uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return SendBlob(w, b[:])
}

// RecvUint64 reads a value written by [SendUint64].
func RecvUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if err := RecvFixedBlob(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

package zhpeq

import (
	"errors"

	"github.com/slackhq/zhpeq/driver"
)

var (
	// ErrInvalidArgument is returned before any side effect when a required
	// value is missing or a length or count is out of range.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrWouldBlock is returned by Reserve when the ring does not have
	// enough free slots. Callers retry or back off.
	ErrWouldBlock = errors.New("operation would block")
	// ErrMismatch is returned when domain parameters name another backend
	// than the one the device selected.
	ErrMismatch = errors.New("backend mismatch")
	// ErrUnsupportedBackend is returned when no implementation is registered
	// for the backend the device selected.
	ErrUnsupportedBackend = errors.New("unsupported backend")

	ErrUnavailable      = driver.ErrUnavailable
	ErrProtocolMismatch = driver.ErrProtocolMismatch
	ErrCorruptState     = driver.ErrCorruptState
)

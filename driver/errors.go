package driver

import "errors"

var (
	// ErrUnavailable is returned when the control device cannot be opened.
	ErrUnavailable = errors.New("control device unavailable")
	// ErrProtocolMismatch is returned when the device and this library
	// disagree about versions, sizes or response framing.
	ErrProtocolMismatch = errors.New("control protocol mismatch")
	// ErrCorruptState is returned on short control I/O or when the shared
	// region fails validation.
	ErrCorruptState = errors.New("corrupt control state")
)

package driver

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// checkWordLen is the size of the trailing check word of the shared region.
const checkWordLen = 8

// DecodeShared validates the mapped shared attribute region and returns a
// copy of its contents. off and size are the values reported by [Init].
//
// When the region is larger than [SharedData], the last 8 bytes hold the
// value off+size-8, which lets the reader detect a truncated or misplaced
// mapping.
func DecodeShared(mem []byte, off, size uint64) (*SharedData, error) {
	if uint64(len(mem)) < size || size < uint64(SharedDataLen) {
		return nil, fmt.Errorf("%w: shared region is %d bytes, need at least %d",
			ErrCorruptState, len(mem), SharedDataLen)
	}

	var sd SharedData
	if err := binary.Read(bytes.NewReader(mem[:SharedDataLen]), binary.LittleEndian, &sd); err != nil {
		return nil, fmt.Errorf("decode shared region: %w", err)
	}
	if sd.Magic != SharedMagic {
		return nil, corrupt("shared_magic", SharedMagic, uint64(sd.Magic))
	}
	if sd.Version != SharedVersion {
		return nil, corrupt("shared_version", SharedVersion, uint64(sd.Version))
	}

	checkOff := size - checkWordLen
	if checkOff >= uint64(SharedDataLen) {
		saw := binary.LittleEndian.Uint64(mem[checkOff:])
		if saw != off+checkOff {
			return nil, corrupt("shared_check_last", off+checkOff, saw)
		}
	}
	return &sd, nil
}

// EncodeShared fills mem with a shared region describing sd, including the
// trailing check word for a region mapped at off.
func EncodeShared(mem []byte, off uint64, sd SharedData) error {
	if len(mem) < SharedDataLen {
		return fmt.Errorf("shared region too small: %d < %d", len(mem), SharedDataLen)
	}
	sd.Magic = SharedMagic
	sd.Version = SharedVersion

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &sd); err != nil {
		return err
	}
	copy(mem, buf.Bytes())

	checkOff := uint64(len(mem)) - checkWordLen
	if checkOff >= uint64(SharedDataLen) {
		binary.LittleEndian.PutUint64(mem[checkOff:], off+checkOff)
	}
	return nil
}

func corrupt(what string, expected, saw uint64) error {
	return fmt.Errorf("%w: %s expected 0x%x, saw 0x%x", ErrCorruptState, what, expected, saw)
}

package fabric

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Frame types exchanged between endpoints.
const (
	framePut uint8 = iota + 1
	frameGet
	frameAtomic
	frameResponse
)

// frameHeaderLen is the encoded size of frameHeader.
const frameHeaderLen = 40

// frameHeader precedes every frame. Requests carry the payload of a put or
// an atomic, responses the data of a get or the previous atomic value.
type frameHeader struct {
	Type   uint8
	Status uint8
	_      uint16
	Tag    uint32
	Key    uint64
	Region uint64
	Offset uint64
	// Length is the size of the payload that follows the header.
	Length uint32
	// Want is the number of bytes a get asks for.
	Want uint32
}

// atomicRequest is the payload of a frameAtomic request.
type atomicRequest struct {
	Size     uint32
	Op       uint16
	_        uint16
	Operands [2]uint64
}

const atomicRequestLen = 24

var errFrame = errors.New("malformed frame")

func writeFrame(w io.Writer, h *frameHeader, payload []byte) error {
	h.Length = uint32(len(payload))
	var b [frameHeaderLen]byte
	if _, err := binary.Encode(b[:], binary.BigEndian, h); err != nil {
		return err
	}
	if _, err := w.Write(b[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// readFrame reads one frame. The payload may not exceed limit bytes.
func readFrame(r io.Reader, limit uint32) (frameHeader, []byte, error) {
	var (
		h frameHeader
		b [frameHeaderLen]byte
	)
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return h, nil, err
	}
	if _, err := binary.Decode(b[:], binary.BigEndian, &h); err != nil {
		return h, nil, err
	}
	if h.Type < framePut || h.Type > frameResponse {
		return h, nil, fmt.Errorf("%w: type %d", errFrame, h.Type)
	}
	if h.Length > limit {
		return h, nil, fmt.Errorf("%w: payload of %d bytes exceeds %d", errFrame, h.Length, limit)
	}
	if h.Length == 0 {
		return h, nil, nil
	}
	payload := make([]byte, h.Length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return h, nil, err
	}
	return h, payload, nil
}

// Exported key blobs.
const (
	blobVersion = 1
	blobLen     = 48
)

// keyBlob is what Export hands to the application for its peer.
type keyBlob struct {
	Version uint32
	Access  uint32
	Key     uint64
	VAddr   uint64
	Len     uint64
	Region  uint64
	_       uint64
}

func (k *keyBlob) marshal() []byte {
	b := make([]byte, blobLen)
	_, _ = binary.Encode(b, binary.BigEndian, k)
	return b
}

func unmarshalKeyBlob(b []byte) (keyBlob, error) {
	var k keyBlob
	if len(b) != blobLen {
		return k, fmt.Errorf("key blob is %d bytes, expected %d", len(b), blobLen)
	}
	if _, err := binary.Decode(b, binary.BigEndian, &k); err != nil {
		return k, err
	}
	if k.Version != blobVersion {
		return k, fmt.Errorf("key blob version %d, expected %d", k.Version, blobVersion)
	}
	return k, nil
}

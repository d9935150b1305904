package driver

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/sys/unix"
)

// Cmd sends req over dev and reads the matching response into rsp.
//
// The response must be exactly as long as rsp and must echo the protocol
// version, the request opcode with [OpResponse] set and a zero index. A
// negative status is returned as the matching [unix.Errno].
func Cmd(dev io.ReadWriter, req, rsp Message) error {
	h := req.Header()
	op := h.Opcode
	h.Version = Version
	h.Index = 0

	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, req); err != nil {
		return fmt.Errorf("encode %s request: %w", OpName(op), err)
	}

	n, err := dev.Write(buf.Bytes())
	if err != nil {
		return fmt.Errorf("write %s request: %w", OpName(op), err)
	}
	if n != buf.Len() {
		return fmt.Errorf("%w: short write of %s request: %d of %d bytes",
			ErrCorruptState, OpName(op), n, buf.Len())
	}

	rb := make([]byte, binary.Size(rsp))
	n, err = dev.Read(rb)
	if err != nil {
		return fmt.Errorf("read %s response: %w", OpName(op), err)
	}
	if n != len(rb) {
		return fmt.Errorf("%w: short read of %s response: %d of %d bytes",
			ErrCorruptState, OpName(op), n, len(rb))
	}
	if err := binary.Read(bytes.NewReader(rb), binary.LittleEndian, rsp); err != nil {
		return fmt.Errorf("decode %s response: %w", OpName(op), err)
	}

	rh := rsp.Header()
	if rh.Version != Version {
		return mismatch("version", Version, uint64(rh.Version))
	}
	if rh.Opcode != op|OpResponse {
		return mismatch("opcode", uint64(op|OpResponse), uint64(rh.Opcode))
	}
	if rh.Index != 0 {
		return mismatch("index", 0, uint64(rh.Index))
	}
	if rh.Status < 0 {
		return fmt.Errorf("%s command: %w", OpName(op), unix.Errno(-rh.Status))
	}
	return nil
}

func mismatch(what string, expected, saw uint64) error {
	return fmt.Errorf("%w: %s expected 0x%x, saw 0x%x", ErrProtocolMismatch, what, expected, saw)
}

// Init performs the initial exchange and returns the location of the shared
// attribute region.
func Init(dev io.ReadWriter) (*InitRsp, error) {
	req := InitReq{Hdr: Hdr{Opcode: OpInit}}
	var rsp InitRsp
	if err := Cmd(dev, &req, &rsp); err != nil {
		return nil, err
	}
	return &rsp, nil
}

// QAlloc asks for a queue with at least qlen usable entries.
func QAlloc(dev io.ReadWriter, qlen uint32) (QueueInfo, error) {
	req := QAllocReq{Hdr: Hdr{Opcode: OpQAlloc}, QLen: qlen}
	var rsp QAllocRsp
	if err := Cmd(dev, &req, &rsp); err != nil {
		return QueueInfo{}, err
	}
	return rsp.Info, nil
}

// QFree releases a queue obtained by [QAlloc].
func QFree(dev io.ReadWriter, info QueueInfo) error {
	req := QFreeReq{Hdr: Hdr{Opcode: OpQFree}, Info: info}
	var rsp QFreeRsp
	return Cmd(dev, &req, &rsp)
}

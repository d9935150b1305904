package driver

import (
	"unsafe"
)

const (
	// Version is the control protocol version spoken by this package.
	Version = 1

	OpInit   = 0x01
	OpQAlloc = 0x02
	OpQFree  = 0x03

	// OpResponse is set in the opcode of every response.
	OpResponse = 0x80
)

// OpName returns a printable name for a control opcode.
func OpName(op uint8) string {
	switch op &^ OpResponse {
	case OpInit:
		return "init"
	case OpQAlloc:
		return "qalloc"
	case OpQFree:
		return "qfree"
	}
	return "unknown"
}

// Hdr starts every request and response.
type Hdr struct {
	Version uint8
	Opcode  uint8
	// Index is reserved and always 0.
	Index  uint16
	Status int32
}

// Header gives access to the common header of a message.
func (h *Hdr) Header() *Hdr { return h }

// Message is implemented by every request and response.
type Message interface {
	Header() *Hdr
}

type InitReq struct {
	Hdr
}

type InitRsp struct {
	Hdr
	SharedOffset uint64
	SharedSize   uint64
}

type QAllocReq struct {
	Hdr
	QLen uint32
	_    uint32
}

// QueueInfo describes the three regions backing a queue. Offsets are
// relative to the control device and must be passed to mmap unchanged.
type QueueInfo struct {
	// QLen is the actual, power of 2, ring length.
	QLen uint32
	_    uint32
	// RSize is the length of the register page.
	RSize uint64
	// QSize is the length of each ring.
	QSize  uint64
	RegOff uint64
	WQOff  uint64
	CQOff  uint64
}

type QAllocRsp struct {
	Hdr
	Info QueueInfo
}

type QFreeReq struct {
	Hdr
	Info QueueInfo
}

type QFreeRsp struct {
	Hdr
}

// Shared attribute region constants.
const (
	SharedMagic   = 0x5a485045
	SharedVersion = 1
)

// Backend identifiers reported in [Attributes.Backend].
const (
	BackendZHPE      = 1
	BackendLibfabric = 2
)

// Attributes are the device wide limits published in the shared region.
type Attributes struct {
	Backend     uint32
	MaxTxQueues uint32
	MaxRxQueues uint32
	MaxHWQLen   uint32
	MaxSWQLen   uint32
	_           uint32
	MaxDMALen   uint64
}

// SharedData is the layout at the start of the shared attribute region.
type SharedData struct {
	Magic      uint32
	Version    uint32
	DebugFlags uint32
	_          uint32
	Attr       Attributes
}

// SharedDataLen is the size of [SharedData] in memory.
const SharedDataLen = int(unsafe.Sizeof(SharedData{}))

package hw

import (
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Opcode selects the operation a [WorkEntry] describes.
type Opcode uint16

const (
	OpNop Opcode = iota
	OpPut
	OpGet
	OpPutImm
	OpGetImm
	OpAtomicAdd
	OpAtomicCAS

	// OpFence makes the hardware wait for all previously committed entries
	// to complete before executing this one.
	OpFence Opcode = 0x100

	opMask Opcode = 0xff
)

// Base strips the flags from o.
func (o Opcode) Base() Opcode { return o & opMask }

// Fenced reports whether o carries [OpFence].
func (o Opcode) Fenced() bool { return o&OpFence != 0 }

func (o Opcode) String() string {
	switch o.Base() {
	case OpNop:
		return "nop"
	case OpPut:
		return "put"
	case OpGet:
		return "get"
	case OpPutImm:
		return "puti"
	case OpGetImm:
		return "geti"
	case OpAtomicAdd:
		return "atomic_add"
	case OpAtomicCAS:
		return "atomic_cas"
	}
	return "unknown"
}

// Flags for [AtomicEntry.Size].
const (
	AtomicReturn uint32 = 0x1
	AtomicSize32 uint32 = 0x2
	AtomicSize64 uint32 = 0x4

	atomicSizeMask = AtomicSize32 | AtomicSize64
)

// AtomicBytes returns the operand width encoded in size flags, or 0.
func AtomicBytes(size uint32) int {
	switch size & atomicSizeMask {
	case AtomicSize32:
		return 4
	case AtomicSize64:
		return 8
	}
	return 0
}

// Header is the part shared by every work-queue entry shape.
type Header struct {
	Opcode Opcode
	// CmpIndex is echoed back as [CompletionEntry.Index].
	CmpIndex uint16
}

// WorkEntry is one raw slot of the submission ring. Use the accessors to
// view it as one of the opcode specific shapes.
type WorkEntry [EntryLen]byte

// Header returns the common header of the entry.
func (e *WorkEntry) Header() *Header { return (*Header)(unsafe.Pointer(e)) }

func (e *WorkEntry) Nop() *NopEntry       { return (*NopEntry)(unsafe.Pointer(e)) }
func (e *WorkEntry) DMA() *DMAEntry       { return (*DMAEntry)(unsafe.Pointer(e)) }
func (e *WorkEntry) Imm() *ImmEntry       { return (*ImmEntry)(unsafe.Pointer(e)) }
func (e *WorkEntry) Atomic() *AtomicEntry { return (*AtomicEntry)(unsafe.Pointer(e)) }

type NopEntry struct {
	Header
	_ [EntryLen - 4]byte
}

// DMAEntry describes a put or a get between a local and a remote token.
type DMAEntry struct {
	Header
	Len     uint32
	LclAddr uint64
	RemAddr uint64
	_       [EntryLen - 24]byte
}

// ImmEntry describes a put or a get whose payload travels inside the entry
// (put) or inside the completion (get).
type ImmEntry struct {
	Header
	Len     uint32
	RemAddr uint64
	_       [16]byte
	Data    [ImmMax]byte
}

type AtomicEntry struct {
	Header
	// Size holds the AtomicSize* and AtomicReturn flags.
	Size     uint32
	RemAddr  uint64
	Operands [2]uint64
	_        [EntryLen - 32]byte
}

// Completion statuses.
const (
	CQStatusSuccess uint8 = iota
	CQStatusAccess
	CQStatusRange
	CQStatusTransport
	CQStatusOpcode
	CQStatusAlign
)

// StatusText returns a short description of a completion status.
func StatusText(status uint8) string {
	switch status {
	case CQStatusSuccess:
		return "success"
	case CQStatusAccess:
		return "access denied"
	case CQStatusRange:
		return "address out of range"
	case CQStatusTransport:
		return "transport error"
	case CQStatusOpcode:
		return "bad opcode"
	case CQStatusAlign:
		return "misaligned atomic"
	}
	return "unknown status"
}

// CompletionEntry is one slot of the completion ring.
//
// The first word packs the validity bit, the status and the index. Writers
// fill in the remaining fields first and publish the word last, readers load
// the word before anything else.
type CompletionEntry struct {
	word      uint32
	_         uint32
	Timestamp uint64
	Result    [ImmMax]byte
	_         [EntryLen - 48]byte
}

func (c *CompletionEntry) atomicWord() *atomicbitops.Uint32 {
	return (*atomicbitops.Uint32)(unsafe.Pointer(&c.word))
}

// Load returns the validity bit, the status and the index with acquire
// semantics.
func (c *CompletionEntry) Load() (valid, status uint8, index uint16) {
	w := c.atomicWord().Load()
	return uint8(w) & 1, uint8(w >> 8), uint16(w >> 16)
}

// Publish stores the validity bit, the status and the index with release
// semantics. Everything else must be written before calling Publish.
func (c *CompletionEntry) Publish(valid, status uint8, index uint16) {
	c.atomicWord().Store(uint32(valid&1) | uint32(status)<<8 | uint32(index)<<16)
}

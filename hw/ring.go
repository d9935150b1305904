package hw

import (
	"fmt"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// RegisterPageLen is the minimum size of a queue register page.
const RegisterPageLen = 16

// Offsets inside the register page.
const (
	regWQTail = 0
	regWQHead = 4
	regCQTail = 8
)

// Registers is a view of the queue register page. The submission ring tail
// is written by software and read by the hardware, the submission head and
// completion tail are written by the hardware.
type Registers struct {
	// WQTail is the masked index one past the last committed entry.
	WQTail *atomicbitops.Uint32
	// WQHead is the masked index of the next entry the hardware will fetch.
	WQHead *atomicbitops.Uint32
	// CQTail is the unmasked index one past the last written completion.
	CQTail *atomicbitops.Uint32
}

// NewRegisters creates a view over the given register page memory.
func NewRegisters(mem []byte) (*Registers, error) {
	if len(mem) < RegisterPageLen {
		return nil, fmt.Errorf("register page too small: %d < %d", len(mem), RegisterPageLen)
	}
	return &Registers{
		WQTail: (*atomicbitops.Uint32)(unsafe.Pointer(&mem[regWQTail])),
		WQHead: (*atomicbitops.Uint32)(unsafe.Pointer(&mem[regWQHead])),
		CQTail: (*atomicbitops.Uint32)(unsafe.Pointer(&mem[regCQTail])),
	}, nil
}

// RingLen returns the number of bytes needed for a ring of qlen entries.
func RingLen(qlen uint32) int {
	return int(qlen) * EntryLen
}

// WorkRing is the submission ring.
type WorkRing struct {
	mask    uint32
	entries []WorkEntry
}

// NewWorkRing creates a submission ring over mem, which must hold at least
// qlen entries.
func NewWorkRing(qlen uint32, mem []byte) (*WorkRing, error) {
	if err := CheckQueueLen(int(qlen)); err != nil {
		return nil, err
	}
	if len(mem) < RingLen(qlen) {
		return nil, fmt.Errorf("memory size (%v) too small for work ring of %v entries", len(mem), qlen)
	}
	return &WorkRing{
		mask:    qlen - 1,
		entries: unsafe.Slice((*WorkEntry)(unsafe.Pointer(&mem[0])), qlen),
	}, nil
}

// Len returns the number of slots in the ring.
func (r *WorkRing) Len() uint32 { return r.mask + 1 }

// At returns the slot for the given unmasked index.
func (r *WorkRing) At(idx uint32) *WorkEntry {
	return &r.entries[idx&r.mask]
}

// CompletionRing is the completion ring.
type CompletionRing struct {
	mask    uint32
	entries []CompletionEntry
}

// NewCompletionRing creates a completion ring over mem, which must hold at
// least qlen entries.
func NewCompletionRing(qlen uint32, mem []byte) (*CompletionRing, error) {
	if err := CheckQueueLen(int(qlen)); err != nil {
		return nil, err
	}
	if len(mem) < RingLen(qlen) {
		return nil, fmt.Errorf("memory size (%v) too small for completion ring of %v entries", len(mem), qlen)
	}
	return &CompletionRing{
		mask:    qlen - 1,
		entries: unsafe.Slice((*CompletionEntry)(unsafe.Pointer(&mem[0])), qlen),
	}, nil
}

func (r *CompletionRing) Len() uint32 { return r.mask + 1 }

// At returns the slot for the given unmasked index.
func (r *CompletionRing) At(idx uint32) *CompletionEntry {
	return &r.entries[idx&r.mask]
}

// Ready reports whether the slot for the unmasked index idx holds a
// completion written during the current pass over the ring.
func (r *CompletionRing) Ready(idx uint32) bool {
	valid, _, _ := r.At(idx).Load()
	return valid == ValidPolarity(idx, r.Len())
}

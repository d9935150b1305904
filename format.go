package zhpeq

import (
	"fmt"

	"github.com/slackhq/zhpeq/hw"
)

// AtomicOp selects the operation of [Queue.Atomic].
type AtomicOp int

const (
	AtomicAdd AtomicOp = iota
	AtomicCAS
)

// prepare stores ctx for the slot at idx and returns the zeroed entry with
// its header filled in.
func (q *Queue) prepare(idx uint32, fence bool, op hw.Opcode, ctx any) *hw.WorkEntry {
	i := idx & q.mask
	q.context[i] = ctx

	e := q.wq.At(i)
	*e = hw.WorkEntry{}
	if fence {
		op |= hw.OpFence
	}
	h := e.Header()
	h.Opcode = op
	h.CmpIndex = uint16(i)
	return e
}

func (q *Queue) check(ctx any) error {
	if q == nil || q.wq == nil {
		return fmt.Errorf("%w: nil queue", ErrInvalidArgument)
	}
	if ctx == nil {
		return fmt.Errorf("%w: nil context", ErrInvalidArgument)
	}
	return nil
}

// Nop formats a no-op in the reserved slot idx. It completes like any other
// entry and is used to fill slots that were reserved but are not needed.
func (q *Queue) Nop(idx uint32, fence bool, ctx any) error {
	if err := q.check(ctx); err != nil {
		return err
	}
	q.prepare(idx, fence, hw.OpNop, ctx)
	return nil
}

func (q *Queue) dma(idx uint32, fence bool, op hw.Opcode, lclAddr uint64, length uint64, remAddr uint64, ctx any) error {
	if err := q.check(ctx); err != nil {
		return err
	}
	if length > q.lib.sd.Attr.MaxDMALen || length > uint64(^uint32(0)) {
		return fmt.Errorf("%w: length %d exceeds max DMA length %d",
			ErrInvalidArgument, length, q.lib.sd.Attr.MaxDMALen)
	}

	d := q.prepare(idx, fence, op, ctx).DMA()
	d.Len = uint32(length)
	d.LclAddr = lclAddr
	d.RemAddr = remAddr
	return nil
}

// Put formats a transfer of length bytes from the local token lclAddr to
// the remote token remAddr.
func (q *Queue) Put(idx uint32, fence bool, lclAddr uint64, length uint64, remAddr uint64, ctx any) error {
	return q.dma(idx, fence, hw.OpPut, lclAddr, length, remAddr, ctx)
}

// Get formats a transfer of length bytes from the remote token remAddr to
// the local token lclAddr.
func (q *Queue) Get(idx uint32, fence bool, lclAddr uint64, length uint64, remAddr uint64, ctx any) error {
	return q.dma(idx, fence, hw.OpGet, lclAddr, length, remAddr, ctx)
}

// PutImm formats a put whose payload, at most [hw.ImmMax] bytes, is carried
// inside the entry.
func (q *Queue) PutImm(idx uint32, fence bool, data []byte, remAddr uint64, ctx any) error {
	if err := q.check(ctx); err != nil {
		return err
	}
	if len(data) == 0 || len(data) > hw.ImmMax {
		return fmt.Errorf("%w: immediate length %d not in [1, %d]", ErrInvalidArgument, len(data), hw.ImmMax)
	}

	m := q.prepare(idx, fence, hw.OpPutImm, ctx).Imm()
	m.Len = uint32(len(data))
	m.RemAddr = remAddr
	copy(m.Data[:], data)
	return nil
}

// GetImm formats a get of at most [hw.ImmMax] bytes. The data is returned
// in [Completion.Result].
func (q *Queue) GetImm(idx uint32, fence bool, length int, remAddr uint64, ctx any) error {
	if err := q.check(ctx); err != nil {
		return err
	}
	if length < 1 || length > hw.ImmMax {
		return fmt.Errorf("%w: immediate length %d not in [1, %d]", ErrInvalidArgument, length, hw.ImmMax)
	}

	m := q.prepare(idx, fence, hw.OpGetImm, ctx).Imm()
	m.Len = uint32(length)
	m.RemAddr = remAddr
	return nil
}

// Atomic formats an atomic operation on a 4 or 8 byte value at remAddr.
// Add takes one operand, the addend. CAS takes two, the expected value and
// the replacement. With retval set the previous value is returned in the
// first bytes of [Completion.Result].
func (q *Queue) Atomic(idx uint32, fence bool, retval bool, size int, op AtomicOp, remAddr uint64, operands []uint64, ctx any) error {
	if err := q.check(ctx); err != nil {
		return err
	}

	var (
		hwOp hw.Opcode
		nops int
	)
	switch op {
	case AtomicAdd:
		hwOp, nops = hw.OpAtomicAdd, 1
	case AtomicCAS:
		hwOp, nops = hw.OpAtomicCAS, 2
	default:
		return fmt.Errorf("%w: atomic op %d", ErrInvalidArgument, op)
	}
	if len(operands) < nops {
		return fmt.Errorf("%w: atomic op needs %d operands, got %d", ErrInvalidArgument, nops, len(operands))
	}

	var flags uint32
	switch size {
	case 4:
		flags = hw.AtomicSize32
	case 8:
		flags = hw.AtomicSize64
	default:
		return fmt.Errorf("%w: atomic size %d", ErrInvalidArgument, size)
	}
	if retval {
		flags |= hw.AtomicReturn
	}

	a := q.prepare(idx, fence, hwOp, ctx).Atomic()
	a.Size = flags
	a.RemAddr = remAddr
	copy(a.Operands[:nops], operands)
	return nil
}

package hw

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEntry_Size(t *testing.T) {
	assert.EqualValues(t, EntryLen, unsafe.Sizeof(WorkEntry{}))
	assert.EqualValues(t, EntryLen, unsafe.Sizeof(NopEntry{}))
	assert.EqualValues(t, EntryLen, unsafe.Sizeof(DMAEntry{}))
	assert.EqualValues(t, EntryLen, unsafe.Sizeof(ImmEntry{}))
	assert.EqualValues(t, EntryLen, unsafe.Sizeof(AtomicEntry{}))
	assert.EqualValues(t, EntryLen, unsafe.Sizeof(CompletionEntry{}))
}

func TestDMAEntry_MemoryLayout(t *testing.T) {
	var e WorkEntry
	d := e.DMA()
	d.Opcode = OpGet | OpFence
	d.CmpIndex = 0x0123
	d.Len = 0x4567
	d.LclAddr = 0x1122334455667788
	d.RemAddr = 0x99aabbccddeeff00

	expected := make([]byte, EntryLen)
	copy(expected, []byte{
		0x02, 0x01,
		0x23, 0x01,
		0x67, 0x45, 0x00, 0x00,
		0x88, 0x77, 0x66, 0x55, 0x44, 0x33, 0x22, 0x11,
		0x00, 0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x99,
	})
	assert.Equal(t, expected, e[:])
}

func TestImmEntry_MemoryLayout(t *testing.T) {
	var e WorkEntry
	i := e.Imm()
	i.Opcode = OpPutImm
	i.CmpIndex = 7
	i.Len = 3
	i.RemAddr = 0x0102
	copy(i.Data[:], "abc")

	assert.Equal(t, []byte{0x03, 0x00, 0x07, 0x00, 0x03, 0x00, 0x00, 0x00}, e[:8])
	assert.Equal(t, []byte{0x02, 0x01}, e[8:10])
	assert.Equal(t, []byte("abc"), e[32:35])
}

func TestAtomicEntry_MemoryLayout(t *testing.T) {
	var e WorkEntry
	a := e.Atomic()
	a.Opcode = OpAtomicCAS
	a.Size = AtomicSize64 | AtomicReturn
	a.Operands = [2]uint64{1, 2}

	assert.Equal(t, []byte{0x06, 0x00, 0x00, 0x00, 0x05, 0x00, 0x00, 0x00}, e[:8])
	assert.Equal(t, byte(1), e[16])
	assert.Equal(t, byte(2), e[24])
	assert.Equal(t, 8, AtomicBytes(a.Size))
	assert.Equal(t, 4, AtomicBytes(AtomicSize32))
	assert.Equal(t, 0, AtomicBytes(AtomicReturn))
}

func TestCompletionEntry_Publish(t *testing.T) {
	mem := make([]byte, EntryLen)
	c := (*CompletionEntry)(unsafe.Pointer(&mem[0]))
	c.Result[0] = 0xaa
	c.Publish(1, CQStatusRange, 0x0304)

	assert.Equal(t, []byte{0x01, 0x02, 0x04, 0x03}, mem[:4])
	assert.Equal(t, byte(0xaa), mem[16])

	valid, status, index := c.Load()
	assert.Equal(t, uint8(1), valid)
	assert.Equal(t, CQStatusRange, status)
	assert.Equal(t, uint16(0x0304), index)
}

func TestCompletionRing_Ready(t *testing.T) {
	const qlen = 4
	r, err := NewCompletionRing(qlen, make([]byte, RingLen(qlen)))
	require.NoError(t, err)

	// Zeroed memory is not valid on the first pass.
	assert.False(t, r.Ready(0))

	r.At(0).Publish(1, CQStatusSuccess, 0)
	assert.True(t, r.Ready(0))
	// Same slot on the second pass expects the opposite polarity.
	assert.False(t, r.Ready(qlen))

	r.At(qlen).Publish(0, CQStatusSuccess, 0)
	assert.True(t, r.Ready(qlen))
}

func TestRegisters(t *testing.T) {
	mem := make([]byte, RegisterPageLen)
	regs, err := NewRegisters(mem)
	require.NoError(t, err)

	regs.WQTail.Store(0x0102)
	regs.WQHead.Store(0x03)
	assert.Equal(t, []byte{0x02, 0x01, 0x00, 0x00, 0x03, 0x00, 0x00, 0x00}, mem[:8])

	_, err = NewRegisters(mem[:4])
	assert.Error(t, err)
}

func TestOpcode(t *testing.T) {
	o := OpPut | OpFence
	assert.Equal(t, OpPut, o.Base())
	assert.True(t, o.Fenced())
	assert.False(t, OpPut.Fenced())
	assert.Equal(t, "put", o.String())
}

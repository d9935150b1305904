package emu

import (
	"runtime/debug"
	"testing"

	"github.com/slackhq/zhpeq/driver"
	"github.com/slackhq/zhpeq/hw"
	"github.com/slackhq/zhpeq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func newDevice(t *testing.T, opts ...Option) *Device {
	d, err := New(test.NewLogger(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, d.Close())
	})
	return d
}

func TestDevice_Init(t *testing.T) {
	d := newDevice(t, WithBackend(driver.BackendZHPE), WithMaxDMALen(4096))

	rsp, err := driver.Init(d)
	require.NoError(t, err)

	mem, err := d.Mmap(int64(rsp.SharedOffset), int(rsp.SharedSize), unix.PROT_READ)
	require.NoError(t, err)

	sd, err := driver.DecodeShared(mem, rsp.SharedOffset, rsp.SharedSize)
	require.NoError(t, err)
	assert.Equal(t, uint32(driver.BackendZHPE), sd.Attr.Backend)
	assert.Equal(t, uint64(4096), sd.Attr.MaxDMALen)
}

func TestDevice_MmapReadOnly(t *testing.T) {
	d := newDevice(t)
	rsp, err := driver.Init(d)
	require.NoError(t, err)

	ro, err := d.Mmap(int64(rsp.SharedOffset), int(rsp.SharedSize), unix.PROT_READ)
	require.NoError(t, err)
	rw, err := d.Mmap(int64(rsp.SharedOffset), int(rsp.SharedSize), unix.PROT_READ|unix.PROT_WRITE)
	require.NoError(t, err)

	// Both views see the same pages.
	assert.NotSame(t, &ro[0], &rw[0])
	assert.Equal(t, rw, ro)
	last := len(rw) - 1
	rw[last]++
	assert.Equal(t, rw[last], ro[last])

	assert.Panics(t, func() {
		defer debug.SetPanicOnFault(debug.SetPanicOnFault(true))
		ro[0] = 0xff
	})

	require.NoError(t, d.Munmap(ro))
	assert.NoError(t, d.Munmap(rw), "device owned memory is left mapped")
	_, err = driver.DecodeShared(rw, rsp.SharedOffset, rsp.SharedSize)
	assert.Error(t, err, "the check word was changed through the writable view")
}

func TestDevice_QAllocRoundsUp(t *testing.T) {
	d := newDevice(t)

	info, err := driver.QAlloc(d, 1000)
	require.NoError(t, err)
	assert.Equal(t, uint32(1024), info.QLen)
	assert.GreaterOrEqual(t, info.QSize, uint64(1024*hw.EntryLen))

	for _, off := range []uint64{info.RegOff, info.WQOff, info.CQOff} {
		_, err := d.Mmap(int64(off), int(info.RSize), unix.PROT_READ|unix.PROT_WRITE)
		assert.NoError(t, err)
	}

	require.NoError(t, driver.QFree(d, info))
	_, err = d.Mmap(int64(info.WQOff), int(info.QSize), unix.PROT_READ)
	assert.Error(t, err)

	// Freeing twice is rejected by the device.
	assert.ErrorIs(t, driver.QFree(d, info), unix.EINVAL)
}

func TestDevice_QAllocLimits(t *testing.T) {
	d := newDevice(t, WithMaxQueueLen(64, 64), WithMaxQueues(1, 1))

	_, err := driver.QAlloc(d, 0)
	assert.ErrorIs(t, err, unix.EINVAL)
	_, err = driver.QAlloc(d, 65)
	assert.ErrorIs(t, err, unix.EINVAL)

	info, err := driver.QAlloc(d, 64)
	require.NoError(t, err)
	assert.Equal(t, uint32(64), info.QLen)

	_, err = driver.QAlloc(d, 2)
	assert.ErrorIs(t, err, unix.ENOSPC)
}

func TestDevice_Options(t *testing.T) {
	_, err := New(test.NewLogger(), WithMaxQueueLen(1, 1))
	assert.Error(t, err)
	_, err = New(test.NewLogger(), WithMaxDMALen(0))
	assert.Error(t, err)
}

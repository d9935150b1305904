package zhpeq

import (
	"testing"

	"github.com/slackhq/zhpeq/config"
	"github.com/slackhq/zhpeq/driver"
	"github.com/slackhq/zhpeq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpenDevice_Emulated(t *testing.T) {
	l := test.NewLogger()
	c := config.NewC(l)
	require.NoError(t, c.LoadString(`
driver:
  device: emulated
  emulated:
    backend: zhpe
    max_hw_qlen: 4K
    max_dma_len: 1M
    max_tx_queues: 3
`))

	dev, err := OpenDevice(l, c)
	require.NoError(t, err)
	defer dev.Close()

	rsp, err := driver.Init(dev)
	require.NoError(t, err)
	mem, err := dev.Mmap(int64(rsp.SharedOffset), int(rsp.SharedSize), 0)
	require.NoError(t, err)
	sd, err := driver.DecodeShared(mem, rsp.SharedOffset, rsp.SharedSize)
	require.NoError(t, err)

	assert.Equal(t, BackendZHPE, sd.Attr.Backend)
	assert.Equal(t, uint32(4096), sd.Attr.MaxHWQLen)
	assert.Equal(t, uint32(4096), sd.Attr.MaxSWQLen)
	assert.Equal(t, uint64(1<<20), sd.Attr.MaxDMALen)
	assert.Equal(t, uint32(3), sd.Attr.MaxTxQueues)
}

func TestOpenDevice_Errors(t *testing.T) {
	l := test.NewLogger()

	tests := []struct {
		name string
		raw  string
		err  error
		msg  string
	}{
		{name: "missing device", raw: "driver:\n  device: /nonexistent/zhpe\n", err: driver.ErrUnavailable},
		{name: "bad backend", raw: "driver:\n  device: emulated\n  emulated:\n    backend: ib\n", msg: "not understood"},
		{name: "queue too long", raw: "driver:\n  device: emulated\n  emulated:\n    max_hw_qlen: 1M\n", msg: "must not exceed"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := config.NewC(l)
			require.NoError(t, c.LoadString(tt.raw))
			dev, err := OpenDevice(l, c)
			assert.Nil(t, dev)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
			} else {
				assert.ErrorContains(t, err, tt.msg)
			}
		})
	}
}

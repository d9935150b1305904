package zhpeq

import (
	"bytes"
	"testing"

	"github.com/slackhq/zhpeq/driver/emu"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPrintInfo(t *testing.T) {
	lib := newSimLib(t, &simBackend{}, emu.WithMaxQueueLen(1024, 512), emu.WithMaxDMALen(1<<20))

	var out bytes.Buffer
	require.NoError(t, lib.PrintInfo(&out, nil))
	assert.Equal(t, "zhpeq:attributes\n"+
		"backend       : zhpe\n"+
		"max_tx_queues : 1024\n"+
		"max_rx_queues : 1024\n"+
		"max_hw_qlen   : 1024\n"+
		"max_sw_qlen   : 512\n"+
		"max_dma_len   : 1048576\n", out.String())
}

package zhpeq

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEngineMetrics(t *testing.T) {
	lib := newSimLib(t, &simBackend{lazy: true})
	q := newSimQueue(t, lib, 4)
	m := lib.metrics

	assert.Equal(t, int64(1), m.queues.Count())

	start, err := q.Reserve(3)
	require.NoError(t, err)
	_, err = q.Reserve(1)
	require.ErrorIs(t, err, ErrWouldBlock)
	for i := range uint32(3) {
		require.NoError(t, q.Nop(start+i, false, i))
	}
	require.NoError(t, q.Commit(start, 3))

	out := make([]Completion, 4)
	n, err := q.Poll(out)
	require.NoError(t, err)
	require.Equal(t, 3, n)

	assert.Equal(t, int64(3), m.reserved.Count())
	assert.Equal(t, int64(1), m.wouldBlock.Count())
	assert.Equal(t, int64(3), m.committed.Count())
	assert.Equal(t, int64(0), m.commitSpins.Count())
	assert.Equal(t, int64(3), m.completions.Count())
	assert.Equal(t, int64(1), m.activePolls.Count())

	require.NoError(t, q.Close())
	assert.Equal(t, int64(0), m.queues.Count())

	var nilMetrics *engineMetrics
	nilMetrics.reserve(1)
	nilMetrics.poll(1, true)
}

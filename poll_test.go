package zhpeq

import (
	"testing"

	"github.com/slackhq/zhpeq/hw"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_Empty(t *testing.T) {
	b := &simBackend{lazy: true}
	lib := newSimLib(t, b)
	q := newSimQueue(t, lib, 8)

	out := make([]Completion, 4)
	n, err := q.Poll(out)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.Equal(t, 1, b.polls, "an empty ring is actively polled once")

	_, err = q.Poll(nil)
	assert.ErrorIs(t, err, ErrInvalidArgument)
}

func TestPoll_Nops(t *testing.T) {
	tests := []struct {
		name string
		lazy bool
	}{
		{name: "doorbell"},
		{name: "active poll", lazy: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib := newSimLib(t, &simBackend{lazy: tt.lazy})
			q := newSimQueue(t, lib, 16)

			const k = 5
			start, err := q.Reserve(k)
			require.NoError(t, err)
			for i := range uint32(k) {
				require.NoError(t, q.Nop(start+i, i == 0, i+100))
			}
			require.NoError(t, q.Commit(start, k))

			// A short buffer only takes part of the completions.
			out := make([]Completion, 3)
			n, err := q.Poll(out)
			require.NoError(t, err)
			require.Equal(t, 3, n)
			for i := range n {
				assert.NoError(t, out[i].Err())
				assert.Equal(t, uint16(i), out[i].Index)
				assert.Equal(t, uint32(i+100), out[i].Context)
			}
			assert.Equal(t, uint32(3), q.head.Load())

			n, err = q.Poll(out)
			require.NoError(t, err)
			require.Equal(t, 2, n)
			assert.Equal(t, uint32(103), out[0].Context)
			assert.Equal(t, uint32(104), out[1].Context)
			assert.Equal(t, uint32(k), q.head.Load())

			n, err = q.Poll(out)
			require.NoError(t, err)
			assert.Equal(t, 0, n)
		})
	}
}

func TestPoll_Wrap(t *testing.T) {
	lib := newSimLib(t, &simBackend{})
	q := newSimQueue(t, lib, 4)
	// Longer than the ring, which Poll accepts.
	out := make([]Completion, 8)

	// Several passes over a 4 entry ring flip the validity polarity.
	for pass := range 6 {
		start, err := q.Reserve(3)
		require.NoError(t, err)
		for i := range uint32(3) {
			require.NoError(t, q.Nop(start+i, false, pass))
		}
		require.NoError(t, q.Commit(start, 3))

		n, err := q.Poll(out)
		require.NoError(t, err)
		require.Equal(t, 3, n, "pass %d", pass)
		for i := range n {
			assert.Equal(t, pass, out[i].Context)
			assert.Equal(t, uint16((start+uint32(i))&3), out[i].Index)
		}
	}
}

func TestCompletion_Err(t *testing.T) {
	c := Completion{Status: hw.CQStatusAccess, Index: 3}
	assert.EqualError(t, c.Err(), "completion 3 failed: access denied (1)")
	c.Status = hw.CQStatusSuccess
	assert.NoError(t, c.Err())
}

package hw

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCheckQueueLen(t *testing.T) {
	tests := []struct {
		name        string
		qlen        int
		containsErr string
	}{
		{
			name:        "negative",
			qlen:        -1,
			containsErr: "too small",
		},
		{
			name:        "one",
			qlen:        1,
			containsErr: "too small",
		},
		{
			name:        "not a power of 2",
			qlen:        1000,
			containsErr: "not a power of 2",
		},
		{
			name:        "too large",
			qlen:        1 << 17,
			containsErr: "larger than the maximum",
		},
		{
			name: "valid 2",
			qlen: 2,
		},
		{
			name: "valid 1024",
			qlen: 1024,
		},
		{
			name: "valid max",
			qlen: MaxQueueLen,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckQueueLen(tt.qlen)
			if tt.containsErr != "" {
				assert.ErrorContains(t, err, tt.containsErr)
				assert.ErrorIs(t, err, ErrQueueLenInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestRoundQueueLen(t *testing.T) {
	assert.Equal(t, uint32(0), RoundQueueLen(0))
	assert.Equal(t, uint32(2), RoundQueueLen(1))
	assert.Equal(t, uint32(2), RoundQueueLen(2))
	assert.Equal(t, uint32(4), RoundQueueLen(3))
	assert.Equal(t, uint32(1024), RoundQueueLen(1000))
	assert.Equal(t, uint32(1024), RoundQueueLen(1024))
	assert.Equal(t, uint32(2048), RoundQueueLen(1025))
}

func TestValidPolarity(t *testing.T) {
	const qlen = 8
	assert.Equal(t, uint8(1), ValidPolarity(0, qlen))
	assert.Equal(t, uint8(1), ValidPolarity(7, qlen))
	assert.Equal(t, uint8(0), ValidPolarity(8, qlen))
	assert.Equal(t, uint8(0), ValidPolarity(15, qlen))
	assert.Equal(t, uint8(1), ValidPolarity(16, qlen))
	// Indexes wrap at 2^32 which is a multiple of every ring length.
	assert.Equal(t, uint8(0), ValidPolarity(0xffffffff, qlen))
}

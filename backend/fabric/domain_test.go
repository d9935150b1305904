package fabric

import (
	"testing"

	"github.com/slackhq/zhpeq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDomain_RegionIDs(t *testing.T) {
	d := newDomain()
	buf := make([]byte, 16)

	r, err := d.register(buf, zhpeq.MRGet)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.id)
	assert.Equal(t, localToken(1), r.key.ZAddr)

	// The last id still yields a local token.
	d.nextID = indexMask
	r, err = d.register(buf, zhpeq.MRGet)
	require.NoError(t, err)
	remote, id, off := splitToken(r.key.ZAddr)
	assert.False(t, remote)
	assert.Equal(t, indexMask, id)
	assert.Zero(t, off)

	_, err = d.register(buf, zhpeq.MRGet)
	assert.ErrorIs(t, err, zhpeq.ErrInvalidArgument)
	assert.Equal(t, 2, d.count())

	assert.True(t, d.deregister(1))
	_, err = d.register(buf, zhpeq.MRGet)
	assert.ErrorIs(t, err, zhpeq.ErrInvalidArgument, "ids are not reused")
}

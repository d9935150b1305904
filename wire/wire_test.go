package wire

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSendBlob_Framing(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendBlob(&buf, []byte{0xaa, 0xbb}))
	require.NoError(t, SendBlob(&buf, []byte{}))
	require.NoError(t, SendBlob(&buf, nil))

	assert.Equal(t, []byte{
		0x00, 0x00, 0x00, 0x02, 0xaa, 0xbb,
		0x00, 0x00, 0x00, 0x00,
		0xff, 0xff, 0xff, 0xff,
	}, buf.Bytes())
}

func TestRecvVarBlob(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendBlob(&buf, []byte("hello")))
	require.NoError(t, SendBlob(&buf, nil))
	require.NoError(t, SendBlob(&buf, []byte{}))
	require.NoError(t, SendBlob(&buf, make([]byte, 9)))

	b, err := RecvVarBlob(&buf, 64)
	require.NoError(t, err)
	assert.Equal(t, []byte("hello"), b)

	b, err = RecvVarBlob(&buf, 64)
	require.NoError(t, err)
	assert.Nil(t, b)

	b, err = RecvVarBlob(&buf, 64)
	require.NoError(t, err)
	assert.NotNil(t, b)
	assert.Empty(t, b)

	_, err = RecvVarBlob(&buf, 8)
	assert.ErrorIs(t, err, ErrLength)
}

func TestRecvFixedBlob(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, SendBlob(&buf, []byte{1, 2, 3}))
	require.NoError(t, SendBlob(&buf, []byte{1, 2}))
	require.NoError(t, SendBlob(&buf, nil))

	out := make([]byte, 3)
	require.NoError(t, RecvFixedBlob(&buf, out))
	assert.Equal(t, []byte{1, 2, 3}, out)

	assert.ErrorIs(t, RecvFixedBlob(&buf, out), ErrLength)
	// The mismatched payload is left unread, skip it.
	_, _ = io.CopyN(io.Discard, &buf, 2)
	assert.ErrorIs(t, RecvFixedBlob(&buf, out), ErrAbsent)
}

func TestRecv_ShortStream(t *testing.T) {
	_, err := RecvVarBlob(bytes.NewReader([]byte{0, 0}), 64)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)

	_, err = RecvVarBlob(bytes.NewReader([]byte{0, 0, 0, 4, 1}), 64)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestString_OverPipe(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	go func() {
		_ = SendString(a, "provider")
		_ = SendUint64(a, 0x1122334455667788)
	}()

	s, err := RecvString(b, 256)
	require.NoError(t, err)
	assert.Equal(t, "provider", s)

	v, err := RecvUint64(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(0x1122334455667788), v)
}

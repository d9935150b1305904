package zhpeq

import (
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/zhpeq/driver/emu"
	"github.com/slackhq/zhpeq/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	lib := newSimLib(t, &simBackend{},
		emu.WithMaxQueueLen(4096, 1024),
		emu.WithMaxQueues(8, 4),
		emu.WithMaxDMALen(1<<20),
		emu.WithDebugFlags(0x5),
	)

	a := lib.Attributes()
	assert.Equal(t, BackendZHPE, a.Backend)
	assert.Equal(t, uint32(4096), a.MaxHWQLen)
	assert.Equal(t, uint32(1024), a.MaxSWQLen)
	assert.Equal(t, uint32(8), a.MaxTxQueues)
	assert.Equal(t, uint32(4), a.MaxRxQueues)
	assert.Equal(t, uint64(1<<20), a.MaxDMALen)
	assert.Equal(t, uint32(0x5), lib.DebugFlags())
	assert.IsType(t, &simBackend{}, lib.Backend())
	assert.Equal(t, "emulated", lib.Device().Name())

	assert.NoError(t, lib.Close())
	assert.NoError(t, lib.Close(), "closing twice is fine")
}

func TestNew_APIVersion(t *testing.T) {
	l, logs := test.NewCapturingLogger()
	dev, err := emu.New(l)
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register(BackendLibfabric, &simBackend{}))

	_, err = New(l, APIVersion+1, WithDevice(dev), WithRegistry(r))
	assert.ErrorIs(t, err, ErrProtocolMismatch)
	assert.Contains(t, logs.String(), "what=api_version")
	assert.Contains(t, logs.String(), "expected=1")
	assert.Contains(t, logs.String(), "saw=2")
}

func TestNew_UnsupportedBackend(t *testing.T) {
	l := test.NewLogger()
	dev, err := emu.New(l, emu.WithBackend(BackendLibfabric))
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register(BackendZHPE, &simBackend{}))

	_, err = New(l, APIVersion, WithDevice(dev), WithRegistry(r))
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
}

func TestNew_MissingDevice(t *testing.T) {
	_, err := New(test.NewLogger(), APIVersion, WithDevicePath("/nonexistent/zhpe"))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestInit_Once(t *testing.T) {
	l := test.NewLogger()
	r := NewRegistry()
	require.NoError(t, r.Register(BackendLibfabric, &simBackend{}))

	dev, err := emu.New(l)
	require.NoError(t, err)
	first, err := Init(l, APIVersion, WithDevice(dev), WithRegistry(r), WithMetricsRegistry(metrics.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = first.Close() })

	// The second call does not look at its arguments.
	second, err := Init(l, APIVersion+1)
	require.NoError(t, err)
	assert.Same(t, first, second)
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	b := &simBackend{}

	assert.ErrorIs(t, r.Register(BackendZHPE, nil), ErrInvalidArgument)
	assert.ErrorIs(t, r.Register(7, b), ErrInvalidArgument)
	require.NoError(t, r.Register(BackendZHPE, b))
	assert.ErrorIs(t, r.Register(BackendZHPE, b), ErrInvalidArgument)

	got, err := r.Lookup(BackendZHPE)
	require.NoError(t, err)
	assert.Same(t, b, got)

	_, err = r.Lookup(BackendLibfabric)
	assert.ErrorIs(t, err, ErrUnsupportedBackend)
	assert.Equal(t, "unknown", BackendName(42))
}

func TestDomainAlloc(t *testing.T) {
	b := &simBackend{}
	lib := newSimLib(t, b)

	d, err := lib.DomainAlloc(nil)
	require.NoError(t, err)
	assert.Equal(t, BackendZHPE, d.Params().Backend)
	assert.Same(t, lib, d.Lib())
	assert.Equal(t, 1, b.domains)

	d2, err := lib.DomainAlloc(&BackendParams{Backend: BackendZHPE, ProviderName: "tcp"})
	require.NoError(t, err)
	assert.Equal(t, "tcp", d2.Params().ProviderName)
	assert.Equal(t, 2, b.domains)

	_, err = lib.DomainAlloc(&BackendParams{Backend: BackendLibfabric})
	assert.ErrorIs(t, err, ErrMismatch)
	assert.Equal(t, 2, b.domains)

	assert.NoError(t, d.Close())
	assert.NoError(t, d2.Close())
	assert.Equal(t, 0, b.domains)

	var nilDomain *Domain
	assert.NoError(t, nilDomain.Close())
}

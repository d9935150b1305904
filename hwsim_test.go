package zhpeq

import (
	"encoding/binary"
	"errors"
	"net"
	"sync"
	"testing"
	"unsafe"

	"github.com/rcrowley/go-metrics"
	"github.com/slackhq/zhpeq/driver/emu"
	"github.com/slackhq/zhpeq/hw"
	"github.com/slackhq/zhpeq/test"
	"github.com/stretchr/testify/require"
)

// simBackend pretends to be the fabric hardware. Committed entries are
// executed when the doorbell rings, or only from ActivePoll when lazy is
// set, and a completion is written for each of them.
type simBackend struct {
	lazy bool

	mu        sync.Mutex
	doorbells int
	polls     int
	domains   int
	nextKey   uint64
	failQueue error
	failFree  error
	// tails holds the tail register value seen by every doorbell.
	tails []uint32
}

type simQueue struct {
	mu     sync.Mutex
	hwHead uint32
	cqTail uint32
}

func (b *simBackend) LibInit(*Lib) error { return nil }

func (b *simBackend) DomainAlloc(d *Domain) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.domains++
	d.Private = b.domains
	return nil
}

func (b *simBackend) DomainFree(d *Domain) error {
	if d.Private == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.domains--
	return nil
}

func (b *simBackend) QueueAlloc(q *Queue) error {
	if b.failQueue != nil {
		return b.failQueue
	}
	q.Private = &simQueue{}
	return nil
}

func (b *simBackend) QueueFree(q *Queue) error {
	q.Private = nil
	return b.failFree
}

func (b *simBackend) SignalDoorbell(q *Queue) error {
	b.mu.Lock()
	b.doorbells++
	b.tails = append(b.tails, q.Registers().WQTail.Load())
	b.mu.Unlock()
	if !b.lazy {
		b.drain(q)
	}
	return nil
}

func (b *simBackend) ActivePoll(q *Queue, _ int) error {
	b.mu.Lock()
	b.polls++
	b.mu.Unlock()
	b.drain(q)
	return nil
}

func (b *simBackend) drain(q *Queue) {
	sq := q.Private.(*simQueue)
	sq.mu.Lock()
	defer sq.mu.Unlock()

	mask := q.Len() - 1
	tail := q.Registers().WQTail.Load()
	for sq.hwHead&mask != tail {
		e := q.WorkRing().At(sq.hwHead)
		h := e.Header()

		status := hw.CQStatusSuccess
		if h.Opcode.Base() > hw.OpAtomicCAS {
			status = hw.CQStatusOpcode
		}

		c := q.CompletionRing().At(sq.cqTail)
		c.Timestamp = uint64(sq.cqTail)
		c.Result = [hw.ImmMax]byte{}
		c.Publish(hw.ValidPolarity(sq.cqTail, q.Len()), status, h.CmpIndex)

		sq.hwHead++
		sq.cqTail++
	}
	q.Registers().WQHead.Store(sq.hwHead & mask)
	q.Registers().CQTail.Store(sq.cqTail)
}

func (b *simBackend) Open(*Queue, net.Conn) (int, error) { return 0, nil }
func (b *simBackend) Close(*Queue, int) error             { return nil }

func (b *simBackend) Register(_ *Domain, buf []byte, access uint32) (*KeyData, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextKey++
	return &KeyData{
		Key:    b.nextKey,
		Access: access,
		VAddr:  uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf)))),
		Len:    uint64(len(buf)),
		ZAddr:  b.nextKey << 40,
	}, nil
}

func (b *simBackend) Deregister(*Domain, *KeyData) error { return nil }

func (b *simBackend) Export(_ *Queue, k *KeyData) ([]byte, error) {
	blob := make([]byte, 32)
	binary.BigEndian.PutUint64(blob[0:], k.Key)
	binary.BigEndian.PutUint64(blob[8:], k.VAddr)
	binary.BigEndian.PutUint64(blob[16:], k.Len)
	binary.BigEndian.PutUint32(blob[24:], k.Access)
	return blob, nil
}

func (b *simBackend) Import(_ *Queue, openIdx int, blob []byte) (*KeyData, error) {
	if len(blob) != 32 {
		return nil, errors.New("bad blob")
	}
	return &KeyData{
		Key:    binary.BigEndian.Uint64(blob[0:]),
		VAddr:  binary.BigEndian.Uint64(blob[8:]),
		Len:    binary.BigEndian.Uint64(blob[16:]),
		Access: binary.BigEndian.Uint32(blob[24:]),
		ZAddr:  1<<63 | uint64(openIdx)<<40,
	}, nil
}

func (b *simBackend) FreeImported(*Queue, *KeyData) error { return nil }

// newSimLib performs the handshake against the emulator with b serving the
// zhpe backend id.
func newSimLib(t *testing.T, b *simBackend, opts ...emu.Option) *Lib {
	t.Helper()
	l := test.NewLogger()

	dev, err := emu.New(l, append([]emu.Option{emu.WithBackend(BackendZHPE)}, opts...)...)
	require.NoError(t, err)

	r := NewRegistry()
	require.NoError(t, r.Register(BackendZHPE, b))

	lib, err := New(l, APIVersion, WithDevice(dev), WithRegistry(r), WithMetricsRegistry(metrics.NewRegistry()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = lib.Close() })
	return lib
}

// newSimQueue returns a queue of at least qlen entries on a fresh domain.
func newSimQueue(t *testing.T, lib *Lib, qlen int) *Queue {
	t.Helper()
	d, err := lib.DomainAlloc(nil)
	require.NoError(t, err)
	q, err := d.QueueAlloc(qlen)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = q.Close()
		_ = d.Close()
	})
	return q
}

package zhpeq

import (
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/slackhq/zhpeq/driver"
)

// Backend identifiers.
const (
	BackendZHPE      uint32 = driver.BackendZHPE
	BackendLibfabric uint32 = driver.BackendLibfabric
)

// BackendName returns the printable name of a backend identifier.
func BackendName(id uint32) string {
	switch id {
	case BackendZHPE:
		return "zhpe"
	case BackendLibfabric:
		return "libfabric"
	}
	return "unknown"
}

// Backend is the transport specific half of the queue engine. The engine
// owns the rings and the control channel, the backend owns whatever it
// needs to make committed entries execute and completions appear.
//
// Backends keep their per object state in the Private fields of [Domain],
// [Queue] and [KeyData].
type Backend interface {
	LibInit(lib *Lib) error

	DomainAlloc(d *Domain) error
	DomainFree(d *Domain) error

	// QueueAlloc runs once the rings are mapped. It must release anything
	// it acquired when it fails.
	QueueAlloc(q *Queue) error
	// QueueFree runs before the rings are unmapped and must stop anything
	// that still touches them.
	QueueFree(q *Queue) error

	// Open connects q to the peer at the other end of conn, which the caller
	// has already established, and returns an index naming that peer.
	Open(q *Queue, conn net.Conn) (int, error)
	Close(q *Queue, openIdx int) error

	Register(d *Domain, buf []byte, access uint32) (*KeyData, error)
	Deregister(d *Domain, k *KeyData) error

	Export(q *Queue, k *KeyData) ([]byte, error)
	Import(q *Queue, openIdx int, blob []byte) (*KeyData, error)
	FreeImported(q *Queue, k *KeyData) error
}

// Doorbell is implemented by backends that must be told when the tail
// register moved.
type Doorbell interface {
	SignalDoorbell(q *Queue) error
}

// ActivePoller is implemented by backends whose completions only appear
// when the reader drives progress.
type ActivePoller interface {
	ActivePoll(q *Queue, n int) error
}

// DiagnosticsPrinter is implemented by backends with state worth showing
// in [Lib.PrintInfo].
type DiagnosticsPrinter interface {
	PrintDiagnostics(w io.Writer, q *Queue)
}

// Registry maps backend identifiers to implementations.
type Registry struct {
	mu       sync.RWMutex
	backends map[uint32]Backend
}

func NewRegistry() *Registry {
	return &Registry{backends: make(map[uint32]Backend)}
}

// Register makes b the implementation of id. Only the zhpe and libfabric
// identifiers are accepted and each may be registered once.
func (r *Registry) Register(id uint32, b Backend) error {
	if b == nil {
		return fmt.Errorf("%w: nil backend", ErrInvalidArgument)
	}
	switch id {
	case BackendZHPE, BackendLibfabric:
	default:
		return fmt.Errorf("%w: backend id %d", ErrInvalidArgument, id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.backends[id]; ok {
		return fmt.Errorf("%w: backend %s already registered", ErrInvalidArgument, BackendName(id))
	}
	r.backends[id] = b
	return nil
}

func (r *Registry) Lookup(id uint32) (Backend, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s (%d)", ErrUnsupportedBackend, BackendName(id), id)
	}
	return b, nil
}

var defaultRegistry = NewRegistry()

// RegisterBackend adds b to the registry used by [New] and [Init] unless
// [WithRegistry] selects another one. Backend packages call it from init.
func RegisterBackend(id uint32, b Backend) error {
	return defaultRegistry.Register(id, b)
}

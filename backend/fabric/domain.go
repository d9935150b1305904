package fabric

import (
	"encoding/binary"
	"fmt"
	"sync"
	"unsafe"

	"github.com/slackhq/zhpeq"
	"github.com/slackhq/zhpeq/hw"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

type region struct {
	id  uint64
	buf []byte
	key *zhpeq.KeyData
}

// domain holds the memory that was registered with it. Peers reach that
// memory through region ids and keys.
type domain struct {
	mu      sync.RWMutex
	nextID  uint64
	regions map[uint64]*region
}

func newDomain() *domain {
	return &domain{
		nextID:  1,
		regions: make(map[uint64]*region),
	}
}

// register adds buf as a new region. Region ids are never reused, so a
// domain runs out of them after indexMask registrations.
func (d *domain) register(buf []byte, access uint32) (*region, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.nextID > indexMask {
		return nil, fmt.Errorf("%w: domain has no region ids left", zhpeq.ErrInvalidArgument)
	}
	r := &region{id: d.nextID, buf: buf}
	d.nextID++
	r.key = &zhpeq.KeyData{
		Key:     r.id,
		Access:  access,
		VAddr:   uint64(uintptr(unsafe.Pointer(unsafe.SliceData(buf)))),
		Len:     uint64(len(buf)),
		ZAddr:   localToken(r.id),
		Private: r,
	}
	d.regions[r.id] = r
	return r, nil
}

func (d *domain) deregister(id uint64) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.regions[id]; !ok {
		return false
	}
	delete(d.regions, id)
	return true
}

func (d *domain) count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.regions)
}

// lookup returns length bytes at off in the region id if key matches and
// every flag in access was granted.
func (d *domain) lookup(id, key, off, length uint64, access uint32) ([]byte, uint8) {
	d.mu.RLock()
	r, ok := d.regions[id]
	d.mu.RUnlock()

	if !ok || r.key.Key != key || r.key.Access&access != access {
		return nil, hw.CQStatusAccess
	}
	size := uint64(len(r.buf))
	if off > size || length > size-off {
		return nil, hw.CQStatusRange
	}
	return r.buf[off : off+length : off+length], hw.CQStatusSuccess
}

// local resolves a token from this domain, as used for the local side of a
// put or a get.
func (d *domain) local(tok, length uint64, access uint32) ([]byte, uint8) {
	remote, id, off := splitToken(tok)
	if remote {
		return nil, hw.CQStatusAccess
	}
	d.mu.RLock()
	r, ok := d.regions[id]
	d.mu.RUnlock()
	if !ok {
		return nil, hw.CQStatusAccess
	}
	return d.lookup(id, r.key.Key, off, length, access)
}

func (d *domain) put(id, key, off uint64, data []byte) uint8 {
	dst, status := d.lookup(id, key, off, uint64(len(data)), zhpeq.MRPutRemote)
	if status == hw.CQStatusSuccess {
		copy(dst, data)
	}
	return status
}

func (d *domain) get(id, key, off uint64, dst []byte) uint8 {
	src, status := d.lookup(id, key, off, uint64(len(dst)), zhpeq.MRGetRemote)
	if status == hw.CQStatusSuccess {
		copy(dst, src)
	}
	return status
}

func (d *domain) atomic(id, key, off uint64, req *atomicRequest) (uint64, uint8) {
	n := hw.AtomicBytes(req.Size)
	if n == 0 {
		return 0, hw.CQStatusOpcode
	}
	access := zhpeq.MRPutRemote
	if req.Size&hw.AtomicReturn != 0 {
		access |= zhpeq.MRGetRemote
	}
	mem, status := d.lookup(id, key, off, uint64(n), access)
	if status != hw.CQStatusSuccess {
		return 0, status
	}
	p := unsafe.Pointer(unsafe.SliceData(mem))
	if uintptr(p)%uintptr(n) != 0 {
		return 0, hw.CQStatusAlign
	}

	op := hw.Opcode(req.Op).Base()
	if n == 4 {
		return atomic32((*atomicbitops.Uint32)(p), op, uint32(req.Operands[0]), uint32(req.Operands[1]))
	}
	return atomic64((*atomicbitops.Uint64)(p), op, req.Operands[0], req.Operands[1])
}

func atomic32(p *atomicbitops.Uint32, op hw.Opcode, a, b uint32) (uint64, uint8) {
	switch op {
	case hw.OpAtomicAdd:
		return uint64(p.Add(a) - a), hw.CQStatusSuccess
	case hw.OpAtomicCAS:
		for {
			cur := p.Load()
			if cur != a || p.CompareAndSwap(a, b) {
				return uint64(cur), hw.CQStatusSuccess
			}
		}
	}
	return 0, hw.CQStatusOpcode
}

func atomic64(p *atomicbitops.Uint64, op hw.Opcode, a, b uint64) (uint64, uint8) {
	switch op {
	case hw.OpAtomicAdd:
		return p.Add(a) - a, hw.CQStatusSuccess
	case hw.OpAtomicCAS:
		for {
			cur := p.Load()
			if cur != a || p.CompareAndSwap(a, b) {
				return cur, hw.CQStatusSuccess
			}
		}
	}
	return 0, hw.CQStatusOpcode
}

// putResult stores an atomic result the way the device does, little endian
// at the start of the completion result.
func putResult(res *[hw.ImmMax]byte, v uint64, n int) {
	if n == 4 {
		binary.LittleEndian.PutUint32(res[:], uint32(v))
		return
	}
	binary.LittleEndian.PutUint64(res[:], v)
}

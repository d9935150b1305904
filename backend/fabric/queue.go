package fabric

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq"
	"github.com/slackhq/zhpeq/eventfd"
	"github.com/slackhq/zhpeq/hw"
)

type imported struct {
	peer   int
	region uint64
	key    uint64
	access uint32
}

// queue executes the entries of one zhpeq.Queue in software.
type queue struct {
	l   *logrus.Entry
	q   *zhpeq.Queue
	dom *domain

	doorbell eventfd.EventFD
	epoll    eventfd.Epoll
	closing  atomic.Bool
	done     chan struct{}

	// drainMu serializes the worker with ActivePoll. hwHead and cqTail are
	// unmasked and only change under it.
	drainMu sync.Mutex
	hwHead  uint32
	cqTail  uint32

	mu struct {
		sync.Mutex
		ep      *endpoint
		peers   []target
		imports []*imported
	}
}

func newQueue(l *logrus.Entry, q *zhpeq.Queue, dom *domain) (_ *queue, err error) {
	fq := &queue{
		l:    l,
		q:    q,
		dom:  dom,
		done: make(chan struct{}),
	}

	fq.doorbell, err = eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("create doorbell: %w", err)
	}
	fq.epoll, err = eventfd.NewEpoll()
	if err != nil {
		_ = fq.doorbell.Close()
		return nil, fmt.Errorf("create epoll: %w", err)
	}
	if err = fq.epoll.AddEvent(fq.doorbell.FD()); err != nil {
		_ = fq.epoll.Close()
		_ = fq.doorbell.Close()
		return nil, fmt.Errorf("watch doorbell: %w", err)
	}

	go fq.run()
	return fq, nil
}

// run drains the ring every time the doorbell rings.
func (fq *queue) run() {
	defer close(fq.done)
	for {
		if _, err := fq.epoll.Block(-1); err != nil {
			fq.l.WithError(err).Error("Doorbell wait failed")
			return
		}
		if fq.closing.Load() {
			return
		}
		if err := fq.doorbell.Drain(); err != nil {
			fq.l.WithError(err).Error("Doorbell drain failed")
			return
		}
		fq.drain()
	}
}

func (fq *queue) ring() error {
	return fq.doorbell.Kick()
}

// drain executes every committed entry that has not been executed yet and
// writes its completion.
func (fq *queue) drain() int {
	fq.drainMu.Lock()
	defer fq.drainMu.Unlock()

	qlen := fq.q.Len()
	mask := qlen - 1
	regs := fq.q.Registers()
	wq := fq.q.WorkRing()
	cq := fq.q.CompletionRing()

	tail := regs.WQTail.Load()
	n := 0
	for fq.hwHead&mask != tail {
		e := wq.At(fq.hwHead)
		c := cq.At(fq.cqTail)

		c.Result = [hw.ImmMax]byte{}
		status := fq.execute(e, &c.Result)
		c.Timestamp = uint64(time.Now().UnixNano())
		c.Publish(hw.ValidPolarity(fq.cqTail, qlen), status, e.Header().CmpIndex)

		fq.hwHead++
		fq.cqTail++
		n++
	}
	if n > 0 {
		regs.WQHead.Store(fq.hwHead & mask)
		regs.CQTail.Store(fq.cqTail)
	}
	return n
}

// execute runs one entry. Entries run in ring order and each finishes
// before the next starts, which satisfies any fence.
func (fq *queue) execute(e *hw.WorkEntry, result *[hw.ImmMax]byte) uint8 {
	switch e.Header().Opcode.Base() {
	case hw.OpNop:
		return hw.CQStatusSuccess

	case hw.OpPut:
		d := e.DMA()
		src, status := fq.dom.local(d.LclAddr, uint64(d.Len), zhpeq.MRPut)
		if status != hw.CQStatusSuccess {
			return status
		}
		t, id, key, off, status := fq.resolve(d.RemAddr)
		if status != hw.CQStatusSuccess {
			return status
		}
		return t.put(id, key, off, src)

	case hw.OpGet:
		d := e.DMA()
		dst, status := fq.dom.local(d.LclAddr, uint64(d.Len), zhpeq.MRGet)
		if status != hw.CQStatusSuccess {
			return status
		}
		t, id, key, off, status := fq.resolve(d.RemAddr)
		if status != hw.CQStatusSuccess {
			return status
		}
		return t.get(id, key, off, dst)

	case hw.OpPutImm:
		m := e.Imm()
		if m.Len == 0 || m.Len > hw.ImmMax {
			return hw.CQStatusRange
		}
		t, id, key, off, status := fq.resolve(m.RemAddr)
		if status != hw.CQStatusSuccess {
			return status
		}
		return t.put(id, key, off, m.Data[:m.Len])

	case hw.OpGetImm:
		m := e.Imm()
		if m.Len == 0 || m.Len > hw.ImmMax {
			return hw.CQStatusRange
		}
		t, id, key, off, status := fq.resolve(m.RemAddr)
		if status != hw.CQStatusSuccess {
			return status
		}
		return t.get(id, key, off, result[:m.Len])

	case hw.OpAtomicAdd, hw.OpAtomicCAS:
		a := e.Atomic()
		t, id, key, off, status := fq.resolve(a.RemAddr)
		if status != hw.CQStatusSuccess {
			return status
		}
		req := atomicRequest{
			Size:     a.Size,
			Op:       uint16(a.Opcode.Base()),
			Operands: a.Operands,
		}
		old, status := t.atomic(id, key, off, &req)
		if status == hw.CQStatusSuccess && a.Size&hw.AtomicReturn != 0 {
			putResult(result, old, hw.AtomicBytes(a.Size))
		}
		return status
	}
	return hw.CQStatusOpcode
}

// resolve maps an imported token to the peer that owns the memory.
func (fq *queue) resolve(tok uint64) (target, uint64, uint64, uint64, uint8) {
	remote, idx, off := splitToken(tok)
	if !remote {
		return nil, 0, 0, 0, hw.CQStatusAccess
	}

	fq.mu.Lock()
	defer fq.mu.Unlock()
	if idx >= uint64(len(fq.mu.imports)) || fq.mu.imports[idx] == nil {
		return nil, 0, 0, 0, hw.CQStatusAccess
	}
	imp := fq.mu.imports[idx]
	if imp.peer >= len(fq.mu.peers) || fq.mu.peers[imp.peer] == nil {
		return nil, 0, 0, 0, hw.CQStatusTransport
	}
	return fq.mu.peers[imp.peer], imp.region, imp.key, off, hw.CQStatusSuccess
}

func (fq *queue) addPeer(t target) int {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	for i, p := range fq.mu.peers {
		if p == nil {
			fq.mu.peers[i] = t
			return i
		}
	}
	fq.mu.peers = append(fq.mu.peers, t)
	return len(fq.mu.peers) - 1
}

func (fq *queue) removePeer(idx int) (target, bool) {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	if idx < 0 || idx >= len(fq.mu.peers) || fq.mu.peers[idx] == nil {
		return nil, false
	}
	t := fq.mu.peers[idx]
	fq.mu.peers[idx] = nil
	return t, true
}

func (fq *queue) hasPeer(idx int) bool {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	return idx >= 0 && idx < len(fq.mu.peers) && fq.mu.peers[idx] != nil
}

func (fq *queue) addImport(imp *imported) (int, error) {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	for i, p := range fq.mu.imports {
		if p == nil {
			fq.mu.imports[i] = imp
			return i, nil
		}
	}
	if uint64(len(fq.mu.imports)) > indexMask {
		return 0, errors.New("too many imported keys")
	}
	fq.mu.imports = append(fq.mu.imports, imp)
	return len(fq.mu.imports) - 1, nil
}

func (fq *queue) removeImport(imp *imported) bool {
	fq.mu.Lock()
	defer fq.mu.Unlock()
	for i, p := range fq.mu.imports {
		if p == imp {
			fq.mu.imports[i] = nil
			return true
		}
	}
	return false
}

// close stops the worker, the endpoint and every peer connection.
func (fq *queue) close() error {
	var errs []error

	fq.closing.Store(true)
	if err := fq.doorbell.Kick(); err != nil {
		errs = append(errs, fmt.Errorf("wake worker: %w", err))
	} else {
		<-fq.done
	}

	fq.mu.Lock()
	ep, peers := fq.mu.ep, fq.mu.peers
	fq.mu.ep, fq.mu.peers, fq.mu.imports = nil, nil, nil
	fq.mu.Unlock()

	for _, p := range peers {
		if p == nil {
			continue
		}
		if err := p.close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer %s: %w", p, err))
		}
	}
	if ep != nil {
		if err := ep.close(); err != nil {
			errs = append(errs, fmt.Errorf("close endpoint: %w", err))
		}
	}

	if err := fq.epoll.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := fq.doorbell.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

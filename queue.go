package zhpeq

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/slackhq/zhpeq/driver"
	"github.com/slackhq/zhpeq/hw"
	"golang.org/x/sys/unix"
	"gvisor.dev/gvisor/pkg/atomicbitops"
)

// Queue is a submission ring, a completion ring of the same length and the
// register page that connects them to the hardware.
//
// Reserve and Commit may be called from any number of goroutines. Poll
// must only be called from one goroutine at a time.
type Queue struct {
	dom  *Domain
	lib  *Lib
	info driver.QueueInfo
	qlen uint32
	mask uint32

	regMem []byte
	wqMem  []byte
	cqMem  []byte

	regs *hw.Registers
	wq   *hw.WorkRing
	cq   *hw.CompletionRing

	// context holds the caller value for each ring slot.
	context []any

	// mu guards tailReserved and tailCommit and orders writes to the tail
	// register.
	mu           sync.Mutex
	tailReserved uint32
	tailCommit   uint32
	// head is only advanced by Poll.
	head atomicbitops.Uint32

	backendReady bool
	doorbell     Doorbell
	poller       ActivePoller

	// Private belongs to the backend.
	Private any
}

// QueueAlloc allocates a queue with room for at least qlen entries. The
// device rounds the length up to a power of 2.
func (d *Domain) QueueAlloc(qlen int) (_ *Queue, err error) {
	if d == nil || d.lib == nil {
		return nil, ErrInvalidArgument
	}
	lib := d.lib
	if qlen < 1 || uint64(qlen) > uint64(lib.sd.Attr.MaxHWQLen) {
		return nil, fmt.Errorf("%w: queue length %d not in [1, %d]",
			ErrInvalidArgument, qlen, lib.sd.Attr.MaxHWQLen)
	}

	q := &Queue{dom: d, lib: lib}
	defer func() {
		if err != nil {
			_ = q.Close()
		}
	}()

	lib.cmdMu.Lock()
	q.info, err = driver.QAlloc(lib.dev, uint32(qlen))
	lib.cmdMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("allocate queue: %w", err)
	}
	if err = hw.CheckQueueLen(int(q.info.QLen)); err != nil {
		return nil, fmt.Errorf("%w: device returned %w", ErrCorruptState, err)
	}
	q.qlen = q.info.QLen
	q.mask = q.qlen - 1
	q.context = make([]any, q.qlen)

	const prot = unix.PROT_READ | unix.PROT_WRITE
	if q.regMem, err = lib.dev.Mmap(int64(q.info.RegOff), int(q.info.RSize), prot); err != nil {
		return nil, fmt.Errorf("map register page: %w", err)
	}
	if q.wqMem, err = lib.dev.Mmap(int64(q.info.WQOff), int(q.info.QSize), prot); err != nil {
		return nil, fmt.Errorf("map work ring: %w", err)
	}
	if q.cqMem, err = lib.dev.Mmap(int64(q.info.CQOff), int(q.info.QSize), prot); err != nil {
		return nil, fmt.Errorf("map completion ring: %w", err)
	}

	if q.regs, err = hw.NewRegisters(q.regMem); err != nil {
		return nil, err
	}
	if q.wq, err = hw.NewWorkRing(q.qlen, q.wqMem); err != nil {
		return nil, err
	}
	if q.cq, err = hw.NewCompletionRing(q.qlen, q.cqMem); err != nil {
		return nil, err
	}

	if err = lib.backend.QueueAlloc(q); err != nil {
		return nil, fmt.Errorf("backend queue setup: %w", err)
	}
	q.backendReady = true
	q.doorbell, _ = lib.backend.(Doorbell)
	q.poller, _ = lib.backend.(ActivePoller)

	lib.metrics.queueDelta(1)
	lib.l.WithFields(logrus.Fields{
		"requested": qlen,
		"qlen":      q.qlen,
	}).Debug("Queue allocated")

	return q, nil
}

// Close tears the queue down: backend state first, then the mappings, then
// the device side queue. Every step runs and the first error is returned.
func (q *Queue) Close() error {
	if q == nil {
		return nil
	}

	var errs []error
	if q.backendReady {
		if err := q.lib.backend.QueueFree(q); err != nil {
			errs = append(errs, fmt.Errorf("backend queue teardown: %w", err))
		}
		q.backendReady = false
		q.lib.metrics.queueDelta(-1)
	}

	q.regs, q.wq, q.cq = nil, nil, nil
	for _, m := range []*[]byte{&q.regMem, &q.wqMem, &q.cqMem} {
		if *m == nil {
			continue
		}
		if err := q.lib.dev.Munmap(*m); err != nil {
			errs = append(errs, fmt.Errorf("unmap queue memory: %w", err))
		}
		*m = nil
	}

	if q.info.QLen != 0 {
		q.lib.cmdMu.Lock()
		err := driver.QFree(q.lib.dev, q.info)
		q.lib.cmdMu.Unlock()
		if err != nil {
			errs = append(errs, fmt.Errorf("free queue: %w", err))
		}
		q.info = driver.QueueInfo{}
	}
	q.context = nil

	if len(errs) > 0 {
		q.lib.l.WithError(errors.Join(errs...)).Error("Queue teardown failed")
		return errs[0]
	}
	return nil
}

// Len returns the ring length. At most Len()-1 entries can be outstanding.
func (q *Queue) Len() uint32 {
	return q.qlen
}

func (q *Queue) Domain() *Domain {
	return q.dom
}

// Info returns what the device reported for this queue.
func (q *Queue) Info() driver.QueueInfo {
	return q.info
}

// Registers, WorkRing and CompletionRing expose the mapped memory to
// backends that emulate the hardware.
func (q *Queue) Registers() *hw.Registers           { return q.regs }
func (q *Queue) WorkRing() *hw.WorkRing             { return q.wq }
func (q *Queue) CompletionRing() *hw.CompletionRing { return q.cq }

// Reserve claims n consecutive ring slots and returns the index of the
// first one. Every reservation must eventually be committed, otherwise
// later commits never complete. Use a Nop to fill slots that end up unused.
func (q *Queue) Reserve(n uint32) (uint32, error) {
	if q == nil || n < 1 || n >= q.qlen {
		return 0, ErrInvalidArgument
	}

	q.mu.Lock()
	avail := q.qlen - ((q.tailReserved - q.head.Load()) & q.mask) - 1
	if avail < n {
		q.mu.Unlock()
		q.lib.metrics.blocked()
		return 0, ErrWouldBlock
	}
	start := q.tailReserved
	q.tailReserved += n
	q.mu.Unlock()

	q.lib.metrics.reserve(n)
	return start, nil
}

// Commit makes the n entries starting at start visible to the hardware.
// Ranges become visible strictly in the order they were reserved; a
// commit whose turn has not come yet yields and retries until it has.
func (q *Queue) Commit(start, n uint32) error {
	if q == nil {
		return ErrInvalidArgument
	}
	return q.commit(context.Background(), start, n)
}

// CommitContext is Commit, but stops waiting for its turn when ctx is done.
// The range then remains reserved and must still be committed.
func (q *Queue) CommitContext(ctx context.Context, start, n uint32) error {
	if q == nil || ctx == nil {
		return ErrInvalidArgument
	}
	return q.commit(ctx, start, n)
}

func (q *Queue) commit(ctx context.Context, start, n uint32) error {
	var (
		spins int64
		began time.Time
	)
	for {
		q.mu.Lock()
		ok := start == q.tailCommit
		if ok {
			q.tailCommit += n
			// The store publishes the formatted entries to the device.
			q.regs.WQTail.Store(q.tailCommit & q.mask)
		}
		q.mu.Unlock()
		if ok {
			break
		}

		if spins == 0 {
			began = time.Now()
		}
		spins++
		if err := ctx.Err(); err != nil {
			return err
		}
		runtime.Gosched()
	}

	var waited time.Duration
	if spins > 0 {
		waited = time.Since(began)
	}
	q.lib.metrics.commit(n, spins, waited)

	if q.doorbell != nil {
		return q.doorbell.SignalDoorbell(q)
	}
	return nil
}

// Active reports whether any reserved entry has not been polled yet.
func (q *Queue) Active() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.head.Load() != q.tailReserved
}

// Open connects the queue to the peer on the other side of conn.
func (q *Queue) Open(conn net.Conn) (int, error) {
	if q == nil {
		return -1, ErrInvalidArgument
	}
	return q.lib.backend.Open(q, conn)
}

// CloseOpen disconnects the peer returned by Open.
func (q *Queue) CloseOpen(openIdx int) error {
	if q == nil {
		return ErrInvalidArgument
	}
	return q.lib.backend.Close(q, openIdx)
}

package zhpeq

import (
	"time"

	"github.com/rcrowley/go-metrics"
)

// engineMetrics counts what the queue hot paths do. All methods are safe on
// a nil receiver.
type engineMetrics struct {
	reserved    metrics.Counter
	wouldBlock  metrics.Counter
	committed   metrics.Counter
	commitSpins metrics.Counter
	commitWait  metrics.Timer
	completions metrics.Counter
	activePolls metrics.Counter
	queues      metrics.Counter
}

func newEngineMetrics(r metrics.Registry) *engineMetrics {
	return &engineMetrics{
		reserved:    metrics.GetOrRegisterCounter("zhpeq.reserve.entries", r),
		wouldBlock:  metrics.GetOrRegisterCounter("zhpeq.reserve.would_block", r),
		committed:   metrics.GetOrRegisterCounter("zhpeq.commit.entries", r),
		commitSpins: metrics.GetOrRegisterCounter("zhpeq.commit.spins", r),
		commitWait:  metrics.GetOrRegisterTimer("zhpeq.commit.wait", r),
		completions: metrics.GetOrRegisterCounter("zhpeq.poll.completions", r),
		activePolls: metrics.GetOrRegisterCounter("zhpeq.poll.active", r),
		queues:      metrics.GetOrRegisterCounter("zhpeq.queues.active", r),
	}
}

func (m *engineMetrics) reserve(n uint32) {
	if m != nil {
		m.reserved.Inc(int64(n))
	}
}

func (m *engineMetrics) blocked() {
	if m != nil {
		m.wouldBlock.Inc(1)
	}
}

func (m *engineMetrics) commit(n uint32, spins int64, wait time.Duration) {
	if m == nil {
		return
	}
	m.committed.Inc(int64(n))
	if spins > 0 {
		m.commitSpins.Inc(spins)
		m.commitWait.Update(wait)
	}
}

func (m *engineMetrics) poll(n int, active bool) {
	if m == nil {
		return
	}
	if n > 0 {
		m.completions.Inc(int64(n))
	}
	if active {
		m.activePolls.Inc(1)
	}
}

func (m *engineMetrics) queueDelta(d int64) {
	if m != nil {
		m.queues.Inc(d)
	}
}

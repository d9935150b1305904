package zhpeq

import (
	"fmt"

	"github.com/slackhq/zhpeq/hw"
)

// Completion is the result of one entry.
type Completion struct {
	// Status is one of the hw.CQStatus values.
	Status uint8
	// Index is the masked ring slot of the entry.
	Index uint16
	// Context is the value passed when the entry was formatted.
	Context   any
	Timestamp uint64
	// Result holds immediate get data or the previous atomic value.
	Result [hw.ImmMax]byte
}

// Err returns nil for a successful completion.
func (c *Completion) Err() error {
	if c.Status == hw.CQStatusSuccess {
		return nil
	}
	return fmt.Errorf("completion %d failed: %s (%d)", c.Index, hw.StatusText(c.Status), c.Status)
}

// Poll copies up to len(out) completions into out in ring order and returns
// how many it copied. It never blocks. If nothing is ready and the backend
// needs to be driven, it is polled once before giving up.
//
// An out longer than the ring is not an error: at most Len() entries are
// returned per call.
func (q *Queue) Poll(out []Completion) (int, error) {
	if q == nil || q.cq == nil || out == nil {
		return 0, ErrInvalidArgument
	}

	limit := uint32(len(out))
	if limit > q.qlen {
		limit = q.qlen
	}

	head := q.head.RacyLoad()
	polled := false
	var n uint32
	for n < limit {
		if q.cq.Ready(head + n) {
			n++
			continue
		}
		if n > 0 || q.poller == nil || polled {
			break
		}
		if err := q.poller.ActivePoll(q, int(limit)); err != nil {
			return 0, err
		}
		polled = true
	}

	for i := range n {
		e := q.cq.At(head + i)
		_, status, index := e.Load()
		out[i] = Completion{
			Status:    status,
			Index:     index,
			Context:   q.context[uint32(index)&q.mask],
			Timestamp: e.Timestamp,
			Result:    e.Result,
		}
	}

	if n > 0 {
		q.head.Store(head + n)
	}
	q.lib.metrics.poll(int(n), polled)
	return int(n), nil
}

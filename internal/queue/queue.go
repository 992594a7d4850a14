// Package queue implements the inbound event queue shared by the gateway read
// loop and the worker pool. Events enter deduplicated by content hash, are
// drained head-first under a single lock, and retire into a completed archive
// once their dispatch obligations are discharged.
package queue

import (
	"sync"

	"gatewaybot/botd/internal/dispatch"
	"gatewaybot/botd/internal/envelope"
)

// Queue is the per-bot inbound queue. All state is guarded by one mutex; the
// condition variable wakes blocked workers on enqueue and on close.
type Queue struct {
	mu        sync.Mutex
	cond      *sync.Cond
	pending   []*envelope.Event
	completed []*envelope.Event
	closed    bool
}

// New returns an empty open queue.
func New() *Queue {
	q := &Queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Enqueue appends an event unless an identical frame is already queued. The
// boolean reports whether the event was accepted. Closed queues reject all
// events.
func (q *Queue) Enqueue(ev *envelope.Event) bool {
	if ev == nil {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	//1.- Dedup against queued items only; completed events may legitimately repeat.
	for _, queued := range q.pending {
		if queued.ContentHash == ev.ContentHash {
			return false
		}
	}
	q.pending = append(q.pending, ev)
	q.cond.Signal()
	return true
}

// Drain blocks until work is available, then resolves the head event against
// the registry. A matched obligation is marked on the queued event under the
// lock and an independent copy is handed back for the handler to run outside
// the lock. Events whose obligations are all discharged, and events that can
// never match, are retired into the completed archive. Drain returns ok=false
// only when the queue is closed and empty.
func (q *Queue) Drain(reg *dispatch.Registry) (dispatch.Registration, *envelope.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for {
		for len(q.pending) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.pending) == 0 {
			return dispatch.Registration{}, nil, false
		}

		head := q.pending[0]
		match, ok := reg.Match(head)
		if !ok {
			//1.- Nothing owed can match: retire as unhandled and keep draining.
			if !head.Discharged() {
				head.MarkUnhandled()
			}
			q.retireHeadLocked()
			continue
		}

		//2.- Mark the obligation before releasing the lock so a concurrent
		// drain of the same event cannot run the handler twice.
		if match.IsUserCommand {
			head.MarkUserHandled()
		} else {
			head.MarkProtocolHandled()
		}
		owned := head.Clone()
		if reg.Matchable(head) {
			//3.- A second obligation remains matchable: leave the event at the
			// head and wake another worker for it.
			q.cond.Signal()
		} else {
			//4.- Leaving the queue with an obligation still owed but
			// unregistered means unhandled, not partially done.
			if !head.Discharged() {
				head.MarkUnhandled()
			}
			q.retireHeadLocked()
		}
		return match, owned, true
	}
}

func (q *Queue) retireHeadLocked() {
	head := q.pending[0]
	q.pending = q.pending[1:]
	q.completed = append(q.completed, head)
}

// TakeCompleted removes and returns up to limit completed events, oldest
// first. A non-positive limit takes everything. The flusher re-inserts the
// batch with Restore if the shard append fails.
func (q *Queue) TakeCompleted(limit int) []*envelope.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.completed) == 0 {
		return nil
	}
	n := len(q.completed)
	if limit > 0 && limit < n {
		n = limit
	}
	batch := q.completed[:n:n]
	q.completed = append([]*envelope.Event(nil), q.completed[n:]...)
	return batch
}

// Restore prepends previously taken events back onto the completed archive,
// preserving their original order.
func (q *Queue) Restore(events []*envelope.Event) {
	if len(events) == 0 {
		return
	}
	q.mu.Lock()
	q.completed = append(append([]*envelope.Event(nil), events...), q.completed...)
	q.mu.Unlock()
}

// Len reports the number of pending events.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// CompletedLen reports the number of retired events awaiting flush.
func (q *Queue) CompletedLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.completed)
}

// Close stops the queue. Blocked Drain calls wake and return once the pending
// list empties; further Enqueue calls are rejected.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// Closed reports whether Close has been called.
func (q *Queue) Closed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

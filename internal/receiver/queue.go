package receiver

import (
	"sync"

	"github.com/sheerbytes/sparselink/pkg/wire"
)

// EventQueue buffers control events until the host drains them.
// Append is safe for concurrent producers; Drain takes the whole batch.
type EventQueue struct {
	mu      sync.Mutex
	dedup   bool
	events  []wire.ControlEvent
	pending map[wire.ControlEvent]struct{}
}

// NewEventQueue creates a queue. With dedup set, an event already waiting
// in the queue is not appended a second time.
func NewEventQueue(dedup bool) *EventQueue {
	q := &EventQueue{dedup: dedup}
	if dedup {
		q.pending = make(map[wire.ControlEvent]struct{})
	}
	return q
}

// Append queues ev and reports whether it was added.
func (q *EventQueue) Append(ev wire.ControlEvent) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.dedup {
		if _, ok := q.pending[ev]; ok {
			return false
		}
		q.pending[ev] = struct{}{}
	}
	q.events = append(q.events, ev)
	return true
}

// Drain returns and clears all queued events in append order.
func (q *EventQueue) Drain() []wire.ControlEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	if q.dedup {
		clear(q.pending)
	}
	return out
}

func (q *EventQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

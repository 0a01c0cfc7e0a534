package scheduler

import (
	"sync"
	"time"

	"github.com/sheerbytes/sparselink/pkg/wire"
)

// RoundRobin cycles through its members in insertion order. New members
// join at the end of the current cycle.
type RoundRobin struct {
	mu   sync.Mutex
	ring []wire.FileID
	pos  int
}

func NewRoundRobin() *RoundRobin {
	return &RoundRobin{}
}

func (r *RoundRobin) Add(id wire.FileID, _ FileMeta) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.ring {
		if existing == id {
			return
		}
	}
	r.ring = append(r.ring, id)
}

func (r *RoundRobin) Remove(id wire.FileID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.ring {
		if existing != id {
			continue
		}
		r.ring = append(r.ring[:i], r.ring[i+1:]...)
		if i < r.pos {
			r.pos--
		}
		if r.pos >= len(r.ring) {
			r.pos = 0
		}
		return
	}
}

// Next returns the member whose turn it is and advances the cycle.
func (r *RoundRobin) Next(time.Time) (wire.FileID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ring) == 0 {
		return wire.FileID{}, false
	}
	id := r.ring[r.pos]
	r.pos = (r.pos + 1) % len(r.ring)
	return id, true
}

func (r *RoundRobin) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.ring)
}

var (
	_ Scheduler = (*Admission)(nil)
	_ Scheduler = (*RoundRobin)(nil)
)

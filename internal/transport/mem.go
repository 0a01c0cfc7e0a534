package transport

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
)

const defaultMemCapacity = 256

// LossModel describes how a memory link mangles traffic. Probabilities are
// in [0, 1] and are applied per transmitted packet.
type LossModel struct {
	Drop      float64
	Duplicate float64
	Reorder   float64
	Corrupt   float64
	Seed      int64
	// Capacity is the number of packets a receiving side buffers before
	// Transmit blocks.
	Capacity int
}

// MemStats counts what a memory link did to the packets it carried.
type MemStats struct {
	Sent       uint64
	Delivered  uint64
	Dropped    uint64
	Duplicated uint64
	Reordered  uint64
	Corrupted  uint64
}

// MemLink is one end of an in-memory link pair.
type MemLink struct {
	model LossModel
	inbox chan []byte
	peer  *MemLink
	done  chan struct{}
	once  *sync.Once

	mu   sync.Mutex
	rng  *rand.Rand
	held []byte

	sent, delivered, dropped, duplicated, reordered, corrupted atomic.Uint64
}

var _ Link = (*MemLink)(nil)

// NewMemPair returns two connected links. Each direction applies model
// independently, with its own random source derived from model.Seed.
func NewMemPair(model LossModel) (*MemLink, *MemLink) {
	capacity := model.Capacity
	if capacity <= 0 {
		capacity = defaultMemCapacity
	}
	done := make(chan struct{})
	once := &sync.Once{}
	a := &MemLink{
		model: model,
		inbox: make(chan []byte, capacity),
		done:  done,
		once:  once,
		rng:   rand.New(rand.NewSource(model.Seed)),
	}
	b := &MemLink{
		model: model,
		inbox: make(chan []byte, capacity),
		done:  done,
		once:  once,
		rng:   rand.New(rand.NewSource(model.Seed + 1)),
	}
	a.peer = b
	b.peer = a
	return a, b
}

// Transmit hands a copy of packet to the peer, subject to the loss model.
func (l *MemLink) Transmit(ctx context.Context, packet []byte) error {
	select {
	case <-l.done:
		return ErrClosed
	default:
	}
	l.sent.Add(1)

	buf := append([]byte(nil), packet...)

	l.mu.Lock()
	drop := l.chance(l.model.Drop)
	dup := l.chance(l.model.Duplicate)
	if len(buf) > 0 && l.chance(l.model.Corrupt) {
		bit := l.rng.Intn(len(buf) * 8)
		buf[bit/8] ^= 1 << (bit % 8)
		l.corrupted.Add(1)
	}
	var out [][]byte
	switch {
	case drop:
		l.dropped.Add(1)
	case l.held == nil && l.chance(l.model.Reorder):
		l.held = buf
		l.reordered.Add(1)
	default:
		out = append(out, buf)
		if dup {
			out = append(out, append([]byte(nil), buf...))
			l.duplicated.Add(1)
		}
		if l.held != nil {
			out = append(out, l.held)
			l.held = nil
		}
	}
	l.mu.Unlock()

	for _, p := range out {
		if err := l.deliver(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (l *MemLink) chance(p float64) bool {
	return p > 0 && l.rng.Float64() < p
}

func (l *MemLink) deliver(ctx context.Context, p []byte) error {
	select {
	case l.peer.inbox <- p:
		l.delivered.Add(1)
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Receive returns the next packet sent by the peer.
func (l *MemLink) Receive(ctx context.Context) ([]byte, error) {
	select {
	case p := <-l.inbox:
		return p, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close shuts down both ends of the pair.
func (l *MemLink) Close() error {
	l.once.Do(func() { close(l.done) })
	return nil
}

// Stats reports the traffic transmitted from this end.
func (l *MemLink) Stats() MemStats {
	return MemStats{
		Sent:       l.sent.Load(),
		Delivered:  l.delivered.Load(),
		Dropped:    l.dropped.Load(),
		Duplicated: l.duplicated.Load(),
		Reordered:  l.reordered.Load(),
		Corrupted:  l.corrupted.Load(),
	}
}

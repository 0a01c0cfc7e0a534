// Package progress turns sampled byte counters into a smoothed rate and an
// ETA for periodic progress lines.
package progress

import (
	"sync"
	"time"
)

// Stats is a point-in-time snapshot of progress.
type Stats struct {
	BytesDone uint64
	Total     uint64
	RateBps   float64
	ETA       time.Duration
	Percent   float64
	StartedAt time.Time
}

// Meter tracks acknowledged bytes against a total that may grow while the
// transfer runs. Counters are observed as absolute values.
type Meter struct {
	mu        sync.Mutex
	total     uint64
	done      uint64
	startedAt time.Time
	lastAt    time.Time
	lastDone  uint64
	rateBps   float64
	alpha     float64
	now       func() time.Time
}

func NewMeter() *Meter {
	return NewMeterWithNow(time.Now)
}

// NewMeterWithNow returns a meter with a custom time source (for tests).
func NewMeterWithNow(now func() time.Time) *Meter {
	if now == nil {
		now = time.Now
	}
	t := now()
	return &Meter{alpha: 0.2, now: now, startedAt: t, lastAt: t}
}

// Observe records the current totals. A done value below the previous
// one (a cancelled file) rebases the rate window instead of producing a
// negative sample.
func (m *Meter) Observe(done, total uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	m.total = total
	if done < m.lastDone {
		m.done = done
		m.lastDone = done
		m.lastAt = now
		return
	}
	m.done = done
	elapsed := now.Sub(m.lastAt).Seconds()
	if elapsed <= 0 {
		return
	}
	inst := float64(done-m.lastDone) / elapsed
	if m.rateBps == 0 {
		m.rateBps = inst
	} else {
		m.rateBps = m.alpha*inst + (1-m.alpha)*m.rateBps
	}
	m.lastAt = now
	m.lastDone = done
}

func (m *Meter) Snapshot() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	stats := Stats{
		BytesDone: m.done,
		Total:     m.total,
		RateBps:   m.rateBps,
		StartedAt: m.startedAt,
	}
	if m.total > 0 {
		stats.Percent = float64(m.done) / float64(m.total) * 100
	}
	if m.rateBps > 0 && m.total > m.done {
		remaining := float64(m.total - m.done)
		stats.ETA = time.Duration(remaining / m.rateBps * float64(time.Second))
	}
	return stats
}

package scheduler

import (
	"sort"
	"sync"
	"time"

	"github.com/sheerbytes/sparselink/pkg/wire"
)

const (
	classSmall  = "small"
	classMedium = "medium"
	classLarge  = "large"
)

// Admission orders queued files for promotion into the in-flight set.
// Smaller files go first; a file waiting longer than AgingAfter moves up
// one class per elapsed period so large files are not starved.
type Admission struct {
	mu    sync.Mutex
	cfg   PolicyConfig
	files map[wire.FileID]FileMeta
}

func NewAdmission(cfg PolicyConfig) *Admission {
	if cfg.SmallThreshold <= 0 {
		cfg.SmallThreshold = 4 * 1024 * 1024
	}
	if cfg.MediumThreshold <= 0 {
		cfg.MediumThreshold = 64 * 1024 * 1024
	}
	if cfg.AgingAfter <= 0 {
		cfg.AgingAfter = 30 * time.Second
	}
	return &Admission{
		cfg:   cfg,
		files: make(map[wire.FileID]FileMeta),
	}
}

func (s *Admission) Add(id wire.FileID, meta FileMeta) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if meta.AddedAt.IsZero() {
		meta.AddedAt = time.Now()
	}
	meta.Class = s.classForSize(meta.Size)
	s.files[id] = meta
}

func (s *Admission) Remove(id wire.FileID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, id)
}

func (s *Admission) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Next removes and returns the file that should be admitted now.
func (s *Admission) Next(now time.Time) (wire.FileID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		best     wire.FileID
		bestMeta FileMeta
		bestRank = -1
	)
	for id, meta := range s.files {
		rank := s.effectiveRank(meta, now)
		if bestRank < 0 || s.before(id, meta, rank, best, bestMeta, bestRank) {
			best, bestMeta, bestRank = id, meta, rank
		}
	}
	if bestRank < 0 {
		return wire.FileID{}, false
	}
	delete(s.files, best)
	return best, true
}

// Snapshot reports queue composition for diagnostics.
func (s *Admission) Snapshot(now time.Time) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := map[string]int{}
	ids := make([]wire.FileID, 0, len(s.files))
	for id, meta := range s.files {
		counts[meta.Class]++
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := s.files[ids[i]], s.files[ids[j]]
		return s.before(ids[i], a, s.effectiveRank(a, now), ids[j], b, s.effectiveRank(b, now))
	})
	top := make([]string, 0, 5)
	for i := 0; i < len(ids) && i < 5; i++ {
		meta := s.files[ids[i]]
		top = append(top, meta.Name+":"+meta.Class)
	}
	return map[string]any{
		"queued_small":   counts[classSmall],
		"queued_medium":  counts[classMedium],
		"queued_large":   counts[classLarge],
		"top_candidates": top,
	}
}

func (s *Admission) before(a wire.FileID, am FileMeta, ar int, b wire.FileID, bm FileMeta, br int) bool {
	if ar != br {
		return ar < br
	}
	if !am.AddedAt.Equal(bm.AddedAt) {
		return am.AddedAt.Before(bm.AddedAt)
	}
	if am.Name != bm.Name {
		return am.Name < bm.Name
	}
	return a.String() < b.String()
}

func (s *Admission) classForSize(size int64) string {
	if size <= s.cfg.SmallThreshold {
		return classSmall
	}
	if size <= s.cfg.MediumThreshold {
		return classMedium
	}
	return classLarge
}

func (s *Admission) effectiveRank(meta FileMeta, now time.Time) int {
	rank := classRank(meta.Class)
	waited := now.Sub(meta.AddedAt)
	if waited > 0 {
		rank -= int(waited / s.cfg.AgingAfter)
	}
	if rank < 0 {
		rank = 0
	}
	return rank
}

func classRank(class string) int {
	switch class {
	case classSmall:
		return 0
	case classMedium:
		return 1
	default:
		return 2
	}
}

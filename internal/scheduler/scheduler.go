package scheduler

import (
	"time"

	"github.com/sheerbytes/sparselink/pkg/wire"
)

// FileMeta tracks scheduling metadata for a file waiting for admission.
type FileMeta struct {
	Name    string
	Size    int64
	AddedAt time.Time
	Class   string // "small" | "medium" | "large"
}

// PolicyConfig configures the admission policy.
type PolicyConfig struct {
	SmallThreshold  int64
	MediumThreshold int64
	AgingAfter      time.Duration
}

// Scheduler selects files to schedule next.
type Scheduler interface {
	Add(id wire.FileID, meta FileMeta)
	Remove(id wire.FileID)
	Next(now time.Time) (wire.FileID, bool)
	Len() int
}

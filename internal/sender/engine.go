// Package sender keeps every chunk of every file on offer until the
// receiver acknowledges it, interleaving files so none monopolizes the link.
package sender

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sheerbytes/sparselink/internal/bitmap"
	"github.com/sheerbytes/sparselink/internal/logging"
	"github.com/sheerbytes/sparselink/internal/scheduler"
	"github.com/sheerbytes/sparselink/pkg/wire"
)

// State is the sender-side lifecycle of a file.
type State int

const (
	StateUnknown State = iota
	StateQueued
	StateInFlight
	StateAcknowledged
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateQueued:
		return "queued"
	case StateInFlight:
		return "in_flight"
	case StateAcknowledged:
		return "acknowledged"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

var ErrDuplicateFile = errors.New("duplicate file id")

// Options configures an Engine.
type Options struct {
	// MaxInFlight caps the files offered at once. Zero means no cap.
	MaxInFlight int
	// Admission orders queued files when MaxInFlight is reached.
	Admission scheduler.PolicyConfig
	// Journal, when set, keeps every unfinished file on disk. Enqueue
	// writes the file, SyncJournal records acknowledgements and retiring
	// a file removes it.
	Journal *Journal
	Logger  *slog.Logger
	Now     func() time.Time
}

// Stats is a snapshot of the engine.
type Stats struct {
	Queued        int
	InFlight      int
	Acknowledged  int
	Cancelled     int
	PendingChunks int
	Offered       uint64
	AcksApplied   uint64
	AcksIgnored   uint64
	// BytesTotal and BytesAcked count file payload bytes of every file
	// that was not cancelled.
	BytesTotal uint64
	BytesAcked uint64
}

// fileState tracks one file. Slot 0 of pending is the header chunk and
// slot i+1 is data chunk i.
type fileState struct {
	file    *File
	pending *bitmap.Bitmap
	cursor  int
	state   State
	acked   uint64
	// dirty marks acknowledgements not yet written to the journal.
	dirty bool
}

// Engine is the sender engine. It is safe for concurrent use.
type Engine struct {
	mu        sync.Mutex
	opts      Options
	logger    *slog.Logger
	files     map[wire.FileID]*fileState
	retired   map[wire.FileID]State
	rotation  *scheduler.RoundRobin
	admission *scheduler.Admission
	inFlight  int
	pending   int
	wake      chan struct{}

	offered, acksApplied, acksIgnored uint64
	bytesTotal, bytesAcked            uint64
	acknowledged, cancelled           int
}

func NewEngine(opts Options) *Engine {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Engine{
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger),
		files:     make(map[wire.FileID]*fileState),
		retired:   make(map[wire.FileID]State),
		rotation:  scheduler.NewRoundRobin(),
		admission: scheduler.NewAdmission(opts.Admission),
		wake:      make(chan struct{}, 1),
	}
}

// Enqueue registers f for sending. It goes in flight immediately unless
// MaxInFlight files are already in flight. With a Journal the file is
// written to it first.
func (e *Engine) Enqueue(f *File) error {
	if f == nil || len(f.Chunks) == 0 {
		return fmt.Errorf("enqueue: file has no chunks")
	}
	e.mu.Lock()
	err := e.checkNew(f.ID)
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if j := e.opts.Journal; j != nil {
		if err := j.Add(f); err != nil {
			return err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.checkNew(f.ID); err != nil {
		return err
	}
	e.register(f, bitmap.NewFull(len(f.Chunks)))
	return nil
}

func (e *Engine) checkNew(id wire.FileID) error {
	if _, ok := e.files[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFile, id)
	}
	if _, ok := e.retired[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateFile, id)
	}
	return nil
}

// register adds f with the given unacknowledged slots.
func (e *Engine) register(f *File, pending *bitmap.Bitmap) {
	fs := &fileState{
		file:    f,
		pending: pending,
		state:   StateQueued,
	}
	for slot := 1; slot < len(f.Chunks); slot++ {
		if !pending.Get(slot) {
			fs.acked += uint64(len(f.Chunks[slot].Payload))
		}
	}
	e.files[f.ID] = fs
	e.bytesTotal += f.Header.Size
	e.bytesAcked += fs.acked
	if e.opts.MaxInFlight > 0 && e.inFlight >= e.opts.MaxInFlight {
		e.admission.Add(f.ID, scheduler.FileMeta{
			Name:    f.Header.Name,
			Size:    int64(f.Header.Size),
			AddedAt: e.opts.Now(),
		})
		e.logger.Debug("file queued", "file_id", f.ID, "name", f.Header.Name, "admission", e.admission.Snapshot(e.opts.Now()))
		return
	}
	e.admit(fs)
}

func (e *Engine) admit(fs *fileState) {
	fs.state = StateInFlight
	e.rotation.Add(fs.file.ID, scheduler.FileMeta{Name: fs.file.Header.Name})
	e.inFlight++
	e.pending += fs.pending.Count()
	e.logger.Debug("file in flight", "file_id", fs.file.ID, "name", fs.file.Header.Name, "chunks", len(fs.file.Chunks))
	e.signal()
}

func (e *Engine) admitQueued() {
	for e.opts.MaxInFlight <= 0 || e.inFlight < e.opts.MaxInFlight {
		id, ok := e.admission.Next(e.opts.Now())
		if !ok {
			return
		}
		if fs, ok := e.files[id]; ok && fs.state == StateQueued {
			e.admit(fs)
		}
	}
}

func (e *Engine) signal() {
	select {
	case e.wake <- struct{}{}:
	default:
	}
}

// Wake is signalled when new chunks become available.
func (e *Engine) Wake() <-chan struct{} {
	return e.wake
}

// NextBatch returns up to n unacknowledged chunks without blocking. Files
// take turns one chunk at a time; within a file chunks come in slot order,
// wrapping around, so a chunk is offered again only after the rest of the
// file's unacknowledged chunks. A batch never holds the same chunk twice.
func (e *Engine) NextBatch(n int) []wire.Chunk {
	e.mu.Lock()
	defer e.mu.Unlock()

	limit := min(n, e.pending)
	if limit <= 0 {
		return nil
	}
	out := make([]wire.Chunk, 0, limit)
	taken := make(map[wire.FileID]int, e.rotation.Len())
	now := e.opts.Now()
	for len(out) < limit {
		id, ok := e.rotation.Next(now)
		if !ok {
			break
		}
		fs := e.files[id]
		if taken[id] >= fs.pending.Count() {
			continue
		}
		slot, ok := fs.pending.NextSet(fs.cursor)
		if !ok {
			continue
		}
		out = append(out, fs.file.Chunks[slot])
		fs.cursor = slot + 1
		if fs.cursor >= fs.pending.Len() {
			fs.cursor = 0
		}
		taken[id]++
	}
	e.offered += uint64(len(out))
	return out
}

// Ingest applies one acknowledgement. Events for unknown files, indices
// out of range or already acknowledged chunks are ignored.
func (e *Engine) Ingest(ev wire.ControlEvent) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	fs, ok := e.files[ev.FileID]
	if !ok || fs.state != StateInFlight {
		e.acksIgnored++
		return false
	}
	slot := 0
	if !ev.Index.IsHeader() {
		if uint32(ev.Index) >= fs.file.Header.ChunkCount {
			e.acksIgnored++
			return false
		}
		slot = int(ev.Index) + 1
	}
	if !fs.pending.Clear(slot) {
		e.acksIgnored++
		return false
	}
	e.acksApplied++
	e.pending--
	fs.dirty = true
	if slot > 0 {
		n := uint64(len(fs.file.Chunks[slot].Payload))
		fs.acked += n
		e.bytesAcked += n
	}

	if fs.pending.Count() == 0 {
		e.retire(fs, StateAcknowledged)
		e.acknowledged++
		e.logger.Info("file acknowledged", "file_id", fs.file.ID, "name", fs.file.Header.Name, "size", fs.file.Header.Size)
	}
	return true
}

func (e *Engine) retire(fs *fileState, state State) {
	id := fs.file.ID
	switch fs.state {
	case StateInFlight:
		e.rotation.Remove(id)
		e.inFlight--
		e.pending -= fs.pending.Count()
	case StateQueued:
		e.admission.Remove(id)
	}
	fs.state = state
	delete(e.files, id)
	e.retired[id] = state
	if j := e.opts.Journal; j != nil {
		if err := j.Remove(id); err != nil {
			e.logger.Warn("removing state entry failed", "file_id", id, "error", err)
		}
	}
	e.admitQueued()
}

// Resume registers every unfinished file of the journal under its saved
// file id, offering only its unacknowledged chunks. It returns the
// restored files.
func (e *Engine) Resume() ([]*File, error) {
	j := e.opts.Journal
	if j == nil {
		return nil, nil
	}
	saved, err := j.Load()
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	files := make([]*File, 0, len(saved))
	for _, s := range saved {
		if e.checkNew(s.File.ID) != nil {
			continue
		}
		e.register(s.File, s.Pending)
		files = append(files, s.File)
		e.logger.Info("file resumed", "file_id", s.File.ID, "name", s.File.Header.Name,
			"pending", s.Pending.Count(), "chunks", len(s.File.Chunks))
	}
	return files, nil
}

// SyncJournal writes the acknowledgements applied since the last sync.
func (e *Engine) SyncJournal() error {
	j := e.opts.Journal
	if j == nil {
		return nil
	}
	e.mu.Lock()
	snaps := make(map[wire.FileID][]byte)
	for id, fs := range e.files {
		if fs.dirty {
			snaps[id] = fs.pending.Marshal()
			fs.dirty = false
		}
	}
	e.mu.Unlock()

	var errs []error
	for id, b := range snaps {
		if err := j.SavePending(id, b); err != nil {
			errs = append(errs, fmt.Errorf("save %s: %w", id, err))
			e.mu.Lock()
			if fs, ok := e.files[id]; ok {
				fs.dirty = true
			}
			e.mu.Unlock()
		}
	}
	return errors.Join(errs...)
}

// RunJournal syncs the journal every interval until ctx ends, then
// syncs once more.
func (e *Engine) RunJournal(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if err := e.SyncJournal(); err != nil {
				e.logger.Warn("saving send state failed", "error", err)
			}
			return ctx.Err()
		case <-ticker.C:
			if err := e.SyncJournal(); err != nil {
				e.logger.Warn("saving send state failed", "error", err)
			}
		}
	}
}

// Cancel withdraws a queued or in-flight file. Chunks already returned by
// NextBatch are not recalled.
func (e *Engine) Cancel(id wire.FileID) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	fs, ok := e.files[id]
	if !ok {
		return false
	}
	e.retire(fs, StateCancelled)
	e.cancelled++
	e.bytesTotal -= fs.file.Header.Size
	e.bytesAcked -= fs.acked
	e.logger.Info("file cancelled", "file_id", id, "name", fs.file.Header.Name)
	return true
}

func (e *Engine) State(id wire.FileID) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	if fs, ok := e.files[id]; ok {
		return fs.state
	}
	if state, ok := e.retired[id]; ok {
		return state
	}
	return StateUnknown
}

// Progress reports how many of a live file's chunks are acknowledged.
func (e *Engine) Progress(id wire.FileID) (acked, total int, ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	fs, ok := e.files[id]
	if !ok {
		return 0, 0, false
	}
	total = fs.pending.Len()
	return total - fs.pending.Count(), total, true
}

// Idle reports whether no file is queued or in flight.
func (e *Engine) Idle() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.files) == 0
}

func (e *Engine) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		Queued:        e.admission.Len(),
		InFlight:      e.inFlight,
		Acknowledged:  e.acknowledged,
		Cancelled:     e.cancelled,
		PendingChunks: e.pending,
		Offered:       e.offered,
		AcksApplied:   e.acksApplied,
		AcksIgnored:   e.acksIgnored,
		BytesTotal:    e.bytesTotal,
		BytesAcked:    e.bytesAcked,
	}
}

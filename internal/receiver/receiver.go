// Package receiver reassembles files from chunks that arrive in any order,
// any number of times, and acknowledges every accepted chunk.
//
// A Receiver is driven by a single goroutine. Only its EventQueue may be
// shared with other goroutines.
package receiver

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/zeebo/xxh3"

	"github.com/sheerbytes/sparselink/internal/logging"
	"github.com/sheerbytes/sparselink/pkg/wire"
)

// DefaultMaxFileSize bounds the size a header may declare.
const DefaultMaxFileSize = uint64(10) << 40

// maxForgotten bounds how many dropped file IDs are remembered.
const maxForgotten = 1 << 16

var (
	ErrProtocolViolation = errors.New("protocol violation")
	ErrStorageFailure    = errors.New("storage failure")
	ErrUnknownFile       = errors.New("unknown file")
	ErrIncomplete        = errors.New("file incomplete")
)

// Options configures a Receiver.
type Options struct {
	// DedupPending suppresses an event whose (file, index) is still queued.
	DedupPending bool
	// DropFinalized releases a file record once written. By default a
	// tombstone is kept so late duplicates are still acknowledged without
	// a rewrite. With DropFinalized only the file ID is remembered, for
	// the most recent files, and its chunks are acknowledged as
	// duplicates without recreating the record.
	DropFinalized bool
	// MaxFileSize is the largest size a header may declare. Zero means
	// DefaultMaxFileSize.
	MaxFileSize uint64
	Logger      *slog.Logger
}

// Outcome reports a file-level result.
type Outcome struct {
	FileID    wire.FileID
	Name      string
	Path      string
	Size      uint64
	Finalized bool
	Abandoned bool
	Err       error
}

// Stats counts what the receiver has seen.
type Stats struct {
	Accepted        uint64
	Duplicates      uint64
	Malformed       uint64
	Violations      uint64
	Finalized       uint64
	StorageFailures uint64
}

// Receiver is the receiver engine.
type Receiver struct {
	store   *Store
	queue   *EventQueue
	storage Storage
	opts    Options
	logger  *slog.Logger
	stats   Stats

	// forgotten holds IDs of finalized files whose records were dropped,
	// oldest first in forgottenOrder.
	forgotten      map[wire.FileID]struct{}
	forgottenOrder []wire.FileID
}

// New creates a receiver with a fresh store.
func New(storage Storage, opts Options) *Receiver {
	return NewWithStore(NewStore(), storage, opts)
}

// NewWithStore creates a receiver over an existing store.
func NewWithStore(store *Store, storage Storage, opts Options) *Receiver {
	if opts.MaxFileSize == 0 {
		opts.MaxFileSize = DefaultMaxFileSize
	}
	return &Receiver{
		store:     store,
		queue:     NewEventQueue(opts.DedupPending),
		storage:   storage,
		opts:      opts,
		logger:    logging.OrDiscard(opts.Logger),
		forgotten: make(map[wire.FileID]struct{}),
	}
}

func (r *Receiver) Store() *Store { return r.store }

// Queue exposes the event queue for hosts that flush from another goroutine.
func (r *Receiver) Queue() *EventQueue { return r.queue }

func (r *Receiver) Stats() Stats { return r.stats }

// Drain returns the queued control events in the order they were produced.
func (r *Receiver) Drain() []wire.ControlEvent {
	return r.queue.Drain()
}

// HandlePacket decodes b and processes it as a chunk. Malformed input is
// counted and returned as an error without touching any state.
func (r *Receiver) HandlePacket(b []byte) (*Outcome, error) {
	p, err := wire.DecodePacket(b)
	if err != nil {
		r.stats.Malformed++
		r.logger.Debug("discarding malformed packet", "len", len(b), "error", err)
		return nil, err
	}
	if p.Kind != wire.KindChunk {
		r.stats.Violations++
		r.logger.Debug("discarding control event on data path", "event", p.Event.String())
		return nil, fmt.Errorf("%w: control event received by receiver", ErrProtocolViolation)
	}
	return r.HandleChunk(p.Chunk)
}

// HandleChunk processes one decoded chunk. A non-nil Outcome is returned
// when the chunk completed a file, whether or not it could be written.
func (r *Receiver) HandleChunk(c wire.Chunk) (*Outcome, error) {
	if c.IsHeader() {
		return r.handleHeader(c)
	}
	return r.handleData(c)
}

func (r *Receiver) handleHeader(c wire.Chunk) (*Outcome, error) {
	h, err := wire.DecodeHeader(c.Payload)
	if err != nil {
		r.stats.Malformed++
		r.logger.Debug("discarding malformed header", "file_id", c.FileID, "error", err)
		return nil, err
	}
	if err := r.validateHeader(h); err != nil {
		return nil, r.violation(c, err)
	}
	if r.isForgotten(c.FileID) {
		r.accept(c, true)
		return nil, nil
	}

	rec, _ := r.store.GetOrCreate(c.FileID)
	_, seen := rec.Header()
	dropped, err := rec.SetHeader(h)
	if err != nil {
		return nil, r.violation(c, err)
	}
	if dropped > 0 {
		r.stats.Violations += uint64(dropped)
		r.logger.Warn("dropped buffered chunks beyond chunk count", "file_id", c.FileID, "name", h.Name, "dropped", dropped)
	}
	r.accept(c, seen)
	return r.maybeFinalize(rec)
}

func (r *Receiver) handleData(c wire.Chunk) (*Outcome, error) {
	if r.isForgotten(c.FileID) {
		r.accept(c, true)
		return nil, nil
	}
	rec, ok := r.store.Get(c.FileID)
	if ok {
		if h, known := rec.Header(); known {
			if err := wire.CheckIndex(c.Index, h.ChunkCount); err != nil {
				return nil, r.violation(c, err)
			}
		}
	} else {
		rec, _ = r.store.GetOrCreate(c.FileID)
	}

	if rec.Finalized() {
		r.accept(c, true)
		return nil, nil
	}
	fresh := rec.Put(uint32(c.Index), c.Payload)
	r.accept(c, !fresh)
	return r.maybeFinalize(rec)
}

func (r *Receiver) validateHeader(h wire.FileHeader) error {
	if h.Size > r.opts.MaxFileSize {
		return fmt.Errorf("%w: declared size %d exceeds limit %d", ErrProtocolViolation, h.Size, r.opts.MaxFileSize)
	}
	if (h.ChunkCount == 0) != (h.Size == 0) {
		return fmt.Errorf("%w: chunk count %d inconsistent with size %d", ErrProtocolViolation, h.ChunkCount, h.Size)
	}
	if uint64(h.ChunkCount) > h.Size {
		return fmt.Errorf("%w: chunk count %d exceeds size %d", ErrProtocolViolation, h.ChunkCount, h.Size)
	}
	return nil
}

func (r *Receiver) violation(c wire.Chunk, err error) error {
	if !errors.Is(err, ErrProtocolViolation) {
		err = fmt.Errorf("%w: %w", ErrProtocolViolation, err)
	}
	r.stats.Violations++
	r.logger.Warn("protocol violation", "file_id", c.FileID, "index", c.Index.String(), "error", err)
	return err
}

func (r *Receiver) accept(c wire.Chunk, duplicate bool) {
	r.stats.Accepted++
	if duplicate {
		r.stats.Duplicates++
	}
	r.queue.Append(c.Ack())
}

func (r *Receiver) maybeFinalize(rec *FileRecord) (*Outcome, error) {
	if rec.finalized || rec.attempted || !rec.Complete() {
		return nil, nil
	}
	return r.finalize(rec)
}

func (r *Receiver) finalize(rec *FileRecord) (*Outcome, error) {
	rec.attempted = true
	h := *rec.header
	out := &Outcome{FileID: rec.ID, Name: h.Name, Size: h.Size}

	data := rec.Assemble()
	var verr error
	switch {
	case uint64(len(data)) != h.Size:
		verr = fmt.Errorf("%w: assembled %d bytes, header declares %d", ErrProtocolViolation, len(data), h.Size)
	case h.Checksum != 0 && xxh3.Hash(data) != h.Checksum:
		verr = fmt.Errorf("%w: checksum mismatch for %q", ErrProtocolViolation, h.Name)
	}
	if verr != nil {
		r.stats.Violations++
		r.store.Delete(rec.ID)
		r.logger.Warn("discarding file that failed verification", "file_id", rec.ID, "name", h.Name, "error", verr)
		out.Err = verr
		return out, verr
	}

	path, err := r.storage.Persist(h.Name, data)
	if err != nil {
		r.stats.StorageFailures++
		err = fmt.Errorf("%w: persist %q: %w", ErrStorageFailure, h.Name, err)
		rec.finalizeErr = err
		r.logger.Error("storing file failed", "file_id", rec.ID, "name", h.Name, "error", err)
		out.Err = err
		return out, err
	}

	rec.finalized = true
	rec.finalizeErr = nil
	rec.path = path
	rec.Release()
	r.stats.Finalized++
	if r.opts.DropFinalized {
		r.store.Delete(rec.ID)
		r.forget(rec.ID)
	}
	r.logger.Info("file finalized", "file_id", rec.ID, "name", h.Name, "size", h.Size, "path", path)

	out.Path = path
	out.Finalized = true
	return out, nil
}

func (r *Receiver) isForgotten(id wire.FileID) bool {
	_, ok := r.forgotten[id]
	return ok
}

func (r *Receiver) forget(id wire.FileID) {
	if len(r.forgottenOrder) >= maxForgotten {
		delete(r.forgotten, r.forgottenOrder[0])
		r.forgottenOrder = r.forgottenOrder[1:]
	}
	r.forgotten[id] = struct{}{}
	r.forgottenOrder = append(r.forgottenOrder, id)
}

// RetryFinalize attempts to write a complete file whose previous write
// failed. A file that is already finalized reports success again.
func (r *Receiver) RetryFinalize(id wire.FileID) (*Outcome, error) {
	rec, ok := r.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownFile, id)
	}
	if rec.finalized {
		h := *rec.header
		return &Outcome{FileID: id, Name: h.Name, Size: h.Size, Path: rec.path, Finalized: true}, nil
	}
	if !rec.Complete() {
		return nil, fmt.Errorf("%w: %s", ErrIncomplete, id)
	}
	return r.finalize(rec)
}

// Pending lists complete files whose write failed and awaits a retry.
func (r *Receiver) Pending() []wire.FileID {
	var ids []wire.FileID
	for _, rec := range r.store.Records() {
		if rec.attempted && !rec.finalized {
			ids = append(ids, rec.ID)
		}
	}
	return ids
}

// Abandon drops an unfinished file and its buffered chunks.
func (r *Receiver) Abandon(id wire.FileID) (*Outcome, bool) {
	rec, ok := r.store.Get(id)
	if !ok || rec.finalized {
		return nil, false
	}
	out := &Outcome{FileID: id, Abandoned: true}
	if h, known := rec.Header(); known {
		out.Name = h.Name
		out.Size = h.Size
	}
	r.store.Delete(id)
	r.logger.Info("file abandoned", "file_id", id, "name", out.Name, "received", rec.Received())
	return out, true
}

package receiver

import (
	"fmt"
	"sort"

	"github.com/sheerbytes/sparselink/pkg/wire"
)

// FileRecord is the reassembly state of one file. It is owned by a Store
// and must only be touched by the goroutine driving the Receiver.
type FileRecord struct {
	ID wire.FileID

	header      *wire.FileHeader
	parts       map[uint32][]byte
	attempted   bool
	finalized   bool
	path        string
	finalizeErr error
}

func newFileRecord(id wire.FileID) *FileRecord {
	return &FileRecord{
		ID:    id,
		parts: make(map[uint32][]byte),
	}
}

// Header returns the accepted header, if one has arrived.
func (r *FileRecord) Header() (wire.FileHeader, bool) {
	if r.header == nil {
		return wire.FileHeader{}, false
	}
	return *r.header, true
}

// SetHeader stores h if no header is known yet. The first accepted header
// wins: a differing header is rejected with ErrProtocolViolation.
// Buffered parts beyond the declared chunk count are discarded and
// their number returned.
func (r *FileRecord) SetHeader(h wire.FileHeader) (int, error) {
	if r.header != nil {
		if *r.header != h {
			return 0, fmt.Errorf("%w: header differs from the first accepted header for %s", ErrProtocolViolation, r.ID)
		}
		return 0, nil
	}
	hc := h
	r.header = &hc

	dropped := 0
	for index := range r.parts {
		if index >= h.ChunkCount {
			delete(r.parts, index)
			dropped++
		}
	}
	return dropped, nil
}

// Put stores a copy of payload at index and reports whether the index was new.
func (r *FileRecord) Put(index uint32, payload []byte) bool {
	_, exists := r.parts[index]
	r.parts[index] = append(make([]byte, 0, len(payload)), payload...)
	return !exists
}

// Has reports whether the data chunk at index is stored.
func (r *FileRecord) Has(index uint32) bool {
	_, ok := r.parts[index]
	return ok
}

// Received returns the number of distinct data chunks stored.
func (r *FileRecord) Received() int {
	return len(r.parts)
}

// Complete reports whether the header and every data chunk are present.
func (r *FileRecord) Complete() bool {
	if r.finalized {
		return true
	}
	if r.header == nil {
		return false
	}
	return uint64(len(r.parts)) == uint64(r.header.ChunkCount)
}

// Finalized reports whether the file has been written out.
func (r *FileRecord) Finalized() bool {
	return r.finalized
}

// Path returns where the finalized file was written.
func (r *FileRecord) Path() string {
	return r.path
}

// Err returns the last finalize failure, if any.
func (r *FileRecord) Err() error {
	return r.finalizeErr
}

// Assemble concatenates the stored chunks in index order.
func (r *FileRecord) Assemble() []byte {
	if r.header == nil {
		return nil
	}
	total := 0
	for _, p := range r.parts {
		total += len(p)
	}
	out := make([]byte, 0, total)
	for i := uint32(0); i < r.header.ChunkCount; i++ {
		out = append(out, r.parts[i]...)
	}
	return out
}

// Release drops the buffered chunk data.
func (r *FileRecord) Release() {
	r.parts = nil
}

// Store holds every live FileRecord of a receiver session.
type Store struct {
	records map[wire.FileID]*FileRecord
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{records: make(map[wire.FileID]*FileRecord)}
}

func (s *Store) Get(id wire.FileID) (*FileRecord, bool) {
	rec, ok := s.records[id]
	return rec, ok
}

// GetOrCreate returns the record for id, creating it on first sight.
func (s *Store) GetOrCreate(id wire.FileID) (*FileRecord, bool) {
	if rec, ok := s.records[id]; ok {
		return rec, false
	}
	rec := newFileRecord(id)
	s.records[id] = rec
	return rec, true
}

func (s *Store) Delete(id wire.FileID) {
	delete(s.records, id)
}

func (s *Store) Len() int {
	return len(s.records)
}

// IDs returns the ids of all records ordered by their string form.
func (s *Store) IDs() []wire.FileID {
	recs := s.Records()
	ids := make([]wire.FileID, len(recs))
	for i, rec := range recs {
		ids[i] = rec.ID
	}
	return ids
}

// Records returns all records ordered by file id.
func (s *Store) Records() []*FileRecord {
	out := make([]*FileRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

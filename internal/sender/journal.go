package sender

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/zeebo/xxh3"

	"github.com/sheerbytes/sparselink/internal/bitmap"
	"github.com/sheerbytes/sparselink/internal/logging"
	"github.com/sheerbytes/sparselink/pkg/wire"
)

const (
	journalMagic   = "SLJ1"
	journalMeta    = "meta"
	journalData    = "data"
	journalPending = "pending"
)

var (
	ErrJournalFull    = errors.New("state directory full")
	ErrJournalCorrupt = errors.New("state entry corrupt")
)

// JournalOptions configures a Journal.
type JournalOptions struct {
	Dir string
	// MaxBytes bounds the file data kept in Dir. Zero means no bound.
	MaxBytes uint64
	Logger   *slog.Logger
}

// SavedFile is an unfinished file read back from a Journal.
type SavedFile struct {
	File *File
	// Pending holds the unacknowledged slots, header at slot 0.
	Pending *bitmap.Bitmap
}

// Journal keeps unfinished files on disk so a restarted sender offers
// them again under the same file IDs.
//
// Each file lives in Dir/<file id>/:
//
//	meta     magic | chunk size u32 | encoded header chunk
//	pending  unacknowledged-slot bitmap | xxh3 u64
//	data     the file contents, written last
//
// An entry without data was interrupted while being written and is
// discarded on Load.
type Journal struct {
	opts   JournalOptions
	logger *slog.Logger

	mu    sync.Mutex
	sizes map[wire.FileID]uint64
	used  uint64
}

// OpenJournal creates Dir if needed and accounts for the entries already in it.
func OpenJournal(opts JournalOptions) (*Journal, error) {
	if opts.Dir == "" {
		return nil, errors.New("journal: directory is required")
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, err
	}
	j := &Journal{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		sizes:  make(map[wire.FileID]uint64),
	}
	ids, err := j.entries()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if info, err := os.Stat(filepath.Join(j.path(id), journalData)); err == nil {
			j.sizes[id] = uint64(info.Size())
			j.used += uint64(info.Size())
		}
	}
	return j, nil
}

func (j *Journal) Dir() string { return j.opts.Dir }

// Used reports the file bytes held in the state directory.
func (j *Journal) Used() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.used
}

func (j *Journal) path(id wire.FileID) string {
	return filepath.Join(j.opts.Dir, id.String())
}

// entries lists the subdirectories named by a file id.
func (j *Journal) entries() ([]wire.FileID, error) {
	dirents, err := os.ReadDir(j.opts.Dir)
	if err != nil {
		return nil, err
	}
	var ids []wire.FileID
	for _, d := range dirents {
		if !d.IsDir() {
			continue
		}
		id, err := uuid.Parse(d.Name())
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Add writes f with every slot unacknowledged. It fails with
// ErrJournalFull when the file would push the directory past MaxBytes.
func (j *Journal) Add(f *File) error {
	size := f.Header.Size
	j.mu.Lock()
	if _, ok := j.sizes[f.ID]; ok {
		j.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrDuplicateFile, f.ID)
	}
	if j.opts.MaxBytes > 0 && j.used+size > j.opts.MaxBytes {
		used := j.used
		j.mu.Unlock()
		return fmt.Errorf("%w: %s needs %d bytes, %d of %d in use", ErrJournalFull, f.Header.Name, size, used, j.opts.MaxBytes)
	}
	j.sizes[f.ID] = size
	j.used += size
	j.mu.Unlock()

	if err := j.write(f); err != nil {
		j.Remove(f.ID)
		return fmt.Errorf("journal %s: %w", f.Header.Name, err)
	}
	return nil
}

func (j *Journal) write(f *File) error {
	dir := j.path(f.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	headerPacket, err := wire.EncodeChunk(f.Chunks[0])
	if err != nil {
		return err
	}
	meta := make([]byte, 0, len(journalMagic)+4+len(headerPacket))
	meta = append(meta, journalMagic...)
	meta = binary.BigEndian.AppendUint32(meta, uint32(f.ChunkSize))
	meta = append(meta, headerPacket...)
	if err := writeAtomic(filepath.Join(dir, journalMeta), meta); err != nil {
		return err
	}
	if err := writeAtomic(filepath.Join(dir, journalPending), sealPending(bitmap.NewFull(len(f.Chunks)).Marshal())); err != nil {
		return err
	}
	data := make([]byte, 0, f.Header.Size)
	for _, c := range f.DataChunks() {
		data = append(data, c.Payload...)
	}
	return writeAtomic(filepath.Join(dir, journalData), data)
}

// SavePending records the unacknowledged slots of a file, as produced by
// bitmap.Marshal. A file removed in the meantime is not an error.
func (j *Journal) SavePending(id wire.FileID, pending []byte) error {
	err := writeAtomic(filepath.Join(j.path(id), journalPending), sealPending(pending))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}

// Remove deletes the entry of a finished or cancelled file.
func (j *Journal) Remove(id wire.FileID) error {
	j.mu.Lock()
	if size, ok := j.sizes[id]; ok {
		j.used -= size
		delete(j.sizes, id)
	}
	j.mu.Unlock()
	return os.RemoveAll(j.path(id))
}

// Load reads back every complete entry. Entries that cannot be read or
// whose contents no longer match their header are removed and skipped;
// an unreadable pending set means every slot is offered again.
func (j *Journal) Load() ([]SavedFile, error) {
	ids, err := j.entries()
	if err != nil {
		return nil, err
	}
	var saved []SavedFile
	for _, id := range ids {
		s, err := j.load(id)
		if err != nil {
			j.logger.Warn("discarding state entry", "file_id", id, "error", err)
			if rerr := j.Remove(id); rerr != nil {
				j.logger.Warn("removing state entry failed", "file_id", id, "error", rerr)
			}
			continue
		}
		if s.Pending.Count() == 0 {
			j.Remove(id)
			continue
		}
		saved = append(saved, s)
	}
	return saved, nil
}

func (j *Journal) load(id wire.FileID) (SavedFile, error) {
	dir := j.path(id)
	meta, err := os.ReadFile(filepath.Join(dir, journalMeta))
	if err != nil {
		return SavedFile{}, err
	}
	if len(meta) < len(journalMagic)+4 || string(meta[:len(journalMagic)]) != journalMagic {
		return SavedFile{}, fmt.Errorf("%w: bad meta", ErrJournalCorrupt)
	}
	chunkSize := int(binary.BigEndian.Uint32(meta[len(journalMagic):]))
	hc, err := wire.DecodeChunk(meta[len(journalMagic)+4:])
	if err != nil {
		return SavedFile{}, fmt.Errorf("%w: %w", ErrJournalCorrupt, err)
	}
	if hc.FileID != id || !hc.IsHeader() {
		return SavedFile{}, fmt.Errorf("%w: meta names %s", ErrJournalCorrupt, hc.FileID)
	}
	h, err := wire.DecodeHeader(hc.Payload)
	if err != nil {
		return SavedFile{}, fmt.Errorf("%w: %w", ErrJournalCorrupt, err)
	}

	data, err := os.ReadFile(filepath.Join(dir, journalData))
	if err != nil {
		return SavedFile{}, err
	}
	if h.Checksum != 0 && xxh3.Hash(data) != h.Checksum {
		return SavedFile{}, fmt.Errorf("%w: data checksum mismatch", ErrJournalCorrupt)
	}
	f, err := splitAs(id, h, data, chunkSize)
	if err != nil {
		return SavedFile{}, err
	}
	if f.Header != h {
		return SavedFile{}, fmt.Errorf("%w: data does not match header", ErrJournalCorrupt)
	}

	pending, err := j.loadPending(dir, len(f.Chunks))
	if err != nil {
		j.logger.Warn("resending whole file", "file_id", id, "name", h.Name, "error", err)
		pending = bitmap.NewFull(len(f.Chunks))
	}

	j.mu.Lock()
	if _, ok := j.sizes[id]; !ok {
		j.sizes[id] = uint64(len(data))
		j.used += uint64(len(data))
	}
	j.mu.Unlock()
	return SavedFile{File: f, Pending: pending}, nil
}

func (j *Journal) loadPending(dir string, slots int) (*bitmap.Bitmap, error) {
	b, err := os.ReadFile(filepath.Join(dir, journalPending))
	if err != nil {
		return nil, err
	}
	if len(b) < 8 {
		return nil, fmt.Errorf("%w: pending set truncated", ErrJournalCorrupt)
	}
	body := b[:len(b)-8]
	if xxh3.Hash(body) != binary.BigEndian.Uint64(b[len(body):]) {
		return nil, fmt.Errorf("%w: pending set checksum mismatch", ErrJournalCorrupt)
	}
	return bitmap.FromBytes(body, slots)
}

func sealPending(b []byte) []byte {
	return binary.BigEndian.AppendUint64(b, xxh3.Hash(b))
}

// writeAtomic replaces path through a temporary file in the same directory.
func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+"-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return err
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

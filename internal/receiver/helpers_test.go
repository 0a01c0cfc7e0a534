package receiver

import (
	"errors"
	"sync"
	"testing"

	"github.com/zeebo/xxh3"

	"github.com/sheerbytes/sparselink/pkg/wire"
)

type memStorage struct {
	mu     sync.Mutex
	files  map[string][]byte
	writes int
	fail   error
}

func newMemStorage() *memStorage {
	return &memStorage{files: make(map[string][]byte)}
}

func (m *memStorage) Persist(name string, data []byte) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.fail != nil {
		return "", m.fail
	}
	m.files[name] = append([]byte(nil), data...)
	return "mem/" + name, nil
}

func (m *memStorage) setFail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fail = err
}

func (m *memStorage) get(name string) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.files[name]
	return data, ok
}

var errDiskFull = errors.New("disk full")

// splitFile builds the header chunk followed by the data chunks of data.
func splitFile(t *testing.T, name string, data []byte, size int, checksum bool) (wire.FileID, []wire.Chunk) {
	t.Helper()
	id := wire.NewFileID()
	count := (len(data) + size - 1) / size
	h := wire.FileHeader{Name: name, Size: uint64(len(data)), ChunkCount: uint32(count)}
	if checksum {
		h.Checksum = xxh3.Hash(data)
	}
	hc, err := wire.HeaderChunk(id, h)
	if err != nil {
		t.Fatalf("header chunk: %v", err)
	}
	chunks := []wire.Chunk{hc}
	for i := 0; i < count; i++ {
		end := (i + 1) * size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, wire.Chunk{FileID: id, Index: wire.ChunkIndex(i), Payload: data[i*size : end]})
	}
	return id, chunks
}

func headerChunk(t *testing.T, id wire.FileID, h wire.FileHeader) wire.Chunk {
	t.Helper()
	c, err := wire.HeaderChunk(id, h)
	if err != nil {
		t.Fatalf("header chunk: %v", err)
	}
	return c
}

func encode(t *testing.T, c wire.Chunk) []byte {
	t.Helper()
	b, err := wire.EncodeChunk(c)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return b
}

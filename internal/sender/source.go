package sender

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"

	"github.com/zeebo/xxh3"

	"github.com/sheerbytes/sparselink/pkg/wire"
)

// DefaultChunkSize keeps a chunk packet inside one QUIC datagram.
const DefaultChunkSize = 1024

var (
	ErrChunkSize    = errors.New("chunk size out of range")
	ErrFileTooLarge = errors.New("file has too many chunks")
)

// File is a file split into chunks, header first. Chunks share the
// underlying file bytes and must not be modified.
type File struct {
	ID        wire.FileID
	Header    wire.FileHeader
	Chunks    []wire.Chunk
	ChunkSize int
}

// DataChunks returns the chunks after the header.
func (f *File) DataChunks() []wire.Chunk {
	return f.Chunks[1:]
}

// Split cuts data into chunks of chunkSize bytes under a fresh file id.
// An empty file yields only the header chunk.
func Split(name string, data []byte, chunkSize int) (*File, error) {
	return split(wire.FileHeader{Name: name}, data, chunkSize)
}

// ReadFile splits the file at path. The header carries the base name,
// the modification time and an xxh3 checksum of the contents.
func ReadFile(path string, chunkSize int) (*File, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("%s: not a regular file", path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	h := wire.FileHeader{
		Name:     filepath.Base(path),
		ModTime:  info.ModTime().UnixNano(),
		Checksum: xxh3.Hash(data),
	}
	return split(h, data, chunkSize)
}

func split(h wire.FileHeader, data []byte, chunkSize int) (*File, error) {
	return splitAs(wire.NewFileID(), h, data, chunkSize)
}

// splitAs is split under a known file id.
func splitAs(id wire.FileID, h wire.FileHeader, data []byte, chunkSize int) (*File, error) {
	if chunkSize < 1 || chunkSize > wire.MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d (want 1..%d)", ErrChunkSize, chunkSize, wire.MaxPayloadSize)
	}
	count := (uint64(len(data)) + uint64(chunkSize) - 1) / uint64(chunkSize)
	if count >= math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d", ErrFileTooLarge, count)
	}
	h.Size = uint64(len(data))
	h.ChunkCount = uint32(count)

	header, err := wire.HeaderChunk(id, h)
	if err != nil {
		return nil, err
	}
	chunks := make([]wire.Chunk, 0, count+1)
	chunks = append(chunks, header)
	for i := uint64(0); i < count; i++ {
		start := i * uint64(chunkSize)
		end := min(start+uint64(chunkSize), uint64(len(data)))
		chunks = append(chunks, wire.Chunk{
			FileID:  id,
			Index:   wire.ChunkIndex(i),
			Payload: data[start:end:end],
		})
	}
	return &File{ID: id, Header: h, Chunks: chunks, ChunkSize: chunkSize}, nil
}

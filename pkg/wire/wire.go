// Package wire defines the on-wire data model shared by the sender and
// the receiver: chunks, file headers and control events.
package wire

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
)

const (
	// HeaderIndex is the reserved chunk index of the header chunk.
	HeaderIndex ChunkIndex = 0xFFFFFFFF

	// MaxPayloadSize bounds a single chunk payload.
	MaxPayloadSize = 1 << 20

	// MaxNameLength bounds the encoded file name in a header.
	MaxNameLength = 1024
)

var (
	// ErrMalformedPacket is matched by every decode failure.
	ErrMalformedPacket = errors.New("malformed packet")
	// ErrIndexOutOfRange indicates a data index at or beyond the declared chunk count.
	ErrIndexOutOfRange = errors.New("chunk index out of range")
)

// FileID correlates every chunk and control event of one file transfer.
type FileID = uuid.UUID

// NewFileID generates a fresh random identifier.
func NewFileID() FileID {
	return uuid.New()
}

// ChunkIndex is a data index in [0, chunk_count) or HeaderIndex.
type ChunkIndex uint32

// IsHeader reports whether the index is the header sentinel.
func (i ChunkIndex) IsHeader() bool {
	return i == HeaderIndex
}

func (i ChunkIndex) String() string {
	if i.IsHeader() {
		return "header"
	}
	return strconv.FormatUint(uint64(i), 10)
}

// Chunk is one independently transmittable unit of a file.
// Payload is shared between copies and must not be modified.
type Chunk struct {
	FileID  FileID
	Index   ChunkIndex
	Payload []byte
}

// IsHeader reports whether the chunk carries the file header.
func (c Chunk) IsHeader() bool {
	return c.Index.IsHeader()
}

// Ack returns the control event acknowledging this chunk.
func (c Chunk) Ack() ControlEvent {
	return ControlEvent{FileID: c.FileID, Index: c.Index}
}

// FileHeader is the payload of the header chunk.
type FileHeader struct {
	Name       string
	Size       uint64
	ChunkCount uint32
	// ModTime is the source modification time in unix nanoseconds, 0 if unknown.
	ModTime int64
	// Checksum is the xxh3 digest of the file contents, 0 if not sent.
	Checksum uint64
}

// ControlEvent acknowledges receipt of one chunk.
type ControlEvent struct {
	FileID FileID
	Index  ChunkIndex
}

func (e ControlEvent) String() string {
	return fmt.Sprintf("%s/%s", e.FileID, e.Index)
}

// MalformedError describes which field of a packet failed validation.
type MalformedError struct {
	Field  string
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("malformed packet: %s: %s", e.Field, e.Reason)
}

func (e *MalformedError) Unwrap() error {
	return ErrMalformedPacket
}

func malformed(field, format string, args ...any) *MalformedError {
	return &MalformedError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// CheckIndex validates a data index against a known chunk count.
func CheckIndex(index ChunkIndex, chunkCount uint32) error {
	if index.IsHeader() {
		return nil
	}
	if uint32(index) >= chunkCount {
		return fmt.Errorf("%w: index %d, chunk count %d", ErrIndexOutOfRange, index, chunkCount)
	}
	return nil
}

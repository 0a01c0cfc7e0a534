package wire

import (
	"encoding/binary"
	"fmt"
	"unicode/utf8"

	"github.com/zeebo/xxh3"
)

// Kind discriminates the packet types on the wire.
type Kind byte

const (
	KindChunk   Kind = 0x01
	KindControl Kind = 0x02
)

const (
	idSize        = 16
	kindSize      = 1
	indexSize     = 4
	lengthSize    = 4
	checksumSize  = 8
	controlSize   = kindSize + idSize + indexSize + checksumSize
	chunkOverhead = controlSize + lengthSize

	metaTagModTime  = byte(0x01)
	metaTagChecksum = byte(0x02)
)

// Packet is a decoded wire packet. Exactly one of Chunk or Event is
// meaningful, selected by Kind.
type Packet struct {
	Kind  Kind
	Chunk Chunk
	Event ControlEvent
}

// EncodedChunkSize returns the encoded size of a chunk with the given payload length.
func EncodedChunkSize(payloadLen int) int {
	return chunkOverhead + payloadLen
}

// EncodeChunk serializes a chunk packet.
func EncodeChunk(c Chunk) ([]byte, error) {
	if len(c.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("chunk payload %d exceeds %d bytes", len(c.Payload), MaxPayloadSize)
	}
	buf := make([]byte, 0, EncodedChunkSize(len(c.Payload)))
	buf = append(buf, byte(KindChunk))
	buf = append(buf, c.FileID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(c.Index))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(c.Payload)))
	buf = append(buf, c.Payload...)
	return seal(buf), nil
}

// EncodeControlEvent serializes a control packet.
func EncodeControlEvent(ev ControlEvent) []byte {
	buf := make([]byte, 0, controlSize)
	buf = append(buf, byte(KindControl))
	buf = append(buf, ev.FileID[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(ev.Index))
	return seal(buf)
}

// seal appends the xxh3-64 of everything before it. Every packet kind
// carries this trailer.
func seal(buf []byte) []byte {
	return binary.BigEndian.AppendUint64(buf, xxh3.Hash(buf))
}

// unseal checks the kind byte and the trailer of b and returns a reader
// positioned after the kind byte, over the checked bytes only.
func unseal(b []byte, want Kind, what string) (reader, error) {
	if len(b) < kindSize {
		return reader{}, malformed("kind", "empty packet")
	}
	if Kind(b[0]) != want {
		return reader{}, malformed("kind", "expected %s, got 0x%02x", what, b[0])
	}
	if len(b) < kindSize+checksumSize {
		return reader{}, malformed("checksum", "need %d bytes, have %d", kindSize+checksumSize, len(b))
	}
	body := b[:len(b)-checksumSize]
	sum := binary.BigEndian.Uint64(b[len(body):])
	if got := xxh3.Hash(body); got != sum {
		return reader{}, malformed("checksum", "mismatch: computed %016x, trailer %016x", got, sum)
	}
	return reader{buf: body, off: kindSize}, nil
}

// EncodeHeader serializes a file header into a header chunk payload.
// Zero-valued metadata fields are omitted.
func EncodeHeader(h FileHeader) ([]byte, error) {
	if len(h.Name) > MaxNameLength {
		return nil, fmt.Errorf("file name length %d exceeds %d", len(h.Name), MaxNameLength)
	}
	if !utf8.ValidString(h.Name) {
		return nil, fmt.Errorf("file name is not valid UTF-8")
	}
	buf := make([]byte, 0, 2+len(h.Name)+8+4+2*(1+2+8))
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(h.Name)))
	buf = append(buf, h.Name...)
	buf = binary.BigEndian.AppendUint64(buf, h.Size)
	buf = binary.BigEndian.AppendUint32(buf, h.ChunkCount)
	if h.ModTime != 0 {
		buf = appendMeta64(buf, metaTagModTime, uint64(h.ModTime))
	}
	if h.Checksum != 0 {
		buf = appendMeta64(buf, metaTagChecksum, h.Checksum)
	}
	return buf, nil
}

// HeaderChunk builds the header chunk of a file.
func HeaderChunk(id FileID, h FileHeader) (Chunk, error) {
	payload, err := EncodeHeader(h)
	if err != nil {
		return Chunk{}, err
	}
	return Chunk{FileID: id, Index: HeaderIndex, Payload: payload}, nil
}

func appendMeta64(buf []byte, tag byte, v uint64) []byte {
	buf = append(buf, tag)
	buf = binary.BigEndian.AppendUint16(buf, 8)
	return binary.BigEndian.AppendUint64(buf, v)
}

// DecodePacket parses a single packet of either kind.
func DecodePacket(b []byte) (Packet, error) {
	if len(b) < kindSize {
		return Packet{}, malformed("kind", "empty packet")
	}
	switch Kind(b[0]) {
	case KindChunk:
		c, err := DecodeChunk(b)
		return Packet{Kind: KindChunk, Chunk: c}, err
	case KindControl:
		ev, err := DecodeControlEvent(b)
		return Packet{Kind: KindControl, Event: ev}, err
	default:
		return Packet{}, malformed("kind", "unknown packet kind 0x%02x", b[0])
	}
}

// DecodeChunk parses a chunk packet. The trailer is verified before any
// field is read. The returned payload does not alias b.
func DecodeChunk(b []byte) (Chunk, error) {
	var c Chunk
	r, err := unseal(b, KindChunk, "chunk")
	if err != nil {
		return c, err
	}
	if err := r.id(&c.FileID); err != nil {
		return c, err
	}
	index, err := r.uint32("index")
	if err != nil {
		return c, err
	}
	c.Index = ChunkIndex(index)

	payloadLen, err := r.uint32("payload length")
	if err != nil {
		return c, err
	}
	if payloadLen > MaxPayloadSize {
		return c, malformed("payload length", "declared %d exceeds limit %d", payloadLen, MaxPayloadSize)
	}
	payload, err := r.bytes(int(payloadLen), "payload")
	if err != nil {
		return c, err
	}
	c.Payload = append([]byte(nil), payload...)

	if r.remaining() != 0 {
		return c, malformed("packet length", "%d trailing bytes", r.remaining())
	}
	return c, nil
}

// DecodeControlEvent parses a control packet.
func DecodeControlEvent(b []byte) (ControlEvent, error) {
	var ev ControlEvent
	r, err := unseal(b, KindControl, "control event")
	if err != nil {
		return ev, err
	}
	if err := r.id(&ev.FileID); err != nil {
		return ev, err
	}
	index, err := r.uint32("index")
	if err != nil {
		return ev, err
	}
	ev.Index = ChunkIndex(index)

	if r.remaining() != 0 {
		return ev, malformed("packet length", "%d trailing bytes", r.remaining())
	}
	return ev, nil
}

// DecodeHeader parses a header chunk payload. Unknown or truncated
// trailing metadata is ignored.
func DecodeHeader(b []byte) (FileHeader, error) {
	var h FileHeader
	r := reader{buf: b}

	nameLen, err := r.uint16("name length")
	if err != nil {
		return h, err
	}
	if int(nameLen) > MaxNameLength {
		return h, malformed("name length", "declared %d exceeds limit %d", nameLen, MaxNameLength)
	}
	name, err := r.bytes(int(nameLen), "name")
	if err != nil {
		return h, err
	}
	if !utf8.Valid(name) {
		return h, malformed("name", "not valid UTF-8")
	}
	h.Name = string(name)

	if h.Size, err = r.uint64("size"); err != nil {
		return h, err
	}
	if h.ChunkCount, err = r.uint32("chunk count"); err != nil {
		return h, err
	}

	for r.remaining() >= 3 {
		tag, _ := r.uint8("metadata tag")
		n, _ := r.uint16("metadata length")
		value, err := r.bytes(int(n), "metadata value")
		if err != nil {
			break
		}
		if len(value) != 8 {
			continue
		}
		switch tag {
		case metaTagModTime:
			h.ModTime = int64(binary.BigEndian.Uint64(value))
		case metaTagChecksum:
			h.Checksum = binary.BigEndian.Uint64(value)
		}
	}
	return h, nil
}

// reader walks a byte slice and reports truncation per field.
type reader struct {
	buf []byte
	off int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.off
}

func (r *reader) bytes(n int, field string) ([]byte, error) {
	if n < 0 || n > r.remaining() {
		return nil, malformed(field, "need %d bytes, have %d", n, r.remaining())
	}
	out := r.buf[r.off : r.off+n]
	r.off += n
	return out, nil
}

func (r *reader) uint8(field string) (byte, error) {
	b, err := r.bytes(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) uint16(field string) (uint16, error) {
	b, err := r.bytes(2, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) uint32(field string) (uint32, error) {
	b, err := r.bytes(4, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) uint64(field string) (uint64, error) {
	b, err := r.bytes(8, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) id(dst *FileID) error {
	b, err := r.bytes(idSize, "file id")
	if err != nil {
		return err
	}
	copy(dst[:], b)
	return nil
}

package transport

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/zeebo/xxh3"

	"github.com/sheerbytes/sparselink/internal/bufpool"
	"github.com/sheerbytes/sparselink/pkg/wire"
)

// Frames carry packets over byte streams:
//
//	magic "SPLK" | len u32 | payload | xxh3-64(payload) u64
const (
	frameMagic    = "SPLK"
	frameHeadSize = 8
	frameTailSize = 8
)

// MaxFrameSize is the largest payload a frame may carry: one full chunk packet.
var MaxFrameSize = wire.EncodedChunkSize(wire.MaxPayloadSize)

var ErrFrameTooLarge = errors.New("frame too large")

var framePool = bufpool.New(16*1024, 256*1024)

// AppendFrame appends the framed form of payload to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if len(payload) > MaxFrameSize {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	dst = append(dst, frameMagic...)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	dst = append(dst, payload...)
	dst = binary.BigEndian.AppendUint64(dst, xxh3.Hash(payload))
	return dst, nil
}

// WriteFrame writes payload as one frame in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	frame, err := AppendFrame(framePool.Get(len(payload)+frameHeadSize+frameTailSize), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(frame)
	framePool.Put(frame)
	return err
}

// FrameReader extracts frames from a byte stream. Garbage, frames with a
// bad checksum and frames that declare an oversized length are skipped
// one byte at a time until the next valid magic lines up.
type FrameReader struct {
	r       *bufio.Reader
	max     int
	skipped atomic.Uint64
}

// NewFrameReader reads frames of at most max payload bytes from r.
// max <= 0 means MaxFrameSize.
func NewFrameReader(r io.Reader, max int) *FrameReader {
	if max <= 0 {
		max = MaxFrameSize
	}
	return &FrameReader{
		r:   bufio.NewReaderSize(r, max+frameHeadSize+frameTailSize),
		max: max,
	}
}

// Skipped returns how many stream bytes were discarded while resyncing.
func (fr *FrameReader) Skipped() uint64 {
	return fr.skipped.Load()
}

// Next returns the payload of the next valid frame. io.EOF is returned at
// a clean end of stream, io.ErrUnexpectedEOF inside a frame.
func (fr *FrameReader) Next() ([]byte, error) {
	for {
		head, err := fr.r.Peek(frameHeadSize)
		if err != nil {
			if errors.Is(err, io.EOF) && len(head) > 0 {
				fr.skipped.Add(uint64(len(head)))
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		if string(head[:4]) != frameMagic {
			fr.skip()
			continue
		}
		n := int(binary.BigEndian.Uint32(head[4:]))
		if n > fr.max {
			fr.skip()
			continue
		}

		full, err := fr.r.Peek(frameHeadSize + n + frameTailSize)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		payload := full[frameHeadSize : frameHeadSize+n]
		sum := binary.BigEndian.Uint64(full[frameHeadSize+n:])
		if xxh3.Hash(payload) != sum {
			fr.skip()
			continue
		}
		out := append([]byte(nil), payload...)
		if _, err := fr.r.Discard(len(full)); err != nil {
			return nil, err
		}
		return out, nil
	}
}

func (fr *FrameReader) skip() {
	if _, err := fr.r.Discard(1); err == nil {
		fr.skipped.Add(1)
	}
}

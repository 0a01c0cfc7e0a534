package transport

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"
)

type readDeadliner interface {
	SetReadDeadline(time.Time) error
}

// StreamLink is a Link over a reliable byte stream, one frame per packet.
type StreamLink struct {
	rwc    io.ReadWriteCloser
	reader *FrameReader

	rmu sync.Mutex
	wmu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

var _ Link = (*StreamLink)(nil)

// NewStreamLink frames packets over rwc. The link owns rwc.
func NewStreamLink(rwc io.ReadWriteCloser) *StreamLink {
	return &StreamLink{
		rwc:    rwc,
		reader: NewFrameReader(rwc, 0),
	}
}

func (s *StreamLink) Transmit(ctx context.Context, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if err := WriteFrame(s.rwc, packet); err != nil {
		return s.mapErr(err)
	}
	return nil
}

// Receive blocks for the next frame. When ctx ends mid-read the stream's
// read deadline is forced if it has one; otherwise the link is closed.
func (s *StreamLink) Receive(ctx context.Context) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.rmu.Lock()
	defer s.rmu.Unlock()

	if d, ok := s.rwc.(readDeadliner); ok {
		_ = d.SetReadDeadline(time.Time{})
	}
	stop := context.AfterFunc(ctx, func() {
		if d, ok := s.rwc.(readDeadliner); ok {
			_ = d.SetReadDeadline(time.Now())
			return
		}
		_ = s.Close()
	})
	defer stop()

	packet, err := s.reader.Next()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, s.mapErr(err)
	}
	return packet, nil
}

// Skipped reports how many corrupt stream bytes were discarded.
func (s *StreamLink) Skipped() uint64 {
	return s.reader.Skipped()
}

func (s *StreamLink) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.rwc.Close()
	})
	return s.closeErr
}

func (s *StreamLink) mapErr(err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	return err
}

// Package quiclink carries sparselink packets over QUIC, either as
// unreliable datagrams or framed on a single bidirectional stream.
package quiclink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/sparselink/internal/logging"
	"github.com/sheerbytes/sparselink/internal/transport"
)

var ErrDatagramTooLarge = errors.New("packet exceeds datagram size")

// Listen starts a QUIC listener on udpConn. The caller owns udpConn.
func Listen(udpConn net.PacketConn, config *quic.Config, logger *slog.Logger) (*quic.Listener, error) {
	logger = logging.OrDiscard(logger)
	tlsConfig, err := ServerTLSConfig()
	if err != nil {
		return nil, fmt.Errorf("generate certificate: %w", err)
	}
	if config == nil {
		config = BuildConfig(nil, DefaultTuning)
	}

	listener, err := quic.Listen(udpConn, tlsConfig, config)
	if err != nil {
		logger.Error("QUIC listen failed", "error", err, "local_addr", udpConn.LocalAddr())
		return nil, err
	}
	logger.Info("QUIC listener created", "local_addr", udpConn.LocalAddr())
	return listener, nil
}

// Dial connects to remoteAddr from udpConn. The caller owns udpConn.
func Dial(ctx context.Context, udpConn net.PacketConn, remoteAddr net.Addr, config *quic.Config, logger *slog.Logger) (*quic.Conn, error) {
	logger = logging.OrDiscard(logger)
	if config == nil {
		config = BuildConfig(nil, DefaultTuning)
	}

	logger.Info("QUIC dial starting", "remote_addr", remoteAddr, "local_addr", udpConn.LocalAddr())
	conn, err := quic.Dial(ctx, udpConn, remoteAddr, ClientTLSConfig(), config)
	if err != nil {
		logger.Error("QUIC dial failed", "error", err, "remote_addr", remoteAddr)
		return nil, err
	}
	logger.Info("QUIC connection established", "remote_addr", remoteAddr)
	return conn, nil
}

// DatagramLink sends each packet as one unreliable QUIC datagram, which
// matches the loss model the engines are built for.
type DatagramLink struct {
	conn      *quic.Conn
	closeOnce sync.Once
	closeErr  error
}

var _ transport.Link = (*DatagramLink)(nil)

// NewDatagramLink wraps conn. Both peers must enable datagrams.
func NewDatagramLink(conn *quic.Conn) *DatagramLink {
	return &DatagramLink{conn: conn}
}

func (l *DatagramLink) Transmit(ctx context.Context, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := l.conn.SendDatagram(packet); err != nil {
		var tooLarge *quic.DatagramTooLargeError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("%w: %d bytes, limit %d", ErrDatagramTooLarge, len(packet), tooLarge.MaxDatagramPayloadSize)
		}
		return l.mapErr(err)
	}
	return nil
}

func (l *DatagramLink) Receive(ctx context.Context) ([]byte, error) {
	b, err := l.conn.ReceiveDatagram(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, l.mapErr(err)
	}
	return b, nil
}

func (l *DatagramLink) Close() error {
	l.closeOnce.Do(func() {
		l.closeErr = l.conn.CloseWithError(0, "")
	})
	return l.closeErr
}

func (l *DatagramLink) mapErr(err error) error {
	select {
	case <-l.conn.Context().Done():
		return fmt.Errorf("%w: %w", transport.ErrClosed, err)
	default:
		return err
	}
}

// stream closes both directions of a QUIC stream on Close.
type stream struct {
	*quic.Stream
}

func (s stream) Close() error {
	s.CancelRead(0)
	return s.Stream.Close()
}

// OpenStreamLink opens a stream on conn and frames packets over it. The
// peer sees the stream once the first packet is transmitted.
func OpenStreamLink(ctx context.Context, conn *quic.Conn) (*transport.StreamLink, error) {
	s, err := conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to open QUIC stream: %w", err)
	}
	return transport.NewStreamLink(stream{s}), nil
}

// AcceptStreamLink waits for the peer's stream and frames packets over it.
func AcceptStreamLink(ctx context.Context, conn *quic.Conn) (*transport.StreamLink, error) {
	s, err := conn.AcceptStream(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to accept QUIC stream: %w", err)
	}
	return transport.NewStreamLink(stream{s}), nil
}

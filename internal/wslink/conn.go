// Package wslink carries sparselink packets as binary websocket messages.
package wslink

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/sheerbytes/sparselink/internal/logging"
	"github.com/sheerbytes/sparselink/internal/transport"
	"github.com/sheerbytes/sparselink/pkg/wire"
)

// DefaultPath is where receivers serve websocket links.
const DefaultPath = "/sparselink"

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

var dialer = websocket.Dialer{
	HandshakeTimeout: 5 * time.Second,
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Link is a transport.Link over one websocket connection.
type Link struct {
	conn    *websocket.Conn
	logger  *slog.Logger
	inbox   chan []byte
	done    chan struct{}
	writeMu sync.Mutex

	closeOnce sync.Once
}

var _ transport.Link = (*Link)(nil)

// Dial opens a websocket to wsURL.
func Dial(ctx context.Context, wsURL string, logger *slog.Logger) (*Link, error) {
	u, err := url.Parse(wsURL)
	if err != nil {
		return nil, err
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), http.Header{})
	if err != nil {
		if resp != nil {
			body, _ := io.ReadAll(resp.Body)
			_ = resp.Body.Close()
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket upgrade failed (%d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket upgrade failed (%d)", resp.StatusCode)
		}
		return nil, err
	}
	return newLink(conn, logger), nil
}

// Handler upgrades each request and hands the resulting link to onLink.
// The link is closed when onLink returns.
func Handler(onLink func(*Link), logger *slog.Logger) http.Handler {
	logger = logging.OrDiscard(logger)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			logger.Warn("websocket upgrade failed", "remote_addr", r.RemoteAddr, "error", err)
			return
		}
		logger.Info("websocket link accepted", "remote_addr", r.RemoteAddr)
		link := newLink(conn, logger)
		defer link.Close()
		onLink(link)
	})
}

func newLink(conn *websocket.Conn, logger *slog.Logger) *Link {
	conn.SetReadLimit(int64(transport.MaxFrameSize))
	l := &Link{
		conn:   conn,
		logger: logging.OrDiscard(logger),
		inbox:  make(chan []byte, 256),
		done:   make(chan struct{}),
	}
	go l.readLoop()
	go l.pingLoop()
	return l
}

func (l *Link) readLoop() {
	defer l.Close()
	l.conn.SetReadDeadline(time.Now().Add(readTimeout))
	l.conn.SetPongHandler(func(string) error {
		l.conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})

	for {
		messageType, message, err := l.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				l.logger.Warn("websocket read error", "error", err)
			}
			return
		}
		l.conn.SetReadDeadline(time.Now().Add(readTimeout))
		if messageType != websocket.BinaryMessage {
			continue
		}
		select {
		case l.inbox <- message:
		case <-l.done:
			return
		}
	}
}

func (l *Link) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-l.done:
			return
		case <-ticker.C:
			l.writeMu.Lock()
			err := l.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			l.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// Transmit writes packet as one binary message.
func (l *Link) Transmit(ctx context.Context, packet []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-l.done:
		return transport.ErrClosed
	default:
	}
	if len(packet) > wire.EncodedChunkSize(wire.MaxPayloadSize) {
		return fmt.Errorf("%w: %d bytes", transport.ErrFrameTooLarge, len(packet))
	}

	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	deadline := time.Now().Add(writeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	l.conn.SetWriteDeadline(deadline)
	if err := l.conn.WriteMessage(websocket.BinaryMessage, packet); err != nil {
		return fmt.Errorf("%w: %w", transport.ErrClosed, err)
	}
	return nil
}

// Receive returns the next binary message.
func (l *Link) Receive(ctx context.Context) ([]byte, error) {
	select {
	case b := <-l.inbox:
		return b, nil
	case <-l.done:
		select {
		case b := <-l.inbox:
			return b, nil
		default:
		}
		return nil, transport.ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close sends a close frame and tears down the connection.
func (l *Link) Close() error {
	var err error
	l.closeOnce.Do(func() {
		close(l.done)
		l.writeMu.Lock()
		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		l.writeMu.Unlock()
		err = l.conn.Close()
	})
	return err
}

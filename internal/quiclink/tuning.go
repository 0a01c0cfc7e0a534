package quiclink

import (
	"net"
	"strings"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	StatusOK     = "ok"
	StatusDenied = "denied"
	StatusNA     = "n/a"
)

const (
	minUDPBuffer = 256 * 1024
	maxUDPBuffer = 64 * 1024 * 1024

	minConnWindow   = 1 * 1024 * 1024
	maxConnWindow   = 1024 * 1024 * 1024
	minStreamWindow = 1 * 1024 * 1024
	maxStreamWindow = 256 * 1024 * 1024
)

// Tuning sizes QUIC flow control windows and the UDP socket buffers.
type Tuning struct {
	ConnWindow   int
	StreamWindow int
	ReadBuffer   int
	WriteBuffer  int
}

// DefaultTuning matches a single busy link.
var DefaultTuning = Tuning{
	ConnWindow:   64 * 1024 * 1024,
	StreamWindow: 16 * 1024 * 1024,
	ReadBuffer:   8 * 1024 * 1024,
	WriteBuffer:  8 * 1024 * 1024,
}

// BuildConfig copies base, enables datagrams and applies the clamped
// flow control windows from t.
func BuildConfig(base *quic.Config, t Tuning) *quic.Config {
	cfg := &quic.Config{}
	if base != nil {
		c := *base
		cfg = &c
	}
	conn := clamp(t.ConnWindow, minConnWindow, maxConnWindow)
	stream := clamp(t.StreamWindow, minStreamWindow, maxStreamWindow)

	cfg.EnableDatagrams = true
	cfg.InitialConnectionReceiveWindow = uint64(min(conn, 2*1024*1024))
	cfg.MaxConnectionReceiveWindow = uint64(conn)
	cfg.InitialStreamReceiveWindow = uint64(stream)
	cfg.MaxStreamReceiveWindow = uint64(stream)
	if cfg.KeepAlivePeriod == 0 {
		cfg.KeepAlivePeriod = 10 * time.Second
	}
	if cfg.MaxIdleTimeout == 0 {
		cfg.MaxIdleTimeout = 30 * time.Second
	}
	return cfg
}

// UDPTuneResult reports what socket buffer sizes were requested and whether
// the kernel accepted them.
type UDPTuneResult struct {
	RequestedR int
	RequestedW int
	Status     string
	Err        string
}

// TuneUDP grows the socket buffers of conn on a best-effort basis.
func TuneUDP(conn *net.UDPConn, r, w int) UDPTuneResult {
	result := UDPTuneResult{
		RequestedR: clamp(r, minUDPBuffer, maxUDPBuffer),
		RequestedW: clamp(w, minUDPBuffer, maxUDPBuffer),
		Status:     StatusOK,
	}
	if conn == nil {
		result.Status = StatusNA
		result.Err = "no access to underlying UDPConn"
		return result
	}

	var errs []string
	if err := conn.SetReadBuffer(result.RequestedR); err != nil {
		errs = append(errs, "read: "+err.Error())
	}
	if err := conn.SetWriteBuffer(result.RequestedW); err != nil {
		errs = append(errs, "write: "+err.Error())
	}
	if len(errs) > 0 {
		result.Status = StatusDenied
		result.Err = strings.Join(errs, "; ")
	}
	return result
}

func clamp(n, lo, hi int) int {
	if n < lo {
		return lo
	}
	if n > hi {
		return hi
	}
	return n
}

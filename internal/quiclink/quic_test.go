package quiclink

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/sparselink/internal/transport"
)

func TestTLSConfigs(t *testing.T) {
	server, err := ServerTLSConfig()
	if err != nil {
		t.Fatalf("server config: %v", err)
	}
	if len(server.Certificates) == 0 || server.Certificates[0].PrivateKey == nil {
		t.Fatalf("server config has no usable certificate")
	}
	if len(server.NextProtos) != 1 || server.NextProtos[0] != ALPNProtocol {
		t.Fatalf("unexpected server ALPN %v", server.NextProtos)
	}
	client := ClientTLSConfig()
	if !client.InsecureSkipVerify || client.NextProtos[0] != ALPNProtocol {
		t.Fatalf("unexpected client config")
	}
}

func TestBuildConfigClampsAndCopies(t *testing.T) {
	base := &quic.Config{KeepAlivePeriod: 3 * time.Second}
	cfg := BuildConfig(base, Tuning{ConnWindow: maxConnWindow + 1, StreamWindow: 1})
	if !cfg.EnableDatagrams {
		t.Fatalf("datagrams not enabled")
	}
	if cfg.MaxConnectionReceiveWindow != uint64(maxConnWindow) {
		t.Fatalf("conn window not clamped: %d", cfg.MaxConnectionReceiveWindow)
	}
	if cfg.MaxStreamReceiveWindow != uint64(minStreamWindow) {
		t.Fatalf("stream window not clamped: %d", cfg.MaxStreamReceiveWindow)
	}
	if cfg.KeepAlivePeriod != 3*time.Second {
		t.Fatalf("keepalive not preserved")
	}
	if base.EnableDatagrams || base.MaxConnectionReceiveWindow != 0 {
		t.Fatalf("base config modified")
	}
}

func TestTuneUDP(t *testing.T) {
	if res := TuneUDP(nil, 0, 0); res.Status != StatusNA || res.RequestedR != minUDPBuffer {
		t.Fatalf("unexpected result for nil conn: %+v", res)
	}
	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer conn.Close()
	res := TuneUDP(conn, maxUDPBuffer*2, 1)
	if res.RequestedR != maxUDPBuffer || res.RequestedW != minUDPBuffer {
		t.Fatalf("buffers not clamped: %+v", res)
	}
	if res.Status != StatusOK && res.Status != StatusDenied {
		t.Fatalf("unexpected status %q", res.Status)
	}
}

// connectPair returns both ends of a loopback QUIC connection.
func connectPair(t *testing.T, ctx context.Context) (*quic.Conn, *quic.Conn) {
	t.Helper()
	serverUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { serverUDP.Close() })
	clientUDP, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("listen udp: %v", err)
	}
	t.Cleanup(func() { clientUDP.Close() })

	listener, err := Listen(serverUDP, nil, nil)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })

	accepted := make(chan *quic.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := listener.Accept(ctx)
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	client, err := Dial(ctx, clientUDP, serverUDP.LocalAddr(), nil, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	select {
	case server := <-accepted:
		return client, server
	case err := <-acceptErr:
		t.Fatalf("accept: %v", err)
	case <-ctx.Done():
		t.Fatalf("accept timed out")
	}
	return nil, nil
}

func TestDatagramLinkExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, serverConn := connectPair(t, ctx)
	client := NewDatagramLink(clientConn)
	server := NewDatagramLink(serverConn)
	defer client.Close()
	defer server.Close()

	// Datagrams may be lost even on loopback; retry until one arrives.
	got := make(chan []byte, 1)
	go func() {
		b, err := server.Receive(ctx)
		if err == nil {
			got <- b
		}
	}()
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		if err := client.Transmit(ctx, []byte("datagram")); err != nil {
			t.Fatalf("transmit: %v", err)
		}
		select {
		case b := <-got:
			if string(b) != "datagram" {
				t.Fatalf("got %q", b)
			}
			return
		case <-ticker.C:
		case <-ctx.Done():
			t.Fatalf("no datagram received")
		}
	}
}

func TestDatagramLinkRejectsOversize(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, _ := connectPair(t, ctx)
	client := NewDatagramLink(clientConn)
	defer client.Close()

	if err := client.Transmit(ctx, make([]byte, 64*1024)); !errors.Is(err, ErrDatagramTooLarge) {
		t.Fatalf("expected ErrDatagramTooLarge, got %v", err)
	}
}

func TestStreamLinkExchange(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	clientConn, serverConn := connectPair(t, ctx)
	defer clientConn.CloseWithError(0, "")

	client, err := OpenStreamLink(ctx, clientConn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer client.Close()
	if err := client.Transmit(ctx, []byte("hello")); err != nil {
		t.Fatalf("transmit: %v", err)
	}

	server, err := AcceptStreamLink(ctx, serverConn)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	defer server.Close()
	b, err := server.Receive(ctx)
	if err != nil {
		t.Fatalf("receive: %v", err)
	}
	if string(b) != "hello" {
		t.Fatalf("got %q", b)
	}

	if err := server.Transmit(ctx, []byte("ack")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	b, err = client.Receive(ctx)
	if err != nil || string(b) != "ack" {
		t.Fatalf("reply receive: %q %v", b, err)
	}
	var _ transport.Link = server
}

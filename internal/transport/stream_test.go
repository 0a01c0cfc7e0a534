package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

func TestStreamLinkExchange(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewStreamLink(c1)
	b := NewStreamLink(c2)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		for _, p := range []string{"one", "two", "three"} {
			if err := a.Transmit(ctx, []byte(p)); err != nil {
				errCh <- err
				return
			}
		}
		errCh <- nil
	}()

	for _, want := range []string{"one", "two", "three"} {
		got, err := b.Receive(ctx)
		if err != nil {
			t.Fatalf("receive: %v", err)
		}
		if string(got) != want {
			t.Fatalf("got %q want %q", got, want)
		}
	}
	if err := <-errCh; err != nil {
		t.Fatalf("transmit: %v", err)
	}
}

func TestStreamLinkReceiveHonorsContext(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewStreamLink(c1)
	b := NewStreamLink(c2)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if _, err := b.Receive(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}

	// The link stays usable after a cancelled receive.
	ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel2()
	go a.Transmit(ctx2, []byte("later"))
	got, err := b.Receive(ctx2)
	if err != nil {
		t.Fatalf("receive after cancel: %v", err)
	}
	if string(got) != "later" {
		t.Fatalf("got %q", got)
	}
}

func TestStreamLinkPeerClose(t *testing.T) {
	c1, c2 := net.Pipe()
	a := NewStreamLink(c1)
	b := NewStreamLink(c2)
	defer b.Close()

	a.Close()
	if _, err := b.Receive(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

// Package transport defines the packet boundary between the sender and
// receiver engines and provides links that need no network.
package transport

import (
	"context"
	"errors"
)

// ErrClosed is returned by a link that has been closed by either side.
var ErrClosed = errors.New("link closed")

// Link carries whole packets in both directions. Delivery is unreliable:
// packets may be lost, duplicated or reordered. Boundaries are preserved.
type Link interface {
	Transmit(ctx context.Context, packet []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

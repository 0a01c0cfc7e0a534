package receiver

import (
	"context"
	"time"

	"github.com/sheerbytes/sparselink/internal/transport"
	"github.com/sheerbytes/sparselink/pkg/wire"
)

const (
	DefaultFlushInterval  = 200 * time.Millisecond
	DefaultFlushThreshold = 64
	DefaultRetryInterval  = 5 * time.Second
)

// ServeOptions tunes how acknowledgements are returned to the sender.
type ServeOptions struct {
	FlushInterval  time.Duration
	FlushThreshold int
	// RetryInterval paces new write attempts for complete files whose
	// storage failed.
	RetryInterval time.Duration
	// OnOutcome is called from the serve goroutine for every file-level result.
	OnOutcome func(Outcome)
}

// Serve feeds packets from link into r and sends its control events back
// over the same link. It returns when ctx ends or the link fails.
func Serve(ctx context.Context, link transport.Link, r *Receiver, opts ServeOptions) error {
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.FlushThreshold <= 0 {
		opts.FlushThreshold = DefaultFlushThreshold
	}
	if opts.RetryInterval <= 0 {
		opts.RetryInterval = DefaultRetryInterval
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	packets := make(chan []byte, 64)
	readErr := make(chan error, 1)
	go func() {
		for {
			b, err := link.Receive(ctx)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case packets <- b:
			case <-ctx.Done():
				return
			}
		}
	}()

	ticker := time.NewTicker(opts.FlushInterval)
	defer ticker.Stop()
	retry := time.NewTicker(opts.RetryInterval)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readErr:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("link receive failed", "error", err)
			return err
		case b := <-packets:
			// Rejected packets are counted and logged by the receiver.
			out, _ := r.HandlePacket(b)
			if out != nil && opts.OnOutcome != nil {
				opts.OnOutcome(*out)
			}
			if r.queue.Len() >= opts.FlushThreshold {
				if err := flush(ctx, link, r); err != nil {
					return err
				}
			}
		case <-ticker.C:
			if err := flush(ctx, link, r); err != nil {
				return err
			}
		case <-retry.C:
			for _, id := range r.Pending() {
				out, err := r.RetryFinalize(id)
				if err != nil {
					continue
				}
				if opts.OnOutcome != nil {
					opts.OnOutcome(*out)
				}
			}
		}
	}
}

// flush sends every queued control event. Events lost to a failed
// transmit are recovered when the sender re-offers the chunk.
func flush(ctx context.Context, link transport.Link, r *Receiver) error {
	events := r.Drain()
	for i, ev := range events {
		if err := link.Transmit(ctx, wire.EncodeControlEvent(ev)); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			r.logger.Warn("sending acknowledgements failed", "sent", i, "dropped", len(events)-i, "error", err)
			return err
		}
	}
	if len(events) > 0 {
		r.logger.Debug("acknowledgements sent", "count", len(events))
	}
	return nil
}

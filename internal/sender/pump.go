package sender

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/sheerbytes/sparselink/internal/logging"
	"github.com/sheerbytes/sparselink/internal/transport"
	"github.com/sheerbytes/sparselink/pkg/wire"
)

const DefaultBatchSize = 32

// PumpOptions configures a Pump.
type PumpOptions struct {
	BatchSize int
	// RateLimit caps transmitted bytes per second. Zero means unlimited.
	RateLimit int
	// Interval pauses between batches.
	Interval time.Duration
	// StopWhenIdle makes Run return once every file is acknowledged.
	StopWhenIdle bool
	Logger       *slog.Logger
}

// PumpStats counts pump traffic.
type PumpStats struct {
	PacketsSent uint64
	BytesSent   uint64
	AcksApplied uint64
	AcksIgnored uint64
	Malformed   uint64
}

// Pump moves chunks from an Engine onto a Link and acknowledgements back.
type Pump struct {
	engine  *Engine
	link    transport.Link
	opts    PumpOptions
	logger  *slog.Logger
	limiter *rate.Limiter

	packetsSent, bytesSent atomic.Uint64
	acksApplied            atomic.Uint64
	acksIgnored, malformed atomic.Uint64
}

func NewPump(engine *Engine, link transport.Link, opts PumpOptions) *Pump {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	p := &Pump{
		engine: engine,
		link:   link,
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
	}
	if opts.RateLimit > 0 {
		burst := max(opts.RateLimit, wire.EncodedChunkSize(wire.MaxPayloadSize))
		p.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return p
}

// Run transmits and ingests acknowledgements until ctx ends, the link
// fails, or, with StopWhenIdle, every file is acknowledged.
func (p *Pump) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)
	go func() { errCh <- p.transmitLoop(ctx) }()
	go func() { errCh <- p.ackLoop(ctx) }()

	err := <-errCh
	cancel()
	<-errCh
	return err
}

func (p *Pump) transmitLoop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch := p.engine.NextBatch(p.opts.BatchSize)
		if len(batch) == 0 {
			if p.opts.StopWhenIdle && p.engine.Idle() {
				p.logger.Debug("all files acknowledged")
				return nil
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-p.engine.Wake():
			}
			continue
		}

		for _, c := range batch {
			packet, err := wire.EncodeChunk(c)
			if err != nil {
				p.logger.Error("encode chunk", "file_id", c.FileID, "index", c.Index.String(), "error", err)
				continue
			}
			if p.limiter != nil {
				if err := p.limiter.WaitN(ctx, len(packet)); err != nil {
					return err
				}
			}
			if err := p.link.Transmit(ctx, packet); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				p.logger.Warn("transmit failed", "error", err)
				return err
			}
			p.packetsSent.Add(1)
			p.bytesSent.Add(uint64(len(packet)))
		}

		if p.opts.Interval > 0 {
			t := time.NewTimer(p.opts.Interval)
			select {
			case <-ctx.Done():
				t.Stop()
				return ctx.Err()
			case <-t.C:
			}
		}
	}
}

func (p *Pump) ackLoop(ctx context.Context) error {
	for {
		b, err := p.link.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			p.logger.Warn("receive failed", "error", err)
			return err
		}
		pkt, err := wire.DecodePacket(b)
		if err != nil {
			p.malformed.Add(1)
			p.logger.Debug("discarding malformed packet", "len", len(b), "error", err)
			continue
		}
		if pkt.Kind != wire.KindControl {
			p.malformed.Add(1)
			p.logger.Debug("discarding chunk on ack path", "file_id", pkt.Chunk.FileID)
			continue
		}
		if p.engine.Ingest(pkt.Event) {
			p.acksApplied.Add(1)
		} else {
			p.acksIgnored.Add(1)
		}
	}
}

func (p *Pump) Stats() PumpStats {
	return PumpStats{
		PacketsSent: p.packetsSent.Load(),
		BytesSent:   p.bytesSent.Load(),
		AcksApplied: p.acksApplied.Load(),
		AcksIgnored: p.acksIgnored.Load(),
		Malformed:   p.malformed.Load(),
	}
}

package sender

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/sheerbytes/sparselink/internal/config"
	"github.com/sheerbytes/sparselink/internal/logging"
	"github.com/sheerbytes/sparselink/internal/outbox"
	"github.com/sheerbytes/sparselink/internal/progress"
	"github.com/sheerbytes/sparselink/internal/quiclink"
	"github.com/sheerbytes/sparselink/internal/sender"
	"github.com/sheerbytes/sparselink/internal/transport"
	"github.com/sheerbytes/sparselink/internal/wslink"
	"github.com/sheerbytes/sparselink/pkg/wire"
)

const (
	progressInterval = time.Second
	journalInterval  = time.Second
)

func Run(args []string) {
	if hasHelpFlag(args) {
		printSenderUsage()
		return
	}
	cfg, err := config.ParseSenderConfig(args)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
			printSenderUsage()
		}
		os.Exit(2)
	}

	logger := logging.NewWithFormat("sparselink-sender", cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("send failed", "error", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.SenderConfig, logger *slog.Logger) error {
	opts := sender.Options{MaxInFlight: cfg.MaxInFlight, Logger: logger}
	if cfg.StateDir != "" {
		journal, err := sender.OpenJournal(sender.JournalOptions{Dir: cfg.StateDir, MaxBytes: cfg.StateMaxBytes, Logger: logger})
		if err != nil {
			return fmt.Errorf("open state dir: %w", err)
		}
		opts.Journal = journal
	}
	engine := sender.NewEngine(opts)

	resumed, err := engine.Resume()
	if err != nil {
		return fmt.Errorf("resume: %w", err)
	}
	// A file given again after a restart is already on offer.
	pending := make(map[wire.FileHeader]wire.FileID, len(resumed))
	for _, f := range resumed {
		pending[f.Header] = f.ID
	}

	enqueue := func(path string) error {
		f, err := sender.ReadFile(path, cfg.ChunkSize)
		if err != nil {
			return err
		}
		if id, ok := pending[f.Header]; ok && engine.State(id) != sender.StateUnknown {
			logger.Info("file already resumed", "path", path, "file_id", id)
			return nil
		}
		if err := engine.Enqueue(f); err != nil {
			return err
		}
		logger.Info("file queued", "path", path, "file_id", f.ID, "size", f.Header.Size, "chunks", len(f.Chunks))
		return nil
	}
	for _, path := range cfg.Paths {
		if err := enqueue(path); err != nil {
			return fmt.Errorf("queue %s: %w", path, err)
		}
	}

	link, closeLink, err := openLink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeLink()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	watchErr := make(chan error, 1)
	if cfg.OutboxDir != "" {
		w, err := outbox.New(outbox.Options{Dir: cfg.OutboxDir, Enqueue: enqueue, Logger: logger})
		if err != nil {
			return err
		}
		go func() {
			err := w.Run(ctx)
			if err != nil && ctx.Err() == nil {
				watchErr <- err
				cancel()
			}
		}()
	}

	if opts.Journal != nil {
		go engine.RunJournal(ctx, journalInterval)
	}

	go progress.Report(ctx, progress.NewMeter(), func() (uint64, uint64) {
		s := engine.Stats()
		return s.BytesAcked, s.BytesTotal
	}, progressInterval, logger)

	pump := sender.NewPump(engine, link, sender.PumpOptions{
		BatchSize:    cfg.BatchSize,
		RateLimit:    cfg.RateLimit,
		StopWhenIdle: cfg.OutboxDir == "",
		Logger:       logger,
	})
	start := time.Now()
	err = pump.Run(ctx)
	if serr := engine.SyncJournal(); serr != nil {
		logger.Warn("saving send state failed", "error", serr)
	}

	select {
	case werr := <-watchErr:
		return fmt.Errorf("watch outbox: %w", werr)
	default:
	}

	es, ps := engine.Stats(), pump.Stats()
	logger.Info("send finished",
		"acknowledged", es.Acknowledged,
		"cancelled", es.Cancelled,
		"unfinished", es.Queued+es.InFlight,
		"bytes", progress.FormatBytes(es.BytesAcked),
		"packets_sent", ps.PacketsSent,
		"wire_bytes", progress.FormatBytes(ps.BytesSent),
		"malformed_acks", ps.Malformed,
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	return err
}

// openLink connects to the receiver over the configured link. The returned
// func releases the link and everything beneath it.
func openLink(ctx context.Context, cfg config.SenderConfig, logger *slog.Logger) (transport.Link, func(), error) {
	if cfg.Link == config.LinkWebSocket {
		wsURL := buildWebSocketURL(cfg.Addr)
		link, err := wslink.Dial(ctx, wsURL, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("dial %s: %w", wsURL, err)
		}
		logger.Info("websocket link established", "url", wsURL)
		return link, func() { _ = link.Close() }, nil
	}

	remote, err := net.ResolveUDPAddr("udp", cfg.Addr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve %s: %w", cfg.Addr, err)
	}
	udpConn, err := net.ListenUDP("udp", nil)
	if err != nil {
		return nil, nil, err
	}
	tune := quiclink.TuneUDP(udpConn, quiclink.DefaultTuning.ReadBuffer, quiclink.DefaultTuning.WriteBuffer)
	logger.Debug("udp buffers", "read", tune.RequestedR, "write", tune.RequestedW, "status", tune.Status, "err", tune.Err)

	conn, err := quiclink.Dial(ctx, udpConn, remote, quiclink.BuildConfig(nil, quiclink.DefaultTuning), logger)
	if err != nil {
		_ = udpConn.Close()
		return nil, nil, err
	}
	closeConn := func() {
		_ = conn.CloseWithError(0, "done")
		_ = udpConn.Close()
	}

	if cfg.Link == config.LinkQUICStream {
		link, err := quiclink.OpenStreamLink(ctx, conn)
		if err != nil {
			closeConn()
			return nil, nil, err
		}
		return link, func() {
			_ = link.Close()
			closeConn()
		}, nil
	}
	link := quiclink.NewDatagramLink(conn)
	return link, func() {
		_ = link.Close()
		closeConn()
	}, nil
}

// buildWebSocketURL accepts either a full ws:// or wss:// URL or a bare
// host:port.
func buildWebSocketURL(addr string) string {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return addr
	}
	return "ws://" + addr + wslink.DefaultPath
}

func printSenderUsage() {
	fmt.Fprintln(os.Stderr, "usage: sparselink send [flags] <path>...")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  -link quic|quic-stream|ws  link type (default quic)")
	fmt.Fprintln(os.Stderr, "  -addr <addr>               receiver host:port or ws:// URL")
	fmt.Fprintln(os.Stderr, "  -path <file>               file to send, repeatable")
	fmt.Fprintln(os.Stderr, "  -outbox <dir>              keep running and send files dropped into dir")
	fmt.Fprintln(os.Stderr, "  -chunk-size <n>            chunk payload bytes")
	fmt.Fprintln(os.Stderr, "  -batch <n>                 chunks per batch")
	fmt.Fprintln(os.Stderr, "  -rate <n>                  bytes per second, 0 = unlimited")
	fmt.Fprintln(os.Stderr, "  -max-in-flight <n>         files offered at once, 0 = all")
	fmt.Fprintln(os.Stderr, "  -state-dir <dir>           keep unfinished files here and resume them on restart")
	fmt.Fprintln(os.Stderr, "  -state-max <n>             bytes of file data the state dir may hold, 0 = unbounded")
	fmt.Fprintln(os.Stderr, "  -log-level <level>         debug, info, warn, error")
	fmt.Fprintln(os.Stderr, "  -log-format <format>       text or pretty")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "environment: SPARSELINK_LINK, SPARSELINK_ADDR, SPARSELINK_OUTBOX, SPARSELINK_STATE_DIR, SPARSELINK_CHUNK_SIZE, ...")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-h" || arg == "--help" || arg == "-help" {
			return true
		}
	}
	return false
}

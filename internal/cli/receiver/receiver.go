package receiver

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/sheerbytes/sparselink/internal/config"
	"github.com/sheerbytes/sparselink/internal/logging"
	"github.com/sheerbytes/sparselink/internal/progress"
	"github.com/sheerbytes/sparselink/internal/quiclink"
	"github.com/sheerbytes/sparselink/internal/receiver"
	"github.com/sheerbytes/sparselink/internal/transport"
	"github.com/sheerbytes/sparselink/internal/wslink"
)

func Run(args []string) {
	if hasHelpFlag(args) {
		printReceiverUsage()
		return
	}
	cfg, err := config.ParseReceiverConfig(args)
	if err != nil {
		if !errors.Is(err, flag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
			printReceiverUsage()
		}
		os.Exit(2)
	}

	logger := logging.NewWithFormat("sparselink-receiver", cfg.LogLevel, cfg.LogFormat)
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, logger, func(addr net.Addr) {
		logger.Info("receiver listening", "link", cfg.Link, "addr", addr.String(), "out", cfg.OutDir)
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("receive failed", "error", err)
		stop()
		os.Exit(1)
	}
}

// run serves senders one session at a time until ctx ends. All sessions
// share one receiver, so a sender that reconnects resumes its files.
// ready is called once the listener is bound.
func run(ctx context.Context, cfg config.ReceiverConfig, logger *slog.Logger, ready func(net.Addr)) error {
	if err := os.MkdirAll(cfg.OutDir, 0o755); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	r := receiver.New(&receiver.DirStorage{Dir: cfg.OutDir}, receiver.Options{
		DedupPending:  cfg.DedupPending,
		DropFinalized: cfg.DropFinalized,
		MaxFileSize:   cfg.MaxFileSize,
		Logger:        logger,
	})
	opts := receiver.ServeOptions{
		FlushInterval:  cfg.FlushInterval,
		FlushThreshold: cfg.FlushThreshold,
		OnOutcome:      func(o receiver.Outcome) { logOutcome(logger, o) },
	}

	var err error
	if cfg.Link == config.LinkWebSocket {
		err = serveWebSocket(ctx, cfg, r, opts, logger, ready)
	} else {
		err = serveQUIC(ctx, cfg, r, opts, logger, ready)
	}

	st := r.Stats()
	logger.Info("receiver stopped",
		"finalized", st.Finalized,
		"accepted", st.Accepted,
		"duplicates", st.Duplicates,
		"malformed", st.Malformed,
		"violations", st.Violations,
		"storage_failures", st.StorageFailures,
		"pending_writes", len(r.Pending()),
	)
	return err
}

func serveQUIC(ctx context.Context, cfg config.ReceiverConfig, r *receiver.Receiver, opts receiver.ServeOptions, logger *slog.Logger, ready func(net.Addr)) error {
	laddr, err := net.ResolveUDPAddr("udp", cfg.Listen)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", cfg.Listen, err)
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return err
	}
	defer udpConn.Close()
	tune := quiclink.TuneUDP(udpConn, quiclink.DefaultTuning.ReadBuffer, quiclink.DefaultTuning.WriteBuffer)
	logger.Debug("udp buffers", "read", tune.RequestedR, "write", tune.RequestedW, "status", tune.Status, "err", tune.Err)

	listener, err := quiclink.Listen(udpConn, quiclink.BuildConfig(nil, quiclink.DefaultTuning), logger)
	if err != nil {
		return err
	}
	defer listener.Close()
	ready(udpConn.LocalAddr())

	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("accept: %w", err)
		}
		logger.Info("sender connected", "remote_addr", conn.RemoteAddr())
		if err := serveConn(ctx, cfg, conn, r, opts, logger); err != nil && ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func serveConn(ctx context.Context, cfg config.ReceiverConfig, conn *quic.Conn, r *receiver.Receiver, opts receiver.ServeOptions, logger *slog.Logger) error {
	defer conn.CloseWithError(0, "")

	var link transport.Link
	if cfg.Link == config.LinkQUICStream {
		sl, err := quiclink.AcceptStreamLink(ctx, conn)
		if err != nil {
			logger.Warn("sender opened no stream", "remote_addr", conn.RemoteAddr(), "error", err)
			return err
		}
		link = sl
	} else {
		link = quiclink.NewDatagramLink(conn)
	}
	defer link.Close()

	err := receiver.Serve(ctx, link, r, opts)
	logger.Info("sender disconnected", "remote_addr", conn.RemoteAddr(), "reason", err)
	return err
}

func serveWebSocket(ctx context.Context, cfg config.ReceiverConfig, r *receiver.Receiver, opts receiver.ServeOptions, logger *slog.Logger, ready func(net.Addr)) error {
	ln, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return err
	}

	// The receiver is not safe for concurrent use; sessions take turns.
	var mu sync.Mutex
	mux := http.NewServeMux()
	mux.Handle(wslink.DefaultPath, wslink.Handler(func(link *wslink.Link) {
		mu.Lock()
		defer mu.Unlock()
		err := receiver.Serve(ctx, link, r, opts)
		logger.Info("sender disconnected", "reason", err)
	}, logger))

	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	ready(ln.Addr())

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-serveErr:
		return err
	}
}

func logOutcome(logger *slog.Logger, o receiver.Outcome) {
	switch {
	case o.Finalized:
		logger.Info("file received", "file_id", o.FileID, "name", o.Name, "size", progress.FormatBytes(o.Size), "path", o.Path)
	case o.Abandoned:
		logger.Warn("file abandoned", "file_id", o.FileID, "name", o.Name)
	case o.Err != nil:
		logger.Error("file not written", "file_id", o.FileID, "name", o.Name, "error", o.Err)
	}
}

func printReceiverUsage() {
	fmt.Fprintln(os.Stderr, "usage: sparselink recv [flags]")
	fmt.Fprintln(os.Stderr, "")
	fmt.Fprintln(os.Stderr, "flags:")
	fmt.Fprintln(os.Stderr, "  -link quic|quic-stream|ws  link type (default quic)")
	fmt.Fprintln(os.Stderr, "  -listen <addr>             listen address (default :7878)")
	fmt.Fprintln(os.Stderr, "  -out <dir>                 directory for received files")
	fmt.Fprintln(os.Stderr, "  -flush-interval <d>        acknowledgement flush interval")
	fmt.Fprintln(os.Stderr, "  -flush-threshold <n>       queued acknowledgements that force a flush")
	fmt.Fprintln(os.Stderr, "  -dedup                     suppress duplicate pending acknowledgements")
	fmt.Fprintln(os.Stderr, "  -drop-finalized            forget files once written")
	fmt.Fprintln(os.Stderr, "  -max-file-size <n>         largest accepted file in bytes")
	fmt.Fprintln(os.Stderr, "  -log-level <level>         debug, info, warn, error")
	fmt.Fprintln(os.Stderr, "  -log-format <format>       text or pretty")
}

func hasHelpFlag(args []string) bool {
	for _, arg := range args {
		if arg == "-h" || arg == "--help" || arg == "-help" {
			return true
		}
	}
	return false
}

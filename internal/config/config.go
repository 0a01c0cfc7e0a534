package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sheerbytes/sparselink/pkg/wire"
)

// Link kinds.
const (
	LinkQUIC       = "quic"
	LinkQUICStream = "quic-stream"
	LinkWebSocket  = "ws"
)

const (
	defaultAddr          = "127.0.0.1:7878"
	defaultListen        = ":7878"
	datagramChunkSize    = 1024
	streamChunkSize      = 64 * 1024
	defaultBatchSize     = 32
	maxBatchSize         = 1024
	maxInFlightLimit     = 1024
	defaultFlushInterval = 200 * time.Millisecond
	defaultFlushAt       = 64
	defaultMaxFileSize   = uint64(10) << 40
)

var (
	ErrInvalidLink = errors.New("invalid link")
	// ErrChunkTooLarge reports a chunk size that does not fit the link's packets.
	ErrChunkTooLarge = errors.New("chunk size too large for link")
)

// SenderConfig holds configuration for the send command.
type SenderConfig struct {
	Link        string
	Addr        string   // host:port for QUIC, ws:// URL for websocket
	Paths       []string // files to send
	OutboxDir   string   // directory to watch for new files
	ChunkSize   int
	BatchSize   int
	RateLimit   int // bytes per second, 0 = unlimited
	MaxInFlight int // 0 = no cap
	// StateDir keeps unfinished files across restarts. Empty disables it.
	StateDir      string
	StateMaxBytes uint64 // 0 = no bound
	LogLevel      string
	LogFormat     string
}

// ReceiverConfig holds configuration for the recv command.
type ReceiverConfig struct {
	Link           string
	Listen         string
	OutDir         string
	FlushInterval  time.Duration
	FlushThreshold int
	DedupPending   bool
	DropFinalized  bool
	MaxFileSize    uint64
	LogLevel       string
	LogFormat      string
}

// ParseSenderConfig parses send flags and SPARSELINK_* environment variables.
// Flags take precedence over environment variables.
func ParseSenderConfig(args []string) (SenderConfig, error) {
	return parseSenderConfigWithFlagSet(flag.NewFlagSet("send", flag.ContinueOnError), args)
}

func parseSenderConfigWithFlagSet(fs *flag.FlagSet, args []string) (SenderConfig, error) {
	cfg := SenderConfig{
		Link:      LinkQUIC,
		Addr:      defaultAddr,
		BatchSize: defaultBatchSize,
		LogLevel:  "info",
		LogFormat: "text",
	}

	// Environment first.
	envString("SPARSELINK_LINK", &cfg.Link)
	envString("SPARSELINK_ADDR", &cfg.Addr)
	envString("SPARSELINK_OUTBOX", &cfg.OutboxDir)
	envString("SPARSELINK_STATE_DIR", &cfg.StateDir)
	envString("SPARSELINK_LOG_LEVEL", &cfg.LogLevel)
	envString("SPARSELINK_LOG_FORMAT", &cfg.LogFormat)
	err := errors.Join(
		envInt("SPARSELINK_CHUNK_SIZE", &cfg.ChunkSize),
		envInt("SPARSELINK_BATCH_SIZE", &cfg.BatchSize),
		envInt("SPARSELINK_RATE", &cfg.RateLimit),
		envInt("SPARSELINK_MAX_IN_FLIGHT", &cfg.MaxInFlight),
		envUint64("SPARSELINK_STATE_MAX", &cfg.StateMaxBytes),
	)
	if err != nil {
		return cfg, err
	}

	// Flags override environment.
	fs.StringVar(&cfg.Link, "link", cfg.Link, "link type (quic, quic-stream, ws)")
	fs.StringVar(&cfg.Addr, "addr", cfg.Addr, "receiver address (host:port, or ws:// URL)")
	fs.StringVar(&cfg.OutboxDir, "outbox", cfg.OutboxDir, "directory to watch for files to send")
	fs.IntVar(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunk payload size in bytes (default depends on link)")
	fs.IntVar(&cfg.BatchSize, "batch", cfg.BatchSize, "chunks pulled per batch")
	fs.IntVar(&cfg.RateLimit, "rate", cfg.RateLimit, "send rate limit in bytes per second (0 = unlimited)")
	fs.IntVar(&cfg.MaxInFlight, "max-in-flight", cfg.MaxInFlight, "files offered at once (0 = all)")
	fs.StringVar(&cfg.StateDir, "state-dir", cfg.StateDir, "directory keeping unfinished files across restarts")
	fs.Uint64Var(&cfg.StateMaxBytes, "state-max", cfg.StateMaxBytes, "bytes of file data the state directory may hold (0 = unbounded)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, pretty)")
	paths := make([]string, 0)
	fs.Var((*stringSlice)(&paths), "path", "file to send (repeatable)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	cfg.Paths = append(paths, fs.Args()...)

	if err := validateLink(cfg.Link); err != nil {
		return cfg, err
	}
	if len(cfg.Paths) == 0 && cfg.OutboxDir == "" && cfg.StateDir == "" {
		return cfg, errors.New("nothing to send: give file paths, -outbox or -state-dir")
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = defaultChunkSize(cfg.Link)
	}
	if cfg.Link == LinkQUIC && cfg.ChunkSize > datagramChunkSize {
		return cfg, fmt.Errorf("%w: %d bytes over %s datagrams, limit %d", ErrChunkTooLarge, cfg.ChunkSize, cfg.Link, datagramChunkSize)
	}
	cfg.ChunkSize = clamp(cfg.ChunkSize, 1, wire.MaxPayloadSize)
	cfg.BatchSize = clamp(cfg.BatchSize, 1, maxBatchSize)
	cfg.MaxInFlight = clamp(cfg.MaxInFlight, 0, maxInFlightLimit)
	if cfg.RateLimit < 0 {
		cfg.RateLimit = 0
	}
	return cfg, nil
}

// ParseReceiverConfig parses recv flags and SPARSELINK_* environment variables.
// Flags take precedence over environment variables.
func ParseReceiverConfig(args []string) (ReceiverConfig, error) {
	return parseReceiverConfigWithFlagSet(flag.NewFlagSet("recv", flag.ContinueOnError), args)
}

func parseReceiverConfigWithFlagSet(fs *flag.FlagSet, args []string) (ReceiverConfig, error) {
	cfg := ReceiverConfig{
		Link:           LinkQUIC,
		Listen:         defaultListen,
		OutDir:         ".",
		FlushInterval:  defaultFlushInterval,
		FlushThreshold: defaultFlushAt,
		MaxFileSize:    defaultMaxFileSize,
		LogLevel:       "info",
		LogFormat:      "text",
	}

	envString("SPARSELINK_LINK", &cfg.Link)
	envString("SPARSELINK_LISTEN", &cfg.Listen)
	envString("SPARSELINK_OUT_DIR", &cfg.OutDir)
	envString("SPARSELINK_LOG_LEVEL", &cfg.LogLevel)
	envString("SPARSELINK_LOG_FORMAT", &cfg.LogFormat)
	err := errors.Join(
		envDuration("SPARSELINK_FLUSH_INTERVAL", &cfg.FlushInterval),
		envInt("SPARSELINK_FLUSH_THRESHOLD", &cfg.FlushThreshold),
		envBool("SPARSELINK_DEDUP", &cfg.DedupPending),
		envUint64("SPARSELINK_MAX_FILE_SIZE", &cfg.MaxFileSize),
	)
	if err != nil {
		return cfg, err
	}

	fs.StringVar(&cfg.Link, "link", cfg.Link, "link type (quic, quic-stream, ws)")
	fs.StringVar(&cfg.Listen, "listen", cfg.Listen, "listen address")
	fs.StringVar(&cfg.OutDir, "out", cfg.OutDir, "directory for received files")
	fs.DurationVar(&cfg.FlushInterval, "flush-interval", cfg.FlushInterval, "acknowledgement flush interval")
	fs.IntVar(&cfg.FlushThreshold, "flush-threshold", cfg.FlushThreshold, "queued acknowledgements that force a flush")
	fs.BoolVar(&cfg.DedupPending, "dedup", cfg.DedupPending, "suppress duplicate pending acknowledgements")
	fs.BoolVar(&cfg.DropFinalized, "drop-finalized", cfg.DropFinalized, "forget files once written")
	fs.Uint64Var(&cfg.MaxFileSize, "max-file-size", cfg.MaxFileSize, "largest accepted file size in bytes")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "log format (text, pretty)")

	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if err := validateLink(cfg.Link); err != nil {
		return cfg, err
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultFlushInterval
	}
	if cfg.FlushThreshold < 1 {
		cfg.FlushThreshold = 1
	}
	if cfg.MaxFileSize == 0 {
		cfg.MaxFileSize = defaultMaxFileSize
	}
	return cfg, nil
}

func validateLink(link string) error {
	switch link {
	case LinkQUIC, LinkQUICStream, LinkWebSocket:
		return nil
	default:
		return fmt.Errorf("%w: %q (want %s, %s or %s)", ErrInvalidLink, link, LinkQUIC, LinkQUICStream, LinkWebSocket)
	}
}

func defaultChunkSize(link string) int {
	if link == LinkQUIC {
		return datagramChunkSize
	}
	return streamChunkSize
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

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envUint64(key string, dst *uint64) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = n
	return nil
}

func envBool(key string, dst *bool) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = b
	return nil
}

func envDuration(key string, dst *time.Duration) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = d
	return nil
}

// stringSlice implements flag.Value for repeatable string flags.
type stringSlice []string

func (s *stringSlice) String() string {
	return strings.Join(*s, ",")
}

func (s *stringSlice) Set(value string) error {
	*s = append(*s, value)
	return nil
}

func (s *stringSlice) Get() interface{} {
	return []string(*s)
}

var _ flag.Value = (*stringSlice)(nil)
var _ flag.Getter = (*stringSlice)(nil)

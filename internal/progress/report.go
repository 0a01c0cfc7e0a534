package progress

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sheerbytes/sparselink/internal/logging"
)

// Sample reads the current acknowledged and total byte counts.
type Sample func() (done, total uint64)

// Report observes sample every interval and logs a progress line whenever
// the acknowledged count moved. It returns when ctx is done.
func Report(ctx context.Context, m *Meter, sample Sample, interval time.Duration, logger *slog.Logger) {
	logger = logging.OrDiscard(logger)
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		m.Observe(sample())
		s := m.Snapshot()
		if s.BytesDone == last {
			continue
		}
		last = s.BytesDone
		logger.Info("progress",
			"acked", FormatBytes(s.BytesDone),
			"total", FormatBytes(s.Total),
			"percent", fmt.Sprintf("%.1f", s.Percent),
			"rate", FormatRate(s.RateBps),
			"eta", s.ETA.Round(time.Second),
		)
	}
}

// FormatBytes renders n with a binary unit.
func FormatBytes(n uint64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := uint64(unit), 0
	for v := n / unit; v >= unit; v /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.2f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

func FormatRate(bps float64) string {
	if bps <= 0 {
		return "0 B/s"
	}
	return FormatBytes(uint64(bps)) + "/s"
}

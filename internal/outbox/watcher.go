// Package outbox turns files dropped into a directory into sends.
package outbox

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sheerbytes/sparselink/internal/logging"
)

// DefaultSettle is how long a file must stay unchanged before it is sent.
const DefaultSettle = 500 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Dir    string
	Settle time.Duration
	// Enqueue is called from the Run goroutine once per settled version
	// of a file. A failed enqueue is retried on the next change.
	Enqueue func(path string) error
	Logger  *slog.Logger
}

type version struct {
	size    int64
	modTime int64
}

// Watcher watches one directory, non-recursively. Hidden files and
// subdirectories are ignored.
type Watcher struct {
	opts   Options
	logger *slog.Logger
	timers map[string]*time.Timer
	seen   map[string]version
	ready  chan string
	done   chan struct{}
}

func New(opts Options) (*Watcher, error) {
	if opts.Dir == "" {
		return nil, errors.New("outbox: directory is required")
	}
	if opts.Enqueue == nil {
		return nil, errors.New("outbox: enqueue callback is required")
	}
	if opts.Settle <= 0 {
		opts.Settle = DefaultSettle
	}
	return &Watcher{
		opts:   opts,
		logger: logging.OrDiscard(opts.Logger),
		timers: make(map[string]*time.Timer),
		seen:   make(map[string]version),
		ready:  make(chan string, 64),
		done:   make(chan struct{}),
	}, nil
}

// Run picks up the files already present, then watches for new and
// changed files until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	defer close(w.done)
	if err := fw.Add(w.opts.Dir); err != nil {
		return err
	}
	w.logger.Info("watching outbox", "dir", w.opts.Dir, "settle", w.opts.Settle)

	entries, err := os.ReadDir(w.opts.Dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			w.schedule(filepath.Join(w.opts.Dir, entry.Name()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			for _, t := range w.timers {
				t.Stop()
			}
			return ctx.Err()
		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Chmod) != 0 {
				w.schedule(event.Name)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("outbox watcher error", "error", err)
		case path := <-w.ready:
			delete(w.timers, path)
			w.settled(path)
		}
	}
}

func (w *Watcher) schedule(path string) {
	if strings.HasPrefix(filepath.Base(path), ".") {
		return
	}
	if t, ok := w.timers[path]; ok {
		t.Reset(w.opts.Settle)
		return
	}
	w.timers[path] = time.AfterFunc(w.opts.Settle, func() {
		select {
		case w.ready <- path:
		case <-w.done:
		}
	})
}

func (w *Watcher) settled(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return
	}
	v := version{size: info.Size(), modTime: info.ModTime().UnixNano()}
	if prev, ok := w.seen[path]; ok && prev == v {
		return
	}
	if err := w.opts.Enqueue(path); err != nil {
		w.logger.Warn("outbox enqueue failed", "path", path, "error", err)
		return
	}
	w.seen[path] = v
	w.logger.Info("outbox file enqueued", "path", path, "size", v.size)
}

package config

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is the polling interval of [Watcher.Run].
const DefaultWatchInterval = 5 * time.Second

// Watcher keeps the last valid version of a config file. [Watcher.Run] polls
// the file and reports content changes; edits that fail to load or validate
// are logged and the previous config stays current.
type Watcher struct {
	path     string
	interval time.Duration
	log      *slog.Logger
	kick     chan struct{}

	mu      sync.Mutex
	current *Config
	hash    [sha256.Size]byte
	stamp   fileStamp
}

// fileStamp is the cheap pre-check before the file is read again.
type fileStamp struct {
	size  int64
	mtime time.Time
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatcherLogger sets the logger. Defaults to [slog.Default].
func WithWatcherLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads the file at path. The initial load must succeed.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		log:      slog.Default(),
		kick:     make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, hash, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.hash, w.stamp = cfg, hash, stamp
	return w, nil
}

// Current returns the most recently loaded valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Trigger asks a running [Watcher.Run] to reload now, e.g. on SIGHUP.
func (w *Watcher) Trigger() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Run polls the file until ctx ends and calls onChange with the previous and
// the new config after every content change. onChange runs on the Run
// goroutine and may call Current.
func (w *Watcher) Run(ctx context.Context, onChange func(old, cur *Config)) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		force := false
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.kick:
			force = true
		}
		if !force && !w.stampChanged() {
			continue
		}
		old, err := w.Reload()
		switch {
		case err != nil:
			w.log.Warn("config: keeping previous configuration", "path", w.path, "err", err)
		case old != nil:
			w.log.Info("config: reloaded", "path", w.path)
			if onChange != nil {
				onChange(old, w.Current())
			}
		}
	}
}

// Reload reads the file now. It returns the replaced config when the content
// changed, nil when it did not, or an error when the new content is invalid.
func (w *Watcher) Reload() (old *Config, err error) {
	cfg, hash, stamp, err := w.read()
	if err != nil {
		return nil, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.stamp = stamp
	if hash == w.hash {
		return nil, nil
	}
	old, w.current, w.hash = w.current, cfg, hash
	return old, nil
}

func (w *Watcher) stampChanged() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: cannot stat watched file", "path", w.path, "err", err)
		return false
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return fileStamp{info.Size(), info.ModTime()} != w.stamp
}

func (w *Watcher) read() (*Config, [sha256.Size]byte, fileStamp, error) {
	var hash [sha256.Size]byte
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, hash, fileStamp{}, err
	}
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, hash, fileStamp{}, err
	}
	cfg, err := loadBytes(data)
	if err != nil {
		return nil, hash, fileStamp{}, err
	}
	return cfg, sha256.Sum256(data), fileStamp{info.Size(), info.ModTime()}, nil
}

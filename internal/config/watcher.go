package config

import (
	"bytes"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a config file and reports effective changes.
//
// A change is noticed when the file's mtime or size moves, confirmed by a
// content hash, and only reported when the new file parses, validates and
// differs from the current config per [Diff]. Edits to comments or
// formatting therefore never reach the callback, and an invalid file keeps
// the last good config in place.
type Watcher struct {
	path     string
	interval time.Duration
	onChange func(cfg *Config, d ConfigDiff)
	log      *slog.Logger

	mu      sync.Mutex
	current *Config
	seen    fileStamp

	done     chan struct{}
	stopOnce sync.Once
}

// fileStamp identifies one version of the file.
type fileStamp struct {
	mtime time.Time
	size  int64
	sum   [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval sets the polling interval. Default: 5s.
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for reload records. Default: slog.Default.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if l != nil {
			w.log = l
		}
	}
}

// NewWatcher loads path and starts polling it in the background. onChange
// may be nil; it runs on the polling goroutine with the new config and its
// difference to the previous one.
func NewWatcher(path string, onChange func(cfg *Config, d ConfigDiff), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: 5 * time.Second,
		onChange: onChange,
		log:      slog.Default(),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, stamp, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current, w.seen = cfg, stamp

	go w.loop()
	return w, nil
}

// Current returns the last valid config.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Stop ends polling. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.done) })
}

func (w *Watcher) loop() {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-w.done:
			return
		case <-t.C:
			w.Check()
		}
	}
}

// Check looks at the file once and reports whether a change was applied.
// The polling loop calls it on every tick.
func (w *Watcher) Check() bool {
	info, err := os.Stat(w.path)
	if err != nil {
		w.log.Warn("config: watch: stat", "path", w.path, "err", err)
		return false
	}

	w.mu.Lock()
	unchanged := info.ModTime().Equal(w.seen.mtime) && info.Size() == w.seen.size
	w.mu.Unlock()
	if unchanged {
		return false
	}

	cfg, stamp, err := w.read()
	if err != nil {
		w.log.Warn("config: watch: keeping previous config", "path", w.path, "err", err)
		// Do not retry the same broken content on every tick.
		w.mu.Lock()
		w.seen.mtime, w.seen.size = info.ModTime(), info.Size()
		w.mu.Unlock()
		return false
	}

	w.mu.Lock()
	if stamp.sum == w.seen.sum {
		w.seen = stamp
		w.mu.Unlock()
		return false
	}
	old := w.current
	d := Diff(old, cfg)
	w.seen = stamp
	if d.Empty() {
		w.mu.Unlock()
		w.log.Debug("config: watch: file edited without effect", "path", w.path)
		return false
	}
	w.current = cfg
	w.mu.Unlock()

	w.log.Info("config: reloaded", "path", w.path, "restart_required", d.RestartRequired())
	if w.onChange != nil {
		w.onChange(cfg, d)
	}
	return true
}

// read parses and validates the file and stamps the bytes it parsed.
func (w *Watcher) read() (*Config, fileStamp, error) {
	f, err := os.Open(w.path)
	if err != nil {
		return nil, fileStamp{}, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fileStamp{}, err
	}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(f); err != nil {
		return nil, fileStamp{}, err
	}
	cfg, err := LoadFromReader(bytes.NewReader(buf.Bytes()))
	if err != nil {
		return nil, fileStamp{}, err
	}
	return cfg, fileStamp{mtime: info.ModTime(), size: info.Size(), sum: sha256.Sum256(buf.Bytes())}, nil
}

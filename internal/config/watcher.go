package config

import (
	"bytes"
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// DefaultWatchInterval is how often [Watcher.Watch] stats the config file.
const DefaultWatchInterval = 5 * time.Second

// Reload is handed to the watcher callback after the file changed and the
// new content validated.
type Reload struct {
	Prev *Config
	Next *Config
	Diff ConfigDiff
}

// Watcher re-reads a config file on an interval and reports validated
// changes. Environment overrides are applied on every read, so a variable
// keeps winning over the file.
type Watcher struct {
	path     string
	interval time.Duration
	lookup   LookupFunc
	onReload func(Reload)

	mu      sync.Mutex
	current *Config
	seen    stamp
	// rejected is the content that last failed to validate. It is reported
	// once, not on every tick.
	rejected [sha256.Size]byte
}

// stamp identifies one version of the file.
type stamp struct {
	size int64
	mod  time.Time
	sum  [sha256.Size]byte
}

// WatcherOption configures a [Watcher].
type WatcherOption func(*Watcher)

// WithInterval overrides [DefaultWatchInterval].
func WithInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLookup replaces [os.LookupEnv] for reloads. nil ignores the
// environment.
func WithLookup(fn LookupFunc) WatcherOption {
	return func(w *Watcher) { w.lookup = fn }
}

// NewWatcher reads path once and fails if it does not yield a valid config.
// Nothing is polled until [Watcher.Watch] runs.
func NewWatcher(path string, onReload func(Reload), opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: DefaultWatchInterval,
		lookup:   os.LookupEnv,
		onReload: onReload,
	}
	for _, opt := range opts {
		opt(w)
	}

	cfg, st, err := w.read()
	if err != nil {
		return nil, fmt.Errorf("config: watch %s: %w", path, err)
	}
	w.current = cfg
	w.seen = st
	return w, nil
}

// Current returns the last config that validated.
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}

// Watch polls until ctx is done. It always returns nil so it can run in an
// errgroup next to the servers it reconfigures.
func (w *Watcher) Watch(ctx context.Context) error {
	t := time.NewTicker(w.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if r, ok := w.Check(); ok && w.onReload != nil {
				w.onReload(r)
			}
		}
	}
}

// Check compares the file against the last version seen. It reports a
// [Reload] when the content changed and validates; a touched file with the
// same bytes, an unreadable file or an invalid edit report false.
func (w *Watcher) Check() (Reload, bool) {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Warn("config watcher: stat failed", "path", w.path, "err", err)
		return Reload{}, false
	}

	w.mu.Lock()
	seen := w.seen
	w.mu.Unlock()
	if info.Size() == seen.size && info.ModTime().Equal(seen.mod) {
		return Reload{}, false
	}

	cfg, st, err := w.read()
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		if st.sum != w.rejected {
			w.rejected = st.sum
			slog.Warn("config watcher: keeping previous config", "path", w.path, "err", err)
		}
		return Reload{}, false
	}
	w.seen = st
	if st.sum == seen.sum {
		return Reload{}, false
	}

	r := Reload{Prev: w.current, Next: cfg, Diff: Diff(w.current, cfg)}
	w.current = cfg
	slog.Info("config watcher: reloaded",
		"path", w.path,
		"log_level", r.Diff.LogLevelChanged,
		"session", r.Diff.SessionChanged,
		"restart_required", r.Diff.RestartRequired,
	)
	return r, true
}

// read loads and validates the file. The stamp is filled in whenever the
// bytes could be read, even if they do not validate.
func (w *Watcher) read() (*Config, stamp, error) {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	info, err := os.Stat(w.path)
	if err != nil {
		return nil, stamp{}, err
	}
	st := stamp{size: info.Size(), mod: info.ModTime(), sum: sha256.Sum256(data)}

	cfg, err := decode(bytes.NewReader(data))
	if err == nil {
		cfg, err = finish(cfg, w.lookup)
	}
	return cfg, st, err
}

package config_test

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/meetcap/internal/config"
)

const baseYAML = `
server:
  log_level: info
backend:
  base_url: http://127.0.0.1:8010/v1
session:
  locale: en
`

// rewrite replaces the file and moves its mtime forward so the change is
// visible even on filesystems with coarse timestamps.
func rewrite(t *testing.T, path, content string, age int) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
	mod := time.Now().Add(time.Duration(age) * time.Second)
	if err := os.Chtimes(path, mod, mod); err != nil {
		t.Fatalf("chtimes %s: %v", path, err)
	}
}

func newTestWatcher(t *testing.T, content string, onReload func(config.Reload), opts ...config.WatcherOption) (*config.Watcher, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "meetcap.yaml")
	rewrite(t, path, content, 0)
	w, err := config.NewWatcher(path, onReload, append([]config.WatcherOption{config.WithLookup(nil)}, opts...)...)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}
	return w, path
}

func TestWatcher_LoadsOnCreate(t *testing.T) {
	t.Parallel()
	w, _ := newTestWatcher(t, baseYAML, nil)

	cfg := w.Current()
	if cfg.Server.LogLevel != config.LogInfo || cfg.Session.Locale != "en" {
		t.Errorf("Current = level %q locale %q", cfg.Server.LogLevel, cfg.Session.Locale)
	}
	if cfg.Capture.Source != config.SourceFFmpeg {
		t.Errorf("capture.source = %q, want the ffmpeg default", cfg.Capture.Source)
	}
}

func TestWatcher_CreateFails(t *testing.T) {
	t.Parallel()

	if _, err := config.NewWatcher(filepath.Join(t.TempDir(), "missing.yaml"), nil); err == nil {
		t.Error("missing file: want error")
	}

	path := filepath.Join(t.TempDir(), "meetcap.yaml")
	rewrite(t, path, "server:\n  log_level: loud\n", 0)
	if _, err := config.NewWatcher(path, nil); err == nil {
		t.Error("invalid file: want error")
	}
}

func TestWatcher_ReportsSessionAndRestartChanges(t *testing.T) {
	t.Parallel()
	w, path := newTestWatcher(t, baseYAML, nil)

	rewrite(t, path, `
server:
  log_level: debug
  listen_addr: 127.0.0.1:9999
backend:
  base_url: http://127.0.0.1:8010/v1
  listing_limit: 10
session:
  locale: de
`, 2)

	r, ok := w.Check()
	if !ok {
		t.Fatal("Check did not report the edit")
	}
	if r.Prev.Session.Locale != "en" || r.Next.Session.Locale != "de" {
		t.Errorf("locale %q -> %q", r.Prev.Session.Locale, r.Next.Session.Locale)
	}
	d := r.Diff
	if !d.LogLevelChanged || d.NewLogLevel != config.LogDebug {
		t.Errorf("log level diff = %v %q", d.LogLevelChanged, d.NewLogLevel)
	}
	if !d.SessionChanged || !d.ListingLimitChanged {
		t.Errorf("diff = %+v, want session and listing limit changes", d)
	}
	if !slices.Equal(d.RestartRequired, []string{"server.listen_addr"}) {
		t.Errorf("RestartRequired = %v", d.RestartRequired)
	}
	if w.Current() != r.Next {
		t.Error("Current was not advanced to the reloaded config")
	}

	if _, ok := w.Check(); ok {
		t.Error("second Check reported the same edit again")
	}
}

func TestWatcher_InvalidEditKeepsConfig(t *testing.T) {
	t.Parallel()
	w, path := newTestWatcher(t, baseYAML, nil)
	before := w.Current()

	rewrite(t, path, "capture:\n  source: microphone\n", 2)
	if _, ok := w.Check(); ok {
		t.Fatal("invalid edit was reported")
	}
	if _, ok := w.Check(); ok {
		t.Fatal("invalid edit was reported on the next tick")
	}
	if w.Current() != before {
		t.Error("Current changed after an invalid edit")
	}

	// Fixing the file is picked up again.
	rewrite(t, path, baseYAML+"  source: cli\n", 4)
	r, ok := w.Check()
	if !ok || r.Next.Session.Source != "cli" {
		t.Fatalf("fixed edit: ok=%v next=%+v", ok, r.Next)
	}
}

func TestWatcher_TouchIsNotAChange(t *testing.T) {
	t.Parallel()
	w, path := newTestWatcher(t, baseYAML, nil)

	rewrite(t, path, baseYAML, 2)
	if r, ok := w.Check(); ok {
		t.Errorf("touch reported as reload: %+v", r.Diff)
	}
}

func TestWatcher_EnvironmentWinsOnReload(t *testing.T) {
	t.Parallel()

	env := map[string]string{config.EnvLogLevel: "warn"}
	lookup := func(k string) (string, bool) { v, ok := env[k]; return v, ok }
	w, path := newTestWatcher(t, baseYAML, nil, config.WithLookup(lookup))
	if got := w.Current().Server.LogLevel; got != config.LogWarn {
		t.Fatalf("initial log level = %q, want the environment value", got)
	}

	rewrite(t, path, strings.Replace(baseYAML, "log_level: info", "log_level: debug", 1)+"  source: cli\n", 2)
	r, ok := w.Check()
	if !ok {
		t.Fatal("Check did not report the edit")
	}
	if r.Next.Server.LogLevel != config.LogWarn || r.Diff.LogLevelChanged {
		t.Errorf("log level = %q changed=%v, want the environment to win", r.Next.Server.LogLevel, r.Diff.LogLevelChanged)
	}
	if r.Next.Session.Source != "cli" || !r.Diff.SessionChanged {
		t.Errorf("session = %+v, want source cli", r.Next.Session)
	}
}

func TestWatcher_WatchDeliversUntilCancelled(t *testing.T) {
	t.Parallel()

	reloads := make(chan config.Reload, 1)
	w, path := newTestWatcher(t, baseYAML, func(r config.Reload) { reloads <- r }, config.WithInterval(20*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.Watch(ctx) }()

	rewrite(t, path, baseYAML+"  countdown_ticks: 3\n", 2)
	select {
	case r := <-reloads:
		if !r.Diff.SessionChanged {
			t.Errorf("diff = %+v, want a session change", r.Diff)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no reload delivered")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Watch = %v, want nil", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Watch did not return after cancel")
	}
}

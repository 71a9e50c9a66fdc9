// Package app wires all meetcap subsystems into a running agent.
//
// The App struct owns the full lifecycle: New creates and connects all
// subsystems, Run executes the session controller loop and the local control
// API, and Shutdown tears everything down in order.
//
// For testing, inject mock implementations via functional options
// (WithBackend, WithChannel, WithSource, etc.). When an option is not
// provided, New creates real implementations from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/meetcap/internal/api"
	"github.com/MrWong99/meetcap/internal/backend"
	"github.com/MrWong99/meetcap/internal/config"
	"github.com/MrWong99/meetcap/internal/health"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/resilience"
	"github.com/MrWong99/meetcap/internal/session"
	"github.com/MrWong99/meetcap/internal/stream"
	"github.com/MrWong99/meetcap/internal/transcript"
	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/capture/ffmpeg"
	"github.com/MrWong99/meetcap/pkg/capture/file"
)

// shutdownTimeout bounds the graceful HTTP shutdown.
const shutdownTimeout = 5 * time.Second

// Backend is the backend client surface used by the controller, the API and
// the readiness check. [*backend.Client] satisfies it.
type Backend interface {
	session.Backend
	api.Backend
}

// App owns all subsystem lifetimes.
type App struct {
	mu  sync.Mutex
	cfg *config.Config

	configPath     string
	logLevel       *slog.LevelVar
	listener       net.Listener
	serveHTTP      bool
	sessionOpts    []session.Option
	metricsHandler http.Handler

	// Subsystems, initialised in New and torn down in Shutdown.
	metrics  *observe.Metrics
	breaker  *resilience.Breaker
	backend  Backend
	store    *transcript.Store
	channel  session.Channel
	source   capture.Source
	ctrl     *session.Controller
	health   *health.Handler
	api      *api.Server
	httpAddr string

	// closers are called in order during Shutdown.
	closers []func() error

	// stopOnce guards the Shutdown path.
	stopOnce sync.Once
}

// Option is a functional option for New. Use these to inject test doubles.
type Option func(*App)

// WithBackend injects a backend client instead of creating one from config.
func WithBackend(b Backend) Option {
	return func(a *App) { a.backend = b }
}

// WithChannel injects the duplex channel instead of dialling the configured
// stream URL.
func WithChannel(ch session.Channel) Option {
	return func(a *App) { a.channel = ch }
}

// WithSource injects a capture source instead of building one from the
// capture config.
func WithSource(src capture.Source) Option {
	return func(a *App) { a.source = src }
}

// WithMetrics injects the metric instruments. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithLogLevel lets hot reload adjust lv when server.log_level changes.
func WithLogLevel(lv *slog.LevelVar) Option {
	return func(a *App) { a.logLevel = lv }
}

// WithConfigPath enables hot reload of the config file at path while Run is
// active.
func WithConfigPath(path string) Option {
	return func(a *App) { a.configPath = path }
}

// WithListener serves the control API on l instead of listening on
// server.listen_addr.
func WithListener(l net.Listener) Option {
	return func(a *App) { a.listener = l }
}

// WithoutHTTP runs only the session controller. Used by the one-shot CLI
// commands.
func WithoutHTTP() Option {
	return func(a *App) { a.serveHTTP = false }
}

// WithSessionOptions forwards opts to [session.New].
func WithSessionOptions(opts ...session.Option) Option {
	return func(a *App) { a.sessionOpts = append(a.sessionOpts, opts...) }
}

// WithMetricsHandler overrides the /metrics handler. Default:
// [observe.MetricsHandler] unless telemetry.disable_metrics is set.
func WithMetricsHandler(h http.Handler) Option {
	return func(a *App) { a.metricsHandler = h }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New creates an App by wiring all subsystems together. Use Option functions
// to inject test doubles for any subsystem. New does not touch the network;
// the channel is dialled when a session starts.
func New(_ context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("app: config is required")
	}
	a := &App{cfg: cfg, serveHTTP: true}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	// ── 1. Backend client ────────────────────────────────────────────────
	if err := a.initBackend(); err != nil {
		return nil, fmt.Errorf("app: init backend: %w", err)
	}

	// ── 2. Transcript store + duplex channel ─────────────────────────────
	a.store = transcript.NewStore()
	if err := a.initChannel(); err != nil {
		return nil, fmt.Errorf("app: init channel: %w", err)
	}

	// ── 3. Capture source ────────────────────────────────────────────────
	if a.source == nil {
		a.source = buildSource(cfg.Capture)
	}

	// ── 4. Session controller ────────────────────────────────────────────
	ctrl, err := session.New(session.Config{
		Backend:       a.backend,
		Channel:       a.channel,
		Source:        a.source,
		Transcript:    a.store,
		Metrics:       a.metrics,
		Settings:      settingsFrom(cfg),
		ChunkInterval: cfg.Capture.ChunkInterval,
		CaptureMode:   cfg.Capture.Mode,
	}, a.sessionOpts...)
	if err != nil {
		return nil, fmt.Errorf("app: %w", err)
	}
	a.ctrl = ctrl

	// ── 5. Health + control API ──────────────────────────────────────────
	a.health = health.New(a.checkers()...)
	apiOpts := []api.Option{
		api.WithToken(cfg.Server.Token),
		api.WithMetrics(a.metrics),
		api.WithHealth(a.health),
		api.WithListingLimit(cfg.Backend.ListingLimit),
	}
	if a.metricsHandler == nil && !cfg.Telemetry.DisableMetrics {
		a.metricsHandler = observe.MetricsHandler()
	}
	if a.metricsHandler != nil {
		apiOpts = append(apiOpts, api.WithMetricsHandler(a.metricsHandler))
	}
	a.api = api.New(a.ctrl, a.store, a.backend, apiOpts...)

	a.closers = append(a.closers, a.channel.Close)

	slog.Debug("app initialised",
		"backend", cfg.Backend.BaseURL,
		"capture_source", cfg.Capture.Source,
		"capture_mode", cfg.Capture.Mode,
	)
	return a, nil
}

// ─── Init helpers ────────────────────────────────────────────────────────────

func (a *App) initBackend() error {
	if a.backend != nil {
		return nil
	}
	bc := a.cfg.Backend
	a.breaker = resilience.New(resilience.Config{
		Name:         "backend",
		MaxFailures:  bc.Breaker.MaxFailures,
		ResetTimeout: bc.Breaker.ResetTimeout,
		IsFailure:    backend.IsFailure,
		OnStateChange: func(name string, from, to resilience.State) {
			slog.Warn("circuit breaker state changed", "name", name, "from", from, "to", to)
		},
	})
	client, err := backend.New(bc.BaseURL,
		backend.WithAPIKey(bc.APIKey),
		backend.WithTimeout(bc.Timeout),
		backend.WithBreaker(a.breaker),
		backend.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}
	a.backend = client
	return nil
}

func (a *App) initChannel() error {
	if a.channel != nil {
		return nil
	}
	bc := a.cfg.Backend
	url := bc.StreamURL
	if url == "" {
		var err error
		if url, err = stream.URLFromBase(bc.BaseURL); err != nil {
			return err
		}
	}
	a.channel = stream.New(url, a.store,
		stream.WithAPIKey(bc.APIKey),
		stream.WithMetrics(a.metrics),
		stream.WithQueueSize(bc.QueueSize),
		stream.WithHeartbeat(bc.Heartbeat),
	)
	return nil
}

// buildSource returns the capture source selected by cfg.
func buildSource(cfg config.CaptureConfig) capture.Source {
	if cfg.Source == config.SourceFile {
		return file.NewSource(cfg.File, file.WithTarget(capture.Format{
			Codec:      capture.CodecL16,
			SampleRate: cfg.SampleRate,
			Channels:   cfg.Channels,
		}))
	}
	opts := []ffmpeg.Option{
		ffmpeg.WithPath(cfg.FFmpegPath),
		ffmpeg.WithSampleRate(cfg.SampleRate),
		ffmpeg.WithChannels(cfg.Channels),
	}
	if cfg.InputFormat != "" {
		opts = append(opts, ffmpeg.WithInputFormat(cfg.InputFormat))
	}
	if cfg.Device != "" {
		opts = append(opts, ffmpeg.WithDevice(cfg.Device))
	}
	if cfg.Display != "" {
		opts = append(opts, ffmpeg.WithDisplay(cfg.Display))
	}
	return ffmpeg.New(opts...)
}

// checkers returns the readiness checks for the configured subsystems.
func (a *App) checkers() []health.Checker {
	checks := []health.Checker{health.Backend(a.backend)}
	if a.breaker != nil {
		checks = append(checks, health.Breaker(a.breaker))
	}
	switch a.cfg.Capture.Source {
	case config.SourceFFmpeg:
		checks = append(checks, health.Command("ffmpeg", a.cfg.Capture.FFmpegPath))
	case config.SourceFile:
		path := a.cfg.Capture.File
		checks = append(checks, health.Checker{Name: "capture_file", Check: func(context.Context) error {
			_, err := file.ReadBlock(path)
			return err
		}})
	}
	return checks
}

func settingsFrom(cfg *config.Config) session.Settings {
	return session.Settings{
		CountdownTicks: cfg.Session.Ticks(),
		TickInterval:   cfg.Session.TickInterval,
		Locale:         cfg.Session.Locale,
		Source:         cfg.Session.Source,
		ListingLimit:   cfg.Backend.ListingLimit,
	}
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Controller returns the session controller.
func (a *App) Controller() *session.Controller { return a.ctrl }

// Transcript returns the transcript store of the current session.
func (a *App) Transcript() *transcript.Store { return a.store }

// Backend returns the backend client.
func (a *App) Backend() Backend { return a.backend }

// Health returns the readiness checks.
func (a *App) Health() *health.Handler { return a.health }

// Handler returns the control API handler.
func (a *App) Handler() http.Handler { return a.api }

// Config returns the active config.
func (a *App) Config() *config.Config {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.cfg
}

// ─── Run ─────────────────────────────────────────────────────────────────────

// Run starts the session controller and the control API and blocks until ctx
// is cancelled or the API server fails. A clean cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	ln := a.listener
	if a.serveHTTP && ln == nil {
		var err error
		if ln, err = net.Listen("tcp", a.cfg.Server.ListenAddr); err != nil {
			return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return a.ctrl.Run(gctx) })

	if a.serveHTTP {
		a.mu.Lock()
		a.httpAddr = ln.Addr().String()
		a.mu.Unlock()

		srv := &http.Server{Handler: a.api, ReadHeaderTimeout: 10 * time.Second}
		g.Go(func() error {
			if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("app: serve: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			sctx, cancel := context.WithTimeout(context.WithoutCancel(gctx), shutdownTimeout)
			defer cancel()
			return srv.Shutdown(sctx)
		})
	}

	if a.configPath != "" {
		w, err := config.NewWatcher(a.configPath, func(r config.Reload) { a.Reload(gctx, r.Next) })
		if err != nil {
			slog.Warn("config hot reload disabled", "path", a.configPath, "err", err)
		} else {
			g.Go(func() error { return w.Watch(gctx) })
		}
	}

	slog.Info("app running", "addr", a.Addr(), "http", a.serveHTTP)
	return g.Wait()
}

// Addr returns the control API address once Run is listening.
func (a *App) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.httpAddr
}

// Reload applies the hot-reloadable parts of next. Settings that require a
// restart are logged and otherwise ignored.
func (a *App) Reload(ctx context.Context, next *config.Config) {
	a.mu.Lock()
	prev := a.cfg
	a.mu.Unlock()

	diff := config.Diff(prev, next)
	if diff.Empty() {
		return
	}
	if diff.LogLevelChanged && a.logLevel != nil {
		a.logLevel.Set(ParseLogLevel(diff.NewLogLevel))
		slog.Info("log level changed", "level", diff.NewLogLevel)
	}
	if diff.SessionChanged || diff.ListingLimitChanged {
		if err := a.ctrl.UpdateSettings(ctx, settingsFrom(next)); err != nil {
			slog.Warn("apply session settings", "err", err)
		}
		a.api.SetListingLimit(next.Backend.ListingLimit)
	}
	if len(diff.RestartRequired) > 0 {
		slog.Warn("config changes require a restart", "settings", diff.RestartRequired)
	}

	// Keep the running values of restart-only settings.
	merged := *prev
	merged.Server.LogLevel = next.Server.LogLevel
	merged.Session = next.Session
	merged.Backend.ListingLimit = next.Backend.ListingLimit
	a.mu.Lock()
	a.cfg = &merged
	a.mu.Unlock()
}

// ParseLogLevel maps a config level onto [slog.Level]. Unknown values map to
// info.
func ParseLogLevel(l config.LogLevel) slog.Level {
	switch l {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ─── Shutdown ────────────────────────────────────────────────────────────────

// Shutdown runs the registered closers in order. It respects the context
// deadline: if ctx expires before all closers finish, remaining closers are
// skipped and the context error is returned. Cancel the context passed to
// Run first so the controller finishes the active session.
func (a *App) Shutdown(ctx context.Context) error {
	var shutdownErr error
	a.stopOnce.Do(func() {
		a.mu.Lock()
		closers := append([]func() error(nil), a.closers...)
		a.mu.Unlock()
		slog.Info("shutting down", "closers", len(closers))

		for i, closer := range closers {
			select {
			case <-ctx.Done():
				slog.Warn("shutdown deadline exceeded", "remaining", len(closers)-i)
				shutdownErr = ctx.Err()
				return
			default:
			}
			if err := closer(); err != nil {
				slog.Warn("closer error", "index", i, "err", err)
			}
		}

		slog.Info("shutdown complete")
	})
	return shutdownErr
}

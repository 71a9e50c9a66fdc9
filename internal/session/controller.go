package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/MrWong99/meetcap/internal/backend"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/internal/stream"
	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/capture/file"
	"github.com/MrWong99/meetcap/pkg/types"
)

// cleanupTimeout bounds backend calls made while finalizing or tearing down,
// which run detached from the loop context so that shutdown still finishes
// the active session.
const cleanupTimeout = 30 * time.Second

// Config holds the collaborators of a [Controller]. Backend, Channel, Source
// and Transcript are required.
type Config struct {
	Backend    Backend
	Channel    Channel
	Source     capture.Source
	Transcript Transcript

	// Metrics defaults to [observe.DefaultMetrics].
	Metrics *observe.Metrics

	Settings Settings

	// ChunkInterval is the capture block cadence.
	ChunkInterval time.Duration

	// CaptureMode is used when a start request omits one.
	CaptureMode types.CaptureMode
}

// Option is a functional option for [New].
type Option func(*Controller)

// WithTicker replaces the countdown ticker factory. Tests use it to drive
// the countdown by hand.
func WithTicker(fn TickerFunc) Option {
	return func(c *Controller) { c.newTicker = fn }
}

// WithBlockReader replaces the function that loads an upload into a single
// block. Defaults to [file.ReadBlock].
func WithBlockReader(fn func(path string) (capture.Block, error)) Option {
	return func(c *Controller) { c.readBlock = fn }
}

// WithClientRef replaces the generator of the client_ref start context
// value. Defaults to a random UUID.
func WithClientRef(fn func() string) Option {
	return func(c *Controller) { c.clientRef = fn }
}

// WithOnChange registers fn to receive every published [Snapshot]. fn runs
// on the event loop and must not block.
func WithOnChange(fn func(Snapshot)) Option {
	return func(c *Controller) { c.onChange = fn }
}

// Controller drives recording and upload sessions. Create with [New], start
// the loop with [Run], then issue requests from any goroutine.
type Controller struct {
	backend    Backend
	channel    Channel
	source     capture.Source
	transcript Transcript
	metrics    *observe.Metrics

	chunkInterval time.Duration
	defaultMode   types.CaptureMode
	newTicker     TickerFunc
	readBlock     func(path string) (capture.Block, error)
	clientRef     func() string
	onChange      func(Snapshot)

	events  chan func()
	done    chan struct{}
	started atomic.Bool
	wg      sync.WaitGroup
	runCtx  context.Context

	// Owned by the event loop.
	settings     Settings
	state        State
	mode         types.Mode
	captureMode  types.CaptureMode
	sessionID    string
	startedAt    time.Time
	seq          int64
	chunks       int64
	dropped      int64
	level        float64
	remaining    int
	ticker       Ticker
	stopPending  bool
	lastErr      error
	sessions     []backend.Session
	stream       capture.Stream
	blocks       <-chan capture.Block
	stopBlocks   context.CancelFunc
	reconnecting chan struct{}

	snapMu sync.RWMutex
	snap   Snapshot
}

// New creates a Controller. It registers a disconnect callback on the
// channel.
func New(cfg Config, opts ...Option) (*Controller, error) {
	var errs []error
	if cfg.Backend == nil {
		errs = append(errs, errors.New("backend is required"))
	}
	if cfg.Channel == nil {
		errs = append(errs, errors.New("channel is required"))
	}
	if cfg.Source == nil {
		errs = append(errs, errors.New("capture source is required"))
	}
	if cfg.Transcript == nil {
		errs = append(errs, errors.New("transcript is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return nil, fmt.Errorf("session: new controller: %w", err)
	}

	c := &Controller{
		backend:       cfg.Backend,
		channel:       cfg.Channel,
		source:        cfg.Source,
		transcript:    cfg.Transcript,
		metrics:       cfg.Metrics,
		settings:      cfg.Settings,
		chunkInterval: cfg.ChunkInterval,
		defaultMode:   cfg.CaptureMode,
		newTicker:     NewTimeTicker,
		readBlock:     file.ReadBlock,
		clientRef:     uuid.NewString,
		events:        make(chan func()),
		done:          make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	if c.chunkInterval <= 0 {
		c.chunkInterval = time.Second
	}
	if c.defaultMode == "" {
		c.defaultMode = types.CaptureDevice
	}
	if c.settings.TickInterval <= 0 {
		c.settings.TickInterval = time.Second
	}
	c.snap = c.buildSnapshot()

	c.channel.OnDisconnect(func(err error) {
		// Called from the channel's read goroutine; hand off to the loop.
		go c.post(func() { c.onChannelLost(err) })
	})
	return c, nil
}

// Run executes the event loop until ctx is cancelled. On return the capture
// is released, the channel closed and an active session finished. Run may
// only be called once.
func (c *Controller) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("session: controller already running")
	}
	ctx, cancel := context.WithCancel(ctx)
	c.runCtx = ctx

	for {
		var tick <-chan time.Time
		if c.ticker != nil {
			tick = c.ticker.C()
		}
		select {
		case <-ctx.Done():
			close(c.done)
			c.teardown(ctx)
			cancel()
			c.wg.Wait()
			return nil
		case fn := <-c.events:
			// Queued funcs publish themselves; see do.
			fn()
			continue
		case <-tick:
			c.onTick()
		case b, ok := <-c.blocks:
			c.onBlock(b, ok)
		}
		c.publish()
	}
}

// Snapshot returns the most recently published state. It never blocks on the
// event loop.
func (c *Controller) Snapshot() Snapshot {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	s := c.snap
	s.Sessions = append([]backend.Session(nil), c.snap.Sessions...)
	return s
}

// Status returns the state as seen by the event loop after every event
// queued before it was handled.
func (c *Controller) Status(ctx context.Context) (Snapshot, error) {
	var s Snapshot
	err := c.do(ctx, func() error {
		s = c.buildSnapshot()
		return nil
	})
	return s, err
}

// Start begins a realtime session: a countdown, then backend start, channel
// open and capture acquisition. An empty mode selects the configured
// default.
func (c *Controller) Start(ctx context.Context, mode types.CaptureMode) error {
	if mode != "" && !mode.IsValid() {
		return fmt.Errorf("%w: capture mode %q; valid values: device, display", ErrInvalidRequest, mode)
	}
	return c.do(ctx, func() error { return c.startCountdown(mode) })
}

// Cancel aborts a countdown. No backend call is made.
func (c *Controller) Cancel(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StateCountdown {
			return fmt.Errorf("%w: cancel while %s", ErrInvalidTransition, c.state)
		}
		c.cancelCountdown()
		return nil
	})
}

// Stop ends the current realtime session. During a countdown it behaves like
// [Controller.Cancel]; while starting, the session is finalized as soon as it
// has started.
func (c *Controller) Stop(ctx context.Context) error {
	return c.do(ctx, func() error {
		switch c.state {
		case StateCountdown:
			c.cancelCountdown()
		case StateStarting:
			c.stopPending = true
		case StateRecording:
			c.beginFinalizing()
		case StateFinalizing:
		default:
			return fmt.Errorf("%w: stop while %s", ErrInvalidTransition, c.state)
		}
		return nil
	})
}

// Upload runs a post-meeting session for the recording at path.
func (c *Controller) Upload(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("%w: upload path is empty", ErrInvalidRequest)
	}
	return c.do(ctx, func() error { return c.beginUpload(path) })
}

// Retry clears a failure and returns to idle.
func (c *Controller) Retry(ctx context.Context) error {
	return c.do(ctx, func() error {
		if c.state != StateError {
			return fmt.Errorf("%w: retry while %s", ErrInvalidTransition, c.state)
		}
		c.lastErr = nil
		c.setState(StateIdle)
		return nil
	})
}

// Reconnect reopens the duplex channel for the recording session and waits
// for the result. Blocks captured while the channel is down are dropped.
func (c *Controller) Reconnect(ctx context.Context) error {
	var wait <-chan error
	err := c.do(ctx, func() error {
		w, err := c.beginReconnect()
		wait = w
		return err
	})
	if err != nil {
		return err
	}
	select {
	case err := <-wait:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// UpdateSettings replaces the settings used by the next session.
func (c *Controller) UpdateSettings(ctx context.Context, s Settings) error {
	return c.do(ctx, func() error {
		if s.TickInterval <= 0 {
			s.TickInterval = c.settings.TickInterval
		}
		c.settings = s
		slog.Info("session settings updated",
			"countdown_ticks", s.CountdownTicks,
			"locale", s.Locale,
			"listing_limit", s.ListingLimit,
		)
		return nil
	})
}

// do runs fn on the event loop and returns its result. The snapshot is
// published before the reply, so Snapshot reflects fn once do returns.
func (c *Controller) do(ctx context.Context, fn func() error) error {
	reply := make(chan error, 1)
	select {
	case c.events <- func() {
		err := fn()
		c.publish()
		reply <- err
	}:
	case <-c.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	// The loop runs fn to completion as soon as it receives it.
	return <-reply
}

// post hands fn to the event loop. It reports false once the loop has
// exited.
func (c *Controller) post(fn func()) bool {
	select {
	case c.events <- func() {
		fn()
		c.publish()
	}:
		return true
	case <-c.done:
		return false
	}
}

// async runs work off the loop. The returned complete func is posted back to
// the loop; if the loop has exited, abandon (if non-nil) runs instead so the
// worker can release what it acquired.
func (c *Controller) async(work func(ctx context.Context) (complete, abandon func())) {
	ctx := c.runCtx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		complete, abandon := work(ctx)
		if !c.post(complete) && abandon != nil {
			abandon()
		}
	}()
}

func (c *Controller) setState(to State) {
	from := c.state
	if from == to {
		return
	}
	c.state = to
	c.metrics.RecordStateTransition(context.Background(), from.String(), to.String())
	slog.Debug("session state changed", "from", from, "to", to, "session_id", c.sessionID)
}

// resetSession clears per-session state when a new session begins. A channel
// still bound to the previous session (an upload keeps it open for late
// transcript updates) is closed before the store is cleared.
func (c *Controller) resetSession(mode types.Mode, capMode types.CaptureMode) {
	if c.channel.State() != stream.StateClosed {
		if err := c.channel.Close(); err != nil {
			slog.Warn("close previous channel", "session_id", c.sessionID, "err", err)
		}
	}
	c.transcript.Reset()
	c.mode = mode
	c.captureMode = capMode
	c.sessionID = ""
	c.startedAt = time.Time{}
	c.seq = 0
	c.chunks = 0
	c.dropped = 0
	c.level = 0
	c.stopPending = false
	c.lastErr = nil
}

func (c *Controller) fail(err error) {
	c.lastErr = err
	c.stopPending = false
	c.setState(StateError)
}

func (c *Controller) buildSnapshot() Snapshot {
	s := Snapshot{
		State:       c.state,
		SessionID:   c.sessionID,
		Mode:        c.mode,
		CaptureMode: c.captureMode,
		NextSeq:     c.seq,
		Chunks:      c.chunks,
		Dropped:     c.dropped,
		Channel:     c.channel.State().String(),
		Level:       c.level,
		Signal:      capture.ClassifySignal(c.level),
		StopPending: c.stopPending,
		StartedAt:   c.startedAt,
		Sessions:    append([]backend.Session(nil), c.sessions...),
	}
	if c.state == StateCountdown {
		s.Countdown = c.remaining
	}
	if c.lastErr != nil {
		s.Error = c.lastErr.Error()
	}
	return s
}

func (c *Controller) publish() {
	s := c.buildSnapshot()
	c.snapMu.Lock()
	c.snap = s
	c.snapMu.Unlock()
	if c.onChange != nil {
		c.onChange(s)
	}
}

// teardown runs on the loop goroutine after ctx is done.
func (c *Controller) teardown(ctx context.Context) {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.haltBlocks()
	recording := c.state == StateRecording
	if c.stream != nil {
		if err := c.stream.Release(); err != nil {
			slog.Warn("release capture on shutdown", "err", err)
		}
		c.stream = nil
	}
	if err := c.channel.Close(); err != nil {
		slog.Warn("close channel on shutdown", "err", err)
	}
	if recording {
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
		defer cancel()
		if err := c.backend.FinishSession(cctx, c.sessionID); err != nil {
			slog.Warn("finish session on shutdown", "session_id", c.sessionID, "err", err)
		}
		c.metrics.ActiveSessions.Add(cctx, -1)
	}
	c.setState(StateIdle)
	c.publish()
}

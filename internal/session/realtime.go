package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MrWong99/meetcap/internal/backend"
	"github.com/MrWong99/meetcap/internal/chunk"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/types"
)

func (c *Controller) startCountdown(mode types.CaptureMode) error {
	if c.state.Active() {
		return ErrSessionActive
	}
	if mode == "" {
		mode = c.defaultMode
	}
	c.resetSession(types.ModeRealtime, mode)

	if c.settings.CountdownTicks <= 0 {
		c.beginStarting()
		return nil
	}
	c.remaining = c.settings.CountdownTicks
	c.ticker = c.newTicker(c.settings.TickInterval)
	c.setState(StateCountdown)
	slog.Info("countdown started", "ticks", c.remaining, "capture_mode", mode)
	return nil
}

// onTick is evaluated per tick so a cancel between ticks always wins.
func (c *Controller) onTick() {
	if c.state != StateCountdown {
		return
	}
	c.remaining--
	if c.remaining > 0 {
		return
	}
	c.ticker.Stop()
	c.ticker = nil
	c.beginStarting()
}

func (c *Controller) cancelCountdown() {
	if c.ticker != nil {
		c.ticker.Stop()
		c.ticker = nil
	}
	c.remaining = 0
	c.mode = ""
	c.captureMode = ""
	c.setState(StateIdle)
	slog.Info("countdown cancelled")
}

func (c *Controller) beginStarting() {
	c.setState(StateStarting)
	mode := c.captureMode
	meta := map[string]string{
		"source":       c.settings.Source,
		"locale":       c.settings.Locale,
		"capture_mode": string(mode),
		"client_ref":   c.clientRef(),
	}

	c.async(func(ctx context.Context) (func(), func()) {
		id, st, err := c.acquire(ctx, mode, meta)
		if err != nil {
			return func() { c.onStartFailed(err) }, nil
		}
		return func() { c.onStarted(id, st) }, func() { c.abortStart(id, st) }
	})
}

// acquire performs the off-loop part of a realtime start. On failure nothing
// stays open: a backend session that was created is finished again.
func (c *Controller) acquire(ctx context.Context, mode types.CaptureMode, meta map[string]string) (string, capture.Stream, error) {
	id, err := c.backend.StartSession(ctx, types.ModeRealtime, meta)
	if err != nil {
		c.metrics.RecordSessionStarted(ctx, string(types.ModeRealtime), "error")
		return "", nil, err
	}
	ctx = observe.WithSessionID(ctx, id)
	if err := c.channel.Open(ctx, id); err != nil {
		c.metrics.RecordSessionStarted(ctx, string(types.ModeRealtime), "error")
		c.abortStart(id, nil)
		return "", nil, err
	}
	st, err := c.source.Acquire(ctx, mode)
	if err != nil {
		c.metrics.RecordSessionStarted(ctx, string(types.ModeRealtime), "error")
		c.abortStart(id, nil)
		return "", nil, fmt.Errorf("session: acquire %s capture: %w", mode, err)
	}
	c.metrics.RecordSessionStarted(ctx, string(types.ModeRealtime), "ok")
	return id, st, nil
}

func (c *Controller) abortStart(id string, st capture.Stream) {
	if st != nil {
		if err := st.Release(); err != nil {
			slog.Warn("release capture", "session_id", id, "err", err)
		}
	}
	if err := c.channel.Close(); err != nil {
		slog.Warn("close channel", "session_id", id, "err", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if err := c.backend.FinishSession(ctx, id); err != nil {
		slog.Warn("finish aborted session", "session_id", id, "err", err)
	}
}

func (c *Controller) onStartFailed(err error) {
	slog.Error("session start failed", "capture_mode", c.captureMode, "err", err)
	c.fail(err)
}

func (c *Controller) onStarted(id string, st capture.Stream) {
	c.sessionID = id
	c.stream = st
	c.startedAt = time.Now()

	bctx, cancel := context.WithCancel(c.runCtx)
	c.stopBlocks = cancel
	c.blocks = st.Blocks(bctx, c.chunkInterval)

	c.metrics.ActiveSessions.Add(bctx, 1)
	c.setState(StateRecording)
	slog.Info("session started",
		"session_id", id,
		"mode", types.ModeRealtime,
		"capture_mode", c.captureMode,
		"codec", st.Format().Codec,
		"sample_rate", st.Format().SampleRate,
	)

	if c.stopPending {
		c.beginFinalizing()
	}
}

func (c *Controller) onBlock(b capture.Block, ok bool) {
	if !ok {
		c.blocks = nil
		if c.state == StateRecording {
			slog.Info("capture ended", "session_id", c.sessionID)
			c.beginFinalizing()
		}
		return
	}
	if c.state != StateRecording {
		return
	}
	if capture.IsPCM16(b.Codec) {
		c.level = capture.Level(b.Data)
	}

	msg, err := chunk.Encode(b, c.seq, c.sessionID, types.ModeRealtime)
	if err != nil {
		lvl := slog.LevelWarn
		if errors.Is(err, chunk.ErrEmptyBlock) {
			lvl = slog.LevelDebug
		}
		slog.Log(c.runCtx, lvl, "chunk skipped", "session_id", c.sessionID, "seq", c.seq, "err", err)
		c.metrics.RecordChunkDropped(c.runCtx, "encode")
		return
	}
	if err := c.channel.Send(msg); err != nil {
		c.dropped++
		return
	}
	c.seq++
	c.chunks++
}

func (c *Controller) haltBlocks() {
	if c.stopBlocks != nil {
		c.stopBlocks()
		c.stopBlocks = nil
	}
	c.blocks = nil
}

func (c *Controller) beginFinalizing() {
	c.setState(StateFinalizing)
	c.stopPending = false
	c.haltBlocks()

	st := c.stream
	c.stream = nil
	id := c.sessionID
	pending := c.reconnecting
	limit := c.settings.ListingLimit

	c.async(func(ctx context.Context) (func(), func()) {
		if pending != nil {
			<-pending
		}
		ctx, cancel := context.WithTimeout(observe.WithSessionID(context.WithoutCancel(ctx), id), cleanupTimeout)
		defer cancel()

		if st != nil {
			if err := st.Release(); err != nil {
				slog.Warn("release capture", "session_id", id, "err", err)
			}
		}
		if err := c.channel.Close(); err != nil {
			slog.Warn("close channel", "session_id", id, "err", err)
		}
		if err := c.backend.FinishSession(ctx, id); err != nil {
			slog.Warn("finish session failed", "session_id", id, "err", err)
		}
		sessions, err := c.backend.ListSessions(ctx, limit)
		if err != nil {
			slog.Warn("refresh session listing failed", "err", err)
		}
		c.metrics.ActiveSessions.Add(ctx, -1)
		return func() { c.onFinalized(sessions, err) }, nil
	})
}

func (c *Controller) onFinalized(sessions []backend.Session, listErr error) {
	if listErr == nil {
		c.sessions = sessions
	}
	slog.Info("session finished",
		"session_id", c.sessionID,
		"chunks", c.chunks,
		"dropped", c.dropped,
		"duration", time.Since(c.startedAt).Round(time.Second),
	)
	c.setState(StateIdle)
}

func (c *Controller) onChannelLost(err error) {
	if c.state != StateRecording {
		return
	}
	slog.Warn("channel lost; chunks are dropped until reconnect", "session_id", c.sessionID, "err", err)
}

func (c *Controller) beginReconnect() (<-chan error, error) {
	if c.state != StateRecording {
		return nil, fmt.Errorf("%w: reconnect while %s", ErrInvalidTransition, c.state)
	}
	if c.reconnecting != nil {
		return nil, fmt.Errorf("%w: reconnect already in progress", ErrInvalidTransition)
	}
	done := make(chan struct{})
	c.reconnecting = done
	result := make(chan error, 1)
	id := c.sessionID

	c.async(func(ctx context.Context) (func(), func()) {
		err := c.channel.Open(ctx, id)
		close(done)
		result <- err
		return func() {
			if c.reconnecting == done {
				c.reconnecting = nil
			}
			if err != nil {
				slog.Warn("reconnect failed", "session_id", id, "err", err)
				return
			}
			slog.Info("channel reconnected", "session_id", id)
		}, func() {
			if err == nil {
				_ = c.channel.Close()
			}
		}
	})
	return result, nil
}

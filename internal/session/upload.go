package session

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/MrWong99/meetcap/internal/backend"
	"github.com/MrWong99/meetcap/internal/chunk"
	"github.com/MrWong99/meetcap/internal/observe"
	"github.com/MrWong99/meetcap/pkg/types"
)

// UploadSource labels post-meeting sessions in the start context.
const UploadSource = "upload_audio"

func (c *Controller) beginUpload(path string) error {
	if c.state.Active() {
		return ErrSessionActive
	}
	c.resetSession(types.ModePostMeeting, "")
	c.startedAt = time.Now()
	c.setState(StateUploading)

	meta := map[string]string{
		"source":     UploadSource,
		"locale":     c.settings.Locale,
		"filename":   filepath.Base(path),
		"client_ref": c.clientRef(),
	}
	limit := c.settings.ListingLimit

	c.async(func(ctx context.Context) (func(), func()) {
		id, sessions, listErr, err := c.upload(ctx, path, meta, limit)
		if err != nil {
			return func() {
				slog.Error("upload failed", "path", path, "session_id", id, "err", err)
				c.fail(err)
			}, nil
		}
		return func() { c.onUploaded(id, sessions, listErr) }, nil
	})
	slog.Info("upload started", "path", path)
	return nil
}

// upload runs off the loop. The channel is opened so that transcript updates
// pushed while the backend processes the recording reach the store. It stays
// open until the next session resets it or the controller shuts down.
func (c *Controller) upload(ctx context.Context, path string, meta map[string]string, limit int) (id string, sessions []backend.Session, listErr, err error) {
	block, err := c.readBlock(path)
	if err != nil {
		return "", nil, nil, fmt.Errorf("session: read upload: %w", err)
	}

	id, err = c.backend.StartSession(ctx, types.ModePostMeeting, meta)
	if err != nil {
		c.metrics.RecordSessionStarted(ctx, string(types.ModePostMeeting), "error")
		return "", nil, nil, err
	}
	c.metrics.RecordSessionStarted(ctx, string(types.ModePostMeeting), "ok")
	ctx = observe.WithSessionID(ctx, id)
	c.post(func() {
		if c.state == StateUploading {
			c.sessionID = id
		}
	})

	if err := c.channel.Open(ctx, id); err != nil {
		slog.Warn("transcript channel unavailable for upload", "session_id", id, "err", err)
	}

	msg, err := chunk.Encode(block, 0, id, types.ModePostMeeting)
	if err != nil {
		_ = c.channel.Close()
		return id, nil, nil, fmt.Errorf("session: encode upload: %w", err)
	}
	if err := c.backend.SubmitChunk(ctx, id, msg.Submission()); err != nil {
		_ = c.channel.Close()
		return id, nil, nil, err
	}
	if err := c.backend.FinishSession(ctx, id); err != nil {
		slog.Warn("finish session failed", "session_id", id, "err", err)
	}
	sessions, listErr = c.backend.ListSessions(ctx, limit)
	if listErr != nil {
		slog.Warn("refresh session listing failed", "err", listErr)
	}
	return id, sessions, listErr, nil
}

func (c *Controller) onUploaded(id string, sessions []backend.Session, listErr error) {
	c.sessionID = id
	c.seq = 1
	c.chunks = 1
	if listErr == nil {
		c.sessions = sessions
	}
	slog.Info("upload finished", "session_id", id, "duration", time.Since(c.startedAt).Round(time.Millisecond))
	c.setState(StateIdle)
}

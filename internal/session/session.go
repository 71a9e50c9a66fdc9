// Package session implements the recording session controller.
//
// A [Controller] owns the lifecycle of at most one backend session at a time.
// Realtime sessions count down, start a backend session, open the duplex
// channel, acquire the capture device and stream one chunk per capture block
// until stopped. Post-meeting sessions submit a single pre-recorded chunk over
// REST and finalize immediately.
//
// All state is owned by a single event loop started with [Controller.Run].
// Requests, countdown ticks, capture blocks and the completions of off-loop
// network calls are events handled to completion on that goroutine, so a
// second start can never race a start that is still in progress.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/meetcap/internal/backend"
	"github.com/MrWong99/meetcap/internal/chunk"
	"github.com/MrWong99/meetcap/internal/stream"
	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/types"
)

var (
	// ErrSessionActive is returned when a start or upload is requested while
	// another session is counting down, starting, recording, uploading or
	// finalizing.
	ErrSessionActive = errors.New("session: a session is already active")

	// ErrInvalidTransition is returned when a request does not apply to the
	// current state (e.g. cancel outside a countdown).
	ErrInvalidTransition = errors.New("session: invalid transition")

	// ErrInvalidRequest is returned for malformed request arguments.
	ErrInvalidRequest = errors.New("session: invalid request")

	// ErrNotRunning is returned by requests made after [Controller.Run]
	// returned.
	ErrNotRunning = errors.New("session: controller not running")
)

// State is the controller state.
type State int

const (
	StateIdle State = iota
	StateCountdown
	StateStarting
	StateRecording
	StateUploading
	StateFinalizing
	StateError
)

// String implements [fmt.Stringer].
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateCountdown:
		return "countdown"
	case StateStarting:
		return "starting"
	case StateRecording:
		return "recording"
	case StateUploading:
		return "uploading"
	case StateFinalizing:
		return "finalizing"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements [encoding.TextMarshaler].
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Active reports whether s blocks a new start.
func (s State) Active() bool {
	switch s {
	case StateCountdown, StateStarting, StateRecording, StateUploading, StateFinalizing:
		return true
	}
	return false
}

// Backend is the part of the backend client the controller uses.
type Backend interface {
	StartSession(ctx context.Context, mode types.Mode, meta map[string]string) (string, error)
	SubmitChunk(ctx context.Context, sessionID string, sub chunk.Submission) error
	FinishSession(ctx context.Context, sessionID string) error
	ListSessions(ctx context.Context, limit int) ([]backend.Session, error)
}

// Channel is the duplex channel the controller streams realtime chunks over.
// [*stream.Channel] satisfies it.
type Channel interface {
	Open(ctx context.Context, sessionID string) error
	Send(msg chunk.Message) error
	Close() error
	State() stream.State
	OnDisconnect(fn func(error))
}

// Transcript is the store cleared when a new session begins.
type Transcript interface {
	Reset()
}

// Settings are the controller parameters that may change between sessions.
// They are read when a session starts.
type Settings struct {
	// CountdownTicks before a realtime start. Zero starts immediately.
	CountdownTicks int

	// TickInterval is the countdown period.
	TickInterval time.Duration

	// Locale is sent in the start context.
	Locale string

	// Source labels realtime sessions in the start context.
	Source string

	// ListingLimit is the number of sessions fetched after a session ends.
	ListingLimit int
}

// Snapshot is a point-in-time copy of the controller state.
type Snapshot struct {
	State       State             `json:"state"`
	SessionID   string            `json:"session_id,omitempty"`
	Mode        types.Mode        `json:"mode,omitempty"`
	CaptureMode types.CaptureMode `json:"capture_mode,omitempty"`

	// Countdown is the number of ticks left while counting down.
	Countdown int `json:"countdown_remaining"`

	// NextSeq is the sequence number the next accepted chunk will carry.
	NextSeq int64 `json:"next_seq"`

	// Chunks counts chunks accepted for the current session; Dropped counts
	// blocks the channel refused.
	Chunks  int64 `json:"chunks"`
	Dropped int64 `json:"dropped"`

	// Channel is the duplex channel state.
	Channel string `json:"channel"`

	// Level and Signal describe the last PCM block.
	Level  float64        `json:"level"`
	Signal capture.Signal `json:"signal"`

	// StopPending is set when stop was requested while starting.
	StopPending bool `json:"stop_pending,omitempty"`

	// Error is the failure that moved the controller to [StateError].
	Error string `json:"error,omitempty"`

	StartedAt time.Time `json:"started_at,omitzero"`

	// Sessions is the most recent result listing.
	Sessions []backend.Session `json:"sessions"`
}

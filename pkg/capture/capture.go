// Package capture defines the interfaces and types for audio capture sources
// used by meetcap.
//
// The two primary abstractions are:
//
//   - [Source] acquires a capture stream for a given [types.CaptureMode].
//   - [Stream] is an acquired capture that yields [Block] values at a fixed
//     cadence until it is released.
//
// Implementations live in sub-packages (capture/ffmpeg for live devices,
// capture/file for pre-recorded input). This package lives under pkg/ because
// external code is expected to provide its own sources (e.g. a platform
// specific system-audio tap).
package capture

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/meetcap/pkg/types"
)

// ErrReleased is returned by stream operations after [Stream.Release].
var ErrReleased = errors.New("capture: stream released")

// Format describes the encoding of the blocks a stream produces.
type Format struct {
	// Codec is a MIME-style codec descriptor (e.g. "audio/L16", "audio/webm").
	// It is copied verbatim into chunk messages.
	Codec string

	// SampleRate in Hz.
	SampleRate int

	// Channels is the channel count (1 = mono).
	Channels int
}

// Block is one unit of captured media. Blocks are opaque to the streaming
// core; only their metadata is inspected.
type Block struct {
	// Data is the raw media payload.
	Data []byte

	// Codec, SampleRate and Channels describe Data. See [Format].
	Codec      string
	SampleRate int
	Channels   int

	// CapturedAt is the wall-clock time the block was captured.
	CapturedAt time.Time
}

// Stream is an acquired capture. Implementations must be safe for concurrent
// use.
type Stream interface {
	// Blocks starts yielding blocks roughly every interval and returns the
	// channel they are delivered on. The channel is closed when ctx is
	// cancelled, the underlying media ends, or the stream is released.
	// Blocks may be called again after a previous channel closed to resume
	// delivery from the same acquired stream.
	Blocks(ctx context.Context, interval time.Duration) <-chan Block

	// Format reports the encoding of the produced blocks.
	Format() Format

	// Release stops the capture and frees the device. Calling Release more
	// than once is safe and returns nil.
	Release() error
}

// Source acquires capture streams.
type Source interface {
	// Acquire opens the capture for mode. Returns an error when the device
	// is unavailable or permission is denied.
	Acquire(ctx context.Context, mode types.CaptureMode) (Stream, error)
}

// Package mock provides test doubles for the capture package interfaces.
//
// Use Source to control what Acquire returns and which capture modes were
// requested. Use Stream to feed blocks from the test and observe whether the
// consumer released the capture.
//
// Example:
//
//	st := mock.NewStream(capture.Format{Codec: capture.CodecL16, SampleRate: 16000, Channels: 1})
//	src := &mock.Source{Stream: st}
//	st.Push(capture.Block{Data: []byte{1, 2}})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/types"
)

// Source is a mock implementation of capture.Source.
type Source struct {
	mu sync.Mutex

	// Stream is returned by Acquire. If nil, Acquire returns a fresh Stream
	// with an L16 mono 16 kHz format.
	Stream capture.Stream

	// AcquireErr, if non-nil, is returned as the error from Acquire.
	AcquireErr error

	// AcquireCalls records the capture mode of every Acquire call.
	AcquireCalls []types.CaptureMode
}

// Acquire records the call and returns Stream, AcquireErr.
func (s *Source) Acquire(_ context.Context, mode types.CaptureMode) (capture.Stream, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.AcquireCalls = append(s.AcquireCalls, mode)
	if s.AcquireErr != nil {
		return nil, s.AcquireErr
	}
	if s.Stream != nil {
		return s.Stream, nil
	}
	return NewStream(capture.Format{Codec: capture.CodecL16, SampleRate: 16000, Channels: 1}), nil
}

// Calls returns a copy of AcquireCalls. Thread-safe.
func (s *Source) Calls() []types.CaptureMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.CaptureMode(nil), s.AcquireCalls...)
}

var _ capture.Source = (*Source)(nil)

// Stream is a mock implementation of capture.Stream. Blocks pushed with
// [Stream.Push] are delivered to whichever Blocks channel is currently being
// consumed.
type Stream struct {
	format capture.Format
	feed   chan capture.Block
	done   chan struct{}

	mu           sync.Mutex
	released     bool
	releaseCount int
	intervals    []time.Duration

	// ReleaseErr, if non-nil, is returned by the first Release call.
	ReleaseErr error
}

// NewStream creates a Stream with the given format and a buffered feed.
func NewStream(format capture.Format) *Stream {
	return &Stream{
		format: format,
		feed:   make(chan capture.Block, 64),
		done:   make(chan struct{}),
	}
}

// Push queues b for delivery. Zero metadata fields are filled from the
// stream's format. Push never blocks the test for more than the feed buffer.
func (s *Stream) Push(b capture.Block) {
	if b.Codec == "" {
		b.Codec = s.format.Codec
	}
	if b.SampleRate == 0 {
		b.SampleRate = s.format.SampleRate
	}
	if b.Channels == 0 {
		b.Channels = s.format.Channels
	}
	if b.CapturedAt.IsZero() {
		b.CapturedAt = time.Now()
	}
	s.feed <- b
}

// Blocks implements capture.Stream.
func (s *Stream) Blocks(ctx context.Context, interval time.Duration) <-chan capture.Block {
	s.mu.Lock()
	s.intervals = append(s.intervals, interval)
	s.mu.Unlock()

	out := make(chan capture.Block)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case b := <-s.feed:
				select {
				case out <- b:
				case <-ctx.Done():
					return
				case <-s.done:
					return
				}
			}
		}
	}()
	return out
}

// Format implements capture.Stream.
func (s *Stream) Format() capture.Format { return s.format }

// Release implements capture.Stream.
func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releaseCount++
	if s.released {
		return nil
	}
	s.released = true
	close(s.done)
	return s.ReleaseErr
}

// Released reports whether Release has been called. Thread-safe.
func (s *Stream) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// ReleaseCount returns the number of Release calls. Thread-safe.
func (s *Stream) ReleaseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseCount
}

// Intervals returns the interval passed to every Blocks call. Thread-safe.
func (s *Stream) Intervals() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.intervals...)
}

var _ capture.Stream = (*Stream)(nil)

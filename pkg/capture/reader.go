package capture

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"time"
)

// bytesPerSample is fixed at 2 for the 16-bit PCM produced by ReaderStream.
const bytesPerSample = 2

// ReaderStream is a [Stream] that slices 16-bit PCM read from an io.Reader
// into blocks of interval duration. It backs both the ffmpeg device source
// (reading the subprocess's stdout) and the file replay source.
type ReaderStream struct {
	r       io.Reader
	format  Format
	paced   bool
	release func() error
	now     func() time.Time

	// readMu serialises readers so restarted Blocks calls resume where the
	// previous one stopped without interleaving.
	readMu sync.Mutex

	mu       sync.Mutex
	released bool
	done     chan struct{}
	once     sync.Once
}

// ReaderOption configures a [ReaderStream].
type ReaderOption func(*ReaderStream)

// WithPacing makes the stream wait one interval between blocks. Use it for
// readers that are not naturally rate-limited (files); live capture pipes
// already deliver at real-time speed.
func WithPacing() ReaderOption {
	return func(s *ReaderStream) { s.paced = true }
}

// WithRelease sets the function invoked once by [ReaderStream.Release]
// (closing the file, killing the subprocess).
func WithRelease(fn func() error) ReaderOption {
	return func(s *ReaderStream) { s.release = fn }
}

// WithClock overrides the wall clock used for [Block.CapturedAt].
func WithClock(now func() time.Time) ReaderOption {
	return func(s *ReaderStream) {
		if now != nil {
			s.now = now
		}
	}
}

// NewReaderStream creates a stream over r, which must deliver 16-bit PCM in
// the given format.
func NewReaderStream(r io.Reader, format Format, opts ...ReaderOption) *ReaderStream {
	s := &ReaderStream{
		r:      r,
		format: format,
		now:    time.Now,
		done:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Format implements [Stream].
func (s *ReaderStream) Format() Format { return s.format }

// BlockSize returns the number of bytes in one block of interval duration.
// It is never smaller than one sample frame.
func (s *ReaderStream) BlockSize(interval time.Duration) int {
	frame := bytesPerSample * max(s.format.Channels, 1)
	frames := int(int64(s.format.SampleRate) * int64(interval) / int64(time.Second))
	return max(frames, 1) * frame
}

// Blocks implements [Stream].
func (s *ReaderStream) Blocks(ctx context.Context, interval time.Duration) <-chan Block {
	out := make(chan Block, 4)

	s.mu.Lock()
	released := s.released
	s.mu.Unlock()
	if released || interval <= 0 {
		close(out)
		return out
	}

	go s.readLoop(ctx, interval, out)
	return out
}

func (s *ReaderStream) readLoop(ctx context.Context, interval time.Duration, out chan<- Block) {
	defer close(out)

	s.readMu.Lock()
	defer s.readMu.Unlock()

	var tick <-chan time.Time
	if s.paced {
		t := time.NewTicker(interval)
		defer t.Stop()
		tick = t.C
	}

	size := s.BlockSize(interval)
	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return
			case <-s.done:
				return
			case <-tick:
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-s.done:
			return
		default:
		}

		buf := make([]byte, size)
		n, err := io.ReadFull(s.r, buf)
		if n > 0 {
			b := Block{
				Data:       buf[:n],
				Codec:      s.format.Codec,
				SampleRate: s.format.SampleRate,
				Channels:   s.format.Channels,
				CapturedAt: s.now(),
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			case <-s.done:
				return
			}
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) && !s.isReleased() {
				slog.Warn("capture: read failed", "err", err)
			}
			return
		}
	}
}

func (s *ReaderStream) isReleased() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// Release implements [Stream].
func (s *ReaderStream) Release() error {
	var err error
	s.once.Do(func() {
		s.mu.Lock()
		s.released = true
		s.mu.Unlock()
		close(s.done)
		if s.release != nil {
			err = s.release()
		}
	})
	return err
}

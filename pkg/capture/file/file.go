// Package file provides capture input from pre-recorded audio files.
//
// [ReadBlock] loads a whole file as a single block for post-meeting upload.
// [Source] replays a 16-bit PCM WAV file at real-time cadence so a recording
// can drive a realtime session (useful for demos and soak tests).
package file

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/types"
)

// ErrEmptyFile is returned by [ReadBlock] for a zero-length file.
var ErrEmptyFile = errors.New("file: empty audio file")

// Upload defaults when the container does not carry a sample rate, matching
// what browsers report for MediaRecorder output.
const (
	defaultSampleRate = 48000
	defaultChannels   = 1
)

var codecsByExt = map[string]string{
	".wav":  capture.CodecWAV,
	".wave": capture.CodecWAV,
	".webm": "audio/webm",
	".ogg":  "audio/ogg",
	".oga":  "audio/ogg",
	".opus": "audio/ogg",
	".mp3":  "audio/mpeg",
	".m4a":  "audio/mp4",
	".mp4":  "audio/mp4",
	".aac":  "audio/aac",
	".flac": "audio/flac",
}

// CodecFor returns the codec descriptor for a file name based on its
// extension. Unknown extensions yield "application/octet-stream".
func CodecFor(name string) string {
	if c, ok := codecsByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return c
	}
	return "application/octet-stream"
}

// ReadBlock loads the file at path as one block. The payload is the file's
// exact bytes (container included). Sample rate and channels come from the
// WAV header when present.
func ReadBlock(path string) (capture.Block, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return capture.Block{}, fmt.Errorf("file: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return capture.Block{}, fmt.Errorf("file: %s: %w", path, ErrEmptyFile)
	}

	b := capture.Block{
		Data:       data,
		Codec:      CodecFor(path),
		SampleRate: defaultSampleRate,
		Channels:   defaultChannels,
		CapturedAt: time.Now(),
	}
	if info, err := ParseWAV(bytes.NewReader(data)); err == nil {
		b.Codec = capture.CodecWAV
		if info.SampleRate > 0 {
			b.SampleRate = info.SampleRate
		}
		if info.Channels > 0 {
			b.Channels = info.Channels
		}
	}
	return b, nil
}

// Source replays a WAV file as a live capture. Both capture modes read the
// same file.
type Source struct {
	path   string
	target capture.Format
}

// Option configures a [Source].
type Option func(*Source)

// WithTarget converts replayed audio to the given sample rate and channel
// count. Without it blocks carry the file's native format.
func WithTarget(f capture.Format) Option {
	return func(s *Source) { s.target = f }
}

// NewSource creates a Source for the WAV file at path.
func NewSource(path string, opts ...Option) *Source {
	s := &Source{path: path}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Path returns the replayed file.
func (s *Source) Path() string { return s.path }

// Acquire opens the file and positions it at the first sample.
func (s *Source) Acquire(_ context.Context, mode types.CaptureMode) (capture.Stream, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("file: open %s: %w", s.path, err)
	}
	info, err := ParseWAV(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("file: %s: %w", s.path, err)
	}
	if !info.IsPCM16() {
		f.Close()
		return nil, fmt.Errorf("file: %s: unsupported WAV encoding (format %d, %d-bit); only 16-bit PCM can be replayed",
			s.path, info.AudioFormat, info.BitsPerSample)
	}
	if _, err := f.Seek(info.DataOffset, io.SeekStart); err != nil {
		f.Close()
		return nil, fmt.Errorf("file: seek %s: %w", s.path, err)
	}

	slog.Info("file: replay started",
		"path", s.path,
		"mode", mode,
		"sample_rate", info.SampleRate,
		"channels", info.Channels,
	)

	native := capture.Format{Codec: capture.CodecL16, SampleRate: info.SampleRate, Channels: info.Channels}
	rs := capture.NewReaderStream(io.LimitReader(f, info.DataSize), native,
		capture.WithPacing(),
		capture.WithRelease(f.Close),
	)
	if s.target.SampleRate <= 0 || s.target.Channels <= 0 {
		return rs, nil
	}
	return &convertingStream{ReaderStream: rs, target: s.target}, nil
}

var _ capture.Source = (*Source)(nil)

// convertingStream converts every block of the embedded stream to target.
type convertingStream struct {
	*capture.ReaderStream
	target capture.Format
}

func (c *convertingStream) Format() capture.Format {
	return capture.Format{Codec: capture.CodecL16, SampleRate: c.target.SampleRate, Channels: c.target.Channels}
}

func (c *convertingStream) Blocks(ctx context.Context, interval time.Duration) <-chan capture.Block {
	in := c.ReaderStream.Blocks(ctx, interval)
	out := make(chan capture.Block, cap(in))
	conv := &capture.Converter{Target: c.Format()}
	go func() {
		defer close(out)
		for b := range in {
			b = conv.Convert(b)
			if len(b.Data) == 0 {
				continue
			}
			select {
			case out <- b:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

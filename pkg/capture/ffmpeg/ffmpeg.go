// Package ffmpeg implements capture.Source by running an ffmpeg subprocess
// that reads an audio input device and writes 16-bit little-endian PCM to its
// stdout.
//
// Device capture uses the configured input (a microphone). Display capture
// uses a second, separately configured input, normally a loopback driver that
// carries system audio (BlackHole on macOS, a PulseAudio/PipeWire monitor on
// Linux, VB-CABLE on Windows).
package ffmpeg

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"runtime"
	"sync"

	"github.com/MrWong99/meetcap/pkg/capture"
	"github.com/MrWong99/meetcap/pkg/types"
)

const (
	defaultPath       = "ffmpeg"
	defaultSampleRate = 16000
	defaultChannels   = 1

	// stderrLimit bounds how much ffmpeg diagnostic output is retained.
	stderrLimit = 4096
)

// Source acquires live captures through ffmpeg. Create one with [New].
type Source struct {
	path        string
	inputFormat string
	device      string
	display     string
	sampleRate  int
	channels    int
}

// Option configures a [Source].
type Option func(*Source)

// WithPath sets the ffmpeg executable. Default: "ffmpeg" resolved on PATH.
func WithPath(path string) Option {
	return func(s *Source) { s.path = path }
}

// WithInputFormat sets the ffmpeg input format (-f), e.g. "pulse",
// "avfoundation", "dshow". Defaults to the platform's native audio API.
func WithInputFormat(f string) Option {
	return func(s *Source) { s.inputFormat = f }
}

// WithDevice sets the input used for [types.CaptureDevice].
func WithDevice(name string) Option {
	return func(s *Source) { s.device = name }
}

// WithDisplay sets the input used for [types.CaptureDisplay].
func WithDisplay(name string) Option {
	return func(s *Source) { s.display = name }
}

// WithSampleRate sets the output sample rate in Hz. Default: 16000.
func WithSampleRate(hz int) Option {
	return func(s *Source) { s.sampleRate = hz }
}

// WithChannels sets the output channel count. Default: 1.
func WithChannels(n int) Option {
	return func(s *Source) { s.channels = n }
}

// New creates a Source. Unset inputs fall back to the platform defaults.
func New(opts ...Option) *Source {
	format, device, display := platformDefaults(runtime.GOOS)
	s := &Source{
		path:        defaultPath,
		inputFormat: format,
		device:      device,
		display:     display,
		sampleRate:  defaultSampleRate,
		channels:    defaultChannels,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// platformDefaults returns the input format, device input and display input
// for goos.
func platformDefaults(goos string) (format, device, display string) {
	switch goos {
	case "darwin":
		return "avfoundation", ":default", ":BlackHole 2ch"
	case "windows":
		return "dshow", "audio=default", "audio=CABLE Output (VB-Audio Virtual Cable)"
	default:
		return "pulse", "default", "default.monitor"
	}
}

// CheckAvailable returns an error when the ffmpeg executable cannot be found.
func (s *Source) CheckAvailable() error {
	if _, err := exec.LookPath(s.path); err != nil {
		return fmt.Errorf("ffmpeg: %q not found; install ffmpeg or set capture.ffmpeg_path: %w", s.path, err)
	}
	return nil
}

// Input returns the ffmpeg input name used for mode.
func (s *Source) Input(mode types.CaptureMode) string {
	if mode == types.CaptureDisplay {
		return s.display
	}
	return s.device
}

// Args returns the ffmpeg arguments used to capture mode.
func (s *Source) Args(mode types.CaptureMode) []string {
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-nostdin",
		"-f", s.inputFormat,
		"-i", s.Input(mode),
		"-ac", fmt.Sprint(s.channels),
		"-ar", fmt.Sprint(s.sampleRate),
		"-acodec", "pcm_s16le",
		"-f", "s16le",
		"pipe:1",
	}
}

// Acquire starts ffmpeg for mode and returns a stream over its stdout. The
// subprocess runs until the stream is released; ctx only bounds the start.
func (s *Source) Acquire(ctx context.Context, mode types.CaptureMode) (capture.Stream, error) {
	if !mode.IsValid() {
		return nil, fmt.Errorf("ffmpeg: unknown capture mode %q", mode)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("ffmpeg: acquire: %w", err)
	}

	cmd := exec.Command(s.path, s.Args(mode)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("ffmpeg: stdout pipe: %w", err)
	}
	stderr := &limitedBuffer{limit: stderrLimit}
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("ffmpeg: start %s: %w", s.path, err)
	}
	slog.Info("ffmpeg: capture started",
		"mode", mode,
		"input", s.Input(mode),
		"format", s.inputFormat,
		"pid", cmd.Process.Pid,
	)

	format := capture.Format{Codec: capture.CodecL16, SampleRate: s.sampleRate, Channels: s.channels}
	proc := &process{cmd: cmd, stdout: stdout, stderr: stderr}
	return capture.NewReaderStream(stdout, format, capture.WithRelease(proc.stop)), nil
}

var _ capture.Source = (*Source)(nil)

// process owns a running ffmpeg command.
type process struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *limitedBuffer
}

// stop kills ffmpeg and reaps it. An exit caused by the kill is not an error.
func (p *process) stop() error {
	if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		slog.Debug("ffmpeg: kill failed", "err", err)
	}
	err := p.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return fmt.Errorf("ffmpeg: wait: %w", err)
	}
	if out := p.stderr.String(); out != "" {
		slog.Debug("ffmpeg: stderr", "output", out)
	}
	return nil
}

// limitedBuffer keeps the first limit bytes written to it.
type limitedBuffer struct {
	mu    sync.Mutex
	buf   bytes.Buffer
	limit int
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room := b.limit - b.buf.Len(); room > 0 {
		b.buf.Write(p[:min(len(p), room)])
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// Package config provides the configuration schema and loader for the meetcap
// agent.
package config

import (
	"time"

	"github.com/MrWong99/meetcap/pkg/types"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// SourceKind selects the capture source implementation.
type SourceKind string

const (
	// SourceFFmpeg captures live audio through an ffmpeg subprocess.
	SourceFFmpeg SourceKind = "ffmpeg"

	// SourceFile replays a WAV file at real-time cadence.
	SourceFile SourceKind = "file"
)

// IsValid reports whether s is a recognised source kind.
func (s SourceKind) IsValid() bool {
	return s == SourceFFmpeg || s == SourceFile
}

// Defaults.
const (
	DefaultListenAddr     = "127.0.0.1:8765"
	DefaultBackendURL     = "http://127.0.0.1:8010/v1"
	DefaultBackendTimeout = 30 * time.Second
	DefaultListingLimit   = 50
	DefaultQueueSize      = 64
	DefaultMaxFailures    = 5
	DefaultResetTimeout   = 30 * time.Second
	DefaultFFmpegPath     = "ffmpeg"
	DefaultSampleRate     = 16000
	DefaultChannels       = 1
	DefaultChunkInterval  = time.Second
	DefaultCountdownTicks = 9
	DefaultTickInterval   = time.Second
	DefaultLocale         = "en"
	DefaultSessionSource  = "local_agent"
	DefaultServiceName    = "meetcap"
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Backend   BackendConfig   `yaml:"backend"`
	Capture   CaptureConfig   `yaml:"capture"`
	Session   SessionConfig   `yaml:"session"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds the local control API settings.
type ServerConfig struct {
	// ListenAddr is the TCP address the control API listens on.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity. Hot-reloadable.
	LogLevel LogLevel `yaml:"log_level"`

	// Token, when set, is required as a bearer token on every /v1 request.
	Token string `yaml:"token"`
}

// BackendConfig describes the processing backend.
type BackendConfig struct {
	// BaseURL is the REST base URL including the version prefix.
	BaseURL string `yaml:"base_url"`

	// StreamURL overrides the duplex channel URL. Derived from BaseURL when
	// empty.
	StreamURL string `yaml:"stream_url"`

	// APIKey is sent as X-API-Key on REST and channel requests.
	APIKey string `yaml:"api_key"`

	// Timeout bounds each REST call.
	Timeout time.Duration `yaml:"timeout"`

	// ListingLimit is the number of sessions fetched for the result listing.
	// Hot-reloadable.
	ListingLimit int `yaml:"listing_limit"`

	// QueueSize is the channel's per-link send buffer, in chunks.
	QueueSize int `yaml:"queue_size"`

	// Heartbeat is the channel ping interval. Zero disables it.
	Heartbeat time.Duration `yaml:"heartbeat"`

	Breaker BreakerConfig `yaml:"breaker"`
}

// BreakerConfig tunes the backend circuit breaker.
type BreakerConfig struct {
	MaxFailures  int           `yaml:"max_failures"`
	ResetTimeout time.Duration `yaml:"reset_timeout"`
}

// CaptureConfig selects and tunes the capture source.
type CaptureConfig struct {
	// Source is the capture implementation: "ffmpeg" or "file".
	Source SourceKind `yaml:"source"`

	// Mode is the default capture mode when a start request omits one.
	Mode types.CaptureMode `yaml:"mode"`

	// FFmpegPath is the ffmpeg binary.
	FFmpegPath string `yaml:"ffmpeg_path"`

	// InputFormat, Device and Display override the platform defaults passed
	// to ffmpeg's -f and -i flags.
	InputFormat string `yaml:"input_format"`
	Device      string `yaml:"device"`
	Display     string `yaml:"display"`

	// File is the WAV file replayed when Source is "file".
	File string `yaml:"file"`

	SampleRate int `yaml:"sample_rate"`
	Channels   int `yaml:"channels"`

	// ChunkInterval is the duration of audio carried by each chunk.
	ChunkInterval time.Duration `yaml:"chunk_interval"`
}

// SessionConfig tunes the session controller.
type SessionConfig struct {
	// CountdownTicks is the number of countdown ticks before recording
	// starts. Zero starts immediately.
	CountdownTicks *int `yaml:"countdown_ticks"`

	// TickInterval is the countdown tick period.
	TickInterval time.Duration `yaml:"tick_interval"`

	// Locale is sent in the start context. Hot-reloadable.
	Locale string `yaml:"locale"`

	// Source labels realtime sessions in the start context.
	Source string `yaml:"source"`
}

// Ticks returns the effective countdown tick count.
func (s SessionConfig) Ticks() int {
	if s.CountdownTicks == nil {
		return DefaultCountdownTicks
	}
	return *s.CountdownTicks
}

// TelemetryConfig controls observability.
type TelemetryConfig struct {
	// ServiceName is the OTel service name.
	ServiceName string `yaml:"service_name"`

	// DisableMetrics turns off the /metrics endpoint.
	DisableMetrics bool `yaml:"disable_metrics"`
}

// ApplyDefaults fills zero-valued fields with their defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = DefaultListenAddr
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = LogInfo
	}

	if c.Backend.BaseURL == "" {
		c.Backend.BaseURL = DefaultBackendURL
	}
	if c.Backend.Timeout == 0 {
		c.Backend.Timeout = DefaultBackendTimeout
	}
	if c.Backend.ListingLimit == 0 {
		c.Backend.ListingLimit = DefaultListingLimit
	}
	if c.Backend.QueueSize == 0 {
		c.Backend.QueueSize = DefaultQueueSize
	}
	if c.Backend.Breaker.MaxFailures == 0 {
		c.Backend.Breaker.MaxFailures = DefaultMaxFailures
	}
	if c.Backend.Breaker.ResetTimeout == 0 {
		c.Backend.Breaker.ResetTimeout = DefaultResetTimeout
	}

	if c.Capture.Source == "" {
		c.Capture.Source = SourceFFmpeg
	}
	if c.Capture.Mode == "" {
		c.Capture.Mode = types.CaptureDevice
	}
	if c.Capture.FFmpegPath == "" {
		c.Capture.FFmpegPath = DefaultFFmpegPath
	}
	if c.Capture.SampleRate == 0 {
		c.Capture.SampleRate = DefaultSampleRate
	}
	if c.Capture.Channels == 0 {
		c.Capture.Channels = DefaultChannels
	}
	if c.Capture.ChunkInterval == 0 {
		c.Capture.ChunkInterval = DefaultChunkInterval
	}

	if c.Session.TickInterval == 0 {
		c.Session.TickInterval = DefaultTickInterval
	}
	if c.Session.Locale == "" {
		c.Session.Locale = DefaultLocale
	}
	if c.Session.Source == "" {
		c.Session.Source = DefaultSessionSource
	}

	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// Default returns a Config with every default applied.
func Default() *Config {
	c := &Config{}
	c.ApplyDefaults()
	return c
}

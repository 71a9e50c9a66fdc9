package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment variables that override file settings.
const (
	EnvAPIKey     = "MEETCAP_API_KEY"
	EnvBackendURL = "MEETCAP_BACKEND_URL"
	EnvListenAddr = "MEETCAP_LISTEN_ADDR"
	EnvLogLevel   = "MEETCAP_LOG_LEVEL"
	EnvToken      = "MEETCAP_TOKEN"
)

// LookupFunc resolves an environment variable. [os.LookupEnv] satisfies it.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing
// files are skipped. With no arguments ".env" is tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if _, err := os.Stat(f); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(f); err != nil {
			return fmt.Errorf("config: load %q: %w", f, err)
		}
		slog.Debug("config: loaded env file", "path", f)
	}
	return nil
}

// Load reads the YAML configuration file at path, applies environment
// overrides and defaults, and validates the result. An empty path yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(&Config{}, os.LookupEnv)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	cfg, err := decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return finish(cfg, os.LookupEnv)
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. The environment is not consulted. Useful in tests where configs
// are constructed from string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg, err := decode(r)
	if err != nil {
		return nil, err
	}
	return finish(cfg, nil)
}

func decode(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config, lookup LookupFunc) (*Config, error) {
	if lookup != nil {
		ApplyEnv(cfg, lookup)
	}
	cfg.ApplyDefaults()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides cfg fields from the environment. Empty values are
// ignored.
func ApplyEnv(cfg *Config, lookup LookupFunc) {
	set := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	set(EnvAPIKey, &cfg.Backend.APIKey)
	set(EnvBackendURL, &cfg.Backend.BaseURL)
	set(EnvListenAddr, &cfg.Server.ListenAddr)
	set(EnvToken, &cfg.Server.Token)
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		cfg.Server.LogLevel = LogLevel(v)
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Backend
	if cfg.Backend.BaseURL != "" {
		if err := validateURL(cfg.Backend.BaseURL, "http", "https"); err != nil {
			errs = append(errs, fmt.Errorf("backend.base_url: %w", err))
		}
	}
	if cfg.Backend.StreamURL != "" {
		if err := validateURL(cfg.Backend.StreamURL, "ws", "wss"); err != nil {
			errs = append(errs, fmt.Errorf("backend.stream_url: %w", err))
		}
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, fmt.Errorf("backend.timeout %v must not be negative", cfg.Backend.Timeout))
	}
	if cfg.Backend.ListingLimit < 0 {
		errs = append(errs, fmt.Errorf("backend.listing_limit %d must not be negative", cfg.Backend.ListingLimit))
	}
	if cfg.Backend.QueueSize < 0 {
		errs = append(errs, fmt.Errorf("backend.queue_size %d must not be negative", cfg.Backend.QueueSize))
	}
	if cfg.Backend.Heartbeat < 0 {
		errs = append(errs, fmt.Errorf("backend.heartbeat %v must not be negative", cfg.Backend.Heartbeat))
	}
	if cfg.Backend.APIKey == "" {
		slog.Warn("backend.api_key is empty; requests will be sent without X-API-Key")
	}

	// Capture
	if cfg.Capture.Source != "" && !cfg.Capture.Source.IsValid() {
		errs = append(errs, fmt.Errorf("capture.source %q is invalid; valid values: ffmpeg, file", cfg.Capture.Source))
	}
	if cfg.Capture.Source == SourceFile && cfg.Capture.File == "" {
		errs = append(errs, errors.New("capture.file is required when capture.source is file"))
	}
	if cfg.Capture.Mode != "" && !cfg.Capture.Mode.IsValid() {
		errs = append(errs, fmt.Errorf("capture.mode %q is invalid; valid values: device, display", cfg.Capture.Mode))
	}
	if cfg.Capture.SampleRate < 0 || cfg.Capture.SampleRate > 192000 {
		errs = append(errs, fmt.Errorf("capture.sample_rate %d is out of range [1, 192000]", cfg.Capture.SampleRate))
	}
	if cfg.Capture.Channels < 0 || cfg.Capture.Channels > 8 {
		errs = append(errs, fmt.Errorf("capture.channels %d is out of range [1, 8]", cfg.Capture.Channels))
	}
	if cfg.Capture.ChunkInterval < 0 {
		errs = append(errs, fmt.Errorf("capture.chunk_interval %v must not be negative", cfg.Capture.ChunkInterval))
	}

	// Session
	if n := cfg.Session.Ticks(); n < 0 || n > 60 {
		errs = append(errs, fmt.Errorf("session.countdown_ticks %d is out of range [0, 60]", n))
	}
	if cfg.Session.TickInterval < 0 {
		errs = append(errs, fmt.Errorf("session.tick_interval %v must not be negative", cfg.Session.TickInterval))
	}

	return errors.Join(errs...)
}

func validateURL(raw string, schemes ...string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	for _, s := range schemes {
		if u.Scheme == s {
			if u.Host == "" {
				return fmt.Errorf("%q has no host", raw)
			}
			return nil
		}
	}
	return fmt.Errorf("%q must use scheme %v", raw, schemes)
}

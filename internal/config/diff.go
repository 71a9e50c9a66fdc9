package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be safely hot-reloaded are tracked; everything else
// requires a restart and is reported in RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any session setting that applies at the next
	// start (locale, source, countdown) changed.
	SessionChanged bool

	ListingLimitChanged bool

	// RestartRequired lists changed settings that only take effect after a
	// restart, as YAML paths.
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.SessionChanged && !d.ListingLimitChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Session.Locale != new.Session.Locale ||
		old.Session.Source != new.Session.Source ||
		old.Session.Ticks() != new.Session.Ticks() ||
		old.Session.TickInterval != new.Session.TickInterval {
		d.SessionChanged = true
	}

	if old.Backend.ListingLimit != new.Backend.ListingLimit {
		d.ListingLimitChanged = true
	}

	restart := func(path string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, path)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("server.token", old.Server.Token != new.Server.Token)
	restart("backend.base_url", old.Backend.BaseURL != new.Backend.BaseURL)
	restart("backend.stream_url", old.Backend.StreamURL != new.Backend.StreamURL)
	restart("backend.api_key", old.Backend.APIKey != new.Backend.APIKey)
	restart("backend.timeout", old.Backend.Timeout != new.Backend.Timeout)
	restart("backend.queue_size", old.Backend.QueueSize != new.Backend.QueueSize)
	restart("backend.heartbeat", old.Backend.Heartbeat != new.Backend.Heartbeat)
	restart("backend.breaker", old.Backend.Breaker != new.Backend.Breaker)
	restart("capture", old.Capture != new.Capture)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

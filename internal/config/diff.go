package config

// ConfigDiff describes what changed between two configs.
// Only fields that can be applied without a restart are tracked; the rest
// are reported through RestartRequired.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// PersonaChanged is set when persona name, tone or instructions changed.
	PersonaChanged bool

	// LiveChanged is set when the model or voice changed. Both apply to the
	// next session.
	LiveChanged bool

	// RestartRequired lists changed keys that only take effect after a
	// restart (listener, provider, credentials, audio backend, catalog).
	RestartRequired []string
}

// Empty reports whether nothing changed.
func (d ConfigDiff) Empty() bool {
	return !d.LogLevelChanged && !d.PersonaChanged && !d.LiveChanged && len(d.RestartRequired) == 0
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	if old.Persona != new.Persona {
		d.PersonaChanged = true
	}

	if old.Live.Model != new.Live.Model || old.Live.Voice != new.Live.Voice {
		d.LiveChanged = true
	}

	restart := func(key string, changed bool) {
		if changed {
			d.RestartRequired = append(d.RestartRequired, key)
		}
	}
	restart("server.listen_addr", old.Server.ListenAddr != new.Server.ListenAddr)
	restart("live.provider", old.Live.Provider != new.Live.Provider)
	restart("live.api_key", old.Live.APIKey != new.Live.APIKey)
	restart("live.base_url", old.Live.BaseURL != new.Live.BaseURL)
	restart("live.setup_timeout", old.Live.SetupTimeout != new.Live.SetupTimeout)
	restart("audio", !sameAudio(old.Audio, new.Audio))
	restart("catalog", old.Catalog != new.Catalog)
	restart("telemetry", old.Telemetry != new.Telemetry)

	return d
}

func sameAudio(a, b AudioConfig) bool {
	return a.Backend == b.Backend &&
		a.InputDevice == b.InputDevice &&
		a.OutputDevice == b.OutputDevice &&
		a.BlockSize == b.BlockSize &&
		a.CaptureBuffer == b.CaptureBuffer &&
		equalStrings(a.CaptureCommand, b.CaptureCommand) &&
		equalStrings(a.PlaybackCommand, b.PlaybackCommand)
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/MrWong99/aura/internal/settings"
)

// KnownLiveProviders lists the live provider names shipped with Aura. Used by
// [Validate] to warn about unrecognised names.
var KnownLiveProviders = []string{"gemini", "openai"}

// Default values filled in by [ApplyDefaults].
const (
	DefaultListenAddr    = ":8080"
	DefaultProvider      = "gemini"
	DefaultBackend       = "ffmpeg"
	DefaultBlockSize     = 1600
	DefaultCaptureBuffer = 32
	DefaultServiceName   = "aura"
)

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and
// validates the result. An empty document yields the defaults.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyDefaults fills every unset field with its default. The API key falls
// back to the AURA_API_KEY environment variable.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Live.Provider == "" {
		cfg.Live.Provider = DefaultProvider
	}
	if cfg.Live.APIKey == "" {
		cfg.Live.APIKey = os.Getenv(APIKeyEnv)
	}
	if cfg.Persona.Name == "" {
		cfg.Persona.Name = settings.DefaultPersona
	}
	if cfg.Persona.Tone == "" {
		cfg.Persona.Tone = string(settings.ToneFriendly)
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultBackend
	}
	if cfg.Audio.BlockSize == 0 {
		cfg.Audio.BlockSize = DefaultBlockSize
	}
	if cfg.Audio.CaptureBuffer == 0 {
		cfg.Audio.CaptureBuffer = DefaultCaptureBuffer
	}
	if cfg.Catalog.Source == "" {
		cfg.Catalog.Source = CatalogStatic
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	if cfg.Live.Provider != "" && !slices.Contains(KnownLiveProviders, cfg.Live.Provider) {
		slog.Warn("unknown live provider name; it must be registered before startup",
			"name", cfg.Live.Provider,
			"known", KnownLiveProviders,
		)
	}
	if cfg.Live.APIKey == "" {
		slog.Warn("live.api_key is empty and " + APIKeyEnv + " is unset; connecting will fail")
	}
	if cfg.Live.SetupTimeout < 0 {
		errs = append(errs, fmt.Errorf("live.setup_timeout %s must not be negative", cfg.Live.SetupTimeout))
	}

	if cfg.Persona.Tone != "" && !settings.Tone(cfg.Persona.Tone).Valid() {
		names := make([]string, 0, len(settings.Tones()))
		for _, t := range settings.Tones() {
			names = append(names, string(t))
		}
		errs = append(errs, fmt.Errorf("persona.tone %q is invalid; valid values: %s", cfg.Persona.Tone, strings.Join(names, ", ")))
	}

	if cfg.Audio.Backend != "" && cfg.Audio.Backend != DefaultBackend {
		errs = append(errs, fmt.Errorf("audio.backend %q is invalid; valid values: ffmpeg", cfg.Audio.Backend))
	}
	if cfg.Audio.BlockSize < 0 {
		errs = append(errs, fmt.Errorf("audio.block_size %d must not be negative", cfg.Audio.BlockSize))
	}
	if cfg.Audio.CaptureBuffer < 0 {
		errs = append(errs, fmt.Errorf("audio.capture_buffer %d must not be negative", cfg.Audio.CaptureBuffer))
	}

	if cfg.Catalog.Source != "" && !cfg.Catalog.Source.IsValid() {
		errs = append(errs, fmt.Errorf("catalog.source %q is invalid; valid values: static, postgres", cfg.Catalog.Source))
	}
	if cfg.Catalog.Source == CatalogPostgres && cfg.Catalog.PostgresDSN == "" {
		errs = append(errs, errors.New("catalog.postgres_dsn is required when catalog.source is postgres"))
	}
	if cfg.Catalog.Source != CatalogPostgres && cfg.Catalog.PostgresDSN != "" {
		slog.Warn("catalog.postgres_dsn is set but catalog.source is not postgres; it will be ignored")
	}

	return errors.Join(errs...)
}

// Settings returns the session settings described by cfg.
func (cfg *Config) Settings() settings.Settings {
	s := settings.Default()
	if cfg.Live.Model != "" {
		s.Model = cfg.Live.Model
	}
	if cfg.Live.Voice != "" {
		s.Voice = cfg.Live.Voice
	}
	if cfg.Persona.Name != "" {
		s.Persona = cfg.Persona.Name
	}
	if cfg.Persona.Tone != "" {
		s.Tone = settings.Tone(cfg.Persona.Tone)
	}
	s.Instructions = cfg.Persona.Instructions
	return s
}

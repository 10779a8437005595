package config_test

import (
	"strings"
	"testing"

	"github.com/MrWong99/aura/internal/config"
)

func TestValidate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		yaml     string
		wantErrs []string
	}{
		{
			name: "minimal",
			yaml: "live:\n  api_key: k\n",
		},
		{
			name:     "bad log level",
			yaml:     "server:\n  log_level: verbose\n",
			wantErrs: []string{"server.log_level"},
		},
		{
			name: "unknown provider only warns",
			yaml: "live:\n  provider: custom\n  api_key: k\n",
		},
		{
			name:     "negative setup timeout",
			yaml:     "live:\n  setup_timeout: -1s\n",
			wantErrs: []string{"live.setup_timeout"},
		},
		{
			name:     "bad tone",
			yaml:     "persona:\n  tone: sarcastic\n",
			wantErrs: []string{"persona.tone", "analytical"},
		},
		{
			name:     "unsupported backend",
			yaml:     "audio:\n  backend: portaudio\n",
			wantErrs: []string{"audio.backend"},
		},
		{
			name:     "negative sizes",
			yaml:     "audio:\n  block_size: -1\n  capture_buffer: -2\n",
			wantErrs: []string{"audio.block_size", "audio.capture_buffer"},
		},
		{
			name:     "bad catalog source",
			yaml:     "catalog:\n  source: sqlite\n",
			wantErrs: []string{"catalog.source"},
		},
		{
			name:     "postgres without dsn",
			yaml:     "catalog:\n  source: postgres\n",
			wantErrs: []string{"catalog.postgres_dsn"},
		},
		{
			name: "dsn without postgres only warns",
			yaml: "catalog:\n  postgres_dsn: postgres://localhost/aura\n",
		},
		{
			name:     "errors are joined",
			yaml:     "server:\n  log_level: loud\npersona:\n  tone: grumpy\n",
			wantErrs: []string{"server.log_level", "persona.tone"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader(tt.yaml))
			if len(tt.wantErrs) == 0 {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %v, got nil", tt.wantErrs)
			}
			for _, want := range tt.wantErrs {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should mention %q, got: %v", want, err)
				}
			}
		})
	}
}

func TestApplyDefaults_KeepsExplicitValues(t *testing.T) {
	t.Parallel()
	cfg := &config.Config{
		Server: config.ServerConfig{ListenAddr: "127.0.0.1:1", LogLevel: config.LogWarn},
		Live:   config.LiveConfig{Provider: "openai", APIKey: "k"},
		Audio:  config.AudioConfig{BlockSize: 800, CaptureBuffer: 4},
	}
	config.ApplyDefaults(cfg)

	if cfg.Server.ListenAddr != "127.0.0.1:1" || cfg.Server.LogLevel != config.LogWarn {
		t.Errorf("server overwritten: %+v", cfg.Server)
	}
	if cfg.Live.Provider != "openai" || cfg.Live.APIKey != "k" {
		t.Errorf("live overwritten: %+v", cfg.Live)
	}
	if cfg.Audio.BlockSize != 800 || cfg.Audio.CaptureBuffer != 4 {
		t.Errorf("audio overwritten: %+v", cfg.Audio)
	}
	if cfg.Audio.Backend != config.DefaultBackend {
		t.Errorf("backend = %q, want default", cfg.Audio.Backend)
	}
}

func TestLogLevel_IsValid(t *testing.T) {
	t.Parallel()
	for _, l := range []config.LogLevel{config.LogDebug, config.LogInfo, config.LogWarn, config.LogError} {
		if !l.IsValid() {
			t.Errorf("%q should be valid", l)
		}
	}
	if config.LogLevel("trace").IsValid() {
		t.Error(`"trace" should be invalid`)
	}
}

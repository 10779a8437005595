// Command aura runs the real-time voice companion: it captures the local
// microphone, streams it to a live model, plays the spoken reply and prints
// the running transcript.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aura/internal/app"
	"github.com/MrWong99/aura/internal/config"
	"github.com/MrWong99/aura/internal/observe"
	"github.com/MrWong99/aura/pkg/provider/live"
	"github.com/MrWong99/aura/pkg/provider/live/gemini"
	"github.com/MrWong99/aura/pkg/provider/live/openai"
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "aura.yaml", "path to the YAML configuration file")
	autoStart := flag.Bool("start", false, "start a session immediately")
	flag.Parse()

	// ── Configuration ─────────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "aura: config file %q not found; copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "aura: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	slog.Info("aura starting",
		"config", *configPath,
		"provider", cfg.Live.Provider,
		"listen_addr", cfg.Server.ListenAddr,
		"catalog", cfg.Catalog.Source,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	shutdownTelemetry, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:  cfg.Telemetry.ServiceName,
		LiveProvider: cfg.Live.Provider,
		LiveModel:    cfg.Live.Model,
		AudioBackend: cfg.Audio.Backend,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			slog.Warn("telemetry shutdown", "err", err)
		}
	}()

	// ── Live provider ─────────────────────────────────────────────────────────
	reg := config.NewRegistry()
	registerBuiltinProviders(reg)
	provider, err := reg.CreateLive(cfg.Live)
	if err != nil {
		slog.Error("failed to create live provider", "err", err)
		return 1
	}

	application, err := app.New(ctx, cfg, provider)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Hot reload ────────────────────────────────────────────────────────────
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		if d := config.Diff(old, new); d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "level", d.NewLogLevel)
		}
		if err := application.ApplyConfig(old, new); err != nil {
			slog.Warn("config reload rejected", "err", err)
		}
	})
	if err != nil {
		slog.Error("failed to watch config", "err", err)
		_ = application.Shutdown(context.Background())
		return 1
	}
	defer watcher.Stop()

	printStartupSummary(cfg)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return application.Run(gctx) })

	c := newConsole(application.Session(), application.Settings(), os.Stdin, os.Stdout)
	g.Go(func() error {
		err := c.Run(gctx, *autoStart)
		stop()
		return err
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	slog.Info("shutting down")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// registerBuiltinProviders wires the live providers that ship with Aura.
func registerBuiltinProviders(reg *config.Registry) {
	reg.RegisterLive("gemini", func(c config.LiveConfig) (live.Provider, error) {
		opts := []gemini.Option{}
		if c.Model != "" {
			opts = append(opts, gemini.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, gemini.WithBaseURL(c.BaseURL))
		}
		if c.SetupTimeout > 0 {
			opts = append(opts, gemini.WithSetupTimeout(c.SetupTimeout))
		}
		return gemini.New(c.APIKey, opts...), nil
	})
	reg.RegisterLive("openai", func(c config.LiveConfig) (live.Provider, error) {
		opts := []openai.Option{}
		if c.Model != "" {
			opts = append(opts, openai.WithModel(c.Model))
		}
		if c.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(c.BaseURL))
		}
		if c.SetupTimeout > 0 {
			opts = append(opts, openai.WithSetupTimeout(c.SetupTimeout))
		}
		return openai.New(c.APIKey, opts...), nil
	})
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	model := cfg.Live.Model
	if model == "" {
		model = "(provider default)"
	}
	admin := cfg.Server.ListenAddr
	if admin == "" {
		admin = "(disabled)"
	}
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Aura · startup summary       ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	printRow("Provider", cfg.Live.Provider)
	printRow("Model", model)
	printRow("Persona", cfg.Persona.Name+" / "+cfg.Persona.Tone)
	printRow("Catalog", string(cfg.Catalog.Source))
	printRow("Admin", admin)
	fmt.Println("╚═══════════════════════════════════════╝")
	fmt.Println("commands: start, stop, status, tone <name>, voice <name>, quit")
}

func printRow(label, value string) {
	if len(value) > 22 {
		value = value[:19] + "..."
	}
	fmt.Printf("║  %-10s : %-22s ║\n", label, value)
}

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Package app wires the Aura subsystems into a running application.
//
// New builds the settings store, product catalog, tool dispatcher, audio
// devices and voice session from the config. Run serves the admin HTTP
// surface until the context ends, and Shutdown releases everything in
// reverse order.
//
// Tests inject doubles through the functional options (WithCatalog,
// WithDevices, ...). Anything not injected is created from the config.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aura/internal/catalog"
	"github.com/MrWong99/aura/internal/config"
	"github.com/MrWong99/aura/internal/health"
	"github.com/MrWong99/aura/internal/observe"
	"github.com/MrWong99/aura/internal/session"
	"github.com/MrWong99/aura/internal/settings"
	"github.com/MrWong99/aura/internal/tool"
	"github.com/MrWong99/aura/pkg/audio"
	"github.com/MrWong99/aura/pkg/audio/capture"
	"github.com/MrWong99/aura/pkg/audio/ffmpeg"
	"github.com/MrWong99/aura/pkg/provider/live"
)

const (
	// shutdownGrace bounds the admin server drain in [App.Run].
	shutdownGrace = 5 * time.Second

	// Catalog breaker tuning used when catalog.fallback is enabled.
	fallbackFailures = 3
	fallbackReset    = 30 * time.Second
)

// App owns the lifetime of every Aura subsystem.
type App struct {
	cfg      *config.Config
	provider live.Provider
	metrics  *observe.Metrics

	store   *settings.Store
	catalog catalog.Catalog
	tools   *tool.Dispatcher
	mic     audio.Microphone
	speaker audio.Speaker
	sess    *session.Session
	handler http.Handler

	// closers run in reverse order during Shutdown.
	closers []func() error

	stopOnce sync.Once
}

// Option configures an [App].
type Option func(*App)

// WithCatalog injects a product catalog instead of building one from config.
func WithCatalog(c catalog.Catalog) Option {
	return func(a *App) { a.catalog = c }
}

// WithDevices injects the audio devices instead of the ffmpeg backend.
func WithDevices(mic audio.Microphone, speaker audio.Speaker) Option {
	return func(a *App) {
		a.mic = mic
		a.speaker = speaker
	}
}

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// ─── New ─────────────────────────────────────────────────────────────────────

// New builds an idle App around the given live provider. The session is not
// started; callers use [App.Session] for that.
func New(ctx context.Context, cfg *config.Config, provider live.Provider, opts ...Option) (*App, error) {
	a := &App{cfg: cfg, provider: provider}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}

	store, err := settings.New(cfg.Settings())
	if err != nil {
		return nil, fmt.Errorf("app: settings: %w", err)
	}
	a.store = store

	if err := a.initCatalog(ctx); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: init catalog: %w", err)
	}

	a.tools = tool.NewDispatcher(tool.WithMetrics(a.metrics))
	if err := a.tools.Register(catalog.LookupCapability(a.catalog)); err != nil {
		a.closeAll()
		return nil, fmt.Errorf("app: register tools: %w", err)
	}

	a.initDevices()

	a.sess = session.New(session.Config{
		Provider:   a.provider,
		Microphone: a.mic,
		Speaker:    a.speaker,
		Tools:      a.tools,
		Settings:   a.store,
	},
		session.WithMetrics(a.metrics),
		session.WithCaptureOptions(
			capture.WithBlockDuration(cfg.Audio.FrameDuration()),
			capture.WithBufferSize(cfg.Audio.CaptureBuffer),
		),
	)
	a.closers = append(a.closers, func() error {
		a.sess.Close()
		return nil
	})

	a.handler = a.buildHandler()
	return a, nil
}

func (a *App) initCatalog(ctx context.Context) error {
	if a.catalog != nil {
		return nil
	}
	products := catalog.Products()
	if path := a.cfg.Catalog.ProductsFile; path != "" {
		loaded, err := catalog.LoadFile(path)
		if err != nil {
			return err
		}
		products = loaded
		slog.Info("catalog products loaded", "path", path, "products", len(products))
	}
	if a.cfg.Catalog.Source != config.CatalogPostgres {
		a.catalog = catalog.NewStatic(products...)
		return nil
	}

	pool, err := pgxpool.New(ctx, a.cfg.Catalog.PostgresDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	a.closers = append(a.closers, func() error {
		pool.Close()
		return nil
	})

	pg := catalog.NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		return err
	}
	if a.cfg.Catalog.Seed {
		if err := pg.Seed(ctx, products); err != nil {
			return err
		}
		slog.Info("catalog seeded", "products", len(products))
	}
	a.catalog = pg
	if a.cfg.Catalog.Fallback {
		a.catalog = catalog.NewFallback(pg, catalog.NewStatic(products...), fallbackFailures, fallbackReset)
	}
	return nil
}

func (a *App) initDevices() {
	if a.mic != nil && a.speaker != nil {
		return
	}
	ac := a.cfg.Audio
	micOpts := []ffmpeg.Option{ffmpeg.WithDevice(ac.InputDevice)}
	if len(ac.CaptureCommand) > 0 {
		micOpts = append(micOpts, ffmpeg.WithCommand(ac.CaptureCommand[0], ac.CaptureCommand[1:]...))
	}
	spkOpts := []ffmpeg.Option{ffmpeg.WithDevice(ac.OutputDevice)}
	if len(ac.PlaybackCommand) > 0 {
		spkOpts = append(spkOpts, ffmpeg.WithCommand(ac.PlaybackCommand[0], ac.PlaybackCommand[1:]...))
	}
	if a.mic == nil {
		a.mic = ffmpeg.NewMicrophone(micOpts...)
	}
	if a.speaker == nil {
		a.speaker = ffmpeg.NewSpeaker(spkOpts...)
	}
}

// buildHandler assembles the admin routes behind the observe middleware.
func (a *App) buildHandler() http.Handler {
	mux := http.NewServeMux()

	checkers := []health.Checker{{
		Name: "live",
		Check: func(context.Context) error {
			if a.cfg.Live.APIKey == "" {
				return errors.New("no api key configured")
			}
			return nil
		},
	}}
	if p, ok := a.catalog.(health.Pinger); ok {
		checkers = append(checkers, health.PingChecker("catalog", p))
	}
	health.New(checkers...).Register(mux)
	session.NewHandler(a.sess).Register(mux)
	if a.cfg.Telemetry.Metrics {
		mux.Handle("GET /metrics", promhttp.Handler())
	}

	return observe.Middleware(a.metrics)(mux)
}

// ─── Accessors ───────────────────────────────────────────────────────────────

// Session returns the voice session.
func (a *App) Session() *session.Session { return a.sess }

// Settings returns the settings store read at every session start.
func (a *App) Settings() *settings.Store { return a.store }

// Handler returns the admin HTTP handler.
func (a *App) Handler() http.Handler { return a.handler }

// ApplyConfig pushes the hot-reloadable parts of a new config into the
// settings store. They take effect at the next session start.
func (a *App) ApplyConfig(old, new *config.Config) error {
	d := config.Diff(old, new)
	if !d.PersonaChanged && !d.LiveChanged {
		return nil
	}
	next := new.Settings()
	return a.store.Update(func(s *settings.Settings) {
		s.Model = next.Model
		s.Voice = next.Voice
		s.Persona = next.Persona
		s.Tone = next.Tone
		s.Instructions = next.Instructions
	})
}

// ─── Run / Shutdown ──────────────────────────────────────────────────────────

// Run serves the admin HTTP surface on cfg.Server.ListenAddr until ctx is
// cancelled. With an empty address it just waits for ctx.
func (a *App) Run(ctx context.Context) error {
	if a.cfg.Server.ListenAddr == "" {
		<-ctx.Done()
		return nil
	}
	ln, err := net.Listen("tcp", a.cfg.Server.ListenAddr)
	if err != nil {
		return fmt.Errorf("app: listen %s: %w", a.cfg.Server.ListenAddr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve is like Run but uses an existing listener.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.handler,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		slog.Info("admin server listening", "addr", ln.Addr().String())
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("app: serve: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// Shutdown stops the session and releases every resource New acquired. It
// is safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		done := make(chan error, 1)
		go func() { done <- a.closeAll() }()
		select {
		case err = <-done:
		case <-ctx.Done():
			err = fmt.Errorf("app: shutdown: %w", ctx.Err())
		}
	})
	return err
}

func (a *App) closeAll() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Package session drives one full-duplex voice conversation with a remote
// model.
//
// A [Session] owns the microphone capture pipeline, the playback scheduler
// and the live channel handle for as long as it is connected. Three tasks run
// while connected: the sender forwards captured frames, the event loop
// applies inbound events strictly in arrival order, and the playback
// timeline renders scheduled audio. Every failure path runs the same teardown
// as [Session.Stop].
//
// Status, transcript and aggregator are mutated only by the session. Other
// components observe them through [Session.Subscribe].
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aura/internal/observe"
	"github.com/MrWong99/aura/internal/settings"
	"github.com/MrWong99/aura/internal/tool"
	"github.com/MrWong99/aura/internal/transcript"
	"github.com/MrWong99/aura/pkg/audio"
	"github.com/MrWong99/aura/pkg/audio/capture"
	"github.com/MrWong99/aura/pkg/audio/playback"
	"github.com/MrWong99/aura/pkg/provider/live"
)

// Config wires a session to its collaborators.
type Config struct {
	// Provider opens the live channel. Required.
	Provider live.Provider

	// Microphone and Speaker are the audio devices. Required.
	Microphone audio.Microphone
	Speaker    audio.Speaker

	// Tools answers tool calls. Nil means every call gets an unknown-tool
	// error payload.
	Tools *tool.Dispatcher

	// Settings is read at every Start. Nil means [settings.Default].
	Settings *settings.Store
}

// Option configures a [Session].
type Option func(*Session)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithCaptureOptions passes options to every capture pipeline the session
// creates.
func WithCaptureOptions(opts ...capture.Option) Option {
	return func(s *Session) { s.captureOpts = append(s.captureOpts, opts...) }
}

// WithTimelineOptions passes options to every playback timeline the session
// creates.
func WithTimelineOptions(opts ...playback.TimelineOption) Option {
	return func(s *Session) { s.timelineOpts = append(s.timelineOpts, opts...) }
}

// Session is the voice session state machine. All methods are safe for
// concurrent use.
type Session struct {
	provider     live.Provider
	mic          audio.Microphone
	speaker      audio.Speaker
	tools        *tool.Dispatcher
	settings     *settings.Store
	metrics      *observe.Metrics
	captureOpts  []capture.Option
	timelineOpts []playback.TimelineOption
	unsubscribe  func()

	// lifecycle serialises Start, Stop and failure teardown.
	lifecycle sync.Mutex

	// mu guards the fields below. Lock order: mu before the scheduler's lock.
	mu      sync.Mutex
	status  Status
	id      uuid.UUID
	err     error
	log     transcript.Log
	agg     transcript.Aggregator
	run     *run
	pending *pendingStart
	subs    map[int]chan Snapshot
	nextSub int
}

type pendingStart struct {
	cancel     context.CancelFunc
	superseded bool
}

// run holds the resources of one connected session.
type run struct {
	id       uuid.UUID
	handle   live.ChannelHandle
	capture  *capture.Pipeline
	timeline *playback.Timeline
	sched    *playback.Scheduler
	cancel   context.CancelFunc
	done     chan struct{}
}

// New returns an idle session.
func New(cfg Config, opts ...Option) *Session {
	s := &Session{
		provider: cfg.Provider,
		mic:      cfg.Microphone,
		speaker:  cfg.Speaker,
		tools:    cfg.Tools,
		settings: cfg.Settings,
		subs:     make(map[int]chan Snapshot),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	if s.tools == nil {
		s.tools = tool.NewDispatcher(tool.WithMetrics(s.metrics))
	}
	if s.settings != nil {
		first := true
		s.unsubscribe = s.settings.Subscribe(func(st settings.Settings) {
			if first {
				first = false
				return
			}
			if s.Snapshot().Status == StatusConnected {
				slog.Info("session: settings changed, applying on next start",
					"model", st.Model, "voice", st.Voice, "tone", st.Tone)
			}
		})
	}
	return s
}

// Start opens a new session: microphone, speaker, then the live channel.
// It is valid from Idle and Error; an active session is torn down first.
// Start returns once the session is Connected or has failed. Microphone
// refusal is a [*PermissionError], channel setup failure a [*ChannelError].
func (s *Session) Start(ctx context.Context) error {
	s.cancelPending()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	s.teardown(StatusIdle, nil)

	id := uuid.New()
	// Run tasks stay in the start trace so tool calls correlate with it.
	ctx = observe.WithSession(ctx, id.String())
	ctx, span := observe.StartSpan(ctx, "session.start",
		trace.WithAttributes(attribute.String("provider", s.provider.Name())))
	defer span.End()

	startCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	p := &pendingStart{cancel: cancel}
	s.mu.Lock()
	s.pending = p
	s.id = id
	s.status = StatusConnecting
	s.err = nil
	s.log.Reset()
	s.agg.Reset()
	s.publishLocked()
	s.mu.Unlock()

	log := observe.Logger(ctx)
	log.Info("session: starting")
	began := time.Now()

	r, err := s.open(startCtx, id)

	s.mu.Lock()
	superseded := p.superseded
	if s.pending == p {
		s.pending = nil
	}
	s.mu.Unlock()

	if err != nil {
		outcome, status := "error", StatusError
		var (
			permErr *PermissionError
			chErr   *ChannelError
		)
		switch {
		case superseded:
			outcome, status = "superseded", StatusIdle
			err = fmt.Errorf("%w: %w", ErrSuperseded, err)
		case errors.As(err, &permErr):
			outcome = "permission_denied"
		case errors.As(err, &chErr):
			outcome = "channel_error"
		}
		s.metrics.RecordSessionStart(ctx, outcome)
		span.SetAttributes(attribute.String("outcome", outcome))
		span.SetStatus(codes.Error, err.Error())
		log.Warn("session: start failed", "outcome", outcome, "err", err)

		s.mu.Lock()
		s.status = status
		s.err = nil
		if status == StatusError {
			s.err = err
		}
		s.publishLocked()
		s.mu.Unlock()
		return err
	}

	runCtx, runCancel := context.WithCancel(context.WithoutCancel(ctx))
	r.cancel = runCancel
	r.done = make(chan struct{})
	g, gctx := errgroup.WithContext(runCtx)

	s.mu.Lock()
	s.run = r
	s.status = StatusConnected
	s.publishLocked()
	s.mu.Unlock()

	r.timeline.Start()
	g.Go(func() error { return s.sendLoop(gctx, r) })
	g.Go(func() error { return s.eventLoop(gctx, g, r) })
	go func() {
		if err := g.Wait(); err != nil {
			log.Debug("session: run ended", "err", err)
		}
		close(r.done)
	}()

	span.SetAttributes(attribute.String("outcome", "connected"))
	s.metrics.RecordSessionStart(ctx, "connected")
	s.metrics.ActiveSessions.Add(ctx, 1)
	s.metrics.ConnectDuration.Record(ctx, time.Since(began).Seconds())
	log.Info("session: connected", "provider", s.provider.Name(), "connect_time", time.Since(began))
	return nil
}

// open acquires every resource of a run in order and releases the acquired
// ones if a later step fails.
func (s *Session) open(ctx context.Context, id uuid.UUID) (*run, error) {
	cfg := settings.Default()
	if s.settings != nil {
		cfg = s.settings.Get()
	}

	capOpts := append([]capture.Option{
		capture.WithOnDrop(func() { s.metrics.FramesDropped.Add(context.Background(), 1) }),
	}, s.captureOpts...)
	cp := capture.New(s.mic, capOpts...)
	if err := cp.Open(ctx); err != nil {
		if errors.Is(err, audio.ErrPermissionDenied) {
			return nil, &PermissionError{Err: err}
		}
		return nil, fmt.Errorf("session: %w", err)
	}

	out, err := s.speaker.Open(ctx, audio.OutputFormat)
	if err != nil {
		cp.Stop()
		return nil, fmt.Errorf("session: open speaker: %w", err)
	}
	tl := playback.NewTimeline(out, s.timelineOpts...)
	sched := playback.NewScheduler(tl, audio.OutputSampleRate, playback.WithOnChange(s.publish))

	providerName := s.provider.Name()
	handle, err := s.provider.Connect(ctx, live.SessionConfig{
		Model:               cfg.Model,
		Voice:               cfg.Voice,
		Instructions:        cfg.SystemInstruction(),
		Tools:               s.tools.Declarations(),
		InputTranscription:  cfg.InputTranscription,
		OutputTranscription: cfg.OutputTranscription,
		OnDecodeError: func(err error) {
			s.metrics.RecordDecodeError(context.Background(), providerName)
		},
	})
	if err != nil {
		sched.Close()
		_ = tl.Close()
		cp.Stop()
		return nil, &ChannelError{Err: err}
	}

	if err := cp.Start(); err != nil {
		_ = handle.Close()
		sched.Close()
		_ = tl.Close()
		cp.Stop()
		return nil, fmt.Errorf("session: start capture: %w", err)
	}

	return &run{
		id:       id,
		handle:   handle,
		capture:  cp,
		timeline: tl,
		sched:    sched,
	}, nil
}

// Stop ends the session from any state: it cancels an in-progress Start,
// closes the channel, stops capture and flushes playback, leaving the
// session Idle. Stop is idempotent.
func (s *Session) Stop() {
	s.cancelPending()

	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	s.teardown(StatusIdle, nil)
}

// Close stops the session and detaches it from the settings store.
func (s *Session) Close() {
	s.Stop()
	if s.unsubscribe != nil {
		s.unsubscribe()
	}
}

// cancelPending aborts a Start blocked in device or channel setup.
func (s *Session) cancelPending() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending != nil {
		s.pending.superseded = true
		s.pending.cancel()
	}
}

// teardown releases the active run, if any, and moves to status. Caller
// holds s.lifecycle.
func (s *Session) teardown(status Status, cause error) {
	s.mu.Lock()
	r := s.run
	s.run = nil
	if r == nil && s.status == status && cause == nil && s.err == nil {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if r != nil {
		r.close()
		s.metrics.ActiveSessions.Add(context.Background(), -1)
		slog.Info("session: closed", "session_id", r.id, "status", status)
	}

	s.mu.Lock()
	s.status = status
	s.err = cause
	s.publishLocked()
	s.mu.Unlock()
}

// fail tears r down into Error from a run goroutine. It does not wait, since
// teardown waits for those goroutines.
func (s *Session) fail(r *run, cause error) {
	slog.Error("session: live channel failed", "session_id", r.id, "err", cause)
	go func() {
		s.lifecycle.Lock()
		defer s.lifecycle.Unlock()
		s.mu.Lock()
		current := s.run == r
		s.mu.Unlock()
		if current {
			s.teardown(StatusError, cause)
		}
	}()
}

func (r *run) close() {
	r.cancel()
	r.capture.Stop()
	if err := r.handle.Close(); err != nil {
		slog.Debug("session: close channel", "session_id", r.id, "err", err)
	}
	r.sched.Close()
	if err := r.timeline.Close(); err != nil {
		slog.Debug("session: close playback", "session_id", r.id, "err", err)
	}
	<-r.done
}

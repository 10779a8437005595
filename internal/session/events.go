package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/aura/internal/observe"
	"github.com/MrWong99/aura/internal/tool"
	"github.com/MrWong99/aura/pkg/audio"
	"github.com/MrWong99/aura/pkg/provider/live"
)

var errRemoteClosed = errors.New("remote closed the channel")

// sendLoop forwards captured frames to the live channel until the run ends.
// Frames are not retained once handed over.
func (s *Session) sendLoop(ctx context.Context, r *run) error {
	frames := r.capture.Frames()
	for {
		select {
		case <-ctx.Done():
			return nil
		case f, ok := <-frames:
			if !ok {
				if ctx.Err() == nil {
					slog.Warn("session: microphone stream ended", "session_id", r.id)
				}
				return nil
			}
			err := r.handle.SendAudio(ctx, live.FrameFromAudio(f))
			switch {
			case err == nil:
				s.metrics.FramesSent.Add(ctx, 1)
			case ctx.Err() != nil, errors.Is(err, live.ErrClosed):
				// The event loop reports why the channel went away.
				return nil
			default:
				s.fail(r, &ChannelError{Err: err})
				return nil
			}
		}
	}
}

// eventLoop applies inbound events one at a time in arrival order. Tool
// calls are dispatched on g so a slow tool never delays later events.
func (s *Session) eventLoop(ctx context.Context, g *errgroup.Group, r *run) error {
	events := r.handle.Events()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				cause := r.handle.Err()
				if cause == nil {
					cause = errRemoteClosed
				}
				s.fail(r, &ChannelError{Err: cause})
				return nil
			}
			if stop := s.handleEvent(ctx, g, r, ev); stop {
				return nil
			}
		}
	}
}

// handleEvent applies one event. It reports true when the run must end.
func (s *Session) handleEvent(ctx context.Context, g *errgroup.Group, r *run, ev live.Event) bool {
	switch ev := ev.(type) {
	case live.PartialTranscription:
		s.mu.Lock()
		if ev.Channel == live.ChannelInput {
			s.agg.AppendInput(ev.Text)
		} else {
			s.agg.AppendOutput(ev.Text)
		}
		s.mu.Unlock()

	case live.TurnComplete:
		s.mu.Lock()
		entries := s.agg.Commit()
		dropped := s.log.CommitTurn(entries)
		if len(entries) > 0 || dropped {
			s.publishLocked()
		}
		s.mu.Unlock()
		if len(entries) > 0 {
			s.metrics.Turns.Add(ctx, 1)
		}

	case live.ToolCall:
		s.handleToolCall(ctx, g, r, tool.InvocationFromEvent(ev))

	case live.AudioChunk:
		samples, err := audio.DecodeChunk(ev.Data)
		if err != nil {
			s.metrics.RecordDecodeError(ctx, s.provider.Name())
			slog.Warn("session: dropping undecodable audio chunk",
				"session_id", r.id, "mime_type", ev.MIMEType, "err", err)
			return false
		}
		if len(samples) == 0 {
			return false
		}
		if _, err := r.sched.Enqueue(samples); err != nil {
			slog.Debug("session: enqueue playback", "session_id", r.id, "err", err)
			return false
		}
		s.metrics.PlaybackUnits.Add(ctx, 1)

	case live.Interrupted:
		n := r.sched.Flush()
		s.metrics.Interruptions.Add(ctx, 1)
		slog.Debug("session: interrupted", "session_id", r.id, "units_flushed", n)

	case live.ChannelError:
		s.fail(r, &ChannelError{Err: ev})
		return true

	default:
		slog.Warn("session: unknown event", "session_id", r.id, "type", fmt.Sprintf("%T", ev))
	}
	return false
}

// handleToolCall posts the progress notice and runs the tool off the event
// loop. Exactly one result is sent, tagged with the call's ID.
func (s *Session) handleToolCall(ctx context.Context, g *errgroup.Group, r *run, inv tool.Invocation) {
	if notice := s.tools.Notice(inv); notice != "" {
		s.mu.Lock()
		s.log.PostSystem(notice)
		s.publishLocked()
		s.mu.Unlock()
	}

	g.Go(func() error {
		res := s.tools.Dispatch(ctx, inv)
		if err := r.handle.SendToolResult(ctx, res); err != nil && ctx.Err() == nil && !errors.Is(err, live.ErrClosed) {
			observe.Logger(ctx).Warn("session: send tool result", "tool", inv.Name, "call_id", inv.ID, "err", err)
		}
		return nil
	})
}

// Package mock provides an in-memory [live.Provider] and [live.ChannelHandle]
// for unit tests.
//
// The test drives the inbound side with [Handle.Emit] and inspects the
// outbound side with [Handle.Audio] and [Handle.ToolResults]. Every Connect
// call is recorded and the handles it produced are available through
// [Provider.Handles].
//
// Typical usage:
//
//	p := &mock.Provider{}
//	sess := session.New(session.Config{Provider: p, ...})
//	sess.Start(ctx)
//	h := p.LastHandle()
//	h.Emit(live.PartialTranscription{Channel: live.ChannelInput, Text: "Hello"})
package mock

import (
	"context"
	"sync"

	"github.com/MrWong99/aura/pkg/provider/live"
)

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider is a mock implementation of [live.Provider].
type Provider struct {
	mu sync.Mutex

	// ConnectErr is returned by Connect when non-nil.
	ConnectErr error

	// Gate, when non-nil, makes Connect block until the channel is closed or
	// the context is cancelled.
	Gate chan struct{}

	// OnConnect, when set, runs at the start of every Connect call.
	OnConnect func(cfg live.SessionConfig)

	configs []live.SessionConfig
	handles []*Handle
}

var _ live.Provider = (*Provider)(nil)

// Name implements [live.Provider].
func (p *Provider) Name() string { return "mock" }

// Connect implements [live.Provider].
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.ChannelHandle, error) {
	p.mu.Lock()
	p.configs = append(p.configs, cfg)
	gate, hook := p.Gate, p.OnConnect
	p.mu.Unlock()

	if hook != nil {
		hook(cfg)
	}
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, live.ChannelError{Message: "mock: connect", Err: ctx.Err()}
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	h := NewHandle(cfg)
	p.handles = append(p.handles, h)
	return h, nil
}

// SetConnectErr sets ConnectErr under the lock.
func (p *Provider) SetConnectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectErr = err
}

// Configs returns the SessionConfig of every Connect call, in order.
func (p *Provider) Configs() []live.SessionConfig {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]live.SessionConfig(nil), p.configs...)
}

// Handles returns every handle created so far, in order.
func (p *Provider) Handles() []*Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*Handle(nil), p.handles...)
}

// LastHandle returns the most recently created handle or nil.
func (p *Provider) LastHandle() *Handle {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.handles) == 0 {
		return nil
	}
	return p.handles[len(p.handles)-1]
}

// ─── Handle ───────────────────────────────────────────────────────────────────

// Handle is a scripted [live.ChannelHandle].
type Handle struct {
	cfg    live.SessionConfig
	events chan live.Event

	mu          sync.Mutex
	audio       []live.AudioFrame
	toolResults []live.ToolResult
	closed      bool
	ended       bool
	closeCalls  int
	err         error

	// SendErr is returned by every send while non-nil.
	SendErr error

	resultCh chan live.ToolResult
}

var _ live.ChannelHandle = (*Handle)(nil)

// NewHandle returns an open handle. Connect uses it; tests may also use it
// directly.
func NewHandle(cfg live.SessionConfig) *Handle {
	return &Handle{
		cfg:      cfg,
		events:   make(chan live.Event, 256),
		resultCh: make(chan live.ToolResult, 64),
	}
}

// Config returns the configuration the handle was opened with.
func (h *Handle) Config() live.SessionConfig { return h.cfg }

// Emit queues an inbound event. It reports false if the stream has ended.
func (h *Handle) Emit(evs ...live.Event) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return false
	}
	for _, ev := range evs {
		h.events <- ev
	}
	return true
}

// Fail delivers a ChannelError and ends the stream, like a transport failure.
func (h *Handle) Fail(msg string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.ended {
		return
	}
	ce := live.ChannelError{Message: msg}
	h.err = ce
	h.closed = true
	h.events <- ce
	h.ended = true
	close(h.events)
}

// Hangup ends the stream without an error, like a server-side close.
func (h *Handle) Hangup() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	h.endLocked()
}

func (h *Handle) endLocked() {
	if !h.ended {
		h.ended = true
		close(h.events)
	}
}

// Events implements [live.ChannelHandle].
func (h *Handle) Events() <-chan live.Event { return h.events }

// SendAudio implements [live.ChannelHandle].
func (h *Handle) SendAudio(_ context.Context, frame live.AudioFrame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return live.ErrClosed
	}
	if h.SendErr != nil {
		return h.SendErr
	}
	h.audio = append(h.audio, frame)
	return nil
}

// SendToolResult implements [live.ChannelHandle].
func (h *Handle) SendToolResult(_ context.Context, res live.ToolResult) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return live.ErrClosed
	}
	if h.SendErr != nil {
		return h.SendErr
	}
	h.toolResults = append(h.toolResults, res)
	select {
	case h.resultCh <- res:
	default:
	}
	return nil
}

// Err implements [live.ChannelHandle].
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Close implements [live.ChannelHandle]. Repeated calls are counted.
func (h *Handle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closeCalls++
	h.closed = true
	h.endLocked()
	return nil
}

// Audio returns every frame sent so far.
func (h *Handle) Audio() []live.AudioFrame {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]live.AudioFrame(nil), h.audio...)
}

// ToolResults returns every tool result sent so far.
func (h *Handle) ToolResults() []live.ToolResult {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]live.ToolResult(nil), h.toolResults...)
}

// ToolResultCh delivers tool results as they are sent.
func (h *Handle) ToolResultCh() <-chan live.ToolResult { return h.resultCh }

// Closed reports whether Close, Fail or Hangup has been called.
func (h *Handle) Closed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closed
}

// CloseCalls reports how many times Close was called.
func (h *Handle) CloseCalls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.closeCalls
}

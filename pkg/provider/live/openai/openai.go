// Package openai implements [live.Provider] for OpenAI's Realtime API.
//
// Connect sends session.update and waits for session.updated before
// returning. Microphone audio arrives at 16 kHz and is upsampled to the
// 24 kHz PCM16 the Realtime API expects. Server events are mapped onto the
// [live.Event] variants: speech_started becomes Interrupted and
// response.done becomes TurnComplete.
package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aura/pkg/audio"
	"github.com/MrWong99/aura/pkg/provider/live"
)

var (
	_ live.Provider      = (*Provider)(nil)
	_ live.ChannelHandle = (*session)(nil)
)

const (
	defaultModel        = "gpt-4o-realtime-preview"
	defaultVoice        = "alloy"
	defaultBaseURL      = "wss://api.openai.com/v1/realtime"
	defaultSetupTimeout = 15 * time.Second
	transcriptionModel  = "whisper-1"
	realtimeSampleRate  = 24000
	readLimit           = 16 << 20
	eventBuffer         = 64
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default Realtime model.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for session.updated.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements [live.Provider] for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
	log          *slog.Logger
}

// New creates an OpenAI Realtime provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
		log:          slog.Default(),
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements [live.Provider].
func (p *Provider) Name() string { return "openai" }

// Connect dials the Realtime endpoint, configures the session and waits for
// the server to confirm it.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.ChannelHandle, error) {
	model := cfg.Model
	if model == "" {
		model = p.model
	}
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, live.ChannelError{Message: "openai: dial", Err: err}
	}
	conn.SetReadLimit(readLimit)

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:          conn,
		events:        make(chan live.Event, eventBuffer),
		onDecodeError: cfg.OnDecodeError,
		log:           p.log.With("provider", "openai"),
		ctx:           sessCtx,
		cancel:        sessCancel,
	}

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	if err := s.writeJSON(setupCtx, buildSessionUpdate(cfg)); err != nil {
		s.abort()
		return nil, live.ChannelError{Message: "openai: session update", Err: err}
	}
	if err := s.awaitSessionUpdated(setupCtx); err != nil {
		s.abort()
		return nil, err
	}

	go s.receiveLoop()
	return s, nil
}

func buildSessionUpdate(cfg live.SessionConfig) sessionUpdateMessage {
	params := sessionParams{
		Modalities:        []string{"audio", "text"},
		Voice:             cfg.Voice,
		Instructions:      cfg.Instructions,
		InputAudioFormat:  "pcm16",
		OutputAudioFormat: "pcm16",
		TurnDetection:     &turnDetection{Type: "server_vad"},
	}
	if params.Voice == "" {
		params.Voice = defaultVoice
	}
	if cfg.InputTranscription {
		params.InputAudioTranscription = &inputTranscription{Model: transcriptionModel}
	}
	for _, t := range cfg.Tools {
		params.Tools = append(params.Tools, oaiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.Parameters,
		})
	}
	return sessionUpdateMessage{Type: "session.update", Session: params}
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Modalities              []string            `json:"modalities,omitempty"`
	Voice                   string              `json:"voice,omitempty"`
	Instructions            string              `json:"instructions,omitempty"`
	Tools                   []oaiTool           `json:"tools,omitempty"`
	InputAudioFormat        string              `json:"input_audio_format"`
	OutputAudioFormat       string              `json:"output_audio_format"`
	InputAudioTranscription *inputTranscription `json:"input_audio_transcription,omitempty"`
	TurnDetection           *turnDetection      `json:"turn_detection,omitempty"`
}

type inputTranscription struct {
	Model string `json:"model"`
}

type turnDetection struct {
	Type string `json:"type"`
}

type oaiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"`
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type   string `json:"type"`
	CallID string `json:"call_id,omitempty"`
	Output string `json:"output,omitempty"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// response.function_call_arguments.done
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	Error *serverErrorDetail `json:"error,omitempty"`
}

type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e *serverErrorDetail) String() string {
	if e == nil || e.Message == "" {
		return "openai: unknown error"
	}
	if e.Code != "" {
		return fmt.Sprintf("openai: %s (%s)", e.Message, e.Code)
	}
	return "openai: " + e.Message
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn          *websocket.Conn
	events        chan live.Event
	onDecodeError func(error)
	log           *slog.Logger

	mu     sync.Mutex
	err    error
	closed bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

func (s *session) awaitSessionUpdated(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return live.ChannelError{Message: "openai: await session.updated", Err: err}
		}
		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.decodeError(fmt.Errorf("openai: malformed setup reply: %w", err))
			continue
		}
		switch evt.Type {
		case "session.updated":
			return nil
		case "error":
			return live.ChannelError{Message: evt.Error.String()}
		}
	}
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// receiveLoop owns the events channel and closes it on exit.
func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.log.Info("openai realtime channel closed by server")
				return
			}
			s.fail(live.ChannelError{Message: "openai: connection lost", Err: err})
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			s.decodeError(fmt.Errorf("openai: malformed server event: %w", err))
			continue
		}
		if !s.handleServerEvent(&evt) {
			return
		}
	}
}

func (s *session) handleServerEvent(evt *serverEvent) bool {
	switch evt.Type {
	case "response.audio.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(live.AudioChunk{Data: evt.Delta, MIMEType: live.OutputMIMEType})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return true
		}
		return s.emit(live.PartialTranscription{Channel: live.ChannelOutput, Text: evt.Delta})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return true
		}
		return s.emit(live.PartialTranscription{Channel: live.ChannelInput, Text: evt.Transcript})

	case "input_audio_buffer.speech_started":
		return s.emit(live.Interrupted{})

	case "response.done":
		return s.emit(live.TurnComplete{})

	case "response.function_call_arguments.done":
		if evt.CallID == "" || evt.Name == "" {
			s.decodeError(fmt.Errorf("openai: tool call missing id or name (id=%q name=%q)", evt.CallID, evt.Name))
			return true
		}
		args := map[string]any{}
		if evt.Arguments != "" {
			if err := json.Unmarshal([]byte(evt.Arguments), &args); err != nil {
				s.decodeError(fmt.Errorf("openai: tool call %s arguments: %w", evt.CallID, err))
				return true
			}
		}
		return s.emit(live.ToolCall{ID: evt.CallID, Name: evt.Name, Args: args})

	case "error":
		s.fail(live.ChannelError{Message: evt.Error.String()})
		return false
	}
	return true
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *session) fail(err live.ChannelError) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.closed = true
	s.mu.Unlock()
	s.log.Error("openai realtime channel failed", "err", err)
	s.emit(err)
}

func (s *session) decodeError(err error) {
	s.log.Warn("dropping inbound event", "err", err)
	if s.onDecodeError != nil {
		s.onDecodeError(err)
	}
}

func (s *session) abort() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.conn.Close(websocket.StatusInternalError, "setup failed")
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── ChannelHandle ──────────────────────────────────────────────────────────────

// Events implements [live.ChannelHandle].
func (s *session) Events() <-chan live.Event { return s.events }

// SendAudio implements [live.ChannelHandle]. The 16 kHz frame is resampled
// to 24 kHz before it is appended to the input buffer.
func (s *session) SendAudio(ctx context.Context, frame live.AudioFrame) error {
	if s.isClosed() {
		return live.ErrClosed
	}
	pcm, err := audio.DecodeBase64(frame.Data)
	if err != nil {
		return fmt.Errorf("openai: send audio: %w", err)
	}
	up := audio.ResampleMono16(pcm, audio.InputSampleRate, realtimeSampleRate)
	msg := appendAudioMessage{Type: "input_audio_buffer.append", Audio: audio.EncodeBase64(up)}
	if err := s.writeJSON(ctx, msg); err != nil {
		if s.isClosed() {
			return live.ErrClosed
		}
		return fmt.Errorf("openai: send audio: %w", err)
	}
	return nil
}

// SendToolResult implements [live.ChannelHandle]. The payload is returned as
// a function_call_output item and a new response is requested.
func (s *session) SendToolResult(ctx context.Context, res live.ToolResult) error {
	if s.isClosed() {
		return live.ErrClosed
	}
	if res.ID == "" {
		return errors.New("openai: tool result without id")
	}
	out, err := json.Marshal(res.Payload)
	if err != nil {
		return fmt.Errorf("openai: marshal tool result: %w", err)
	}
	item := createConversationItemMessage{
		Type: "conversation.item.create",
		Item: conversationItem{Type: "function_call_output", CallID: res.ID, Output: string(out)},
	}
	if err := s.writeJSON(ctx, item); err != nil {
		return fmt.Errorf("openai: send tool result: %w", err)
	}
	if err := s.writeJSON(ctx, map[string]string{"type": "response.create"}); err != nil {
		return fmt.Errorf("openai: request response: %w", err)
	}
	return nil
}

// Err implements [live.ChannelHandle].
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [live.ChannelHandle]. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		s.cancel()
		s.conn.Close(websocket.StatusNormalClosure, "session closed")
	})
	return nil
}

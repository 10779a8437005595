// Package gemini implements [live.Provider] for the Gemini Live API.
//
// The adapter speaks the BidiGenerateContent protocol over a single
// WebSocket: a setup message is sent on connect and [Provider.Connect]
// returns only after the server answers with setupComplete. Microphone audio
// is streamed as realtimeInput media chunks and tool results are returned as
// toolResponse messages. Every server message is translated into zero or
// more [live.Event] values in a fixed order.
package gemini

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aura/pkg/provider/live"
)

var (
	_ live.Provider      = (*Provider)(nil)
	_ live.ChannelHandle = (*session)(nil)
)

const (
	// DefaultModel is the native-audio Live model used when none is configured.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-09-2025"

	// DefaultVoice is the prebuilt voice used when none is configured.
	DefaultVoice = "Zephyr"

	defaultBaseURL      = "wss://generativelanguage.googleapis.com/ws"
	defaultSetupTimeout = 15 * time.Second
	keepaliveInterval   = 20 * time.Second
	keepaliveTimeout    = 5 * time.Second

	// readLimit bounds a single inbound message. Audio turns easily exceed
	// the websocket default of 32 KiB.
	readLimit = 16 << 20

	eventBuffer = 64
)

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the default Gemini model. [live.SessionConfig.Model]
// overrides it per session.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout bounds how long Connect waits for setupComplete.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// WithLogger sets the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(p *Provider) { p.log = l }
}

// ─── Provider ─────────────────────────────────────────────────────────────────

// Provider implements [live.Provider] for the Gemini Live API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
	log          *slog.Logger
}

// New creates a Gemini Live provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        DefaultModel,
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
func (p *Provider) Name() string { return "gemini" }

// Connect dials the Live endpoint, sends the setup message and blocks until
// setupComplete arrives, the server reports an error, the setup timeout
// elapses or ctx is cancelled. Failures are returned as [live.ChannelError].
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.ChannelHandle, error) {
	wsURL := fmt.Sprintf(
		"%s/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent?key=%s",
		p.baseURL, p.apiKey,
	)
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, live.ChannelError{Message: "gemini: dial", Err: err}
	}
	conn.SetReadLimit(readLimit)

	model := cfg.Model
	if model == "" {
		model = p.model
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	s := &session{
		conn:          conn,
		events:        make(chan live.Event, eventBuffer),
		onDecodeError: cfg.OnDecodeError,
		log:           p.log.With("provider", "gemini"),
		ctx:           sessCtx,
		cancel:        sessCancel,
	}

	setupCtx, cancel := context.WithTimeout(ctx, p.setupTimeout)
	defer cancel()

	if err := s.writeJSON(setupCtx, buildSetup(model, cfg)); err != nil {
		s.abort("setup failed")
		return nil, live.ChannelError{Message: "gemini: send setup", Err: err}
	}
	if err := s.awaitSetupComplete(setupCtx); err != nil {
		s.abort("setup failed")
		return nil, err
	}

	go s.receiveLoop()
	go s.keepaliveLoop()
	s.log.Debug("gemini live session established", "model", model)
	return s, nil
}

func buildSetup(model string, cfg live.SessionConfig) setupMessage {
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	voice := cfg.Voice
	if voice == "" {
		voice = DefaultVoice
	}
	setup := setupConfig{
		Model: model,
		GenerationConfig: &generationConfig{
			ResponseModalities: []string{"AUDIO"},
			SpeechConfig: &speechConfig{
				VoiceConfig: voiceConfig{PrebuiltVoiceConfig: prebuiltVoiceConfig{VoiceName: voice}},
			},
		},
	}
	if cfg.Instructions != "" {
		setup.SystemInstruction = &content{Parts: []part{{Text: cfg.Instructions}}}
	}
	if len(cfg.Tools) > 0 {
		decls := make([]functionDeclaration, len(cfg.Tools))
		for i, t := range cfg.Tools {
			decls[i] = functionDeclaration{Name: t.Name, Description: t.Description, Parameters: t.Parameters}
		}
		setup.Tools = []toolSet{{FunctionDeclarations: decls}}
	}
	if cfg.InputTranscription {
		setup.InputAudioTranscription = &struct{}{}
	}
	if cfg.OutputTranscription {
		setup.OutputAudioTranscription = &struct{}{}
	}
	return setupMessage{Setup: setup}
}

// ─── Protocol message types (outgoing) ────────────────────────────────────────

type setupMessage struct {
	Setup setupConfig `json:"setup"`
}

type setupConfig struct {
	Model                    string            `json:"model"`
	GenerationConfig         *generationConfig `json:"generationConfig,omitempty"`
	SystemInstruction        *content          `json:"systemInstruction,omitempty"`
	Tools                    []toolSet         `json:"tools,omitempty"`
	InputAudioTranscription  *struct{}         `json:"inputAudioTranscription,omitempty"`
	OutputAudioTranscription *struct{}         `json:"outputAudioTranscription,omitempty"`
}

type generationConfig struct {
	ResponseModalities []string      `json:"responseModalities,omitempty"`
	SpeechConfig       *speechConfig `json:"speechConfig,omitempty"`
}

type speechConfig struct {
	VoiceConfig voiceConfig `json:"voiceConfig"`
}

type voiceConfig struct {
	PrebuiltVoiceConfig prebuiltVoiceConfig `json:"prebuiltVoiceConfig"`
}

type prebuiltVoiceConfig struct {
	VoiceName string `json:"voiceName"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MIMEType string `json:"mimeType"`
	Data     string `json:"data"`
}

type toolSet struct {
	FunctionDeclarations []functionDeclaration `json:"functionDeclarations"`
}

type functionDeclaration struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type realtimeInputMessage struct {
	RealtimeInput realtimeInput `json:"realtimeInput"`
}

type realtimeInput struct {
	MediaChunks []inlineData `json:"mediaChunks"`
}

type toolResponseMessage struct {
	ToolResponse toolResponse `json:"toolResponse"`
}

type toolResponse struct {
	FunctionResponses []functionResponse `json:"functionResponses"`
}

type functionResponse struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Response map[string]any `json:"response"`
}

// ─── Protocol message types (incoming) ────────────────────────────────────────

type serverMessage struct {
	SetupComplete *struct{}      `json:"setupComplete,omitempty"`
	ServerContent *serverContent `json:"serverContent,omitempty"`
	ToolCall      *toolCall      `json:"toolCall,omitempty"`
	GoAway        *goAway        `json:"goAway,omitempty"`
	Error         *serverError   `json:"error,omitempty"`
}

type serverContent struct {
	ModelTurn           *content       `json:"modelTurn,omitempty"`
	TurnComplete        bool           `json:"turnComplete,omitempty"`
	Interrupted         bool           `json:"interrupted,omitempty"`
	InputTranscription  *transcription `json:"inputTranscription,omitempty"`
	OutputTranscription *transcription `json:"outputTranscription,omitempty"`
}

type transcription struct {
	Text string `json:"text"`
}

type toolCall struct {
	FunctionCalls []functionCall `json:"functionCalls"`
}

type functionCall struct {
	ID   string         `json:"id"`
	Name string         `json:"name"`
	Args map[string]any `json:"args,omitempty"`
}

type goAway struct {
	TimeLeft string `json:"timeLeft,omitempty"`
}

type serverError struct {
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
	Status  string `json:"status,omitempty"`
}

func (e *serverError) String() string {
	msg := e.Message
	if msg == "" {
		msg = "unknown error"
	}
	if e.Status != "" {
		return fmt.Sprintf("gemini: %s (%s, code %d)", msg, e.Status, e.Code)
	}
	return "gemini: " + msg
}

// ─── session ──────────────────────────────────────────────────────────────────

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

// awaitSetupComplete reads until the server acknowledges the setup message.
// Anything else that arrives first is ignored.
func (s *session) awaitSetupComplete(ctx context.Context) error {
	for {
		_, data, err := s.conn.Read(ctx)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				err = ctxErr
			}
			return live.ChannelError{Message: "gemini: await setupComplete", Err: err}
		}
		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.decodeError(fmt.Errorf("gemini: malformed setup reply: %w", err))
			continue
		}
		switch {
		case msg.Error != nil:
			return live.ChannelError{Message: msg.Error.String()}
		case msg.SetupComplete != nil:
			return nil
		}
	}
}

// writeJSON marshals v and writes it as a text frame.
func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("gemini: marshal: %w", err)
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
				s.log.Info("gemini live channel closed by server")
				return
			}
			s.fail(live.ChannelError{Message: "gemini: connection lost", Err: err})
			return
		}

		var msg serverMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.decodeError(fmt.Errorf("gemini: malformed server message: %w", err))
			continue
		}
		if !s.handleServerMessage(&msg) {
			return
		}
	}
}

// handleServerMessage emits the events carried by one message. It reports
// false when the stream must end.
func (s *session) handleServerMessage(msg *serverMessage) bool {
	if msg.Error != nil {
		s.fail(live.ChannelError{Message: msg.Error.String()})
		return false
	}
	if msg.GoAway != nil {
		s.log.Warn("gemini live server is going away", "time_left", msg.GoAway.TimeLeft)
	}
	if msg.ToolCall != nil {
		for _, fc := range msg.ToolCall.FunctionCalls {
			if fc.ID == "" || fc.Name == "" {
				s.decodeError(fmt.Errorf("gemini: tool call missing id or name (id=%q name=%q)", fc.ID, fc.Name))
				continue
			}
			if !s.emit(live.ToolCall{ID: fc.ID, Name: fc.Name, Args: fc.Args}) {
				return false
			}
		}
	}
	if sc := msg.ServerContent; sc != nil {
		return s.handleServerContent(sc)
	}
	return true
}

func (s *session) handleServerContent(sc *serverContent) bool {
	var evs []live.Event
	if sc.ModelTurn != nil {
		for _, p := range sc.ModelTurn.Parts {
			if p.InlineData == nil || p.InlineData.Data == "" {
				continue
			}
			mime := p.InlineData.MIMEType
			if mime == "" {
				mime = live.OutputMIMEType
			}
			evs = append(evs, live.AudioChunk{Data: p.InlineData.Data, MIMEType: mime})
		}
	}
	if sc.InputTranscription != nil && sc.InputTranscription.Text != "" {
		evs = append(evs, live.PartialTranscription{Channel: live.ChannelInput, Text: sc.InputTranscription.Text})
	}
	if sc.OutputTranscription != nil && sc.OutputTranscription.Text != "" {
		evs = append(evs, live.PartialTranscription{Channel: live.ChannelOutput, Text: sc.OutputTranscription.Text})
	}
	if sc.Interrupted {
		evs = append(evs, live.Interrupted{})
	}
	if sc.TurnComplete {
		evs = append(evs, live.TurnComplete{})
	}
	for _, ev := range evs {
		if !s.emit(ev) {
			return false
		}
	}
	return true
}

// emit blocks until the consumer takes ev or the session is closed.
func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// fail records err and delivers it as the final event.
func (s *session) fail(err live.ChannelError) {
	s.mu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.closed = true
	s.mu.Unlock()
	s.log.Error("gemini live channel failed", "err", err)
	s.emit(err)
}

func (s *session) decodeError(err error) {
	s.log.Warn("dropping inbound message", "err", err)
	if s.onDecodeError != nil {
		s.onDecodeError(err)
	}
}

// keepaliveLoop pings the server so idle sessions are not dropped by
// intermediaries.
func (s *session) keepaliveLoop() {
	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(s.ctx, keepaliveTimeout)
			if err := s.conn.Ping(pingCtx); err != nil && s.ctx.Err() == nil {
				s.log.Debug("gemini keepalive ping failed", "err", err)
			}
			cancel()
		}
	}
}

// abort tears down a session whose setup never completed.
func (s *session) abort(reason string) {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.conn.Close(websocket.StatusInternalError, reason)
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── ChannelHandle ────────────────────────────────────────────────────────────

// Events implements [live.ChannelHandle].
func (s *session) Events() <-chan live.Event { return s.events }

// SendAudio implements [live.ChannelHandle].
func (s *session) SendAudio(ctx context.Context, frame live.AudioFrame) error {
	if s.isClosed() {
		return live.ErrClosed
	}
	mime := frame.MIMEType
	if mime == "" {
		mime = live.InputMIMEType
	}
	msg := realtimeInputMessage{RealtimeInput: realtimeInput{
		MediaChunks: []inlineData{{MIMEType: mime, Data: frame.Data}},
	}}
	if err := s.writeJSON(ctx, msg); err != nil {
		if s.isClosed() {
			return live.ErrClosed
		}
		return fmt.Errorf("gemini: send audio: %w", err)
	}
	return nil
}

// SendToolResult implements [live.ChannelHandle].
func (s *session) SendToolResult(ctx context.Context, res live.ToolResult) error {
	if s.isClosed() {
		return live.ErrClosed
	}
	if res.ID == "" {
		return errors.New("gemini: tool result without id")
	}
	payload := res.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	msg := toolResponseMessage{ToolResponse: toolResponse{
		FunctionResponses: []functionResponse{{ID: res.ID, Name: res.Name, Response: payload}},
	}}
	if err := s.writeJSON(ctx, msg); err != nil {
		if s.isClosed() {
			return live.ErrClosed
		}
		return fmt.Errorf("gemini: send tool result: %w", err)
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

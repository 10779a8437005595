package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/aura/pkg/provider/live"
	"github.com/MrWong99/aura/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startServer launches a test WebSocket server that runs handler for each
// accepted connection. The server is closed when the test finishes.
func startServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

func writeRaw(t *testing.T, conn *websocket.Conn, data string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := conn.Write(ctx, websocket.MessageText, []byte(data)); err != nil {
		t.Logf("write: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	var setup map[string]any
	readJSON(t, conn, &setup)
	writeRaw(t, conn, `{"setupComplete":{}}`)
	return setup
}

// waitClosed blocks until the server side sees the client go away.
func waitClosed(conn *websocket.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for {
		if _, _, err := conn.Read(ctx); err != nil {
			return
		}
	}
}

func newProvider(srv *httptest.Server, opts ...gemini.Option) *gemini.Provider {
	return gemini.New("test-key", append([]gemini.Option{gemini.WithBaseURL(wsURL(srv))}, opts...)...)
}

func collect(t *testing.T, h live.ChannelHandle, n int) []live.Event {
	t.Helper()
	var out []live.Event
	timeout := time.After(3 * time.Second)
	for len(out) < n {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				t.Fatalf("events closed after %d of %d: %#v", len(out), n, out)
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events: %#v", len(out), n, out)
		}
	}
	return out
}

func drainUntilClosed(t *testing.T, h live.ChannelHandle) []live.Event {
	t.Helper()
	var out []live.Event
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-timeout:
			t.Fatal("events channel not closed")
		}
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestConnect_SendsSetupAndWaitsForSetupComplete(t *testing.T) {
	t.Parallel()

	var acked atomic.Bool
	setupCh := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, r *http.Request) {
		if got := r.URL.Query().Get("key"); got != "test-key" {
			t.Errorf("key: got %q", got)
		}
		if !strings.HasSuffix(r.URL.Path, "BidiGenerateContent") {
			t.Errorf("path: got %q", r.URL.Path)
		}
		var setup map[string]any
		readJSON(t, conn, &setup)
		setupCh <- setup
		time.Sleep(50 * time.Millisecond)
		acked.Store(true)
		writeRaw(t, conn, `{"setupComplete":{}}`)
		waitClosed(conn)
	})

	h, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{
		Voice:        "Puck",
		Instructions: "be brief",
		Tools: []live.ToolDeclaration{{
			Name:        "productLookup",
			Description: "find a product",
			Parameters:  map[string]any{"type": "OBJECT"},
		}},
		InputTranscription:  true,
		OutputTranscription: true,
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()
	if !acked.Load() {
		t.Fatal("Connect returned before setupComplete")
	}

	setup := (<-setupCh)["setup"].(map[string]any)
	if got := setup["model"]; got != "models/"+gemini.DefaultModel {
		t.Errorf("model: got %v", got)
	}
	gen := setup["generationConfig"].(map[string]any)
	voice := gen["speechConfig"].(map[string]any)["voiceConfig"].(map[string]any)["prebuiltVoiceConfig"].(map[string]any)["voiceName"]
	if voice != "Puck" {
		t.Errorf("voice: got %v", voice)
	}
	if _, ok := setup["inputAudioTranscription"]; !ok {
		t.Error("expected inputAudioTranscription")
	}
	if _, ok := setup["outputAudioTranscription"]; !ok {
		t.Error("expected outputAudioTranscription")
	}
	text := setup["systemInstruction"].(map[string]any)["parts"].([]any)[0].(map[string]any)["text"]
	if text != "be brief" {
		t.Errorf("instructions: got %v", text)
	}
	decl := setup["tools"].([]any)[0].(map[string]any)["functionDeclarations"].([]any)[0].(map[string]any)
	if decl["name"] != "productLookup" {
		t.Errorf("tool name: got %v", decl["name"])
	}
}

func TestConnect_ModelOverride(t *testing.T) {
	t.Parallel()
	setupCh := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		setupCh <- acceptSetup(t, conn)
		waitClosed(conn)
	})
	h, err := newProvider(srv, gemini.WithModel("base-model")).Connect(t.Context(), live.SessionConfig{Model: "models/other"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()
	if got := (<-setupCh)["setup"].(map[string]any)["model"]; got != "models/other" {
		t.Errorf("model: got %v", got)
	}
}

func TestConnect_ServerErrorIsChannelError(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var setup map[string]any
		readJSON(t, conn, &setup)
		writeRaw(t, conn, `{"error":{"code":403,"message":"API key not valid","status":"PERMISSION_DENIED"}}`)
		waitClosed(conn)
	})
	_, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{})
	var ce live.ChannelError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChannelError, got %v", err)
	}
	if !strings.Contains(ce.Message, "API key not valid") {
		t.Errorf("message: got %q", ce.Message)
	}
}

func TestConnect_SetupTimeout(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		waitClosed(conn)
	})
	_, err := newProvider(srv, gemini.WithSetupTimeout(100*time.Millisecond)).Connect(t.Context(), live.SessionConfig{})
	var ce live.ChannelError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChannelError, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline cause, got %v", err)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	p := gemini.New("k", gemini.WithBaseURL("ws://127.0.0.1:1"))
	_, err := p.Connect(t.Context(), live.SessionConfig{})
	var ce live.ChannelError
	if !errors.As(err, &ce) {
		t.Fatalf("expected ChannelError, got %v", err)
	}
}

// ── Outbound ──────────────────────────────────────────────────────────────────

func TestSendAudio_WritesMediaChunk(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
		waitClosed(conn)
	})
	h, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if err := h.SendAudio(t.Context(), live.AudioFrame{Data: "AAAA"}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	msg := <-got
	chunk := msg["realtimeInput"].(map[string]any)["mediaChunks"].([]any)[0].(map[string]any)
	if chunk["mimeType"] != live.InputMIMEType || chunk["data"] != "AAAA" {
		t.Errorf("chunk: got %v", chunk)
	}
}

func TestSendToolResult_WritesFunctionResponse(t *testing.T) {
	t.Parallel()
	got := make(chan map[string]any, 1)
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg map[string]any
		readJSON(t, conn, &msg)
		got <- msg
		waitClosed(conn)
	})
	h, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	err = h.SendToolResult(t.Context(), live.ToolResult{
		ID: "call-1", Name: "productLookup", Payload: map[string]any{"error": "not found"},
	})
	if err != nil {
		t.Fatalf("SendToolResult: %v", err)
	}
	resp := (<-got)["toolResponse"].(map[string]any)["functionResponses"].([]any)[0].(map[string]any)
	if resp["id"] != "call-1" || resp["name"] != "productLookup" {
		t.Errorf("response: got %v", resp)
	}
	if resp["response"].(map[string]any)["error"] != "not found" {
		t.Errorf("payload: got %v", resp["response"])
	}
}

func TestSend_AfterCloseReturnsErrClosed(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		waitClosed(conn)
	})
	h, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := h.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := h.SendAudio(t.Context(), live.AudioFrame{Data: "AAAA"}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("SendAudio: got %v, want ErrClosed", err)
	}
	if err := h.SendToolResult(t.Context(), live.ToolResult{ID: "x", Name: "y"}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("SendToolResult: got %v, want ErrClosed", err)
	}
	drainUntilClosed(t, h)
	if h.Err() != nil {
		t.Errorf("Err after local close: got %v, want nil", h.Err())
	}
}

// ── Inbound ───────────────────────────────────────────────────────────────────

func TestEvents_OrderWithinMessage(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeRaw(t, conn, `{"toolCall":{"functionCalls":[{"id":"c1","name":"productLookup","args":{"productName":"NovaBook Pro"}}]}}`)
		writeRaw(t, conn, `{"serverContent":{
			"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AAAA"}},{"inlineData":{"data":"BBBB"}}]},
			"inputTranscription":{"text":"Hel"},
			"outputTranscription":{"text":"Hi"},
			"interrupted":true,
			"turnComplete":true}}`)
		waitClosed(conn)
	})
	h, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	got := collect(t, h, 7)
	want := []live.Event{
		live.ToolCall{ID: "c1", Name: "productLookup", Args: map[string]any{"productName": "NovaBook Pro"}},
		live.AudioChunk{Data: "AAAA", MIMEType: "audio/pcm;rate=24000"},
		live.AudioChunk{Data: "BBBB", MIMEType: live.OutputMIMEType},
		live.PartialTranscription{Channel: live.ChannelInput, Text: "Hel"},
		live.PartialTranscription{Channel: live.ChannelOutput, Text: "Hi"},
		live.Interrupted{},
		live.TurnComplete{},
	}
	for i := range want {
		if tc, ok := want[i].(live.ToolCall); ok {
			g, ok := got[i].(live.ToolCall)
			if !ok || g.ID != tc.ID || g.Name != tc.Name || g.Args["productName"] != "NovaBook Pro" {
				t.Errorf("event %d: got %#v, want %#v", i, got[i], want[i])
			}
			continue
		}
		if got[i] != want[i] {
			t.Errorf("event %d: got %#v, want %#v", i, got[i], want[i])
		}
	}
}

func TestEvents_MalformedMessagesAreDroppedAndCounted(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeRaw(t, conn, `{not json`)
		writeRaw(t, conn, `{"toolCall":{"functionCalls":[{"name":"productLookup"},{"id":"c2"}]}}`)
		writeRaw(t, conn, `{"serverContent":{"turnComplete":true}}`)
		waitClosed(conn)
	})
	var decodeErrs atomic.Int32
	h, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{
		OnDecodeError: func(error) { decodeErrs.Add(1) },
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	got := collect(t, h, 1)
	if _, ok := got[0].(live.TurnComplete); !ok {
		t.Fatalf("expected TurnComplete after dropped messages, got %#v", got[0])
	}
	if n := decodeErrs.Load(); n != 3 {
		t.Errorf("decode errors: got %d, want 3", n)
	}
}

func TestEvents_ServerErrorEndsStream(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeRaw(t, conn, `{"error":{"code":500,"message":"internal","status":"INTERNAL"}}`)
		waitClosed(conn)
	})
	h, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	evs := drainUntilClosed(t, h)
	if len(evs) != 1 {
		t.Fatalf("events: got %#v", evs)
	}
	if _, ok := evs[0].(live.ChannelError); !ok {
		t.Fatalf("expected ChannelError, got %#v", evs[0])
	}
	var ce live.ChannelError
	if !errors.As(h.Err(), &ce) {
		t.Errorf("Err: got %v", h.Err())
	}
	if err := h.SendAudio(t.Context(), live.AudioFrame{Data: "AAAA"}); !errors.Is(err, live.ErrClosed) {
		t.Errorf("SendAudio after failure: got %v", err)
	}
}

func TestEvents_AbruptDisconnectIsChannelError(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.CloseNow()
	})
	h, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	evs := drainUntilClosed(t, h)
	if len(evs) != 1 {
		t.Fatalf("events: got %#v", evs)
	}
	if _, ok := evs[0].(live.ChannelError); !ok {
		t.Errorf("expected ChannelError, got %#v", evs[0])
	}
}

func TestEvents_NormalServerCloseEndsQuietly(t *testing.T) {
	t.Parallel()
	srv := startServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusNormalClosure, "bye")
	})
	h, err := newProvider(srv).Connect(t.Context(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer h.Close()

	if evs := drainUntilClosed(t, h); len(evs) != 0 {
		t.Errorf("expected no events, got %#v", evs)
	}
	if h.Err() != nil {
		t.Errorf("Err: got %v, want nil", h.Err())
	}
}

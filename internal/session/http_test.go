package session_test

import (
	"bufio"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MrWong99/aura/internal/session"
	"github.com/MrWong99/aura/pkg/audio"
	"github.com/MrWong99/aura/pkg/provider/live"
)

type snapshotBody struct {
	Status        string `json:"status"`
	ModelSpeaking bool   `json:"model_speaking"`
	Error         string `json:"error"`
	Transcript    []struct {
		Speaker string `json:"speaker"`
		Text    string `json:"text"`
	} `json:"transcript"`
}

func newAdminServer(t *testing.T, h *harness) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	session.NewHandler(h.sess).Register(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string) (int, snapshotBody) {
	t.Helper()
	req, err := http.NewRequestWithContext(t.Context(), method, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	var body snapshotBody
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp.StatusCode, body
}

func TestHandler_StartStop(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	srv := newAdminServer(t, h)

	code, body := doJSON(t, http.MethodGet, srv.URL+"/session")
	if code != http.StatusOK || body.Status != "idle" {
		t.Fatalf("GET /session = %d %+v", code, body)
	}

	code, body = doJSON(t, http.MethodPost, srv.URL+"/session/start")
	if code != http.StatusOK || body.Status != "connected" {
		t.Fatalf("start = %d %+v", code, body)
	}

	code, body = doJSON(t, http.MethodPost, srv.URL+"/session/stop")
	if code != http.StatusOK || body.Status != "idle" {
		t.Fatalf("stop = %d %+v", code, body)
	}
	if !h.provider.LastHandle().Closed() {
		t.Error("channel not closed by stop")
	}
}

func TestHandler_StartErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		setup    func(h *harness)
		wantCode int
	}{
		{
			name:     "permission denied",
			setup:    func(h *harness) { h.mic.OpenErr = audio.ErrPermissionDenied },
			wantCode: http.StatusForbidden,
		},
		{
			name:     "channel setup",
			setup:    func(h *harness) { h.provider.ConnectErr = live.ChannelError{Message: "bad key"} },
			wantCode: http.StatusBadGateway,
		},
		{
			name:     "device failure",
			setup:    func(h *harness) { h.speaker.OpenErr = errors.New("no sink") },
			wantCode: http.StatusInternalServerError,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, tt.setup)
			srv := newAdminServer(t, h)

			code, body := doJSON(t, http.MethodPost, srv.URL+"/session/start")
			if code != tt.wantCode {
				t.Errorf("code = %d, want %d", code, tt.wantCode)
			}
			if body.Status != "error" || body.Error == "" {
				t.Errorf("body = %+v, want error status with message", body)
			}
		})
	}
}

func TestHandler_Events(t *testing.T) {
	t.Parallel()
	h := newHarness(t, nil)
	srv := newAdminServer(t, h)

	req, err := http.NewRequestWithContext(t.Context(), http.MethodGet, srv.URL+"/session/events", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	lines := make(chan string, 16)
	go func() {
		sc := bufio.NewScanner(resp.Body)
		for sc.Scan() {
			if data, ok := strings.CutPrefix(sc.Text(), "data: "); ok {
				lines <- data
			}
		}
		close(lines)
	}()

	next := func() snapshotBody {
		t.Helper()
		select {
		case data, ok := <-lines:
			if !ok {
				t.Fatal("event stream ended")
			}
			var body snapshotBody
			if err := json.Unmarshal([]byte(data), &body); err != nil {
				t.Fatalf("decode event: %v", err)
			}
			return body
		case <-time.After(2 * time.Second):
			t.Fatal("no event")
		}
		return snapshotBody{}
	}

	if first := next(); first.Status != "idle" {
		t.Fatalf("first event = %+v, want idle", first)
	}

	handle := h.start(t)
	handle.Emit(live.PartialTranscription{Channel: live.ChannelInput, Text: "hello"}, live.TurnComplete{})

	// Intermediate snapshots may be skipped; the committed turn must arrive.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case <-deadline:
			t.Fatal("committed turn never streamed")
		default:
		}
		ev := next()
		if len(ev.Transcript) == 1 && ev.Transcript[0].Text == "hello" {
			if ev.Status != "connected" {
				t.Errorf("status = %q", ev.Status)
			}
			return
		}
	}
}

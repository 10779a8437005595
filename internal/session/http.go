package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
)

// Handler exposes a session on the admin server:
//
//	GET  /session         current snapshot
//	POST /session/start   Start, then the resulting snapshot
//	POST /session/stop    Stop, then the resulting snapshot
//	GET  /session/events  server-sent snapshots, latest wins
type Handler struct {
	s *Session
}

// NewHandler returns a Handler for s.
func NewHandler(s *Session) *Handler { return &Handler{s: s} }

// Register mounts the session routes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /session", h.snapshot)
	mux.HandleFunc("POST /session/start", h.start)
	mux.HandleFunc("POST /session/stop", h.stop)
	mux.HandleFunc("GET /session/events", h.events)
}

func (h *Handler) snapshot(w http.ResponseWriter, _ *http.Request) {
	writeSnapshot(w, http.StatusOK, h.s.Snapshot())
}

func (h *Handler) start(w http.ResponseWriter, r *http.Request) {
	err := h.s.Start(r.Context())
	writeSnapshot(w, startStatus(err), h.s.Snapshot())
}

func (h *Handler) stop(w http.ResponseWriter, _ *http.Request) {
	h.s.Stop()
	writeSnapshot(w, http.StatusOK, h.s.Snapshot())
}

func (h *Handler) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	ch, cancel := h.s.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for {
		select {
		case <-r.Context().Done():
			return
		case snap, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(snap)
			if err != nil {
				slog.Warn("session: encode snapshot", "err", err)
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// startStatus maps a Start error to an HTTP status.
func startStatus(err error) int {
	var (
		permErr *PermissionError
		chErr   *ChannelError
	)
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrSuperseded):
		return http.StatusConflict
	case errors.As(err, &permErr):
		return http.StatusForbidden
	case errors.As(err, &chErr):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func writeSnapshot(w http.ResponseWriter, status int, snap Snapshot) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(snap)
}

package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/streaming"
)

const subscriberBuffer = 256

// StreamingHandler serves SSE and WebSocket endpoints for session progress.
type StreamingHandler struct {
	mgr       *streaming.Manager
	logger    *zap.Logger
	heartbeat time.Duration
}

func NewStreamingHandler(mgr *streaming.Manager, logger *zap.Logger) *StreamingHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamingHandler{mgr: mgr, logger: logger, heartbeat: 15 * time.Second}
}

// RegisterRoutes registers SSE and WebSocket routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// streamRequest holds the options shared by the SSE and WebSocket streams.
type streamRequest struct {
	sessionID string
	types     map[string]struct{}
	// replay is set when the client asked to catch up from lastID.
	replay bool
	lastID uint64
}

func parseStreamRequest(r *http.Request) (streamRequest, error) {
	q := r.URL.Query()
	sr := streamRequest{sessionID: q.Get("session_id"), types: map[string]struct{}{}}
	if sr.sessionID == "" {
		return sr, fmt.Errorf("session_id required")
	}
	if s := q.Get("types"); s != "" {
		for _, t := range strings.Split(s, ",") {
			if t = strings.TrimSpace(t); t != "" {
				sr.types[t] = struct{}{}
			}
		}
	}
	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = q.Get("last_event_id")
	}
	if raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return sr, fmt.Errorf("invalid last event id %q", raw)
		}
		sr.replay, sr.lastID = true, n
	}
	return sr, nil
}

func (sr streamRequest) wants(ev streaming.Event) bool {
	if len(sr.types) == 0 {
		return true
	}
	_, ok := sr.types[ev.Type]
	return ok
}

// handleSSE streams events for a session via Server-Sent Events until the
// session ends or the client disconnects.
// GET /stream/sse?session_id=<id>[&types=a,b][&last_event_id=n]
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	sr, err := parseStreamRequest(r)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.mgr.Subscribe(sr.sessionID, subscriberBuffer)
	defer h.mgr.Unsubscribe(sr.sessionID, ch)

	fmt.Fprintf(w, ": connected to session %s\n\n", sr.sessionID)
	flusher.Flush()

	var sent uint64
	write := func(ev streaming.Event) (done bool) {
		if ev.Seq <= sent {
			return false
		}
		sent = ev.Seq
		if sr.wants(ev) {
			fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.Seq, ev.Type, ev.Marshal())
		}
		return ev.Terminal()
	}

	if sr.replay {
		for _, ev := range h.mgr.ReplaySince(sr.sessionID, sr.lastID) {
			if write(ev) {
				flusher.Flush()
				return
			}
		}
		flusher.Flush()
	}

	hb := time.NewTicker(h.heartbeat)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Info("SSE client disconnected", zap.String("session_id", sr.sessionID))
			return
		case ev := <-ch:
			done := write(ev)
			flusher.Flush()
			if done {
				return
			}
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

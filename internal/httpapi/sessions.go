package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/store"
)

// SessionReader reads persisted sessions. *store.Store implements it.
type SessionReader interface {
	Load(ctx context.Context, id string) (*store.Session, error)
	List(ctx context.Context, limit int) ([]store.Session, error)
}

// SessionsHandler exposes stored sessions read-only.
type SessionsHandler struct {
	sessions SessionReader
	logger   *zap.Logger
}

func NewSessionsHandler(sessions SessionReader, logger *zap.Logger) *SessionsHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SessionsHandler{sessions: sessions, logger: logger}
}

func (h *SessionsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /sessions", h.handleList)
	mux.HandleFunc("GET /sessions/{id}", h.handleGet)
	mux.HandleFunc("GET /sessions/{id}/report", h.handleReport)
}

type sessionSummary struct {
	ID        string    `json:"id"`
	Topic     string    `json:"topic"`
	Mode      string    `json:"mode"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type sessionDetail struct {
	sessionSummary
	Plan   json.RawMessage `json:"plan,omitempty"`
	Tree   json.RawMessage `json:"tree,omitempty"`
	Report string          `json:"report,omitempty"`
}

func summarize(s store.Session) sessionSummary {
	return sessionSummary{
		ID:        s.ID,
		Topic:     s.Topic,
		Mode:      s.Mode,
		Status:    s.Status,
		Error:     s.Error,
		CreatedAt: s.CreatedAt,
		UpdatedAt: s.UpdatedAt,
	}
}

// handleList: GET /sessions?limit=20
func (h *SessionsHandler) handleList(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list, err := h.sessions.List(r.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list sessions")
		return
	}
	out := make([]sessionSummary, 0, len(list))
	for _, s := range list {
		out = append(out, summarize(s))
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sessions": out})
}

func (h *SessionsHandler) handleGet(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, sessionDetail{
		sessionSummary: summarize(*sess),
		Plan:           json.RawMessage(sess.Plan),
		Tree:           json.RawMessage(sess.Tree),
		Report:         sess.Report,
	})
}

// handleReport returns the report document as markdown.
func (h *SessionsHandler) handleReport(w http.ResponseWriter, r *http.Request) {
	sess, ok := h.load(w, r)
	if !ok {
		return
	}
	if sess.Report == "" {
		writeError(w, http.StatusNotFound, "report not written yet")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	_, _ = w.Write([]byte(sess.Report))
}

func (h *SessionsHandler) load(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	id := r.PathValue("id")
	sess, err := h.sessions.Load(r.Context(), id)
	switch {
	case errors.Is(err, store.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
		return nil, false
	case err != nil:
		h.logger.Error("Failed to load session", zap.String("session_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return nil, false
	}
	return sess, true
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/streaming"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true }, // Dev-friendly, secure via proxy in prod
}

// RegisterWebSocket registers the /stream/ws endpoint.
func (h *StreamingHandler) RegisterWebSocket(mux *http.ServeMux) {
	mux.HandleFunc("GET /stream/ws", h.handleWS)
}

// handleWS streams events as JSON messages and closes the connection
// normally once the session ends.
// GET /stream/ws?session_id=<id>[&types=a,b][&last_event_id=n]
func (h *StreamingHandler) handleWS(w http.ResponseWriter, r *http.Request) {
	sr, err := parseStreamRequest(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("WebSocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	ch := h.mgr.Subscribe(sr.sessionID, subscriberBuffer)
	defer h.mgr.Unsubscribe(sr.sessionID, ch)

	var sent uint64
	// write reports whether the stream is over.
	write := func(ev streaming.Event) (bool, error) {
		if ev.Seq <= sent {
			return false, nil
		}
		sent = ev.Seq
		if sr.wants(ev) {
			if err := conn.WriteJSON(ev); err != nil {
				return true, err
			}
		}
		return ev.Terminal(), nil
	}
	closeNormal := func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session ended")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}

	if sr.replay {
		for _, ev := range h.mgr.ReplaySince(sr.sessionID, sr.lastID) {
			done, err := write(ev)
			if err != nil {
				return
			}
			if done {
				closeNormal()
				return
			}
		}
	}

	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})

	// Reader pump discards client messages and notices disconnects.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(20 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-gone:
			h.logger.Info("WebSocket client disconnected", zap.String("session_id", sr.sessionID))
			return
		case ev := <-ch:
			done, err := write(ev)
			if err != nil {
				return
			}
			if done {
				closeNormal()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}
}

package streaming

import (
	"encoding/json"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tree"
)

// Event types.
const (
	EventSessionStarted   = "session.started"
	EventNodeChanged      = "node.status"
	EventSynthesisStarted = "synthesis.started"
	EventSessionCompleted = "session.completed"
	EventSessionFailed    = "session.failed"
)

// Event is one progress notification of a research session.
type Event struct {
	SessionID string    `json:"session_id"`
	Type      string    `json:"type"`
	NodeID    string    `json:"node_id,omitempty"`
	ParentID  string    `json:"parent_id,omitempty"`
	Query     string    `json:"query,omitempty"`
	Depth     int       `json:"depth"`
	From      string    `json:"from,omitempty"`
	Status    string    `json:"status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Seq       uint64    `json:"seq"`
}

// Terminal reports whether no further events follow for the session.
func (e Event) Terminal() bool {
	return e.Type == EventSessionCompleted || e.Type == EventSessionFailed
}

// Marshal returns JSON for event payloads in SSE or logs.
func (e Event) Marshal() []byte {
	b, _ := json.Marshal(e)
	return b
}

const defaultCapacity = 256

// Manager provides in-memory pub/sub for session events.
type Manager struct {
	mu          sync.RWMutex
	subscribers map[string]map[chan Event]struct{}
	// per-session ring buffer for replay and Last-Event-ID support
	history  map[string]*ring
	capacity int
	dropped  uint64
	logger   *zap.Logger
}

// NewManager returns a manager keeping up to capacity events per session.
func NewManager(capacity int, logger *zap.Logger) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		subscribers: make(map[string]map[chan Event]struct{}),
		history:     make(map[string]*ring),
		capacity:    capacity,
		logger:      logger,
	}
}

// Subscribe adds a subscriber channel for a session; caller must drain and call Unsubscribe.
func (m *Manager) Subscribe(sessionID string, buffer int) chan Event {
	ch := make(chan Event, buffer)
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := m.subscribers[sessionID]
	if subs == nil {
		subs = make(map[chan Event]struct{})
		m.subscribers[sessionID] = subs
	}
	subs[ch] = struct{}{}
	return ch
}

// Unsubscribe removes the subscriber channel and closes it.
func (m *Manager) Unsubscribe(sessionID string, ch chan Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if subs, ok := m.subscribers[sessionID]; ok {
		if _, ok := subs[ch]; !ok {
			return
		}
		delete(subs, ch)
		close(ch)
		if len(subs) == 0 {
			delete(m.subscribers, sessionID)
		}
	}
}

// Publish sends an event to all subscribers of the session without
// blocking. Slow subscribers miss events and can catch up with ReplaySince.
func (m *Manager) Publish(sessionID string, evt Event) Event {
	evt.SessionID = sessionID
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	m.mu.Lock()
	rg := m.history[sessionID]
	if rg == nil {
		rg = newRing(m.capacity)
		m.history[sessionID] = rg
	}
	rg.nextSeq++
	evt.Seq = rg.nextSeq
	rg.push(evt)
	dropped := 0
	for ch := range m.subscribers[sessionID] {
		select {
		case ch <- evt:
		default:
			dropped++
		}
	}
	m.dropped += uint64(dropped)
	m.mu.Unlock()

	if dropped > 0 {
		m.logger.Debug("Dropped event for slow subscribers",
			zap.String("session_id", sessionID),
			zap.Uint64("seq", evt.Seq),
			zap.Int("subscribers", dropped),
		)
	}
	return evt
}

// ReplaySince returns events with Seq > since (best-effort within ring capacity).
func (m *Manager) ReplaySince(sessionID string, since uint64) []Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rg := m.history[sessionID]
	if rg == nil {
		return nil
	}
	return rg.since(since)
}

// Forget drops the history of a finished session.
func (m *Manager) Forget(sessionID string) {
	m.mu.Lock()
	delete(m.history, sessionID)
	m.mu.Unlock()
}

// Dropped returns the number of deliveries skipped because a subscriber
// buffer was full.
func (m *Manager) Dropped() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.dropped
}

// NodeObserver publishes tree events of one session.
func (m *Manager) NodeObserver(sessionID string) tree.Observer {
	return tree.ObserverFunc(func(e tree.Event) {
		m.Publish(sessionID, Event{
			Type:      EventNodeChanged,
			NodeID:    e.NodeID,
			ParentID:  e.ParentID,
			Query:     e.Query,
			Depth:     e.Depth,
			From:      string(e.From),
			Status:    string(e.To),
			Message:   e.Error,
			Timestamp: e.Time,
		})
	})
}

// ring is a fixed-capacity ring buffer of events
type ring struct {
	buf     []Event
	start   int
	count   int
	nextSeq uint64
}

func newRing(capacity int) *ring { return &ring{buf: make([]Event, capacity)} }

func (r *ring) push(e Event) {
	if len(r.buf) == 0 {
		return
	}
	if r.count < len(r.buf) {
		r.buf[(r.start+r.count)%len(r.buf)] = e
		r.count++
		return
	}
	// overwrite oldest
	r.buf[r.start] = e
	r.start = (r.start + 1) % len(r.buf)
}

func (r *ring) since(seq uint64) []Event {
	if r.count == 0 {
		return nil
	}
	out := make([]Event, 0, r.count)
	for i := 0; i < r.count; i++ {
		ev := r.buf[(r.start+i)%len(r.buf)]
		if ev.Seq > seq {
			out = append(out, ev)
		}
	}
	return out
}

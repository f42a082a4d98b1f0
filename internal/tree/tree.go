package tree

import (
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

// Tree owns every node of a research session and is the only place where
// structure or state changes. It also owns the tree-wide dedup index:
// normalized query text and claimed source ids.
type Tree struct {
	mu      sync.RWMutex
	rootID  string
	nodes   map[string]*Node
	queries map[string]string // normalized query -> node id
	sources map[string]string // source id -> owning node id

	observer Observer
	newID    func() string
	now      func() time.Time
}

// Option configures a Tree.
type Option func(*Tree)

// WithObserver registers the receiver of node events.
func WithObserver(o Observer) Option {
	return func(t *Tree) { t.observer = o }
}

// WithIDFunc overrides node id generation.
func WithIDFunc(f func() string) Option {
	return func(t *Tree) { t.newID = f }
}

// WithClock overrides the time source.
func WithClock(f func() time.Time) Option {
	return func(t *Tree) { t.now = f }
}

func newTree(opts []Option) *Tree {
	t := &Tree{
		nodes:   make(map[string]*Node),
		queries: make(map[string]string),
		sources: make(map[string]string),
		newID:   uuid.NewString,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// New creates a tree holding a single pending root node.
func New(rootQuery string, opts ...Option) (*Tree, error) {
	q := strings.TrimSpace(rootQuery)
	if q == "" {
		return nil, ErrEmptyQuery
	}
	t := newTree(opts)
	now := t.now()
	root := &Node{
		ID:        t.newID(),
		Query:     q,
		Depth:     0,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.rootID = root.ID
	t.nodes[root.ID] = root
	t.queries[util.NormalizeText(q)] = root.ID
	t.notify(Event{NodeID: root.ID, Query: q, To: StatusPending, Time: now})
	return t, nil
}

// RootID returns the id of the root node.
func (t *Tree) RootID() string { return t.rootID }

// Len returns the number of nodes.
func (t *Tree) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.nodes)
}

// Node returns a copy of the node with the given id.
func (t *Tree) Node(id string) (Node, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	n, ok := t.nodes[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// MarkRunning moves a pending node to running.
func (t *Tree) MarkRunning(id string) error {
	return t.transition(id, StatusRunning, "")
}

// Fail moves a running node to failed and records the reason for the report.
// Learnings and sources gathered so far are never committed.
func (t *Tree) Fail(id, reason string) error {
	return t.transition(id, StatusFailed, reason)
}

func (t *Tree) transition(id string, to Status, reason string) error {
	t.mu.Lock()
	n, ok := t.nodes[id]
	if !ok {
		t.mu.Unlock()
		return ErrNodeNotFound
	}
	from := n.Status
	if !canTransition(from, to) {
		t.mu.Unlock()
		return &TransitionError{NodeID: id, From: from, To: to}
	}
	now := t.now()
	n.Status = to
	n.Error = reason
	n.UpdatedAt = now
	ev := Event{NodeID: id, ParentID: n.ParentID, Query: n.Query, Depth: n.Depth, From: from, To: to, Error: reason, Time: now}
	t.mu.Unlock()

	t.notify(ev)
	return nil
}

// Complete commits a research result and moves the node from running to
// completed in one step. Duplicate or empty learnings are dropped. A source
// already claimed anywhere in the tree is not re-added; the returned slice
// holds the sources this node newly claimed.
func (t *Tree) Complete(id string, res Result) ([]Source, error) {
	t.mu.Lock()
	n, ok := t.nodes[id]
	if !ok {
		t.mu.Unlock()
		return nil, ErrNodeNotFound
	}
	if !canTransition(n.Status, StatusCompleted) {
		from := n.Status
		t.mu.Unlock()
		return nil, &TransitionError{NodeID: id, From: from, To: StatusCompleted}
	}

	seen := make(map[string]struct{}, len(res.Learnings))
	for _, l := range res.Learnings {
		l = strings.TrimSpace(l)
		if l == "" {
			continue
		}
		if _, dup := seen[l]; dup {
			continue
		}
		seen[l] = struct{}{}
		n.Learnings = append(n.Learnings, l)
	}

	var added []Source
	for _, s := range res.Sources {
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			continue
		}
		if _, claimed := t.sources[s.ID]; claimed {
			continue
		}
		t.sources[s.ID] = id
		n.Sources = append(n.Sources, s)
		added = append(added, s)
	}

	now := t.now()
	from := n.Status
	n.Status = StatusCompleted
	n.UpdatedAt = now
	ev := Event{NodeID: id, ParentID: n.ParentID, Query: n.Query, Depth: n.Depth, From: from, To: StatusCompleted, Time: now}
	t.mu.Unlock()

	t.notify(ev)
	return added, nil
}

// Expand runs the single expansion pass of a completed node, inserting one
// pending child per query at depth parent+1. Queries whose normalized text
// already exists in the tree are skipped. The node is marked expanded even
// when no child survives.
func (t *Tree) Expand(parentID string, queries []string) ([]string, error) {
	t.mu.Lock()
	parent, ok := t.nodes[parentID]
	if !ok {
		t.mu.Unlock()
		return nil, ErrNodeNotFound
	}
	if parent.Status != StatusCompleted {
		t.mu.Unlock()
		return nil, ErrNotCompleted
	}
	if parent.Expanded {
		t.mu.Unlock()
		return nil, ErrAlreadyExpanded
	}

	now := t.now()
	ids := make([]string, 0, len(queries))
	events := make([]Event, 0, len(queries))
	for _, q := range queries {
		q = strings.TrimSpace(q)
		norm := util.NormalizeText(q)
		if norm == "" {
			continue
		}
		if _, dup := t.queries[norm]; dup {
			continue
		}
		child := &Node{
			ID:        t.newID(),
			Query:     q,
			ParentID:  parentID,
			Depth:     parent.Depth + 1,
			Status:    StatusPending,
			CreatedAt: now,
			UpdatedAt: now,
		}
		t.nodes[child.ID] = child
		t.queries[norm] = child.ID
		ids = append(ids, child.ID)
		events = append(events, Event{NodeID: child.ID, ParentID: parentID, Query: q, Depth: child.Depth, To: StatusPending, Time: now})
	}
	parent.Children = append(parent.Children, ids...)
	parent.Expanded = true
	parent.UpdatedAt = now
	t.mu.Unlock()

	t.notify(events...)
	return ids, nil
}

// Queries returns every query in the tree in pre-order.
func (t *Tree) Queries() []QueryRef {
	nodes := t.PreOrder()
	out := make([]QueryRef, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, QueryRef{NodeID: n.ID, Text: n.Query, Normalized: util.NormalizeText(n.Query)})
	}
	return out
}

// Sources returns the tree-wide source set in pre-order of the owning nodes.
func (t *Tree) Sources() []SourceRef {
	var out []SourceRef
	for _, n := range t.PreOrder() {
		for _, s := range n.Sources {
			out = append(out, SourceRef{Source: s, NodeID: n.ID})
		}
	}
	return out
}

// PreOrder returns copies of all nodes, root first, children in insertion
// order. The walk uses an explicit stack.
func (t *Tree) PreOrder() []Node {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]Node, 0, len(t.nodes))
	stack := []string{t.rootID}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		n, ok := t.nodes[id]
		if !ok {
			continue
		}
		out = append(out, n.clone())
		for i := len(n.Children) - 1; i >= 0; i-- {
			stack = append(stack, n.Children[i])
		}
	}
	return out
}

// Lineage returns copies of the nodes on the path root -> id.
func (t *Tree) Lineage(id string) ([]Node, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	var path []Node
	for cur := id; cur != ""; {
		n, ok := t.nodes[cur]
		if !ok {
			return nil, ErrNodeNotFound
		}
		path = append(path, n.clone())
		cur = n.ParentID
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, nil
}

// Counts returns the number of nodes per status.
func (t *Tree) Counts() map[Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[Status]int, 4)
	for _, n := range t.nodes {
		out[n.Status]++
	}
	return out
}

// Pending returns the ids of pending nodes in pre-order.
func (t *Tree) Pending() []string {
	var ids []string
	for _, n := range t.PreOrder() {
		if n.Status == StatusPending {
			ids = append(ids, n.ID)
		}
	}
	return ids
}

func (t *Tree) notify(events ...Event) {
	if t.observer == nil {
		return
	}
	for _, ev := range events {
		t.observer.NodeChanged(ev)
	}
}

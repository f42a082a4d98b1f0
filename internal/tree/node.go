package tree

import (
	"errors"
	"fmt"
	"time"
)

// Status is the research state of a node.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Settled reports whether the status is terminal.
func (s Status) Settled() bool {
	return s == StatusCompleted || s == StatusFailed
}

func (s Status) valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// canTransition enforces pending -> running -> {completed, failed}.
func canTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed
	}
	return false
}

var (
	ErrNodeNotFound    = errors.New("node not found")
	ErrEmptyQuery      = errors.New("query is empty")
	ErrAlreadyExpanded = errors.New("node already expanded")
	ErrNotCompleted    = errors.New("node has not completed")
	ErrInvalidSnapshot = errors.New("invalid tree snapshot")
)

// TransitionError is returned when a status change would regress or skip a state.
type TransitionError struct {
	NodeID string
	From   Status
	To     Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("node %s: invalid transition %s -> %s", e.NodeID, e.From, e.To)
}

// Source is a consulted document, identified by its normalized URL.
type Source struct {
	ID    string `json:"id"`
	Title string `json:"title,omitempty"`
}

// Node is one query and its research state. Values handed out by the Tree
// are deep copies; mutating them has no effect on the tree.
type Node struct {
	ID        string
	Query     string
	ParentID  string
	Depth     int
	Status    Status
	Learnings []string
	// Sources holds only the sources this node added to the tree-wide set.
	Sources  []Source
	Children []string
	// Expanded is set once the single expansion pass has run, even when it
	// produced no children.
	Expanded  bool
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// IsRoot reports whether the node has no parent.
func (n Node) IsRoot() bool { return n.ParentID == "" }

func (n *Node) clone() Node {
	c := *n
	c.Learnings = append([]string(nil), n.Learnings...)
	c.Sources = append([]Source(nil), n.Sources...)
	c.Children = append([]string(nil), n.Children...)
	return c
}

// Result is the outcome of researching one node, committed atomically.
type Result struct {
	Learnings []string
	Sources   []Source
}

// Event describes a node status change. From is empty for node creation.
type Event struct {
	NodeID   string
	ParentID string
	Query    string
	Depth    int
	From     Status
	To       Status
	Error    string
	Time     time.Time
}

// Observer receives node events. Calls happen after the tree lock is
// released and must not block.
type Observer interface {
	NodeChanged(Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(Event)

func (f ObserverFunc) NodeChanged(e Event) { f(e) }

// QueryRef is a query already present in the tree.
type QueryRef struct {
	NodeID     string
	Text       string
	Normalized string
}

// SourceRef is a claimed source and the node that first added it.
type SourceRef struct {
	Source
	NodeID string
}

package tree

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

// SnapshotNode is the serialized form of a node and its subtree.
type SnapshotNode struct {
	Query       string          `json:"query"`
	ID          string          `json:"id"`
	Status      Status          `json:"status"`
	Depth       int             `json:"depth"`
	Learnings   []string        `json:"learnings"`
	SubQueries  []*SnapshotNode `json:"sub_queries"`
	ParentQuery *string         `json:"parent_query"`
	Sources     []Source        `json:"sources,omitempty"`
	Error       string          `json:"error,omitempty"`
	Expanded    bool            `json:"expanded,omitempty"`
}

func newSnapshotNode(n *Node, parentQuery *string) *SnapshotNode {
	s := &SnapshotNode{
		Query:       n.Query,
		ID:          n.ID,
		Status:      n.Status,
		Depth:       n.Depth,
		Learnings:   append([]string{}, n.Learnings...),
		SubQueries:  []*SnapshotNode{},
		ParentQuery: parentQuery,
		Error:       n.Error,
		Expanded:    n.Expanded,
	}
	if len(n.Sources) > 0 {
		s.Sources = append([]Source(nil), n.Sources...)
	}
	return s
}

// Snapshot serializes the whole tree, children in insertion order.
func (t *Tree) Snapshot() *SnapshotNode {
	t.mu.RLock()
	defer t.mu.RUnlock()

	root := t.nodes[t.rootID]
	out := newSnapshotNode(root, nil)

	type frame struct {
		node *Node
		snap *SnapshotNode
	}
	stack := []frame{{node: root, snap: out}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		parentQuery := f.node.Query
		for _, cid := range f.node.Children {
			child, ok := t.nodes[cid]
			if !ok {
				continue
			}
			pq := parentQuery
			cs := newSnapshotNode(child, &pq)
			f.snap.SubQueries = append(f.snap.SubQueries, cs)
			stack = append(stack, frame{node: child, snap: cs})
		}
	}
	return out
}

// Restore rebuilds a tree from a snapshot. Nodes that were running when the
// snapshot was taken revert to pending with their partial state dropped,
// since nothing was committed for them.
func Restore(snap *SnapshotNode, opts ...Option) (*Tree, error) {
	if snap == nil {
		return nil, fmt.Errorf("%w: nil root", ErrInvalidSnapshot)
	}
	if snap.Depth != 0 {
		return nil, fmt.Errorf("%w: root depth %d", ErrInvalidSnapshot, snap.Depth)
	}

	t := newTree(opts)
	now := t.now()

	type frame struct {
		snap     *SnapshotNode
		parentID string
		depth    int
	}
	stack := []frame{{snap: snap}}
	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		s := f.snap
		if s == nil {
			return nil, fmt.Errorf("%w: nil node", ErrInvalidSnapshot)
		}

		q := strings.TrimSpace(s.Query)
		norm := util.NormalizeText(q)
		switch {
		case norm == "":
			return nil, fmt.Errorf("%w: %v", ErrInvalidSnapshot, ErrEmptyQuery)
		case s.Depth != f.depth:
			return nil, fmt.Errorf("%w: node %s has depth %d, want %d", ErrInvalidSnapshot, s.ID, s.Depth, f.depth)
		case !s.Status.valid():
			return nil, fmt.Errorf("%w: node %s has status %q", ErrInvalidSnapshot, s.ID, s.Status)
		}
		id := s.ID
		if id == "" {
			id = t.newID()
		}
		if _, dup := t.nodes[id]; dup {
			return nil, fmt.Errorf("%w: duplicate id %s", ErrInvalidSnapshot, id)
		}
		if _, dup := t.queries[norm]; dup {
			return nil, fmt.Errorf("%w: duplicate query %q", ErrInvalidSnapshot, q)
		}

		n := &Node{
			ID:        id,
			Query:     q,
			ParentID:  f.parentID,
			Depth:     f.depth,
			Status:    s.Status,
			Error:     s.Error,
			Expanded:  s.Expanded || len(s.SubQueries) > 0,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if n.Status == StatusRunning {
			n.Status = StatusPending
		} else {
			n.Learnings = append([]string(nil), s.Learnings...)
			for _, src := range s.Sources {
				if _, claimed := t.sources[src.ID]; claimed || src.ID == "" {
					continue
				}
				t.sources[src.ID] = id
				n.Sources = append(n.Sources, src)
			}
		}
		if n.Status != StatusCompleted && len(s.SubQueries) > 0 {
			return nil, fmt.Errorf("%w: node %s has children but status %s", ErrInvalidSnapshot, id, s.Status)
		}

		t.nodes[id] = n
		t.queries[norm] = id
		if f.parentID == "" {
			t.rootID = id
		} else {
			parent := t.nodes[f.parentID]
			parent.Children = append(parent.Children, id)
		}
		for i := len(s.SubQueries) - 1; i >= 0; i-- {
			stack = append(stack, frame{snap: s.SubQueries[i], parentID: id, depth: f.depth + 1})
		}
	}
	return t, nil
}

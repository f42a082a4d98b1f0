// Package aggregate folds a research tree into the material a report is
// written from. Output depends only on tree structure and content, never on
// the order in which siblings completed.
package aggregate

import (
	"fmt"
	"sort"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tree"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

// Finding is one deduplicated learning with its provenance.
type Finding struct {
	Text   string `json:"text"`
	NodeID string `json:"node_id"`
	Query  string `json:"query"`
	Depth  int    `json:"depth"`
	// Path holds the queries from the root down to the producing node.
	Path []string `json:"path"`
}

// Citation is a numbered source. Numbers start at 1.
type Citation struct {
	Number int    `json:"number"`
	ID     string `json:"id"`
	Title  string `json:"title,omitempty"`
	NodeID string `json:"node_id"`
}

// FailedBranch is a node whose research failed.
type FailedBranch struct {
	NodeID string `json:"node_id"`
	Query  string `json:"query"`
	Depth  int    `json:"depth"`
	Error  string `json:"error,omitempty"`
}

// DepthStats summarizes one level of the tree.
type DepthStats struct {
	Depth     int `json:"depth"`
	Nodes     int `json:"nodes"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Learnings int `json:"learnings"`
	Sources   int `json:"sources"`
}

// Digest is everything the synthesizer needs from a tree.
type Digest struct {
	RootQuery string         `json:"root_query"`
	Findings  []Finding      `json:"findings"`
	Citations []Citation     `json:"citations"`
	Failed    []FailedBranch `json:"failed,omitempty"`
	Stats     []DepthStats   `json:"stats"`
}

// Lineage returns the learnings on the path root -> id, root first.
func Lineage(t *tree.Tree, id string) ([]string, error) {
	path, err := t.Lineage(id)
	if err != nil {
		return nil, fmt.Errorf("lineage of %s: %w", id, err)
	}
	var learnings []string
	for _, n := range path {
		learnings = append(learnings, n.Learnings...)
	}
	return learnings, nil
}

// Collect builds the digest of t. Findings follow pre-order and keep the
// first occurrence of each normalized text. Citations are ordered by source
// id.
func Collect(t *tree.Tree) Digest {
	nodes := t.PreOrder()
	d := Digest{Findings: []Finding{}, Citations: []Citation{}, Stats: []DepthStats{}}
	if len(nodes) == 0 {
		return d
	}
	d.RootQuery = nodes[0].Query

	paths := make(map[string][]string, len(nodes))
	seen := make(map[string]struct{})
	stats := make(map[int]*DepthStats)
	var sources []tree.SourceRef

	for _, n := range nodes {
		path := append(append([]string(nil), paths[n.ParentID]...), n.Query)
		paths[n.ID] = path

		st := stats[n.Depth]
		if st == nil {
			st = &DepthStats{Depth: n.Depth}
			stats[n.Depth] = st
		}
		st.Nodes++

		switch n.Status {
		case tree.StatusCompleted:
			st.Completed++
		case tree.StatusFailed:
			st.Failed++
			d.Failed = append(d.Failed, FailedBranch{NodeID: n.ID, Query: n.Query, Depth: n.Depth, Error: n.Error})
			continue
		case tree.StatusRunning:
			st.Running++
			continue
		default:
			st.Pending++
			continue
		}

		st.Learnings += len(n.Learnings)
		st.Sources += len(n.Sources)
		for _, l := range n.Learnings {
			key := util.NormalizeText(l)
			if key == "" {
				continue
			}
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			d.Findings = append(d.Findings, Finding{Text: l, NodeID: n.ID, Query: n.Query, Depth: n.Depth, Path: path})
		}
		for _, s := range n.Sources {
			sources = append(sources, tree.SourceRef{Source: s, NodeID: n.ID})
		}
	}

	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	for i, s := range sources {
		d.Citations = append(d.Citations, Citation{Number: i + 1, ID: s.ID, Title: s.Title, NodeID: s.NodeID})
	}

	depths := make([]int, 0, len(stats))
	for depth := range stats {
		depths = append(depths, depth)
	}
	sort.Ints(depths)
	for _, depth := range depths {
		d.Stats = append(d.Stats, *stats[depth])
	}
	return d
}

// Totals sums the per-depth statistics. Depth holds the number of levels.
func (d Digest) Totals() DepthStats {
	var tot DepthStats
	for _, s := range d.Stats {
		tot.Nodes += s.Nodes
		tot.Completed += s.Completed
		tot.Failed += s.Failed
		tot.Pending += s.Pending
		tot.Running += s.Running
		tot.Learnings += s.Learnings
		tot.Sources += s.Sources
	}
	tot.Depth = len(d.Stats)
	return tot
}

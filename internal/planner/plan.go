package planner

import (
	"fmt"
	"strings"
)

// Mode selects the research depth/breadth profile of a session.
type Mode string

const (
	ModeFast          Mode = "fast"
	ModeBalanced      Mode = "balanced"
	ModeComprehensive Mode = "comprehensive"
)

// ParseMode accepts a mode name case-insensitively.
func ParseMode(s string) (Mode, error) {
	m := Mode(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := profiles[m]; !ok {
		return "", &PlanValidationError{Field: "mode", Value: s, Reason: "unknown mode"}
	}
	return m, nil
}

// Plan is derived once per session and is read-only afterwards. It is
// passed by value.
type Plan struct {
	Mode              Mode `json:"mode"`
	Breadth           int  `json:"breadth"`
	DepthLimit        int  `json:"depth_limit"`
	ConcurrencyLimit  int  `json:"concurrency_limit"`
	QuestionsPerQuery int  `json:"questions_per_query"`
	Recursive         bool `json:"recursive"`
}

// BreadthAt returns the number of children admitted for a node at depth d.
// Breadth halves per level, never below one.
func (p Plan) BreadthAt(depth int) int {
	b := p.Breadth
	for i := 0; i < depth; i++ {
		b /= 2
		if b < 1 {
			return 1
		}
	}
	if b < 1 {
		b = 1
	}
	return b
}

// ShouldExpand reports whether a completed node at depth d gets children.
// Non-recursive plans expand the root only.
func (p Plan) ShouldExpand(depth int) bool {
	if depth != 0 && !p.Recursive {
		return false
	}
	return depth < p.DepthLimit
}

// LearningsAt is the number of learnings requested per node at depth d.
func (p Plan) LearningsAt(depth int) int {
	n := (p.BreadthAt(depth) + 1) / 2
	if n > 3 {
		n = 3
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (p Plan) String() string {
	return fmt.Sprintf("mode=%s breadth=%d depth=%d concurrency=%d questions=%d recursive=%t",
		p.Mode, p.Breadth, p.DepthLimit, p.ConcurrencyLimit, p.QuestionsPerQuery, p.Recursive)
}

// PlanValidationError rejects a session before any node exists.
type PlanValidationError struct {
	Field  string
	Value  any
	Reason string
}

func (e *PlanValidationError) Error() string {
	return fmt.Sprintf("invalid plan: %s=%v: %s", e.Field, e.Value, e.Reason)
}

// bounds is an inclusive [Min, Max] range.
type bounds struct {
	Min, Max int
}

func (b bounds) clamp(v int) int {
	if v < b.Min {
		return b.Min
	}
	if v > b.Max {
		return b.Max
	}
	return v
}

type profile struct {
	breadth     bounds
	depth       bounds
	concurrency int
	questions   bounds
	recursive   bool
}

// profiles is the mode table. Table defaults are the upper bounds.
var profiles = map[Mode]profile{
	ModeFast: {
		breadth:     bounds{1, 3},
		depth:       bounds{1, 1},
		concurrency: 3,
		questions:   bounds{2, 3},
	},
	ModeBalanced: {
		breadth:     bounds{1, 5},
		depth:       bounds{1, 1},
		concurrency: 7,
		questions:   bounds{3, 5},
	},
	ModeComprehensive: {
		breadth:     bounds{1, 5},
		depth:       bounds{3, 3},
		concurrency: 5,
		questions:   bounds{5, 7},
		recursive:   true,
	},
}

func (pr profile) defaults(m Mode) Plan {
	return Plan{
		Mode:              m,
		Breadth:           pr.breadth.Max,
		DepthLimit:        pr.depth.Max,
		ConcurrencyLimit:  pr.concurrency,
		QuestionsPerQuery: pr.questions.Max,
		Recursive:         pr.recursive,
	}
}

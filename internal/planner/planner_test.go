package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubAnalyzer struct {
	c   Complexity
	err error
}

func (s stubAnalyzer) Analyze(context.Context, string) (Complexity, error) {
	return s.c, s.err
}

func intp(v int) *int { return &v }

func TestPlanModeDefaults(t *testing.T) {
	p := New(nil, zaptest.NewLogger(t))
	ctx := context.Background()

	cases := []struct {
		mode Mode
		want Plan
	}{
		{ModeFast, Plan{Mode: ModeFast, Breadth: 3, DepthLimit: 1, ConcurrencyLimit: 3, QuestionsPerQuery: 3}},
		{ModeBalanced, Plan{Mode: ModeBalanced, Breadth: 5, DepthLimit: 1, ConcurrencyLimit: 7, QuestionsPerQuery: 5}},
		{ModeComprehensive, Plan{Mode: ModeComprehensive, Breadth: 5, DepthLimit: 3, ConcurrencyLimit: 5, QuestionsPerQuery: 7, Recursive: true}},
	}
	for _, tc := range cases {
		t.Run(string(tc.mode), func(t *testing.T) {
			got, err := p.Plan(ctx, tc.mode, "topic", Overrides{})
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestPlanComplexityNarrowsWithinBounds(t *testing.T) {
	ctx := context.Background()

	p := New(stubAnalyzer{c: Complexity{Breadth: 2, Depth: 1}}, zaptest.NewLogger(t))
	got, err := p.Plan(ctx, ModeComprehensive, "topic", Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 2, got.Breadth)
	assert.Equal(t, 3, got.DepthLimit, "comprehensive depth never drops below its floor")
	assert.Equal(t, 5, got.QuestionsPerQuery, "questions clamp to the mode floor")

	p = New(stubAnalyzer{c: Complexity{Breadth: 10, Depth: 5}}, zaptest.NewLogger(t))
	got, err = p.Plan(ctx, ModeFast, "topic", Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 3, got.Breadth, "complexity never exceeds the mode ceiling")
	assert.Equal(t, 1, got.DepthLimit)
	assert.Equal(t, 3, got.QuestionsPerQuery)
}

func TestPlanAnalyzerFailureFallsBackToTable(t *testing.T) {
	p := New(stubAnalyzer{err: errors.New("model unavailable")}, zaptest.NewLogger(t))
	got, err := p.Plan(context.Background(), ModeBalanced, "topic", Overrides{})
	require.NoError(t, err)
	assert.Equal(t, 5, got.Breadth)
	assert.Equal(t, 7, got.ConcurrencyLimit)
}

func TestPlanOverrides(t *testing.T) {
	p := New(stubAnalyzer{c: Complexity{Breadth: 1, Depth: 1}}, zaptest.NewLogger(t))
	got, err := p.Plan(context.Background(), ModeComprehensive, "topic", Overrides{
		Breadth:     intp(8),
		NumQueries:  intp(4),
		DepthLimit:  intp(4),
		Concurrency: intp(2),
	})
	require.NoError(t, err)
	assert.Equal(t, 8, got.Breadth)
	assert.Equal(t, 4, got.QuestionsPerQuery)
	assert.Equal(t, 4, got.DepthLimit)
	assert.Equal(t, 2, got.ConcurrencyLimit)
}

func TestPlanValidation(t *testing.T) {
	p := New(nil, zaptest.NewLogger(t))
	ctx := context.Background()

	cases := map[string]struct {
		mode  Mode
		topic string
		o     Overrides
		field string
	}{
		"unknown mode":     {mode: "deep", topic: "x", field: "mode"},
		"empty topic":      {mode: ModeFast, topic: "  ", field: "topic"},
		"zero breadth":     {mode: ModeFast, topic: "x", o: Overrides{Breadth: intp(0)}, field: "breadth"},
		"zero queries":     {mode: ModeFast, topic: "x", o: Overrides{NumQueries: intp(0)}, field: "num_queries"},
		"negative depth":   {mode: ModeFast, topic: "x", o: Overrides{DepthLimit: intp(-1)}, field: "depth"},
		"zero concurrency": {mode: ModeFast, topic: "x", o: Overrides{Concurrency: intp(0)}, field: "concurrency"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := p.Plan(ctx, tc.mode, tc.topic, tc.o)
			var pve *PlanValidationError
			require.ErrorAs(t, err, &pve)
			assert.Equal(t, tc.field, pve.Field)
		})
	}
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode(" Comprehensive ")
	require.NoError(t, err)
	assert.Equal(t, ModeComprehensive, m)

	_, err = ParseMode("turbo")
	var pve *PlanValidationError
	assert.ErrorAs(t, err, &pve)
}

func TestBreadthAtHalvesWithFloor(t *testing.T) {
	p := Plan{Breadth: 5, DepthLimit: 4, Recursive: true}
	assert.Equal(t, 5, p.BreadthAt(0))
	assert.Equal(t, 2, p.BreadthAt(1))
	assert.Equal(t, 1, p.BreadthAt(2))
	assert.Equal(t, 1, p.BreadthAt(3))
	assert.Equal(t, 1, p.BreadthAt(10))
}

func TestShouldExpand(t *testing.T) {
	flat := Plan{Breadth: 3, DepthLimit: 1}
	assert.True(t, flat.ShouldExpand(0))
	assert.False(t, flat.ShouldExpand(1))

	flatDeep := Plan{Breadth: 3, DepthLimit: 3}
	assert.False(t, flatDeep.ShouldExpand(1), "non-recursive plans never expand below the root")

	deep := Plan{Breadth: 5, DepthLimit: 3, Recursive: true}
	assert.True(t, deep.ShouldExpand(2))
	assert.False(t, deep.ShouldExpand(3))

	none := Plan{Breadth: 5, DepthLimit: 0, Recursive: true}
	assert.False(t, none.ShouldExpand(0))
}

func TestLearningsAt(t *testing.T) {
	p := Plan{Breadth: 5}
	assert.Equal(t, 3, p.LearningsAt(0))
	assert.Equal(t, 1, p.LearningsAt(1))
	assert.Equal(t, 1, p.LearningsAt(4))

	assert.Equal(t, 3, Plan{Breadth: 10}.LearningsAt(0))
	assert.Equal(t, 2, Plan{Breadth: 3}.LearningsAt(0))
}

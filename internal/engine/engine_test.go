package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/llm/llmtest"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/planner"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/store"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/streaming"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/synthesis"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tree"
	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/util"
)

type memStore struct {
	mu       sync.Mutex
	sessions map[string]store.Session
	saves    int
	// sizes records the node count of every saved tree, in save order.
	sizes []int
}

func newMemStore() *memStore {
	return &memStore{sessions: make(map[string]store.Session)}
}

func (m *memStore) Save(_ context.Context, sess *store.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[sess.ID] = *sess
	m.saves++
	var snap tree.SnapshotNode
	if err := sess.Tree.Decode(&snap); err == nil {
		n := 0
		walk(&snap, func(*tree.SnapshotNode) { n++ })
		m.sizes = append(m.sizes, n)
	}
	return nil
}

func (m *memStore) Load(_ context.Context, id string) (*store.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrSessionNotFound, id)
	}
	return &sess, nil
}

func (m *memStore) get(id string) store.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func between(s, start, end string) string {
	i := strings.Index(s, start)
	if i < 0 {
		return ""
	}
	s = s[i+len(start):]
	if j := strings.Index(s, end); j >= 0 {
		return s[:j]
	}
	return s
}

func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(b)
}

func report(n int) string {
	return "# Report\n\n" + strings.TrimSpace(strings.Repeat("insight ", n)) + " [1]."
}

type fixture struct {
	gen     *llmtest.Generator
	search  *llmtest.Searcher
	store   *memStore
	streams *streaming.Manager
	counter atomic.Int64
}

// newFixture scripts collaborators that always produce fresh, lexically
// unrelated sub-queries, one learning per node, one source of their own per
// node plus a source every node sees.
func newFixture(t *testing.T) *fixture {
	f := &fixture{store: newMemStore(), streams: streaming.NewManager(0, zaptest.NewLogger(t))}
	f.gen = llmtest.NewGenerator().
		OnJSON(llm.PurposeComplexity, map[string]any{"breadth": 10, "depth": 5, "explanation": "broad topic"}).
		On(llm.PurposeSubqueries, func(llm.Request) (string, error) {
			qs := make([]string, 8)
			for i := range qs {
				n := f.counter.Add(1)
				qs[i] = fmt.Sprintf("angle%d detail%d", n, n)
			}
			return mustJSON(map[string]any{"queries": qs}), nil
		}).
		On(llm.PurposeLearnings, func(req llm.Request) (string, error) {
			q := between(req.Prompt, "<query>", "</query>")
			return mustJSON(map[string]any{"learnings": []string{"Finding on " + q + "."}}), nil
		}).
		On(llm.PurposeReport, func(llm.Request) (string, error) { return report(40), nil })
	f.search = llmtest.NewSearcher(func(q string) ([]llm.SearchResult, error) {
		return []llm.SearchResult{
			{SourceID: "https://example.org/" + strings.ReplaceAll(q, " ", "-"), Title: q, Snippet: "About " + q},
			{SourceID: "https://www.shared.org/", Title: "Shared", Snippet: "Common background"},
		}, nil
	})
	return f
}

func (f *fixture) engine(t *testing.T, opts ...Option) *Engine {
	cfg := Config{Synthesis: synthesis.Config{MinWords: 20}}
	opts = append([]Option{
		WithStore(f.store),
		WithStreams(f.streams),
		WithIDFunc(func() string { return "session-1" }),
	}, opts...)
	return New(f.gen, f.search, cfg, zaptest.NewLogger(t), opts...)
}

func intPtr(v int) *int { return &v }

func walk(n *tree.SnapshotNode, visit func(*tree.SnapshotNode)) {
	visit(n)
	for _, c := range n.SubQueries {
		walk(c, visit)
	}
}

func assertTreeInvariants(t *testing.T, root *tree.SnapshotNode) {
	t.Helper()
	seen := map[string]bool{}
	sources := map[string]string{}
	walk(root, func(n *tree.SnapshotNode) {
		norm := util.NormalizeText(n.Query)
		assert.False(t, seen[norm], "duplicate query %q", n.Query)
		seen[norm] = true
		for _, c := range n.SubQueries {
			assert.Equal(t, n.Depth+1, c.Depth)
			require.NotNil(t, c.ParentQuery)
			assert.Equal(t, n.Query, *c.ParentQuery)
		}
		for _, s := range n.Sources {
			owner, dup := sources[s.ID]
			assert.False(t, dup, "source %s claimed by %s and %s", s.ID, owner, n.ID)
			sources[s.ID] = n.ID
		}
	})
	assert.NotEqual(t, tree.StatusPending, root.Status)
}

func TestRunSessionFastMode(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	res, err := e.RunSession(context.Background(), Request{Topic: "renewable energy storage", Mode: planner.ModeFast})
	require.NoError(t, err)

	assert.Equal(t, "session-1", res.SessionID)
	assert.Equal(t, store.StatusCompleted, res.Status)
	assert.Equal(t, planner.Plan{Mode: planner.ModeFast, Breadth: 3, DepthLimit: 1, ConcurrencyLimit: 3, QuestionsPerQuery: 3}, res.Plan)
	assert.LessOrEqual(t, res.PeakConcurrency, 3)

	nodes := 0
	walk(res.Tree, func(n *tree.SnapshotNode) {
		nodes++
		assert.Equal(t, tree.StatusCompleted, n.Status)
		assert.LessOrEqual(t, n.Depth, 1)
	})
	assert.Equal(t, 4, nodes)
	assert.Len(t, res.Tree.SubQueries, 3)
	assertTreeInvariants(t, res.Tree)

	assert.Len(t, res.Digest.Findings, 4)
	assert.Len(t, res.Digest.Citations, 5, "one source per node plus the shared one")
	assert.Len(t, f.search.Queries(), 4)

	require.NotNil(t, res.Report)
	assert.Contains(t, res.Report.Document, "## Sources")
	assert.Contains(t, res.Report.Document, "https://shared.org")

	saved := f.store.get("session-1")
	assert.Equal(t, store.StatusCompleted, saved.Status)
	assert.Equal(t, res.Report.Document, saved.Report)
	assert.Empty(t, saved.Error)

	events := f.streams.ReplaySince("session-1", 0)
	require.NotEmpty(t, events)
	assert.Equal(t, streaming.EventSessionStarted, events[0].Type)
	assert.Equal(t, streaming.EventSessionCompleted, events[len(events)-1].Type)
}

func TestRunSessionComprehensiveRecursion(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	res, err := e.RunSession(context.Background(), Request{
		Topic:     "renewable energy storage",
		Mode:      planner.ModeComprehensive,
		Overrides: planner.Overrides{Concurrency: intPtr(2)},
	})
	require.NoError(t, err)

	assert.True(t, res.Plan.Recursive)
	assert.Equal(t, 3, res.Plan.DepthLimit)
	assert.Equal(t, 5, res.Plan.Breadth)
	assert.LessOrEqual(t, res.PeakConcurrency, 2)

	perDepth := make([]int, 0, len(res.Digest.Stats))
	for _, s := range res.Digest.Stats {
		perDepth = append(perDepth, s.Nodes)
		assert.Equal(t, s.Nodes, s.Completed)
	}
	assert.Equal(t, []int{1, 5, 10, 10}, perDepth, "breadth halves per level down to the depth limit")
	assertTreeInvariants(t, res.Tree)

	for _, req := range f.gen.Calls(llm.PurposeSubqueries) {
		assert.Contains(t, req.Prompt, "Finding on renewable energy storage.", "lineage learnings reach every generation prompt")
	}
	assert.Len(t, f.gen.Calls(llm.PurposeSubqueries), 1+5+10, "leaves at the depth limit generate nothing")
}

func TestRunSessionDropsDuplicateQueries(t *testing.T) {
	f := newFixture(t)
	f.gen.On(llm.PurposeSubqueries, func(llm.Request) (string, error) {
		return mustJSON(map[string]any{"queries": []string{
			"battery recycling",
			"Battery  Recycling",
			"battery recycling!",
			"grid storage",
			"solid state batteries",
		}}), nil
	})
	e := f.engine(t)

	res, err := e.RunSession(context.Background(), Request{
		Topic:     "grid storage",
		Mode:      planner.ModeComprehensive,
		Overrides: planner.Overrides{DepthLimit: intPtr(2)},
	})
	require.NoError(t, err)

	var queries []string
	walk(res.Tree, func(n *tree.SnapshotNode) { queries = append(queries, n.Query) })
	assert.ElementsMatch(t, []string{"grid storage", "battery recycling", "solid state batteries"}, queries)
	assertTreeInvariants(t, res.Tree)
	for _, c := range res.Tree.SubQueries {
		assert.True(t, c.Expanded)
		assert.Empty(t, c.SubQueries)
	}
}

func TestRunSessionReportsFailedBranches(t *testing.T) {
	f := newFixture(t)
	f.gen.On(llm.PurposeSubqueries, func(llm.Request) (string, error) {
		return mustJSON(map[string]any{"queries": []string{"pumped hydro", "flow batteries", "flywheels"}}), nil
	})
	f.search = llmtest.NewSearcher(func(q string) ([]llm.SearchResult, error) {
		if q == "flow batteries" {
			return nil, errors.New("search quota exhausted")
		}
		return []llm.SearchResult{{SourceID: "https://example.org/" + strings.ReplaceAll(q, " ", "-"), Title: q, Snippet: q}}, nil
	})
	e := f.engine(t)

	res, err := e.RunSession(context.Background(), Request{Topic: "grid storage", Mode: planner.ModeFast})
	require.NoError(t, err)

	require.Len(t, res.Digest.Failed, 1)
	assert.Equal(t, "flow batteries", res.Digest.Failed[0].Query)
	assert.Contains(t, res.Digest.Failed[0].Error, "search quota exhausted")
	assert.Len(t, res.Digest.Findings, 3)
	assert.Contains(t, res.Report.Document, "## Incomplete research branches\n\n- flow batteries (depth 1)")
	assert.Equal(t, store.StatusCompleted, res.Status)
}

func TestRunSessionRetriesShortReport(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int32
	f.gen.On(llm.PurposeReport, func(llm.Request) (string, error) {
		if attempts.Add(1) == 1 {
			return report(5), nil
		}
		return report(40), nil
	})
	e := f.engine(t)

	res, err := e.RunSession(context.Background(), Request{Topic: "grid storage", Mode: planner.ModeFast})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, res.Report.Words, 20)

	calls := f.gen.Calls(llm.PurposeReport)
	require.Len(t, calls, 2)
	assert.NotContains(t, calls[0].Prompt, "IMPORTANT:")
	assert.Contains(t, calls[1].Prompt, "IMPORTANT: Your previous draft had only")
}

func TestRunSessionReturnsShortReportAfterLastAttempt(t *testing.T) {
	f := newFixture(t)
	f.gen.On(llm.PurposeReport, func(llm.Request) (string, error) { return report(5), nil })
	e := f.engine(t)

	res, err := e.RunSession(context.Background(), Request{Topic: "grid storage", Mode: planner.ModeFast})
	var short *synthesis.LengthShortfallError
	require.ErrorAs(t, err, &short)
	require.NotNil(t, res)
	require.NotNil(t, res.Report)
	assert.Equal(t, store.StatusCompleted, res.Status)
	assert.Len(t, f.gen.Calls(llm.PurposeReport), defaultReportAttempts)
	assert.Contains(t, f.store.get("session-1").Error, "report has")
}

func TestRunSessionFailedRootHasNothingToReport(t *testing.T) {
	f := newFixture(t)
	f.search = llmtest.NewSearcher(func(string) ([]llm.SearchResult, error) {
		return nil, errors.New("search backend down")
	})
	e := f.engine(t)

	res, err := e.RunSession(context.Background(), Request{Topic: "grid storage", Mode: planner.ModeFast})
	assert.ErrorIs(t, err, synthesis.ErrNoFindings)
	require.NotNil(t, res)
	assert.Equal(t, store.StatusFailed, res.Status)
	assert.Equal(t, tree.StatusFailed, res.Tree.Status)
	assert.Empty(t, res.Tree.SubQueries)
	assert.Empty(t, f.gen.Calls(llm.PurposeReport))
}

func TestRunSessionRejectsInvalidPlan(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	res, err := e.RunSession(context.Background(), Request{Topic: "  ", Mode: planner.ModeFast})
	assert.Nil(t, res)
	var pve *planner.PlanValidationError
	require.ErrorAs(t, err, &pve)
	assert.Equal(t, "topic", pve.Field)

	_, err = e.RunSession(context.Background(), Request{Topic: "x", Mode: planner.ModeFast, Overrides: planner.Overrides{Breadth: intPtr(0)}})
	require.ErrorAs(t, err, &pve)
	assert.Zero(t, f.store.saves, "nothing is persisted before a tree exists")
	assert.Empty(t, f.search.Queries())
}

type cancellingSearcher struct {
	root   string
	cancel context.CancelFunc
}

func (c *cancellingSearcher) Search(ctx context.Context, q string) ([]llm.SearchResult, error) {
	if q == c.root {
		return []llm.SearchResult{{SourceID: "https://example.org/root", Snippet: "root"}}, nil
	}
	c.cancel()
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestRunSessionCancellation(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	e := New(f.gen, &cancellingSearcher{root: "grid storage", cancel: cancel}, Config{}, zaptest.NewLogger(t),
		WithStore(f.store), WithIDFunc(func() string { return "cancelled" }))

	res, err := e.RunSession(ctx, Request{Topic: "grid storage", Mode: planner.ModeFast})
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, res)
	assert.Equal(t, store.StatusCancelled, res.Status)
	assert.Nil(t, res.Report)
	assert.Equal(t, tree.StatusCompleted, res.Tree.Status)
	for _, c := range res.Tree.SubQueries {
		assert.NotEqual(t, tree.StatusCompleted, c.Status)
		assert.NotEqual(t, tree.StatusRunning, c.Status)
	}
	assert.Empty(t, f.gen.Calls(llm.PurposeReport))
	assert.Equal(t, store.StatusCancelled, f.store.get("cancelled").Status)
}

func TestResumeSession(t *testing.T) {
	f := newFixture(t)

	// A checkpoint taken after the root completed but before its expansion
	// pass ran.
	tr, err := tree.New("renewable energy storage")
	require.NoError(t, err)
	require.NoError(t, tr.MarkRunning(tr.RootID()))
	_, err = tr.Complete(tr.RootID(), tree.Result{
		Learnings: []string{"Lithium dominates."},
		Sources:   []tree.Source{{ID: "https://example.org/root", Title: "Root"}},
	})
	require.NoError(t, err)

	plan := planner.Plan{Mode: planner.ModeFast, Breadth: 2, DepthLimit: 1, ConcurrencyLimit: 2, QuestionsPerQuery: 2}
	planDoc, err := store.MarshalDoc(plan)
	require.NoError(t, err)
	treeDoc, err := store.MarshalDoc(tr.Snapshot())
	require.NoError(t, err)
	require.NoError(t, f.store.Save(context.Background(), &store.Session{
		ID: "resume-me", Topic: "renewable energy storage", Mode: "fast",
		Status: store.StatusRunning, Plan: planDoc, Tree: treeDoc,
	}))

	e := f.engine(t)
	res, err := e.ResumeSession(context.Background(), "resume-me")
	require.NoError(t, err)

	assert.Equal(t, "resume-me", res.SessionID)
	assert.Equal(t, plan, res.Plan)
	assert.True(t, res.Tree.Expanded)
	require.Len(t, res.Tree.SubQueries, 2)
	for _, c := range res.Tree.SubQueries {
		assert.Equal(t, tree.StatusCompleted, c.Status)
	}
	assert.NotContains(t, f.search.Queries(), "renewable energy storage", "completed nodes are not researched again")
	assert.Len(t, f.search.Queries(), 2)
	assert.Equal(t, "Lithium dominates.", res.Digest.Findings[0].Text)
	assert.Equal(t, store.StatusCompleted, f.store.get("resume-me").Status)
}

func TestResumeSessionRestartsRunningNodes(t *testing.T) {
	f := newFixture(t)

	tr, err := tree.New("grid storage")
	require.NoError(t, err)
	require.NoError(t, tr.MarkRunning(tr.RootID()))
	_, err = tr.Complete(tr.RootID(), tree.Result{Learnings: []string{"Root learning."}})
	require.NoError(t, err)
	ids, err := tr.Expand(tr.RootID(), []string{"pumped hydro"})
	require.NoError(t, err)
	require.NoError(t, tr.MarkRunning(ids[0]))

	plan := planner.Plan{Mode: planner.ModeFast, Breadth: 1, DepthLimit: 1, ConcurrencyLimit: 1, QuestionsPerQuery: 1}
	planDoc, _ := store.MarshalDoc(plan)
	treeDoc, _ := store.MarshalDoc(tr.Snapshot())
	require.NoError(t, f.store.Save(context.Background(), &store.Session{ID: "s2", Topic: "grid storage", Plan: planDoc, Tree: treeDoc}))

	res, err := f.engine(t).ResumeSession(context.Background(), "s2")
	require.NoError(t, err)
	assert.Equal(t, []string{"pumped hydro"}, f.search.Queries())
	require.Len(t, res.Tree.SubQueries, 1)
	assert.Equal(t, tree.StatusCompleted, res.Tree.SubQueries[0].Status)
	assert.Empty(t, f.gen.Calls(llm.PurposeSubqueries))
}

func TestResumeSessionErrors(t *testing.T) {
	f := newFixture(t)
	_, err := New(f.gen, f.search, Config{}, zaptest.NewLogger(t)).ResumeSession(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoStore)

	_, err = f.engine(t).ResumeSession(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrSessionNotFound)
}

func TestSetDedupThresholdReachesRunningSession(t *testing.T) {
	f := newFixture(t)
	f.gen.On(llm.PurposeSubqueries, func(llm.Request) (string, error) {
		return mustJSON(map[string]any{"queries": []string{
			"battery recycling plants",
			"battery recycling plants europe",
			"pumped hydro",
		}}), nil
	})
	var e *Engine
	search := f.search
	f.search = llmtest.NewSearcher(func(q string) ([]llm.SearchResult, error) {
		if q == "grid storage" {
			// Jaccard of the two recycling queries is 0.75, below the
			// lexical default of 0.8 but above 0.5.
			e.SetDedupThreshold(0.5)
		}
		return search.Search(context.Background(), q)
	})
	e = f.engine(t)

	res, err := e.RunSession(context.Background(), Request{Topic: "grid storage", Mode: planner.ModeFast})
	require.NoError(t, err)

	var children []string
	for _, c := range res.Tree.SubQueries {
		children = append(children, c.Query)
	}
	assert.ElementsMatch(t, []string{"battery recycling plants", "pumped hydro"}, children)

	e.mu.RLock()
	assert.Empty(t, e.live, "finished sessions are no longer tracked")
	assert.Equal(t, 0.5, e.threshold)
	e.mu.RUnlock()
}

func TestCheckpointsNeverGoBackwards(t *testing.T) {
	f := newFixture(t)
	e := f.engine(t)

	_, err := e.RunSession(context.Background(), Request{
		Topic:     "renewable energy storage",
		Mode:      planner.ModeComprehensive,
		Overrides: planner.Overrides{Concurrency: intPtr(5)},
	})
	require.NoError(t, err)

	f.store.mu.Lock()
	sizes := append([]int(nil), f.store.sizes...)
	f.store.mu.Unlock()
	require.NotEmpty(t, sizes)
	for i := 1; i < len(sizes); i++ {
		assert.GreaterOrEqual(t, sizes[i], sizes[i-1], "checkpoint %d saved an older tree", i)
	}
	assert.Equal(t, 26, sizes[len(sizes)-1])
}

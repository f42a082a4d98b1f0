package tree

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildSample(t *testing.T) *Tree {
	t.Helper()
	tr, err := New("root topic", WithIDFunc(seqIDs()))
	require.NoError(t, err)
	require.NoError(t, tr.MarkRunning("n1"))
	_, err = tr.Complete("n1", Result{Learnings: []string{"r1"}, Sources: []Source{{ID: "https://a.org", Title: "A"}}})
	require.NoError(t, err)
	kids, err := tr.Expand("n1", []string{"first", "second", "third"})
	require.NoError(t, err)

	completed(t, tr, kids[0], "f1")
	require.NoError(t, tr.MarkRunning(kids[1]))
	require.NoError(t, tr.Fail(kids[1], "timeout"))
	require.NoError(t, tr.MarkRunning(kids[2]))
	return tr
}

func TestSnapshotJSONShape(t *testing.T) {
	tr := buildSample(t)
	data, err := json.Marshal(tr.Snapshot())
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "root topic", raw["query"])
	assert.Nil(t, raw["parent_query"])
	assert.Equal(t, "completed", raw["status"])
	assert.EqualValues(t, 0, raw["depth"])

	subs := raw["sub_queries"].([]any)
	require.Len(t, subs, 3)
	first := subs[0].(map[string]any)
	assert.Equal(t, "first", first["query"])
	assert.Equal(t, "root topic", first["parent_query"])
	assert.Equal(t, []any{"f1"}, first["learnings"])
	assert.Equal(t, []any{}, first["sub_queries"])

	second := subs[1].(map[string]any)
	assert.Equal(t, "timeout", second["error"])
	assert.Equal(t, []any{}, second["learnings"])
}

func TestRestoreRoundTrip(t *testing.T) {
	tr := buildSample(t)
	snap := tr.Snapshot()

	data, err := json.Marshal(snap)
	require.NoError(t, err)
	var decoded SnapshotNode
	require.NoError(t, json.Unmarshal(data, &decoded))

	restored, err := Restore(&decoded)
	require.NoError(t, err)
	assert.Equal(t, tr.Len(), restored.Len())
	assert.Equal(t, "n1", restored.RootID())
	_, claimed := restored.sources["https://a.org"]
	assert.True(t, claimed, "source index is rebuilt")

	root, _ := restored.Node("n1")
	assert.True(t, root.Expanded)
	assert.Equal(t, []string{"n2", "n3", "n4"}, root.Children)

	running, _ := restored.Node("n4")
	assert.Equal(t, StatusPending, running.Status, "running nodes revert to pending")
	assert.Equal(t, []string{"n4"}, restored.Pending())

	failed, _ := restored.Node("n3")
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "timeout", failed.Error)
}

func TestRestoreRejectsInvalidSnapshots(t *testing.T) {
	cases := map[string]*SnapshotNode{
		"nil root":   nil,
		"root depth": {Query: "q", ID: "a", Status: StatusPending, Depth: 1},
		"bad status": {Query: "q", ID: "a", Status: "done"},
		"child depth": {Query: "q", ID: "a", Status: StatusCompleted, SubQueries: []*SnapshotNode{
			{Query: "c", ID: "b", Status: StatusPending, Depth: 2},
		}},
		"duplicate query": {Query: "q", ID: "a", Status: StatusCompleted, SubQueries: []*SnapshotNode{
			{Query: " Q ", ID: "b", Status: StatusPending, Depth: 1},
		}},
		"children under pending": {Query: "q", ID: "a", Status: StatusPending, SubQueries: []*SnapshotNode{
			{Query: "c", ID: "b", Status: StatusPending, Depth: 1},
		}},
	}
	for name, snap := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Restore(snap)
			assert.ErrorIs(t, err, ErrInvalidSnapshot)
		})
	}
}

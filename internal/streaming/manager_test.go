package streaming

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/deepresearch/internal/tree"
)

func TestRingReplaySince(t *testing.T) {
	r := newRing(3)
	// Push 4 events, which will overwrite the first
	for i := 0; i < 4; i++ {
		r.push(Event{Seq: uint64(i + 1)})
	}
	evs := r.since(0)
	require.Len(t, evs, 3)
	assert.Equal(t, uint64(2), evs[0].Seq)
	assert.Equal(t, uint64(4), evs[2].Seq)

	evs = r.since(2)
	require.Len(t, evs, 2)
	assert.Equal(t, uint64(3), evs[0].Seq)
}

func TestManagerPublishAssignsSequence(t *testing.T) {
	m := NewManager(5, zaptest.NewLogger(t))
	for i := 0; i < 7; i++ {
		m.Publish("s1", Event{Type: EventNodeChanged})
	}
	m.Publish("s2", Event{Type: EventSessionStarted})

	evs := m.ReplaySince("s1", 3)
	require.Len(t, evs, 4)
	assert.Equal(t, uint64(4), evs[0].Seq)
	assert.Equal(t, uint64(7), evs[3].Seq)
	assert.Equal(t, "s1", evs[0].SessionID)
	assert.False(t, evs[0].Timestamp.IsZero())

	assert.Len(t, m.ReplaySince("s1", 0), 5, "ring keeps the newest events")
	assert.Equal(t, uint64(1), m.ReplaySince("s2", 0)[0].Seq, "sequences are per session")

	m.Forget("s1")
	assert.Nil(t, m.ReplaySince("s1", 0))
}

func TestManagerSubscribersAndSlowConsumers(t *testing.T) {
	m := NewManager(0, zaptest.NewLogger(t))
	fast := m.Subscribe("s", 4)
	slow := m.Subscribe("s", 1)

	m.Publish("s", Event{Type: EventSessionStarted})
	m.Publish("s", Event{Type: EventSessionCompleted})

	got := <-fast
	assert.Equal(t, EventSessionStarted, got.Type)
	got = <-fast
	assert.True(t, got.Terminal())
	assert.Len(t, slow, 1)
	assert.Equal(t, uint64(1), m.Dropped())

	m.Unsubscribe("s", fast)
	_, open := <-fast
	assert.False(t, open)
	m.Unsubscribe("s", fast)
	m.Unsubscribe("s", slow)
}

func TestNodeObserverPublishesTreeEvents(t *testing.T) {
	m := NewManager(16, zaptest.NewLogger(t))
	ch := m.Subscribe("sess", 16)
	defer m.Unsubscribe("sess", ch)

	tr, err := tree.New("root query", tree.WithObserver(m.NodeObserver("sess")))
	require.NoError(t, err)
	require.NoError(t, tr.MarkRunning(tr.RootID()))

	var events []Event
	timeout := time.After(time.Second)
	for len(events) < 2 {
		select {
		case e := <-ch:
			events = append(events, e)
		case <-timeout:
			t.Fatal("missing events")
		}
	}
	assert.Equal(t, EventNodeChanged, events[0].Type)
	assert.Equal(t, "", events[0].From)
	assert.Equal(t, string(tree.StatusPending), events[0].Status)
	assert.Equal(t, "root query", events[0].Query)
	assert.Equal(t, string(tree.StatusPending), events[1].From)
	assert.Equal(t, string(tree.StatusRunning), events[1].Status)
}

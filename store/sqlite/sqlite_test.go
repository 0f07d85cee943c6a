package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
	"git.home.luguber.info/inful/flowlite/observer"
)

func openTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	store, err := Open(":memory:", opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestPersisterRoundTrip(t *testing.T) {
	store := openTestStore(t)
	p := store.Persister("orders")
	ctx := context.Background()
	id := uuid.New()

	saved, err := p.Save(ctx, &engine.InstanceData{
		InstanceID: id,
		State:      map[string]any{"amount": 42.0},
		Stage:      "reserve",
		Status:     engine.StatusPending,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Version)

	loaded, err := p.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, flow.StageID("reserve"), loaded.Stage)
	assert.Equal(t, engine.StatusPending, loaded.Status)
	assert.Equal(t, int64(1), loaded.Version)
	assert.Equal(t, map[string]any{"amount": 42.0}, loaded.State)
}

func TestPersisterLoadMissing(t *testing.T) {
	store := openTestStore(t)
	p := store.Persister("orders")

	_, err := p.Load(context.Background(), uuid.New())
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestPersisterVersionConflict(t *testing.T) {
	store := openTestStore(t)
	p := store.Persister("orders")
	ctx := context.Background()
	id := uuid.New()

	saved, err := p.Save(ctx, &engine.InstanceData{
		InstanceID: id, Stage: "reserve", Status: engine.StatusPending,
	})
	require.NoError(t, err)

	// First writer wins.
	_, err = p.Save(ctx, saved)
	require.NoError(t, err)

	// Second writer carries the stale version.
	_, err = p.Save(ctx, saved)
	require.ErrorIs(t, err, engine.ErrConflict)
}

func TestPersisterStateFactory(t *testing.T) {
	type orderState struct {
		Amount int    `json:"amount"`
		Note   string `json:"note"`
	}
	store := openTestStore(t, WithStateFactory(func() any { return &orderState{} }))
	p := store.Persister("orders")
	ctx := context.Background()
	id := uuid.New()

	_, err := p.Save(ctx, &engine.InstanceData{
		InstanceID: id,
		State:      &orderState{Amount: 7, Note: "rush"},
		Stage:      "reserve",
		Status:     engine.StatusPending,
	})
	require.NoError(t, err)

	loaded, err := p.Load(ctx, id)
	require.NoError(t, err)
	state, ok := loaded.State.(*orderState)
	require.True(t, ok)
	assert.Equal(t, 7, state.Amount)
	assert.Equal(t, "rush", state.Note)
}

func TestTransitionStatusCompareAndSet(t *testing.T) {
	store := openTestStore(t)
	p := store.Persister("orders")
	ctx := context.Background()
	id := uuid.New()

	_, err := p.Save(ctx, &engine.InstanceData{
		InstanceID: id, Stage: "reserve", Status: engine.StatusPending,
	})
	require.NoError(t, err)

	ok, err := p.TransitionStatus(ctx, id, "reserve", engine.StatusPending, engine.StatusRunning)
	require.NoError(t, err)
	assert.True(t, ok)

	// Second claim on the same expectation loses.
	ok, err = p.TransitionStatus(ctx, id, "reserve", engine.StatusPending, engine.StatusRunning)
	require.NoError(t, err)
	assert.False(t, ok)

	// Wrong stage never matches.
	ok, err = p.TransitionStatus(ctx, id, "ship", engine.StatusRunning, engine.StatusCompleted)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestEventMailboxOrderAndDelete(t *testing.T) {
	store := openTestStore(t)
	events := store.Events()
	ctx := context.Background()
	id := uuid.New()

	require.NoError(t, events.Append(ctx, "orders", id, "paid"))
	require.NoError(t, events.Append(ctx, "orders", id, "shipped"))
	require.NoError(t, events.Append(ctx, "orders", id, "paid"))

	// Oldest matching row wins, even with several candidates.
	ev, err := events.Peek(ctx, "orders", id, []flow.EventID{"shipped", "paid"})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, flow.EventID("paid"), ev.Event)

	deleted, err := events.Delete(ctx, ev.ID)
	require.NoError(t, err)
	assert.True(t, deleted)

	// Delete is idempotent.
	deleted, err = events.Delete(ctx, ev.ID)
	require.NoError(t, err)
	assert.False(t, deleted)

	ev, err = events.Peek(ctx, "orders", id, []flow.EventID{"shipped"})
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, flow.EventID("shipped"), ev.Event)
}

func TestEventMailboxScopedToInstance(t *testing.T) {
	store := openTestStore(t)
	events := store.Events()
	ctx := context.Background()
	a, b := uuid.New(), uuid.New()

	require.NoError(t, events.Append(ctx, "orders", a, "paid"))

	ev, err := events.Peek(ctx, "orders", b, []flow.EventID{"paid"})
	require.NoError(t, err)
	assert.Nil(t, ev)

	ev, err = events.Peek(ctx, "returns", a, []flow.EventID{"paid"})
	require.NoError(t, err)
	assert.Nil(t, ev)
}

func TestHistoryTimeline(t *testing.T) {
	store := openTestStore(t)
	history := store.History()
	ctx := context.Background()
	id := uuid.New()

	entries := []engine.HistoryEntry{
		{Time: time.Now(), FlowID: "orders", InstanceID: id, Kind: engine.EntryInstanceStarted, Stage: "reserve"},
		{Time: time.Now(), FlowID: "orders", InstanceID: id, Kind: engine.EntryStageChanged, FromStage: "reserve", ToStage: "ship"},
		{Time: time.Now(), FlowID: "orders", InstanceID: id, Kind: engine.EntryError, Stage: "ship", ErrorType: "*errors.errorString", ErrorMessage: "carrier down"},
	}
	for _, e := range entries {
		require.NoError(t, history.Append(ctx, e))
	}
	// Unrelated instance must stay out of the timeline.
	require.NoError(t, history.Append(ctx, engine.HistoryEntry{
		Time: time.Now(), FlowID: "orders", InstanceID: uuid.New(), Kind: engine.EntryInstanceStarted,
	}))

	timeline, err := store.Timeline(ctx, "orders", id)
	require.NoError(t, err)
	require.Len(t, timeline, 3)
	assert.Equal(t, engine.EntryInstanceStarted, timeline[0].Kind)
	assert.Equal(t, flow.StageID("ship"), timeline[1].ToStage)
	assert.Equal(t, "carrier down", timeline[2].ErrorMessage)
}

func TestInstanceQueries(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	p := store.Persister("orders")

	seed := func(stage flow.StageID, status engine.Status) uuid.UUID {
		id := uuid.New()
		_, err := p.Save(ctx, &engine.InstanceData{InstanceID: id, Stage: stage, Status: status})
		require.NoError(t, err)
		return id
	}
	seed("reserve", engine.StatusPending)
	seed("reserve", engine.StatusRunning)
	seed("ship", engine.StatusError)
	seed("ship", engine.StatusError)
	seed("done", engine.StatusCompleted)

	counts, err := store.CountInstances(ctx, "orders")
	require.NoError(t, err)
	assert.Equal(t, observer.StatusCounts{
		engine.StatusPending:   1,
		engine.StatusRunning:   1,
		engine.StatusError:     2,
		engine.StatusCompleted: 1,
	}, counts)

	active, err := store.ListInstances(ctx, "orders", observer.BucketActive)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	all, err := store.ListInstances(ctx, "", "")
	require.NoError(t, err)
	assert.Len(t, all, 5)

	groups, err := store.ListErrorGroups(ctx, "orders")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, "orders", groups[0].FlowID)
	assert.Equal(t, flow.StageID("ship"), groups[0].Stage)
	assert.Equal(t, 2, groups[0].Count)
}

package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/flowlite/engine"
	"git.home.luguber.info/inful/flowlite/flow"
	"git.home.luguber.info/inful/flowlite/store/memory"
)

// manualScheduler queues ticks without delivering; tests drain explicitly so
// every assertion runs against a quiescent engine.
type manualScheduler struct {
	mu      sync.Mutex
	handler engine.TickHandler
	queue   []tickRef
}

type tickRef struct {
	flowID     string
	instanceID uuid.UUID
}

func (s *manualScheduler) SetHandler(h engine.TickHandler) { s.handler = h }

func (s *manualScheduler) Schedule(_ context.Context, flowID string, instanceID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queue = append(s.queue, tickRef{flowID: flowID, instanceID: instanceID})
	return nil
}

func (s *manualScheduler) Start(context.Context) error { return nil }
func (s *manualScheduler) Stop(context.Context) error  { return nil }

// drain delivers queued ticks (and the ticks those deliveries enqueue) until
// the queue is empty.
func (s *manualScheduler) drain(t *testing.T) {
	t.Helper()
	for i := 0; i < 1000; i++ {
		s.mu.Lock()
		if len(s.queue) == 0 {
			s.mu.Unlock()
			return
		}
		next := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()
		_ = s.handler(context.Background(), next.flowID, next.instanceID)
	}
	t.Fatal("drain did not quiesce after 1000 ticks")
}

type rig struct {
	eng     *engine.Engine
	store   *memory.Store
	history *memory.History
	sched   *manualScheduler
}

func newRig(t *testing.T) *rig {
	t.Helper()
	store := memory.New()
	history := memory.NewHistory()
	sched := &manualScheduler{}
	eng, err := engine.New(engine.Options{
		Events:    store,
		History:   history,
		Scheduler: sched,
	})
	require.NoError(t, err)
	return &rig{eng: eng, store: store, history: history, sched: sched}
}

func (r *rig) register(t *testing.T, flowID string, f *flow.Flow) {
	t.Helper()
	require.NoError(t, r.eng.RegisterFlow(flowID, f, r.store))
}

func (r *rig) status(t *testing.T, flowID string, id uuid.UUID) (flow.StageID, engine.Status) {
	t.Helper()
	stage, status, err := r.eng.Status(context.Background(), flowID, id)
	require.NoError(t, err)
	return stage, status
}

func (r *rig) kinds(t *testing.T, flowID string, id uuid.UUID) []engine.EntryKind {
	t.Helper()
	entries, err := r.history.Timeline(context.Background(), flowID, id)
	require.NoError(t, err)
	out := make([]engine.EntryKind, len(entries))
	for i, e := range entries {
		out[i] = e.Kind
	}
	return out
}

type counterState struct {
	Steps []string
}

func appendStep(name string) flow.Action {
	return func(_ context.Context, state any) (any, error) {
		s := state.(*counterState)
		s.Steps = append(s.Steps, name)
		return s, nil
	}
}

func linearFlow(t *testing.T) *flow.Flow {
	t.Helper()
	f, err := flow.NewBuilder().
		Stage("a", appendStep("a")).
		Stage("b", appendStep("b")).
		Stage("c").End().
		Build()
	require.NoError(t, err)
	return f
}

func waitingFlow(t *testing.T) *flow.Flow {
	t.Helper()
	b := flow.NewBuilder()
	b.Stage("start", appendStep("start")).Stage("wait")
	b.WaitFor("go").Join("done")
	b.WaitFor("abort").Join("aborted")
	b.Stage("done").End()
	b.Stage("aborted").End()
	f, err := b.Build()
	require.NoError(t, err)
	return f
}

func TestLinearFlowRunsToCompletion(t *testing.T) {
	r := newRig(t)
	r.register(t, "linear", linearFlow(t))
	ctx := context.Background()

	state := &counterState{}
	id, err := r.eng.StartInstance(ctx, "linear", state)
	require.NoError(t, err)
	r.sched.drain(t)

	stage, status := r.status(t, "linear", id)
	assert.Equal(t, flow.StageID("c"), stage)
	assert.Equal(t, engine.StatusCompleted, status)

	data, err := r.store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, data.State.(*counterState).Steps)
}

func TestLinearFlowHistoryOrder(t *testing.T) {
	r := newRig(t)
	r.register(t, "linear", linearFlow(t))

	id, err := r.eng.StartInstance(context.Background(), "linear", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	assert.Equal(t, []engine.EntryKind{
		engine.EntryInstanceStarted,
		engine.EntryStatusChanged, // a: pending -> running
		engine.EntryStageChanged,  // a -> b
		engine.EntryStatusChanged, // b: pending -> running
		engine.EntryStageChanged,  // b -> c
		engine.EntryStatusChanged, // c: pending -> running
		engine.EntryStatusChanged, // c: running -> completed
	}, r.kinds(t, "linear", id))
}

func TestTerminalStageRunsFinalAction(t *testing.T) {
	r := newRig(t)
	f, err := flow.NewBuilder().
		Stage("work", appendStep("work")).
		Stage("cleanup", appendStep("cleanup")).End().
		Build()
	require.NoError(t, err)
	r.register(t, "janitor", f)
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "janitor", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	_, status := r.status(t, "janitor", id)
	assert.Equal(t, engine.StatusCompleted, status)

	data, err := r.store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, []string{"work", "cleanup"}, data.State.(*counterState).Steps,
		"the final action ran before completion")
}

func TestWaitingStageConsumesEvent(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "wf", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	// Parked at the waiting stage with the claim released.
	stage, status := r.status(t, "wf", id)
	assert.Equal(t, flow.StageID("wait"), stage)
	assert.Equal(t, engine.StatusPending, status)

	require.NoError(t, r.eng.SendEvent(ctx, "wf", id, "go"))
	r.sched.drain(t)

	stage, status = r.status(t, "wf", id)
	assert.Equal(t, flow.StageID("done"), stage)
	assert.Equal(t, engine.StatusCompleted, status)
	assert.Empty(t, r.store.PendingEvents("wf", id))
}

func TestEventBeforeWaitingStageIsBuffered(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "wf", &counterState{})
	require.NoError(t, err)
	// Event arrives before any tick ran; the mailbox holds it until the
	// waiting stage consumes it.
	require.NoError(t, r.eng.SendEvent(ctx, "wf", id, "go"))
	r.sched.drain(t)

	stage, status := r.status(t, "wf", id)
	assert.Equal(t, flow.StageID("done"), stage)
	assert.Equal(t, engine.StatusCompleted, status)
}

func TestUndeclaredEventStaysQueued(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "wf", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	require.NoError(t, r.eng.SendEvent(ctx, "wf", id, "unrelated"))
	r.sched.drain(t)

	stage, status := r.status(t, "wf", id)
	assert.Equal(t, flow.StageID("wait"), stage)
	assert.Equal(t, engine.StatusPending, status)
	assert.Len(t, r.store.PendingEvents("wf", id), 1)
}

func TestDuplicateEventLeavesStaleRow(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "wf", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	require.NoError(t, r.eng.SendEvent(ctx, "wf", id, "go"))
	require.NoError(t, r.eng.SendEvent(ctx, "wf", id, "go"))
	r.sched.drain(t)

	// One consumed, one left behind; the instance advanced exactly once.
	stage, status := r.status(t, "wf", id)
	assert.Equal(t, flow.StageID("done"), stage)
	assert.Equal(t, engine.StatusCompleted, status)
	assert.Len(t, r.store.PendingEvents("wf", id), 1)
}

func failingOnce(calls *int) flow.Action {
	return func(_ context.Context, state any) (any, error) {
		*calls++
		if *calls == 1 {
			return nil, errors.New("downstream unavailable")
		}
		return state, nil
	}
}

func TestActionErrorThenRetry(t *testing.T) {
	r := newRig(t)
	var calls int
	f, err := flow.NewBuilder().
		Stage("work", failingOnce(&calls)).
		Stage("done").End().
		Build()
	require.NoError(t, err)
	r.register(t, "retryable", f)
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "retryable", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	stage, status := r.status(t, "retryable", id)
	assert.Equal(t, flow.StageID("work"), stage, "error keeps the instance at its stage")
	assert.Equal(t, engine.StatusError, status)

	entries, err := r.history.Timeline(ctx, "retryable", id)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, engine.EntryError, last.Kind)
	assert.Equal(t, "downstream unavailable", last.ErrorMessage)
	assert.Equal(t, "*errors.errorString", last.ErrorType)

	require.NoError(t, r.eng.Retry(ctx, "retryable", id))
	r.sched.drain(t)

	stage, status = r.status(t, "retryable", id)
	assert.Equal(t, flow.StageID("done"), stage)
	assert.Equal(t, engine.StatusCompleted, status)
	assert.Equal(t, 2, calls, "retry re-runs the failed action")
}

func TestRetryEmitsStatusChangeOnly(t *testing.T) {
	r := newRig(t)
	var calls int
	f, err := flow.NewBuilder().
		Stage("work", failingOnce(&calls)).
		Stage("done").End().
		Build()
	require.NoError(t, err)
	r.register(t, "retryable", f)
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "retryable", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	before := len(r.kinds(t, "retryable", id))
	require.NoError(t, r.eng.Retry(ctx, "retryable", id))
	kinds := r.kinds(t, "retryable", id)
	require.Len(t, kinds, before+1)
	assert.Equal(t, engine.EntryStatusChanged, kinds[before], "retry stays on the same stage")
}

func TestRetryRefusedOutsideError(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "wf", &counterState{})
	require.NoError(t, err)

	err = r.eng.Retry(ctx, "wf", id)
	require.ErrorIs(t, err, engine.ErrInvalidOperation)
}

func TestActionPanicBecomesError(t *testing.T) {
	r := newRig(t)
	f, err := flow.NewBuilder().
		Stage("boom", func(context.Context, any) (any, error) { panic("kaboom") }).
		Stage("done").End().
		Build()
	require.NoError(t, err)
	r.register(t, "panicky", f)
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "panicky", nil)
	require.NoError(t, err)
	r.sched.drain(t)

	_, status := r.status(t, "panicky", id)
	assert.Equal(t, engine.StatusError, status)

	entries, err := r.history.Timeline(ctx, "panicky", id)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, "panic", last.ErrorType)
	assert.NotEmpty(t, last.ErrorStack)
}

func TestCancelLifecycle(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "wf", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	require.NoError(t, r.eng.Cancel(ctx, "wf", id))
	_, status := r.status(t, "wf", id)
	assert.Equal(t, engine.StatusCancelled, status)

	// Cancelling a terminal instance is refused.
	err = r.eng.Cancel(ctx, "wf", id)
	require.ErrorIs(t, err, engine.ErrInvalidOperation)

	// A straggler tick is a no-op on a terminal instance.
	require.NoError(t, r.sched.Schedule(ctx, "wf", id))
	r.sched.drain(t)
	_, status = r.status(t, "wf", id)
	assert.Equal(t, engine.StatusCancelled, status)
}

func TestConditionRouting(t *testing.T) {
	big := func(state any) bool { return state.(*counterState) != nil && len(state.(*counterState).Steps) > 0 }
	b := flow.NewBuilder()
	b.Stage("route").Condition(flow.If(big, flow.Goto("busy"), flow.Goto("fresh")))
	b.Stage("busy").End()
	b.Stage("fresh").End()
	f, err := b.Build()
	require.NoError(t, err)

	r := newRig(t)
	r.register(t, "routed", f)
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "routed", &counterState{Steps: []string{"x"}})
	require.NoError(t, err)
	r.sched.drain(t)
	stage, _ := r.status(t, "routed", id)
	assert.Equal(t, flow.StageID("busy"), stage)

	id, err = r.eng.StartInstance(ctx, "routed", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)
	stage, _ = r.status(t, "routed", id)
	assert.Equal(t, flow.StageID("fresh"), stage)
}

func TestInitialConditionResolvesAtStart(t *testing.T) {
	vip := func(state any) bool { return state.(*counterState) == nil }
	b := flow.NewBuilder()
	b.Stage("fast").End()
	b.Stage("slow").End()
	b.InitiallyIf(flow.If(vip, flow.Goto("fast"), flow.Goto("slow")))
	f, err := b.Build()
	require.NoError(t, err)

	r := newRig(t)
	r.register(t, "routed", f)

	id, err := r.eng.StartInstance(context.Background(), "routed", &counterState{})
	require.NoError(t, err)
	stage, _ := r.status(t, "routed", id)
	assert.Equal(t, flow.StageID("slow"), stage, "initial condition is resolved before the first persist")
}

func TestChangeStageOverride(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "wf", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	require.NoError(t, r.eng.ChangeStage(ctx, "wf", id, "done"))
	r.sched.drain(t)
	stage, status := r.status(t, "wf", id)
	assert.Equal(t, flow.StageID("done"), stage)
	assert.Equal(t, engine.StatusCompleted, status)

	// Terminal instances cannot be moved.
	err = r.eng.ChangeStage(ctx, "wf", id, "wait")
	require.ErrorIs(t, err, engine.ErrInvalidOperation)
}

func TestChangeStageRejectsUnknownStage(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "wf", &counterState{})
	require.NoError(t, err)

	err = r.eng.ChangeStage(ctx, "wf", id, "nowhere")
	require.ErrorIs(t, err, engine.ErrInvalidOperation)
}

func TestOverlappingTickLosesClaim(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	id, err := r.eng.StartInstance(ctx, "wf", &counterState{})
	require.NoError(t, err)
	r.sched.drain(t)

	// Simulate a concurrent worker holding the claim.
	ok, err := r.store.TransitionStatus(ctx, id, "wait", engine.StatusPending, engine.StatusRunning)
	require.NoError(t, err)
	require.True(t, ok)

	// The overlapping delivery must not touch the instance.
	require.NoError(t, r.eng.HandleTick(ctx, "wf", id))
	stage, status := r.status(t, "wf", id)
	assert.Equal(t, flow.StageID("wait"), stage)
	assert.Equal(t, engine.StatusRunning, status)
}

func TestTickForDeletedInstanceIsSilent(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))

	require.NoError(t, r.eng.HandleTick(context.Background(), "wf", uuid.New()))
}

func TestUnknownStageFailsInstance(t *testing.T) {
	r := newRig(t)
	r.register(t, "wf", waitingFlow(t))
	ctx := context.Background()

	// Persist a record pointing at a stage the flow does not define.
	id := uuid.New()
	_, err := r.store.Save(ctx, &engine.InstanceData{
		InstanceID: id,
		Stage:      "ghost",
		Status:     engine.StatusPending,
	})
	require.NoError(t, err)

	require.NoError(t, r.eng.HandleTick(ctx, "wf", id))
	_, status := r.status(t, "wf", id)
	assert.Equal(t, engine.StatusError, status)

	entries, err := r.history.Timeline(ctx, "wf", id)
	require.NoError(t, err)
	last := entries[len(entries)-1]
	assert.Equal(t, "UnknownStage", last.ErrorType)
}

func TestStartInstanceWithID(t *testing.T) {
	r := newRig(t)
	r.register(t, "linear", linearFlow(t))
	ctx := context.Background()

	// The caller persists the record under a reserved id first.
	id := uuid.New()
	_, err := r.store.Save(ctx, &engine.InstanceData{
		InstanceID: id,
		State:      &counterState{},
		Stage:      "a",
		Status:     engine.StatusPending,
	})
	require.NoError(t, err)

	require.NoError(t, r.eng.StartInstanceWithID(ctx, "linear", id))
	r.sched.drain(t)

	stage, status := r.status(t, "linear", id)
	assert.Equal(t, flow.StageID("c"), stage)
	assert.Equal(t, engine.StatusCompleted, status)

	// Without a persisted record the call is refused.
	err = r.eng.StartInstanceWithID(ctx, "linear", uuid.New())
	require.ErrorIs(t, err, engine.ErrNotFound)
}

func TestRegisterFlowRules(t *testing.T) {
	r := newRig(t)
	f := waitingFlow(t)
	require.NoError(t, r.eng.RegisterFlow("wf", f, r.store))
	// Identical registration is idempotent.
	require.NoError(t, r.eng.RegisterFlow("wf", f, r.store))

	other := linearFlow(t)
	err := r.eng.RegisterFlow("wf", other, r.store)
	require.ErrorIs(t, err, engine.ErrAlreadyRegistered)

	_, _, err = r.eng.Status(context.Background(), "nope", uuid.New())
	require.ErrorIs(t, err, engine.ErrUnknownFlow)
}

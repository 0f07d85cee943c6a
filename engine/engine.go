// Package engine implements the FlowLite runtime: flow registration,
// instance lifecycle operations, and the per-instance tick state machine
// that advances instances one unit of work at a time.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/flow"
	"git.home.luguber.info/inful/flowlite/internal/logfields"
	"git.home.luguber.info/inful/flowlite/metrics"
)

// Options wires the engine's collaborators. Events and Scheduler are
// required; History, Metrics, and Logger fall back to no-ops.
type Options struct {
	Events    EventStore
	History   HistoryStore
	Scheduler TickScheduler
	Metrics   metrics.Recorder
	Logger    *slog.Logger
}

type registration struct {
	flow      *flow.Flow
	persister StatePersister
}

// Engine registers flows, starts instances, routes events, and drives the
// tick state machine. It holds no per-instance state between ticks; all
// durable state lives behind the injected stores.
type Engine struct {
	events    EventStore
	history   HistoryStore
	scheduler TickScheduler
	metrics   metrics.Recorder
	log       *slog.Logger

	mu    sync.RWMutex
	flows map[string]*registration
}

// New builds an engine and registers its tick handler on the scheduler.
func New(opts Options) (*Engine, error) {
	if opts.Events == nil {
		return nil, fmt.Errorf("engine: event store is required")
	}
	if opts.Scheduler == nil {
		return nil, fmt.Errorf("engine: tick scheduler is required")
	}
	e := &Engine{
		events:    opts.Events,
		history:   opts.History,
		scheduler: opts.Scheduler,
		metrics:   opts.Metrics,
		log:       opts.Logger,
	}
	if e.history == nil {
		e.history = nopHistory{}
	}
	if e.metrics == nil {
		e.metrics = metrics.NoopRecorder{}
	}
	if e.log == nil {
		e.log = slog.Default()
	}
	e.flows = map[string]*registration{}
	e.scheduler.SetHandler(e.HandleTick)
	return e, nil
}

type nopHistory struct{}

func (nopHistory) Append(context.Context, HistoryEntry) error { return nil }

// RegisterFlow binds a flow definition and its persister to a flow id.
// Registration is idempotent for the identical definition and persister;
// rebinding an id fails with ErrAlreadyRegistered.
func (e *Engine) RegisterFlow(flowID string, f *flow.Flow, persister StatePersister) error {
	if f == nil {
		return fmt.Errorf("register flow %q: nil flow", flowID)
	}
	if persister == nil {
		return fmt.Errorf("register flow %q: nil persister", flowID)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if existing, ok := e.flows[flowID]; ok {
		if existing.flow == f && existing.persister == persister {
			return nil
		}
		return fmt.Errorf("register flow %q: %w", flowID, ErrAlreadyRegistered)
	}
	e.flows[flowID] = &registration{flow: f, persister: persister}
	e.log.Info("Flow registered", logfields.FlowID(flowID), slog.Int("stages", len(f.StageIDs())))
	return nil
}

// Flow returns the registered definition for a flow id.
func (e *Engine) Flow(flowID string) (*flow.Flow, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.flows[flowID]
	if !ok {
		return nil, false
	}
	return reg.flow, true
}

// Flows returns the registered flow ids, sorted.
func (e *Engine) Flows() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.flows))
	for id := range e.flows {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (e *Engine) registration(flowID string) (*registration, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	reg, ok := e.flows[flowID]
	if !ok {
		return nil, fmt.Errorf("flow %q: %w", flowID, ErrUnknownFlow)
	}
	return reg, nil
}

// StartInstance assigns a fresh instance id, persists the initial record at
// the resolved initial stage with status pending, journals InstanceStarted,
// and enqueues one tick.
func (e *Engine) StartInstance(ctx context.Context, flowID string, initialState any) (uuid.UUID, error) {
	reg, err := e.registration(flowID)
	if err != nil {
		return uuid.Nil, err
	}
	id := uuid.New()
	stage := reg.flow.ResolveInitial(initialState)
	data := &InstanceData{
		InstanceID: id,
		State:      initialState,
		Stage:      stage,
		Status:     StatusPending,
	}
	if _, err := reg.persister.Save(ctx, data); err != nil {
		return uuid.Nil, fmt.Errorf("start instance: %w", err)
	}
	e.appendHistory(ctx, HistoryEntry{
		Time:       time.Now(),
		FlowID:     flowID,
		InstanceID: id,
		Kind:       EntryInstanceStarted,
		Stage:      stage,
	})
	e.scheduleTick(ctx, flowID, id)
	e.log.Info("Instance started", logfields.FlowID(flowID), logfields.InstanceID(id), logfields.Stage(string(stage)))
	return id, nil
}

// StartInstanceWithID enqueues the first tick for an instance whose record
// the caller has already persisted under a reserved id.
func (e *Engine) StartInstanceWithID(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	reg, err := e.registration(flowID)
	if err != nil {
		return err
	}
	if _, err := reg.persister.Load(ctx, instanceID); err != nil {
		return fmt.Errorf("start instance %s: %w", instanceID, err)
	}
	e.scheduleTick(ctx, flowID, instanceID)
	return nil
}

// SendEvent appends an event to the instance mailbox and enqueues a tick.
// The instance does not need to have reached its waiting stage yet; the
// mailbox holds the event until a stage consumes it.
func (e *Engine) SendEvent(ctx context.Context, flowID string, instanceID uuid.UUID, event flow.EventID) error {
	if _, err := e.registration(flowID); err != nil {
		return err
	}
	if err := e.events.Append(ctx, flowID, instanceID, event); err != nil {
		return fmt.Errorf("send event %q: %w", event, err)
	}
	e.appendHistory(ctx, HistoryEntry{
		Time:       time.Now(),
		FlowID:     flowID,
		InstanceID: instanceID,
		Kind:       EntryEventAppended,
		Event:      event,
	})
	e.scheduleTick(ctx, flowID, instanceID)
	e.log.Debug("Event appended", logfields.FlowID(flowID), logfields.InstanceID(instanceID), logfields.Event(string(event)))
	return nil
}

// Retry resumes an instance in error status from its current stage.
func (e *Engine) Retry(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	reg, err := e.registration(flowID)
	if err != nil {
		return err
	}
	data, err := reg.persister.Load(ctx, instanceID)
	if err != nil {
		return err
	}
	if data.Status != StatusError {
		return fmt.Errorf("retry in status %q: %w", data.Status, ErrInvalidOperation)
	}
	ok, err := reg.persister.TransitionStatus(ctx, instanceID, data.Stage, StatusError, StatusPending)
	if err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	if !ok {
		return fmt.Errorf("retry: %w", ErrConflict)
	}
	e.appendHistory(ctx, HistoryEntry{
		Time:       time.Now(),
		FlowID:     flowID,
		InstanceID: instanceID,
		Kind:       EntryStatusChanged,
		FromStatus: StatusError,
		ToStatus:   StatusPending,
	})
	e.scheduleTick(ctx, flowID, instanceID)
	e.log.Info("Instance retried", logfields.FlowID(flowID), logfields.InstanceID(instanceID), logfields.Stage(string(data.Stage)))
	return nil
}

// Cancel moves an instance to the terminal cancelled status. In-flight
// actions are not interrupted; later ticks see the terminal status and
// return silently.
func (e *Engine) Cancel(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	reg, err := e.registration(flowID)
	if err != nil {
		return err
	}
	data, err := reg.persister.Load(ctx, instanceID)
	if err != nil {
		return err
	}
	if data.Status.Terminal() {
		return fmt.Errorf("cancel in status %q: %w", data.Status, ErrInvalidOperation)
	}
	ok, err := reg.persister.TransitionStatus(ctx, instanceID, data.Stage, data.Status, StatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel: %w", err)
	}
	if !ok {
		return fmt.Errorf("cancel: %w", ErrConflict)
	}
	e.appendHistory(ctx, HistoryEntry{
		Time:       time.Now(),
		FlowID:     flowID,
		InstanceID: instanceID,
		Kind:       EntryCancelled,
		Stage:      data.Stage,
	})
	e.log.Info("Instance cancelled", logfields.FlowID(flowID), logfields.InstanceID(instanceID), logfields.Stage(string(data.Stage)))
	return nil
}

// ChangeStage is the operator override: it moves a pending or errored
// instance to the given stage with status pending and enqueues a tick.
func (e *Engine) ChangeStage(ctx context.Context, flowID string, instanceID uuid.UUID, newStage flow.StageID) error {
	reg, err := e.registration(flowID)
	if err != nil {
		return err
	}
	if _, ok := reg.flow.Stage(newStage); !ok {
		return fmt.Errorf("change stage to unknown stage %q: %w", newStage, ErrInvalidOperation)
	}
	data, err := reg.persister.Load(ctx, instanceID)
	if err != nil {
		return err
	}
	if data.Status != StatusPending && data.Status != StatusError {
		return fmt.Errorf("change stage in status %q: %w", data.Status, ErrInvalidOperation)
	}
	fromStage := data.Stage
	data.Stage = newStage
	data.Status = StatusPending
	if _, err := reg.persister.Save(ctx, data); err != nil {
		return fmt.Errorf("change stage: %w", err)
	}
	e.appendHistory(ctx, HistoryEntry{
		Time:       time.Now(),
		FlowID:     flowID,
		InstanceID: instanceID,
		Kind:       EntryStageChanged,
		FromStage:  fromStage,
		ToStage:    newStage,
	})
	e.scheduleTick(ctx, flowID, instanceID)
	e.log.Info("Stage changed by operator", logfields.FlowID(flowID), logfields.InstanceID(instanceID),
		slog.String("from", string(fromStage)), slog.String("to", string(newStage)))
	return nil
}

// Status reads the current (stage, status) of an instance through the
// persister.
func (e *Engine) Status(ctx context.Context, flowID string, instanceID uuid.UUID) (flow.StageID, Status, error) {
	reg, err := e.registration(flowID)
	if err != nil {
		return "", "", err
	}
	data, err := reg.persister.Load(ctx, instanceID)
	if err != nil {
		return "", "", err
	}
	return data.Stage, data.Status, nil
}

// appendHistory journals an entry; failures are logged and swallowed so a
// history outage never fails the surrounding operation.
func (e *Engine) appendHistory(ctx context.Context, entry HistoryEntry) {
	if err := e.history.Append(ctx, entry); err != nil {
		e.log.Warn("History append failed",
			logfields.FlowID(entry.FlowID), logfields.InstanceID(entry.InstanceID),
			slog.String("kind", string(entry.Kind)), logfields.Error(err))
	}
}

// scheduleTick enqueues a wake-up; failures are logged and swallowed, a
// later redelivery or operator action re-drives the instance.
func (e *Engine) scheduleTick(ctx context.Context, flowID string, instanceID uuid.UUID) {
	if err := e.scheduler.Schedule(ctx, flowID, instanceID); err != nil {
		e.log.Warn("Tick scheduling failed",
			logfields.FlowID(flowID), logfields.InstanceID(instanceID), logfields.Error(err))
		return
	}
	e.metrics.IncTickScheduled(flowID)
}

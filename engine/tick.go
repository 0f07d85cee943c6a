package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"git.home.luguber.info/inful/flowlite/flow"
	"git.home.luguber.info/inful/flowlite/internal/logfields"
	"git.home.luguber.info/inful/flowlite/metrics"
)

// HandleTick executes one unit of work for an instance. It is the scheduler
// callback and the only place the engine mutates instance records during
// normal operation. Extra deliveries are safe: the pending→running claim
// makes overlapping ticks no-ops.
func (e *Engine) HandleTick(ctx context.Context, flowID string, instanceID uuid.UUID) error {
	start := time.Now()
	outcome, err := e.tick(ctx, flowID, instanceID)
	e.metrics.ObserveTickDuration(flowID, time.Since(start))
	e.metrics.IncTickOutcome(flowID, outcome)
	if err != nil {
		e.log.Error("Tick failed",
			logfields.FlowID(flowID), logfields.InstanceID(instanceID), logfields.Error(err))
	}
	return err
}

func (e *Engine) tick(ctx context.Context, flowID string, instanceID uuid.UUID) (metrics.TickOutcome, error) {
	reg, err := e.registration(flowID)
	if err != nil {
		// A tick for an unregistered flow can only mean stale queue
		// contents; there is nothing safe to do with it.
		return metrics.OutcomeSkipped, err
	}

	data, err := reg.persister.Load(ctx, instanceID)
	if err != nil {
		if isNotFound(err) {
			// Tick delivered for a deleted instance.
			return metrics.OutcomeSkipped, nil
		}
		return metrics.OutcomeSkipped, fmt.Errorf("tick load: %w", err)
	}
	if data.Status != StatusPending {
		// Terminal, errored, or another worker holds the claim.
		return metrics.OutcomeSkipped, nil
	}

	// Claim the instance. Losing the race is normal under overlapping
	// deliveries.
	claimed, err := reg.persister.TransitionStatus(ctx, instanceID, data.Stage, StatusPending, StatusRunning)
	if err != nil {
		return metrics.OutcomeSkipped, fmt.Errorf("tick claim: %w", err)
	}
	if !claimed {
		return metrics.OutcomeSkipped, nil
	}
	// TransitionStatus advances the stored version by one; keep the local
	// copy in step so the upcoming Save passes the CAS.
	data.Status = StatusRunning
	data.Version++
	e.appendHistory(ctx, HistoryEntry{
		Time: time.Now(), FlowID: flowID, InstanceID: instanceID,
		Kind: EntryStatusChanged, FromStatus: StatusPending, ToStatus: StatusRunning,
	})

	def, ok := reg.flow.Stage(data.Stage)
	if !ok {
		e.failInstance(ctx, reg, flowID, data,
			fmt.Errorf("stage %q is not defined in flow %q", data.Stage, flowID), "UnknownStage", "")
		return metrics.OutcomeFailed, nil
	}

	switch def.Kind() {
	case flow.KindTerminal:
		if def.Action() != nil {
			// Terminal stage with a final action: run it, then complete.
			return e.advanceStage(ctx, reg, flowID, data, def)
		}
		return e.completeStage(ctx, reg, flowID, data)
	case flow.KindWaiting:
		return e.consumeEvent(ctx, reg, flowID, data, def)
	default: // automatic or condition
		return e.advanceStage(ctx, reg, flowID, data, def)
	}
}

// advanceStage runs the stage action (when present) and performs the
// definition-driven transition. The action's output state is authoritative
// for the state field only; the stage field always comes from the
// definition.
func (e *Engine) advanceStage(ctx context.Context, reg *registration, flowID string, data *InstanceData, def *flow.StageDef) (metrics.TickOutcome, error) {
	if act := def.Action(); act != nil {
		actStart := time.Now()
		next, err := runAction(ctx, act, data.State)
		e.metrics.ObserveActionDuration(flowID, string(def.ID()), time.Since(actStart))
		e.metrics.IncActionResult(flowID, string(def.ID()), err == nil)
		if err != nil {
			e.failInstance(ctx, reg, flowID, data, err, errTypeOf(err), stackOf(err))
			return metrics.OutcomeFailed, nil
		}
		data.State = next
	}

	target, hasTarget := e.resolveTarget(def, data.State)
	if !hasTarget {
		// Action-only stage: nothing left to traverse, the stage completes
		// after its action.
		saved, err := reg.persister.Save(ctx, data)
		if err != nil {
			e.failInstance(ctx, reg, flowID, data, err, errTypeOf(err), "")
			return metrics.OutcomeFailed, nil
		}
		*data = *saved
		return e.completeStage(ctx, reg, flowID, data)
	}

	fromStage := data.Stage
	data.Stage = target
	data.Status = StatusPending
	if _, err := reg.persister.Save(ctx, data); err != nil {
		// The stored record still sits at the old stage.
		data.Stage = fromStage
		e.failInstance(ctx, reg, flowID, data, err, errTypeOf(err), "")
		return metrics.OutcomeFailed, nil
	}
	e.appendHistory(ctx, HistoryEntry{
		Time: time.Now(), FlowID: flowID, InstanceID: data.InstanceID,
		Kind: EntryStageChanged, FromStage: fromStage, ToStage: target,
	})
	e.scheduleTick(ctx, flowID, data.InstanceID)
	e.log.Debug("Stage advanced", logfields.FlowID(flowID), logfields.InstanceID(data.InstanceID),
		slog.String("from", string(fromStage)), slog.String("to", string(target)))
	return metrics.OutcomeAdvanced, nil
}

// resolveTarget picks the successor stage: the condition handler wins over
// the plain next stage; nested conditions are evaluated to exhaustion.
func (e *Engine) resolveTarget(def *flow.StageDef, state any) (flow.StageID, bool) {
	if c := def.Condition(); c != nil {
		return c.Resolve(state), true
	}
	if next, ok := def.Next(); ok {
		return next, true
	}
	return "", false
}

// consumeEvent matches the mailbox against the stage's declared events.
// Without a match the claim is released and no tick is re-scheduled; the
// next SendEvent wakes the instance up again.
func (e *Engine) consumeEvent(ctx context.Context, reg *registration, flowID string, data *InstanceData, def *flow.StageDef) (metrics.TickOutcome, error) {
	stored, err := e.events.Peek(ctx, flowID, data.InstanceID, def.EventIDs())
	if err != nil {
		e.releaseClaim(ctx, reg, flowID, data)
		return metrics.OutcomeSkipped, fmt.Errorf("tick peek: %w", err)
	}
	if stored == nil {
		e.releaseClaim(ctx, reg, flowID, data)
		return metrics.OutcomeIdle, nil
	}

	var target flow.StageID
	for _, h := range def.Handlers() {
		if h.Event != stored.Event {
			continue
		}
		switch t := h.Target.(type) {
		case flow.StageTarget:
			target = flow.StageID(t)
		case *flow.Condition:
			target = t.Resolve(data.State)
		}
		break
	}
	if target == "" {
		// Peek returned an event the stage never declared; treat it like a
		// store fault rather than guessing a transition.
		e.releaseClaim(ctx, reg, flowID, data)
		return metrics.OutcomeSkipped, fmt.Errorf("tick: store returned undeclared event %q", stored.Event)
	}

	fromStage := data.Stage
	data.Stage = target
	data.Status = StatusPending
	if _, err := reg.persister.Save(ctx, data); err != nil {
		// The stored record still sits at the old stage.
		data.Stage = fromStage
		e.failInstance(ctx, reg, flowID, data, err, errTypeOf(err), "")
		return metrics.OutcomeFailed, nil
	}
	if _, err := e.events.Delete(ctx, stored.ID); err != nil {
		// The transition is already persisted; the stale row can only match
		// again if the flow re-enters the stage, which Delete idempotency
		// covers on the next attempt.
		e.log.Warn("Event delete failed", logfields.FlowID(flowID),
			logfields.InstanceID(data.InstanceID), logfields.Error(err))
	}
	e.metrics.IncEventConsumed(flowID, string(stored.Event))
	e.appendHistory(ctx, HistoryEntry{
		Time: time.Now(), FlowID: flowID, InstanceID: data.InstanceID,
		Kind: EntryStageChanged, FromStage: fromStage, ToStage: target,
	})
	e.scheduleTick(ctx, flowID, data.InstanceID)
	e.log.Debug("Event consumed", logfields.FlowID(flowID), logfields.InstanceID(data.InstanceID),
		logfields.Event(string(stored.Event)), slog.String("to", string(target)))
	return metrics.OutcomeAdvanced, nil
}

// completeStage finishes a terminal stage: running → completed.
func (e *Engine) completeStage(ctx context.Context, reg *registration, flowID string, data *InstanceData) (metrics.TickOutcome, error) {
	ok, err := reg.persister.TransitionStatus(ctx, data.InstanceID, data.Stage, StatusRunning, StatusCompleted)
	if err != nil {
		return metrics.OutcomeSkipped, fmt.Errorf("tick complete: %w", err)
	}
	if ok {
		e.appendHistory(ctx, HistoryEntry{
			Time: time.Now(), FlowID: flowID, InstanceID: data.InstanceID,
			Kind: EntryStatusChanged, FromStatus: StatusRunning, ToStatus: StatusCompleted,
		})
		e.log.Info("Instance completed", logfields.FlowID(flowID),
			logfields.InstanceID(data.InstanceID), logfields.Stage(string(data.Stage)))
	}
	return metrics.OutcomeCompleted, nil
}

// releaseClaim hands the claim back: running → pending, without scheduling
// another tick.
func (e *Engine) releaseClaim(ctx context.Context, reg *registration, flowID string, data *InstanceData) {
	ok, err := reg.persister.TransitionStatus(ctx, data.InstanceID, data.Stage, StatusRunning, StatusPending)
	if err != nil {
		e.log.Warn("Claim release failed", logfields.FlowID(flowID),
			logfields.InstanceID(data.InstanceID), logfields.Error(err))
		return
	}
	if ok {
		e.appendHistory(ctx, HistoryEntry{
			Time: time.Now(), FlowID: flowID, InstanceID: data.InstanceID,
			Kind: EntryStatusChanged, FromStatus: StatusRunning, ToStatus: StatusPending,
		})
	}
}

// failInstance confines an action or persister failure to this instance:
// running → error plus a journal entry with type, message, and stack.
func (e *Engine) failInstance(ctx context.Context, reg *registration, flowID string, data *InstanceData, cause error, errType, stack string) {
	if _, err := reg.persister.TransitionStatus(ctx, data.InstanceID, data.Stage, StatusRunning, StatusError); err != nil {
		e.log.Error("Error-status transition failed", logfields.FlowID(flowID),
			logfields.InstanceID(data.InstanceID), logfields.Error(err))
	}
	e.appendHistory(ctx, HistoryEntry{
		Time: time.Now(), FlowID: flowID, InstanceID: data.InstanceID,
		Kind:         EntryError,
		Stage:        data.Stage,
		ErrorType:    errType,
		ErrorMessage: cause.Error(),
		ErrorStack:   stack,
	})
	e.log.Warn("Instance moved to error", logfields.FlowID(flowID),
		logfields.InstanceID(data.InstanceID), logfields.Stage(string(data.Stage)), logfields.Error(cause))
}

// actionPanic wraps a recovered panic value so the error path can report a
// stack trace.
type actionPanic struct {
	value any
	stack string
}

func (p *actionPanic) Error() string { return fmt.Sprintf("action panicked: %v", p.value) }

func errTypeOf(err error) string {
	var p *actionPanic
	if errors.As(err, &p) {
		return "panic"
	}
	return fmt.Sprintf("%T", err)
}

func stackOf(err error) string {
	if p, ok := err.(*actionPanic); ok {
		return p.stack
	}
	return ""
}

// runAction invokes an action, converting panics into errors so a misbehaving
// action never takes down the scheduler worker.
func runAction(ctx context.Context, act flow.Action, state any) (out any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &actionPanic{value: r, stack: string(debug.Stack())}
		}
	}()
	return act(ctx, state)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

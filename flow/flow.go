// Package flow holds the immutable flow-definition model and its builder.
//
// A Flow is a directed graph of named stages. Stages advance automatically
// (optionally through an action and/or a condition) or wait for external
// events. Definitions are built once with a Builder, validated, and then
// shared read-only across the engine, the diagram renderer, and the cockpit.
package flow

import "context"

// StageID names a stage within a flow. IDs are opaque to the engine.
type StageID string

// EventID names an external event consumed by a waiting stage.
// Events are compared by value equality.
type EventID string

// Action is the work attached to an active stage. It receives the current
// instance state and returns the next state. Actions may block; they must
// tolerate being executed at least once per successful claim.
type Action func(ctx context.Context, state any) (any, error)

// Predicate is a pure, deterministic function over the instance state.
type Predicate func(state any) bool

// StageKind classifies a stage. Exactly one kind holds for every stage of a
// built flow.
type StageKind int

const (
	// KindTerminal marks a stage with no outgoing edges; reaching it
	// completes the instance, after its final action when one is attached.
	KindTerminal StageKind = iota
	// KindAutomatic marks a stage with an action and/or an unconditional
	// next stage.
	KindAutomatic
	// KindCondition marks a stage whose successor is picked by a condition
	// handler (possibly after an action).
	KindCondition
	// KindWaiting marks a stage that only advances when one of its declared
	// events arrives.
	KindWaiting
)

func (k StageKind) String() string {
	switch k {
	case KindTerminal:
		return "terminal"
	case KindAutomatic:
		return "automatic"
	case KindCondition:
		return "condition"
	case KindWaiting:
		return "waiting"
	}
	return "unknown"
}

// EventHandler binds one event to its transition target (a stage or a
// condition).
type EventHandler struct {
	Event  EventID
	Target Target
}

// StageDef is the immutable definition of a single stage.
type StageDef struct {
	id         StageID
	action     Action
	actionName string
	next       StageID
	cond       *Condition
	handlers   []EventHandler
	ended      bool
}

// ID returns the stage identifier.
func (d *StageDef) ID() StageID { return d.id }

// Action returns the attached action, or nil.
func (d *StageDef) Action() Action { return d.action }

// ActionName returns the short name of the attached action for display
// purposes, or "" when no action is attached or the action is anonymous.
func (d *StageDef) ActionName() string { return d.actionName }

// Next returns the automatic-progression target, if any.
func (d *StageDef) Next() (StageID, bool) { return d.next, d.next != "" }

// Condition returns the condition handler, or nil.
func (d *StageDef) Condition() *Condition { return d.cond }

// Handlers returns the declared event handlers in declaration order.
func (d *StageDef) Handlers() []EventHandler {
	out := make([]EventHandler, len(d.handlers))
	copy(out, d.handlers)
	return out
}

// EventIDs returns the declared event ids in declaration order.
func (d *StageDef) EventIDs() []EventID {
	out := make([]EventID, 0, len(d.handlers))
	for _, h := range d.handlers {
		out = append(out, h.Event)
	}
	return out
}

// Kind classifies the stage. A stage marked terminal with End stays
// terminal even when it carries a final action.
func (d *StageDef) Kind() StageKind {
	switch {
	case len(d.handlers) > 0:
		return KindWaiting
	case d.cond != nil:
		return KindCondition
	case d.next != "":
		return KindAutomatic
	case d.action != nil && !d.ended:
		return KindAutomatic
	default:
		return KindTerminal
	}
}

// Flow is an immutable, validated flow definition.
type Flow struct {
	stages       map[StageID]*StageDef
	order        []StageID
	initialStage StageID
	initialCond  *Condition
}

// Stage looks up a stage definition by id.
func (f *Flow) Stage(id StageID) (*StageDef, bool) {
	d, ok := f.stages[id]
	return d, ok
}

// Stages returns all stage definitions in declaration order.
func (f *Flow) Stages() []*StageDef {
	out := make([]*StageDef, 0, len(f.order))
	for _, id := range f.order {
		out = append(out, f.stages[id])
	}
	return out
}

// StageIDs returns all stage ids in declaration order.
func (f *Flow) StageIDs() []StageID {
	out := make([]StageID, len(f.order))
	copy(out, f.order)
	return out
}

// InitialStage returns the fixed initial stage, if the flow has one.
func (f *Flow) InitialStage() (StageID, bool) {
	return f.initialStage, f.initialCond == nil
}

// InitialCondition returns the initial condition handler, if the flow has one.
func (f *Flow) InitialCondition() (*Condition, bool) {
	return f.initialCond, f.initialCond != nil
}

// ResolveInitial computes the first stage for a fresh instance. When the flow
// has an initial condition it is evaluated against the initial state.
func (f *Flow) ResolveInitial(state any) StageID {
	if f.initialCond != nil {
		return f.initialCond.Resolve(state)
	}
	return f.initialStage
}

// Classify returns the kind of the given stage. Unknown ids classify as
// terminal; the engine treats unknown stages as errors before ever asking.
func (f *Flow) Classify(id StageID) StageKind {
	d, ok := f.stages[id]
	if !ok {
		return KindTerminal
	}
	return d.Kind()
}

package flow

// Builder assembles a Flow one declaration at a time. The zero value is not
// usable; create one with NewBuilder. Builders are not safe for concurrent
// use and must not be reused after Build.
//
// Chaining rules:
//   - Stage(id) declares or re-references a stage and makes it current.
//     When the previous current stage has neither event handlers nor a
//     condition, the new stage becomes its automatic-progression target.
//   - WaitFor(event) opens a chaining context on the current stage whose
//     next Stage/Join/If call sets the handler target.
//   - Condition attaches a condition handler to the current stage and breaks
//     the chain.
//   - End marks the current stage terminal and breaks the chain.
//
// All rule violations are collected and reported together by Build.
type Builder struct {
	stages       map[StageID]*StageDef
	order        []StageID
	initialStage StageID
	initialSet   bool
	initialCond  *Condition
	cur          *StageDef
	errs         []*ValidationError
	built        bool
}

// NewBuilder returns an empty flow builder.
func NewBuilder() *Builder {
	return &Builder{stages: map[StageID]*StageDef{}}
}

func (b *Builder) ensure(id StageID) *StageDef {
	if d, ok := b.stages[id]; ok {
		return d
	}
	d := &StageDef{id: id}
	b.stages[id] = d
	b.order = append(b.order, id)
	return d
}

func (b *Builder) fail(stage StageID, event EventID, rule, detail string) {
	b.errs = append(b.errs, &ValidationError{Stage: stage, Event: event, Rule: rule, Detail: detail})
}

// Stage declares or re-references a stage and makes it the current chaining
// position. An optional action is attached on first mention; attaching an
// action twice to the same stage is a validation error.
func (b *Builder) Stage(id StageID, action ...Action) *Builder {
	def := b.ensure(id)
	if len(action) > 0 && action[0] != nil {
		if def.action != nil {
			b.fail(id, "", RuleDuplicateAction, "an action is already attached")
		} else {
			def.action = action[0]
			def.actionName = callableName(action[0])
		}
	}
	if prev := b.cur; prev != nil && prev != def && len(prev.handlers) == 0 && prev.cond == nil && !prev.ended {
		if prev.next != "" && prev.next != id {
			b.fail(prev.id, "", RuleDuplicateTransition, "automatic transition already targets "+string(prev.next))
		} else {
			prev.next = id
		}
	}
	b.cur = def
	return b
}

// Condition attaches a condition handler to the current stage and breaks the
// chain; branch targets are declared inside the condition itself.
func (b *Builder) Condition(c *Condition) *Builder {
	switch {
	case b.cur == nil:
		b.fail("", "", RuleNoCurrentStage, "condition requires a current stage")
	case c == nil:
		b.fail(b.cur.id, "", RuleEmptyBranch, "nil condition")
	case b.cur.cond != nil:
		b.fail(b.cur.id, "", RuleDuplicateTransition, "a condition is already attached")
	default:
		b.cur.cond = c
	}
	b.cur = nil
	return b
}

// WaitFor declares an event handler on the current stage and returns the
// chaining context that sets its target.
func (b *Builder) WaitFor(event EventID) *WaitBuilder {
	w := &WaitBuilder{b: b, event: event}
	if b.cur == nil {
		b.fail("", event, RuleNoCurrentStage, "waitFor requires a current stage")
		return w
	}
	w.stage = b.cur
	return w
}

// End explicitly marks the current stage terminal and breaks the chain.
func (b *Builder) End() *Builder {
	if b.cur == nil {
		b.fail("", "", RuleNoCurrentStage, "end requires a current stage")
		return b
	}
	b.cur.ended = true
	b.cur = nil
	return b
}

// Initially overrides the initial stage (the default is the first declared
// stage).
func (b *Builder) Initially(id StageID) *Builder {
	if b.initialSet || b.initialCond != nil {
		b.fail(id, "", RuleAmbiguousInitial, "initial stage or condition already set")
		return b
	}
	b.initialStage = id
	b.initialSet = true
	return b
}

// InitiallyIf sets an initial condition evaluated against the initial state
// of every fresh instance. Mutually exclusive with Initially.
func (b *Builder) InitiallyIf(c *Condition) *Builder {
	if b.initialSet || b.initialCond != nil {
		b.fail("", "", RuleAmbiguousInitial, "initial stage or condition already set")
		return b
	}
	if c == nil {
		b.fail("", "", RuleEmptyBranch, "nil initial condition")
		return b
	}
	b.initialCond = c
	return b
}

// Build validates the declarations and returns the immutable Flow. All
// violations found are joined into the returned error.
func (b *Builder) Build() (*Flow, error) {
	if b.built {
		b.fail("", "", RuleBuilderReused, "Build may only be called once")
	}
	b.built = true

	if len(b.order) == 0 {
		b.fail("", "", RuleEmptyFlow, "flow declares no stages")
	}

	f := &Flow{
		stages:      b.stages,
		order:       b.order,
		initialCond: b.initialCond,
	}
	if b.initialCond == nil {
		if b.initialSet {
			f.initialStage = b.initialStage
		} else if len(b.order) > 0 {
			f.initialStage = b.order[0]
		}
	}

	b.validate(f)
	if len(b.errs) > 0 {
		errs := make([]error, len(b.errs))
		for i, e := range b.errs {
			errs[i] = e
		}
		return nil, joinErrors(errs)
	}
	return f, nil
}

// WaitBuilder is the chaining context opened by WaitFor. Exactly one of its
// methods should be called to set the handler target.
type WaitBuilder struct {
	b     *Builder
	stage *StageDef
	event EventID
}

func (w *WaitBuilder) set(t Target) {
	if w.stage == nil {
		return
	}
	for _, h := range w.stage.handlers {
		if h.Event == w.event {
			w.b.fail(w.stage.id, w.event, RuleDuplicateEvent, "event already handled at this stage")
			return
		}
	}
	w.stage.handlers = append(w.stage.handlers, EventHandler{Event: w.event, Target: t})
}

// Stage declares the target stage (attaching an optional action) and
// continues the chain from it.
func (w *WaitBuilder) Stage(id StageID, action ...Action) *Builder {
	w.set(Goto(id))
	w.b.cur = nil
	return w.b.Stage(id, action...)
}

// Join targets an already-declared (or forward-declared) stage and keeps the
// chain on the waiting stage, so further WaitFor calls add more handlers.
func (w *WaitBuilder) Join(id StageID) *Builder {
	w.set(Goto(id))
	w.b.cur = w.stage
	return w.b
}

// If targets a condition and keeps the chain on the waiting stage.
func (w *WaitBuilder) If(c *Condition) *Builder {
	if c == nil {
		w.b.fail(w.stageID(), w.event, RuleEmptyBranch, "nil condition target")
		return w.b
	}
	w.set(c)
	w.b.cur = w.stage
	return w.b
}

func (w *WaitBuilder) stageID() StageID {
	if w.stage == nil {
		return ""
	}
	return w.stage.id
}

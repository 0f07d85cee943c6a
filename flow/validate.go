package flow

import (
	"errors"
	"fmt"
)

// Validation rule names, reported inside ValidationError.
const (
	RuleMixedStage          = "waiting stage must be a pure wait point"
	RuleTerminalStage       = "terminal stage must have no outgoing edges"
	RuleUndefinedTarget     = "target stage is not defined"
	RuleDuplicateEvent      = "duplicate event handler"
	RuleEmptyBranch         = "condition branch must resolve to a stage or condition"
	RuleDuplicateAction     = "action already attached"
	RuleDuplicateTransition = "transition already attached"
	RuleAmbiguousInitial    = "exactly one of initial stage and initial condition may be set"
	RuleNoCurrentStage      = "declaration requires a current stage"
	RuleEmptyFlow           = "flow must declare at least one stage"
	RuleBuilderReused       = "builder already built"
)

// ValidationError describes a single graph inconsistency found by Build.
type ValidationError struct {
	Stage  StageID
	Event  EventID
	Rule   string
	Detail string
}

func (e *ValidationError) Error() string {
	msg := "flow validation"
	if e.Stage != "" {
		msg += fmt.Sprintf(": stage %q", e.Stage)
	}
	if e.Event != "" {
		msg += fmt.Sprintf(": event %q", e.Event)
	}
	msg += ": " + e.Rule
	if e.Detail != "" {
		msg += " (" + e.Detail + ")"
	}
	return msg
}

func joinErrors(errs []error) error { return errors.Join(errs...) }

// validate applies the structural invariants to the assembled graph and
// records every violation on the builder.
func (b *Builder) validate(f *Flow) {
	for _, id := range b.order {
		d := b.stages[id]

		if len(d.handlers) > 0 && (d.action != nil || d.next != "" || d.cond != nil) {
			b.fail(id, "", RuleMixedStage, "stage mixes event handlers with action or automatic transition")
		}
		if d.ended && (d.next != "" || d.cond != nil || len(d.handlers) > 0) {
			b.fail(id, "", RuleTerminalStage, "stage was marked terminal")
		}

		if d.next != "" {
			b.checkTarget(id, "", d.next)
		}
		if d.cond != nil {
			b.checkCondition(id, "", d.cond)
		}
		seen := map[EventID]bool{}
		for _, h := range d.handlers {
			if seen[h.Event] {
				b.fail(id, h.Event, RuleDuplicateEvent, "")
			}
			seen[h.Event] = true
			switch t := h.Target.(type) {
			case StageTarget:
				b.checkTarget(id, h.Event, StageID(t))
			case *Condition:
				b.checkCondition(id, h.Event, t)
			default:
				b.fail(id, h.Event, RuleEmptyBranch, "handler has no target")
			}
		}
	}

	if f.initialCond != nil {
		b.checkCondition("", "", f.initialCond)
	} else if f.initialStage != "" {
		if _, ok := b.stages[f.initialStage]; !ok {
			b.fail(f.initialStage, "", RuleUndefinedTarget, "initial stage is not defined")
		}
	}
}

func (b *Builder) checkTarget(stage StageID, event EventID, target StageID) {
	if _, ok := b.stages[target]; !ok {
		b.fail(stage, event, RuleUndefinedTarget, fmt.Sprintf("references %q", target))
	}
}

func (b *Builder) checkCondition(stage StageID, event EventID, c *Condition) {
	var walk func(c *Condition)
	walk = func(c *Condition) {
		if c.pred == nil {
			b.fail(stage, event, RuleEmptyBranch, "condition has no predicate")
		}
		for _, branch := range []Target{c.onTrue, c.onFalse} {
			switch t := branch.(type) {
			case StageTarget:
				b.checkTarget(stage, event, StageID(t))
			case *Condition:
				walk(t)
			default:
				b.fail(stage, event, RuleEmptyBranch, fmt.Sprintf("condition %q has an empty branch", c.desc))
			}
		}
	}
	walk(c)
}

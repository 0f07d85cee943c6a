package flow

// Target is the resolution of a transition: either a concrete stage
// (see Goto) or a nested Condition.
type Target interface {
	target()
}

// StageTarget is a Target naming a concrete stage.
type StageTarget StageID

func (StageTarget) target() {}

// Goto builds a Target pointing at the named stage. The stage must be
// declared somewhere in the flow; Build reports dangling references.
func Goto(id StageID) Target { return StageTarget(id) }

// Condition is a binary-branch predicate over the instance state. Each branch
// resolves to a stage or to another condition. Conditions are ephemeral: the
// engine evaluates them to exhaustion within a single transition and never
// persists an instance "at" a condition.
type Condition struct {
	pred    Predicate
	desc    string
	onTrue  Target
	onFalse Target
}

func (*Condition) target() {}

// If builds a condition with the given predicate and branch targets. The
// description defaults to the predicate's function name when one can be
// recovered, and to "condition" for anonymous predicates. Use Describe to
// override.
func If(pred Predicate, onTrue, onFalse Target) *Condition {
	desc := callableName(pred)
	if desc == "" {
		desc = "condition"
	}
	return &Condition{pred: pred, desc: desc, onTrue: onTrue, onFalse: onFalse}
}

// Describe overrides the inferred description and returns the condition for
// chaining.
func (c *Condition) Describe(desc string) *Condition {
	if desc != "" {
		c.desc = desc
	}
	return c
}

// Description returns the human-readable description of the predicate.
func (c *Condition) Description() string { return c.desc }

// OnTrue returns the true-branch target.
func (c *Condition) OnTrue() Target { return c.onTrue }

// OnFalse returns the false-branch target.
func (c *Condition) OnFalse() Target { return c.onFalse }

// Evaluate applies the predicate to the given state.
func (c *Condition) Evaluate(state any) bool { return c.pred(state) }

// Resolve evaluates the condition, following nested conditions, until a
// concrete stage is reached.
func (c *Condition) Resolve(state any) StageID {
	cur := c
	for {
		var t Target
		if cur.pred(state) {
			t = cur.onTrue
		} else {
			t = cur.onFalse
		}
		switch v := t.(type) {
		case StageTarget:
			return StageID(v)
		case *Condition:
			cur = v
		default:
			// Build validation rejects empty branches; this is unreachable
			// for a built flow.
			return ""
		}
	}
}

// leafStages collects every stage id reachable from the condition tree.
func (c *Condition) leafStages() []StageID {
	var out []StageID
	var walk func(t Target)
	walk = func(t Target) {
		switch v := t.(type) {
		case StageTarget:
			out = append(out, StageID(v))
		case *Condition:
			walk(v.onTrue)
			walk(v.onFalse)
		}
	}
	walk(c.onTrue)
	walk(c.onFalse)
	return out
}

// Package diagram renders a flow definition as a Mermaid state diagram. The
// renderer is a pure function of the definition: the same flow always yields
// byte-identical output.
package diagram

import (
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"

	"git.home.luguber.info/inful/flowlite/flow"
)

// Render produces the Mermaid stateDiagram-v2 source for the given flow.
func Render(f *flow.Flow) string {
	r := &renderer{
		f:       f,
		choices: map[*flow.Condition]string{},
		used:    map[string]int{},
	}
	return r.render()
}

type renderer struct {
	f       *flow.Flow
	b       strings.Builder
	choices map[*flow.Condition]string
	used    map[string]int
}

func (r *renderer) render() string {
	r.b.WriteString("stateDiagram-v2\n")

	// Stage declarations in definition order so ids stay stable.
	for _, d := range r.f.Stages() {
		id := nodeID(string(d.ID()))
		fmt.Fprintf(&r.b, "    state %q as %s\n", d.ID(), id)
		if name := d.ActionName(); name != "" {
			fmt.Fprintf(&r.b, "    %s: %s()\n", id, name)
		}
	}

	// Initial edge.
	if initial, ok := r.f.InitialStage(); ok {
		fmt.Fprintf(&r.b, "    [*] --> %s\n", nodeID(string(initial)))
	} else if c, ok := r.f.InitialCondition(); ok {
		fmt.Fprintf(&r.b, "    [*] --> %s\n", r.emitChoice(c))
	}

	for _, d := range r.f.Stages() {
		id := nodeID(string(d.ID()))
		switch d.Kind() {
		case flow.KindTerminal:
			fmt.Fprintf(&r.b, "    %s --> [*]\n", id)
		case flow.KindAutomatic:
			if next, ok := d.Next(); ok {
				fmt.Fprintf(&r.b, "    %s --> %s\n", id, nodeID(string(next)))
			} else {
				// Action-only stage completes after its action.
				fmt.Fprintf(&r.b, "    %s --> [*]\n", id)
			}
		case flow.KindCondition:
			fmt.Fprintf(&r.b, "    %s --> %s\n", id, r.emitChoice(d.Condition()))
		case flow.KindWaiting:
			for _, h := range d.Handlers() {
				label := "onEvent " + string(h.Event)
				switch t := h.Target.(type) {
				case flow.StageTarget:
					fmt.Fprintf(&r.b, "    %s --> %s: %s\n", id, nodeID(string(flow.StageID(t))), label)
				case *flow.Condition:
					fmt.Fprintf(&r.b, "    %s --> %s: %s\n", id, r.emitChoice(t), label)
				}
			}
		}
	}
	return r.b.String()
}

// emitChoice declares the <<choice>> node for a condition and emits its
// branch edges, exactly once per condition object; it returns the node id.
// Duplicate descriptions are disambiguated with _2, _3, ….
func (r *renderer) emitChoice(c *flow.Condition) string {
	if id, ok := r.choices[c]; ok {
		return id
	}
	base := "if_" + nodeID(c.Description())
	r.used[base]++
	id := base
	if n := r.used[base]; n > 1 {
		id = fmt.Sprintf("%s_%d", base, n)
	}
	r.choices[c] = id
	fmt.Fprintf(&r.b, "    state %s <<choice>>\n", id)
	r.branchEdge(id, c.OnTrue(), c.Description())
	r.branchEdge(id, c.OnFalse(), fmt.Sprintf("NOT (%s)", c.Description()))
	return id
}

func (r *renderer) branchEdge(from string, t flow.Target, label string) {
	switch v := t.(type) {
	case flow.StageTarget:
		fmt.Fprintf(&r.b, "    %s --> %s: %s\n", from, nodeID(string(flow.StageID(v))), label)
	case *flow.Condition:
		fmt.Fprintf(&r.b, "    %s --> %s: %s\n", from, r.emitChoice(v), label)
	}
}

var foldCaser = cases.Fold()

// nodeID turns an arbitrary name into a stable diagram identifier: Unicode
// case folding, with every non-letter/digit run replaced by "_".
func nodeID(name string) string {
	folded := foldCaser.String(name)
	var b strings.Builder
	for _, r := range folded {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

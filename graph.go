package guidedflow

import "strings"

// Edge is a directed connection between two steps. Edges are authored for
// layout and future branching; traversal is strictly sequential and does
// not follow them.
type Edge struct {
	Source string `json:"source" yaml:"source"`
	Target string `json:"target" yaml:"target"`
}

// Graph is the step/edge structure for one guide version: an ordered
// sequence of steps plus a set of edges. Step ids are unique. An empty
// graph is valid but yields no executable session.
type Graph struct {
	Steps []Step `json:"steps" yaml:"steps"`
	Edges []Edge `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// VisibleSteps returns the steps shown to the given role, in original
// sequence order. The result is a stable subsequence of g.Steps: the
// customer role excludes agent-only steps, agents and admins see the full
// sequence unfiltered.
func (g Graph) VisibleSteps(role Role) []Step {
	if role.SeesAgentSteps() {
		return append([]Step(nil), g.Steps...)
	}
	visible := make([]Step, 0, len(g.Steps))
	for _, s := range g.Steps {
		if s.VisibleTo(role) {
			visible = append(visible, s)
		}
	}
	return visible
}

// ResolveStepIndex returns the position of the step identified by slug or
// raw id within VisibleSteps(role). A lookup miss falls back to index 0
// rather than erroring, so a stale link still lands the actor at the
// start of the flow. Returns -1 only when the visible sequence is empty.
func (g Graph) ResolveStepIndex(role Role, identifier string) int {
	visible := g.VisibleSteps(role)
	if len(visible) == 0 {
		return -1
	}
	identifier = strings.TrimSpace(identifier)
	if identifier == "" {
		return 0
	}
	for i, s := range visible {
		if s.Slug != "" && s.Slug == identifier {
			return i
		}
	}
	for i, s := range visible {
		if s.ID == identifier {
			return i
		}
	}
	return 0
}

// IsStepSatisfied reports whether every required input on the step has a
// non-empty answer, after trimming whitespace. Non-required inputs never
// block satisfaction regardless of value. A step with zero required inputs
// is always satisfied.
func IsStepSatisfied(step Step, answers map[string]string) bool {
	for _, in := range step.Inputs {
		if !in.Required {
			continue
		}
		if strings.TrimSpace(answers[in.ID]) == "" {
			return false
		}
	}
	return true
}

// UnsatisfiedInputs returns the required inputs on the step that are
// missing a non-empty answer, in declaration order.
func UnsatisfiedInputs(step Step, answers map[string]string) []InputField {
	var missing []InputField
	for _, in := range step.Inputs {
		if in.Required && strings.TrimSpace(answers[in.ID]) == "" {
			missing = append(missing, in)
		}
	}
	return missing
}

// Normalize applies Step.Normalize to every step in place.
func (g *Graph) Normalize() {
	for i := range g.Steps {
		g.Steps[i].Normalize()
	}
}

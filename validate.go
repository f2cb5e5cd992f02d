package guidedflow

import "fmt"

// Diagnostic represents a validation error or warning produced by graph
// validation.
type Diagnostic struct {
	Code     string `json:"code"`           // e.g. "GF-001"
	Severity string `json:"severity"`       // "error" or "warning"
	Message  string `json:"message"`        // human-readable description
	Path     string `json:"path,omitempty"` // JSON path to offending field
}

const (
	SeverityError   = "error"
	SeverityWarning = "warning"
)

// HasErrors returns true if any diagnostic has error severity.
func HasErrors(diags []Diagnostic) bool {
	for _, d := range diags {
		if d.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Errors returns only the error-severity diagnostics.
func Errors(diags []Diagnostic) []Diagnostic {
	var errs []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d)
		}
	}
	return errs
}

// Warnings returns only the warning-severity diagnostics.
func Warnings(diags []Diagnostic) []Diagnostic {
	var warns []Diagnostic
	for _, d := range diags {
		if d.Severity == SeverityWarning {
			warns = append(warns, d)
		}
	}
	return warns
}

// Validate checks the structural integrity of the graph:
//   - GF-001: duplicate step IDs
//   - GF-002: step with empty ID
//   - GF-003: edge source/target reference existing steps
//   - GF-004: duplicate input IDs within a step
//   - GF-005: choice input (select/radio/checkbox) without options (warning)
//   - GF-006: unknown step type, normalized to instruction (warning)
//   - GF-007: unknown input type, normalized to text (warning)
//   - GF-008: duplicate slugs (warning; slug resolution takes the first)
//
// An empty graph is valid and produces no diagnostics; it simply yields no
// executable session.
func (g Graph) Validate() []Diagnostic {
	var diags []Diagnostic

	stepIDs := make(map[string]bool, len(g.Steps))
	slugs := make(map[string]bool)

	for i, step := range g.Steps {
		path := fmt.Sprintf("steps[%d]", i)

		if step.ID == "" {
			diags = append(diags, Diagnostic{
				Code:     "GF-002",
				Severity: SeverityError,
				Message:  "Step has an empty ID",
				Path:     path + ".id",
			})
		} else if stepIDs[step.ID] {
			diags = append(diags, Diagnostic{
				Code:     "GF-001",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate step ID %q", step.ID),
				Path:     path + ".id",
			})
		}
		stepIDs[step.ID] = true

		if step.Slug != "" {
			if slugs[step.Slug] {
				diags = append(diags, Diagnostic{
					Code:     "GF-008",
					Severity: SeverityWarning,
					Message:  fmt.Sprintf("Duplicate step slug %q; lookups resolve to the first occurrence", step.Slug),
					Path:     path + ".slug",
				})
			}
			slugs[step.Slug] = true
		}

		if !KnownStepType(step.Type) {
			diags = append(diags, Diagnostic{
				Code:     "GF-006",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Step %q has unknown type %q; treated as instruction", step.ID, step.Type),
				Path:     path + ".type",
			})
		}

		diags = append(diags, validateInputs(step, path)...)
	}

	for i, edge := range g.Edges {
		if !stepIDs[edge.Source] {
			diags = append(diags, Diagnostic{
				Code:     "GF-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge source %q references unknown step", edge.Source),
				Path:     fmt.Sprintf("edges[%d].source", i),
			})
		}
		if !stepIDs[edge.Target] {
			diags = append(diags, Diagnostic{
				Code:     "GF-003",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Edge target %q references unknown step", edge.Target),
				Path:     fmt.Sprintf("edges[%d].target", i),
			})
		}
	}

	return diags
}

func validateInputs(step Step, stepPath string) []Diagnostic {
	var diags []Diagnostic

	inputIDs := make(map[string]bool, len(step.Inputs))
	for j, in := range step.Inputs {
		path := fmt.Sprintf("%s.inputs[%d]", stepPath, j)

		if in.ID == "" {
			diags = append(diags, Diagnostic{
				Code:     "GF-004",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Step %q has an input with an empty ID", step.ID),
				Path:     path + ".id",
			})
		} else if inputIDs[in.ID] {
			diags = append(diags, Diagnostic{
				Code:     "GF-004",
				Severity: SeverityError,
				Message:  fmt.Sprintf("Step %q has duplicate input ID %q", step.ID, in.ID),
				Path:     path + ".id",
			})
		}
		inputIDs[in.ID] = true

		if !KnownInputType(in.Type) {
			diags = append(diags, Diagnostic{
				Code:     "GF-007",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Input %q on step %q has unknown type %q; treated as text", in.ID, step.ID, in.Type),
				Path:     path + ".type",
			})
			continue
		}

		if in.Type.HasOptions() && len(in.Options) == 0 {
			diags = append(diags, Diagnostic{
				Code:     "GF-005",
				Severity: SeverityWarning,
				Message:  fmt.Sprintf("Input %q on step %q is a %s but declares no options", in.ID, step.ID, in.Type),
				Path:     path + ".options",
			})
		}
	}

	return diags
}

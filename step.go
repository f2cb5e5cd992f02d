package guidedflow

import "strings"

// Role identifies who is driving or authoring a flow.
type Role string

const (
	// RoleCustomer is the customer-facing role. Agent-only steps are
	// invisible to customer traversal.
	RoleCustomer Role = "customer"

	// RoleAgent is the support-agent role. Agents see every step.
	RoleAgent Role = "agent"

	// RoleAdmin is the authoring role. Admins see every step and may
	// create guides and versions.
	RoleAdmin Role = "admin"
)

// String returns the string representation of the Role.
func (r Role) String() string {
	return string(r)
}

// SeesAgentSteps reports whether the role may see agent-only steps.
func (r Role) SeesAgentSteps() bool {
	return r == RoleAgent || r == RoleAdmin
}

// ParseRole normalizes a raw role string. Unknown values default to
// customer, the least-privileged role.
func ParseRole(raw string) Role {
	switch Role(strings.ToLower(strings.TrimSpace(raw))) {
	case RoleAgent:
		return RoleAgent
	case RoleAdmin:
		return RoleAdmin
	default:
		return RoleCustomer
	}
}

// StepType identifies the kind of a step.
type StepType string

const (
	// StepInstruction is a display-only step with no inputs.
	StepInstruction StepType = "instruction"

	// StepQuestion collects one or more answers from the actor.
	StepQuestion StepType = "question"

	// StepForm collects a structured set of inputs.
	StepForm StepType = "form"

	// StepDecision presents a choice point to the actor.
	StepDecision StepType = "decision"

	// StepCompletion marks the end of a flow.
	StepCompletion StepType = "completion"
)

// KnownStepType reports whether t is a member of the closed step type set.
func KnownStepType(t StepType) bool {
	switch t {
	case StepInstruction, StepQuestion, StepForm, StepDecision, StepCompletion:
		return true
	}
	return false
}

// Visibility restricts which roles see a step.
type Visibility string

const (
	// VisibilityCustomer marks a step visible to every role.
	VisibilityCustomer Visibility = "customer"

	// VisibilityAgent marks a step visible only to agents and admins.
	VisibilityAgent Visibility = "agent"
)

// InputType identifies the kind of an input field.
type InputType string

const (
	InputText     InputType = "text"
	InputEmail    InputType = "email"
	InputNumber   InputType = "number"
	InputTel      InputType = "tel"
	InputTextarea InputType = "textarea"
	InputSelect   InputType = "select"
	InputRadio    InputType = "radio"
	InputCheckbox InputType = "checkbox"
)

// KnownInputType reports whether t is a member of the closed input type set.
func KnownInputType(t InputType) bool {
	switch t {
	case InputText, InputEmail, InputNumber, InputTel,
		InputTextarea, InputSelect, InputRadio, InputCheckbox:
		return true
	}
	return false
}

// HasOptions reports whether the input type carries an options list.
func (t InputType) HasOptions() bool {
	switch t {
	case InputSelect, InputRadio, InputCheckbox:
		return true
	}
	return false
}

// InputOption is one selectable choice on a select/radio/checkbox input.
type InputOption struct {
	Value string `json:"value" yaml:"value"`
	Label string `json:"label" yaml:"label"`
}

// InputField describes one value collected on a question or form step.
// Field ids are unique within their step.
type InputField struct {
	ID          string        `json:"id" yaml:"id"`
	Type        InputType     `json:"type" yaml:"type"`
	Label       string        `json:"label,omitempty" yaml:"label,omitempty"`
	Placeholder string        `json:"placeholder,omitempty" yaml:"placeholder,omitempty"`
	Required    bool          `json:"required,omitempty" yaml:"required,omitempty"`
	Options     []InputOption `json:"options,omitempty" yaml:"options,omitempty"`
}

// Step is a single unit of content or interaction in a graph.
type Step struct {
	ID                 string       `json:"id" yaml:"id"`
	Slug               string       `json:"slug,omitempty" yaml:"slug,omitempty"`
	Type               StepType     `json:"type" yaml:"type"`
	Title              string       `json:"title,omitempty" yaml:"title,omitempty"`
	Content            string       `json:"content,omitempty" yaml:"content,omitempty"`
	Visibility         Visibility   `json:"visibility,omitempty" yaml:"visibility,omitempty"`
	Inputs             []InputField `json:"inputs,omitempty" yaml:"inputs,omitempty"`
	EscalationEnabled  bool         `json:"escalation_enabled,omitempty" yaml:"escalation_enabled,omitempty"`
	EscalationCategory string       `json:"escalation_category,omitempty" yaml:"escalation_category,omitempty"`

	// Style carries presentation hints (colors). Passthrough data with no
	// semantics in this package.
	Style map[string]any `json:"style,omitempty" yaml:"style,omitempty"`
}

// VisibleTo reports whether the step is shown to the given role.
func (s Step) VisibleTo(role Role) bool {
	if s.Visibility == VisibilityAgent {
		return role.SeesAgentSteps()
	}
	return true
}

// RequiredInputs returns the step's required input fields, in declaration
// order.
func (s Step) RequiredInputs() []InputField {
	var required []InputField
	for _, in := range s.Inputs {
		if in.Required {
			required = append(required, in)
		}
	}
	return required
}

// Normalize coerces unknown variants to their documented fallbacks:
// unknown step types become instruction, unknown input types become text,
// and unknown visibility values become customer. Older persisted graphs
// may carry variants this build does not know.
func (s *Step) Normalize() {
	if !KnownStepType(s.Type) {
		s.Type = StepInstruction
	}
	if s.Visibility != VisibilityAgent {
		s.Visibility = VisibilityCustomer
	}
	for i := range s.Inputs {
		if !KnownInputType(s.Inputs[i].Type) {
			s.Inputs[i].Type = InputText
		}
	}
}

package guidedflow

import "time"

// StepAnswers is one step's recorded answers inside an escalation history
// snapshot, in traversal order.
type StepAnswers struct {
	StepID  string            `json:"step_id"`
	Title   string            `json:"title,omitempty"`
	Answers map[string]string `json:"answers,omitempty"`
}

// Escalation is a point-in-time handoff request to human support.
// Immutable once submitted.
type Escalation struct {
	ID        string `json:"id,omitempty"`
	SessionID string `json:"session_id"`
	GuideID   string `json:"guide_id,omitempty"`
	StepID    string `json:"step_id"`
	Category  string `json:"category"`
	Message   string `json:"message"`

	// HistorySnapshot holds the answers for every step visited so far,
	// index 0 through the current step, in traversal order.
	HistorySnapshot []StepAnswers `json:"history_snapshot,omitempty"`

	// Contact carries free-form contact fields (name, email, phone).
	Contact map[string]string `json:"contact,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

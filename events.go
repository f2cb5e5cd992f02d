package guidedflow

import (
	"time"
)

// EventAction identifies the kind of flow event emitted during a session.
// These names are a wire contract shared with the analytics backend and
// must not be renamed.
type EventAction string

const (
	// ActionStepCompleted is emitted once for every successful advance,
	// carrying the completed step's id and the full answer snapshot.
	ActionStepCompleted EventAction = "step_completed"

	// ActionSessionCompleted is emitted when a session reaches the end of
	// its visible step sequence.
	ActionSessionCompleted EventAction = "session_completed"

	// ActionEscalationSubmitted is emitted alongside every escalation
	// handoff, successful or not.
	ActionEscalationSubmitted EventAction = "escalation_submitted"

	// ActionCRMFormSubmitted is emitted when an agent patches CRM context
	// onto a session.
	ActionCRMFormSubmitted EventAction = "crm_form_submitted"
)

// String returns the string representation of the EventAction.
func (a EventAction) String() string {
	return string(a)
}

// KnownEventAction reports whether a is one of the actions the engine
// emits.
func KnownEventAction(a EventAction) bool {
	switch a {
	case ActionStepCompleted, ActionSessionCompleted,
		ActionEscalationSubmitted, ActionCRMFormSubmitted:
		return true
	}
	return false
}

// Event is a structured record of something that happened during a
// session. Events should be kept small; answer snapshots go in Props.
type Event struct {
	// ID uniquely identifies the event.
	ID string `json:"id,omitempty"`

	// Action identifies the event kind.
	Action EventAction `json:"action"`

	// SessionID is the session this event belongs to.
	SessionID string `json:"session_id"`

	// StepID is the step the event concerns (empty for session-level events).
	StepID string `json:"step_id,omitempty"`

	// Time is when the event occurred.
	Time time.Time `json:"timestamp"`

	// Seq is a per-session monotonic sequence number, assigned by the
	// event store on append (0 before persistence).
	Seq uint64 `json:"seq,omitempty"`

	// Props carries event-specific data such as answer snapshots.
	Props map[string]any `json:"props,omitempty"`
}

// NewEvent creates a new event with the current timestamp.
func NewEvent(action EventAction, sessionID string) Event {
	return Event{
		Action:    action,
		SessionID: sessionID,
		Time:      time.Now().UTC(),
		Props:     make(map[string]any),
	}
}

// WithStep sets the step id on the event.
func (e Event) WithStep(stepID string) Event {
	e.StepID = stepID
	return e
}

// WithProp adds a key-value pair to the event props.
func (e Event) WithProp(key string, value any) Event {
	if e.Props == nil {
		e.Props = make(map[string]any)
	}
	e.Props[key] = value
	return e
}

// EventHandler is a function type for handling events.
// Implementations can log, store, or forward events as needed.
type EventHandler func(Event)

// MultiEventHandler combines multiple handlers into one.
func MultiEventHandler(handlers ...EventHandler) EventHandler {
	return func(e Event) {
		for _, h := range handlers {
			if h != nil {
				h(e)
			}
		}
	}
}

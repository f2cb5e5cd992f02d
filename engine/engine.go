// Package engine provides the execution engine for guided flow sessions.
// One Engine instance owns the transient position-and-answer state of one
// session and drives the linear state machine
// AtStep(i) -> [validate] -> AtStep(i+1) -> ... -> Completed.
//
// Engines are single-actor: one session is driven serially by exactly one
// user, so there is no locking and no shared mutable state between
// sessions. Side effects (event logging, escalation handoff, session
// completion) are delegated to externally supplied sinks invoked at
// transition points; sink failure is reported to the caller but never
// rolls back the local transition.
package engine

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/guidedflow/guidedflow"
)

// Phase identifies the lifecycle state of a session engine.
type Phase string

const (
	// PhaseLoading is the initial phase, before Start resolves a position.
	PhaseLoading Phase = "loading"

	// PhaseAtStep means the session is positioned at a visible step.
	PhaseAtStep Phase = "at_step"

	// PhaseCompleted is the terminal phase: every visible step is done.
	PhaseCompleted Phase = "completed"

	// PhaseNotFound means the graph was missing or had no visible steps.
	PhaseNotFound Phase = "not_found"
)

// Outcome describes what an Advance call did.
type Outcome string

const (
	// OutcomeStayed means validation failed and the position is unchanged.
	OutcomeStayed Outcome = "stayed"

	// OutcomeMoved means the session advanced to the next visible step.
	OutcomeMoved Outcome = "moved"

	// OutcomeCompleted means the session advanced past the last step.
	OutcomeCompleted Outcome = "completed"
)

// AdvanceResult reports the outcome of an Advance call.
type AdvanceResult struct {
	Outcome Outcome

	// Index is the current step index after the call (unchanged on
	// OutcomeStayed, meaningless on OutcomeCompleted).
	Index int
}

// ErrNoCurrentStep is returned by operations that need a current step
// position when the engine is not in the AtStep phase.
var ErrNoCurrentStep = errors.New("no current step")

// ValidationError is a recoverable input error: a required answer is
// missing, or an escalation message is empty. It never changes engine
// state.
type ValidationError struct {
	Reason  string
	Missing []string // input ids missing a required answer
}

func (e *ValidationError) Error() string {
	if len(e.Missing) > 0 {
		return e.Reason + ": " + strings.Join(e.Missing, ", ")
	}
	return e.Reason
}

// EffectFailure reports that an externally supplied sink rejected a side
// effect. The local transition it accompanied has already happened and is
// not rolled back; callers surface this as a transient notification.
type EffectFailure struct {
	Op  string // "event", "escalation", "completion"
	Err error
}

func (e *EffectFailure) Error() string {
	return "effect " + e.Op + " failed: " + e.Err.Error()
}

func (e *EffectFailure) Unwrap() error {
	return e.Err
}

// Sinks are the externally supplied effect handlers the engine invokes at
// transition points. Nil sinks are skipped. The engine does not await any
// sink for correctness of local state.
type Sinks struct {
	// Events receives one event per emission point: step_completed on
	// every successful advance, session_completed on completion,
	// escalation_submitted alongside every escalation.
	Events func(ctx context.Context, e guidedflow.Event) error

	// Escalations receives the constructed escalation record.
	Escalations func(ctx context.Context, esc guidedflow.Escalation) error

	// Completion is called once when the session completes.
	Completion func(ctx context.Context, sessionID string) error
}

// Config configures an Engine.
type Config struct {
	Graph     guidedflow.Graph
	Role      guidedflow.Role
	SessionID string
	GuideID   string
	Sinks     Sinks

	// Now provides the current time (for testing). If nil, uses time.Now.
	Now func() time.Time
}

// Engine drives one session through the role-filtered step sequence.
// Not safe for concurrent use; each session owns its own instance.
type Engine struct {
	graph     guidedflow.Graph
	role      guidedflow.Role
	sessionID string
	guideID   string
	sinks     Sinks
	now       func() time.Time

	visible []guidedflow.Step
	phase   Phase
	index   int
	answers map[string]string        // current step scope
	history []guidedflow.StepAnswers // frozen snapshots for steps already advanced past
}

// New creates an engine in the Loading phase. Call Start to resolve the
// initial position.
func New(cfg Config) *Engine {
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = time.Now
	}
	return &Engine{
		graph:     cfg.Graph,
		role:      cfg.Role,
		sessionID: cfg.SessionID,
		guideID:   cfg.GuideID,
		sinks:     cfg.Sinks,
		now:       nowFn,
		phase:     PhaseLoading,
		answers:   make(map[string]string),
	}
}

// Start resolves the starting position from a slug or raw step id and
// transitions to AtStep, or to NotFound when the graph has no steps
// visible to the role. A lookup miss starts at index 0.
func (e *Engine) Start(identifier string) Phase {
	e.visible = e.graph.VisibleSteps(e.role)
	if len(e.visible) == 0 {
		e.phase = PhaseNotFound
		return e.phase
	}
	e.index = e.graph.ResolveStepIndex(e.role, identifier)
	e.phase = PhaseAtStep
	return e.phase
}

// Phase returns the engine's current lifecycle phase.
func (e *Engine) Phase() Phase {
	return e.phase
}

// CurrentStep returns the step at the current position. ok is false in
// every phase other than AtStep, including against an empty graph, which
// reports "no current step" rather than panicking.
func (e *Engine) CurrentStep() (guidedflow.Step, bool) {
	if e.phase != PhaseAtStep {
		return guidedflow.Step{}, false
	}
	return e.visible[e.index], true
}

// Position returns the 1-based display numerator and the visible-step
// denominator ("step N of M"). Both are 0 before Start or on NotFound.
func (e *Engine) Position() (n, m int) {
	if e.phase == PhaseLoading || e.phase == PhaseNotFound {
		return 0, 0
	}
	if e.phase == PhaseCompleted {
		return len(e.visible), len(e.visible)
	}
	return e.index + 1, len(e.visible)
}

// RecordAnswer records an answer for the current step. Calling it twice
// with the same input id overwrites. Allowed only while at a step.
func (e *Engine) RecordAnswer(inputID, value string) error {
	if e.phase != PhaseAtStep {
		return ErrNoCurrentStep
	}
	e.answers[inputID] = value
	return nil
}

// Answers returns a copy of the in-progress answer map for the current
// step.
func (e *Engine) Answers() map[string]string {
	return copyAnswers(e.answers)
}

// Advance validates the current step and moves the session forward.
//
// When the current step is unsatisfied it returns OutcomeStayed and a
// *ValidationError; the position and answers are unchanged. Otherwise it
// emits one step_completed event carrying the full answer snapshot,
// freezes the snapshot into the history, clears the answer map for the
// next step's scope, and either moves to the next index or, from the
// last index, transitions to Completed, invoking the completion sink and
// emitting session_completed.
//
// Local state advances optimistically: a failing sink is reported as a
// *EffectFailure but the transition stands.
func (e *Engine) Advance(ctx context.Context) (AdvanceResult, error) {
	if e.phase != PhaseAtStep {
		return AdvanceResult{}, ErrNoCurrentStep
	}

	step := e.visible[e.index]
	if !guidedflow.IsStepSatisfied(step, e.answers) {
		missing := guidedflow.UnsatisfiedInputs(step, e.answers)
		ids := make([]string, len(missing))
		for i, in := range missing {
			ids[i] = in.ID
		}
		return AdvanceResult{Outcome: OutcomeStayed, Index: e.index},
			&ValidationError{Reason: "required inputs missing", Missing: ids}
	}

	snapshot := copyAnswers(e.answers)
	e.history = append(e.history, guidedflow.StepAnswers{
		StepID:  step.ID,
		Title:   step.Title,
		Answers: snapshot,
	})
	e.answers = make(map[string]string)

	var effectErr error
	ev := guidedflow.Event{
		Action:    guidedflow.ActionStepCompleted,
		SessionID: e.sessionID,
		StepID:    step.ID,
		Time:      e.now().UTC(),
		Props:     map[string]any{"answers": snapshot},
	}
	if err := e.emit(ctx, ev); err != nil {
		effectErr = err
	}

	if e.index+1 < len(e.visible) {
		e.index++
		return AdvanceResult{Outcome: OutcomeMoved, Index: e.index}, effectErr
	}

	e.phase = PhaseCompleted
	if e.sinks.Completion != nil {
		if err := e.sinks.Completion(ctx, e.sessionID); err != nil && effectErr == nil {
			effectErr = &EffectFailure{Op: "completion", Err: err}
		}
	}
	done := guidedflow.Event{
		Action:    guidedflow.ActionSessionCompleted,
		SessionID: e.sessionID,
		Time:      e.now().UTC(),
		Props:     map[string]any{"steps_completed": len(e.visible)},
	}
	if err := e.emit(ctx, done); err != nil && effectErr == nil {
		effectErr = err
	}

	return AdvanceResult{Outcome: OutcomeCompleted, Index: e.index}, effectErr
}

// HistorySnapshot returns the answers for every step visited so far:
// steps already advanced past plus the current step with its in-progress
// answers. For a session at index k that is exactly k+1 entries, in
// traversal order.
func (e *Engine) HistorySnapshot() []guidedflow.StepAnswers {
	snapshot := make([]guidedflow.StepAnswers, 0, len(e.history)+1)
	for _, h := range e.history {
		snapshot = append(snapshot, guidedflow.StepAnswers{
			StepID:  h.StepID,
			Title:   h.Title,
			Answers: copyAnswers(h.Answers),
		})
	}
	if e.phase == PhaseAtStep {
		step := e.visible[e.index]
		snapshot = append(snapshot, guidedflow.StepAnswers{
			StepID:  step.ID,
			Title:   step.Title,
			Answers: copyAnswers(e.answers),
		})
	}
	return snapshot
}

// SubmitEscalation constructs an escalation record with a full history
// snapshot and hands it to the escalation sink, emitting one
// escalation_submitted event alongside. It never changes traversal state.
// The record needs a current step to attach to, so it is allowed only in
// the AtStep phase: before Start, after completion, or on NotFound it
// returns ErrNoCurrentStep. An empty message (after trimming) is a
// *ValidationError.
func (e *Engine) SubmitEscalation(ctx context.Context, message, category string, contact map[string]string) (guidedflow.Escalation, error) {
	if e.phase != PhaseAtStep {
		return guidedflow.Escalation{}, ErrNoCurrentStep
	}
	if strings.TrimSpace(message) == "" {
		return guidedflow.Escalation{}, &ValidationError{Reason: "escalation message is required"}
	}

	step := e.visible[e.index]
	if category == "" {
		category = step.EscalationCategory
	}
	if category == "" {
		category = "general"
	}

	esc := guidedflow.Escalation{
		ID:              uuid.New().String(),
		SessionID:       e.sessionID,
		GuideID:         e.guideID,
		StepID:          step.ID,
		Category:        category,
		Message:         message,
		HistorySnapshot: e.HistorySnapshot(),
		Contact:         contact,
		CreatedAt:       e.now().UTC(),
	}

	var effectErr error
	if e.sinks.Escalations != nil {
		if err := e.sinks.Escalations(ctx, esc); err != nil {
			effectErr = &EffectFailure{Op: "escalation", Err: err}
		}
	}

	ev := guidedflow.Event{
		Action:    guidedflow.ActionEscalationSubmitted,
		SessionID: e.sessionID,
		StepID:    step.ID,
		Time:      e.now().UTC(),
		Props:     map[string]any{"category": category},
	}
	if err := e.emit(ctx, ev); err != nil && effectErr == nil {
		effectErr = err
	}

	return esc, effectErr
}

func (e *Engine) emit(ctx context.Context, ev guidedflow.Event) error {
	if e.sinks.Events == nil {
		return nil
	}
	if err := e.sinks.Events(ctx, ev); err != nil {
		return &EffectFailure{Op: "event", Err: err}
	}
	return nil
}

func copyAnswers(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

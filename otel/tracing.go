// Package otel provides OpenTelemetry integration for guided flow events.
package otel

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/guidedflow/guidedflow"
)

// TracingHandler translates flow events into OpenTelemetry spans. Each
// session gets a root span opened on its first event and closed on
// session completion; step completions become child spans, escalations
// and CRM submissions become span events.
type TracingHandler struct {
	tracer trace.Tracer

	mu           sync.RWMutex
	sessionSpans map[string]trace.Span      // sessionID -> span
	sessionCtxs  map[string]context.Context // sessionID -> context (for child spans)
}

// NewTracingHandler creates a new TracingHandler that uses the given
// tracer to create spans from flow events.
func NewTracingHandler(tracer trace.Tracer) *TracingHandler {
	return &TracingHandler{
		tracer:       tracer,
		sessionSpans: make(map[string]trace.Span),
		sessionCtxs:  make(map[string]context.Context),
	}
}

// Handle processes a flow event and creates or ends spans accordingly.
// It satisfies guidedflow.EventHandler.
func (h *TracingHandler) Handle(e guidedflow.Event) {
	switch e.Action {
	case guidedflow.ActionStepCompleted:
		h.handleStepCompleted(e)
	case guidedflow.ActionEscalationSubmitted:
		h.handleEscalation(e)
	case guidedflow.ActionCRMFormSubmitted:
		h.handleSpanEvent(e)
	case guidedflow.ActionSessionCompleted:
		h.handleSessionCompleted(e)
	}
}

// sessionContext returns the context under the session's root span,
// opening the root span if this is the session's first event.
func (h *TracingHandler) sessionContext(e guidedflow.Event) context.Context {
	h.mu.RLock()
	ctx, ok := h.sessionCtxs[e.SessionID]
	h.mu.RUnlock()
	if ok {
		return ctx
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if ctx, ok := h.sessionCtxs[e.SessionID]; ok {
		return ctx
	}

	ctx, span := h.tracer.Start(context.Background(), "session:"+e.SessionID,
		trace.WithAttributes(
			attribute.String("guidedflow.session_id", e.SessionID),
		),
		trace.WithTimestamp(e.Time),
	)
	h.sessionSpans[e.SessionID] = span
	h.sessionCtxs[e.SessionID] = ctx
	return ctx
}

// handleStepCompleted records the completed step as a child span. Steps
// complete atomically on the wire, so the span opens and closes at the
// event timestamp.
func (h *TracingHandler) handleStepCompleted(e guidedflow.Event) {
	parentCtx := h.sessionContext(e)

	_, span := h.tracer.Start(parentCtx, "step:"+e.StepID,
		trace.WithAttributes(
			attribute.String("guidedflow.session_id", e.SessionID),
			attribute.String("guidedflow.step_id", e.StepID),
		),
		trace.WithTimestamp(e.Time),
	)
	span.SetStatus(codes.Ok, "")
	span.End(trace.WithTimestamp(e.Time))
}

// handleEscalation marks the session span with an escalation event.
func (h *TracingHandler) handleEscalation(e guidedflow.Event) {
	h.sessionContext(e)

	h.mu.RLock()
	span, ok := h.sessionSpans[e.SessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("guidedflow.step_id", e.StepID),
	}
	if category, found := e.Props["category"]; found {
		if s, ok := category.(string); ok {
			attrs = append(attrs, attribute.String("guidedflow.category", s))
		}
	}
	span.AddEvent(string(e.Action), trace.WithTimestamp(e.Time), trace.WithAttributes(attrs...))
}

// handleSpanEvent adds a plain span event on the session span.
func (h *TracingHandler) handleSpanEvent(e guidedflow.Event) {
	h.sessionContext(e)

	h.mu.RLock()
	span, ok := h.sessionSpans[e.SessionID]
	h.mu.RUnlock()
	if !ok {
		return
	}
	span.AddEvent(string(e.Action), trace.WithTimestamp(e.Time))
}

// handleSessionCompleted ends the session's root span.
func (h *TracingHandler) handleSessionCompleted(e guidedflow.Event) {
	h.mu.Lock()
	span, ok := h.sessionSpans[e.SessionID]
	if ok {
		delete(h.sessionSpans, e.SessionID)
		delete(h.sessionCtxs, e.SessionID)
	}
	h.mu.Unlock()

	if ok {
		span.SetStatus(codes.Ok, "")
		span.End(trace.WithTimestamp(e.Time))
	}
}

// ActiveSessionSpanContext returns the SpanContext for the active
// session span. Returns an empty SpanContext if not found.
func (h *TracingHandler) ActiveSessionSpanContext(sessionID string) trace.SpanContext {
	h.mu.RLock()
	span, ok := h.sessionSpans[sessionID]
	h.mu.RUnlock()

	if !ok {
		return trace.SpanContext{}
	}
	return span.SpanContext()
}

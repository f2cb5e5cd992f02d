package otel_test

import (
	"testing"
	"time"

	otelcodes "go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/guidedflow/guidedflow"
	gfotel "github.com/guidedflow/guidedflow/otel"
)

// newTestTracer returns a tracer backed by an in-memory span exporter.
func newTestTracer() (*tracetest.InMemoryExporter, *sdktrace.TracerProvider) {
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
	)
	return exporter, tp
}

func eventAt(action guidedflow.EventAction, sessionID, stepID string, at time.Time) guidedflow.Event {
	e := guidedflow.NewEvent(action, sessionID)
	e.StepID = stepID
	e.Time = at
	return e
}

func TestTracingHandler_FirstEventOpensSessionSpan(t *testing.T) {
	exporter, tp := newTestTracer()
	h := gfotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(eventAt(guidedflow.ActionStepCompleted, "sess-1", "step-a", now))

	sc := h.ActiveSessionSpanContext("sess-1")
	if !sc.IsValid() {
		t.Fatal("expected valid session span context after first event")
	}

	h.Handle(eventAt(guidedflow.ActionSessionCompleted, "sess-1", "", now.Add(time.Second)))

	spans := exporter.GetSpans()
	// step child span plus session root span
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}

	var sessionSpan, stepSpan *tracetest.SpanStub
	for i := range spans {
		switch spans[i].Name {
		case "session:sess-1":
			sessionSpan = &spans[i]
		case "step:step-a":
			stepSpan = &spans[i]
		}
	}
	if sessionSpan == nil {
		t.Fatal("session span not found")
	}
	if stepSpan == nil {
		t.Fatal("step span not found")
	}

	if stepSpan.Parent.SpanID() != sessionSpan.SpanContext.SpanID() {
		t.Error("step span should be a child of the session span")
	}

	found := false
	for _, attr := range sessionSpan.Attributes {
		if string(attr.Key) == "guidedflow.session_id" && attr.Value.AsString() == "sess-1" {
			found = true
		}
	}
	if !found {
		t.Error("expected guidedflow.session_id attribute on session span")
	}
	if sessionSpan.Status.Code != otelcodes.Ok {
		t.Errorf("expected Ok status on session span, got %v", sessionSpan.Status.Code)
	}
}

func TestTracingHandler_EscalationAddsSpanEvent(t *testing.T) {
	exporter, tp := newTestTracer()
	h := gfotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(eventAt(guidedflow.ActionStepCompleted, "sess-1", "step-a", now))

	esc := eventAt(guidedflow.ActionEscalationSubmitted, "sess-1", "step-a", now.Add(time.Second))
	esc = esc.WithProp("category", "hardware")
	h.Handle(esc)

	h.Handle(eventAt(guidedflow.ActionSessionCompleted, "sess-1", "", now.Add(2*time.Second)))

	var sessionSpan *tracetest.SpanStub
	spans := exporter.GetSpans()
	for i := range spans {
		if spans[i].Name == "session:sess-1" {
			sessionSpan = &spans[i]
		}
	}
	if sessionSpan == nil {
		t.Fatal("session span not found")
	}

	if len(sessionSpan.Events) != 1 {
		t.Fatalf("expected 1 span event, got %d", len(sessionSpan.Events))
	}
	ev := sessionSpan.Events[0]
	if ev.Name != "escalation_submitted" {
		t.Errorf("span event name = %q", ev.Name)
	}
	categoryFound := false
	for _, attr := range ev.Attributes {
		if string(attr.Key) == "guidedflow.category" && attr.Value.AsString() == "hardware" {
			categoryFound = true
		}
	}
	if !categoryFound {
		t.Error("expected guidedflow.category attribute on escalation event")
	}
}

func TestTracingHandler_SessionsDoNotInterfere(t *testing.T) {
	exporter, tp := newTestTracer()
	h := gfotel.NewTracingHandler(tp.Tracer("test"))

	now := time.Now()
	h.Handle(eventAt(guidedflow.ActionStepCompleted, "sess-1", "a", now))
	h.Handle(eventAt(guidedflow.ActionStepCompleted, "sess-2", "a", now))
	h.Handle(eventAt(guidedflow.ActionSessionCompleted, "sess-1", "", now.Add(time.Second)))

	if h.ActiveSessionSpanContext("sess-1").IsValid() {
		t.Error("sess-1 span should be closed")
	}
	if !h.ActiveSessionSpanContext("sess-2").IsValid() {
		t.Error("sess-2 span should still be open")
	}

	sessionSpans := 0
	for _, span := range exporter.GetSpans() {
		if span.Name == "session:sess-1" {
			sessionSpans++
		}
		if span.Name == "session:sess-2" {
			t.Error("sess-2 root span exported before completion")
		}
	}
	if sessionSpans != 1 {
		t.Errorf("expected 1 exported sess-1 root span, got %d", sessionSpans)
	}
}

func TestTracingHandler_CompletionWithoutPriorEventsIsIgnored(t *testing.T) {
	exporter, tp := newTestTracer()
	h := gfotel.NewTracingHandler(tp.Tracer("test"))

	h.Handle(eventAt(guidedflow.ActionSessionCompleted, "sess-unknown", "", time.Now()))

	if got := len(exporter.GetSpans()); got != 0 {
		t.Fatalf("expected no spans, got %d", got)
	}
}

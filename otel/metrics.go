package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/guidedflow/guidedflow"
)

// MetricsHandler translates flow events into OpenTelemetry metrics.
// It records counters for step completions, session completions,
// escalations, and CRM submissions, plus a session duration histogram.
type MetricsHandler struct {
	stepCompletions    metric.Int64Counter
	sessionCompletions metric.Int64Counter
	escalations        metric.Int64Counter
	crmSubmissions     metric.Int64Counter
	sessionDuration    metric.Float64Histogram

	mu       sync.Mutex
	firstAt  map[string]time.Time // sessionID -> earliest event time
	maxTrack int
}

// maxTrackedSessions bounds the start-time map so abandoned sessions
// cannot grow it without limit.
const maxTrackedSessions = 10000

// NewMetricsHandler creates a MetricsHandler that uses the given meter to
// create instruments for recording flow metrics.
func NewMetricsHandler(meter metric.Meter) (*MetricsHandler, error) {
	stepComp, err := meter.Int64Counter("guidedflow.step.completions",
		metric.WithDescription("Number of completed steps"),
	)
	if err != nil {
		return nil, err
	}

	sessComp, err := meter.Int64Counter("guidedflow.session.completions",
		metric.WithDescription("Number of completed sessions"),
	)
	if err != nil {
		return nil, err
	}

	escs, err := meter.Int64Counter("guidedflow.escalations",
		metric.WithDescription("Number of escalations submitted"),
	)
	if err != nil {
		return nil, err
	}

	crm, err := meter.Int64Counter("guidedflow.crm.submissions",
		metric.WithDescription("Number of CRM form submissions"),
	)
	if err != nil {
		return nil, err
	}

	sessDur, err := meter.Float64Histogram("guidedflow.session.duration",
		metric.WithDescription("Duration from first event to session completion in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return &MetricsHandler{
		stepCompletions:    stepComp,
		sessionCompletions: sessComp,
		escalations:        escs,
		crmSubmissions:     crm,
		sessionDuration:    sessDur,
		firstAt:            make(map[string]time.Time),
		maxTrack:           maxTrackedSessions,
	}, nil
}

// Handle processes a flow event and records the appropriate metrics.
// It satisfies guidedflow.EventHandler.
func (h *MetricsHandler) Handle(e guidedflow.Event) {
	h.trackFirst(e)

	ctx := context.Background()
	switch e.Action {
	case guidedflow.ActionStepCompleted:
		h.stepCompletions.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step_id", e.StepID),
		))
	case guidedflow.ActionSessionCompleted:
		h.sessionCompletions.Add(ctx, 1)
		if started, ok := h.takeFirst(e.SessionID); ok {
			h.sessionDuration.Record(ctx, e.Time.Sub(started).Seconds())
		}
	case guidedflow.ActionEscalationSubmitted:
		h.escalations.Add(ctx, 1, metric.WithAttributes(
			attribute.String("step_id", e.StepID),
		))
	case guidedflow.ActionCRMFormSubmitted:
		h.crmSubmissions.Add(ctx, 1)
	}
}

// trackFirst remembers the earliest event time per session for the
// duration histogram.
func (h *MetricsHandler) trackFirst(e guidedflow.Event) {
	if e.Action == guidedflow.ActionSessionCompleted {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.firstAt[e.SessionID]; ok {
		return
	}
	if len(h.firstAt) >= h.maxTrack {
		return
	}
	h.firstAt[e.SessionID] = e.Time
}

func (h *MetricsHandler) takeFirst(sessionID string) (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	started, ok := h.firstAt[sessionID]
	if ok {
		delete(h.firstAt, sessionID)
	}
	return started, ok
}

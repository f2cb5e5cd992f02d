package otel_test

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/guidedflow/guidedflow"
	gfotel "github.com/guidedflow/guidedflow/otel"
)

// newTestMeter returns a meter backed by a manual reader for collecting
// metrics in tests.
func newTestMeter() (*metric.ManualReader, *metric.MeterProvider) {
	reader := metric.NewManualReader()
	mp := metric.NewMeterProvider(metric.WithReader(reader))
	return reader, mp
}

func collectMetrics(t *testing.T, reader *metric.ManualReader) *metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("failed to collect metrics: %v", err)
	}
	return &rm
}

func findMetric(rm *metricdata.ResourceMetrics, name string) *metricdata.Metrics {
	for _, scope := range rm.ScopeMetrics {
		for i := range scope.Metrics {
			if scope.Metrics[i].Name == name {
				return &scope.Metrics[i]
			}
		}
	}
	return nil
}

func sumValue(t *testing.T, rm *metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	m := findMetric(rm, name)
	if m == nil {
		t.Fatalf("%s metric not found", name)
	}
	sum, ok := m.Data.(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: expected Sum[int64], got %T", name, m.Data)
	}
	var total int64
	for _, dp := range sum.DataPoints {
		total += dp.Value
	}
	return total
}

func TestMetricsHandler_StepCompletedIncrementsCounter(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := gfotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	now := time.Now()
	h.Handle(eventAt(guidedflow.ActionStepCompleted, "sess-1", "step-a", now))
	h.Handle(eventAt(guidedflow.ActionStepCompleted, "sess-1", "step-b", now.Add(time.Second)))

	rm := collectMetrics(t, reader)
	if got := sumValue(t, rm, "guidedflow.step.completions"); got != 2 {
		t.Errorf("step completions = %d, want 2", got)
	}

	// Per-step attributes produce one data point each.
	m := findMetric(rm, "guidedflow.step.completions")
	sum := m.Data.(metricdata.Sum[int64])
	if len(sum.DataPoints) != 2 {
		t.Errorf("expected 2 data points (one per step), got %d", len(sum.DataPoints))
	}
}

func TestMetricsHandler_SessionCompletedRecordsDuration(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := gfotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	now := time.Now()
	h.Handle(eventAt(guidedflow.ActionStepCompleted, "sess-1", "step-a", now))
	h.Handle(eventAt(guidedflow.ActionSessionCompleted, "sess-1", "", now.Add(2*time.Second)))

	rm := collectMetrics(t, reader)
	if got := sumValue(t, rm, "guidedflow.session.completions"); got != 1 {
		t.Errorf("session completions = %d, want 1", got)
	}

	m := findMetric(rm, "guidedflow.session.duration")
	if m == nil {
		t.Fatal("guidedflow.session.duration metric not found")
	}
	hist, ok := m.Data.(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("expected Histogram[float64], got %T", m.Data)
	}
	if len(hist.DataPoints) != 1 {
		t.Fatalf("expected 1 duration data point, got %d", len(hist.DataPoints))
	}
	if hist.DataPoints[0].Sum != 2.0 {
		t.Errorf("duration sum = %f, want 2.0 seconds", hist.DataPoints[0].Sum)
	}
}

func TestMetricsHandler_CompletionWithoutStartSkipsDuration(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := gfotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	h.Handle(eventAt(guidedflow.ActionSessionCompleted, "sess-cold", "", time.Now()))

	rm := collectMetrics(t, reader)
	if got := sumValue(t, rm, "guidedflow.session.completions"); got != 1 {
		t.Errorf("session completions = %d, want 1", got)
	}
	m := findMetric(rm, "guidedflow.session.duration")
	if m == nil {
		t.Fatal("guidedflow.session.duration metric not found")
	}
	hist := m.Data.(metricdata.Histogram[float64])
	if len(hist.DataPoints) != 0 {
		t.Errorf("expected no duration data points without a session start, got %d", len(hist.DataPoints))
	}
}

func TestMetricsHandler_EscalationAndCRMCounters(t *testing.T) {
	reader, mp := newTestMeter()
	h, err := gfotel.NewMetricsHandler(mp.Meter("test"))
	if err != nil {
		t.Fatalf("NewMetricsHandler: %v", err)
	}

	now := time.Now()
	h.Handle(eventAt(guidedflow.ActionEscalationSubmitted, "sess-1", "step-a", now))
	h.Handle(eventAt(guidedflow.ActionEscalationSubmitted, "sess-2", "step-a", now))
	h.Handle(eventAt(guidedflow.ActionCRMFormSubmitted, "sess-1", "", now))

	rm := collectMetrics(t, reader)
	if got := sumValue(t, rm, "guidedflow.escalations"); got != 2 {
		t.Errorf("escalations = %d, want 2", got)
	}
	if got := sumValue(t, rm, "guidedflow.crm.submissions"); got != 1 {
		t.Errorf("crm submissions = %d, want 1", got)
	}
}

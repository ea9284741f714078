package monitoring

import (
	"bytes"
	"context"
	"errors"
	"math"
	"strings"
	"testing"
	"time"

	"spot-runner/core/models"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func metricValue(t *testing.T, m prometheus.Metric) float64 {
	t.Helper()
	var pb dto.Metric
	if err := m.Write(&pb); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if pb.Counter != nil {
		return pb.Counter.GetValue()
	}
	return pb.Gauge.GetValue()
}

func inst(id string, state models.InstanceState, price float64) models.ProvisionedInstance {
	return models.ProvisionedInstance{ID: id, ProjectName: "demo", State: state, Price: price}
}

func TestCostTrackerAccruesRunningTime(t *testing.T) {
	ct := NewCostTracker()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ct.now = func() time.Time { return clock }
	ctx := context.Background()

	ct.RecordTransition(ctx, inst("a", models.StateRunning, 0.10), models.StatePending, "")
	ct.RecordTransition(ctx, inst("b", models.StateRunning, 0.20), models.StatePending, "")

	clock = clock.Add(time.Hour)
	ct.RecordTransition(ctx, inst("a", models.StateTerminating, 0.10), models.StateRunning, "")

	clock = clock.Add(30 * time.Minute)
	// a stopped after one hour, b still running after 1.5h
	want := 0.10 + 0.20*1.5
	if got := ct.RunningCost("demo"); math.Abs(got-want) > 1e-9 {
		t.Fatalf("RunningCost = %v, want %v", got, want)
	}
	if n := ct.RunningInstances("demo"); n != 1 {
		t.Fatalf("RunningInstances = %d, want 1", n)
	}
	if !ct.OverBudget("demo", 0.3) || ct.OverBudget("demo", 1) || ct.OverBudget("demo", 0) {
		t.Fatal("unexpected budget verdict")
	}
}

func TestMetricsRecordTransition(t *testing.T) {
	m := NewMetrics()
	ctx := context.Background()
	m.RecordTransition(ctx, inst("a", models.StatePending, 0), models.StateRequesting, "")
	m.RecordTransition(ctx, inst("a", models.StateRunning, 0), models.StatePending, "")

	if got := metricValue(t, m.transitions.WithLabelValues("pending", "running")); got != 1 {
		t.Fatalf("transitions = %v, want 1", got)
	}
	if got := metricValue(t, m.instances.WithLabelValues("demo", "running")); got != 1 {
		t.Fatalf("running gauge = %v, want 1", got)
	}
	if got := metricValue(t, m.instances.WithLabelValues("demo", "pending")); got != 0 {
		t.Fatalf("pending gauge = %v, want 0", got)
	}
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordTransition(context.Background(), inst("a", models.StateRunning, 0), models.StatePending, "")
	m.RecordDeployment(errors.New("boom"), time.Second)
	m.SetProjectCost("demo", 1)
}

func TestMultiRecorderFansOut(t *testing.T) {
	ct := NewCostTracker()
	m := NewMetrics()
	rec := MultiRecorder{ct, m, nil}
	rec.RecordTransition(context.Background(), inst("a", models.StateRunning, 1), models.StatePending, "")

	if ct.RunningInstances("demo") != 1 {
		t.Fatal("cost tracker not notified")
	}
	if got := metricValue(t, m.instances.WithLabelValues("demo", "running")); got != 1 {
		t.Fatalf("running gauge = %v, want 1", got)
	}
}

func TestStdoutTracerExportsSpans(t *testing.T) {
	var buf bytes.Buffer
	tr, err := NewTracer("stdout", &buf)
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	_, span := tr.Start(context.Background(), "select")
	End(span, errors.New("no candidate"))
	if err := tr.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	if !strings.Contains(buf.String(), `"Name": "select"`) {
		t.Fatalf("exported spans = %s", buf.String())
	}
}

func TestUnknownTraceExporter(t *testing.T) {
	if _, err := NewTracer("zipkin", nil); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

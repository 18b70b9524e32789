package process

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestPrometheusMetrics(t *testing.T) {
	t.Run("engine records run metrics", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		m := NewPrometheusMetrics(reg)
		e := mustEngine(t, WithMetrics(m))

		if _, err := e.Run(context.Background(), validateProcess(t, &recorder{}), Event{ID: "Start", Payload: map[string]any{"x": 3}}); err != nil {
			t.Fatal(err)
		}
		if got := testutil.ToFloat64(m.runs.WithLabelValues(string(RunCompleted))); got != 1 {
			t.Errorf("expected 1 completed run, got %v", got)
		}
		if got := testutil.ToFloat64(m.activeRuns); got != 0 {
			t.Errorf("expected no active runs, got %v", got)
		}
		if got := testutil.ToFloat64(m.absorbedEvents.WithLabelValues("Process", "Done")); got != 1 {
			t.Errorf("expected Done absorbed once, got %v", got)
		}
	})

	t.Run("disable stops recording", func(t *testing.T) {
		m := NewPrometheusMetrics(prometheus.NewRegistry())
		m.Disable()
		m.IncrementCheckpoints("A")
		if got := testutil.ToFloat64(m.checkpoints.WithLabelValues("A")); got != 0 {
			t.Errorf("expected 0 while disabled, got %v", got)
		}
		m.Enable()
		m.IncrementCheckpoints("A")
		if got := testutil.ToFloat64(m.checkpoints.WithLabelValues("A")); got != 1 {
			t.Errorf("expected 1 after enable, got %v", got)
		}
	})

	t.Run("nil metrics are safe", func(t *testing.T) {
		var m *PrometheusMetrics
		m.RunStarted()
		m.IncrementAbsorbed("A", "X")
	})
}

package emit

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newRecorder(t *testing.T) (*tracetest.InMemoryExporter, *OTelEmitter) {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })
	return exporter, NewOTelEmitter(otel.Tracer("test"))
}

func attrs(kv []attribute.KeyValue) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value, len(kv))
	for _, a := range kv {
		out[a.Key] = a.Value
	}
	return out
}

func TestOTelEmitter_Emit(t *testing.T) {
	exporter, emitter := newRecorder(t)
	emitter.Emit(Event{
		RunID:  "run-001",
		Step:   2,
		StepID: "Fulfil/Ship",
		Msg:    MsgFunctionEnd,
		Meta: map[string]interface{}{
			"function":   "run",
			"emitted":    3,
			"latency_ms": int64(12),
			"routed":     true,
		},
	})

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	span := spans[0]
	if span.Name != MsgFunctionEnd {
		t.Errorf("expected span name %s, got %s", MsgFunctionEnd, span.Name)
	}
	got := attrs(span.Attributes)
	if got["procflow.run_id"].AsString() != "run-001" {
		t.Errorf("missing run_id attribute: %v", got)
	}
	if got["procflow.step_id"].AsString() != "Fulfil/Ship" {
		t.Errorf("missing step_id attribute: %v", got)
	}
	if got["procflow.emitted"].AsInt64() != 3 || got["procflow.latency_ms"].AsInt64() != 12 {
		t.Errorf("numeric meta not mapped: %v", got)
	}
	if !got["procflow.routed"].AsBool() {
		t.Errorf("bool meta not mapped: %v", got)
	}
	if span.Status.Code == codes.Error {
		t.Error("unexpected error status")
	}
}

func TestOTelEmitter_ErrorStatus(t *testing.T) {
	exporter, emitter := newRecorder(t)
	err := emitter.EmitBatch(context.Background(), []Event{
		{RunID: "r", Msg: MsgFunctionError, Meta: map[string]interface{}{"error": "boom"}},
		{RunID: "r", Msg: MsgRunFailed, Meta: map[string]interface{}{"error": "boom"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("expected 2 spans, got %d", len(spans))
	}
	for _, s := range spans {
		if s.Status.Code != codes.Error || s.Status.Description != "boom" {
			t.Errorf("expected error status on %s, got %+v", s.Name, s.Status)
		}
	}
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("flush failed: %v", err)
	}
}

func TestOTelEmitter_RunSpanParentsStepSpans(t *testing.T) {
	exporter, emitter := newRecorder(t)
	emitter.Emit(Event{RunID: "r1", Msg: MsgRunStart, Meta: map[string]interface{}{"process": "orders", "event": "Start"}})
	emitter.Emit(Event{RunID: "r1", Step: 1, StepID: "A", Msg: MsgStepActivated})
	emitter.Emit(Event{RunID: "r2", Step: 1, StepID: "B", Msg: MsgStepActivated})
	emitter.Emit(Event{RunID: "r1", Step: 1, Msg: MsgRunComplete, Meta: map[string]interface{}{"status": "completed"}})

	spans := exporter.GetSpans()
	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	byName := map[string]tracetest.SpanStub{}
	for _, s := range spans {
		if s.Name == MsgStepActivated {
			byName[attrs(s.Attributes)["procflow.run_id"].AsString()] = s
			continue
		}
		byName[s.Name] = s
	}
	run, ok := byName["run orders"]
	if !ok {
		t.Fatalf("missing run span in %v", spans)
	}
	if got := attrs(run.Attributes)["procflow.outcome"].AsString(); got != MsgRunComplete {
		t.Errorf("expected outcome %s, got %q", MsgRunComplete, got)
	}
	if byName["r1"].Parent.SpanID() != run.SpanContext.SpanID() {
		t.Error("expected step span of r1 to be a child of the run span")
	}
	if byName["r2"].Parent.IsValid() {
		t.Error("expected step span of an unstarted run to be a root span")
	}
}

func TestOTelEmitter_FlushEndsOpenRuns(t *testing.T) {
	exporter, emitter := newRecorder(t)
	emitter.Emit(Event{RunID: "r1", Msg: MsgRunStart})
	if len(exporter.GetSpans()) != 0 {
		t.Fatal("run span must stay open until the run finishes")
	}
	if err := emitter.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	spans := exporter.GetSpans()
	if len(spans) != 1 || spans[0].Name != "run" {
		t.Fatalf("expected the open run span to be ended, got %v", spans)
	}
	if !attrs(spans[0].Attributes)["procflow.unfinished"].AsBool() {
		t.Error("expected unfinished marker")
	}
}

package emit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter maps a run onto an OpenTelemetry trace.
//
// run_start opens a span named "run <process>" that stays open until the
// run_complete, run_stopped or run_failed event of the same run ends it.
// Every other event becomes a short child span named after its message,
// carrying procflow.run_id, procflow.seq, procflow.step_id and the meta
// entries under the procflow. prefix. Events of a run whose start was not
// observed are recorded as root spans. An "error" meta entry marks the span
// as failed.
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("procflow"))
type OTelEmitter struct {
	tracer trace.Tracer

	mu   sync.Mutex
	runs map[string]trace.Span
}

// NewOTelEmitter creates an OTelEmitter from a tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer, runs: make(map[string]trace.Span)}
}

// Emit records the event.
func (o *OTelEmitter) Emit(event Event) {
	o.record(context.Background(), event)
}

// EmitBatch records several events, using ctx as the parent of runs whose
// start is part of the batch.
func (o *OTelEmitter) EmitBatch(ctx context.Context, events []Event) error {
	for _, event := range events {
		o.record(ctx, event)
	}
	return nil
}

func (o *OTelEmitter) record(ctx context.Context, event Event) {
	switch event.Msg {
	case MsgRunStart:
		o.startRun(ctx, event)
		return
	case MsgRunComplete, MsgRunStopped, MsgRunFailed:
		if o.endRun(event) {
			return
		}
	}

	parent := ctx
	o.mu.Lock()
	if run, ok := o.runs[event.RunID]; ok {
		parent = trace.ContextWithSpan(ctx, run)
	}
	o.mu.Unlock()

	_, span := o.tracer.Start(parent, event.Msg, trace.WithAttributes(eventAttributes(event)...))
	markError(span, event.Meta)
	span.End()
}

func (o *OTelEmitter) startRun(ctx context.Context, event Event) {
	name := "run"
	if p := metaString(event.Meta, "process"); p != "" {
		name = "run " + p
	}
	_, span := o.tracer.Start(ctx, name,
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(eventAttributes(event)...),
	)

	o.mu.Lock()
	defer o.mu.Unlock()
	if prev, ok := o.runs[event.RunID]; ok {
		prev.End()
	}
	o.runs[event.RunID] = span
}

// endRun closes the open span of the run and reports whether there was one.
func (o *OTelEmitter) endRun(event Event) bool {
	o.mu.Lock()
	span, ok := o.runs[event.RunID]
	delete(o.runs, event.RunID)
	o.mu.Unlock()
	if !ok {
		return false
	}

	span.SetAttributes(attribute.String("procflow.outcome", event.Msg), attribute.Int("procflow.steps", event.Step))
	span.SetAttributes(metaAttributes(event.Meta)...)
	markError(span, event.Meta)
	span.End()
	return true
}

// Flush ends the spans of runs still open and forces export when the global
// provider supports it.
func (o *OTelEmitter) Flush(ctx context.Context) error {
	o.mu.Lock()
	for id, span := range o.runs {
		span.SetAttributes(attribute.Bool("procflow.unfinished", true))
		span.End()
		delete(o.runs, id)
	}
	o.mu.Unlock()

	type flusher interface {
		ForceFlush(context.Context) error
	}
	if f, ok := otel.GetTracerProvider().(flusher); ok {
		return f.ForceFlush(ctx)
	}
	return nil
}

func markError(span trace.Span, meta map[string]interface{}) {
	msg := metaString(meta, "error")
	if msg == "" {
		return
	}
	span.RecordError(errors.New(msg))
	span.SetStatus(codes.Error, msg)
}

func eventAttributes(event Event) []attribute.KeyValue {
	kv := []attribute.KeyValue{attribute.String("procflow.run_id", event.RunID)}
	if event.StepID != "" {
		kv = append(kv,
			attribute.Int("procflow.seq", event.Step),
			attribute.String("procflow.step_id", event.StepID),
		)
	}
	return append(kv, metaAttributes(event.Meta)...)
}

func metaAttributes(meta map[string]interface{}) []attribute.KeyValue {
	kv := make([]attribute.KeyValue, 0, len(meta))
	for k, v := range meta {
		key := attribute.Key("procflow." + k)
		switch v := v.(type) {
		case string:
			kv = append(kv, key.String(v))
		case bool:
			kv = append(kv, key.Bool(v))
		case int:
			kv = append(kv, key.Int(v))
		case int64:
			kv = append(kv, key.Int64(v))
		case float64:
			kv = append(kv, key.Float64(v))
		case time.Duration:
			kv = append(kv, key.Int64(v.Milliseconds()))
		case []string:
			kv = append(kv, key.StringSlice(v))
		default:
			kv = append(kv, key.String(fmt.Sprint(v)))
		}
	}
	return kv
}

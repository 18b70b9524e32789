// Package emit provides the observability event stream of process runs.
package emit

// Emitter receives observability events from process execution.
//
// Emitters enable pluggable backends:
//   - Logging: stdout, files (LogEmitter)
//   - Tracing: OpenTelemetry (OTelEmitter)
//   - Inspection: in-memory history (BufferedEmitter)
//
// Implementations must be safe for concurrent use (parallel map elements
// emit from several goroutines) and must not block or panic.
type Emitter interface {
	Emit(event Event)
}

// MultiEmitter fans each event out to several emitters in order.
type MultiEmitter []Emitter

// Emit forwards the event to every non-nil emitter.
func (m MultiEmitter) Emit(event Event) {
	for _, e := range m {
		if e != nil {
			e.Emit(event)
		}
	}
}

package emit

// Event messages emitted by the engine.
const (
	MsgRunStart       = "run_start"
	MsgRunComplete    = "run_complete"
	MsgRunStopped     = "run_stopped"
	MsgRunFailed      = "run_failed"
	MsgStepActivated  = "step_activated"
	MsgFunctionStart  = "function_start"
	MsgFunctionEnd    = "function_end"
	MsgFunctionError  = "function_error"
	MsgEventRouted    = "event_routed"
	MsgEventAbsorbed  = "event_absorbed"
	MsgEventPublished = "event_published"
	MsgCheckpoint     = "checkpoint"
)

// Event is an observability record of process execution.
type Event struct {
	// RunID identifies the run that emitted this event. Nested sub-process
	// and map element runs share the ID of their top-level run.
	RunID string

	// Step is the dispatch sequence number within the run (1-indexed).
	// Zero for run-level events.
	Step int

	// StepID identifies the step involved. Empty for run-level events.
	// Steps of a sub-process are reported as "Parent/Child", map elements
	// as "MapStep[i]/Child".
	StepID string

	// Msg is one of the Msg* constants.
	Msg string

	// Meta contains event-specific data. Common keys:
	//   - "event": routed or emitted event ID
	//   - "function": invoked function name
	//   - "latency_ms": function duration in milliseconds
	//   - "error": error message
	//   - "routed": whether a function error was routed
	Meta map[string]interface{}
}

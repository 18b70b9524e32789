package process

// Visibility controls whether an event is only routed inside the process or
// is also surfaced in the caller's inspection log.
type Visibility int

const (
	// Internal events are routed but never surfaced to the caller.
	Internal Visibility = iota

	// Public events are routed and also recorded in RunHandle.Events and
	// forwarded to the configured emitter.
	Public
)

func (v Visibility) String() string {
	if v == Public {
		return "public"
	}
	return "internal"
}

// Event is a named signal carrying a payload. Steps emit events through their
// StepContext; callers start a run with an initial Event.
type Event struct {
	ID         string     `json:"id"`
	Payload    any        `json:"payload,omitempty"`
	Visibility Visibility `json:"visibility"`
}

// PublishedEvent is an entry of the caller-facing inspection log.
type PublishedEvent struct {
	// StepID is the step that emitted the event. Empty for the initial event.
	StepID  string `json:"step_id"`
	EventID string `json:"event_id"`
	Payload any    `json:"payload,omitempty"`
}

// pendingEvent is an event resolved against one edge and waiting in the
// dispatch queue.
type pendingEvent struct {
	seq        uint64
	eventID    string
	sourceStep string
	edge       EdgeDescriptor
	payload    any
	visibility Visibility
}

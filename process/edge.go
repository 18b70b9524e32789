package process

// Condition decides whether an edge is taken for a given payload.
// Conditions should be pure: the engine may evaluate them in any run.
type Condition func(payload any) bool

// Transform maps an event payload before it is delivered through an edge.
type Transform func(payload any) (any, error)

// TargetKind distinguishes where an edge delivers its event.
type TargetKind int

const (
	// TargetStep delivers to a function parameter of a step.
	TargetStep TargetKind = iota

	// TargetStop halts the run. No further pending events are dispatched.
	TargetStop

	// TargetParent re-emits the event from the enclosing sub-process step.
	// At top level it surfaces a public event to the caller.
	TargetParent
)

// Target is the destination half of an edge. Build Targets with ToStep,
// StopProcess or EmitToParent and refine them with the chaining methods.
type Target struct {
	Kind      TargetKind
	StepID    string
	Function  string
	Parameter string

	// EventID is the event re-emitted by a TargetParent target. Empty keeps
	// the routed event ID.
	EventID string

	When Condition
	Map  Transform
}

// ToStep targets the step behind h. Function and parameter are resolved at
// build time when they are omitted.
func ToStep(h StepHandle) Target {
	return Target{Kind: TargetStep, StepID: h.id}
}

// ToStepID targets a step by ID. It is used when the target step is added to
// the builder later, or lives in a merged builder.
func ToStepID(id string) Target {
	return Target{Kind: TargetStep, StepID: id}
}

// StopProcess is the stop sentinel.
func StopProcess() Target {
	return Target{Kind: TargetStop}
}

// EmitToParent re-emits the routed event from the enclosing sub-process step
// as eventID.
func EmitToParent(eventID string) Target {
	return Target{Kind: TargetParent, EventID: eventID}
}

// Fn sets the target function name.
func (t Target) Fn(name string) Target {
	t.Function = name
	return t
}

// Param sets the target parameter name.
func (t Target) Param(name string) Target {
	t.Parameter = name
	return t
}

// If sets the edge condition.
func (t Target) If(c Condition) Target {
	t.When = c
	return t
}

// Through sets the payload transform.
func (t Target) Through(fn Transform) Target {
	t.Map = fn
	return t
}

// InputSource is the pseudo source step ID of entry edges.
const InputSource = "$input"

// EdgeKey identifies an edge bucket: events named EventID emitted by StepID.
type EdgeKey struct {
	StepID  string
	EventID string
}

// EdgeDescriptor is a compiled routing rule: when EventID fires from
// SourceStepID, deliver to Target. Function and parameter names of step
// targets are always resolved in a compiled process.
type EdgeDescriptor struct {
	SourceStepID string
	EventID      string
	Target       Target

	// Exclusive marks edges added through ConnectTo.
	Exclusive bool

	// OnError marks edges added through OnFunctionError. Only function
	// failures trigger them, whatever their EventID.
	OnError bool
	// ErrorFunction is the failing function an error edge applies to,
	// empty for the catch-all edge of the step.
	ErrorFunction string
}

// IsStop reports whether the edge targets the stop sentinel.
func (e EdgeDescriptor) IsStop() bool {
	return e.Target.Kind == TargetStop
}

// errorEventID is the ID of the FunctionError events delivered through the
// error edges of fn. An empty fn means any function of the step.
func errorEventID(fn string) string {
	if fn == "" {
		return "OnError"
	}
	return fn + ".OnError"
}

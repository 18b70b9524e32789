package process

import (
	"context"
	"sort"
	"time"
)

// DefaultParameter is the implicit parameter of a function that declares none.
const DefaultParameter = "input"

// StepKind tags the StepDescriptor variants.
type StepKind int

const (
	// KindFunction is a step backed by user-supplied StepFuncs.
	KindFunction StepKind = iota

	// KindSubProcess is a step that runs a nested compiled process.
	KindSubProcess

	// KindMap is a step that runs a wrapped operation once per element.
	KindMap
)

func (k StepKind) String() string {
	switch k {
	case KindSubProcess:
		return "subprocess"
	case KindMap:
		return "map"
	default:
		return "function"
	}
}

// StepFunc is the body of a step function. It reads and mutates the step's
// private state through sc, emits zero or more events, and returns an error
// to signal failure. The engine does not care what the function does
// internally; it may block on I/O and should honour ctx.
type StepFunc func(ctx context.Context, sc *StepContext, args Args) error

// Args holds the argument values of one invocation keyed by parameter name.
type Args map[string]any

// Input returns the value of a single-parameter invocation: the implicit
// parameter when present, otherwise the only value. It returns nil when the
// invocation has several parameters.
func (a Args) Input() any {
	if v, ok := a[DefaultParameter]; ok {
		return v
	}
	if len(a) == 1 {
		for _, v := range a {
			return v
		}
	}
	return nil
}

// FunctionDescriptor declares one invocable function of a step.
type FunctionDescriptor struct {
	Name string

	// Parameters lists the parameter names. Empty means the single implicit
	// parameter DefaultParameter. A function with several parameters is
	// invoked once every parameter has received a value.
	Parameters []string

	Fn StepFunc

	// Timeout overrides the engine's FunctionTimeout for this function.
	Timeout time.Duration
}

func (f FunctionDescriptor) params() []string {
	if len(f.Parameters) == 0 {
		return []string{DefaultParameter}
	}
	return f.Parameters
}

// StepDescriptor is the identity and interface of a step. It is copied into
// the builder by AddStep and frozen by Build.
type StepDescriptor struct {
	ID   string
	Name string

	Functions []FunctionDescriptor

	// Outputs optionally declares the events the step emits. When set,
	// edges on undeclared events are rejected at build time. Steps may still
	// emit undeclared events at run time; unrouted events are absorbed.
	Outputs []string

	// StateType tags the persisted state blob. Informational.
	StateType string

	// NewState returns the default state for a fresh instance. The value is
	// JSON-encoded at each checkpoint, so it should be a pointer to a
	// JSON-serializable struct or a map. Nil means the step is stateless.
	NewState func() any

	Kind StepKind

	sub     *CompiledProcess
	mapSpec *MapStepDescriptor
}

// NewStep returns a function step descriptor whose name equals its ID.
func NewStep(id string, fns ...FunctionDescriptor) StepDescriptor {
	return StepDescriptor{ID: id, Name: id, Functions: fns}
}

// Func is shorthand for a FunctionDescriptor.
func Func(name string, fn StepFunc, params ...string) FunctionDescriptor {
	return FunctionDescriptor{Name: name, Parameters: params, Fn: fn}
}

// WithState returns a copy of d that keeps state created by newState.
func (d StepDescriptor) WithState(stateType string, newState func() any) StepDescriptor {
	d.StateType = stateType
	d.NewState = newState
	return d
}

// WithOutputs returns a copy of d with declared output events.
func (d StepDescriptor) WithOutputs(events ...string) StepDescriptor {
	d.Outputs = append([]string(nil), events...)
	return d
}

// WithTimeout returns a copy of d whose functions all time out after t.
func (d StepDescriptor) WithTimeout(t time.Duration) StepDescriptor {
	fns := make([]FunctionDescriptor, len(d.Functions))
	for i, f := range d.Functions {
		f.Timeout = t
		fns[i] = f
	}
	d.Functions = fns
	return d
}

// Function looks up a declared function by name.
func (d *StepDescriptor) Function(name string) (FunctionDescriptor, bool) {
	for _, f := range d.Functions {
		if f.Name == name {
			return f, true
		}
	}
	return FunctionDescriptor{}, false
}

// FunctionNames returns the declared function names in sorted order.
func (d *StepDescriptor) FunctionNames() []string {
	names := make([]string, 0, len(d.Functions))
	for _, f := range d.Functions {
		names = append(names, f.Name)
	}
	sort.Strings(names)
	return names
}

// SubProcess returns the nested process of a KindSubProcess step.
func (d *StepDescriptor) SubProcess() *CompiledProcess {
	return d.sub
}

// Map returns the map spec of a KindMap step.
func (d *StepDescriptor) Map() *MapStepDescriptor {
	return d.mapSpec
}

func (d StepDescriptor) clone() StepDescriptor {
	c := d
	c.Functions = make([]FunctionDescriptor, len(d.Functions))
	for i, f := range d.Functions {
		f.Parameters = append([]string(nil), f.Parameters...)
		c.Functions[i] = f
	}
	c.Outputs = append([]string(nil), d.Outputs...)
	return c
}

// StepContext is handed to every step function invocation.
type StepContext struct {
	runID    string
	stepID   string
	function string
	state    any
	emitted  []Event
}

// RunID returns the ID of the run the invocation belongs to.
func (c *StepContext) RunID() string { return c.runID }

// StepID returns the ID of the invoked step.
func (c *StepContext) StepID() string { return c.stepID }

// Function returns the name of the invoked function.
func (c *StepContext) Function() string { return c.function }

// State returns the step's private state. It is nil for stateless steps.
func (c *StepContext) State() any { return c.state }

// SetState replaces the step's private state. The new value is checkpointed
// when the invocation succeeds.
func (c *StepContext) SetState(v any) { c.state = v }

// Emit records an internal event. Events are routed after the function
// returns successfully, in emission order.
func (c *StepContext) Emit(eventID string, payload any) {
	c.emitted = append(c.emitted, Event{ID: eventID, Payload: payload, Visibility: Internal})
}

// EmitPublic records an event that is routed and also surfaced to the caller.
func (c *StepContext) EmitPublic(eventID string, payload any) {
	c.emitted = append(c.emitted, Event{ID: eventID, Payload: payload, Visibility: Public})
}

// StateAs returns the step state as *T. The second result is false when the
// state is not a *T.
func StateAs[T any](c *StepContext) (*T, bool) {
	s, ok := c.state.(*T)
	return s, ok
}

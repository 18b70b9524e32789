package process

import (
	"fmt"
)

// ProcessBuilder incrementally assembles steps and edges into a process
// graph. It performs no execution. A builder is owned by one goroutine while
// the graph is being described; Build freezes the result into an immutable
// *CompiledProcess and leaves the builder untouched.
//
// Example:
//
//	b := process.NewProcessBuilder("orders")
//	validate, _ := b.AddStep(process.NewStep("Validate", process.Func("run", validateFn)))
//	handle, _ := b.AddStep(process.NewStep("Process", process.Func("run", processFn)))
//	b.OnInputEvent("Start").ConnectTo(process.ToStep(validate))
//	b.OnEvent(validate, "Valid").ConnectTo(process.ToStep(handle))
//	b.OnEvent(validate, "Invalid").ConnectTo(process.StopProcess())
//	compiled, err := b.Build()
type ProcessBuilder struct {
	id   string
	name string

	steps map[string]StepDescriptor
	order []string

	edges []edgeDraft

	// defects found while describing the graph, reported by Build together
	// with the structural validation.
	defects []*GraphDefect
}

type edgeDraft struct {
	EdgeDescriptor
}

// StepHandle refers to a step registered in a ProcessBuilder.
type StepHandle struct {
	id string
}

// ID returns the step ID.
func (h StepHandle) ID() string { return h.id }

// NewProcessBuilder creates an empty builder. The process ID defaults to name.
func NewProcessBuilder(name string) *ProcessBuilder {
	return &ProcessBuilder{
		id:    name,
		name:  name,
		steps: make(map[string]StepDescriptor),
	}
}

// WithID overrides the process ID.
func (b *ProcessBuilder) WithID(id string) *ProcessBuilder {
	b.id = id
	return b
}

// Name returns the process name.
func (b *ProcessBuilder) Name() string { return b.name }

// AddStep registers a step. It fails with ErrDuplicateStepID if the ID is
// already registered in this builder.
func (b *ProcessBuilder) AddStep(d StepDescriptor) (StepHandle, error) {
	if d.ID == "" {
		return StepHandle{}, &EngineError{Message: "step ID cannot be empty", Code: "EMPTY_STEP_ID"}
	}
	if _, exists := b.steps[d.ID]; exists {
		return StepHandle{}, fmt.Errorf("%w: %s", ErrDuplicateStepID, d.ID)
	}
	if d.Name == "" {
		d.Name = d.ID
	}
	b.steps[d.ID] = d.clone()
	b.order = append(b.order, d.ID)
	return StepHandle{id: d.ID}, nil
}

// AddSubProcess registers a compiled process as a step. The step exposes one
// function per input event of sub; routing to function E starts the nested
// process with event E.
func (b *ProcessBuilder) AddSubProcess(id string, sub *CompiledProcess) (StepHandle, error) {
	if sub == nil {
		return StepHandle{}, &EngineError{Message: "sub-process cannot be nil", Code: "NIL_SUBPROCESS"}
	}
	d := StepDescriptor{
		ID:   id,
		Name: sub.Name(),
		Kind: KindSubProcess,
		sub:  sub,
	}
	for _, ev := range sub.InputEvents() {
		d.Functions = append(d.Functions, FunctionDescriptor{Name: ev})
	}
	return b.AddStep(d)
}

// Handle returns the handle of a registered step.
func (b *ProcessBuilder) Handle(id string) (StepHandle, bool) {
	_, ok := b.steps[id]
	return StepHandle{id: id}, ok
}

// OnInputEvent begins routing for an externally triggered event.
func (b *ProcessBuilder) OnInputEvent(eventID string) *EdgeBuilder {
	return &EdgeBuilder{b: b, key: EdgeKey{StepID: InputSource, EventID: eventID}}
}

// OnEvent begins routing for events named eventID emitted by step h.
func (b *ProcessBuilder) OnEvent(h StepHandle, eventID string) *EdgeBuilder {
	return &EdgeBuilder{b: b, key: EdgeKey{StepID: h.id, EventID: eventID}}
}

// OnFunctionError begins routing for failures of function fn of step h. An
// empty fn routes failures of any function of the step that has no more
// specific error edge. Without an error edge a function failure is fatal to
// the run.
func (b *ProcessBuilder) OnFunctionError(h StepHandle, fn string) *EdgeBuilder {
	return &EdgeBuilder{
		b:       b,
		key:     EdgeKey{StepID: h.id, EventID: errorEventID(fn)},
		isError: true,
		errorFn: fn,
	}
}

// Merge copies the steps and edges of other into b. Step ID collisions are
// recorded as ErrDuplicateStepID defects and reported by Build.
func (b *ProcessBuilder) Merge(other *ProcessBuilder) {
	for _, id := range other.order {
		d := other.steps[id]
		if _, exists := b.steps[id]; exists {
			b.defects = append(b.defects, &GraphDefect{
				Kind:    ErrDuplicateStepID,
				StepID:  id,
				Message: fmt.Sprintf("step id already registered, merged from %q", other.name),
			})
			continue
		}
		b.steps[id] = d.clone()
		b.order = append(b.order, id)
	}
	b.edges = append(b.edges, other.edges...)
	b.defects = append(b.defects, other.defects...)
}

// EdgeBuilder appends edges for one (step, event) key.
type EdgeBuilder struct {
	b       *ProcessBuilder
	key     EdgeKey
	isError bool
	errorFn string
}

// FanOutTo appends one edge per target. It may be called repeatedly; targets
// are dispatched in declaration order.
func (e *EdgeBuilder) FanOutTo(targets ...Target) *EdgeBuilder {
	for _, t := range targets {
		e.add(t, false)
	}
	return e
}

// ConnectTo sets the single target of this key. Combining it with any other
// edge on the same key is reported by Build as ErrTargetAlreadySet.
func (e *EdgeBuilder) ConnectTo(t Target) {
	e.add(t, true)
}

// Stop routes the event to the stop sentinel.
func (e *EdgeBuilder) Stop() *EdgeBuilder {
	return e.FanOutTo(StopProcess())
}

func (e *EdgeBuilder) add(t Target, exclusive bool) {
	d := edgeDraft{
		EdgeDescriptor: EdgeDescriptor{
			SourceStepID: e.key.StepID,
			EventID:      e.key.EventID,
			Target:       t,
			Exclusive:    exclusive,
		},
	}
	if e.isError {
		d.OnError = true
		d.ErrorFunction = e.errorFn
	}
	e.b.edges = append(e.b.edges, d)
}

// Build validates the graph and returns an immutable compiled process. On
// failure it returns a *GraphError listing every defect found.
func (b *ProcessBuilder) Build() (*CompiledProcess, error) {
	v := &validator{b: b}
	edges := v.run()
	if len(v.defects) > 0 {
		return nil, &GraphError{Process: b.name, Defects: v.defects}
	}
	return newCompiledProcess(b, edges), nil
}

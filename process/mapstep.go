package process

import (
	"fmt"
	"slices"
)

// MapTarget is the per-element operation wrapped by a map step: either a
// single step or a whole compiled sub-process.
type MapTarget struct {
	step    *StepDescriptor
	process *CompiledProcess
}

// MapOfStep wraps a step. The step must expose exactly one function with at
// most one parameter.
func MapOfStep(d StepDescriptor) MapTarget {
	c := d.clone()
	if c.Name == "" {
		c.Name = c.ID
	}
	return MapTarget{step: &c}
}

// MapOfProcess wraps a compiled process. The per-element entry event must be
// named with WhereInputEventIs. An empty collection emits every event of
// p.ParentEvents with an empty slice.
func MapOfProcess(p *CompiledProcess) MapTarget {
	return MapTarget{process: p}
}

func (t MapTarget) name() string {
	switch {
	case t.step != nil:
		return t.step.Name
	case t.process != nil:
		return t.process.Name()
	}
	return ""
}

// MapBuilder builds a map step: a step that receives one collection and
// invokes the wrapped operation once per element.
type MapBuilder struct {
	target      MapTarget
	id          string
	inputEvent  string
	parallelism int
}

// NewMapBuilder starts a map step around t. The step name is "One" followed
// by the wrapped name; the ID defaults to the name.
func NewMapBuilder(t MapTarget) *MapBuilder {
	return &MapBuilder{target: t, parallelism: 1}
}

// WithID overrides the map step ID.
func (m *MapBuilder) WithID(id string) *MapBuilder {
	m.id = id
	return m
}

// WhereInputEventIs names the input event of the wrapped sub-process that
// receives each element. It is required when wrapping a process.
func (m *MapBuilder) WhereInputEventIs(eventID string) *MapBuilder {
	m.inputEvent = eventID
	return m
}

// WithParallelism runs up to n elements concurrently. Each element runs on
// fully isolated instances. Values below 1 mean sequential.
func (m *MapBuilder) WithParallelism(n int) *MapBuilder {
	if n < 1 {
		n = 1
	}
	m.parallelism = n
	return m
}

// MapStepDescriptor is the StepDescriptor variant produced by MapBuilder.
// Register it with ProcessBuilder.AddStep(m.StepDescriptor).
type MapStepDescriptor struct {
	StepDescriptor

	// Step is the wrapped step, nil when a process is wrapped.
	Step *StepDescriptor

	// Process is the wrapped process, nil when a step is wrapped.
	Process *CompiledProcess

	// Entry is the wrapped function name, or the process input event.
	Entry string

	Parallelism int
}

// Build validates the wrapped target and returns the map step descriptor.
// Resolution failures are reported as ErrAmbiguousMapTarget defects inside a
// *GraphError.
func (m *MapBuilder) Build() (*MapStepDescriptor, error) {
	name := "One" + m.target.name()
	id := m.id
	if id == "" {
		id = name
	}

	var defects []*GraphDefect
	fail := func(format string, args ...any) {
		defects = append(defects, &GraphDefect{
			Kind:    ErrAmbiguousMapTarget,
			StepID:  id,
			Message: fmt.Sprintf(format, args...),
		})
	}

	spec := &MapStepDescriptor{Parallelism: m.parallelism}
	var fn FunctionDescriptor

	switch {
	case m.target.step != nil:
		s := m.target.step
		spec.Step = s
		if len(s.Functions) != 1 {
			fail("wrapped step %q must expose exactly one function, has %d", s.ID, len(s.Functions))
			break
		}
		fn = s.Functions[0]
		if len(fn.Parameters) > 1 {
			fail("wrapped function %s.%s must take at most one parameter, has %d", s.ID, fn.Name, len(fn.Parameters))
		}
		if m.inputEvent != "" && m.inputEvent != fn.Name {
			fail("input event %q does not match wrapped function %q", m.inputEvent, fn.Name)
		}
		if s.Kind != KindFunction {
			fail("wrapped step %q must be a function step, is %s", s.ID, s.Kind)
		}
		spec.Entry = fn.Name
		fn = FunctionDescriptor{Name: fn.Name, Parameters: append([]string(nil), fn.Parameters...)}
	case m.target.process != nil:
		p := m.target.process
		spec.Process = p
		if m.inputEvent == "" {
			fail("wrapping process %q requires WhereInputEventIs (inputs: %v)", p.Name(), p.InputEvents())
			break
		}
		if !slices.Contains(p.InputEvents(), m.inputEvent) {
			fail("process %q has no input event %q (inputs: %v)", p.Name(), m.inputEvent, p.InputEvents())
		}
		spec.Entry = m.inputEvent
		fn = FunctionDescriptor{Name: m.inputEvent}
	default:
		fail("map target is empty")
	}

	if len(defects) > 0 {
		return nil, &GraphError{Process: name, Defects: defects}
	}

	spec.StepDescriptor = StepDescriptor{
		ID:        id,
		Name:      name,
		Functions: []FunctionDescriptor{fn},
		Kind:      KindMap,
		mapSpec:   spec,
	}
	return spec, nil
}

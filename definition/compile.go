package definition

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/dshills/procflow/process"
	"github.com/dshills/procflow/process/condition"
	"github.com/dshills/procflow/process/transform"
)

// Compiler turns definitions into compiled processes.
type Compiler struct {
	registry   *Registry
	conditions *condition.Evaluator
	transforms *transform.Compiler
}

// NewCompiler returns a compiler resolving step kinds in reg. A nil reg
// uses DefaultRegistry.
func NewCompiler(reg *Registry) *Compiler {
	if reg == nil {
		reg = DefaultRegistry()
	}
	return &Compiler{
		registry:   reg,
		conditions: condition.New(),
		transforms: transform.NewCompiler(0),
	}
}

// Compile compiles def with the builtin step kinds.
func Compile(def *Definition) (*process.CompiledProcess, error) {
	return NewCompiler(nil).Compile(def)
}

// Compile builds def and every process it references. Definition errors
// and graph defects are reported together.
func (c *Compiler) Compile(def *Definition) (*process.CompiledProcess, error) {
	if def == nil {
		return nil, fmt.Errorf("nil process definition")
	}
	s := &session{
		c:        c,
		root:     def,
		compiled: make(map[string]*process.CompiledProcess),
		visiting: make(map[string]bool),
	}

	// Compile named processes in a stable order so errors are reproducible.
	names := make([]string, 0, len(def.Processes))
	for name := range def.Processes {
		names = append(names, name)
	}
	sort.Strings(names)
	var errs []error
	for _, name := range names {
		if _, err := s.process(name); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return s.build(def)
}

type session struct {
	c        *Compiler
	root     *Definition
	compiled map[string]*process.CompiledProcess
	visiting map[string]bool
}

func (s *session) process(name string) (*process.CompiledProcess, error) {
	if p, ok := s.compiled[name]; ok {
		return p, nil
	}
	def, ok := s.root.Processes[name]
	if !ok || def == nil {
		return nil, fmt.Errorf("unknown process %q", name)
	}
	if s.visiting[name] {
		return nil, fmt.Errorf("process %q references itself", name)
	}
	if len(def.Processes) > 0 {
		return nil, fmt.Errorf("process %q: nested process declarations are not supported", name)
	}
	s.visiting[name] = true
	defer delete(s.visiting, name)

	if def.Name == "" {
		def.Name = name
	}
	p, err := s.build(def)
	if err != nil {
		return nil, fmt.Errorf("process %q: %w", name, err)
	}
	s.compiled[name] = p
	return p, nil
}

func (s *session) build(def *Definition) (*process.CompiledProcess, error) {
	b := process.NewProcessBuilder(def.Name)
	if def.ID != "" {
		b.WithID(def.ID)
	}

	var errs []error
	for i := range def.Steps {
		if err := s.addStep(b, &def.Steps[i]); err != nil {
			errs = append(errs, err)
		}
	}
	for i, r := range def.Routes {
		if err := s.addRoute(b, r); err != nil {
			errs = append(errs, fmt.Errorf("route %d: %w", i, err))
		}
	}

	p, err := b.Build()
	if err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return p, nil
}

func (s *session) addStep(b *process.ProcessBuilder, sd *StepDef) error {
	set := 0
	for _, v := range []bool{sd.Kind != "", sd.Process != "", sd.Map != nil} {
		if v {
			set++
		}
	}
	if set != 1 {
		return fmt.Errorf("step %q: exactly one of kind, process or map is required", sd.ID)
	}

	switch {
	case sd.Process != "":
		sub, err := s.process(sd.Process)
		if err != nil {
			return fmt.Errorf("step %q: %w", sd.ID, err)
		}
		_, err = b.AddSubProcess(sd.ID, sub)
		return err

	case sd.Map != nil:
		m, err := s.mapStep(sd)
		if err != nil {
			return fmt.Errorf("step %q: %w", sd.ID, err)
		}
		_, err = b.AddStep(m.StepDescriptor)
		return err

	default:
		d, err := s.kindStep(sd)
		if err != nil {
			return err
		}
		_, err = b.AddStep(d)
		return err
	}
}

func (s *session) kindStep(sd *StepDef) (process.StepDescriptor, error) {
	d, err := s.c.registry.New(sd.Kind, sd.ID, sd.Config)
	if err != nil {
		return process.StepDescriptor{}, err
	}
	if len(sd.Outputs) > 0 {
		d = d.WithOutputs(sd.Outputs...)
	}
	if sd.Timeout != "" {
		t, err := time.ParseDuration(sd.Timeout)
		if err != nil || t <= 0 {
			return process.StepDescriptor{}, fmt.Errorf("step %q: invalid timeout %q", sd.ID, sd.Timeout)
		}
		d = d.WithTimeout(t)
	}
	return d, nil
}

func (s *session) mapStep(sd *StepDef) (*process.MapStepDescriptor, error) {
	md := sd.Map
	var target process.MapTarget
	switch {
	case md.Step != nil && md.Process == "":
		inner := *md.Step
		if inner.ID == "" {
			inner.ID = sd.ID + "Element"
		}
		if inner.Kind == "" {
			return nil, fmt.Errorf("map step needs a kind")
		}
		d, err := s.kindStep(&inner)
		if err != nil {
			return nil, err
		}
		target = process.MapOfStep(d)
	case md.Process != "" && md.Step == nil:
		sub, err := s.process(md.Process)
		if err != nil {
			return nil, err
		}
		target = process.MapOfProcess(sub)
	default:
		return nil, fmt.Errorf("map needs exactly one of step or process")
	}

	mb := process.NewMapBuilder(target).WithID(sd.ID)
	if md.InputEvent != "" {
		mb.WhereInputEventIs(md.InputEvent)
	}
	if md.Parallelism > 0 {
		mb.WithParallelism(md.Parallelism)
	}
	return mb.Build()
}

func (s *session) addRoute(b *process.ProcessBuilder, r RouteDef) error {
	var eb *process.EdgeBuilder
	switch {
	case r.From == "" || r.From == process.InputSource:
		if r.OnError {
			return fmt.Errorf("on_error needs a source step")
		}
		if r.Event == "" {
			return fmt.Errorf("input route needs an event")
		}
		eb = b.OnInputEvent(r.Event)
	case r.OnError:
		// Unknown steps still get a handle so Build reports the defect
		// alongside the others.
		h, _ := b.Handle(r.From)
		eb = b.OnFunctionError(h, r.Function)
	default:
		if r.Event == "" {
			return fmt.Errorf("route from %q needs an event", r.From)
		}
		h, _ := b.Handle(r.From)
		eb = b.OnEvent(h, r.Event)
	}

	t, err := s.target(r)
	if err != nil {
		return err
	}
	if r.Exclusive {
		eb.ConnectTo(t)
	} else {
		eb.FanOutTo(t)
	}
	return nil
}

func (s *session) target(r RouteDef) (process.Target, error) {
	set := 0
	for _, v := range []bool{r.To != "", r.Stop, r.EmitToParent != ""} {
		if v {
			set++
		}
	}
	if set != 1 {
		return process.Target{}, fmt.Errorf("exactly one of to, stop or emit_to_parent is required")
	}

	var t process.Target
	switch {
	case r.Stop:
		t = process.StopProcess()
	case r.EmitToParent != "":
		t = process.EmitToParent(r.EmitToParent)
	default:
		t = process.ToStepID(r.To)
		if r.Call != "" {
			t = t.Fn(r.Call)
		}
		if r.Param != "" {
			t = t.Param(r.Param)
		}
	}

	if r.When != "" {
		cond, err := s.c.conditions.Compile(r.When)
		if err != nil {
			return process.Target{}, err
		}
		t = t.If(cond)
	}
	if r.Transform != "" {
		fn, err := s.c.transforms.Compile(r.Transform)
		if err != nil {
			return process.Target{}, err
		}
		t = t.Through(fn)
	}
	return t, nil
}

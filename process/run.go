package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dshills/procflow/process/emit"
	"github.com/dshills/procflow/process/store"
)

// run is the mutable execution of one compiled process: its FIFO queue and
// its step instances. A top-level run is driven by a single goroutine.
// Sub-process steps own a nested run that lives as long as the parent run;
// map steps create ephemeral runs per element.
type run struct {
	eng   *Engine
	proc  *CompiledProcess
	runID string

	// prefix is prepended to step IDs to form store keys and reported step
	// IDs: "" at top level, "Parent/" inside a sub-process step.
	prefix string

	// persist is false for map element runs, which never checkpoint.
	persist bool

	parent *run
	handle *RunHandle
	steps  *atomic.Int64

	queue eventQueue

	mu        sync.RWMutex
	instances map[string]*stepInstance

	// outputs collects EmitToParent events of a nested run invocation.
	outputs []Event
	stopped bool
}

// stepInstance is the runtime incarnation of a step inside one run.
type stepInstance struct {
	desc   *StepDescriptor
	key    string
	status StepStatus
	state  any

	// blob is the last checkpointed encoding of state, read by snapshots.
	blob json.RawMessage

	// pending accumulates arguments of multi-parameter functions.
	pending map[string]Args

	child *run
}

// collect records the value of one parameter and reports whether fn now has
// all of its arguments. The accumulator is cleared when it is.
func (i *stepInstance) collect(fn FunctionDescriptor, param string, value any) (Args, bool) {
	params := fn.params()
	if len(params) == 1 {
		return Args{params[0]: value}, true
	}
	if i.pending == nil {
		i.pending = make(map[string]Args)
	}
	args := i.pending[fn.Name]
	if args == nil {
		args = make(Args, len(params))
		i.pending[fn.Name] = args
	}
	args[param] = value
	if len(args) < len(params) {
		return nil, false
	}
	delete(i.pending, fn.Name)
	return args, true
}

func newRun(e *Engine, p *CompiledProcess, runID string) *run {
	return &run{
		eng:       e,
		proc:      p,
		runID:     runID,
		persist:   true,
		steps:     new(atomic.Int64),
		instances: make(map[string]*stepInstance),
	}
}

// nested creates the run of a sub-process step or a map element.
func (r *run) nested(p *CompiledProcess, key string, persist bool) *run {
	return &run{
		eng:       r.eng,
		proc:      p,
		runID:     r.runID,
		prefix:    key + "/",
		persist:   persist && r.persist,
		parent:    r,
		handle:    r.handle,
		steps:     r.steps,
		instances: make(map[string]*stepInstance),
	}
}

func (r *run) key(stepID string) string {
	if stepID == InputSource || stepID == "" {
		return ""
	}
	return r.prefix + stepID
}

func (r *run) cfg() *engineConfig {
	return &r.eng.cfg
}

// loop dispatches pending events until the queue drains, a stop sentinel is
// popped, or an error aborts the run. Cancellation is observed between
// events.
func (r *run) loop(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		pe, ok := r.queue.pop()
		if !ok {
			return nil
		}
		n := r.steps.Add(1)
		if max := r.cfg().opts.MaxSteps; max > 0 && n > int64(max) {
			return fmt.Errorf("%w (limit %d)", ErrMaxStepsExceeded, max)
		}
		r.cfg().metrics.UpdateQueueDepth(r.queue.Len())

		if err := r.dispatch(ctx, pe, int(n)); err != nil {
			return err
		}
		if r.stopped {
			r.queue.clear()
			return nil
		}
	}
}

func (r *run) dispatch(ctx context.Context, pe pendingEvent, n int) error {
	t := pe.edge.Target
	switch t.Kind {
	case TargetStop:
		r.stopped = true
		r.cfg().logger.Debug("stop reached", "run_id", r.runID, "step_id", r.key(pe.sourceStep), "event", pe.eventID)
		return nil
	case TargetParent:
		id := t.EventID
		if id == "" {
			id = pe.eventID
		}
		ev := Event{ID: id, Payload: pe.payload, Visibility: pe.visibility}
		if r.parent == nil {
			ev.Visibility = Public
			r.publish(r.key(pe.sourceStep), ev)
			return nil
		}
		r.outputs = append(r.outputs, ev)
		return nil
	}

	inst, err := r.activate(ctx, t.StepID, n)
	if err != nil {
		return err
	}
	fn, _ := inst.desc.Function(t.Function)
	args, ready := inst.collect(fn, t.Parameter, pe.payload)
	if !ready {
		r.cfg().logger.Debug("argument buffered",
			"run_id", r.runID, "step_id", inst.key, "function", fn.Name, "parameter", t.Parameter)
		return nil
	}
	return r.invoke(ctx, inst, fn, args, n)
}

// activate returns the instance of stepID, creating it on first delivery.
// A new instance loads its last checkpoint from the store, or starts from
// the step's default state when none exists.
func (r *run) activate(ctx context.Context, stepID string, n int) (*stepInstance, error) {
	r.mu.RLock()
	inst := r.instances[stepID]
	r.mu.RUnlock()
	if inst != nil {
		return inst, nil
	}

	d := r.proc.step(stepID)
	inst = &stepInstance{desc: d, key: r.key(stepID), status: StatusActive}

	var blob json.RawMessage
	restored := false
	if st := r.cfg().store; st != nil && r.persist && d.NewState != nil {
		b, err := st.Load(ctx, r.runID, inst.key)
		switch {
		case errors.Is(err, store.ErrNotFound):
		case err != nil:
			r.cfg().metrics.IncrementPersistenceFailures("load")
			return nil, &PersistenceError{Op: "load", RunID: r.runID, StepID: inst.key, Cause: err}
		default:
			blob = b
			restored = true
		}
	}
	state, err := decodeState(d, blob)
	if err != nil {
		return nil, &PersistenceError{Op: "load", RunID: r.runID, StepID: inst.key, Cause: err}
	}
	inst.state = state
	if state != nil && blob == nil {
		if blob, err = encodeState(state); err != nil {
			return nil, &PersistenceError{Op: "save", RunID: r.runID, StepID: inst.key, Cause: err}
		}
	}
	inst.blob = blob
	if d.Kind == KindSubProcess {
		inst.child = r.nested(d.sub, inst.key, true)
	}

	r.mu.Lock()
	r.instances[stepID] = inst
	r.mu.Unlock()

	r.eng.emit(r.runID, n, inst.key, emit.MsgStepActivated, map[string]interface{}{
		"kind":     d.Kind.String(),
		"restored": restored,
	})
	return inst, nil
}

// invocation is the outcome of one successful function invocation.
type invocation struct {
	emitted []Event

	// failures are routed element failures of a map step.
	failures []FunctionError
}

func (r *run) invoke(ctx context.Context, inst *stepInstance, fn FunctionDescriptor, args Args, n int) error {
	r.eng.emit(r.runID, n, inst.key, emit.MsgFunctionStart, map[string]interface{}{"function": fn.Name})

	start := time.Now()
	var (
		res invocation
		err error
	)
	switch inst.desc.Kind {
	case KindSubProcess:
		res.emitted, err = r.invokeSubProcess(ctx, inst, fn.Name, args)
	case KindMap:
		res, err = r.invokeMap(ctx, inst, fn.Name, args)
	default:
		res.emitted, err = r.invokeFunction(ctx, inst, fn, args)
	}
	latency := time.Since(start)

	if err != nil {
		r.cfg().metrics.RecordFunctionLatency(inst.key, fn.Name, latency, "error")
		return r.fail(ctx, inst, fn.Name, err, n)
	}
	r.cfg().metrics.RecordFunctionLatency(inst.key, fn.Name, latency, "success")
	r.eng.emit(r.runID, n, inst.key, emit.MsgFunctionEnd, map[string]interface{}{
		"function":   fn.Name,
		"emitted":    len(res.emitted),
		"latency_ms": latency.Milliseconds(),
	})

	if err := r.checkpoint(ctx, inst, n); err != nil {
		return err
	}
	for _, ev := range res.emitted {
		if err := r.route(inst.desc.ID, ev); err != nil {
			return err
		}
	}
	for _, fe := range res.failures {
		if err := r.routeFailure(inst, fn.Name, fe, n); err != nil {
			return err
		}
	}
	return nil
}

func (r *run) invokeFunction(ctx context.Context, inst *stepInstance, fn FunctionDescriptor, args Args) ([]Event, error) {
	sc := &StepContext{
		runID:    r.runID,
		stepID:   inst.key,
		function: fn.Name,
		state:    inst.state,
	}
	if err := r.callTimed(ctx, fn, sc, args); err != nil {
		return nil, err
	}
	inst.state = sc.state
	return sc.emitted, nil
}

// callTimed invokes fn under its timeout, falling back to the engine
// default. An overrun fails the invocation even when the function ignored
// its context and returned nil.
func (r *run) callTimed(ctx context.Context, fn FunctionDescriptor, sc *StepContext, args Args) error {
	timeout := fn.Timeout
	if timeout <= 0 {
		timeout = r.cfg().opts.FunctionTimeout
	}
	if timeout <= 0 {
		return call(ctx, fn.Fn, sc, args)
	}

	fctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	err := call(fctx, fn.Fn, sc, args)
	if ctx.Err() == nil && errors.Is(fctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s exceeded %v", ErrFunctionTimeout, fn.Name, timeout)
	}
	return err
}

func call(ctx context.Context, fn StepFunc, sc *StepContext, args Args) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, sc, args)
}

// invokeSubProcess runs the nested process from the entry edges of event
// and returns its EmitToParent events. A stop inside the sub-process ends
// only this invocation.
func (r *run) invokeSubProcess(ctx context.Context, inst *stepInstance, event string, args Args) ([]Event, error) {
	child := inst.child
	child.outputs = nil
	child.stopped = false
	if err := child.deliver(InputSource, Event{ID: event, Payload: args.Input()}, child.proc.entry[event]); err != nil {
		return nil, err
	}
	if err := child.loop(ctx); err != nil {
		child.queue.clear()
		return nil, err
	}
	out := child.outputs
	child.outputs = nil
	return out, nil
}

// fail handles a failed invocation. The instance state is rolled back to
// its last checkpoint. Routed failures become FunctionError events; an
// unrouted failure faults the step and aborts the run.
func (r *run) fail(ctx context.Context, inst *stepInstance, fnName string, cause error, n int) error {
	if r.fatal(ctx, cause) {
		return cause
	}
	if state, err := decodeState(inst.desc, inst.blob); err == nil {
		inst.state = state
	}

	edges := r.proc.errorEdges(inst.desc.ID, fnName)
	routed := len(edges) > 0
	r.cfg().metrics.IncrementFunctionErrors(inst.key, fnName, routed)
	r.eng.emit(r.runID, n, inst.key, emit.MsgFunctionError, map[string]interface{}{
		"function": fnName,
		"error":    cause.Error(),
		"routed":   routed,
	})

	if !routed {
		r.mu.Lock()
		inst.status = StatusFaulted
		r.mu.Unlock()
		r.cfg().logger.Error("unrouted function error",
			"run_id", r.runID, "step_id", inst.key, "function", fnName, "err", cause)
		return &UnroutedFunctionError{RunID: r.runID, StepID: inst.key, Function: fnName, Cause: cause}
	}

	r.cfg().logger.Warn("function error routed",
		"run_id", r.runID, "step_id", inst.key, "function", fnName, "err", cause)
	fe := FunctionError{StepID: inst.key, Function: fnName, Message: cause.Error(), Index: -1}
	return r.deliver(inst.desc.ID, Event{ID: edges[0].EventID, Payload: fe}, edges)
}

// routeFailure routes one element failure of a map step. The map step is
// known to have an error edge.
func (r *run) routeFailure(inst *stepInstance, fnName string, fe FunctionError, n int) error {
	edges := r.proc.errorEdges(inst.desc.ID, fnName)
	r.cfg().metrics.IncrementFunctionErrors(inst.key, fnName, true)
	r.eng.emit(r.runID, n, inst.key, emit.MsgFunctionError, map[string]interface{}{
		"function": fnName,
		"error":    fe.Message,
		"index":    fe.Index,
		"routed":   true,
	})
	return r.deliver(inst.desc.ID, Event{ID: edges[0].EventID, Payload: fe}, edges)
}

// fatal reports errors that abort the run regardless of error edges.
func (r *run) fatal(ctx context.Context, err error) bool {
	var ee *EngineError
	return ctx.Err() != nil ||
		errors.Is(err, ErrPersistence) ||
		errors.Is(err, ErrMaxStepsExceeded) ||
		errors.As(err, &ee)
}

// checkpoint persists the instance state after a successful invocation.
func (r *run) checkpoint(ctx context.Context, inst *stepInstance, n int) error {
	if inst.state == nil {
		return nil
	}
	blob, err := encodeState(inst.state)
	if err != nil {
		return &PersistenceError{Op: "save", RunID: r.runID, StepID: inst.key, Cause: err}
	}
	if st := r.cfg().store; st != nil && r.persist {
		if err := st.Save(ctx, r.runID, inst.key, blob); err != nil {
			r.cfg().metrics.IncrementPersistenceFailures("save")
			r.cfg().logger.Error("checkpoint failed", "run_id", r.runID, "step_id", inst.key, "err", err)
			return &PersistenceError{Op: "save", RunID: r.runID, StepID: inst.key, Cause: err}
		}
		r.cfg().metrics.IncrementCheckpoints(inst.key)
		r.eng.emit(r.runID, n, inst.key, emit.MsgCheckpoint, map[string]interface{}{"bytes": len(blob)})
	}
	r.mu.Lock()
	inst.blob = blob
	r.mu.Unlock()
	return nil
}

// route resolves an emitted event against the edge table of the source
// step. Public events are also recorded in the inspection log.
func (r *run) route(stepID string, ev Event) error {
	if ev.Visibility == Public {
		r.publish(r.key(stepID), ev)
	}
	return r.deliver(stepID, ev, r.proc.edges[EdgeKey{StepID: stepID, EventID: ev.ID}])
}

// deliver enqueues ev once per matching edge, in declaration order. An
// event that matches no edge is absorbed.
func (r *run) deliver(source string, ev Event, edges []EdgeDescriptor) error {
	taken := 0
	for _, e := range edges {
		if e.Target.When != nil && !e.Target.When(ev.Payload) {
			continue
		}
		payload := ev.Payload
		if e.Target.Map != nil {
			var err error
			if payload, err = e.Target.Map(payload); err != nil {
				return &EngineError{
					Message: fmt.Sprintf("transform on edge %s/%s failed", r.key(source), ev.ID),
					Code:    "TRANSFORM_FAILED",
					Cause:   err,
				}
			}
		}
		r.queue.push(pendingEvent{
			eventID:    ev.ID,
			sourceStep: source,
			edge:       e,
			payload:    payload,
			visibility: ev.Visibility,
		})
		taken++
	}

	meta := map[string]interface{}{"event": ev.ID, "edges": taken}
	if taken == 0 {
		r.cfg().metrics.IncrementAbsorbed(r.key(source), ev.ID)
		r.eng.emit(r.runID, int(r.steps.Load()), r.key(source), emit.MsgEventAbsorbed, meta)
		return nil
	}
	r.eng.emit(r.runID, int(r.steps.Load()), r.key(source), emit.MsgEventRouted, meta)
	return nil
}

// publish records a public event in the inspection log of the run handle.
func (r *run) publish(stepKey string, ev Event) {
	if r.handle != nil {
		r.handle.record(PublishedEvent{StepID: stepKey, EventID: ev.ID, Payload: ev.Payload})
	}
	r.eng.emit(r.runID, int(r.steps.Load()), stepKey, emit.MsgEventPublished, map[string]interface{}{
		"event": ev.ID,
	})
}

// complete marks every active instance completed, recursively.
func (r *run) complete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, inst := range r.instances {
		if inst.status == StatusActive {
			inst.status = StatusCompleted
		}
		if inst.child != nil {
			inst.child.complete()
		}
	}
}

// snapshot returns the state of every step of the run, in the shape of
// ProcessState.Steps.
func (r *run) snapshot() map[string]StepState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]StepState, len(r.proc.order))
	for _, id := range r.proc.order {
		d := r.proc.steps[id]
		st := StepState{
			StepID:    r.key(id),
			Name:      d.Name,
			Kind:      d.Kind.String(),
			Status:    StatusUninitialized,
			StateType: d.StateType,
		}
		if inst := r.instances[id]; inst != nil {
			st.Status = inst.status
			if len(inst.blob) > 0 {
				st.State = append(json.RawMessage(nil), inst.blob...)
			}
			if inst.child != nil {
				st.Children = inst.child.snapshot()
			}
		}
		out[id] = st
	}
	return out
}

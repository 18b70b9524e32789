package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dshills/procflow/process/emit"
	"github.com/dshills/procflow/process/store"
)

// Engine executes compiled processes. One Engine may run any number of
// processes concurrently; each run owns its step instances exclusively and
// only shares the read-only *CompiledProcess.
//
// Example:
//
//	engine, err := process.New(process.WithStore(store.NewMemStore()))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	state, err := engine.Run(ctx, compiled, process.Event{ID: "Start", Payload: order})
type Engine struct {
	cfg engineConfig
}

// New creates an Engine. Options are applied in order; the first invalid
// option aborts construction.
func New(opts ...Option) (*Engine, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		if err := opt(&cfg); err != nil {
			return nil, err
		}
	}
	if cfg.emitter == nil {
		cfg.emitter = emit.NewNullEmitter()
	}
	if cfg.logger == nil {
		cfg.logger = defaultConfig().logger
	}
	return &Engine{cfg: cfg}, nil
}

// Start begins a run of p triggered by initial and returns immediately. The
// dispatch loop runs in its own goroutine until the queue drains, a stop
// sentinel is reached, a fatal error occurs, or ctx is cancelled.
//
// Start fails without running anything when p has no entry edge for
// initial.ID.
func (e *Engine) Start(ctx context.Context, p *CompiledProcess, initial Event, opts ...RunOption) (*RunHandle, error) {
	if p == nil {
		return nil, &EngineError{Message: "compiled process cannot be nil", Code: "NIL_PROCESS"}
	}
	rc := runConfig{}
	for _, opt := range opts {
		opt(&rc)
	}
	if rc.runID == "" {
		rc.runID = e.cfg.newID()
	}

	edges := p.entry[initial.ID]
	if len(edges) == 0 {
		return nil, fmt.Errorf("%w: %q (inputs: %v)", ErrNoEntryEdge, initial.ID, p.InputEvents())
	}

	runCtx, cancel := context.WithCancel(ctx)
	h := &RunHandle{
		runID:  rc.runID,
		done:   make(chan struct{}),
		cancel: cancel,
		status: RunRunning,
	}
	r := newRun(e, p, rc.runID)
	r.handle = h
	h.root = r

	e.cfg.logger.Info("run started", "run_id", rc.runID, "process", p.Name(), "event", initial.ID)
	e.emit(rc.runID, 0, "", emit.MsgRunStart, map[string]interface{}{
		"process": p.Name(),
		"event":   initial.ID,
	})

	if initial.Visibility == Public {
		r.publish("", initial)
	}
	if err := r.deliver(InputSource, initial, edges); err != nil {
		cancel()
		return nil, err
	}

	e.cfg.metrics.RunStarted()
	go func() {
		defer cancel()
		err := r.loop(runCtx)
		h.finish(r, e.outcome(runCtx, r, err), err)
	}()
	return h, nil
}

// Run is Start followed by Wait and State. The returned state is valid even
// when err is non-nil: it holds every checkpoint made before the failure.
func (e *Engine) Run(ctx context.Context, p *CompiledProcess, initial Event, opts ...RunOption) (ProcessState, error) {
	h, err := e.Start(ctx, p, initial, opts...)
	if err != nil {
		return ProcessState{}, err
	}
	runErr := h.Wait(ctx)
	st, err := h.State(ctx)
	if err != nil {
		return st, err
	}
	return st, runErr
}

// LoadState reads the persisted state of an earlier run of p from the store
// without executing anything. Steps with no persisted blob are reported as
// uninitialized. The store keeps step state only, so the run status is
// RunUnknown, also for run IDs the store has never seen.
func (e *Engine) LoadState(ctx context.Context, p *CompiledProcess, runID string) (ProcessState, error) {
	if e.cfg.store == nil {
		return ProcessState{}, &EngineError{Message: "no state store configured", Code: "NO_STORE"}
	}
	blobs, err := e.cfg.store.LoadRun(ctx, runID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return ProcessState{}, &PersistenceError{Op: "load", RunID: runID, Cause: err}
	}
	return ProcessState{
		RunID:     runID,
		ProcessID: p.ID(),
		Process:   p.Name(),
		Status:    RunUnknown,
		Steps:     persistedSteps(p, "", blobs),
	}, nil
}

func persistedSteps(p *CompiledProcess, prefix string, blobs map[string]json.RawMessage) map[string]StepState {
	out := make(map[string]StepState, len(p.order))
	for _, id := range p.order {
		d := p.steps[id]
		key := prefix + id
		st := StepState{
			StepID:    key,
			Name:      d.Name,
			Kind:      d.Kind.String(),
			Status:    StatusUninitialized,
			StateType: d.StateType,
		}
		if blob, ok := blobs[key]; ok {
			st.Status = StatusCompleted
			st.State = blob
		}
		if d.sub != nil {
			st.Children = persistedSteps(d.sub, key+"/", blobs)
			for _, c := range st.Children {
				if c.Status != StatusUninitialized {
					st.Status = StatusCompleted
				}
			}
		}
		out[id] = st
	}
	return out
}

func (e *Engine) outcome(ctx context.Context, r *run, err error) RunStatus {
	switch {
	case err == nil && r.stopped:
		return RunStopped
	case err == nil:
		return RunCompleted
	case ctx.Err() != nil && errors.Is(err, ctx.Err()):
		return RunCancelled
	default:
		return RunFailed
	}
}

func (e *Engine) emit(runID string, step int, stepID, msg string, meta map[string]interface{}) {
	e.cfg.emitter.Emit(emit.Event{
		RunID:  runID,
		Step:   step,
		StepID: stepID,
		Msg:    msg,
		Meta:   meta,
	})
}

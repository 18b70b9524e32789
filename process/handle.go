package process

import (
	"context"
	"sync"

	"github.com/dshills/procflow/process/emit"
)

// RunHandle tracks a run started with Engine.Start.
type RunHandle struct {
	runID  string
	done   chan struct{}
	cancel context.CancelFunc
	root   *run

	mu        sync.Mutex
	status    RunStatus
	err       error
	published []PublishedEvent
}

// RunID returns the run ID. It is the key of the run's state in the store.
func (h *RunHandle) RunID() string { return h.runID }

// Done is closed when the run finishes.
func (h *RunHandle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run finishes and returns its error: nil when the
// queue drained or a stop sentinel was reached. If ctx ends first Wait
// returns ctx.Err() and the run keeps going; use Cancel to stop it.
func (h *RunHandle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel asks the run to stop. The dispatch loop notices between events, so
// an invocation in progress completes first.
func (h *RunHandle) Cancel() {
	h.cancel()
}

// Status returns the current run status.
func (h *RunHandle) Status() RunStatus {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

// State returns a snapshot of the last checkpointed state of every step. It
// may be called while the run is in progress.
func (h *RunHandle) State(ctx context.Context) (ProcessState, error) {
	if err := ctx.Err(); err != nil {
		return ProcessState{}, err
	}
	return ProcessState{
		RunID:     h.runID,
		ProcessID: h.root.proc.ID(),
		Process:   h.root.proc.Name(),
		Status:    h.Status(),
		Steps:     h.root.snapshot(),
	}, nil
}

// Events returns the public events published so far, in publication order.
func (h *RunHandle) Events() []PublishedEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]PublishedEvent(nil), h.published...)
}

func (h *RunHandle) record(ev PublishedEvent) {
	h.mu.Lock()
	h.published = append(h.published, ev)
	h.mu.Unlock()
}

func (h *RunHandle) finish(r *run, status RunStatus, err error) {
	if err == nil {
		r.complete()
	}

	h.mu.Lock()
	h.status = status
	h.err = err
	h.mu.Unlock()

	e := r.eng
	meta := map[string]interface{}{"status": string(status)}
	msg := emit.MsgRunComplete
	switch status {
	case RunStopped:
		msg = emit.MsgRunStopped
	case RunFailed, RunCancelled:
		msg = emit.MsgRunFailed
		meta["error"] = err.Error()
	}
	e.emit(h.runID, int(r.steps.Load()), "", msg, meta)
	e.cfg.metrics.RunFinished(status)
	e.cfg.metrics.UpdateQueueDepth(0)
	if err != nil {
		e.cfg.logger.Error("run finished", "run_id", h.runID, "status", status, "err", err)
	} else {
		e.cfg.logger.Info("run finished", "run_id", h.runID, "status", status, "steps", r.steps.Load())
	}
	close(h.done)
}

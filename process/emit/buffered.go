package emit

import (
	"strings"
	"sync"
)

// BufferedEmitter keeps events in memory per run for post-run inspection and
// tests. Runs are retained until Clear; a non-zero per-run limit keeps only
// the most recent events of each run.
//
//	buf := emit.NewBufferedEmitter()
//	engine, _ := process.New(process.WithEmitter(buf))
//	st, _ := engine.Run(ctx, compiled, process.Event{ID: "Start"})
//	failures := buf.Errors(st.RunID)
type BufferedEmitter struct {
	mu    sync.RWMutex
	limit int
	order []string
	runs  map[string][]Event
}

// HistoryFilter selects events of a run. Zero fields match everything.
type HistoryFilter struct {
	// StepID matches the step itself and every step nested beneath it, so
	// "Fulfil" also matches "Fulfil/Ship" and "Fulfil[2]/Ship".
	StepID string
	Msg    string
	// Event matches the "event" meta entry.
	Event string
	// Function matches the "function" meta entry.
	Function string
	MinStep  *int
	MaxStep  *int
}

func (f HistoryFilter) match(ev Event) bool {
	if f.Msg != "" && ev.Msg != f.Msg {
		return false
	}
	if f.StepID != "" && !underStep(ev.StepID, f.StepID) {
		return false
	}
	if f.Event != "" && metaString(ev.Meta, "event") != f.Event {
		return false
	}
	if f.Function != "" && metaString(ev.Meta, "function") != f.Function {
		return false
	}
	if f.MinStep != nil && ev.Step < *f.MinStep {
		return false
	}
	return f.MaxStep == nil || ev.Step <= *f.MaxStep
}

func underStep(key, step string) bool {
	if !strings.HasPrefix(key, step) {
		return false
	}
	rest := key[len(step):]
	return rest == "" || rest[0] == '/' || rest[0] == '['
}

func metaString(meta map[string]interface{}, key string) string {
	s, _ := meta[key].(string)
	return s
}

// NewBufferedEmitter creates an unbounded BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return NewBoundedEmitter(0)
}

// NewBoundedEmitter creates a BufferedEmitter keeping at most limit events
// per run. A limit of zero or less keeps everything.
func NewBoundedEmitter(limit int) *BufferedEmitter {
	if limit < 0 {
		limit = 0
	}
	return &BufferedEmitter{limit: limit, runs: make(map[string][]Event)}
}

// Emit records the event.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	events, seen := b.runs[event.RunID]
	if !seen {
		b.order = append(b.order, event.RunID)
	}
	events = append(events, event)
	if b.limit > 0 && len(events) > b.limit {
		events = append(events[:0:0], events[len(events)-b.limit:]...)
	}
	b.runs[event.RunID] = events
}

// GetHistory returns a copy of the events of a run in emission order.
func (b *BufferedEmitter) GetHistory(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{})
}

// GetHistoryWithFilter returns the events of a run matching filter.
func (b *BufferedEmitter) GetHistoryWithFilter(runID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := []Event{}
	for _, ev := range b.runs[runID] {
		if filter.match(ev) {
			out = append(out, ev)
		}
	}
	return out
}

// Errors returns the function_error events of a run.
func (b *BufferedEmitter) Errors(runID string) []Event {
	return b.GetHistoryWithFilter(runID, HistoryFilter{Msg: MsgFunctionError})
}

// Activations returns the step paths of a run in dispatch order.
func (b *BufferedEmitter) Activations(runID string) []string {
	var steps []string
	for _, ev := range b.GetHistoryWithFilter(runID, HistoryFilter{Msg: MsgStepActivated}) {
		steps = append(steps, ev.StepID)
	}
	return steps
}

// Runs returns the recorded run IDs in the order they were first seen.
func (b *BufferedEmitter) Runs() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]string(nil), b.order...)
}

// Clear drops the events of runID, or of every run when runID is empty.
func (b *BufferedEmitter) Clear(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if runID == "" {
		b.runs = make(map[string][]Event)
		b.order = nil
		return
	}
	delete(b.runs, runID)
	for i, id := range b.order {
		if id == runID {
			b.order = append(b.order[:i], b.order[i+1:]...)
			break
		}
	}
}

package process

import (
	"encoding/json"
	"fmt"
	"strings"
)

// StepStatus is the lifecycle position of a step instance.
type StepStatus string

const (
	// StatusUninitialized means no event was delivered to the step yet.
	StatusUninitialized StepStatus = "uninitialized"

	// StatusActive means the step received an event in this run.
	StatusActive StepStatus = "active"

	// StatusCompleted means the run finished while the step was active.
	StatusCompleted StepStatus = "completed"

	// StatusFaulted means a function of the step failed without an error edge.
	StatusFaulted StepStatus = "faulted"
)

// RunStatus is the lifecycle position of a run.
type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunStopped   RunStatus = "stopped"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"

	// RunUnknown is reported for snapshots rebuilt from the store, which
	// does not record how the run ended.
	RunUnknown RunStatus = "unknown"
)

// StepState is the snapshot of one step instance.
type StepState struct {
	StepID    string          `json:"step_id"`
	Name      string          `json:"name"`
	Kind      string          `json:"kind"`
	Status    StepStatus      `json:"status"`
	StateType string          `json:"state_type,omitempty"`
	State     json.RawMessage `json:"state,omitempty"`

	// Children holds the nested step snapshots of a sub-process step.
	Children map[string]StepState `json:"children,omitempty"`
}

// ProcessState is the snapshot of a run: the last checkpointed state of
// every step, keyed by step ID.
type ProcessState struct {
	RunID     string               `json:"run_id"`
	ProcessID string               `json:"process_id"`
	Process   string               `json:"process"`
	Status    RunStatus            `json:"status"`
	Steps     map[string]StepState `json:"steps"`
}

// Decode unmarshals the state of stepID into v. Nested steps are addressed
// with "/" separated paths such as "Fulfil/Ship".
func (s ProcessState) Decode(stepID string, v any) error {
	st, ok := s.Lookup(stepID)
	if !ok {
		return fmt.Errorf("step %q not found in run %s", stepID, s.RunID)
	}
	if len(st.State) == 0 {
		return fmt.Errorf("step %q has no checkpointed state", stepID)
	}
	return json.Unmarshal(st.State, v)
}

// Lookup returns the snapshot of a step, following "/" separated paths into
// sub-process children.
func (s ProcessState) Lookup(path string) (StepState, bool) {
	steps := s.Steps
	var cur StepState
	for _, part := range strings.Split(path, "/") {
		st, ok := steps[part]
		if !ok {
			return StepState{}, false
		}
		cur = st
		steps = st.Children
	}
	return cur, cur.StepID != ""
}

// DecodeState is the generic form of ProcessState.Decode.
func DecodeState[T any](s ProcessState, stepID string) (T, error) {
	var v T
	err := s.Decode(stepID, &v)
	return v, err
}

// encodeState serializes a step state for checkpointing.
func encodeState(state any) (json.RawMessage, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal state: %w", err)
	}
	return data, nil
}

// decodeState builds a fresh state from the step factory and fills it from
// blob. An empty blob yields the default state.
func decodeState(d *StepDescriptor, blob json.RawMessage) (any, error) {
	if d.NewState == nil {
		return nil, nil
	}
	state := d.NewState()
	if len(blob) == 0 {
		return state, nil
	}
	if err := json.Unmarshal(blob, state); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state: %w", err)
	}
	return state, nil
}

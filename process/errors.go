// Package process provides the step orchestration engine: a builder that
// compiles steps and event edges into an immutable graph, and a runtime that
// dispatches events through that graph with isolated, checkpointed step state.
package process

import (
	"errors"
	"fmt"
	"strings"
)

// Build-time errors. They are never returned while a process is running.
var (
	// ErrDuplicateStepID indicates a step ID was registered twice in one builder.
	ErrDuplicateStepID = errors.New("duplicate step id")

	// ErrTargetAlreadySet indicates an exclusive edge was combined with another
	// target on the same (step, event) key.
	ErrTargetAlreadySet = errors.New("edge target already set")

	// ErrAmbiguousMapTarget indicates a map operator cannot resolve the single
	// per-element entry point of the operation it wraps.
	ErrAmbiguousMapTarget = errors.New("ambiguous map target")

	// ErrInvalidProcessGraph is matched by every *GraphError returned from Build.
	ErrInvalidProcessGraph = errors.New("invalid process graph")
)

// Run-time errors.
var (
	// ErrUnroutedFunctionError is matched by *UnroutedFunctionError.
	ErrUnroutedFunctionError = errors.New("unrouted function error")

	// ErrPersistence is matched by *PersistenceError.
	ErrPersistence = errors.New("state persistence failure")

	// ErrMaxStepsExceeded indicates the run dispatched more events than
	// allowed by WithMaxSteps. This catches cycles without an exit.
	ErrMaxStepsExceeded = errors.New("execution exceeded maximum steps limit")

	// ErrNoEntryEdge indicates the initial event has no entry edge in the
	// compiled process.
	ErrNoEntryEdge = errors.New("no entry edge for input event")

	// ErrFunctionTimeout indicates a function ran past its timeout. It is a
	// function error: error edges route it.
	ErrFunctionTimeout = errors.New("function timed out")

	// ErrMapInput indicates a map step received a payload that is not a
	// slice or array.
	ErrMapInput = errors.New("map input is not a collection")
)

// GraphDefect is a single problem found while validating a process graph.
type GraphDefect struct {
	// Kind is one of the build-time sentinel errors, or nil for a generic
	// structural defect.
	Kind error

	// StepID is the step the defect is attached to, if any.
	StepID string

	// EventID is the event of the offending edge, if any.
	EventID string

	Message string
}

func (d *GraphDefect) Error() string {
	var b strings.Builder
	if d.StepID != "" {
		b.WriteString("step " + d.StepID)
		if d.EventID != "" {
			b.WriteString(" event " + d.EventID)
		}
		b.WriteString(": ")
	}
	b.WriteString(d.Message)
	return b.String()
}

// Unwrap lets errors.Is match the defect kind.
func (d *GraphDefect) Unwrap() error {
	return d.Kind
}

// GraphError aggregates every defect found by one Build call. Builders never
// partially compile: when Build returns a *GraphError no process is returned.
type GraphError struct {
	Process string
	Defects []*GraphDefect
}

func (e *GraphError) Error() string {
	msgs := make([]string, 0, len(e.Defects))
	for _, d := range e.Defects {
		msgs = append(msgs, d.Error())
	}
	return fmt.Sprintf("%s %q: %d defect(s): %s",
		ErrInvalidProcessGraph.Error(), e.Process, len(e.Defects), strings.Join(msgs, "; "))
}

// Unwrap exposes ErrInvalidProcessGraph and every defect, so errors.Is works
// for both the aggregate and the individual defect kinds.
func (e *GraphError) Unwrap() []error {
	errs := make([]error, 0, len(e.Defects)+1)
	errs = append(errs, ErrInvalidProcessGraph)
	for _, d := range e.Defects {
		errs = append(errs, d)
	}
	return errs
}

// FunctionError is the payload of an event routed through an OnFunctionError
// edge. It carries the failure message rather than the error value so that it
// stays serializable.
type FunctionError struct {
	StepID   string `json:"step_id"`
	Function string `json:"function"`
	Message  string `json:"message"`

	// Index is the input position for failures inside a map step, -1 otherwise.
	Index int `json:"index"`
}

// UnroutedFunctionError is returned when a step function fails and no error
// edge is registered for it. It aborts the whole run.
type UnroutedFunctionError struct {
	RunID    string
	StepID   string
	Function string
	Cause    error
}

func (e *UnroutedFunctionError) Error() string {
	return fmt.Sprintf("run %s: step %s function %s failed with no error edge: %v",
		e.RunID, e.StepID, e.Function, e.Cause)
}

func (e *UnroutedFunctionError) Unwrap() []error {
	return []error{ErrUnroutedFunctionError, e.Cause}
}

// PersistenceError wraps a state store failure. Persistence failures are
// fatal: the engine never continues with stale or default state.
type PersistenceError struct {
	Op     string // "load" or "save"
	RunID  string
	StepID string
	Cause  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s state for run %s step %s: %v", e.Op, e.RunID, e.StepID, e.Cause)
}

func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Cause}
}

// EngineError represents a misuse of the Engine API.
type EngineError struct {
	Message string
	Code    string
	Cause   error
}

func (e *EngineError) Error() string {
	if e.Code != "" {
		return e.Code + ": " + e.Message
	}
	return e.Message
}

func (e *EngineError) Unwrap() error {
	return e.Cause
}

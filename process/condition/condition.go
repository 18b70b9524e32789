// Package condition compiles edge conditions written as expr-lang
// expressions into process.Condition predicates.
//
// The payload is available as the variable "payload". When the payload is a
// map (or a struct, after JSON normalization) its top-level keys are also
// variables, so both of these work:
//
//	payload.amount > 100
//	amount > 100 && status == "approved"
package condition

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/dshills/procflow/process"
)

// Evaluator compiles expressions and caches the programs. It is safe for
// concurrent use.
type Evaluator struct {
	cache map[string]*vm.Program
	mu    sync.RWMutex
}

// New creates an Evaluator.
func New() *Evaluator {
	return &Evaluator{cache: make(map[string]*vm.Program)}
}

var defaultEvaluator = New()

// Compile compiles src with a shared Evaluator.
func Compile(src string) (process.Condition, error) {
	return defaultEvaluator.Compile(src)
}

// Compile returns a Condition for src. Syntax errors are reported here. At
// run time an expression that fails to evaluate yields false, so the edge is
// not taken.
func (e *Evaluator) Compile(src string) (process.Condition, error) {
	if src == "" {
		return nil, fmt.Errorf("empty condition")
	}
	prog, err := e.compile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to compile condition %q: %w", src, err)
	}
	return func(payload any) bool {
		ok, err := run(prog, payload)
		return err == nil && ok
	}, nil
}

// Evaluate compiles src and evaluates it against payload, reporting
// evaluation errors.
func (e *Evaluator) Evaluate(src string, payload any) (bool, error) {
	prog, err := e.compile(src)
	if err != nil {
		return false, fmt.Errorf("failed to compile condition %q: %w", src, err)
	}
	return run(prog, payload)
}

func (e *Evaluator) compile(src string) (*vm.Program, error) {
	e.mu.RLock()
	if prog, ok := e.cache[src]; ok {
		e.mu.RUnlock()
		return prog, nil
	}
	e.mu.RUnlock()

	prog, err := expr.Compile(src,
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, err
	}

	e.mu.Lock()
	e.cache[src] = prog
	e.mu.Unlock()
	return prog, nil
}

// CacheSize returns the number of cached programs.
func (e *Evaluator) CacheSize() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.cache)
}

func run(prog *vm.Program, payload any) (bool, error) {
	env, err := environment(payload)
	if err != nil {
		return false, err
	}
	out, err := expr.Run(prog, env)
	if err != nil {
		return false, fmt.Errorf("condition evaluation failed: %w", err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition must return boolean, got %T", out)
	}
	return b, nil
}

// environment builds the variables visible to an expression.
func environment(payload any) (map[string]any, error) {
	norm, err := Normalize(payload)
	if err != nil {
		return nil, err
	}
	env := map[string]any{}
	if m, ok := norm.(map[string]any); ok {
		for k, v := range m {
			env[k] = v
		}
	}
	env["payload"] = norm
	return env, nil
}

// Normalize converts structs and typed collections into the generic JSON
// shapes (map[string]any, []any, float64, string, bool, nil). Scalars and
// already generic values pass through unchanged.
func Normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, int, int64, map[string]any, []any:
		return v, nil
	}
	switch reflect.ValueOf(v).Kind() {
	case reflect.Int8, reflect.Int16, reflect.Int32, reflect.Uint, reflect.Uint8,
		reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Float32:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to normalize payload: %w", err)
	}
	return out, nil
}

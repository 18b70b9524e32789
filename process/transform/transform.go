// Package transform compiles edge payload transforms written as jq
// expressions (gojq) into process.Transform functions.
//
// A transform producing a single value delivers that value; several values
// are delivered as a []any; no value delivers nil.
package transform

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/itchyny/gojq"

	"github.com/dshills/procflow/process"
)

// DefaultTimeout bounds the execution of one transform.
const DefaultTimeout = time.Second

// Compiler turns jq expressions into transforms.
type Compiler struct {
	timeout time.Duration
}

// NewCompiler creates a Compiler. A zero timeout means DefaultTimeout.
func NewCompiler(timeout time.Duration) *Compiler {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Compiler{timeout: timeout}
}

// Compile compiles src with the default timeout.
func Compile(src string) (process.Transform, error) {
	return NewCompiler(0).Compile(src)
}

// Compile parses and compiles src once; the returned Transform may be called
// concurrently.
func (c *Compiler) Compile(src string) (process.Transform, error) {
	query, err := gojq.Parse(src)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression %q: %w", src, err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed for %q: %w", src, err)
	}
	timeout := c.timeout
	return func(payload any) (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		return execute(ctx, code, payload)
	}, nil
}

func execute(ctx context.Context, code *gojq.Code, payload any) (any, error) {
	input, err := normalize(payload)
	if err != nil {
		return nil, err
	}

	iter := code.RunWithContext(ctx, input)
	var results []any
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("transform timed out: %w", ctx.Err())
			}
			return nil, fmt.Errorf("transform failed: %w", err)
		}
		results = append(results, v)
	}

	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return results, nil
	}
}

// normalize converts a payload into the value types gojq accepts.
func normalize(v any) (any, error) {
	switch v.(type) {
	case nil, bool, string, float64, int:
		return v, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
	}
	return out, nil
}

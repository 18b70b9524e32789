package process

import (
	"context"
	"fmt"
	"reflect"

	"golang.org/x/sync/errgroup"
)

// invokeMap runs the wrapped operation once per element of the collection in
// args and aggregates the outputs by input position.
//
// For every event ID emitted by any element the map step emits one event
// whose payload is a []any of input length; slot i holds the payload element
// i emitted (the last one when it emitted several), nil when it emitted none.
// Aggregated events are emitted in order of first appearance scanning
// elements by index, so the result never depends on completion order.
func (r *run) invokeMap(ctx context.Context, inst *stepInstance, fnName string, args Args) (invocation, error) {
	spec := inst.desc.mapSpec
	items, err := elements(args.Input())
	if err != nil {
		return invocation{}, err
	}

	limit := spec.Parallelism
	if o := r.cfg().opts.MapParallelism; o > 0 {
		limit = o
	}
	if limit < 1 {
		limit = 1
	}
	routed := r.proc.hasErrorEdge(inst.desc.ID, fnName)

	results := make([][]Event, len(items))
	failed := make([]error, len(items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, item := range items {
		g.Go(func() error {
			out, err := r.runElement(gctx, inst, spec, i, item)
			if err != nil {
				if routed && !r.fatal(gctx, err) {
					failed[i] = err
					return nil
				}
				return fmt.Errorf("element %d: %w", i, err)
			}
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return invocation{}, err
	}

	var res invocation
	if len(items) == 0 {
		var ids []string
		if spec.Step != nil {
			ids = spec.Step.Outputs
		} else {
			ids = spec.Process.ParentEvents()
		}
		for _, id := range ids {
			res.emitted = append(res.emitted, Event{ID: id, Payload: []any{}})
		}
		return res, nil
	}

	var order []string
	slots := make(map[string][]any)
	vis := make(map[string]Visibility)
	for i, evs := range results {
		for _, ev := range evs {
			slot, ok := slots[ev.ID]
			if !ok {
				slot = make([]any, len(items))
				slots[ev.ID] = slot
				order = append(order, ev.ID)
			}
			slot[i] = ev.Payload
			if ev.Visibility == Public {
				vis[ev.ID] = Public
			}
		}
	}
	for _, id := range order {
		res.emitted = append(res.emitted, Event{ID: id, Payload: slots[id], Visibility: vis[id]})
	}
	for i, err := range failed {
		if err != nil {
			res.failures = append(res.failures, FunctionError{
				StepID:   inst.key,
				Function: fnName,
				Message:  err.Error(),
				Index:    i,
			})
		}
	}
	return res, nil
}

// runElement executes the wrapped operation for one element on fresh,
// unpersisted instances.
func (r *run) runElement(ctx context.Context, inst *stepInstance, spec *MapStepDescriptor, i int, item any) ([]Event, error) {
	key := fmt.Sprintf("%s[%d]", inst.key, i)

	if spec.Step != nil {
		fn := spec.Step.Functions[0]
		state, err := decodeState(spec.Step, nil)
		if err != nil {
			return nil, err
		}
		sc := &StepContext{runID: r.runID, stepID: key, function: fn.Name, state: state}
		if err := r.callTimed(ctx, fn, sc, Args{fn.params()[0]: item}); err != nil {
			return nil, err
		}
		return sc.emitted, nil
	}

	child := r.nested(spec.Process, key, false)
	if err := child.deliver(InputSource, Event{ID: spec.Entry, Payload: item}, child.proc.entry[spec.Entry]); err != nil {
		return nil, err
	}
	if err := child.loop(ctx); err != nil {
		return nil, err
	}
	return child.outputs, nil
}

// elements converts a map step input into its elements. Slices and arrays
// of any element type are accepted.
func elements(input any) ([]any, error) {
	if items, ok := input.([]any); ok {
		return items, nil
	}
	v := reflect.ValueOf(input)
	if !v.IsValid() || (v.Kind() != reflect.Slice && v.Kind() != reflect.Array) {
		return nil, fmt.Errorf("%w: got %T", ErrMapInput, input)
	}
	out := make([]any, v.Len())
	for i := range out {
		out[i] = v.Index(i).Interface()
	}
	return out, nil
}

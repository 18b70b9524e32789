package process

import (
	"fmt"
	"slices"
	"strings"
)

// validator checks a builder exhaustively. It never stops at the first
// defect: authors fix large graphs from one complete report.
type validator struct {
	b       *ProcessBuilder
	defects []*GraphDefect
}

func (v *validator) addf(kind error, stepID, eventID, format string, args ...any) {
	v.defects = append(v.defects, &GraphDefect{
		Kind:    kind,
		StepID:  stepID,
		EventID: eventID,
		Message: fmt.Sprintf(format, args...),
	})
}

func (v *validator) run() []EdgeDescriptor {
	v.defects = append(v.defects, v.b.defects...)

	for _, id := range v.b.order {
		d := v.b.steps[id]
		v.checkStep(&d)
	}

	resolved := make([]EdgeDescriptor, 0, len(v.b.edges))
	entries := 0
	for _, e := range v.b.edges {
		if e.SourceStepID == InputSource {
			entries++
		}
		if r, ok := v.checkEdge(e); ok {
			resolved = append(resolved, r)
		}
	}
	if entries == 0 {
		v.addf(nil, "", "", "process has no entry edge (use OnInputEvent)")
	}

	v.checkExclusive()
	return resolved
}

func (v *validator) checkStep(d *StepDescriptor) {
	switch d.Kind {
	case KindSubProcess:
		if d.sub == nil {
			v.addf(nil, d.ID, "", "sub-process step has no compiled process")
		}
	case KindMap:
		if d.mapSpec == nil {
			v.addf(ErrAmbiguousMapTarget, d.ID, "", "map step was not produced by MapBuilder")
		}
	}

	if len(d.Functions) == 0 {
		v.addf(nil, d.ID, "", "step declares no functions")
	}
	seen := make(map[string]bool, len(d.Functions))
	for _, f := range d.Functions {
		if f.Name == "" {
			v.addf(nil, d.ID, "", "function with empty name")
			continue
		}
		if seen[f.Name] {
			v.addf(nil, d.ID, "", "function %q declared twice", f.Name)
		}
		seen[f.Name] = true
		if d.Kind == KindFunction && f.Fn == nil {
			v.addf(nil, d.ID, "", "function %q has no body", f.Name)
		}
		params := make(map[string]bool, len(f.Parameters))
		for _, p := range f.Parameters {
			if params[p] {
				v.addf(nil, d.ID, "", "function %q declares parameter %q twice", f.Name, p)
			}
			params[p] = true
		}
	}
}

func (v *validator) checkEdge(e edgeDraft) (EdgeDescriptor, bool) {
	ok := true
	src := e.SourceStepID

	if src != InputSource {
		d, exists := v.b.steps[src]
		switch {
		case !exists:
			v.addf(nil, src, e.EventID, "edge source step does not exist")
			ok = false
		case e.OnError:
			if e.ErrorFunction != "" {
				if _, found := d.Function(e.ErrorFunction); !found {
					v.addf(nil, src, e.EventID, "error edge names unknown function %q", e.ErrorFunction)
					ok = false
				}
			}
		case len(d.Outputs) > 0 && !slices.Contains(d.Outputs, e.EventID):
			v.addf(nil, src, e.EventID, "event is not a declared output (declared: %s)",
				strings.Join(d.Outputs, ", "))
			ok = false
		}
	}

	t := e.Target
	switch t.Kind {
	case TargetStop, TargetParent:
		return e.EdgeDescriptor, ok
	case TargetStep:
	default:
		v.addf(nil, src, e.EventID, "unknown target kind %d", t.Kind)
		return e.EdgeDescriptor, false
	}

	target, exists := v.b.steps[t.StepID]
	if !exists {
		v.addf(nil, src, e.EventID, "edge targets missing step %q", t.StepID)
		return e.EdgeDescriptor, false
	}

	fn, found := v.resolveFunction(&target, t.Function)
	if !found {
		if t.Function == "" {
			v.addf(nil, src, e.EventID, "target step %q has %d functions; name one of %s",
				t.StepID, len(target.Functions), strings.Join(target.FunctionNames(), ", "))
		} else {
			v.addf(nil, src, e.EventID, "target step %q has no function %q", t.StepID, t.Function)
		}
		return e.EdgeDescriptor, false
	}

	params := fn.params()
	param := t.Parameter
	switch {
	case param == "" && len(params) == 1:
		param = params[0]
	case param == "":
		v.addf(nil, src, e.EventID, "function %s.%s has parameters %s; name one",
			t.StepID, fn.Name, strings.Join(params, ", "))
		return e.EdgeDescriptor, false
	case !slices.Contains(params, param):
		v.addf(nil, src, e.EventID, "function %s.%s has no parameter %q", t.StepID, fn.Name, param)
		return e.EdgeDescriptor, false
	}

	r := e.EdgeDescriptor
	r.Target.Function = fn.Name
	r.Target.Parameter = param
	return r, ok
}

func (v *validator) resolveFunction(d *StepDescriptor, name string) (FunctionDescriptor, bool) {
	if name == "" {
		if len(d.Functions) == 1 {
			return d.Functions[0], true
		}
		return FunctionDescriptor{}, false
	}
	return d.Function(name)
}

func (v *validator) checkExclusive() {
	type bucket struct {
		total     int
		exclusive int
	}
	type bucketKey struct {
		EdgeKey
		onError bool
	}
	buckets := make(map[bucketKey]*bucket)
	var keys []bucketKey
	for _, e := range v.b.edges {
		k := bucketKey{EdgeKey{StepID: e.SourceStepID, EventID: e.EventID}, e.OnError}
		bk, ok := buckets[k]
		if !ok {
			bk = &bucket{}
			buckets[k] = bk
			keys = append(keys, k)
		}
		bk.total++
		if e.Exclusive {
			bk.exclusive++
		}
	}
	for _, k := range keys {
		bk := buckets[k]
		if bk.exclusive > 0 && bk.total > 1 {
			v.addf(ErrTargetAlreadySet, k.StepID, k.EventID,
				"exclusive ConnectTo combined with %d other edge(s)", bk.total-1)
		}
	}
}

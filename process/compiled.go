package process

import "sort"

// CompiledProcess is the immutable, validated graph produced by
// ProcessBuilder.Build. It may be shared by any number of concurrent runs:
// nothing in it is mutated after construction and every accessor returns a
// copy.
//
// Edges are kept in an adjacency map keyed by (step, event). The graph may
// contain cycles; no topological order is computed.
type CompiledProcess struct {
	id    string
	name  string
	steps map[string]*StepDescriptor
	order []string

	edges map[EdgeKey][]EdgeDescriptor
	entry map[string][]EdgeDescriptor
	// errEdges holds OnFunctionError edges keyed by (step, function). The
	// catch-all edges of a step use an empty function.
	errEdges map[EdgeKey][]EdgeDescriptor
}

func newCompiledProcess(b *ProcessBuilder, edges []EdgeDescriptor) *CompiledProcess {
	p := &CompiledProcess{
		id:    b.id,
		name:  b.name,
		steps: make(map[string]*StepDescriptor, len(b.steps)),
		order: append([]string(nil), b.order...),
		edges: make(map[EdgeKey][]EdgeDescriptor),
		entry: make(map[string][]EdgeDescriptor),

		errEdges: make(map[EdgeKey][]EdgeDescriptor),
	}
	for id, d := range b.steps {
		c := d.clone()
		p.steps[id] = &c
	}
	for _, e := range edges {
		if e.SourceStepID == InputSource {
			p.entry[e.EventID] = append(p.entry[e.EventID], e)
			continue
		}
		if e.OnError {
			k := EdgeKey{StepID: e.SourceStepID, EventID: e.ErrorFunction}
			p.errEdges[k] = append(p.errEdges[k], e)
			continue
		}
		k := EdgeKey{StepID: e.SourceStepID, EventID: e.EventID}
		p.edges[k] = append(p.edges[k], e)
	}
	return p
}

// ID returns the process ID.
func (p *CompiledProcess) ID() string { return p.id }

// Name returns the process name.
func (p *CompiledProcess) Name() string { return p.name }

// Step returns a copy of the descriptor of step id.
func (p *CompiledProcess) Step(id string) (StepDescriptor, bool) {
	d, ok := p.steps[id]
	if !ok {
		return StepDescriptor{}, false
	}
	return d.clone(), true
}

// StepIDs returns step IDs in registration order.
func (p *CompiledProcess) StepIDs() []string {
	return append([]string(nil), p.order...)
}

// Edges returns the edges for events named eventID emitted by stepID, in
// declaration order.
func (p *CompiledProcess) Edges(stepID, eventID string) []EdgeDescriptor {
	return append([]EdgeDescriptor(nil), p.edges[EdgeKey{StepID: stepID, EventID: eventID}]...)
}

// EntryEdges returns the edges triggered by the external event eventID.
func (p *CompiledProcess) EntryEdges(eventID string) []EdgeDescriptor {
	return append([]EdgeDescriptor(nil), p.entry[eventID]...)
}

// InputEvents returns the external event IDs with entry edges, sorted.
func (p *CompiledProcess) InputEvents() []string {
	ids := make([]string, 0, len(p.entry))
	for id := range p.entry {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// EdgeKeys returns every (step, event) key with at least one event edge, sorted
// by step then event.
func (p *CompiledProcess) EdgeKeys() []EdgeKey {
	return sortedKeys(p.edges)
}

func sortedKeys(m map[EdgeKey][]EdgeDescriptor) []EdgeKey {
	keys := make([]EdgeKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].StepID != keys[j].StepID {
			return keys[i].StepID < keys[j].StepID
		}
		return keys[i].EventID < keys[j].EventID
	})
	return keys
}

// ParentEvents returns the IDs of the events the process can raise in its
// parent through EmitToParent edges, sorted.
func (p *CompiledProcess) ParentEvents() []string {
	seen := make(map[string]bool)
	collect := func(es []EdgeDescriptor) {
		for _, e := range es {
			if e.Target.Kind != TargetParent {
				continue
			}
			id := e.Target.EventID
			if id == "" {
				id = e.EventID
			}
			seen[id] = true
		}
	}
	for _, es := range p.entry {
		collect(es)
	}
	for _, es := range p.edges {
		collect(es)
	}
	for _, es := range p.errEdges {
		collect(es)
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ErrorEdges returns the OnFunctionError edges registered for fn of stepID.
// An empty fn selects the catch-all edges of the step.
func (p *CompiledProcess) ErrorEdges(stepID, fn string) []EdgeDescriptor {
	return append([]EdgeDescriptor(nil), p.errEdges[EdgeKey{StepID: stepID, EventID: fn}]...)
}

// errorEdges returns the error edges for fn of stepID: the function-specific
// ones when present, the catch-all ones otherwise.
func (p *CompiledProcess) errorEdges(stepID, fn string) []EdgeDescriptor {
	if es := p.errEdges[EdgeKey{StepID: stepID, EventID: fn}]; len(es) > 0 {
		return es
	}
	return p.errEdges[EdgeKey{StepID: stepID, EventID: ""}]
}

// hasErrorEdge reports whether a failure of stepID.fn is routed.
func (p *CompiledProcess) hasErrorEdge(stepID, fn string) bool {
	return len(p.errorEdges(stepID, fn)) > 0
}

func (p *CompiledProcess) step(id string) *StepDescriptor {
	return p.steps[id]
}

package process

import (
	"fmt"
	"strings"
)

// Mermaid renders p as a Mermaid flowchart. Step shapes follow the step
// kind: sub-processes are subroutines and map steps hexagons. Conditional
// edges are dotted. When st is non-nil, steps are styled by their status in
// that run.
func (p *CompiledProcess) Mermaid(st *ProcessState) string {
	var sb strings.Builder
	sb.WriteString("flowchart TD\n")
	sb.WriteString("    __input((\"input\"))\n")

	for _, id := range p.order {
		d := p.steps[id]
		opener, closer := "[", "]"
		switch d.Kind {
		case KindSubProcess:
			opener, closer = "[[", "]]"
		case KindMap:
			opener, closer = "{{", "}}"
		}
		fmt.Fprintf(&sb, "    %s%s\"%s\"%s\n", mermaidID(id), opener, id, closer)
	}

	var stop bool
	parents := make(map[string]bool)
	edge := func(from string, e EdgeDescriptor) {
		label := e.EventID
		if e.OnError {
			label = strings.TrimSpace("error " + e.ErrorFunction)
		}
		var to string
		switch e.Target.Kind {
		case TargetStop:
			to, stop = "__stop", true
		case TargetParent:
			ev := e.Target.EventID
			if ev == "" {
				ev = e.EventID
			}
			to = "parent_" + mermaidID(ev)
			if !parents[ev] {
				parents[ev] = true
				fmt.Fprintf(&sb, "    %s[/\"parent: %s\"/]\n", to, ev)
			}
		default:
			to = mermaidID(e.Target.StepID)
			if fn := e.Target.Function; fn != "" && len(p.steps[e.Target.StepID].Functions) > 1 {
				label += " → " + fn
			}
		}
		label = strings.ReplaceAll(label, "\"", "'")
		if e.Target.When != nil {
			fmt.Fprintf(&sb, "    %s -. \"%s\" .-> %s\n", from, label, to)
			return
		}
		fmt.Fprintf(&sb, "    %s -- \"%s\" --> %s\n", from, label, to)
	}

	for _, ev := range p.InputEvents() {
		for _, e := range p.entry[ev] {
			edge("__input", e)
		}
	}
	for _, k := range p.EdgeKeys() {
		for _, e := range p.edges[k] {
			edge(mermaidID(k.StepID), e)
		}
	}
	for _, k := range sortedKeys(p.errEdges) {
		for _, e := range p.errEdges[k] {
			edge(mermaidID(k.StepID), e)
		}
	}
	if stop {
		sb.WriteString("    __stop((\"stop\"))\n")
	}

	if st != nil {
		sb.WriteString("\n    classDef completed fill:#e8f5e9,stroke:#2e7d32,color:#000;\n")
		sb.WriteString("    classDef active fill:#fff8e1,stroke:#f9a825,color:#000;\n")
		sb.WriteString("    classDef faulted fill:#ffebee,stroke:#c62828,stroke-width:2px,color:#000;\n")
		for _, id := range p.order {
			s, ok := st.Steps[id]
			if !ok || s.Status == StatusUninitialized {
				continue
			}
			fmt.Fprintf(&sb, "    class %s %s;\n", mermaidID(id), s.Status)
		}
	}
	return sb.String()
}

func mermaidID(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_':
			return r
		}
		return '_'
	}, id)
}

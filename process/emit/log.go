package emit

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
)

// LogEmitter writes one line per event to a writer.
//
// Text lines start with the run ID and, for step events, the dispatch number
// and the step path, followed by the message and the meta entries sorted by
// key:
//
//	run-001 #3 Validate function_end function=run latency_ms=2
//	run-001 run_complete status=completed
//
// JSON lines carry the same fields as a flat object:
//
//	{"run_id":"run-001","seq":3,"step":"Validate","msg":"function_end","meta":{"function":"run"}}
type LogEmitter struct {
	mu       sync.Mutex
	w        io.Writer
	jsonMode bool
	only     map[string]bool
}

// NewLogEmitter creates a LogEmitter. A nil writer means os.Stdout.
func NewLogEmitter(w io.Writer, jsonMode bool) *LogEmitter {
	if w == nil {
		w = os.Stdout
	}
	return &LogEmitter{w: w, jsonMode: jsonMode}
}

// Only restricts the emitter to the given messages. Calling it with no
// messages removes the restriction.
func (l *LogEmitter) Only(msgs ...string) *LogEmitter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(msgs) == 0 {
		l.only = nil
		return l
	}
	l.only = make(map[string]bool, len(msgs))
	for _, m := range msgs {
		l.only[m] = true
	}
	return l
}

// Emit writes the event. Lines from concurrent callers never interleave.
func (l *LogEmitter) Emit(event Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.only != nil && !l.only[event.Msg] {
		return
	}

	var line []byte
	if l.jsonMode {
		line = jsonLine(event)
	} else {
		line = textLine(event)
	}
	_, _ = l.w.Write(line)
}

type logRecord struct {
	RunID string                 `json:"run_id"`
	Seq   int                    `json:"seq,omitempty"`
	Step  string                 `json:"step,omitempty"`
	Msg   string                 `json:"msg"`
	Meta  map[string]interface{} `json:"meta,omitempty"`
}

func jsonLine(event Event) []byte {
	data, err := json.Marshal(logRecord{
		RunID: event.RunID,
		Seq:   event.Step,
		Step:  event.StepID,
		Msg:   event.Msg,
		Meta:  event.Meta,
	})
	if err != nil {
		// Meta values that cannot be encoded are rendered with %v instead.
		data, _ = json.Marshal(logRecord{
			RunID: event.RunID,
			Seq:   event.Step,
			Step:  event.StepID,
			Msg:   event.Msg,
			Meta:  stringifyMeta(event.Meta),
		})
	}
	return append(data, '\n')
}

func textLine(event Event) []byte {
	var buf bytes.Buffer
	buf.WriteString(event.RunID)
	if event.StepID != "" {
		fmt.Fprintf(&buf, " #%d %s", event.Step, event.StepID)
	}
	buf.WriteByte(' ')
	buf.WriteString(event.Msg)
	for _, k := range sortedKeys(event.Meta) {
		fmt.Fprintf(&buf, " %s=%s", k, formatValue(event.Meta[k]))
	}
	buf.WriteByte('\n')
	return buf.Bytes()
}

func sortedKeys(meta map[string]interface{}) []string {
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatValue quotes strings containing spaces so lines stay splittable.
func formatValue(v interface{}) string {
	s, ok := v.(string)
	if !ok {
		return fmt.Sprintf("%v", v)
	}
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '"' || r == '=' {
			return fmt.Sprintf("%q", s)
		}
	}
	return s
}

func stringifyMeta(meta map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(meta))
	for k, v := range meta {
		out[k] = fmt.Sprintf("%v", v)
	}
	return out
}

package definition

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/procflow/process"
)

func compileYAML(t *testing.T, src string) *process.CompiledProcess {
	t.Helper()
	def, err := Parse([]byte(src))
	require.NoError(t, err)
	p, err := Compile(def)
	require.NoError(t, err)
	return p
}

func runToEnd(t *testing.T, p *process.CompiledProcess, ev process.Event) (*process.RunHandle, process.ProcessState) {
	t.Helper()
	e, err := process.New()
	require.NoError(t, err)
	h, err := e.Start(context.Background(), p, ev)
	require.NoError(t, err)
	require.NoError(t, h.Wait(context.Background()))
	st, err := h.State(context.Background())
	require.NoError(t, err)
	return h, st
}

func published(h *process.RunHandle) map[string][]any {
	out := make(map[string][]any)
	for _, ev := range h.Events() {
		if ev.StepID == "" {
			continue
		}
		out[ev.EventID] = append(out[ev.EventID], ev.Payload)
	}
	return out
}

func TestParse(t *testing.T) {
	t.Run("unknown fields are rejected", func(t *testing.T) {
		_, err := Parse([]byte("name: p\nsteps:\n  - id: A\n    knd: passthrough\n"))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "knd")
	})

	t.Run("name is required", func(t *testing.T) {
		_, err := Parse([]byte("steps: []\n"))
		assert.ErrorContains(t, err, "no name")
	})

	t.Run("empty document", func(t *testing.T) {
		_, err := Parse(nil)
		assert.ErrorContains(t, err, "empty")
	})

	t.Run("marshal output parses back", func(t *testing.T) {
		def := &Definition{
			Name:   "p",
			Steps:  []StepDef{{ID: "A", Kind: "passthrough"}},
			Routes: []RouteDef{{Event: "Start", To: "A", Exclusive: true}},
		}
		data, err := Marshal(def)
		require.NoError(t, err)
		back, err := Parse(data)
		require.NoError(t, err)
		assert.Equal(t, def, back)
	})
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flow.yaml")
	require.NoError(t, os.WriteFile(path, []byte("name: loaded\nsteps:\n  - id: A\n    kind: passthrough\nroutes:\n  - {event: Go, to: A}\n"), 0o600))

	def, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "loaded", def.Name)

	_, err = Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestCompile_Switch(t *testing.T) {
	p := compileYAML(t, `
name: validate
steps:
  - id: Validate
    kind: switch
    config:
      cases:
        - when: "x > 0"
          emit: Valid
      default: Invalid
  - id: Process
    kind: passthrough
    config: {emit: Processed, public: true}
  - id: Reject
    kind: passthrough
    config: {emit: Rejected, public: true}
routes:
  - {event: Start, to: Validate, exclusive: true}
  - {from: Validate, event: Valid, to: Process}
  - {from: Validate, event: Invalid, to: Reject}
`)

	h, _ := runToEnd(t, p, process.Event{ID: "Start", Payload: map[string]any{"x": 5}})
	got := published(h)
	assert.Len(t, got["Processed"], 1)
	assert.Empty(t, got["Rejected"])

	h, _ = runToEnd(t, p, process.Event{ID: "Start", Payload: map[string]any{"x": -1}})
	got = published(h)
	assert.Empty(t, got["Processed"])
	assert.Len(t, got["Rejected"], 1)
}

func TestCompile_CounterLoopStops(t *testing.T) {
	p := compileYAML(t, `
name: loop
steps:
  - id: Counter
    kind: counter
    config: {limit: 3}
routes:
  - {event: Start, to: Counter}
  - {from: Counter, event: Counted, to: Counter}
  - {from: Counter, event: LimitReached, stop: true}
`)
	_, st := runToEnd(t, p, process.Event{ID: "Start"})
	assert.Equal(t, process.RunStopped, st.Status)

	c, err := process.DecodeState[CounterState](st, "Counter")
	require.NoError(t, err)
	assert.Equal(t, 3, c.Count)
}

func TestCompile_RouteConditionAndTransform(t *testing.T) {
	p := compileYAML(t, `
name: routed
steps:
  - id: Big
    kind: passthrough
    config: {emit: Big, public: true}
  - id: Small
    kind: passthrough
    config: {emit: Small, public: true}
routes:
  - {event: Start, to: Big, when: "n >= 10", transform: ".n"}
  - {event: Start, to: Small, when: "n < 10", transform: ".n"}
`)
	h, _ := runToEnd(t, p, process.Event{ID: "Start", Payload: map[string]any{"n": 12}})
	got := published(h)
	require.Len(t, got["Big"], 1)
	assert.EqualValues(t, 12, got["Big"][0])
	assert.Empty(t, got["Small"])
}

func TestCompile_MapOfKind(t *testing.T) {
	p := compileYAML(t, `
name: doubler
steps:
  - id: Doubles
    map:
      parallelism: 2
      step:
        kind: jq
        config: {expr: ". * 2", emit: Doubled}
  - id: Out
    kind: passthrough
    config: {emit: Result, public: true}
routes:
  - {event: Start, to: Doubles}
  - {from: Doubles, event: Doubled, to: Out}
`)
	h, _ := runToEnd(t, p, process.Event{ID: "Start", Payload: []any{1, 2, 3}})
	got := published(h)
	require.Len(t, got["Result"], 1)
	assert.Equal(t, []any{2, 4, 6}, got["Result"][0])
}

func TestCompile_SubProcessAndJoin(t *testing.T) {
	p := compileYAML(t, `
name: orders
processes:
  shipping:
    steps:
      - id: Label
        kind: stamp
        config: {emit: Labelled, field: tracking}
    routes:
      - {event: Ship, to: Label}
      - {from: Label, event: Labelled, emit_to_parent: Shipped}
steps:
  - id: Order
    kind: passthrough
    config: {emit: Placed}
  - id: Fulfil
    process: shipping
  - id: Join
    kind: join
    config: {params: [order, shipment], emit: Joined}
  - id: Done
    kind: passthrough
    config: {emit: Finished, public: true}
routes:
  - {event: Start, to: Order}
  - {from: Order, event: Placed, to: Fulfil, call: Ship}
  - {from: Order, event: Placed, to: Join, param: order}
  - {from: Fulfil, event: Shipped, to: Join, param: shipment}
  - {from: Join, event: Joined, to: Done}
`)
	h, st := runToEnd(t, p, process.Event{ID: "Start", Payload: "o-1"})
	got := published(h)
	require.Len(t, got["Finished"], 1)

	joined, ok := got["Finished"][0].(map[string]any)
	require.True(t, ok, "unexpected payload %T", got["Finished"][0])
	assert.Equal(t, "o-1", joined["order"])
	shipment, ok := joined["shipment"].(map[string]any)
	require.True(t, ok)
	assert.NotEmpty(t, shipment["tracking"])
	assert.Equal(t, "o-1", shipment["payload"])

	assert.Equal(t, "subprocess", st.Steps["Fulfil"].Kind)
}

func TestCompile_ErrorRoute(t *testing.T) {
	p := compileYAML(t, `
name: failing
steps:
  - id: Boom
    kind: fail
    config: {message: out of stock}
  - id: Recover
    kind: passthrough
    config: {emit: Recovered, public: true}
routes:
  - {event: Start, to: Boom}
  - {from: Boom, on_error: true, to: Recover}
`)
	h, _ := runToEnd(t, p, process.Event{ID: "Start"})
	got := published(h)
	require.Len(t, got["Recovered"], 1)
	fe, ok := got["Recovered"][0].(process.FunctionError)
	require.True(t, ok)
	assert.Contains(t, fe.Message, "out of stock")
}

func TestCompile_StepTimeout(t *testing.T) {
	def, err := Parse([]byte("name: t\nsteps:\n  - id: A\n    kind: passthrough\n    timeout: 250ms\nroutes:\n  - {event: Go, to: A}\n"))
	require.NoError(t, err)
	p, err := Compile(def)
	require.NoError(t, err)
	d, ok := p.Step("A")
	require.True(t, ok)
	assert.Equal(t, 250*time.Millisecond, d.Functions[0].Timeout)

	def.Steps[0].Timeout = "soon"
	_, err = Compile(def)
	assert.ErrorContains(t, err, `invalid timeout "soon"`)
}

func TestCompile_ReportsAllErrors(t *testing.T) {
	def, err := Parse([]byte(`
name: broken
steps:
  - id: A
    kind: nope
  - id: B
    kind: passthrough
    process: other
  - id: C
    kind: passthrough
routes:
  - {event: Start, to: C}
  - {from: C, event: Done}
  - {from: C, event: Done, to: Missing}
`))
	require.NoError(t, err)

	_, err = Compile(def)
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown kind "nope"`)
	assert.Contains(t, msg, "exactly one of kind, process or map")
	assert.Contains(t, msg, "exactly one of to, stop or emit_to_parent")
	assert.Contains(t, msg, "Missing")
	assert.True(t, errors.Is(err, process.ErrInvalidProcessGraph))
}

func TestCompile_ProcessReferences(t *testing.T) {
	t.Run("self reference", func(t *testing.T) {
		def, err := Parse([]byte(`
name: root
processes:
  loop:
    steps:
      - id: Inner
        process: loop
    routes:
      - {event: Go, to: Inner}
steps:
  - id: Outer
    process: loop
routes:
  - {event: Start, to: Outer, call: Go}
`))
		require.NoError(t, err)
		_, err = Compile(def)
		assert.ErrorContains(t, err, "references itself")
	})

	t.Run("unknown process", func(t *testing.T) {
		def, err := Parse([]byte("name: root\nsteps:\n  - id: S\n    process: ghost\nroutes:\n  - {event: Start, to: S}\n"))
		require.NoError(t, err)
		_, err = Compile(def)
		assert.ErrorContains(t, err, `unknown process "ghost"`)
	})
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	f := func(id string, _ map[string]any) (process.StepDescriptor, error) {
		return process.NewStep(id, process.Func("run", func(context.Context, *process.StepContext, process.Args) error { return nil })), nil
	}
	require.NoError(t, r.Register("custom", f))
	assert.Error(t, r.Register("custom", f))
	assert.Error(t, r.Register("", f))

	d, err := r.New("custom", "X", nil)
	require.NoError(t, err)
	assert.Equal(t, "X", d.ID)
	assert.Equal(t, "X", d.Name)

	_, err = r.New("missing", "Y", nil)
	assert.ErrorContains(t, err, "unknown kind")

	assert.Equal(t, []string{"custom"}, r.Kinds())
	assert.Contains(t, DefaultRegistry().Kinds(), "switch")
}

func TestBuiltinConfigValidation(t *testing.T) {
	r := DefaultRegistry()
	tests := []struct {
		kind   string
		config map[string]any
		errMsg string
	}{
		{kind: "passthrough", config: map[string]any{"unknown": 1}, errMsg: "invalid config"},
		{kind: "switch", config: nil, errMsg: "at least one case"},
		{kind: "switch", config: map[string]any{"cases": []any{map[string]any{"when": "x >", "emit": "E"}}}, errMsg: "case 0"},
		{kind: "jq", config: map[string]any{"expr": ".["}, errMsg: "invalid jq expression"},
		{kind: "join", config: map[string]any{"params": []any{"only"}}, errMsg: "at least two params"},
	}
	for _, tt := range tests {
		t.Run(tt.kind+"/"+tt.errMsg, func(t *testing.T) {
			_, err := r.New(tt.kind, "S", tt.config)
			assert.ErrorContains(t, err, tt.errMsg)
		})
	}

	d, err := r.New("counter", "C", map[string]any{"limit": "5"})
	require.NoError(t, err, "weakly typed config values are accepted")
	assert.Equal(t, []string{"Counted", "LimitReached"}, d.Outputs)
}

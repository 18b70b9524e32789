package emit

import (
	"bytes"
	"encoding/json"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogEmitter(t *testing.T) {
	event := Event{
		RunID:  "run-001",
		Step:   3,
		StepID: "Validate",
		Msg:    MsgFunctionEnd,
		Meta:   map[string]interface{}{"function": "run", "latency_ms": int64(2)},
	}

	t.Run("text line", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogEmitter(&buf, false).Emit(event)
		assert.Equal(t, "run-001 #3 Validate function_end function=run latency_ms=2\n", buf.String())
	})

	t.Run("run level text line", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogEmitter(&buf, false).Emit(Event{
			RunID: "r",
			Msg:   MsgRunFailed,
			Meta:  map[string]interface{}{"error": "step A failed"},
		})
		assert.Equal(t, "r run_failed error=\"step A failed\"\n", buf.String())
	})

	t.Run("json line", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogEmitter(&buf, true).Emit(event)
		var got map[string]interface{}
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		assert.Equal(t, "run-001", got["run_id"])
		assert.Equal(t, float64(3), got["seq"])
		assert.Equal(t, "Validate", got["step"])
		assert.Equal(t, MsgFunctionEnd, got["msg"])
	})

	t.Run("json line with unencodable meta", func(t *testing.T) {
		var buf bytes.Buffer
		NewLogEmitter(&buf, true).Emit(Event{RunID: "r", Msg: MsgRunStart, Meta: map[string]interface{}{"ch": make(chan int)}})
		assert.True(t, json.Valid(bytes.TrimSpace(buf.Bytes())), buf.String())
	})

	t.Run("only", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogEmitter(&buf, false).Only(MsgRunStart)
		l.Emit(event)
		l.Emit(Event{RunID: "r", Msg: MsgRunStart})
		assert.Equal(t, "r run_start\n", buf.String())

		buf.Reset()
		l.Only().Emit(event)
		assert.NotEmpty(t, buf.String())
	})

	t.Run("concurrent lines do not interleave", func(t *testing.T) {
		var buf bytes.Buffer
		l := NewLogEmitter(&buf, true)
		var wg sync.WaitGroup
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				l.Emit(event)
			}()
		}
		wg.Wait()
		lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
		require.Len(t, lines, 50)
		for _, line := range lines {
			require.True(t, json.Valid([]byte(line)), "corrupt line %q", line)
		}
	})
}

func TestBufferedEmitter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{RunID: "r1", Msg: MsgRunStart})
	b.Emit(Event{RunID: "r1", Step: 1, StepID: "Fulfil", Msg: MsgStepActivated})
	b.Emit(Event{RunID: "r1", Step: 2, StepID: "Fulfil/Ship", Msg: MsgFunctionStart, Meta: map[string]interface{}{"function": "run"}})
	b.Emit(Event{RunID: "r1", Step: 2, StepID: "Fulfil/Ship", Msg: MsgFunctionError, Meta: map[string]interface{}{"function": "run", "error": "boom"}})
	b.Emit(Event{RunID: "r1", Step: 3, StepID: "FulfilLater", Msg: MsgEventRouted, Meta: map[string]interface{}{"event": "Done"}})
	b.Emit(Event{RunID: "r2", Msg: MsgRunStart})

	t.Run("history per run", func(t *testing.T) {
		assert.Len(t, b.GetHistory("r1"), 5)
		assert.Empty(t, b.GetHistory("unknown"))
	})

	t.Run("step filter covers nested steps only", func(t *testing.T) {
		got := b.GetHistoryWithFilter("r1", HistoryFilter{StepID: "Fulfil"})
		require.Len(t, got, 3)
		for _, ev := range got {
			assert.NotEqual(t, "FulfilLater", ev.StepID)
		}
	})

	t.Run("meta filters", func(t *testing.T) {
		assert.Len(t, b.GetHistoryWithFilter("r1", HistoryFilter{Event: "Done"}), 1)
		assert.Len(t, b.GetHistoryWithFilter("r1", HistoryFilter{Function: "run"}), 2)
	})

	t.Run("filters combine", func(t *testing.T) {
		minStep, maxStep := 2, 3
		got := b.GetHistoryWithFilter("r1", HistoryFilter{Msg: MsgFunctionStart, MinStep: &minStep, MaxStep: &maxStep})
		require.Len(t, got, 1)
		assert.Equal(t, "Fulfil/Ship", got[0].StepID)
	})

	t.Run("errors and activations", func(t *testing.T) {
		errs := b.Errors("r1")
		require.Len(t, errs, 1)
		assert.Equal(t, "boom", errs[0].Meta["error"])
		assert.Equal(t, []string{"Fulfil"}, b.Activations("r1"))
	})

	t.Run("clear", func(t *testing.T) {
		assert.Equal(t, []string{"r1", "r2"}, b.Runs())
		b.Clear("r1")
		assert.Empty(t, b.GetHistory("r1"))
		assert.Equal(t, []string{"r2"}, b.Runs())
		b.Clear("")
		assert.Empty(t, b.Runs())
	})
}

func TestBoundedEmitter(t *testing.T) {
	b := NewBoundedEmitter(2)
	for i := 1; i <= 4; i++ {
		b.Emit(Event{RunID: "r", Step: i, StepID: "A", Msg: MsgStepActivated})
	}
	got := b.GetHistory("r")
	require.Len(t, got, 2)
	assert.Equal(t, 3, got[0].Step)
	assert.Equal(t, 4, got[1].Step)
}

func TestMultiEmitter(t *testing.T) {
	a, b := NewBufferedEmitter(), NewBufferedEmitter()
	var seen []string
	m := MultiEmitter{a, nil, NewNullEmitter(), b, FuncEmitter(func(ev Event) { seen = append(seen, ev.Msg) })}
	m.Emit(Event{RunID: "r", Msg: MsgRunStart})
	assert.Len(t, a.GetHistory("r"), 1)
	assert.Len(t, b.GetHistory("r"), 1)
	assert.Equal(t, []string{MsgRunStart}, seen)
}

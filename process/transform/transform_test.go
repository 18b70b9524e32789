package transform

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type item struct {
	ID    string  `json:"id"`
	Price float64 `json:"price"`
}

func TestCompile(t *testing.T) {
	tests := []struct {
		name    string
		expr    string
		payload any
		want    any
	}{
		{name: "field", expr: `.id`, payload: map[string]any{"id": "a1"}, want: "a1"},
		{name: "struct payload", expr: `.price * 2`, payload: item{ID: "x", Price: 2.5}, want: 5.0},
		{name: "collect", expr: `[.[] | .id]`, payload: []item{{ID: "a"}, {ID: "b"}}, want: []any{"a", "b"}},
		{name: "several outputs", expr: `.[]`, payload: []any{1, 2}, want: []any{float64(1), float64(2)}},
		{name: "no output", expr: `empty`, payload: map[string]any{}, want: nil},
		{name: "identity scalar", expr: `.`, payload: "s", want: "s"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fn, err := Compile(tt.expr)
			require.NoError(t, err)
			got, err := fn(tt.payload)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCompile_Errors(t *testing.T) {
	_, err := Compile(".[")
	assert.Error(t, err)

	_, err = Compile("undefined_fn(1)")
	assert.Error(t, err)

	fn, err := Compile(`error("bad payload")`)
	require.NoError(t, err)
	_, err = fn(map[string]any{})
	assert.ErrorContains(t, err, "bad payload")
}

func TestCompiler_Timeout(t *testing.T) {
	fn, err := NewCompiler(20 * time.Millisecond).Compile(`repeat(1)`)
	require.NoError(t, err)
	_, err = fn(nil)
	assert.Error(t, err)
}

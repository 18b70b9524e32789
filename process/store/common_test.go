package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
)

// testStateStore runs the behaviour every StateStore must share. Each call
// uses run IDs prefixed with prefix so backends with shared databases do not
// collide between test runs.
func testStateStore(t *testing.T, st StateStore, prefix string) {
	ctx := context.Background()

	t.Run("missing step", func(t *testing.T) {
		_, err := st.Load(ctx, prefix+"missing", "A")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
		_, err = st.LoadRun(ctx, prefix+"missing")
		if !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for LoadRun, got %v", err)
		}
	})

	t.Run("save then load", func(t *testing.T) {
		run := prefix + "r1"
		if err := st.Save(ctx, run, "A", json.RawMessage(`{"count":1}`)); err != nil {
			t.Fatal(err)
		}
		if err := st.Save(ctx, run, "A", json.RawMessage(`{"count":2}`)); err != nil {
			t.Fatal(err)
		}
		blob, err := st.Load(ctx, run, "A")
		if err != nil {
			t.Fatal(err)
		}
		var got map[string]int
		if err := json.Unmarshal(blob, &got); err != nil {
			t.Fatal(err)
		}
		if got["count"] != 2 {
			t.Errorf("expected last saved blob, got %s", blob)
		}
	})

	t.Run("runs are isolated", func(t *testing.T) {
		if err := st.Save(ctx, prefix+"iso-1", "A", json.RawMessage(`{"v":1}`)); err != nil {
			t.Fatal(err)
		}
		if _, err := st.Load(ctx, prefix+"iso-2", "A"); !errors.Is(err, ErrNotFound) {
			t.Errorf("expected run iso-2 to be empty, got %v", err)
		}
	})

	t.Run("load run returns nested keys", func(t *testing.T) {
		run := prefix + "nested"
		for _, step := range []string{"A", "Sub/B", "Sub/C"} {
			if err := st.Save(ctx, run, step, json.RawMessage(`{}`)); err != nil {
				t.Fatal(err)
			}
		}
		all, err := st.LoadRun(ctx, run)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 3 {
			t.Errorf("expected 3 steps, got %d", len(all))
		}
		if _, ok := all["Sub/B"]; !ok {
			t.Error("expected nested key Sub/B")
		}
	})

	t.Run("concurrent saves", func(t *testing.T) {
		run := prefix + "concurrent"
		var wg sync.WaitGroup
		errs := make(chan error, 10)
		for i := 0; i < 10; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- st.Save(ctx, run, fmt.Sprintf("S%d", i), json.RawMessage(fmt.Sprintf(`{"i":%d}`, i)))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatal(err)
			}
		}
		all, err := st.LoadRun(ctx, run)
		if err != nil {
			t.Fatal(err)
		}
		if len(all) != 10 {
			t.Errorf("expected 10 steps, got %d", len(all))
		}
	})
}

package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
)

func TestSQLiteStore(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()
	testStateStore(t, st, "")
}

func TestSQLiteStore_Lifecycle(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "state.db")

	t.Run("state survives reopen", func(t *testing.T) {
		st, err := NewSQLiteStore(path)
		if err != nil {
			t.Fatal(err)
		}
		if err := st.Save(ctx, "r1", "A", json.RawMessage(`{"count":4}`)); err != nil {
			t.Fatal(err)
		}
		if err := st.Save(ctx, "r1", "A", json.RawMessage(`{"count":5}`)); err != nil {
			t.Fatal(err)
		}
		if err := st.Close(); err != nil {
			t.Fatal(err)
		}

		reopened, err := NewSQLiteStore(path)
		if err != nil {
			t.Fatal(err)
		}
		defer reopened.Close()
		blob, err := reopened.Load(ctx, "r1", "A")
		if err != nil {
			t.Fatal(err)
		}
		if string(blob) != `{"count":5}` {
			t.Errorf("unexpected blob %s", blob)
		}
		v, err := reopened.Version(ctx, "r1", "A")
		if err != nil || v != 2 {
			t.Errorf("expected version 2, got %d (%v)", v, err)
		}
		if reopened.Path() != path {
			t.Errorf("unexpected path %s", reopened.Path())
		}
	})

	t.Run("closed store", func(t *testing.T) {
		st, err := NewSQLiteStore(":memory:")
		if err != nil {
			t.Fatal(err)
		}
		_ = st.Close()
		if _, err := st.Load(ctx, "r", "A"); !errors.Is(err, ErrClosed) {
			t.Errorf("expected ErrClosed, got %v", err)
		}
		if err := st.Close(); err != nil {
			t.Errorf("second close should be a no-op, got %v", err)
		}
	})
}

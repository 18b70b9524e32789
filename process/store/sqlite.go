package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite implementation of StateStore.
//
// It keeps step state in a single-file database. Designed for:
//   - Development and testing with zero setup
//   - Single-process runs that must survive restarts
//
// Features:
//   - Auto-migration on first use
//   - WAL mode for concurrent reads
//   - Upserts with a per-step save counter
//
// Schema:
//   - step_states: one row per (run_id, step_id)
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
	path   string
}

// NewSQLiteStore opens (creating if needed) the database at path.
// Use ":memory:" for an in-memory database.
//
// Example:
//
//	st, err := store.NewSQLiteStore("./procflow.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer st.Close()
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", p, err)
		}
	}

	s := &SQLiteStore{db: db, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS step_states (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			state TEXT NOT NULL,
			version INTEGER NOT NULL DEFAULT 1,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, step_id)
		)
	`
	if _, err := s.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create step_states table: %w", err)
	}
	return nil
}

func (s *SQLiteStore) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

// Load returns the last saved blob of a step.
func (s *SQLiteStore) Load(ctx context.Context, runID, stepID string) (json.RawMessage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	var state string
	err := s.db.QueryRowContext(ctx,
		`SELECT state FROM step_states WHERE run_id = ? AND step_id = ?`,
		runID, stepID,
	).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load step state: %w", err)
	}
	return json.RawMessage(state), nil
}

// Save upserts the blob of a step and bumps its version.
func (s *SQLiteStore) Save(ctx context.Context, runID, stepID string, blob json.RawMessage) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO step_states (run_id, step_id, state, version, updated_at)
		VALUES (?, ?, ?, 1, CURRENT_TIMESTAMP)
		ON CONFLICT(run_id, step_id) DO UPDATE SET
			state = excluded.state,
			version = step_states.version + 1,
			updated_at = CURRENT_TIMESTAMP
	`
	if _, err := s.db.ExecContext(ctx, query, runID, stepID, string(blob)); err != nil {
		return fmt.Errorf("failed to save step state: %w", err)
	}
	return nil
}

// LoadRun returns every saved step blob of a run.
func (s *SQLiteStore) LoadRun(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT step_id, state FROM step_states WHERE run_id = ? ORDER BY step_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var stepID, state string
		if err := rows.Scan(&stepID, &state); err != nil {
			return nil, fmt.Errorf("failed to scan step state: %w", err)
		}
		out[stepID] = json.RawMessage(state)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate run state: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrNotFound
	}
	return out, nil
}

// Version returns how many times a step state was saved.
func (s *SQLiteStore) Version(ctx context.Context, runID, stepID string) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}

	var v int
	err := s.db.QueryRowContext(ctx,
		`SELECT version FROM step_states WHERE run_id = ? AND step_id = ?`, runID, stepID,
	).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to load version: %w", err)
	}
	return v, nil
}

// Path returns the database path.
func (s *SQLiteStore) Path() string {
	return s.path
}

// Close closes the database. Further calls return ErrClosed.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

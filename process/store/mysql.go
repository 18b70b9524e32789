package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB implementation of StateStore.
//
// Designed for production runs shared by several workers. It uses connection
// pooling and auto-creates its table.
//
// Schema:
//   - step_states: one row per (run_id, step_id), state stored as JSON
type MySQLStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	closed bool
}

// NewMySQLStore connects with a go-sql-driver DSN, for example
// "user:password@tcp(localhost:3306)/procflow?parseTime=true".
//
// Never hardcode credentials; read the DSN from the environment or the
// config file.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	m := &MySQLStore{db: db}
	if err := m.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return m, nil
}

func (m *MySQLStore) createTables(ctx context.Context) error {
	table := `
		CREATE TABLE IF NOT EXISTS step_states (
			run_id VARCHAR(255) NOT NULL,
			step_id VARCHAR(255) NOT NULL,
			state JSON NOT NULL,
			version INT NOT NULL DEFAULT 1,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
			PRIMARY KEY (run_id, step_id),
			INDEX idx_run_id (run_id)
		) ENGINE=InnoDB DEFAULT CHARSET=utf8mb4 COLLATE=utf8mb4_unicode_ci
	`
	if _, err := m.db.ExecContext(ctx, table); err != nil {
		return fmt.Errorf("failed to create step_states table: %w", err)
	}
	return nil
}

func (m *MySQLStore) checkOpen() error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	return nil
}

// Load returns the last saved blob of a step.
func (m *MySQLStore) Load(ctx context.Context, runID, stepID string) (json.RawMessage, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var state []byte
	err := m.db.QueryRowContext(ctx,
		`SELECT state FROM step_states WHERE run_id = ? AND step_id = ?`, runID, stepID,
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
func (m *MySQLStore) Save(ctx context.Context, runID, stepID string, blob json.RawMessage) error {
	if err := m.checkOpen(); err != nil {
		return err
	}

	query := `
		INSERT INTO step_states (run_id, step_id, state, version)
		VALUES (?, ?, ?, 1)
		ON DUPLICATE KEY UPDATE
			state = VALUES(state),
			version = version + 1
	`
	if _, err := m.db.ExecContext(ctx, query, runID, stepID, string(blob)); err != nil {
		return fmt.Errorf("failed to save step state: %w", err)
	}
	return nil
}

// LoadRun returns every saved step blob of a run.
func (m *MySQLStore) LoadRun(ctx context.Context, runID string) (map[string]json.RawMessage, error) {
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := m.db.QueryContext(ctx,
		`SELECT step_id, state FROM step_states WHERE run_id = ? ORDER BY step_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query run state: %w", err)
	}
	defer rows.Close()

	out := make(map[string]json.RawMessage)
	for rows.Next() {
		var stepID string
		var state []byte
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

// Ping verifies the connection is alive.
func (m *MySQLStore) Ping(ctx context.Context) error {
	if err := m.checkOpen(); err != nil {
		return err
	}
	return m.db.PingContext(ctx)
}

// Stats returns connection pool statistics.
func (m *MySQLStore) Stats() sql.DBStats {
	return m.db.Stats()
}

// Close closes the connection pool.
func (m *MySQLStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	return m.db.Close()
}

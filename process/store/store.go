// Package store provides persistence backends for step state checkpoints.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// ErrNotFound is returned when no state has been saved for a run or step.
var ErrNotFound = errors.New("not found")

// ErrClosed is returned by stores used after Close.
var ErrClosed = errors.New("store is closed")

// StateStore persists the private state blob of each step instance.
//
// The engine saves a step's state after every successful function
// invocation and loads it when the step instance is first activated in a run.
// Blobs are opaque JSON documents; stores must not interpret them.
//
// Implementations must be safe for concurrent use: one store is typically
// shared by every run of an engine. Each Save must be durable once it
// returns (at-least-once); the engine does not rely on atomicity across the
// saves of different steps.
//
// Implementations:
//   - MemStore: in-memory, for tests and single-process use
//   - SQLiteStore: single-file database (modernc.org/sqlite)
//   - MySQLStore: MySQL/MariaDB (go-sql-driver/mysql)
//   - PostgresStore: PostgreSQL (pgx/v5)
//   - RedisStore: Redis hashes (go-redis/v9)
type StateStore interface {
	// Load returns the last saved blob for stepID in runID, or ErrNotFound.
	Load(ctx context.Context, runID, stepID string) (json.RawMessage, error)

	// Save stores blob as the state of stepID in runID, replacing any
	// previous value.
	Save(ctx context.Context, runID, stepID string, blob json.RawMessage) error

	// LoadRun returns every saved step blob of runID keyed by step ID, or
	// ErrNotFound when nothing was saved for the run.
	LoadRun(ctx context.Context, runID string) (map[string]json.RawMessage, error)
}

// StepRecord is one persisted step state.
type StepRecord struct {
	RunID  string          `json:"run_id"`
	StepID string          `json:"step_id"`
	State  json.RawMessage `json:"state"`

	// Version counts the saves of this step in this run, starting at 1.
	Version int `json:"version"`

	UpdatedAt time.Time `json:"updated_at"`
}

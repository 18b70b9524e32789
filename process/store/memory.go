package store

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory implementation of StateStore.
//
// Designed for:
//   - Testing and development
//   - Single-process runs where durability is not required
//
// MemStore is safe for concurrent use. Data is lost when the process exits;
// use MarshalJSON/UnmarshalJSON to dump and restore it.
type MemStore struct {
	mu   sync.RWMutex
	runs map[string]map[string]StepRecord // runID -> stepID -> record
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		runs: make(map[string]map[string]StepRecord),
	}
}

// Load returns the last saved blob of a step.
func (m *MemStore) Load(_ context.Context, runID, stepID string) (json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.runs[runID][stepID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneBlob(rec.State), nil
}

// Save stores a copy of blob. The caller may reuse blob afterwards.
func (m *MemStore) Save(_ context.Context, runID, stepID string, blob json.RawMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	steps, ok := m.runs[runID]
	if !ok {
		steps = make(map[string]StepRecord)
		m.runs[runID] = steps
	}
	prev := steps[stepID]
	steps[stepID] = StepRecord{
		RunID:     runID,
		StepID:    stepID,
		State:     cloneBlob(blob),
		Version:   prev.Version + 1,
		UpdatedAt: time.Now().UTC(),
	}
	return nil
}

// LoadRun returns every saved step blob of a run.
func (m *MemStore) LoadRun(_ context.Context, runID string) (map[string]json.RawMessage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	steps, ok := m.runs[runID]
	if !ok || len(steps) == 0 {
		return nil, ErrNotFound
	}
	out := make(map[string]json.RawMessage, len(steps))
	for id, rec := range steps {
		out[id] = cloneBlob(rec.State)
	}
	return out, nil
}

// Record returns the full record of a step, including its save count.
func (m *MemStore) Record(runID, stepID string) (StepRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.runs[runID][stepID]
	if ok {
		rec.State = cloneBlob(rec.State)
	}
	return rec, ok
}

// Runs returns the IDs of every run with saved state, sorted.
func (m *MemStore) Runs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.runs))
	for id := range m.runs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MarshalJSON serializes the store contents.
//
// Example:
//
//	data, err := st.MarshalJSON()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	os.WriteFile("state.json", data, 0o644)
func (m *MemStore) MarshalJSON() ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	records := make([]StepRecord, 0)
	for _, steps := range m.runs {
		for _, rec := range steps {
			records = append(records, rec)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		if records[i].RunID != records[j].RunID {
			return records[i].RunID < records[j].RunID
		}
		return records[i].StepID < records[j].StepID
	})
	return json.Marshal(struct {
		Records []StepRecord `json:"records"`
	}{Records: records})
}

// UnmarshalJSON replaces the store contents with data produced by
// MarshalJSON.
func (m *MemStore) UnmarshalJSON(data []byte) error {
	var s struct {
		Records []StepRecord `json:"records"`
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	runs := make(map[string]map[string]StepRecord)
	for _, rec := range s.Records {
		if runs[rec.RunID] == nil {
			runs[rec.RunID] = make(map[string]StepRecord)
		}
		runs[rec.RunID][rec.StepID] = rec
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = runs
	return nil
}

func cloneBlob(b json.RawMessage) json.RawMessage {
	if b == nil {
		return nil
	}
	c := make(json.RawMessage, len(b))
	copy(c, b)
	return c
}

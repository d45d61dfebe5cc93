package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/carebridge/patient-sync/internal/connector"
)

func init() {
	Register("memory", func(config map[string]any) (Sink, error) {
		return NewMemory(), nil
	})
}

// Memory stores synced data in process memory. It backs tests and dry runs;
// nothing survives the process.
type Memory struct {
	mu     sync.Mutex
	specs  map[string]connector.TableSpec
	tables map[string]map[string]connector.Record
	state  map[string]string

	upserts     int
	checkpoints []map[string]string
}

// NewMemory creates an in-memory sink.
func NewMemory() *Memory {
	return &Memory{
		specs:  make(map[string]connector.TableSpec),
		tables: make(map[string]map[string]connector.Record),
		state:  make(map[string]string),
	}
}

// Provision registers the declared table specs.
func (m *Memory) Provision(ctx context.Context, tables []connector.TableSpec) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, spec := range tables {
		m.specs[spec.Table] = spec
		if _, ok := m.tables[spec.Table]; !ok {
			m.tables[spec.Table] = make(map[string]connector.Record)
		}
	}
	return nil
}

// Upsert applies a record, replacing any existing row with the same primary
// key.
func (m *Memory) Upsert(ctx context.Context, table string, record connector.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	spec, ok := m.specs[table]
	if !ok {
		return fmt.Errorf("table %s not provisioned", table)
	}
	key, err := recordKey(spec, record)
	if err != nil {
		return err
	}

	stored := make(connector.Record, len(record))
	for k, v := range record {
		stored[k] = v
	}
	m.tables[table][key] = stored
	m.upserts++
	return nil
}

// Checkpoint records the given state as the latest resume position.
func (m *Memory) Checkpoint(ctx context.Context, state map[string]string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make(map[string]string, len(state))
	for k, v := range state {
		copied[k] = v
	}
	m.state = copied
	m.checkpoints = append(m.checkpoints, copied)
	return nil
}

// LatestState returns the last checkpointed state.
func (m *Memory) LatestState(ctx context.Context) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	copied := make(map[string]string, len(m.state))
	for k, v := range m.state {
		copied[k] = v
	}
	return copied, nil
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// --- Test accessors ---

// RowCount returns the number of distinct rows in a table.
func (m *Memory) RowCount(table string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.tables[table])
}

// Row returns the stored record for the given primary key rendering.
func (m *Memory) Row(table, key string) (connector.Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.tables[table][key]
	return rec, ok
}

// UpsertCount returns the total number of upsert operations applied,
// including replacements.
func (m *Memory) UpsertCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.upserts
}

// Checkpoints returns every checkpoint applied, in order.
func (m *Memory) Checkpoints() []map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]string, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out
}

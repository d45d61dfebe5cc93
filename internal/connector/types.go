package connector

import "context"

// Record represents a single data record as key-value pairs. Records are
// passed through verbatim from the source API; the connector never
// interprets fields beyond locating the primary key.
type Record = map[string]any

// TableSpec declares a destination table and its primary key columns.
// Column types are intentionally omitted: type inference is delegated to
// the destination store, so the declarator never needs to introspect the
// API's field set.
type TableSpec struct {
	Table      string
	PrimaryKey []string
}

// Emitter consumes the ordered operation stream produced by a sync pass.
// Implementations must apply upserts idempotently keyed on the declared
// primary key and persist the latest checkpoint atomically relative to the
// upserts that preceded it.
type Emitter interface {
	// Upsert applies one record to the named destination table.
	Upsert(ctx context.Context, table string, record Record) error

	// Checkpoint persists the given state as the resume position.
	Checkpoint(ctx context.Context, state map[string]string) error
}

// Package sink implements destination stores for the connector's operation
// stream. Sinks apply upserts idempotently keyed on the declared primary
// key and persist the latest checkpoint atomically relative to the upserts
// that preceded it.
package sink

import (
	"context"
	"fmt"

	"github.com/carebridge/patient-sync/internal/connector"
)

// Sink consumes upsert and checkpoint operations from a sync pass.
type Sink interface {
	connector.Emitter

	// Provision ensures the destination tables exist for the declared
	// specs. Must be called before the first Upsert.
	Provision(ctx context.Context, tables []connector.TableSpec) error

	// LatestState returns the last persisted checkpoint state, or an empty
	// map when no checkpoint has ever been persisted.
	LatestState(ctx context.Context) (map[string]string, error)

	// Close releases resources held by the sink.
	Close() error
}

// recordKey renders the primary key of a record as a single stable string.
// Key fields are joined in declared order; every declared field must be
// present and non-empty.
func recordKey(spec connector.TableSpec, rec connector.Record) (string, error) {
	key := ""
	for i, field := range spec.PrimaryKey {
		v, ok := rec[field]
		if !ok || v == nil {
			return "", fmt.Errorf("record missing primary key field %q for table %s", field, spec.Table)
		}
		part := fmt.Sprintf("%v", v)
		if part == "" {
			return "", fmt.Errorf("record has empty primary key field %q for table %s", field, spec.Table)
		}
		if i > 0 {
			key += "\x1f"
		}
		key += part
	}
	return key, nil
}

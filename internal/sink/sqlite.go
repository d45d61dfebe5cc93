package sink

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite" // CGO-free SQLite driver

	"github.com/carebridge/patient-sync/internal/connector"
)

func init() {
	Register("sqlite", func(config map[string]any) (Sink, error) {
		path := getString(config, "path", "")
		if path == "" {
			return nil, fmt.Errorf("sqlite sink requires %q", "path")
		}
		return NewSQLite(path)
	})
}

// SQLite is a local warehouse sink backed by a SQLite file. Records are
// stored as a JSON payload alongside extracted primary key columns, since
// the schema declaration carries no column types.
//
// Upserts accumulate in a transaction that is committed at each checkpoint, so
// a persisted checkpoint is never visible without the upserts that preceded
// it.
type SQLite struct {
	db    *sql.DB
	tx    *sql.Tx
	specs map[string]connector.TableSpec
	stmts map[string]string // table -> upsert statement
}

// NewSQLite opens (or creates) the SQLite warehouse at path.
func NewSQLite(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection keeps the buffered transaction coherent and makes
	// :memory: databases usable.
	db.SetMaxOpenConns(1)

	return &SQLite{
		db:    db,
		specs: make(map[string]connector.TableSpec),
		stmts: make(map[string]string),
	}, nil
}

// Provision creates destination tables and the state table.
func (s *SQLite) Provision(ctx context.Context, tables []connector.TableSpec) error {
	const stateDDL = `CREATE TABLE IF NOT EXISTS _sync_state (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		state TEXT NOT NULL,
		updated_at TEXT NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, stateDDL); err != nil {
		return fmt.Errorf("provision state table: %w", err)
	}

	for _, spec := range tables {
		cols := make([]string, 0, len(spec.PrimaryKey)+2)
		for _, pk := range spec.PrimaryKey {
			cols = append(cols, fmt.Sprintf("%q TEXT NOT NULL", pk))
		}
		cols = append(cols, "payload TEXT NOT NULL", "synced_at TEXT NOT NULL")

		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %q (%s, PRIMARY KEY (%s))",
			spec.Table, strings.Join(cols, ", "), quoteJoin(spec.PrimaryKey))
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("provision table %s: %w", spec.Table, err)
		}

		s.specs[spec.Table] = spec
		s.stmts[spec.Table] = upsertSQL(spec, "?")
	}
	return nil
}

// Upsert writes a record inside the current checkpoint transaction,
// replacing any row with the same primary key.
func (s *SQLite) Upsert(ctx context.Context, table string, record connector.Record) error {
	spec, ok := s.specs[table]
	if !ok {
		return fmt.Errorf("table %s not provisioned", table)
	}
	args, err := upsertArgs(spec, record)
	if err != nil {
		return err
	}

	tx, err := s.ensureTx(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, s.stmts[table], args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}

// Checkpoint persists the state and commits every upsert since the previous
// checkpoint in the same transaction.
func (s *SQLite) Checkpoint(ctx context.Context, state map[string]string) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := s.ensureTx(ctx)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO _sync_state (id, state, updated_at) VALUES (1, ?, ?)
		ON CONFLICT (id) DO UPDATE SET state = excluded.state, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, stmt, string(encoded), time.Now().UTC().Format(time.RFC3339)); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	s.tx = nil
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// LatestState reads the last committed checkpoint state.
func (s *SQLite) LatestState(ctx context.Context) (map[string]string, error) {
	var encoded string
	err := s.db.QueryRowContext(ctx, "SELECT state FROM _sync_state WHERE id = 1").Scan(&encoded)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		// A missing state table also means no checkpoint has been persisted.
		if strings.Contains(err.Error(), "no such table") {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	state := map[string]string{}
	if err := json.Unmarshal([]byte(encoded), &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// Close commits any upserts emitted after the last checkpoint (replays are
// idempotent, so persisting them early is safe) and closes the database.
func (s *SQLite) Close() error {
	if s.tx != nil {
		tx := s.tx
		s.tx = nil
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit on close: %w", err)
		}
	}
	return s.db.Close()
}

func (s *SQLite) ensureTx(ctx context.Context) (*sql.Tx, error) {
	if s.tx != nil {
		return s.tx, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	s.tx = tx
	return tx, nil
}

// upsertSQL builds the idempotent insert for a declared table spec using
// the given parameter placeholder style.
func upsertSQL(spec connector.TableSpec, placeholder string) string {
	cols := make([]string, 0, len(spec.PrimaryKey)+2)
	params := make([]string, 0, len(spec.PrimaryKey)+2)
	for i, pk := range spec.PrimaryKey {
		cols = append(cols, fmt.Sprintf("%q", pk))
		params = append(params, param(placeholder, i+1))
	}
	cols = append(cols, "payload", "synced_at")
	params = append(params, param(placeholder, len(spec.PrimaryKey)+1), param(placeholder, len(spec.PrimaryKey)+2))

	return fmt.Sprintf(
		"INSERT INTO %q (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET payload = excluded.payload, synced_at = excluded.synced_at",
		spec.Table, strings.Join(cols, ", "), strings.Join(params, ", "), quoteJoin(spec.PrimaryKey))
}

// upsertArgs renders the argument list matching upsertSQL column order.
func upsertArgs(spec connector.TableSpec, record connector.Record) ([]any, error) {
	args := make([]any, 0, len(spec.PrimaryKey)+2)
	for _, pk := range spec.PrimaryKey {
		v, ok := record[pk]
		if !ok || v == nil {
			return nil, fmt.Errorf("record missing primary key field %q for table %s", pk, spec.Table)
		}
		args = append(args, fmt.Sprintf("%v", v))
	}
	payload, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("encode record: %w", err)
	}
	args = append(args, string(payload), time.Now().UTC().Format(time.RFC3339))
	return args, nil
}

func param(style string, n int) string {
	if style == "?" {
		return "?"
	}
	return fmt.Sprintf("$%d", n)
}

func quoteJoin(idents []string) string {
	quoted := make([]string, len(idents))
	for i, id := range idents {
		quoted[i] = fmt.Sprintf("%q", id)
	}
	return strings.Join(quoted, ", ")
}

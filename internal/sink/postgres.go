package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/carebridge/patient-sync/internal/connector"
)

func init() {
	Register("postgres", func(config map[string]any) (Sink, error) {
		dsn := getString(config, "dsn", "")
		if dsn == "" {
			return nil, fmt.Errorf("postgres sink requires %q", "dsn")
		}
		return NewPostgres(context.Background(), dsn)
	})
}

// Postgres is a warehouse sink backed by PostgreSQL. Layout matches the
// SQLite sink: JSONB payload plus extracted primary key columns, with the
// latest checkpoint committed in the same transaction as the upserts that
// preceded it.
type Postgres struct {
	pool  *pgxpool.Pool
	tx    pgx.Tx
	specs map[string]connector.TableSpec
	stmts map[string]string
}

// NewPostgres connects to the warehouse at dsn.
func NewPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{
		pool:  pool,
		specs: make(map[string]connector.TableSpec),
		stmts: make(map[string]string),
	}, nil
}

// Provision creates destination tables and the state table.
func (p *Postgres) Provision(ctx context.Context, tables []connector.TableSpec) error {
	const stateDDL = `CREATE TABLE IF NOT EXISTS _sync_state (
		id INT PRIMARY KEY CHECK (id = 1),
		state JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`
	if _, err := p.pool.Exec(ctx, stateDDL); err != nil {
		return fmt.Errorf("provision state table: %w", err)
	}

	for _, spec := range tables {
		cols := make([]string, 0, len(spec.PrimaryKey)+2)
		for _, pk := range spec.PrimaryKey {
			cols = append(cols, fmt.Sprintf("%s TEXT NOT NULL", pgx.Identifier{pk}.Sanitize()))
		}
		cols = append(cols, "payload JSONB NOT NULL", "synced_at TIMESTAMPTZ NOT NULL")

		ddl := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s, PRIMARY KEY (%s))",
			pgx.Identifier{spec.Table}.Sanitize(), strings.Join(cols, ", "), sanitizeJoin(spec.PrimaryKey))
		if _, err := p.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("provision table %s: %w", spec.Table, err)
		}

		p.specs[spec.Table] = spec
		p.stmts[spec.Table] = postgresUpsertSQL(spec)
	}
	return nil
}

// Upsert writes a record inside the current checkpoint transaction.
func (p *Postgres) Upsert(ctx context.Context, table string, record connector.Record) error {
	spec, ok := p.specs[table]
	if !ok {
		return fmt.Errorf("table %s not provisioned", table)
	}
	args, err := upsertArgs(spec, record)
	if err != nil {
		return err
	}

	tx, err := p.ensureTx(ctx)
	if err != nil {
		return err
	}
	if _, err := tx.Exec(ctx, p.stmts[table], args...); err != nil {
		return fmt.Errorf("upsert into %s: %w", table, err)
	}
	return nil
}

// Checkpoint persists the state and commits the pending upserts atomically.
func (p *Postgres) Checkpoint(ctx context.Context, state map[string]string) error {
	encoded, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}

	tx, err := p.ensureTx(ctx)
	if err != nil {
		return err
	}
	const stmt = `INSERT INTO _sync_state (id, state, updated_at) VALUES (1, $1, $2)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at`
	if _, err := tx.Exec(ctx, stmt, string(encoded), time.Now().UTC()); err != nil {
		return fmt.Errorf("persist state: %w", err)
	}

	p.tx = nil
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit checkpoint: %w", err)
	}
	return nil
}

// LatestState reads the last committed checkpoint state.
func (p *Postgres) LatestState(ctx context.Context) (map[string]string, error) {
	var encoded []byte
	err := p.pool.QueryRow(ctx, "SELECT state FROM _sync_state WHERE id = 1").Scan(&encoded)
	if errors.Is(err, pgx.ErrNoRows) {
		return map[string]string{}, nil
	}
	if err != nil {
		if strings.Contains(err.Error(), "does not exist") {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}

	state := map[string]string{}
	if err := json.Unmarshal(encoded, &state); err != nil {
		return nil, fmt.Errorf("decode state: %w", err)
	}
	return state, nil
}

// Close commits any upserts emitted after the last checkpoint and releases
// the pool.
func (p *Postgres) Close() error {
	if p.tx != nil {
		tx := p.tx
		p.tx = nil
		if err := tx.Commit(context.Background()); err != nil {
			p.pool.Close()
			return fmt.Errorf("commit on close: %w", err)
		}
	}
	p.pool.Close()
	return nil
}

func (p *Postgres) ensureTx(ctx context.Context) (pgx.Tx, error) {
	if p.tx != nil {
		return p.tx, nil
	}
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	p.tx = tx
	return tx, nil
}

func postgresUpsertSQL(spec connector.TableSpec) string {
	cols := make([]string, 0, len(spec.PrimaryKey)+2)
	params := make([]string, 0, len(spec.PrimaryKey)+2)
	for i, pk := range spec.PrimaryKey {
		cols = append(cols, pgx.Identifier{pk}.Sanitize())
		params = append(params, fmt.Sprintf("$%d", i+1))
	}
	cols = append(cols, "payload", "synced_at")
	params = append(params, fmt.Sprintf("$%d", len(spec.PrimaryKey)+1), fmt.Sprintf("$%d", len(spec.PrimaryKey)+2))

	return fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO UPDATE SET payload = EXCLUDED.payload, synced_at = EXCLUDED.synced_at",
		pgx.Identifier{spec.Table}.Sanitize(), strings.Join(cols, ", "), strings.Join(params, ", "), sanitizeJoin(spec.PrimaryKey))
}

func sanitizeJoin(idents []string) string {
	sanitized := make([]string, len(idents))
	for i, id := range idents {
		sanitized[i] = pgx.Identifier{id}.Sanitize()
	}
	return strings.Join(sanitized, ", ")
}

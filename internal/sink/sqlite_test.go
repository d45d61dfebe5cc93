package sink

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/carebridge/patient-sync/internal/connector"
)

func newTestSQLite(t *testing.T) (*SQLite, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "warehouse.db")
	s, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := s.Provision(context.Background(), []connector.TableSpec{patientSpec}); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	return s, path
}

func countRows(t *testing.T, s *SQLite, table string) int {
	t.Helper()
	var n int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM "` + table + `"`).Scan(&n); err != nil {
		t.Fatalf("count rows: %v", err)
	}
	return n
}

func TestSQLite_UpsertIdempotent(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t)
	defer s.Close()

	if err := s.Upsert(ctx, "patients", connector.Record{"patient_id": "p-1", "name": "Ada"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := s.Upsert(ctx, "patients", connector.Record{"patient_id": "p-1", "name": "Ada Lovelace"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := s.Checkpoint(ctx, map[string]string{"next_cursor": "c1"}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	if got := countRows(t, s, "patients"); got != 1 {
		t.Errorf("expected 1 row after replaying the same key, got %d", got)
	}

	var payload string
	if err := s.db.QueryRow(`SELECT payload FROM "patients" WHERE "patient_id" = ?`, "p-1").Scan(&payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(payload), &rec); err != nil {
		t.Fatalf("decode payload: %v", err)
	}
	if rec["name"] != "Ada Lovelace" {
		t.Errorf("expected latest record to win, got %v", rec["name"])
	}
}

func TestSQLite_StateRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestSQLite(t)
	defer s.Close()

	state, err := s.LatestState(ctx)
	if err != nil {
		t.Fatalf("LatestState failed: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("expected empty initial state, got %v", state)
	}

	if err := s.Checkpoint(ctx, map[string]string{"next_cursor": "c9"}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	state, err = s.LatestState(ctx)
	if err != nil {
		t.Fatalf("LatestState failed: %v", err)
	}
	if state["next_cursor"] != "c9" {
		t.Errorf("expected cursor c9, got %v", state)
	}
}

// The state table might not exist yet when a fresh database is asked for a
// resume position.
func TestSQLite_LatestStateFreshDatabase(t *testing.T) {
	s, err := NewSQLite(filepath.Join(t.TempDir(), "fresh.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer s.Close()

	state, err := s.LatestState(context.Background())
	if err != nil {
		t.Fatalf("LatestState failed: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("expected empty state, got %v", state)
	}
}

// Upserts and the checkpoint that follows them land in one transaction, so
// closing and reopening the database after a checkpoint sees both.
func TestSQLite_CheckpointCommitsBatch(t *testing.T) {
	ctx := context.Background()
	s, path := newTestSQLite(t)

	for i, name := range []string{"Ada", "Grace", "Edsger"} {
		rec := connector.Record{"patient_id": string(rune('a' + i)), "name": name}
		if err := s.Upsert(ctx, "patients", rec); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
	if err := s.Checkpoint(ctx, map[string]string{"next_cursor": "c3"}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if got := countRows(t, reopened, "patients"); got != 3 {
		t.Errorf("expected 3 rows after reopen, got %d", got)
	}
	state, err := reopened.LatestState(ctx)
	if err != nil {
		t.Fatalf("LatestState failed: %v", err)
	}
	if state["next_cursor"] != "c3" {
		t.Errorf("expected cursor c3 after reopen, got %v", state)
	}
}

// Close commits upserts emitted after the last checkpoint rather than
// discarding them; replays are idempotent so early persistence is safe.
func TestSQLite_CloseCommitsPending(t *testing.T) {
	ctx := context.Background()
	s, path := newTestSQLite(t)

	if err := s.Upsert(ctx, "patients", connector.Record{"patient_id": "p-1", "name": "Ada"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close failed: %v", err)
	}

	reopened, err := NewSQLite(path)
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if got := countRows(t, reopened, "patients"); got != 1 {
		t.Errorf("expected pending upsert committed on close, got %d rows", got)
	}
}

func TestSQLite_UpsertMissingKey(t *testing.T) {
	s, _ := newTestSQLite(t)
	defer s.Close()

	err := s.Upsert(context.Background(), "patients", connector.Record{"name": "no id"})
	if err == nil {
		t.Error("expected error for missing primary key field")
	}
	if err := s.Upsert(context.Background(), "visits", connector.Record{"visit_id": 1}); err == nil {
		t.Error("expected error for unprovisioned table")
	}
}

func TestUpsertSQL_Placeholders(t *testing.T) {
	spec := connector.TableSpec{Table: "visits", PrimaryKey: []string{"patient_id", "visit_id"}}

	sqliteStmt := upsertSQL(spec, "?")
	want := `INSERT INTO "visits" ("patient_id", "visit_id", payload, synced_at) VALUES (?, ?, ?, ?) ON CONFLICT ("patient_id", "visit_id") DO UPDATE SET payload = excluded.payload, synced_at = excluded.synced_at`
	if sqliteStmt != want {
		t.Errorf("unexpected sqlite statement:\n got %s\nwant %s", sqliteStmt, want)
	}

	pgStmt := upsertSQL(spec, "$")
	wantPG := `INSERT INTO "visits" ("patient_id", "visit_id", payload, synced_at) VALUES ($1, $2, $3, $4) ON CONFLICT ("patient_id", "visit_id") DO UPDATE SET payload = excluded.payload, synced_at = excluded.synced_at`
	if pgStmt != wantPG {
		t.Errorf("unexpected postgres statement:\n got %s\nwant %s", pgStmt, wantPG)
	}
}

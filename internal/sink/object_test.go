package sink

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carebridge/patient-sync/internal/connector"
)

// fakeS3 is a minimal in-memory S3 endpoint: enough of the API for bucket
// checks, object puts, and object gets. TLS keeps the client on plain
// request bodies instead of streaming signatures.
type fakeS3 struct {
	bucket string

	mu      sync.Mutex
	objects map[string][]byte
	puts    map[string]int
}

func newFakeS3(t *testing.T, bucket string) (*fakeS3, *ObjectConfig) {
	t.Helper()
	f := &fakeS3{
		bucket:  bucket,
		objects: make(map[string][]byte),
		puts:    make(map[string]int),
	}
	server := httptest.NewTLSServer(f)
	t.Cleanup(server.Close)

	return f, &ObjectConfig{
		EndpointURL:     server.URL,
		AccessKeyID:     "test-access",
		SecretAccessKey: "test-secret",
		Bucket:          bucket,
		BasePrefix:      "patient-sync",
		Transport:       server.Client().Transport,
	}
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/"+f.bucket+"/")

	switch r.Method {
	case http.MethodHead:
		w.WriteHeader(http.StatusOK)
	case http.MethodPut:
		body, err := io.ReadAll(r.Body)
		if err != nil {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.mu.Lock()
		f.objects[key] = body
		f.puts[key]++
		f.mu.Unlock()
		w.Header().Set("ETag", `"fake-etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if r.URL.Query().Has("location") {
			w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><LocationConstraint>us-east-1</LocationConstraint>`))
			return
		}
		f.mu.Lock()
		body, ok := f.objects[key]
		f.mu.Unlock()
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		// Real S3 always sends Last-Modified; the minio client rejects a GET
		// response without it.
		w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
		w.Write(body)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// batchKeys returns the stored batch object keys for a table, in map order.
func (f *fakeS3) batchKeys(table string) []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for k := range f.objects {
		if strings.HasPrefix(k, "patient-sync/"+table+"/") {
			keys = append(keys, k)
		}
	}
	return keys
}

// storedIDs decodes every batch object for a table and collects the distinct
// patient ids across all of them.
func (f *fakeS3) storedIDs(t *testing.T, table string) map[string]bool {
	t.Helper()
	ids := make(map[string]bool)
	for _, key := range f.batchKeys(table) {
		f.mu.Lock()
		body := f.objects[key]
		f.mu.Unlock()

		gz, err := gzip.NewReader(bytes.NewReader(body))
		if err != nil {
			t.Fatalf("gzip reader for %s: %v", key, err)
		}
		scanner := bufio.NewScanner(gz)
		for scanner.Scan() {
			var rec map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
				t.Fatalf("decode line in %s: %v", key, err)
			}
			ids[rec["patient_id"].(string)] = true
		}
		if err := scanner.Err(); err != nil {
			t.Fatalf("scan %s: %v", key, err)
		}
		gz.Close()
	}
	return ids
}

func objPatients(offset, n int) []connector.Record {
	records := make([]connector.Record, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, connector.Record{
			"patient_id": fmt.Sprintf("p-%04d", offset+i),
			"name":       fmt.Sprintf("Patient %d", offset+i),
		})
	}
	return records
}

func upsertAll(t *testing.T, o *Object, records []connector.Record) {
	t.Helper()
	for _, rec := range records {
		if err := o.Upsert(context.Background(), "patients", rec); err != nil {
			t.Fatalf("upsert failed: %v", err)
		}
	}
}

// A pass with three batches where the second and third checkpoints carry the
// same cursor (the terminal checkpoint retains the last known cursor). Every
// batch must land on its own key: nothing synced may be lost to an
// overwrite within the pass.
func TestObject_MultiBatchPass(t *testing.T) {
	ctx := context.Background()
	fake, cfg := newFakeS3(t, "lake")

	o, err := NewObject(cfg)
	if err != nil {
		t.Fatalf("create object sink: %v", err)
	}
	if err := o.Provision(ctx, []connector.TableSpec{patientSpec}); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	upsertAll(t, o, objPatients(0, 100))
	if err := o.Checkpoint(ctx, map[string]string{"next_cursor": "c1"}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	upsertAll(t, o, objPatients(100, 100))
	if err := o.Checkpoint(ctx, map[string]string{"next_cursor": "c2"}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	upsertAll(t, o, objPatients(200, 50))
	if err := o.Checkpoint(ctx, map[string]string{"next_cursor": "c2"}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	keys := fake.batchKeys("patients")
	if len(keys) != 3 {
		t.Fatalf("expected 3 batch objects, got %d: %v", len(keys), keys)
	}
	for _, key := range keys {
		if got := fake.puts[key]; got != 1 {
			t.Errorf("batch object %s written %d times within one pass", key, got)
		}
	}
	if ids := fake.storedIDs(t, "patients"); len(ids) != 250 {
		t.Errorf("expected all 250 synced records retrievable, got %d", len(ids))
	}

	state, err := o.LatestState(ctx)
	if err != nil {
		t.Fatalf("LatestState failed: %v", err)
	}
	if state["next_cursor"] != "c2" {
		t.Errorf("expected state cursor c2, got %v", state)
	}
}

// A new pass resumed from the persisted state replays the final batch onto
// its original key instead of growing the store.
func TestObject_ReplayOverwritesSameKey(t *testing.T) {
	ctx := context.Background()
	fake, cfg := newFakeS3(t, "lake")

	first, err := NewObject(cfg)
	if err != nil {
		t.Fatalf("create object sink: %v", err)
	}
	if err := first.Provision(ctx, []connector.TableSpec{patientSpec}); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	upsertAll(t, first, objPatients(0, 100))
	if err := first.Checkpoint(ctx, map[string]string{"next_cursor": "c1"}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}
	upsertAll(t, first, objPatients(100, 50))
	if err := first.Checkpoint(ctx, map[string]string{"next_cursor": "c1"}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	// Resume: a fresh sink reads the state, re-fetches the page at c1, and
	// checkpoints c1 again.
	second, err := NewObject(cfg)
	if err != nil {
		t.Fatalf("create object sink: %v", err)
	}
	if err := second.Provision(ctx, []connector.TableSpec{patientSpec}); err != nil {
		t.Fatalf("provision failed: %v", err)
	}
	state, err := second.LatestState(ctx)
	if err != nil {
		t.Fatalf("LatestState failed: %v", err)
	}
	if state["next_cursor"] != "c1" {
		t.Fatalf("expected resume cursor c1, got %v", state)
	}
	upsertAll(t, second, objPatients(100, 50))
	if err := second.Checkpoint(ctx, map[string]string{"next_cursor": "c1"}); err != nil {
		t.Fatalf("checkpoint failed: %v", err)
	}

	if keys := fake.batchKeys("patients"); len(keys) != 2 {
		t.Errorf("replay must overwrite, not add: expected 2 batch objects, got %d: %v", len(keys), keys)
	}
	replayed := "patient-sync/patients/batch=c1/part-000000.jsonl.gz"
	if got := fake.puts[replayed]; got != 2 {
		t.Errorf("expected replayed batch written twice to %s, got %d", replayed, got)
	}
	if ids := fake.storedIDs(t, "patients"); len(ids) != 150 {
		t.Errorf("expected 150 distinct records, got %d", len(ids))
	}
}

// A checkpoint cadence finer than the page size produces several batches
// that start at the same cursor position; the part sequence keeps them
// apart.
func TestObject_FineCheckpointCadence(t *testing.T) {
	ctx := context.Background()
	fake, cfg := newFakeS3(t, "lake")

	o, err := NewObject(cfg)
	if err != nil {
		t.Fatalf("create object sink: %v", err)
	}
	if err := o.Provision(ctx, []connector.TableSpec{patientSpec}); err != nil {
		t.Fatalf("provision failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		upsertAll(t, o, objPatients(i, 1))
		if err := o.Checkpoint(ctx, map[string]string{"next_cursor": "c1"}); err != nil {
			t.Fatalf("checkpoint failed: %v", err)
		}
	}

	if keys := fake.batchKeys("patients"); len(keys) != 3 {
		t.Errorf("expected 3 batch objects, got %d: %v", len(keys), keys)
	}
	if ids := fake.storedIDs(t, "patients"); len(ids) != 3 {
		t.Errorf("expected 3 distinct records, got %d", len(ids))
	}
}

func TestObject_LatestStateEmptyStore(t *testing.T) {
	_, cfg := newFakeS3(t, "lake")

	o, err := NewObject(cfg)
	if err != nil {
		t.Fatalf("create object sink: %v", err)
	}
	state, err := o.LatestState(context.Background())
	if err != nil {
		t.Fatalf("LatestState failed: %v", err)
	}
	if len(state) != 0 {
		t.Errorf("expected empty state, got %v", state)
	}
}

func TestBatchLabel(t *testing.T) {
	if got := batchLabel(""); got != "start" {
		t.Errorf("expected start for the first batch, got %q", got)
	}
	if got := batchLabel("c1"); got != "c1" {
		t.Errorf("expected c1, got %q", got)
	}
	// Cursors are opaque strings and may contain key-hostile characters.
	if got := batchLabel("a/b?c"); got != "a%2Fb%3Fc" {
		t.Errorf("expected escaped label, got %q", got)
	}
}

func TestObjectKey(t *testing.T) {
	o := &Object{cfg: &ObjectConfig{BasePrefix: "patient-sync"}}
	if got := o.objectKey("patients", "batch=c1", "part-000000.jsonl.gz"); got != "patient-sync/patients/batch=c1/part-000000.jsonl.gz" {
		t.Errorf("unexpected object key %q", got)
	}

	o = &Object{cfg: &ObjectConfig{BasePrefix: "/prefix/"}}
	if got := o.objectKey("/patients/"); got != "prefix/patients" {
		t.Errorf("expected trimmed segments, got %q", got)
	}
}

func TestEncodeJSONLGZ(t *testing.T) {
	rows := map[string]connector.Record{
		"p-2": {"patient_id": "p-2", "name": "Grace"},
		"p-1": {"patient_id": "p-1", "name": "Ada"},
	}

	encoded, err := encodeJSONLGZ(rows)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	gz, err := gzip.NewReader(bytes.NewReader(encoded))
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	defer gz.Close()

	var ids []string
	scanner := bufio.NewScanner(gz)
	for scanner.Scan() {
		var rec map[string]any
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			t.Fatalf("decode line: %v", err)
		}
		ids = append(ids, rec["patient_id"].(string))
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}

	// Deterministic key order keeps replayed batch objects byte-identical.
	if len(ids) != 2 || ids[0] != "p-1" || ids[1] != "p-2" {
		t.Errorf("expected ordered lines [p-1 p-2], got %v", ids)
	}
}

func TestPostgresUpsertSQL(t *testing.T) {
	spec := connector.TableSpec{Table: "patients", PrimaryKey: []string{"patient_id"}}
	got := postgresUpsertSQL(spec)
	want := `INSERT INTO "patients" ("patient_id", payload, synced_at) VALUES ($1, $2, $3) ON CONFLICT ("patient_id") DO UPDATE SET payload = EXCLUDED.payload, synced_at = EXCLUDED.synced_at`
	if got != want {
		t.Errorf("unexpected statement:\n got %s\nwant %s", got, want)
	}
}

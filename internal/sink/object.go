package sink

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/carebridge/patient-sync/internal/connector"
)

func init() {
	Register("object", func(config map[string]any) (Sink, error) {
		cfg := &ObjectConfig{
			EndpointURL:     getString(config, "endpointUrl", getString(config, "endpoint_url", "")),
			AccessKeyID:     getString(config, "accessKeyId", getString(config, "access_key_id", "")),
			SecretAccessKey: getString(config, "secretAccessKey", getString(config, "secret_access_key", "")),
			Bucket:          getString(config, "bucket", ""),
			BasePrefix:      getString(config, "basePrefix", getString(config, "base_prefix", "patient-sync")),
			UseSSL:          getBool(config, "useSSL", false),
		}
		return NewObject(cfg)
	})
}

// ObjectConfig configures the object-store sink.
type ObjectConfig struct {
	EndpointURL     string
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	BasePrefix      string
	UseSSL          bool

	// Transport allows injecting a custom HTTP transport (for tests/stubs).
	Transport http.RoundTripper
}

// Object is a data-lake sink writing gzip JSONL batches to an S3-compatible
// store. Buffered records are flushed at each checkpoint under a key built
// from the position the batch started at (the cursor a resume would replay
// it from) plus a per-position sequence, so distinct batches within one
// pass never collide while a replay of the same batch from the same resume
// point overwrites the same key. Idempotency is therefore batch-granular
// rather than row-granular.
type Object struct {
	client *minio.Client
	cfg    *ObjectConfig
	specs  map[string]connector.TableSpec

	// records buffered since the last checkpoint, deduped by primary key
	// within the batch.
	buffer map[string]map[string]connector.Record

	// position is the cursor in effect when the current batch began: the
	// last checkpointed cursor, seeded from the state object on resume.
	position string

	// parts counts flushed batches per position label within this pass.
	parts map[string]int
}

// NewObject creates an object-store sink from config.
func NewObject(cfg *ObjectConfig) (*Object, error) {
	if cfg == nil || cfg.EndpointURL == "" {
		return nil, fmt.Errorf("object sink requires an endpoint URL")
	}
	if cfg.AccessKeyID == "" || cfg.SecretAccessKey == "" {
		return nil, fmt.Errorf("object sink requires credentials")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("object sink requires a bucket")
	}

	u, err := url.Parse(cfg.EndpointURL)
	if err != nil {
		return nil, fmt.Errorf("invalid endpoint URL: %w", err)
	}
	endpoint := u.Host
	if endpoint == "" {
		endpoint = cfg.EndpointURL
	}
	useSSL := cfg.UseSSL
	if u.Scheme == "https" {
		useSSL = true
	}

	client, err := minio.New(endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		Secure:    useSSL,
		Transport: cfg.Transport,
	})
	if err != nil {
		return nil, fmt.Errorf("create object client: %w", err)
	}

	return &Object{
		client: client,
		cfg:    cfg,
		specs:  make(map[string]connector.TableSpec),
		buffer: make(map[string]map[string]connector.Record),
		parts:  make(map[string]int),
	}, nil
}

// Provision verifies the bucket exists and registers the table specs.
func (o *Object) Provision(ctx context.Context, tables []connector.TableSpec) error {
	exists, err := o.client.BucketExists(ctx, o.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		return fmt.Errorf("bucket %s not found", o.cfg.Bucket)
	}

	for _, spec := range tables {
		o.specs[spec.Table] = spec
	}
	return nil
}

// Upsert buffers a record until the next checkpoint flush.
func (o *Object) Upsert(ctx context.Context, table string, record connector.Record) error {
	spec, ok := o.specs[table]
	if !ok {
		return fmt.Errorf("table %s not provisioned", table)
	}
	key, err := recordKey(spec, record)
	if err != nil {
		return err
	}

	if _, ok := o.buffer[table]; !ok {
		o.buffer[table] = make(map[string]connector.Record)
	}
	o.buffer[table][key] = record
	return nil
}

// Checkpoint flushes buffered records as one object per table, then writes
// the state object. The batch key embeds the position the batch started at,
// not the checkpointed cursor: several checkpoints in one pass can carry
// the same cursor (a retained terminal cursor, or a cadence finer than the
// page size), and keying by start position plus a per-position part number
// keeps those batches on distinct keys. A replay from the same resume point
// regenerates the same labels and part numbers and overwrites in place.
func (o *Object) Checkpoint(ctx context.Context, state map[string]string) error {
	batch := batchLabel(o.position)
	part := o.parts[batch]

	flushed := false
	for table, rows := range o.buffer {
		if len(rows) == 0 {
			continue
		}
		body, err := encodeJSONLGZ(rows)
		if err != nil {
			return fmt.Errorf("encode batch for %s: %w", table, err)
		}

		key := o.objectKey(table, fmt.Sprintf("batch=%s", batch), fmt.Sprintf("part-%06d.jsonl.gz", part))
		if _, err := o.client.PutObject(ctx, o.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)),
			minio.PutObjectOptions{ContentType: "application/gzip"}); err != nil {
			return fmt.Errorf("put batch object: %w", err)
		}
		delete(o.buffer, table)
		flushed = true
	}
	if flushed {
		o.parts[batch] = part + 1
	}
	o.position = state[connector.StateKeyCursor]

	encoded, err := json.Marshal(map[string]any{
		"state":      state,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	key := o.objectKey("_state", "state.json")
	if _, err := o.client.PutObject(ctx, o.cfg.Bucket, key, bytes.NewReader(encoded), int64(len(encoded)),
		minio.PutObjectOptions{ContentType: "application/json"}); err != nil {
		return fmt.Errorf("put state object: %w", err)
	}
	return nil
}

// LatestState reads the state object, or returns an empty map when the sink
// has never checkpointed.
func (o *Object) LatestState(ctx context.Context) (map[string]string, error) {
	key := o.objectKey("_state", "state.json")
	obj, err := o.client.GetObject(ctx, o.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get state object: %w", err)
	}
	defer obj.Close()

	var stored struct {
		State map[string]string `json:"state"`
	}
	if err := json.NewDecoder(obj).Decode(&stored); err != nil {
		var respErr minio.ErrorResponse
		if errors.As(err, &respErr) && respErr.Code == "NoSuchKey" {
			return map[string]string{}, nil
		}
		return nil, fmt.Errorf("decode state object: %w", err)
	}
	if stored.State == nil {
		return map[string]string{}, nil
	}
	// A pass resumed from this state starts its first batch here; seeding
	// the position makes a replayed batch land on its original key.
	o.position = stored.State[connector.StateKeyCursor]
	return stored.State, nil
}

// Close discards any records buffered after the last checkpoint; the next
// pass re-fetches them from the last checkpointed cursor.
func (o *Object) Close() error {
	o.buffer = make(map[string]map[string]connector.Record)
	return nil
}

func (o *Object) objectKey(parts ...string) string {
	all := append([]string{o.cfg.BasePrefix}, parts...)
	cleaned := make([]string, 0, len(all))
	for _, p := range all {
		if p = strings.Trim(p, "/"); p != "" {
			cleaned = append(cleaned, p)
		}
	}
	return strings.Join(cleaned, "/")
}

// batchLabel renders a cursor as an object-key-safe label.
func batchLabel(cursor string) string {
	if cursor == "" {
		return "start"
	}
	return url.PathEscape(cursor)
}

// encodeJSONLGZ renders records as gzip-compressed JSON lines, ordered by
// key for deterministic output.
func encodeJSONLGZ(rows map[string]connector.Record) ([]byte, error) {
	keys := make([]string, 0, len(rows))
	for k := range rows {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	buf := &bytes.Buffer{}
	gz := gzip.NewWriter(buf)
	enc := json.NewEncoder(gz)
	for _, k := range keys {
		if err := enc.Encode(rows[k]); err != nil {
			gz.Close()
			return nil, err
		}
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

package connector

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/carebridge/patient-sync/internal/connector/ehr"
)

// TablePatients is the destination table for the patients entity.
const TablePatients = "patients"

// patientTables lists the declared destination tables, one per known source
// entity.
var patientTables = []TableSpec{
	{Table: TablePatients, PrimaryKey: []string{"patient_id"}},
}

// Connector syncs CareBridge patient records into a destination store. It
// holds no per-pass state; every invocation is evaluated fresh from the
// supplied configuration and state.
type Connector struct {
	policy CheckpointPolicy
	log    *logrus.Entry
}

// Option customizes a Connector.
type Option func(*Connector)

// WithCheckpointPolicy overrides the checkpoint cadence.
func WithCheckpointPolicy(p CheckpointPolicy) Option {
	return func(c *Connector) {
		c.policy = p
	}
}

// New creates a connector with the default checkpoint policy.
func New(opts ...Option) *Connector {
	c := &Connector{
		policy: DefaultCheckpointPolicy(),
		log:    logrus.WithField("connector", "carebridge.patients"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DeclareSchema returns the destination tables and their primary keys. An
// invalid configuration (missing credential) is logged at error level and
// yields an empty list: the orchestrator reads that as "no schema
// available" and halts downstream work rather than crashing.
func (c *Connector) DeclareSchema(cfg map[string]string) []TableSpec {
	if _, err := ParseConfig(cfg); err != nil {
		c.log.WithError(err).Error("schema declaration refused: configuration invalid")
		return nil
	}

	tables := make([]TableSpec, len(patientTables))
	copy(tables, patientTables)
	return tables
}

// Sync performs one sync pass: it paginates through the patients collection
// starting at the cursor in state, emits one upsert per record in order
// received, and emits periodic checkpoints so a later invocation resumes
// where this one stopped.
//
// Failures end the pass at the current page boundary with a typed error;
// operations already emitted stand, and the next scheduled pass resumes
// from the last checkpoint. Panics are recovered at this boundary so a bad
// record can never crash the host process.
func (c *Connector) Sync(ctx context.Context, cfg, state map[string]string, em Emitter) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = wrapError(CodeInternal, false, fmt.Errorf("unexpected fault: %v", r))
			c.log.WithField("fault", r).Error("sync pass aborted by unexpected fault")
		}
	}()

	conf, err := ParseConfig(cfg)
	if err != nil {
		c.log.WithError(err).Error("sync refused: configuration invalid")
		return err
	}

	client := ehr.NewClient(&ehr.Config{
		BaseURL:    conf.BaseURL,
		Credential: conf.Credential,
		AuthHeader: conf.AuthHeader,
		PageSize:   conf.PageSize,
	})

	// The cursor to fetch next; lastCursor is the latest known non-null
	// cursor and is what checkpoints carry. When the API signals end of
	// data with a null cursor, the last known cursor is retained rather
	// than cleared.
	cursor := StateFromMap(state).NextCursor
	lastCursor := cursor
	emitted := 0
	pages := 0

	for {
		// Cancellation is honored between pages: the next fetch is simply
		// not issued and the last checkpoint remains the resume point.
		if ctx.Err() != nil {
			c.log.WithFields(logrus.Fields{"pages": pages, "records": emitted}).
				Info("sync pass cancelled between pages")
			return nil
		}

		page, ferr := client.Patients(ctx, cursor)
		if ferr != nil {
			c.log.WithError(ferr).WithFields(logrus.Fields{"cursor": cursor, "records": emitted}).
				Error("page fetch failed, aborting pass")
			return wrapError(CodeTransportFailed, true, ferr)
		}
		pages++

		next := page.Cursor()
		if next != "" {
			lastCursor = next
		}

		for _, rec := range page.Patients {
			if uerr := em.Upsert(ctx, TablePatients, rec); uerr != nil {
				c.log.WithError(uerr).WithField("records", emitted).
					Error("upsert failed, aborting pass")
				return wrapError(CodeSinkWriteFailed, true, uerr)
			}
			emitted++

			if c.policy.Due(emitted) && lastCursor != "" {
				if cerr := em.Checkpoint(ctx, State{NextCursor: lastCursor}.Map()); cerr != nil {
					c.log.WithError(cerr).WithField("records", emitted).
						Error("checkpoint failed, aborting pass")
					return wrapError(CodeSinkWriteFailed, true, cerr)
				}
			}
		}

		c.log.WithFields(logrus.Fields{"page": pages, "records": len(page.Patients), "next": next}).
			Debug("page synced")

		if next == "" {
			break
		}
		cursor = next
	}

	// Terminal checkpoint: the pass always ends with state reflecting the
	// true end-of-data position. Idempotent when the cursor was already
	// checkpointed mid-loop.
	if lastCursor != "" {
		if cerr := em.Checkpoint(ctx, State{NextCursor: lastCursor}.Map()); cerr != nil {
			c.log.WithError(cerr).Error("final checkpoint failed")
			return wrapError(CodeSinkWriteFailed, true, cerr)
		}
	}

	c.log.WithFields(logrus.Fields{"pages": pages, "records": emitted, "cursor": lastCursor}).
		Info("sync pass complete")
	return nil
}

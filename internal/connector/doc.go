// Package connector implements the CareBridge patient-record sync connector.
//
// Architecture:
//
//	connector.go  - DeclareSchema + Sync (one pass per invocation)
//	config.go     - configuration parsing with defaults
//	state.go      - resumable cursor state
//	checkpoint.go - checkpoint cadence policy
//	errors.go     - typed error taxonomy
//
// A pass is stateless beyond what it emits: the orchestrator supplies the
// configuration and the last persisted state, and retains every checkpoint
// the pass emits. The destination store applies upserts idempotently keyed
// on the declared primary key.
package connector

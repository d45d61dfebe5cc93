package connector

// DefaultCheckpointInterval is the fixed checkpoint cadence in emitted
// records. The interval trades replay cost after a crash against checkpoint
// overhead; any fixed positive value preserves correctness.
const DefaultCheckpointInterval = 100

// CheckpointPolicy decides when a running pass should emit a checkpoint.
// Tests set Interval=1 to verify checkpoint correctness without large
// fixtures.
type CheckpointPolicy struct {
	Interval int
}

// DefaultCheckpointPolicy checkpoints every DefaultCheckpointInterval records.
func DefaultCheckpointPolicy() CheckpointPolicy {
	return CheckpointPolicy{Interval: DefaultCheckpointInterval}
}

// Due reports whether a checkpoint is due after the given number of emitted
// records.
func (p CheckpointPolicy) Due(emitted int) bool {
	return p.Interval > 0 && emitted > 0 && emitted%p.Interval == 0
}

package wal

// StateMachine is the embedder-provided hook invoked during commit for
// every newly committed entry, including the snapshot entry produced
// by an install (spec.md §6 "state-machine hooks").
type StateMachine interface {
	Apply(entry Entry)
}

// SnapshotBuilder accumulates committed entries during compaction and
// produces the single snapshot entry that replaces them (spec.md
// §4.5.6 "Force compaction").
type SnapshotBuilder interface {
	// ApplyCore feeds one committed entry into the builder's running
	// state, mirroring StateMachine.Apply but scoped to the builder's
	// own accumulator rather than the live application state.
	ApplyCore(entry Entry)
	// Snapshot serializes the builder's accumulated state as the
	// payload of the entry that will replace the compacted partitions.
	Snapshot() []byte
}

// SnapshotBuilderFactory constructs a fresh SnapshotBuilder for one
// compaction pass, or reports that compaction should be skipped (a nil
// factory, or a nil builder returned) — spec.md §4.5.6 requires
// compaction to run "when the user provides a SnapshotBuilder".
type SnapshotBuilderFactory func() SnapshotBuilder

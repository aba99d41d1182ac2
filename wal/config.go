package wal

// Options configures a Log. Matches the constructor-parameter style of
// the teacher's persistence.NewFileLog / node.NewPersistentState:
// callers get sane defaults and only override what they need.
type Options struct {
	// RecordsPerPartition is the number of log slots held by a single
	// partition file. Must be >= 2.
	RecordsPerPartition uint32
	// BufferSize is the I/O buffer size used by sessions, in bytes.
	// Must be >= 128. Defaults to 2048.
	BufferSize uint32
	// InitialPartitionSize pre-allocates this many bytes of payload
	// region when a partition is created, to reduce fragmentation.
	// Defaults to 0.
	InitialPartitionSize uint64
	// DisableCaching turns off the in-memory mirror of each
	// partition's allocation table that is otherwise on by default.
	// The zero value of Options therefore caches, matching spec.md
	// §6's documented default of use_caching: true.
	DisableCaching bool
	// MaxConcurrentReads bounds both the reader session pool and the
	// number of weak holders the shared lock admits. Must be >= 1.
	// Defaults to 3.
	MaxConcurrentReads uint32
}

// DefaultOptions returns the same defaults withDefaults fills in for
// an unset field (BufferSize: 2048, MaxConcurrentReads: 3), spelled
// out explicitly for callers who want to start from the defaults and
// override one or two fields by name rather than relying on the zero
// value. RecordsPerPartition has no sensible default and is left for
// the caller to set.
func DefaultOptions() Options {
	return Options{
		RecordsPerPartition:  0, // caller must set; no sensible default
		BufferSize:           2048,
		InitialPartitionSize: 0,
		MaxConcurrentReads:   3,
	}
}

// withDefaults fills in zero-valued fields left unset by the caller,
// and validates the invariants spec.md §6 requires.
func (o Options) withDefaults() (Options, error) {
	if o.RecordsPerPartition < 2 {
		return o, newErr(OutOfRange, "records_per_partition must be >= 2")
	}
	if o.BufferSize == 0 {
		o.BufferSize = 2048
	}
	if o.BufferSize < 128 {
		return o, newErr(OutOfRange, "buffer_size must be >= 128")
	}
	if o.MaxConcurrentReads == 0 {
		o.MaxConcurrentReads = 3
	}
	return o, nil
}

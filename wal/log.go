package wal

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"sort"
	"time"
)

// Hooks bundles the embedder-provided extension points a Log needs:
// the state machine to apply committed entries to, an optional
// snapshot builder factory driving compaction, an optional logger, and
// an optional metadata observer (spec.md §6 "state-machine hooks").
type Hooks struct {
	StateMachine     StateMachine
	SnapshotBuilders SnapshotBuilderFactory
	Logger           *log.Logger
	MetadataObserver CommittedMetadataObserver
}

// CommittedMetadataObserver is fed one entry per commit application, on
// a best-effort basis (see metadataindex.Index for the concrete
// gorm/Postgres implementation). Never on the durability critical
// path: a returned error is logged, not propagated.
type CommittedMetadataObserver interface {
	ObserveCommit(entry Entry, partitionNumber uint64) error
}

// Log is the persistent audit trail coordinator of spec.md §4.5: it
// dispatches reads to partitions or the snapshot, routes writes to the
// target partition, and runs compaction as committed entries accumulate.
type Log struct {
	dir  string
	opts Options

	lock *sharedLock
	fsm  *stateMachine

	partitions map[uint64]*partition
	snapshot   *snapshotFile
	nodeState  *nodeState

	sessions     *sessionPool
	commitWaiter *commitWaiter

	stateMachine   StateMachine
	builderFactory SnapshotBuilderFactory
	observer       CommittedMetadataObserver

	logger *log.Logger
}

// Open scans dir for an existing partition table, snapshot and node
// state (or creates them), and returns a ready coordinator (spec.md
// §4.5, state transition Uninitialized -> Open).
func Open(dir string, opts Options, hooks Hooks) (*Log, error) {
	opts, err := opts.withDefaults()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, wrapErr(IO, "create log directory", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, wrapErr(IO, "read log directory", err)
	}

	partitions := make(map[uint64]*partition)
	for _, de := range entries {
		if de.IsDir() {
			continue
		}
		name := de.Name()
		if name == nodeStateFileName || name == snapshotFileName || name == snapshotTempName {
			continue
		}
		num, ok := partitionNumberFromName(name)
		if !ok {
			continue
		}
		p, err := openPartition(dir, opts.RecordsPerPartition, num, !opts.DisableCaching, opts.BufferSize, 0)
		if err != nil {
			return nil, err
		}
		partitions[num] = p
	}

	recoverInterruptedSnapshotInstall(dir)

	snap, err := openSnapshotFile(dir, false)
	if err != nil {
		return nil, err
	}
	if err := snap.populateCache(); err != nil {
		return nil, err
	}

	ns, err := openNodeState(dir)
	if err != nil {
		return nil, err
	}

	logger := hooks.Logger
	if logger == nil {
		logger = log.New(os.Stdout, "[wal] ", log.Lshortfile|log.Lmicroseconds)
	}

	l := &Log{
		dir:            dir,
		opts:           opts,
		lock:           newSharedLock(opts.MaxConcurrentReads),
		fsm:            newStateMachine(),
		partitions:     partitions,
		snapshot:       snap,
		nodeState:      ns,
		sessions:       newSessionPool(opts.MaxConcurrentReads, opts.BufferSize),
		commitWaiter:   newCommitWaiter(),
		stateMachine:   hooks.StateMachine,
		builderFactory: hooks.SnapshotBuilders,
		observer:       hooks.MetadataObserver,
		logger:         logger,
	}
	l.fsm.force(StateOpen)
	l.commitWaiter.signal(ns.CommitIndex())
	l.scanOrphans()
	return l, nil
}

// recoverInterruptedSnapshotInstall resolves a crash between writing
// snapshot.new and renaming it into place (spec.md §4.5.3, §9): if
// only the temp file survived, the rename is completed; otherwise the
// stale temp file is discarded. Either filename alone is a valid
// snapshot state, per spec.md §9's "rename atomicity" note.
func recoverInterruptedSnapshotInstall(dir string) {
	tempPath := filepath.Join(dir, snapshotTempName)
	finalPath := filepath.Join(dir, snapshotFileName)
	info, err := os.Stat(tempPath)
	if err != nil {
		return
	}
	if _, ferr := os.Stat(finalPath); os.IsNotExist(ferr) && info.Size() > 0 {
		_ = os.Rename(tempPath, finalPath)
		return
	}
	_ = os.Remove(tempPath)
}

// scanOrphans implements the startup consistency scan from spec.md §9's
// Open Question: last_index from node state is authoritative, and
// anything written past it is logged, never trusted (see DESIGN.md).
func (l *Log) scanOrphans() {
	lastIndex := l.nodeState.LastIndex()
	rpp := uint64(l.opts.RecordsPerPartition)
	num := lastIndex / rpp
	p, ok := l.partitions[num]
	if !ok {
		return
	}
	slot := lastIndex - p.firstIndex()
	for s := slot + 1; s < uint64(l.opts.RecordsPerPartition); s++ {
		meta, err := p.slotMetadata(uint32(s))
		if err != nil {
			return
		}
		if !meta.Unused() {
			l.logger.Printf("orphan entry beyond last_index in partition %d slot %d, ignoring", num, s)
		}
	}
}

func (l *Log) getOrCreatePartition(index uint64) (*partition, error) {
	num := index / uint64(l.opts.RecordsPerPartition)
	if p, ok := l.partitions[num]; ok {
		return p, nil
	}
	p, err := openPartition(l.dir, l.opts.RecordsPerPartition, num, !l.opts.DisableCaching, l.opts.BufferSize, l.opts.InitialPartitionSize)
	if err != nil {
		return nil, err
	}
	l.partitions[num] = p
	return p, nil
}

// Append appends entries starting right after the current last_index
// and returns the index assigned to the first one (spec.md §6
// "append(entries, cancel) -> first_index").
func (l *Log) Append(ctx context.Context, entries []Entry) (uint64, error) {
	if err := l.lock.lockExclusive(ctx); err != nil {
		return 0, err
	}
	defer l.lock.unlockExclusive()

	firstIndex := l.nodeState.LastIndex() + 1
	if err := l.appendRangeLocked(ctx, entries, firstIndex, false); err != nil {
		return 0, err
	}
	return firstIndex, nil
}

// AppendRange appends entries starting at startIndex, optionally
// skipping (rather than failing on) entries that fall at or below the
// commit index (spec.md §4.5.1, §6 "append(entries, start_index,
// skip_committed, cancel)").
func (l *Log) AppendRange(ctx context.Context, entries []Entry, startIndex uint64, skipCommitted bool) error {
	if err := l.lock.lockExclusive(ctx); err != nil {
		return err
	}
	defer l.lock.unlockExclusive()
	return l.appendRangeLocked(ctx, entries, startIndex, skipCommitted)
}

func (l *Log) appendRangeLocked(ctx context.Context, entries []Entry, startIndex uint64, skipCommitted bool) error {
	lastIndex := l.nodeState.LastIndex()
	if startIndex > lastIndex+1 {
		return newErr(OutOfRange, "append start index beyond last_index+1")
	}
	commitIndex := l.nodeState.CommitIndex()

	var touched *partition
	idx := startIndex
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return wrapErr(Cancelled, "append", err)
		}
		if e.IsSnapshot {
			return newErr(InvalidState, "snapshot entry forbidden in batch append")
		}
		switch {
		case idx > commitIndex:
			p, err := l.getOrCreatePartition(idx)
			if err != nil {
				return err
			}
			e.Index = idx
			if err := p.write(l.sessions.writeSession(), e, idx); err != nil {
				return err
			}
			touched = p
			lastIndex = idx
			idx++
		case skipCommitted:
			idx++
		default:
			return newErr(InvalidState, "overwrite of committed entry")
		}
	}

	if touched != nil {
		if err := touched.flush(); err != nil {
			return err
		}
	}
	if err := l.nodeState.setLastIndex(lastIndex); err != nil {
		return err
	}
	return l.nodeState.Flush()
}

// AppendAt appends a single entry at startIndex, or — when entry is a
// snapshot — runs snapshot installation (spec.md §4.5.2, §6
// "append(entry, start_index)").
func (l *Log) AppendAt(ctx context.Context, entry Entry, startIndex uint64) error {
	if err := l.lock.lockExclusive(ctx); err != nil {
		return err
	}
	defer l.lock.unlockExclusive()

	commitIndex := l.nodeState.CommitIndex()
	if startIndex <= commitIndex && !entry.IsSnapshot {
		return newErr(InvalidState, "append at or below commit index")
	}
	if entry.IsSnapshot {
		return l.installSnapshotLocked(ctx, entry, startIndex)
	}

	lastIndex := l.nodeState.LastIndex()
	if startIndex > lastIndex+1 {
		return newErr(OutOfRange, "append start index beyond last_index+1")
	}
	p, err := l.getOrCreatePartition(startIndex)
	if err != nil {
		return err
	}
	entry.Index = startIndex
	if err := p.write(l.sessions.writeSession(), entry, startIndex); err != nil {
		return err
	}
	if err := p.flush(); err != nil {
		return err
	}
	if err := l.nodeState.setLastIndex(startIndex); err != nil {
		return err
	}
	return l.nodeState.Flush()
}

// installSnapshotLocked runs the snapshot installation protocol of
// spec.md §4.5.3. Called under the exclusive lock from AppendAt (a
// snapshot received from a remote leader). maybeCompactLocked does not
// go through here: it writes and swaps in its own snapshot file.
func (l *Log) installSnapshotLocked(ctx context.Context, entry Entry, snapshotIndex uint64) error {
	rpp := uint64(l.opts.RecordsPerPartition)
	if (snapshotIndex+1)%rpp != 0 {
		return newErr(OutOfRange, "snapshot index not aligned to a partition boundary")
	}
	if !l.fsm.transit(StateOpen, InstallingSnapshot) {
		return newErr(InvalidState, "log is not open for snapshot install")
	}
	defer l.fsm.transit(InstallingSnapshot, StateOpen)

	temp, err := openSnapshotFile(l.dir, true)
	if err != nil {
		return err
	}
	if err := temp.write(ctx, entry, snapshotIndex); err != nil {
		_ = temp.close()
		return err
	}

	if err := l.snapshot.installFrom(temp); err != nil {
		// Fatal per spec.md §4.5.3/§4.8: the caller must abort the process.
		return err
	}
	if err := l.snapshot.populateCache(); err != nil {
		return err
	}

	for num, p := range l.partitions {
		if p.lastIndex() <= snapshotIndex {
			if err := p.delete(); err != nil {
				return err
			}
			delete(l.partitions, num)
		}
	}

	newLast := l.nodeState.LastIndex()
	if snapshotIndex > newLast {
		newLast = snapshotIndex
	}
	if err := l.nodeState.setCommitIndex(snapshotIndex); err != nil {
		return err
	}
	if err := l.nodeState.setLastIndex(newLast); err != nil {
		return err
	}

	entry.Index = snapshotIndex
	if l.stateMachine != nil {
		l.stateMachine.Apply(entry)
	}
	if err := l.nodeState.setLastApplied(snapshotIndex); err != nil {
		return err
	}
	if err := l.nodeState.Flush(); err != nil {
		return err
	}
	l.observeMetadata(entry, snapshotIndex/rpp)
	l.commitWaiter.signal(snapshotIndex)
	return nil
}

// Read walks [startIndex, endIndex] and invokes reader with the
// collected entries and, if the walk crossed a compacted prefix, the
// snapshot's index (spec.md §4.5 "Read").
func (l *Log) Read(ctx context.Context, startIndex, endIndex uint64, reader func(entries []Entry, snapshotIndex *uint64) error) error {
	if endIndex < startIndex {
		return reader(nil, nil)
	}
	if err := l.lock.lockWeak(ctx); err != nil {
		return err
	}
	defer l.lock.unlockWeak()

	sess := l.sessions.openSession()
	defer l.sessions.closeSession(sess)

	lastIndex := l.nodeState.LastIndex()
	if startIndex > lastIndex || endIndex > lastIndex {
		return newErr(OutOfRange, "read range beyond last_index")
	}

	span := endIndex - startIndex + 1
	if span > (1 << 31) {
		return newErr(BufferOverflow, "requested read span exceeds 2^31 entries")
	}

	result := make([]Entry, 0, span)
	var snapshotIndex *uint64
	var currentPartition uint64
	havePartition := false
	rpp := uint64(l.opts.RecordsPerPartition)

	idx := startIndex
	for idx <= endIndex {
		if err := ctx.Err(); err != nil {
			return wrapErr(Cancelled, "read", err)
		}
		if idx == 0 {
			result = append(result, Sentinel())
			idx++
			continue
		}
		pnum := idx / rpp
		if p, ok := l.partitions[pnum]; ok {
			refresh := !havePartition || currentPartition != pnum
			e, err := p.read(sess, idx, true, refresh)
			if err != nil {
				return err
			}
			currentPartition, havePartition = pnum, true
			if e == nil {
				break
			}
			result = append(result, *e)
			idx++
			continue
		}
		commitIndex := l.nodeState.CommitIndex()
		if idx <= commitIndex && l.snapshot.isPresent() {
			snapEntry, err := l.snapshot.read(ctx)
			if err != nil {
				return err
			}
			result = append(result, snapEntry)
			si := snapEntry.Index
			snapshotIndex = &si
			idx = snapEntry.Index + 1
			continue
		}
		break
	}
	return reader(result, snapshotIndex)
}

// readOneLocked reads a single entry by absolute index for internal
// use by commit-apply and compaction, both of which already hold the
// exclusive lock.
func (l *Log) readOneLocked(index uint64) (Entry, error) {
	if index == 0 {
		return Sentinel(), nil
	}
	rpp := uint64(l.opts.RecordsPerPartition)
	pnum := index / rpp
	p, ok := l.partitions[pnum]
	if !ok {
		commitIndex := l.nodeState.CommitIndex()
		if index <= commitIndex && l.snapshot.isPresent() {
			return l.snapshot.read(context.Background())
		}
		return Entry{}, newErr(InvalidState, "apply target partition missing")
	}
	e, err := p.read(l.sessions.writeSession(), index, true, false)
	if err != nil {
		return Entry{}, err
	}
	if e == nil {
		return Entry{}, newErr(InvalidState, "apply target slot empty")
	}
	return *e, nil
}

// Commit advances the commit index to endIndex (or last_index when nil),
// applies every newly committed entry, and runs compaction if eligible
// (spec.md §4.5 "Commit").
func (l *Log) Commit(ctx context.Context, endIndex *uint64) (uint64, error) {
	if err := l.lock.lockExclusive(ctx); err != nil {
		return 0, err
	}
	defer l.lock.unlockExclusive()

	target := l.nodeState.LastIndex()
	if endIndex != nil {
		target = *endIndex
	}
	commitIndex := l.nodeState.CommitIndex()
	if target <= commitIndex {
		return 0, nil
	}
	count := target - commitIndex

	if err := l.nodeState.setCommitIndex(target); err != nil {
		return 0, err
	}
	if err := l.ensureConsistencyLocked(ctx); err != nil {
		return 0, err
	}
	if err := l.maybeCompactLocked(ctx, target); err != nil {
		return 0, err
	}

	l.commitWaiter.signal(target)
	return count, nil
}

// ensureConsistencyLocked applies every entry between last_applied and
// commit_index, matching spec.md §6's ensure_consistency operation.
func (l *Log) ensureConsistencyLocked(ctx context.Context) error {
	commitIndex := l.nodeState.CommitIndex()
	lastApplied := l.nodeState.LastApplied()
	if commitIndex <= lastApplied {
		return nil
	}
	rpp := uint64(l.opts.RecordsPerPartition)
	for i := lastApplied + 1; i <= commitIndex; i++ {
		if err := ctx.Err(); err != nil {
			return wrapErr(Cancelled, "apply committed entries", err)
		}
		entry, err := l.readOneLocked(i)
		if err != nil {
			return err
		}
		if l.stateMachine != nil {
			l.stateMachine.Apply(entry)
		}
		l.observeMetadata(entry, i/rpp)
	}
	if err := l.nodeState.setLastApplied(commitIndex); err != nil {
		return err
	}
	return l.nodeState.Flush()
}

// EnsureConsistency forces application of every committed entry not
// yet applied, without changing the commit index (spec.md §6).
func (l *Log) EnsureConsistency(ctx context.Context) error {
	if err := l.lock.lockExclusive(ctx); err != nil {
		return err
	}
	defer l.lock.unlockExclusive()
	return l.ensureConsistencyLocked(ctx)
}

// maybeCompactLocked runs force compaction once commit_index has
// advanced more than one partition past the current snapshot, folding
// every fully-committed partition into a fresh snapshot entry (spec.md
// §4.5.6).
func (l *Log) maybeCompactLocked(ctx context.Context, commitIndex uint64) error {
	if l.builderFactory == nil {
		return nil
	}
	rpp := uint64(l.opts.RecordsPerPartition)
	if commitIndex-l.snapshot.index() <= rpp {
		return nil
	}

	var nums []uint64
	for num, p := range l.partitions {
		if p.lastIndex() <= commitIndex {
			nums = append(nums, num)
		}
	}
	if len(nums) == 0 {
		return nil
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	builder := l.builderFactory()
	if builder == nil {
		return nil
	}

	if !l.fsm.transit(StateOpen, Compacting) {
		return newErr(InvalidState, "log is not open for compaction")
	}
	defer l.fsm.transit(Compacting, StateOpen)

	var maxLast uint64
	for _, num := range nums {
		if err := ctx.Err(); err != nil {
			return wrapErr(Cancelled, "compaction", err)
		}
		p := l.partitions[num]
		if err := p.flush(); err != nil {
			return err
		}
		for slot := uint32(0); slot < l.opts.RecordsPerPartition; slot++ {
			if num == 0 && slot == 0 {
				continue // sentinel slot, never part of the durable log
			}
			idx := p.firstIndex() + uint64(slot)
			e, err := p.read(l.sessions.writeSession(), idx, true, false)
			if err != nil {
				return err
			}
			if e == nil {
				continue
			}
			builder.ApplyCore(*e)
		}
		if p.lastIndex() > maxLast {
			maxLast = p.lastIndex()
		}
	}

	snapshotEntry := Entry{
		Term:       l.nodeState.Term(),
		Timestamp:  time.Now().UnixNano(),
		IsSnapshot: true,
		Payload:    builder.Snapshot(),
		Index:      maxLast,
	}

	temp, err := openSnapshotFile(l.dir, true)
	if err != nil {
		return err
	}
	if err := temp.write(ctx, snapshotEntry, maxLast); err != nil {
		_ = temp.close()
		return err
	}
	if err := l.snapshot.installFrom(temp); err != nil {
		return err
	}
	if err := l.snapshot.populateCache(); err != nil {
		return err
	}
	if err := l.snapshot.flush(); err != nil {
		return err
	}
	l.observeMetadata(snapshotEntry, maxLast/rpp)

	for _, num := range nums {
		if err := l.partitions[num].delete(); err != nil {
			return err
		}
		delete(l.partitions, num)
	}
	return nil
}

// Drop discards every entry from startIndex through last_index
// (spec.md §4.5 "Drop").
func (l *Log) Drop(ctx context.Context, startIndex uint64) (uint64, error) {
	if err := l.lock.lockExclusive(ctx); err != nil {
		return 0, err
	}
	defer l.lock.unlockExclusive()

	commitIndex := l.nodeState.CommitIndex()
	if startIndex <= commitIndex {
		return 0, newErr(InvalidState, "drop target at or below commit index")
	}
	lastIndex := l.nodeState.LastIndex()
	if startIndex > lastIndex {
		return 0, nil
	}
	count := lastIndex - startIndex + 1

	if err := l.nodeState.setLastIndex(startIndex - 1); err != nil {
		return 0, err
	}
	if err := l.nodeState.Flush(); err != nil {
		return 0, err
	}

	rpp := uint64(l.opts.RecordsPerPartition)
	boundary := startIndex / rpp
	if boundary*rpp < startIndex {
		boundary++
	}
	for num := range l.partitions {
		if num >= boundary {
			if err := l.partitions[num].delete(); err != nil {
				return 0, err
			}
			delete(l.partitions, num)
		}
	}
	return count, nil
}

// WaitForCommit blocks until commit_index >= index, ctx is done, or
// timeout elapses (spec.md §4.5 "Wait for commit").
func (l *Log) WaitForCommit(ctx context.Context, index uint64, timeout time.Duration) error {
	return l.commitWaiter.wait(ctx, index, timeout)
}

// First returns the ephemeral sentinel entry.
func (l *Log) First() Entry {
	return Sentinel()
}

// LastIndex returns commit_index when committed is true, last_index
// otherwise.
func (l *Log) LastIndex(committed bool) uint64 {
	if committed {
		return l.nodeState.CommitIndex()
	}
	return l.nodeState.LastIndex()
}

// CurrentTerm returns the persisted current term.
func (l *Log) CurrentTerm() int64 {
	return l.nodeState.Term()
}

// IncrementTerm persists term+1 and returns it.
func (l *Log) IncrementTerm(ctx context.Context) (int64, error) {
	if err := l.lock.lockExclusive(ctx); err != nil {
		return 0, err
	}
	defer l.lock.unlockExclusive()
	term, err := l.nodeState.IncrementTerm()
	if err != nil {
		return 0, err
	}
	return term, l.nodeState.Flush()
}

// UpdateTerm persists a new current term.
func (l *Log) UpdateTerm(ctx context.Context, term int64) error {
	if err := l.lock.lockExclusive(ctx); err != nil {
		return err
	}
	defer l.lock.unlockExclusive()
	if err := l.nodeState.UpdateTerm(term); err != nil {
		return err
	}
	return l.nodeState.Flush()
}

// IsVotedFor reports whether no vote has been cast yet, or the
// existing vote matches member.
func (l *Log) IsVotedFor(member string) bool {
	return l.nodeState.IsVotedFor(member)
}

// UpdateVotedFor persists the node's vote.
func (l *Log) UpdateVotedFor(ctx context.Context, member string) error {
	if err := l.lock.lockExclusive(ctx); err != nil {
		return err
	}
	defer l.lock.unlockExclusive()
	if err := l.nodeState.UpdateVotedFor(member); err != nil {
		return err
	}
	return l.nodeState.Flush()
}

// State reports the coordinator's current lifecycle state (spec.md §4.7).
func (l *Log) State() LogState {
	return l.fsm.whoami()
}

func (l *Log) observeMetadata(entry Entry, partitionNumber uint64) {
	if l.observer == nil {
		return
	}
	if err := l.observer.ObserveCommit(entry, partitionNumber); err != nil {
		l.logger.Printf("metadata observer failed for index %d: %v", entry.Index, err)
	}
}

// Close disposes the coordinator, closing every open file handle
// (spec.md §4.7, any state -> Disposed).
func (l *Log) Close() error {
	if err := l.lock.lockExclusive(context.Background()); err != nil {
		return err
	}
	defer l.lock.unlockExclusive()
	l.fsm.force(Disposed)

	var firstErr error
	for _, p := range l.partitions {
		if err := p.close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := l.snapshot.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := l.nodeState.close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

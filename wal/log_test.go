package wal_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/dvoskoboinikov/raftlog/statemachine"
	"github.com/dvoskoboinikov/raftlog/wal"
	"github.com/stretchr/testify/assert"
)

func openLog(t *testing.T) *wal.Log {
	t.Helper()
	l, err := wal.Open(t.TempDir(), wal.Options{RecordsPerPartition: 4}, wal.Hooks{})
	assert.NoError(t, err)
	return l
}

func openLogWithBuilder(t *testing.T) *wal.Log {
	t.Helper()
	hooks := wal.Hooks{
		StateMachine:     statemachine.New(),
		SnapshotBuilders: statemachine.NewSnapshotBuilder,
	}
	l, err := wal.Open(t.TempDir(), wal.Options{RecordsPerPartition: 4}, hooks)
	assert.NoError(t, err)
	return l
}

func readAll(t *testing.T, l *wal.Log, start, end uint64) ([]wal.Entry, *uint64) {
	t.Helper()
	var entries []wal.Entry
	var snap *uint64
	assert.NoError(t, l.Read(context.Background(), start, end, func(e []wal.Entry, s *uint64) error {
		entries, snap = e, s
		return nil
	}))
	return entries, snap
}

// Scenario 1: fresh log + single append.
func TestFreshLogSingleAppend(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)
	defer l.Close()

	entries, _ := readAll(t, l, 0, 0)
	assert.Equal(t, []wal.Entry{wal.Sentinel()}, entries)

	first, err := l.Append(ctx, []wal.Entry{{Term: 42, Payload: []byte("SET X=0")}})
	assert.NoError(t, err)
	assert.EqualValues(t, 1, first)

	entries, _ = readAll(t, l, 0, 1)
	assert.Len(t, entries, 2)
	assert.Equal(t, wal.Sentinel(), entries[0])
	assert.Equal(t, int64(42), entries[1].Term)
	assert.Equal(t, []byte("SET X=0"), entries[1].Payload)
}

// Scenario 2: partition overflow, plus a reopen round trip.
func TestPartitionOverflow(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := wal.Open(dir, wal.Options{RecordsPerPartition: 4}, wal.Hooks{})
	assert.NoError(t, err)

	entries := make([]wal.Entry, 5)
	for i := range entries {
		entries[i] = wal.Entry{Term: int64(42 + i), Payload: []byte{byte('a' + i)}}
	}
	_, err = l.Append(ctx, entries)
	assert.NoError(t, err)
	assert.EqualValues(t, 5, l.LastIndex(false))
	assert.EqualValues(t, 0, l.LastIndex(true))

	before, _ := readAll(t, l, 0, 5)
	assert.Len(t, before, 6)
	for i, e := range entries {
		assert.Equal(t, e.Term, before[i+1].Term)
		assert.Equal(t, e.Payload, before[i+1].Payload)
	}
	assert.NoError(t, l.Close())

	reopened, err := wal.Open(dir, wal.Options{RecordsPerPartition: 4}, wal.Hooks{})
	assert.NoError(t, err)
	defer reopened.Close()
	after, _ := readAll(t, reopened, 0, 5)
	assert.Equal(t, before, after)
}

// Scenario 3: commit then drop.
func TestCommitThenDrop(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)
	defer l.Close()

	entries := make([]wal.Entry, 5)
	for i := range entries {
		entries[i] = wal.Entry{Term: int64(i + 1)}
	}
	_, err := l.Append(ctx, entries)
	assert.NoError(t, err)

	three := uint64(3)
	count, err := l.Commit(ctx, &three)
	assert.NoError(t, err)
	assert.EqualValues(t, 3, count)
	assert.EqualValues(t, 3, l.LastIndex(true))

	err = l.AppendAt(ctx, wal.Entry{Term: 99}, 1)
	assert.ErrorIs(t, err, wal.ErrInvalidState)

	_, err = l.Drop(ctx, 1)
	assert.ErrorIs(t, err, wal.ErrInvalidState)

	dropped, err := l.Drop(ctx, 4)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, dropped)
	assert.EqualValues(t, 3, l.LastIndex(false))
}

// Scenario 4: a single append below last_index truncates visibility.
func TestOverwrite(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)
	defer l.Close()

	entries := make([]wal.Entry, 4)
	for i := range entries {
		entries[i] = wal.Entry{Term: int64(43 + i)}
	}
	_, err := l.Append(ctx, entries)
	assert.NoError(t, err)
	assert.EqualValues(t, 4, l.LastIndex(false))
	assert.EqualValues(t, 0, l.LastIndex(true))

	assert.NoError(t, l.AppendAt(ctx, wal.Entry{Term: 42}, 1))
	assert.EqualValues(t, 1, l.LastIndex(false))

	got, _ := readAll(t, l, 1, 1)
	assert.Len(t, got, 1)
	assert.Equal(t, int64(42), got[0].Term)
}

// Scenario 5: manual snapshot installation, twice, with a reopen in between.
func TestSnapshotInstall(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := wal.Open(dir, wal.Options{RecordsPerPartition: 4}, wal.Hooks{})
	assert.NoError(t, err)

	entries := make([]wal.Entry, 9)
	for i := range entries {
		entries[i] = wal.Entry{Term: int64(i + 1)}
	}
	_, err = l.Append(ctx, entries)
	assert.NoError(t, err)

	three := uint64(3)
	_, err = l.Commit(ctx, &three)
	assert.NoError(t, err)

	assert.NoError(t, l.AppendAt(ctx, wal.Entry{Term: 1, IsSnapshot: true, Payload: []byte("snap@7")}, 7))

	got, snapIndex := readAll(t, l, 6, 9)
	assert.Len(t, got, 3)
	assert.NotNil(t, snapIndex)
	assert.EqualValues(t, 7, *snapIndex)
	assert.True(t, got[0].IsSnapshot)
	assert.EqualValues(t, 7, got[0].Index)
	assert.False(t, got[1].IsSnapshot)
	assert.False(t, got[2].IsSnapshot)
	assert.NoError(t, l.Close())

	reopened, err := wal.Open(dir, wal.Options{RecordsPerPartition: 4}, wal.Hooks{})
	assert.NoError(t, err)
	gotReopened, _ := readAll(t, reopened, 6, 9)
	assert.Equal(t, got, gotReopened)

	assert.NoError(t, reopened.AppendAt(ctx, wal.Entry{Term: 1, IsSnapshot: true, Payload: []byte("snap@11")}, 11))
	second, _ := readAll(t, reopened, 6, 9)
	assert.Len(t, second, 1)
	assert.EqualValues(t, 11, second[0].Index)
	assert.NoError(t, reopened.Close())
}

// Scenario 6: force compaction folds fully-committed partitions into a snapshot.
func TestCompaction(t *testing.T) {
	ctx := context.Background()
	l := openLogWithBuilder(t)
	defer l.Close()

	entries := make([]wal.Entry, 9)
	for i := range entries {
		payload, err := json.Marshal(statemachine.Command{Op: statemachine.Add, Arg: 1})
		assert.NoError(t, err)
		entries[i] = wal.Entry{Term: 1, Payload: payload}
	}
	_, err := l.Append(ctx, entries)
	assert.NoError(t, err)

	last := l.LastIndex(false)
	_, err = l.Commit(ctx, &last)
	assert.NoError(t, err)

	got, snapIndex := readAll(t, l, 1, 6)
	assert.Len(t, got, 1)
	assert.NotNil(t, snapIndex)
	assert.EqualValues(t, 7, *snapIndex)
	assert.True(t, got[0].IsSnapshot)

	full, _ := readAll(t, l, 1, l.LastIndex(false))
	assert.Len(t, full, 3)
	assert.True(t, full[0].IsSnapshot)
	assert.EqualValues(t, 7, full[0].Index)
	assert.False(t, full[1].IsSnapshot)
	assert.False(t, full[2].IsSnapshot)
}

func TestWaitForCommit(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)
	defer l.Close()

	_, err := l.Append(ctx, []wal.Entry{{Term: 1}, {Term: 1}})
	assert.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- l.WaitForCommit(ctx, 2, time.Second) }()

	select {
	case <-done:
		t.Fatal("wait resolved before the target index was committed")
	case <-time.After(20 * time.Millisecond):
	}

	two := uint64(2)
	_, err = l.Commit(ctx, &two)
	assert.NoError(t, err)

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("WaitForCommit never resolved after commit")
	}
}

// Idempotence: committing an already-reached index is a no-op.
func TestIdempotentCommit(t *testing.T) {
	ctx := context.Background()
	l := openLog(t)
	defer l.Close()

	_, err := l.Append(ctx, []wal.Entry{{Term: 1}, {Term: 1}})
	assert.NoError(t, err)

	two := uint64(2)
	first, err := l.Commit(ctx, &two)
	assert.NoError(t, err)
	assert.EqualValues(t, 2, first)

	second, err := l.Commit(ctx, &two)
	assert.NoError(t, err)
	assert.EqualValues(t, 0, second)
	assert.EqualValues(t, 2, l.LastIndex(true))
}

// DefaultOptions is a usable starting point, not dead API surface.
func TestOpenWithDefaultOptions(t *testing.T) {
	ctx := context.Background()
	opts := wal.DefaultOptions()
	opts.RecordsPerPartition = 4
	l, err := wal.Open(t.TempDir(), opts, wal.Hooks{})
	assert.NoError(t, err)
	defer l.Close()

	_, err = l.Append(ctx, []wal.Entry{{Term: 1}})
	assert.NoError(t, err)
	assert.EqualValues(t, 1, l.LastIndex(false))
}

// Node-state fields (term, vote) survive alongside log content across reopen.
func TestNodeStateSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := wal.Open(dir, wal.Options{RecordsPerPartition: 4}, wal.Hooks{})
	assert.NoError(t, err)

	_, err = l.IncrementTerm(ctx)
	assert.NoError(t, err)
	assert.NoError(t, l.UpdateVotedFor(ctx, "node-7"))
	assert.NoError(t, l.Close())

	reopened, err := wal.Open(dir, wal.Options{RecordsPerPartition: 4}, wal.Hooks{})
	assert.NoError(t, err)
	defer reopened.Close()
	assert.EqualValues(t, 1, reopened.CurrentTerm())
	assert.True(t, reopened.IsVotedFor("node-7"))
	assert.False(t, reopened.IsVotedFor("node-8"))
}

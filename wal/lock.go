package wal

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// sharedLock is the single asynchronous lock gating every public
// operation on a Log: it admits at most one exclusive holder, or up to
// weight weak holders concurrently (spec.md §5). Built on a weighted
// semaphore: an exclusive acquire takes the whole weight so no reader
// can be concurrently admitted, a weak acquire takes one unit so up to
// weight readers can be admitted at once.
type sharedLock struct {
	sem    *semaphore.Weighted
	weight int64
}

func newSharedLock(maxConcurrentReads uint32) *sharedLock {
	w := int64(maxConcurrentReads)
	return &sharedLock{sem: semaphore.NewWeighted(w), weight: w}
}

// lockExclusive blocks until every weak holder has released and no
// other exclusive holder is active.
func (l *sharedLock) lockExclusive(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, l.weight); err != nil {
		return wrapErr(Cancelled, "acquire exclusive lock", err)
	}
	return nil
}

func (l *sharedLock) unlockExclusive() {
	l.sem.Release(l.weight)
}

// lockWeak blocks until a reader slot is available.
func (l *sharedLock) lockWeak(ctx context.Context) error {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return wrapErr(Cancelled, "acquire weak lock", err)
	}
	return nil
}

func (l *sharedLock) unlockWeak() {
	l.sem.Release(1)
}

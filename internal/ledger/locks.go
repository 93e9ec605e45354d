package ledger

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// pollLocks is an arena of per-poll mutexes. Entries live only while some
// caller holds or waits for them, so distinct polls never share a lock.
type pollLocks struct {
	mu    sync.Mutex
	locks map[string]*pollLock
}

type pollLock struct {
	sem  *semaphore.Weighted
	refs int
}

func newPollLocks() *pollLocks {
	return &pollLocks{locks: make(map[string]*pollLock)}
}

// acquire blocks until the poll's lock is held or ctx ends.
func (arena *pollLocks) acquire(ctx context.Context, pollID string) (func(), error) {
	arena.mu.Lock()
	entry, ok := arena.locks[pollID]
	if !ok {
		entry = &pollLock{sem: semaphore.NewWeighted(1)}
		arena.locks[pollID] = entry
	}
	entry.refs++
	arena.mu.Unlock()

	if err := entry.sem.Acquire(ctx, 1); err != nil {
		arena.drop(pollID, entry)
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			entry.sem.Release(1)
			arena.drop(pollID, entry)
		})
	}, nil
}

func (arena *pollLocks) drop(pollID string, entry *pollLock) {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	entry.refs--
	if entry.refs == 0 {
		delete(arena.locks, pollID)
	}
}

func (arena *pollLocks) size() int {
	arena.mu.Lock()
	defer arena.mu.Unlock()
	return len(arena.locks)
}

package syncutil

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// RWMutex is a reader-writer mutex built from two binary semaphores and an
// atomic reader count, per the classic first-reader/last-reader pattern:
// readers take the read semaphore only to adjust the count, and the first
// reader in also takes the write semaphore on behalf of every reader;
// writers take the write semaphore exclusively. Like Mutex, this is an
// auxiliary primitive for the host process — the engine uses sync.RWMutex.
type RWMutex struct {
	readSem   *semaphore.Weighted
	writeSem  *semaphore.Weighted
	readers   atomic.Int64
	writeHeld atomic.Bool
}

// NewRWMutex returns an unlocked RWMutex.
func NewRWMutex() *RWMutex {
	return &RWMutex{
		readSem:  semaphore.NewWeighted(1),
		writeSem: semaphore.NewWeighted(1),
	}
}

// RLock acquires a shared (read) lock.
func (rw *RWMutex) RLock() {
	_ = rw.readSem.Acquire(context.Background(), 1)
	if rw.readers.Add(1) == 1 {
		_ = rw.writeSem.Acquire(context.Background(), 1)
	}
	rw.readSem.Release(1)
}

// RUnlock releases a shared (read) lock.
func (rw *RWMutex) RUnlock() {
	_ = rw.readSem.Acquire(context.Background(), 1)
	if rw.readers.Add(-1) == 0 {
		rw.writeSem.Release(1)
	}
	rw.readSem.Release(1)
}

// Lock acquires an exclusive (write) lock.
func (rw *RWMutex) Lock() {
	_ = rw.writeSem.Acquire(context.Background(), 1)
	rw.writeHeld.Store(true)
}

// Unlock releases an exclusive (write) lock.
func (rw *RWMutex) Unlock() {
	rw.writeHeld.Store(false)
	rw.writeSem.Release(1)
}

// WriterActive reports whether a writer currently holds the lock. Racy by
// nature — it's a diagnostic hint, not a synchronization primitive.
func (rw *RWMutex) WriterActive() bool {
	return rw.writeHeld.Load()
}

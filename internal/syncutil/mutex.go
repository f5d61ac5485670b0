package syncutil

import (
	"context"
	"time"

	"golang.org/x/sync/semaphore"
)

// Mutex is a binary-semaphore mutex with an optional timed acquisition,
// one of the auxiliary primitives the host process may use around the
// engine — the engine itself synchronizes with a plain sync.RWMutex and
// never imports this package.
type Mutex struct {
	sem *semaphore.Weighted
}

// NewMutex returns an unlocked Mutex.
func NewMutex() *Mutex {
	return &Mutex{sem: semaphore.NewWeighted(1)}
}

// Lock blocks until the mutex is acquired.
func (m *Mutex) Lock() {
	_ = m.sem.Acquire(context.Background(), 1)
}

// Unlock releases the mutex. Unlocking a mutex that isn't held panics, the
// same contract sync.Mutex makes.
func (m *Mutex) Unlock() {
	m.sem.Release(1)
}

// TryLock acquires the mutex without blocking, reporting whether it
// succeeded.
func (m *Mutex) TryLock() bool {
	return m.sem.TryAcquire(1)
}

// LockTimeout blocks until the mutex is acquired or the timeout elapses,
// returning ErrTimeout in the latter case.
func (m *Mutex) LockTimeout(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return ErrTimeout
	}
	return nil
}

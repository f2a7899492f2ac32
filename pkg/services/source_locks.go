package services

import (
	"sync"

	"github.com/google/uuid"
)

// SourceLocks serializes read-modify-write cycles on a single row keyed by id.
// The workflow and datasource services share one instance so a refresh never
// overwrites a concurrent stage transition. ETLService keeps its own instance
// for operations.
type SourceLocks struct {
	mu    sync.Mutex
	locks map[uuid.UUID]*sync.Mutex
}

// NewSourceLocks returns an empty lock set.
func NewSourceLocks() *SourceLocks {
	return &SourceLocks{locks: make(map[uuid.UUID]*sync.Mutex)}
}

// Lock blocks until the source is free and returns the unlock function.
func (l *SourceLocks) Lock(id uuid.UUID) func() {
	l.mu.Lock()
	m, ok := l.locks[id]
	if !ok {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// TryLock takes the lock only if it is free. ok is false when another caller holds it.
func (l *SourceLocks) TryLock(id uuid.UUID) (unlock func(), ok bool) {
	l.mu.Lock()
	m, found := l.locks[id]
	if !found {
		m = &sync.Mutex{}
		l.locks[id] = m
	}
	l.mu.Unlock()

	if !m.TryLock() {
		return nil, false
	}
	return m.Unlock, true
}

// Forget drops the mutex of a deleted source.
func (l *SourceLocks) Forget(id uuid.UUID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.locks, id)
}

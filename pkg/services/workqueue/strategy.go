package workqueue

import "sync"

// ConcurrencyStrategy controls how tasks are allowed to start concurrently.
// The strategy is responsible for tracking running tasks and determining
// if a new task can start based on the current state.
type ConcurrencyStrategy interface {
	// CanStart returns true if a task with key can start given current state
	CanStart(key string) bool
	// OnStart is called when a task with key starts
	OnStart(key string)
	// OnComplete is called when a task with key completes
	OnComplete(key string)
}

// ============================================================================
// BoundedStrategy - up to N tasks at once, at most one per key
// ============================================================================

// BoundedStrategy allows up to maxConcurrent tasks to run in parallel while
// never running two tasks with the same key at the same time.
type BoundedStrategy struct {
	mu            sync.Mutex
	maxConcurrent int
	running       int
	runningKeys   map[string]bool
}

// NewBoundedStrategy creates a strategy with maxConcurrent workers.
func NewBoundedStrategy(maxConcurrent int) *BoundedStrategy {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	return &BoundedStrategy{
		maxConcurrent: maxConcurrent,
		runningKeys:   make(map[string]bool),
	}
}

// NewSerializedStrategy creates a strategy that runs one task at a time.
func NewSerializedStrategy() *BoundedStrategy {
	return NewBoundedStrategy(1)
}

func (s *BoundedStrategy) CanStart(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running < s.maxConcurrent && !s.runningKeys[key]
}

func (s *BoundedStrategy) OnStart(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running++
	s.runningKeys[key] = true
}

func (s *BoundedStrategy) OnComplete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running > 0 {
		s.running--
	}
	delete(s.runningKeys, key)
}

// Running returns the number of tasks currently holding a worker.
func (s *BoundedStrategy) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

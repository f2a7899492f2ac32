package workqueue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/retry"
)

// ErrQueueClosed is returned by Wait after Shutdown dropped pending tasks.
var ErrQueueClosed = errors.New("work queue closed")

// historyLimit bounds the snapshots kept for finished tasks.
const historyLimit = 100

// Queue runs tasks on a bounded set of goroutines for the lifetime of the process.
// The concurrency strategy determines how tasks are allowed to run:
// - BoundedStrategy(n): up to n tasks at once, never two with the same key
// - SerializedStrategy: one task at a time
//
// Running tasks are never cancelled by the queue; Shutdown drops pending
// tasks and waits for running ones to finish.
type Queue struct {
	mu     sync.Mutex
	tasks  []*TaskState // pending and running, in enqueue order
	recent []TaskSnapshot
	closed bool

	// Concurrency control strategy
	strategy ConcurrencyStrategy

	// Retry configuration for transient errors; MaxRetries 0 disables retries
	retryConfig *retry.Config

	// idle is closed whenever no task is pending or running
	idle chan struct{}
	// wg tracks running goroutines
	wg sync.WaitGroup

	ctx context.Context

	completed int
	failed    int
	cancelled int
	firstErr  error

	// Callbacks
	onUpdate func(TaskSnapshot)

	logger *zap.Logger
}

// QueueOption configures a Queue.
type QueueOption func(*Queue)

// WithStrategy sets the concurrency strategy.
func WithStrategy(strategy ConcurrencyStrategy) QueueOption {
	return func(q *Queue) {
		if strategy != nil {
			q.strategy = strategy
		}
	}
}

// WithWorkers sets a BoundedStrategy with n workers.
func WithWorkers(n int) QueueOption {
	return WithStrategy(NewBoundedStrategy(n))
}

// WithRetryConfig retries tasks that fail with a retryable error.
func WithRetryConfig(config *retry.Config) QueueOption {
	return func(q *Queue) {
		q.retryConfig = config
	}
}

// New creates a new work queue with the given options.
// Without options tasks run one at a time and failures are not retried.
func New(logger *zap.Logger, opts ...QueueOption) *Queue {
	idle := make(chan struct{})
	close(idle)

	q := &Queue{
		tasks:       make([]*TaskState, 0),
		strategy:    NewSerializedStrategy(),
		retryConfig: &retry.Config{},
		idle:        idle,
		ctx:         context.Background(),
		logger:      logger.Named("workqueue"),
	}

	for _, opt := range opts {
		opt(q)
	}
	if q.retryConfig == nil {
		q.retryConfig = &retry.Config{}
	}

	return q
}

// SetOnUpdate sets the callback invoked when a task changes state.
//
// WARNING: The callback is invoked while holding the queue's internal lock.
// Do NOT call any Queue methods from within the callback or it will deadlock.
// The callback should be fast and non-blocking (e.g., send to a channel).
func (q *Queue) SetOnUpdate(callback func(TaskSnapshot)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onUpdate = callback
}

// Enqueue adds a task and attempts to start eligible tasks.
// It returns false when the queue is closed or a task with the same key is
// already pending or running.
func (q *Queue) Enqueue(task Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		q.logger.Warn("queue closed, ignoring enqueue",
			zap.String("task_id", task.ID()),
			zap.String("task_name", task.Name()))
		return false
	}

	for _, ts := range q.tasks {
		if ts.Task.Key() == task.Key() {
			q.logger.Debug("task with same key already queued",
				zap.String("task_name", task.Name()),
				zap.String("key", task.Key()))
			return false
		}
	}

	q.markBusyLocked()

	state := NewTaskState(task)
	q.tasks = append(q.tasks, state)

	q.logger.Info("task enqueued",
		zap.String("task_id", task.ID()),
		zap.String("task_name", task.Name()),
		zap.String("key", task.Key()))

	q.notifyUpdateLocked(state)
	q.tryStartTasksLocked()
	return true
}

// tryStartTasksLocked checks constraints and starts eligible tasks.
// Must be called with lock held.
func (q *Queue) tryStartTasksLocked() {
	if q.closed {
		return
	}

	for _, ts := range q.tasks {
		if ts.GetStatus() != TaskStatusPending {
			continue
		}

		key := ts.Task.Key()
		if !q.strategy.CanStart(key) {
			continue
		}

		q.strategy.OnStart(key)
		ts.SetStatus(TaskStatusRunning)
		q.notifyUpdateLocked(ts)

		q.logger.Debug("starting task",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()))

		q.wg.Add(1)
		go q.runTask(ts)
	}
}

// runTask executes a task with retry logic for transient errors.
func (q *Queue) runTask(ts *TaskState) {
	defer q.wg.Done()

	var lastErr error

	for attempt := 0; attempt <= q.retryConfig.MaxRetries; attempt++ {
		// Wait before retry (skip on first attempt)
		if attempt > 0 {
			backoff := q.retryConfig.Delay(attempt - 1)
			q.logger.Info("retrying task after backoff",
				zap.String("task_id", ts.Task.ID()),
				zap.String("task_name", ts.Task.Name()),
				zap.Int("attempt", attempt),
				zap.Int("max_retries", q.retryConfig.MaxRetries),
				zap.Duration("backoff", backoff))
			time.Sleep(backoff)
		}

		err := q.execute(ts)
		if err == nil {
			q.completeTask(ts, nil)
			return
		}
		lastErr = err

		if !retry.IsRetryable(err) {
			break
		}

		retryCount := ts.IncrementRetryCount()
		if attempt >= q.retryConfig.MaxRetries {
			if q.retryConfig.MaxRetries > 0 {
				q.logger.Error("task failed after max retries",
					zap.String("task_id", ts.Task.ID()),
					zap.String("task_name", ts.Task.Name()),
					zap.Int("retry_count", retryCount),
					zap.Error(err))
			}
			break
		}

		q.logger.Warn("retryable error encountered",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Int("attempt", attempt+1),
			zap.Int("max_retries", q.retryConfig.MaxRetries),
			zap.Error(err))
	}

	q.completeTask(ts, lastErr)
}

// execute runs the task once, converting a panic into an error so one bad
// task cannot take the worker pool down.
func (q *Queue) execute(ts *TaskState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("task panicked",
				zap.String("task_id", ts.Task.ID()),
				zap.String("task_name", ts.Task.Name()),
				zap.Any("panic", r))
			err = retry.Permanent(&PanicError{Value: r})
		}
	}()
	return ts.Task.Execute(q.ctx, q)
}

// PanicError reports a task that panicked.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return "task panicked"
}

// completeTask records the outcome, frees the worker and starts waiting tasks.
func (q *Queue) completeTask(ts *TaskState, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.strategy.OnComplete(ts.Task.Key())

	if err == nil {
		ts.SetStatus(TaskStatusCompleted)
		q.completed++
		q.logger.Debug("task completed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Int("retry_count", ts.GetRetryCount()))
	} else {
		ts.SetStatus(TaskStatusFailed)
		ts.SetError(err)
		q.failed++
		if q.firstErr == nil {
			q.firstErr = err
		}
		q.logger.Error("task failed",
			zap.String("task_id", ts.Task.ID()),
			zap.String("task_name", ts.Task.Name()),
			zap.Int("retry_count", ts.GetRetryCount()),
			zap.Error(err))
	}

	q.retireLocked(ts)
	q.tryStartTasksLocked()
}

// retireLocked moves a terminal task from the active list into history.
// Must be called with lock held.
func (q *Queue) retireLocked(ts *TaskState) {
	for i, t := range q.tasks {
		if t == ts {
			q.tasks = append(q.tasks[:i], q.tasks[i+1:]...)
			break
		}
	}

	q.recent = append(q.recent, ts.Snapshot())
	if len(q.recent) > historyLimit {
		q.recent = q.recent[len(q.recent)-historyLimit:]
	}
	q.notifyUpdateLocked(ts)

	if len(q.tasks) == 0 {
		q.markIdleLocked()
	}
}

// markBusyLocked reopens idle if it was closed.
// Must be called with lock held.
func (q *Queue) markBusyLocked() {
	select {
	case <-q.idle:
		q.idle = make(chan struct{})
	default:
	}
}

// markIdleLocked safely closes idle.
// Must be called with lock held.
func (q *Queue) markIdleLocked() {
	select {
	case <-q.idle:
	default:
		close(q.idle)
	}
}

// notifyUpdateLocked calls the update callback with a snapshot of ts.
// Must be called with lock held.
func (q *Queue) notifyUpdateLocked(ts *TaskState) {
	if q.onUpdate == nil {
		return
	}
	q.onUpdate(ts.Snapshot())
}

// GetTasks returns snapshots of pending and running tasks followed by recently finished ones.
func (q *Queue) GetTasks() []TaskSnapshot {
	q.mu.Lock()
	defer q.mu.Unlock()

	snapshots := make([]TaskSnapshot, 0, len(q.tasks)+len(q.recent))
	for _, ts := range q.tasks {
		snapshots = append(snapshots, ts.Snapshot())
	}
	return append(snapshots, q.recent...)
}

// IsQueued reports whether a task with key is pending or running.
func (q *Queue) IsQueued(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, ts := range q.tasks {
		if ts.Task.Key() == key {
			return true
		}
	}
	return false
}

// Wait blocks until no task is pending or running, or the context ends.
// Returns the first task error recorded since the previous Wait, if any.
func (q *Queue) Wait(ctx context.Context) error {
	q.mu.Lock()
	idle := q.idle
	q.mu.Unlock()

	select {
	case <-idle:
		q.mu.Lock()
		defer q.mu.Unlock()
		err := q.firstErr
		q.firstErr = nil
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting tasks, drops pending ones and waits for running
// tasks to finish or ctx to end.
func (q *Queue) Shutdown(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		q.logger.Info("queue shutting down, waiting for running tasks")

		active := q.tasks[:0]
		for _, ts := range q.tasks {
			if ts.GetStatus() == TaskStatusPending {
				ts.SetStatus(TaskStatusCancelled)
				ts.SetError(ErrQueueClosed)
				q.cancelled++
				q.recent = append(q.recent, ts.Snapshot())
				q.notifyUpdateLocked(ts)
				continue
			}
			active = append(active, ts)
		}
		q.tasks = active
		if len(q.tasks) == 0 {
			q.markIdleLocked()
		}
	}
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IsClosed returns true once Shutdown has been called.
func (q *Queue) IsClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

// Progress returns a progress summary.
func (q *Queue) Progress() Progress {
	q.mu.Lock()
	defer q.mu.Unlock()

	p := Progress{
		Completed: q.completed,
		Failed:    q.failed,
		Cancelled: q.cancelled,
	}
	for _, ts := range q.tasks {
		switch ts.GetStatus() {
		case TaskStatusPending:
			p.Pending++
		case TaskStatusRunning:
			p.Running++
		}
	}
	p.Total = p.Pending + p.Running + p.Completed + p.Failed + p.Cancelled
	return p
}

// Progress holds queue statistics since the queue was created.
type Progress struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Percentage returns the completion percentage (0-100).
func (p Progress) Percentage() int {
	if p.Total == 0 {
		return 100
	}
	done := p.Completed + p.Failed + p.Cancelled
	return (done * 100) / p.Total
}

package workqueue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/retry"
)

// testTask is a simple task for testing.
type testTask struct {
	BaseTask
	executeFunc func(ctx context.Context, enqueuer TaskEnqueuer) error
}

func newTestTask(name, key string, fn func(ctx context.Context, enqueuer TaskEnqueuer) error) *testTask {
	return &testTask{
		BaseTask:    NewBaseTask(name, key),
		executeFunc: fn,
	}
}

func (t *testTask) Execute(ctx context.Context, enqueuer TaskEnqueuer) error {
	if t.executeFunc != nil {
		return t.executeFunc(ctx, enqueuer)
	}
	return nil
}

func waitCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestQueue_EnqueueAndComplete(t *testing.T) {
	q := New(zap.NewNop())

	var executed atomic.Bool
	task := newTestTask("test-task", "job-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		executed.Store(true)
		return nil
	})

	if !q.Enqueue(task) {
		t.Fatal("expected enqueue to succeed")
	}

	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !executed.Load() {
		t.Error("task was not executed")
	}

	p := q.Progress()
	if p.Completed != 1 || p.Total != 1 {
		t.Errorf("expected 1 completed of 1, got %+v", p)
	}
	if p.Percentage() != 100 {
		t.Errorf("expected 100%%, got %d", p.Percentage())
	}
}

func TestQueue_WaitOnEmptyQueue(t *testing.T) {
	q := New(zap.NewNop())
	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueue_TaskFailure(t *testing.T) {
	q := New(zap.NewNop())

	expectedErr := errors.New("task failed")
	q.Enqueue(newTestTask("failing-task", "job-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		return expectedErr
	}))

	err := q.Wait(waitCtx(t))
	if !errors.Is(err, expectedErr) {
		t.Fatalf("expected %v, got %v", expectedErr, err)
	}

	// the error is reported once
	if err := q.Wait(waitCtx(t)); err != nil {
		t.Errorf("expected nil on second wait, got %v", err)
	}
	if q.Progress().Failed != 1 {
		t.Errorf("expected 1 failed, got %d", q.Progress().Failed)
	}
}

func TestQueue_DuplicateKeyRejected(t *testing.T) {
	q := New(zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{})
	first := newTestTask("first", "job-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(started)
		<-release
		return nil
	})
	if !q.Enqueue(first) {
		t.Fatal("expected first enqueue to succeed")
	}
	<-started

	if q.Enqueue(newTestTask("second", "job-1", nil)) {
		t.Error("expected enqueue with a running key to be rejected")
	}
	if !q.IsQueued("job-1") {
		t.Error("expected job-1 to be queued")
	}

	close(release)
	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if q.IsQueued("job-1") {
		t.Error("expected job-1 to be released after completion")
	}
	if !q.Enqueue(newTestTask("third", "job-1", nil)) {
		t.Error("expected enqueue after completion to succeed")
	}
	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueue_BoundedConcurrency(t *testing.T) {
	q := New(zap.NewNop(), WithWorkers(2))

	var running, maxConcurrent int32
	var mu sync.Mutex

	for i := 0; i < 6; i++ {
		q.Enqueue(newTestTask("job", fmt.Sprintf("job-%d", i), func(ctx context.Context, enqueuer TaskEnqueuer) error {
			current := atomic.AddInt32(&running, 1)
			mu.Lock()
			if current > maxConcurrent {
				maxConcurrent = current
			}
			mu.Unlock()

			time.Sleep(30 * time.Millisecond)
			atomic.AddInt32(&running, -1)
			return nil
		}))
	}

	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxConcurrent != 2 {
		t.Errorf("expected max 2 concurrent tasks, got %d", maxConcurrent)
	}
	if q.Progress().Completed != 6 {
		t.Errorf("expected 6 completed, got %d", q.Progress().Completed)
	}
}

func TestBoundedStrategy_SameKeyNeverConcurrent(t *testing.T) {
	s := NewBoundedStrategy(4)

	if !s.CanStart("a") {
		t.Fatal("expected a to start")
	}
	s.OnStart("a")
	if s.CanStart("a") {
		t.Error("expected second a to wait")
	}
	if !s.CanStart("b") {
		t.Error("expected b to start")
	}
	s.OnComplete("a")
	if !s.CanStart("a") {
		t.Error("expected a to start after completion")
	}
	if s.Running() != 0 {
		t.Errorf("expected 0 running, got %d", s.Running())
	}
}

func TestQueue_RetriesRetryableErrors(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(&retry.Config{
		MaxRetries:   2,
		InitialDelay: time.Millisecond,
		MaxDelay:     5 * time.Millisecond,
		Multiplier:   2,
	}))

	var attempts int32
	q.Enqueue(newTestTask("flaky", "job-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		if atomic.AddInt32(&attempts, 1) < 3 {
			return errors.New("connection refused")
		}
		return nil
	}))

	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if attempts != 3 {
		t.Errorf("expected 3 attempts, got %d", attempts)
	}

	tasks := q.GetTasks()
	if len(tasks) != 1 || tasks[0].RetryCount != 2 {
		t.Errorf("expected one finished task with 2 retries, got %+v", tasks)
	}
}

func TestQueue_NonRetryableErrorFailsImmediately(t *testing.T) {
	q := New(zap.NewNop(), WithRetryConfig(&retry.Config{MaxRetries: 3, InitialDelay: time.Millisecond}))

	var attempts int32
	q.Enqueue(newTestTask("bad", "job-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		atomic.AddInt32(&attempts, 1)
		return errors.New("invalid column")
	}))

	if err := q.Wait(waitCtx(t)); err == nil {
		t.Fatal("expected error")
	}
	if attempts != 1 {
		t.Errorf("expected 1 attempt, got %d", attempts)
	}
}

func TestQueue_PanicBecomesFailure(t *testing.T) {
	q := New(zap.NewNop())

	q.Enqueue(newTestTask("panics", "job-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		panic("boom")
	}))

	err := q.Wait(waitCtx(t))
	var panicErr *PanicError
	if !errors.As(err, &panicErr) {
		t.Fatalf("expected PanicError, got %v", err)
	}
	if panicErr.Value != "boom" {
		t.Errorf("expected panic value boom, got %v", panicErr.Value)
	}

	// the worker survives
	if !q.Enqueue(newTestTask("after", "job-2", nil)) {
		t.Fatal("expected enqueue to succeed")
	}
	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestQueue_TaskCanEnqueueFollowUp(t *testing.T) {
	q := New(zap.NewNop(), WithWorkers(2))

	var followUpRan atomic.Bool
	q.Enqueue(newTestTask("parent", "job-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		enqueuer.Enqueue(newTestTask("child", "job-2", func(ctx context.Context, enqueuer TaskEnqueuer) error {
			followUpRan.Store(true)
			return nil
		}))
		return nil
	}))

	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !followUpRan.Load() {
		t.Error("follow-up task did not run")
	}
}

func TestQueue_ShutdownDropsPendingAndWaitsForRunning(t *testing.T) {
	q := New(zap.NewNop())

	release := make(chan struct{})
	started := make(chan struct{})
	var finished atomic.Bool
	q.Enqueue(newTestTask("running", "job-1", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		close(started)
		<-release
		finished.Store(true)
		return nil
	}))
	<-started

	var pendingRan atomic.Bool
	q.Enqueue(newTestTask("pending", "job-2", func(ctx context.Context, enqueuer TaskEnqueuer) error {
		pendingRan.Store(true)
		return nil
	}))

	shutdownDone := make(chan error, 1)
	go func() { shutdownDone <- q.Shutdown(waitCtx(t)) }()

	time.Sleep(20 * time.Millisecond)
	close(release)

	if err := <-shutdownDone; err != nil {
		t.Fatalf("unexpected shutdown error: %v", err)
	}
	if !finished.Load() {
		t.Error("running task was not allowed to finish")
	}
	if pendingRan.Load() {
		t.Error("pending task ran after shutdown")
	}
	if q.Progress().Cancelled != 1 {
		t.Errorf("expected 1 cancelled, got %d", q.Progress().Cancelled)
	}
	if q.Enqueue(newTestTask("late", "job-3", nil)) {
		t.Error("expected enqueue after shutdown to be rejected")
	}
	if !q.IsClosed() {
		t.Error("expected queue to report closed")
	}
}

func TestQueue_OnUpdateReceivesTransitions(t *testing.T) {
	q := New(zap.NewNop())

	var mu sync.Mutex
	var statuses []TaskStatus
	q.SetOnUpdate(func(s TaskSnapshot) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})

	q.Enqueue(newTestTask("observed", "job-1", nil))
	if err := q.Wait(waitCtx(t)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []TaskStatus{TaskStatusPending, TaskStatusRunning, TaskStatusCompleted}
	if fmt.Sprint(statuses) != fmt.Sprint(want) {
		t.Errorf("expected %v, got %v", want, statuses)
	}
}

package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
)

// mockRefresher fails sources listed in errs and counts calls.
type mockRefresher struct {
	mu    sync.Mutex
	errs  map[uuid.UUID]error
	calls int
	block chan struct{}
}

func newMockRefresher() *mockRefresher {
	return &mockRefresher{errs: make(map[uuid.UUID]error)}
}

func (m *mockRefresher) fail(id uuid.UUID, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err == nil {
		delete(m.errs, id)
		return
	}
	m.errs[id] = err
}

func (m *mockRefresher) Refresh(ctx context.Context, id uuid.UUID) (*models.RefreshStats, error) {
	m.mu.Lock()
	m.calls++
	err := m.errs[id]
	block := m.block
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	if err != nil {
		return nil, err
	}
	return &models.RefreshStats{RecordsProcessed: 10, RecordsAdded: 2, RecordsUpdated: 8}, nil
}

func (m *mockRefresher) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

type schedulerFixture struct {
	svc       SchedulerService
	impl      *schedulerService
	jobs      repositories.JobRepository
	logs      repositories.RunLogRepository
	refresher *mockRefresher
	sourceA   uuid.UUID
	sourceB   uuid.UUID
	now       time.Time
}

func newSchedulerFixture(t *testing.T) *schedulerFixture {
	t.Helper()
	jobs := repositories.NewMemoryJobRepository()
	logs := repositories.NewMemoryRunLogRepository()
	sources := repositories.NewMemoryDataSourceRepository()
	st := newTestStore(t)

	a := seedSource(t, sources, st, nil, nil)
	b := seedSource(t, sources, st, nil, nil)

	refresher := newMockRefresher()
	svc := NewSchedulerService(jobs, logs, sources, refresher, SchedulerConfig{
		TickInterval:             time.Minute,
		Workers:                  2,
		DefaultMaxRetries:        3,
		DefaultRetryDelayMinutes: 5,
		DefaultFailureThreshold:  3,
	}, zap.NewNop())

	fx := &schedulerFixture{
		svc:       svc,
		impl:      svc.(*schedulerService),
		jobs:      jobs,
		logs:      logs,
		refresher: refresher,
		sourceA:   a.ID,
		sourceB:   b.ID,
		now:       time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	fx.impl.now = func() time.Time { return fx.now }
	t.Cleanup(func() { _ = svc.Stop(context.Background()) })
	return fx
}

func (fx *schedulerFixture) createJob(t *testing.T, mutate func(*JobRequest)) *models.ScheduledETLJob {
	t.Helper()
	req := JobRequest{
		Name:          "nightly",
		Schedule:      models.ScheduleSpec{Type: models.ScheduleDaily, Hour: 2},
		DataSourceIDs: []uuid.UUID{fx.sourceA, fx.sourceB},
	}
	if mutate != nil {
		mutate(&req)
	}
	job, err := fx.svc.CreateJob(context.Background(), req)
	require.NoError(t, err)
	return job
}

func TestScheduler_CreateJob(t *testing.T) {
	fx := newSchedulerFixture(t)
	job := fx.createJob(t, nil)

	assert.True(t, job.IsActive)
	assert.Equal(t, models.JobStatusActive, job.Status)
	assert.Equal(t, 3, job.MaxRetries)
	assert.Equal(t, 5, job.RetryDelayMinutes)
	assert.Equal(t, 3, job.FailureThreshold)
	require.NotNil(t, job.NextRun)
	assert.Equal(t, time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC), *job.NextRun)

	inactive := fx.createJob(t, func(r *JobRequest) {
		off := false
		r.IsActive = &off
	})
	assert.Equal(t, models.JobStatusInactive, inactive.Status)
	assert.Nil(t, inactive.NextRun)
}

func TestScheduler_CreateJobValidation(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)

	zero := 0
	tests := []struct {
		name string
		req  JobRequest
	}{
		{"missing name", JobRequest{Schedule: models.ScheduleSpec{Type: models.ScheduleHourly}, DataSourceIDs: []uuid.UUID{fx.sourceA}}},
		{"bad schedule", JobRequest{Name: "x", Schedule: models.ScheduleSpec{Type: models.ScheduleDaily, Hour: 25}, DataSourceIDs: []uuid.UUID{fx.sourceA}}},
		{"no sources", JobRequest{Name: "x", Schedule: models.ScheduleSpec{Type: models.ScheduleHourly}}},
		{"unknown source", JobRequest{Name: "x", Schedule: models.ScheduleSpec{Type: models.ScheduleHourly}, DataSourceIDs: []uuid.UUID{uuid.New()}}},
		{"zero threshold", JobRequest{Name: "x", Schedule: models.ScheduleSpec{Type: models.ScheduleHourly}, DataSourceIDs: []uuid.UUID{fx.sourceA}, FailureThreshold: &zero}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := fx.svc.CreateJob(ctx, tt.req)
			assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)
		})
	}
}

func TestScheduler_RunNowSuccess(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)
	job := fx.createJob(t, nil)

	runLog, err := fx.svc.RunNow(ctx, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusSuccess, runLog.Status)
	assert.Equal(t, models.TriggerManual, runLog.TriggeredBy)
	assert.Equal(t, 1, runLog.Attempt)
	require.Len(t, runLog.Sources, 2)
	assert.Equal(t, 20, runLog.Totals().RecordsProcessed)

	got, err := fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, got.Status)
	assert.Equal(t, models.RunStatusSuccess, got.LastRunStatus)
	assert.Zero(t, got.ConsecutiveFailures)
	require.NotNil(t, got.LastRun)
	assert.Equal(t, fx.now, *got.LastRun)

	report, err := fx.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, report.IsRunning)
	assert.Equal(t, 1, report.TotalRuns)
	require.NotNil(t, report.LastRunLog)
	assert.Equal(t, runLog.ID, report.LastRunLog.ID)
}

func TestScheduler_PartialFailureSchedulesRetry(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)
	job := fx.createJob(t, nil)
	fx.refresher.fail(fx.sourceB, errors.New("connection refused"))

	runLog, err := fx.svc.RunNow(ctx, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, models.RunStatusFailed, runLog.Status)
	assert.Contains(t, runLog.ErrorMessage, fx.sourceB.String())
	assert.True(t, runLog.Sources[0].Success, "one source failing does not stop the others")
	assert.False(t, runLog.Sources[1].Success)
	assert.Equal(t, "connection refused", runLog.Sources[1].Error)

	got, err := fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ConsecutiveFailures)
	assert.Equal(t, 1, got.RetryAttempt)
	assert.True(t, got.IsActive)
	require.NotNil(t, got.NextRun)
	assert.Equal(t, fx.now.Add(5*time.Minute), *got.NextRun)

	fx.refresher.fail(fx.sourceB, nil)
	runLog, err = fx.svc.RunNow(ctx, job.ID, "")
	require.NoError(t, err)
	assert.Equal(t, 2, runLog.Attempt)
	assert.Equal(t, models.RunStatusSuccess, runLog.Status)

	got, err = fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ConsecutiveFailures)
	assert.Zero(t, got.RetryAttempt)
	assert.Equal(t, time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC), *got.NextRun)
}

func TestScheduler_AutoDisableAfterThreshold(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)
	job := fx.createJob(t, nil)
	fx.refresher.fail(fx.sourceA, errors.New("relation does not exist"))

	for i := 0; i < 3; i++ {
		runLog, err := fx.svc.RunNow(ctx, job.ID, "")
		require.NoError(t, err)
		assert.Equal(t, models.RunStatusFailed, runLog.Status)
	}

	got, err := fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, models.JobStatusError, got.Status)
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.Nil(t, got.NextRun)

	logs, total, err := fx.svc.ListLogs(ctx, job.ID, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	for _, l := range logs {
		assert.Equal(t, models.RunStatusFailed, l.Status)
	}

	calls := fx.refresher.callCount()
	_, err = fx.svc.RunNow(ctx, job.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrJobDisabled)
	assert.Equal(t, calls, fx.refresher.callCount(), "disabled job does not run")

	enabled, err := fx.svc.Enable(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, enabled.IsActive)
	assert.Equal(t, models.JobStatusActive, enabled.Status)
	assert.Zero(t, enabled.ConsecutiveFailures)
	assert.NotNil(t, enabled.NextRun)
}

func TestScheduler_RetriesExhaustedFallBackToSchedule(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)
	one, threshold := 1, 10
	job := fx.createJob(t, func(r *JobRequest) {
		r.MaxRetries = &one
		r.FailureThreshold = &threshold
	})
	fx.refresher.fail(fx.sourceA, errors.New("timeout"))

	_, err := fx.svc.RunNow(ctx, job.ID, "")
	require.NoError(t, err)
	got, err := fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RetryAttempt)
	assert.Equal(t, fx.now.Add(5*time.Minute), *got.NextRun)

	_, err = fx.svc.RunNow(ctx, job.ID, "")
	require.NoError(t, err)
	got, err = fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Zero(t, got.RetryAttempt)
	assert.Equal(t, 2, got.ConsecutiveFailures)
	assert.Equal(t, time.Date(2024, 3, 2, 2, 0, 0, 0, time.UTC), *got.NextRun)
}

func TestScheduler_ConcurrentRunRejected(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)
	job := fx.createJob(t, func(r *JobRequest) { r.DataSourceIDs = []uuid.UUID{fx.sourceA} })

	block := make(chan struct{})
	fx.refresher.mu.Lock()
	fx.refresher.block = block
	fx.refresher.mu.Unlock()

	done := make(chan error, 1)
	go func() {
		_, err := fx.svc.RunNow(ctx, job.ID, "")
		done <- err
	}()

	require.Eventually(t, func() bool { return fx.refresher.callCount() == 1 }, time.Second, 5*time.Millisecond)

	report, err := fx.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.True(t, report.IsRunning)

	_, err = fx.svc.RunNow(ctx, job.ID, "")
	assert.ErrorIs(t, err, apperrors.ErrJobAlreadyRunning)

	close(block)
	require.NoError(t, <-done)

	logs, total, err := fx.svc.ListLogs(ctx, job.ID, 1, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, logs, 1)
}

func TestScheduler_TickRunsDueJobs(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)
	due := fx.createJob(t, nil)
	notDue := fx.createJob(t, func(r *JobRequest) { r.Name = "later" })

	past := fx.now.Add(-time.Minute)
	due.NextRun = &past
	require.NoError(t, fx.jobs.Update(ctx, due))

	assert.Equal(t, 1, fx.svc.Tick(ctx))
	_ = fx.impl.queue.Wait(ctx)

	logs, total, err := fx.svc.ListLogs(ctx, due.ID, 1, 10)
	require.NoError(t, err)
	require.Equal(t, 1, total)
	assert.Equal(t, models.TriggerScheduler, logs[0].TriggeredBy)

	_, total, err = fx.svc.ListLogs(ctx, notDue.ID, 1, 10)
	require.NoError(t, err)
	assert.Zero(t, total)

	got, err := fx.svc.GetJob(ctx, due.ID)
	require.NoError(t, err)
	assert.True(t, got.NextRun.After(fx.now))
	assert.Equal(t, 0, fx.svc.Tick(ctx), "rescheduled job is no longer due")
}

func TestScheduler_DisableStopsScheduling(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)
	job := fx.createJob(t, nil)

	got, err := fx.svc.Disable(ctx, job.ID)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, models.JobStatusInactive, got.Status)
	assert.Nil(t, got.NextRun)

	past := fx.now.Add(-time.Hour)
	got.NextRun = &past
	require.NoError(t, fx.jobs.Update(ctx, got))
	assert.Zero(t, fx.svc.Tick(ctx))
}

func TestScheduler_UpdateAndDelete(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)
	job := fx.createJob(t, nil)

	updated, err := fx.svc.UpdateJob(ctx, job.ID, JobRequest{
		Schedule: models.ScheduleSpec{Type: models.ScheduleHourly, Minute: 30},
	})
	require.NoError(t, err)
	assert.Equal(t, "nightly", updated.Name)
	assert.Equal(t, models.ScheduleHourly, updated.Schedule.Type)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC), *updated.NextRun)

	require.NoError(t, fx.svc.DeleteJob(ctx, job.ID))
	_, err = fx.svc.GetJob(ctx, job.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	jobs, err := fx.svc.ListJobs(ctx)
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestScheduler_StartBackfillsNextRun(t *testing.T) {
	ctx := context.Background()
	fx := newSchedulerFixture(t)
	job := fx.createJob(t, nil)

	job.NextRun = nil
	job.Status = models.JobStatusRunning
	require.NoError(t, fx.jobs.Update(ctx, job))

	require.NoError(t, fx.svc.Start(ctx))
	require.NoError(t, fx.svc.Stop(ctx))

	got, err := fx.svc.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusActive, got.Status)
	require.NotNil(t, got.NextRun)
}

type failingRunLogs struct {
	repositories.RunLogRepository
	err error
}

func (f *failingRunLogs) Append(ctx context.Context, log *models.ETLJobRunLog) error {
	if f.err != nil {
		return f.err
	}
	return f.RunLogRepository.Append(ctx, log)
}

// failingJobs fails the next save of a finished run once.
type failingJobs struct {
	repositories.JobRepository
	mu          sync.Mutex
	failOutcome bool
}

func (f *failingJobs) Update(ctx context.Context, job *models.ScheduledETLJob) error {
	f.mu.Lock()
	fail := f.failOutcome && job.Status != models.JobStatusRunning
	if fail {
		f.failOutcome = false
	}
	f.mu.Unlock()
	if fail {
		return errors.New("job store down")
	}
	return f.JobRepository.Update(ctx, job)
}

func TestScheduler_AbortedRunRestoresStatus(t *testing.T) {
	tests := []struct {
		name    string
		arrange func(jobs *failingJobs, logs *failingRunLogs)
		wantErr string
	}{
		{
			name:    "run log append fails",
			arrange: func(_ *failingJobs, logs *failingRunLogs) { logs.err = errors.New("log store down") },
			wantErr: "failed to append run log",
		},
		{
			name:    "job save fails",
			arrange: func(jobs *failingJobs, _ *failingRunLogs) { jobs.failOutcome = true },
			wantErr: "failed to save job state",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			jobs := &failingJobs{JobRepository: repositories.NewMemoryJobRepository()}
			logs := &failingRunLogs{RunLogRepository: repositories.NewMemoryRunLogRepository()}
			sources := repositories.NewMemoryDataSourceRepository()
			ds := seedSource(t, sources, newTestStore(t), nil, nil)

			svc := NewSchedulerService(jobs, logs, sources, newMockRefresher(), SchedulerConfig{}, zap.NewNop())
			t.Cleanup(func() { _ = svc.Stop(context.Background()) })
			job, err := svc.CreateJob(ctx, JobRequest{
				Name:          "hourly",
				Schedule:      models.ScheduleSpec{Type: models.ScheduleHourly},
				DataSourceIDs: []uuid.UUID{ds.ID},
			})
			require.NoError(t, err)

			tt.arrange(jobs, logs)
			_, err = svc.RunNow(ctx, job.ID, "")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			got, err := svc.GetJob(ctx, job.ID)
			require.NoError(t, err)
			assert.Equal(t, models.JobStatusActive, got.Status)
			assert.True(t, got.IsActive)
			require.NotNil(t, got.NextRun)
			assert.Equal(t, *job.NextRun, *got.NextRun)

			report, err := svc.GetStatus(ctx, job.ID)
			require.NoError(t, err)
			assert.False(t, report.IsRunning)

			logs.err = nil
			runLog, err := svc.RunNow(ctx, job.ID, "")
			require.NoError(t, err)
			assert.Equal(t, models.RunStatusSuccess, runLog.Status)
		})
	}
}

package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
	"github.com/ekaya-inc/ekaya-etl/pkg/services/workqueue"
)

// Job defaults and log paging limits.
const (
	DefaultJobMaxRetries        = 3
	DefaultJobRetryDelayMinutes = 5
	DefaultJobFailureThreshold  = 3
	DefaultLogPageSize          = 20
	MaxLogPageSize              = 100
)

// SourceRefresher runs the refresh pipeline for one data source.
type SourceRefresher interface {
	Refresh(ctx context.Context, id uuid.UUID) (*models.RefreshStats, error)
}

// JobRequest creates or updates a scheduled job. Nil pointers keep the current
// value on update and use the configured default on create.
type JobRequest struct {
	Name              string              `json:"name"`
	Schedule          models.ScheduleSpec `json:"schedule"`
	DataSourceIDs     []uuid.UUID         `json:"data_source_ids"`
	IsActive          *bool               `json:"is_active,omitempty"`
	MaxRetries        *int                `json:"max_retries,omitempty"`
	RetryDelayMinutes *int                `json:"retry_delay_minutes,omitempty"`
	FailureThreshold  *int                `json:"failure_threshold,omitempty"`
}

// SchedulerConfig configures the tick loop and job defaults.
type SchedulerConfig struct {
	TickInterval             time.Duration
	Workers                  int
	DefaultMaxRetries        int
	DefaultRetryDelayMinutes int
	DefaultFailureThreshold  int
}

// SchedulerService owns scheduled job state and runs due jobs on a worker pool.
type SchedulerService interface {
	CreateJob(ctx context.Context, req JobRequest) (*models.ScheduledETLJob, error)
	UpdateJob(ctx context.Context, id uuid.UUID, req JobRequest) (*models.ScheduledETLJob, error)
	DeleteJob(ctx context.Context, id uuid.UUID) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error)
	ListJobs(ctx context.Context) ([]*models.ScheduledETLJob, error)

	// RunNow executes the job synchronously and returns its run log. It fails with
	// ErrJobDisabled while the job is in status error and ErrJobAlreadyRunning
	// while another run holds the job.
	RunNow(ctx context.Context, id uuid.UUID, triggeredBy string) (*models.ETLJobRunLog, error)

	// Enable activates a job and clears its failure counters.
	Enable(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error)
	Disable(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error)

	GetStatus(ctx context.Context, id uuid.UUID) (*models.JobStatusReport, error)

	// ListLogs returns one page (1-based) of run logs, newest first, and the total count.
	ListLogs(ctx context.Context, id uuid.UUID, page, pageSize int) ([]*models.ETLJobRunLog, int, error)

	// Tick enqueues every due job and returns how many were enqueued.
	Tick(ctx context.Context) int

	// Start begins the periodic tick. Stop halts it and waits for running jobs.
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

type schedulerService struct {
	jobs      repositories.JobRepository
	logs      repositories.RunLogRepository
	sources   repositories.DataSourceRepository
	refresher SourceRefresher
	queue     *workqueue.Queue
	cfg       SchedulerConfig
	now       func() time.Time
	logger    *zap.Logger

	mu      sync.Mutex
	locks   map[uuid.UUID]*sync.Mutex
	running map[uuid.UUID]bool
	cron    *cron.Cron
}

// NewSchedulerService creates a scheduler. Zero config values use the defaults.
func NewSchedulerService(
	jobs repositories.JobRepository,
	logs repositories.RunLogRepository,
	sources repositories.DataSourceRepository,
	refresher SourceRefresher,
	cfg SchedulerConfig,
	logger *zap.Logger,
) SchedulerService {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.DefaultMaxRetries < 0 {
		cfg.DefaultMaxRetries = DefaultJobMaxRetries
	}
	if cfg.DefaultRetryDelayMinutes <= 0 {
		cfg.DefaultRetryDelayMinutes = DefaultJobRetryDelayMinutes
	}
	if cfg.DefaultFailureThreshold <= 0 {
		cfg.DefaultFailureThreshold = DefaultJobFailureThreshold
	}

	named := logger.Named("scheduler")
	return &schedulerService{
		jobs:      jobs,
		logs:      logs,
		sources:   sources,
		refresher: refresher,
		queue:     workqueue.New(named, workqueue.WithWorkers(cfg.Workers)),
		cfg:       cfg,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    named,
		locks:     make(map[uuid.UUID]*sync.Mutex),
		running:   make(map[uuid.UUID]bool),
	}
}

var _ SchedulerService = (*schedulerService)(nil)

// acquire takes the job lock without waiting. The returned func releases it.
func (s *schedulerService) acquire(id uuid.UUID) (func(), error) {
	s.mu.Lock()
	m, ok := s.locks[id]
	if !ok {
		m = &sync.Mutex{}
		s.locks[id] = m
	}
	s.mu.Unlock()

	if !m.TryLock() {
		return nil, fmt.Errorf("job %s: %w", id, apperrors.ErrJobAlreadyRunning)
	}
	return m.Unlock, nil
}

func (s *schedulerService) setRunning(id uuid.UUID, on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if on {
		s.running[id] = true
	} else {
		delete(s.running, id)
	}
}

func (s *schedulerService) isRunning(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running[id]
}

func (s *schedulerService) validate(ctx context.Context, job *models.ScheduledETLJob) error {
	if strings.TrimSpace(job.Name) == "" {
		return fmt.Errorf("%w: name is required", apperrors.ErrInvalidParameter)
	}
	if _, err := CronExpression(job.Schedule); err != nil {
		return fmt.Errorf("%w: %v", apperrors.ErrInvalidParameter, err)
	}
	if len(job.DataSourceIDs) == 0 {
		return fmt.Errorf("%w: at least one data source is required", apperrors.ErrInvalidParameter)
	}
	for _, id := range job.DataSourceIDs {
		if _, _, err := s.sources.GetByID(ctx, id); err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				return fmt.Errorf("%w: data source %s does not exist", apperrors.ErrInvalidParameter, id)
			}
			return err
		}
	}
	if job.MaxRetries < 0 || job.RetryDelayMinutes < 0 {
		return fmt.Errorf("%w: retry settings must not be negative", apperrors.ErrInvalidParameter)
	}
	if job.FailureThreshold <= 0 {
		return fmt.Errorf("%w: failure_threshold must be positive", apperrors.ErrInvalidParameter)
	}
	return nil
}

// reschedule sets NextRun from the regular schedule, or clears it for a job that must not fire.
func (s *schedulerService) reschedule(job *models.ScheduledETLJob) error {
	if !job.IsActive || job.Status == models.JobStatusError {
		job.NextRun = nil
		return nil
	}
	next, err := NextRun(job.Schedule, s.now())
	if err != nil {
		return err
	}
	job.NextRun = &next
	return nil
}

func applyRequest(job *models.ScheduledETLJob, req JobRequest) {
	if req.Name != "" {
		job.Name = req.Name
	}
	if req.Schedule.Type != "" {
		job.Schedule = req.Schedule
	}
	if req.DataSourceIDs != nil {
		job.DataSourceIDs = append([]uuid.UUID(nil), req.DataSourceIDs...)
	}
	if req.IsActive != nil {
		job.IsActive = *req.IsActive
	}
	if req.MaxRetries != nil {
		job.MaxRetries = *req.MaxRetries
	}
	if req.RetryDelayMinutes != nil {
		job.RetryDelayMinutes = *req.RetryDelayMinutes
	}
	if req.FailureThreshold != nil {
		job.FailureThreshold = *req.FailureThreshold
	}
}

func (s *schedulerService) CreateJob(ctx context.Context, req JobRequest) (*models.ScheduledETLJob, error) {
	job := &models.ScheduledETLJob{
		ID:                uuid.New(),
		IsActive:          true,
		MaxRetries:        s.cfg.DefaultMaxRetries,
		RetryDelayMinutes: s.cfg.DefaultRetryDelayMinutes,
		FailureThreshold:  s.cfg.DefaultFailureThreshold,
	}
	applyRequest(job, req)
	if err := s.validate(ctx, job); err != nil {
		return nil, err
	}

	job.Status = models.JobStatusInactive
	if job.IsActive {
		job.Status = models.JobStatusActive
	}
	if err := s.reschedule(job); err != nil {
		return nil, err
	}
	if err := s.jobs.Create(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to create job: %w", err)
	}

	s.logger.Info("Created scheduled job",
		zap.String("job_id", job.ID.String()),
		zap.String("name", job.Name),
		zap.String("schedule", string(job.Schedule.Type)),
		zap.Int("sources", len(job.DataSourceIDs)))
	return job, nil
}

func (s *schedulerService) UpdateJob(ctx context.Context, id uuid.UUID, req JobRequest) (*models.ScheduledETLJob, error) {
	release, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	applyRequest(job, req)
	if err := s.validate(ctx, job); err != nil {
		return nil, err
	}

	switch {
	case job.Status == models.JobStatusError:
	case job.IsActive:
		job.Status = models.JobStatusActive
	default:
		job.Status = models.JobStatusInactive
	}
	if err := s.reschedule(job); err != nil {
		return nil, err
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}
	return job, nil
}

func (s *schedulerService) DeleteJob(ctx context.Context, id uuid.UUID) error {
	release, err := s.acquire(id)
	if err != nil {
		return err
	}
	defer release()

	if err := s.jobs.Delete(ctx, id); err != nil {
		return fmt.Errorf("job %s: %w", id, err)
	}
	s.logger.Info("Deleted scheduled job", zap.String("job_id", id.String()))
	return nil
}

func (s *schedulerService) GetJob(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error) {
	job, err := s.jobs.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", id, err)
	}
	return job, nil
}

func (s *schedulerService) ListJobs(ctx context.Context) ([]*models.ScheduledETLJob, error) {
	return s.jobs.List(ctx)
}

func (s *schedulerService) Enable(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error) {
	return s.setActive(ctx, id, true)
}

func (s *schedulerService) Disable(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error) {
	return s.setActive(ctx, id, false)
}

func (s *schedulerService) setActive(ctx context.Context, id uuid.UUID, active bool) (*models.ScheduledETLJob, error) {
	release, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}

	job.IsActive = active
	if active {
		job.Status = models.JobStatusActive
		job.ConsecutiveFailures = 0
		job.RetryAttempt = 0
	} else {
		job.Status = models.JobStatusInactive
	}
	if err := s.reschedule(job); err != nil {
		return nil, err
	}
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to update job: %w", err)
	}

	s.logger.Info("Scheduled job toggled",
		zap.String("job_id", id.String()),
		zap.Bool("active", active))
	return job, nil
}

func (s *schedulerService) GetStatus(ctx context.Context, id uuid.UUID) (*models.JobStatusReport, error) {
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	logs, total, err := s.logs.ListByJob(ctx, id, 1, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to list run logs: %w", err)
	}

	report := &models.JobStatusReport{
		Job:       job,
		IsRunning: s.isRunning(id) || job.Status == models.JobStatusRunning,
		TotalRuns: total,
	}
	if len(logs) > 0 {
		report.LastRunLog = logs[0]
	}
	return report, nil
}

func (s *schedulerService) ListLogs(ctx context.Context, id uuid.UUID, page, pageSize int) ([]*models.ETLJobRunLog, int, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, 0, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultLogPageSize
	}
	if pageSize > MaxLogPageSize {
		pageSize = MaxLogPageSize
	}
	return s.logs.ListByJob(ctx, id, pageSize, (page-1)*pageSize)
}

func (s *schedulerService) RunNow(ctx context.Context, id uuid.UUID, triggeredBy string) (*models.ETLJobRunLog, error) {
	if triggeredBy == "" {
		triggeredBy = models.TriggerManual
	}
	return s.execute(ctx, id, triggeredBy)
}

// execute performs one attempt of a job under its lock and applies the retry
// and auto-disable policy.
func (s *schedulerService) execute(ctx context.Context, id uuid.UUID, triggeredBy string) (*models.ETLJobRunLog, error) {
	release, err := s.acquire(id)
	if err != nil {
		return nil, err
	}
	defer release()

	job, err := s.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.Status == models.JobStatusError {
		return nil, fmt.Errorf("job %s: %w", id, apperrors.ErrJobDisabled)
	}
	if triggeredBy == models.TriggerScheduler && !job.IsDue(s.now()) {
		s.logger.Debug("Job no longer due", zap.String("job_id", id.String()))
		return nil, nil
	}

	s.setRunning(id, true)
	defer s.setRunning(id, false)

	prevStatus := job.Status
	job.Status = models.JobStatusRunning
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}
	saved := false
	defer func() {
		if !saved {
			s.restoreStatus(context.WithoutCancel(ctx), id, prevStatus)
		}
	}()

	attempt := job.RetryAttempt + 1
	runLog := &models.ETLJobRunLog{
		ID:          uuid.New(),
		JobID:       id,
		Attempt:     attempt,
		TriggeredBy: triggeredBy,
		StartedAt:   s.now(),
	}

	s.logger.Info("Job run started",
		zap.String("job_id", id.String()),
		zap.Int("attempt", attempt),
		zap.String("triggered_by", triggeredBy))

	var failed []string
	for _, sourceID := range job.DataSourceIDs {
		result := models.SourceRunResult{DataSourceID: sourceID}
		stats, err := s.refresher.Refresh(ctx, sourceID)
		if err != nil {
			result.Error = err.Error()
			failed = append(failed, sourceID.String())
			s.logger.Warn("Source refresh failed in job",
				zap.String("job_id", id.String()),
				zap.String("source_id", sourceID.String()),
				zap.Error(err))
		} else {
			result.Success = true
			result.RefreshStats = *stats
		}
		runLog.Sources = append(runLog.Sources, result)
	}

	runLog.CompletedAt = s.now()
	var failure *apperrors.JobExecutionFailure
	if len(failed) > 0 {
		failure = &apperrors.JobExecutionFailure{JobID: id.String(), Attempt: attempt, Failed: failed}
		runLog.Status = models.RunStatusFailed
		runLog.ErrorMessage = failure.Error()
	} else {
		runLog.Status = models.RunStatusSuccess
	}

	if err := s.logs.Append(ctx, runLog); err != nil {
		return nil, fmt.Errorf("failed to append run log: %w", err)
	}

	s.applyOutcome(job, runLog)
	if err := s.jobs.Update(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to save job state: %w", err)
	}
	saved = true

	if failure != nil {
		fields := []zap.Field{
			zap.String("job_id", id.String()),
			zap.Int("consecutive_failures", job.ConsecutiveFailures),
			zap.Error(failure),
		}
		if job.Status == models.JobStatusError {
			s.logger.Error("Job disabled after repeated failures", fields...)
		} else {
			s.logger.Warn("Job run failed", fields...)
		}
	} else {
		s.logger.Info("Job run succeeded",
			zap.String("job_id", id.String()),
			zap.Int("records_processed", runLog.Totals().RecordsProcessed))
	}
	return runLog, nil
}

// restoreStatus puts back the pre-run status of a job whose outcome could not be
// saved, so it stays eligible for the next tick.
func (s *schedulerService) restoreStatus(ctx context.Context, id uuid.UUID, status models.JobStatus) {
	job, err := s.jobs.GetByID(ctx, id)
	if err == nil {
		if job.Status != models.JobStatusRunning {
			return
		}
		job.Status = status
		err = s.jobs.Update(ctx, job)
	}
	if err != nil {
		s.logger.Error("Failed to restore job status after aborted run",
			zap.String("job_id", id.String()),
			zap.String("status", string(status)),
			zap.Error(err))
		return
	}
	s.logger.Warn("Restored job status after aborted run",
		zap.String("job_id", id.String()),
		zap.String("status", string(status)))
}

// applyOutcome updates counters, status and NextRun after an attempt.
func (s *schedulerService) applyOutcome(job *models.ScheduledETLJob, runLog *models.ETLJobRunLog) {
	started := runLog.StartedAt
	job.LastRun = &started
	job.LastRunStatus = runLog.Status

	restore := func() {
		if job.IsActive {
			job.Status = models.JobStatusActive
		} else {
			job.Status = models.JobStatusInactive
		}
	}

	if runLog.Status == models.RunStatusSuccess {
		job.ConsecutiveFailures = 0
		job.RetryAttempt = 0
		restore()
		s.rescheduleOrLog(job)
		return
	}

	job.ConsecutiveFailures++
	if job.ConsecutiveFailures >= job.FailureThreshold {
		job.IsActive = false
		job.Status = models.JobStatusError
		job.NextRun = nil
		return
	}

	restore()
	if job.IsActive && job.RetryAttempt < job.MaxRetries {
		job.RetryAttempt++
		retryAt := started.Add(time.Duration(job.RetryDelayMinutes) * time.Minute)
		job.NextRun = &retryAt
		return
	}
	job.RetryAttempt = 0
	s.rescheduleOrLog(job)
}

func (s *schedulerService) rescheduleOrLog(job *models.ScheduledETLJob) {
	if err := s.reschedule(job); err != nil {
		s.logger.Error("Failed to compute next run",
			zap.String("job_id", job.ID.String()),
			zap.Error(err))
		job.NextRun = nil
	}
}

func (s *schedulerService) Tick(ctx context.Context) int {
	due, err := s.jobs.ListDue(ctx, s.now())
	if err != nil {
		s.logger.Error("Failed to list due jobs", zap.Error(err))
		return 0
	}

	enqueued := 0
	for _, job := range due {
		id := job.ID
		task := workqueue.NewFuncTask("job "+job.Name, id.String(), func(ctx context.Context) error {
			runLog, err := s.execute(ctx, id, models.TriggerScheduler)
			if err != nil {
				return err
			}
			if runLog != nil && runLog.Status == models.RunStatusFailed {
				return errors.New(runLog.ErrorMessage)
			}
			return nil
		})
		if s.queue.Enqueue(task) {
			enqueued++
		}
	}
	if enqueued > 0 {
		s.logger.Debug("Scheduler tick", zap.Int("due", len(due)), zap.Int("enqueued", enqueued))
	}
	return enqueued
}

func (s *schedulerService) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return nil
	}

	if err := s.backfillNextRun(ctx); err != nil {
		return err
	}

	c := cron.New(cron.WithLocation(time.UTC))
	if _, err := c.AddFunc("@every "+s.cfg.TickInterval.String(), func() { s.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("Scheduler started",
		zap.Duration("tick_interval", s.cfg.TickInterval),
		zap.Int("workers", s.cfg.Workers))
	return nil
}

// backfillNextRun computes NextRun for active jobs saved without one.
func (s *schedulerService) backfillNextRun(ctx context.Context) error {
	jobs, err := s.jobs.List(ctx)
	if err != nil {
		return fmt.Errorf("failed to list jobs: %w", err)
	}
	for _, job := range jobs {
		// A job left running by a crash is runnable again.
		if job.Status == models.JobStatusRunning {
			job.Status = models.JobStatusActive
			if !job.IsActive {
				job.Status = models.JobStatusInactive
			}
		} else if job.NextRun != nil || !job.IsActive {
			continue
		}
		if job.NextRun == nil {
			s.rescheduleOrLog(job)
		}
		if err := s.jobs.Update(ctx, job); err != nil {
			return fmt.Errorf("failed to update job %s: %w", job.ID, err)
		}
	}
	return nil
}

func (s *schedulerService) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
	}
	return s.queue.Shutdown(ctx)
}

package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ScheduleType is the recurrence of a scheduled job.
type ScheduleType string

const (
	ScheduleHourly  ScheduleType = "hourly"
	ScheduleDaily   ScheduleType = "daily"
	ScheduleWeekly  ScheduleType = "weekly"
	ScheduleMonthly ScheduleType = "monthly"
)

// ScheduleSpec describes when a job fires. Fields unused by Type are ignored.
type ScheduleSpec struct {
	Type       ScheduleType `json:"type" yaml:"type"`
	Minute     int          `json:"minute" yaml:"minute"`
	Hour       int          `json:"hour" yaml:"hour"`
	DayOfWeek  int          `json:"day_of_week" yaml:"day_of_week"`   // 0 = Sunday
	DayOfMonth int          `json:"day_of_month" yaml:"day_of_month"` // 1-31
	Timezone   string       `json:"timezone,omitempty" yaml:"timezone"`
}

// Validate checks field ranges for the schedule type.
func (s ScheduleSpec) Validate() error {
	if s.Minute < 0 || s.Minute > 59 {
		return fmt.Errorf("minute must be between 0 and 59, got %d", s.Minute)
	}
	switch s.Type {
	case ScheduleHourly:
		return nil
	case ScheduleDaily, ScheduleWeekly, ScheduleMonthly:
	default:
		return fmt.Errorf("unsupported schedule type %q", s.Type)
	}
	if s.Hour < 0 || s.Hour > 23 {
		return fmt.Errorf("hour must be between 0 and 23, got %d", s.Hour)
	}
	if s.Type == ScheduleWeekly && (s.DayOfWeek < 0 || s.DayOfWeek > 6) {
		return fmt.Errorf("day_of_week must be between 0 and 6, got %d", s.DayOfWeek)
	}
	if s.Type == ScheduleMonthly && (s.DayOfMonth < 1 || s.DayOfMonth > 31) {
		return fmt.Errorf("day_of_month must be between 1 and 31, got %d", s.DayOfMonth)
	}
	return nil
}

// JobStatus is the scheduling status of a job.
type JobStatus string

const (
	JobStatusInactive JobStatus = "inactive"
	JobStatusActive   JobStatus = "active"
	JobStatusRunning  JobStatus = "running"
	JobStatusError    JobStatus = "error"
)

// RunStatus is the outcome of one job attempt.
type RunStatus string

const (
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

const (
	TriggerScheduler = "scheduler"
	TriggerManual    = "manual"
)

// ScheduledETLJob refreshes a set of data sources on a schedule.
// Once ConsecutiveFailures reaches FailureThreshold the job is inactive with
// status error until explicitly re-enabled.
type ScheduledETLJob struct {
	ID                  uuid.UUID    `json:"id"`
	Name                string       `json:"name"`
	Schedule            ScheduleSpec `json:"schedule"`
	DataSourceIDs       []uuid.UUID  `json:"data_source_ids"`
	IsActive            bool         `json:"is_active"`
	Status              JobStatus    `json:"status"`
	LastRun             *time.Time   `json:"last_run,omitempty"`
	NextRun             *time.Time   `json:"next_run,omitempty"`
	LastRunStatus       RunStatus    `json:"last_run_status,omitempty"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	MaxRetries          int          `json:"max_retries"`
	RetryDelayMinutes   int          `json:"retry_delay_minutes"`
	RetryAttempt        int          `json:"retry_attempt"` // retries spent on the current failure streak
	FailureThreshold    int          `json:"failure_threshold"`
	CreatedAt           time.Time    `json:"created_at"`
	UpdatedAt           time.Time    `json:"updated_at"`
}

// IsDue reports whether the scheduler tick should start the job at now.
func (j *ScheduledETLJob) IsDue(now time.Time) bool {
	return j.IsActive && j.Status == JobStatusActive && j.NextRun != nil && !now.Before(*j.NextRun)
}

// SourceRunResult is one data source's outcome within a job run.
type SourceRunResult struct {
	DataSourceID uuid.UUID `json:"data_source_id"`
	Success      bool      `json:"success"`
	RefreshStats
	Error string `json:"error,omitempty"`
}

// ETLJobRunLog is the immutable record of a single job attempt.
type ETLJobRunLog struct {
	ID           uuid.UUID         `json:"id"`
	JobID        uuid.UUID         `json:"job_id"`
	Status       RunStatus         `json:"status"`
	Attempt      int               `json:"attempt"`
	TriggeredBy  string            `json:"triggered_by"`
	StartedAt    time.Time         `json:"started_at"`
	CompletedAt  time.Time         `json:"completed_at"`
	Sources      []SourceRunResult `json:"sources"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Totals sums the per-source refresh stats.
func (l *ETLJobRunLog) Totals() RefreshStats {
	var t RefreshStats
	for _, s := range l.Sources {
		t.RecordsProcessed += s.RecordsProcessed
		t.RecordsAdded += s.RecordsAdded
		t.RecordsUpdated += s.RecordsUpdated
		t.RecordsDeleted += s.RecordsDeleted
	}
	return t
}

// JobStatusReport is returned by the job status surface.
type JobStatusReport struct {
	Job        *ScheduledETLJob `json:"job"`
	IsRunning  bool             `json:"is_running"`
	LastRunLog *ETLJobRunLog    `json:"last_run_log,omitempty"`
	TotalRuns  int              `json:"total_runs"`
}

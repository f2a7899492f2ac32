package repositories

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/database"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
)

// JobRepository defines the interface for scheduled job persistence.
type JobRepository interface {
	Create(ctx context.Context, job *models.ScheduledETLJob) error
	// GetByID returns apperrors.ErrNotFound if the job does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error)
	List(ctx context.Context) ([]*models.ScheduledETLJob, error)
	// ListDue returns active jobs whose next run is at or before now, oldest first.
	ListDue(ctx context.Context, now time.Time) ([]*models.ScheduledETLJob, error)
	Update(ctx context.Context, job *models.ScheduledETLJob) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// RunLogRepository defines the interface for the append-only job run log.
type RunLogRepository interface {
	Append(ctx context.Context, log *models.ETLJobRunLog) error
	// ListByJob returns one page of logs newest first and the total log count for the job.
	ListByJob(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*models.ETLJobRunLog, int, error)
}

type jobRepository struct {
	db *database.DB
}

// NewJobRepository creates a PostgreSQL-backed scheduled job repository.
func NewJobRepository(db *database.DB) JobRepository {
	return &jobRepository{db: db}
}

const jobColumns = `id, name, schedule, data_source_ids, is_active, status, last_run, next_run,
	last_run_status, consecutive_failures, max_retries, retry_delay_minutes, retry_attempt,
	failure_threshold, created_at, updated_at`

func (r *jobRepository) Create(ctx context.Context, job *models.ScheduledETLJob) error {
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now

	scheduleJSON, idsJSON, err := marshalJob(job)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO scheduled_etl_jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		job.ID, job.Name, scheduleJSON, idsJSON, job.IsActive, job.Status, job.LastRun, job.NextRun,
		job.LastRunStatus, job.ConsecutiveFailures, job.MaxRetries, job.RetryDelayMinutes, job.RetryAttempt,
		job.FailureThreshold, job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create scheduled job: %w", err)
	}
	return nil
}

func (r *jobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error) {
	row := r.db.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_etl_jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

func (r *jobRepository) List(ctx context.Context) ([]*models.ScheduledETLJob, error) {
	return r.query(ctx, `SELECT `+jobColumns+` FROM scheduled_etl_jobs ORDER BY created_at, id`)
}

func (r *jobRepository) ListDue(ctx context.Context, now time.Time) ([]*models.ScheduledETLJob, error) {
	return r.query(ctx, `
		SELECT `+jobColumns+` FROM scheduled_etl_jobs
		WHERE is_active AND status = $1 AND next_run IS NOT NULL AND next_run <= $2
		ORDER BY next_run, id`, models.JobStatusActive, now)
}

func (r *jobRepository) Update(ctx context.Context, job *models.ScheduledETLJob) error {
	job.UpdatedAt = time.Now().UTC()

	scheduleJSON, idsJSON, err := marshalJob(job)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE scheduled_etl_jobs
		SET name = $2, schedule = $3, data_source_ids = $4, is_active = $5, status = $6,
		    last_run = $7, next_run = $8, last_run_status = $9, consecutive_failures = $10,
		    max_retries = $11, retry_delay_minutes = $12, retry_attempt = $13,
		    failure_threshold = $14, updated_at = $15
		WHERE id = $1`,
		job.ID, job.Name, scheduleJSON, idsJSON, job.IsActive, job.Status,
		job.LastRun, job.NextRun, job.LastRunStatus, job.ConsecutiveFailures,
		job.MaxRetries, job.RetryDelayMinutes, job.RetryAttempt,
		job.FailureThreshold, job.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update scheduled job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *jobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM scheduled_etl_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete scheduled job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *jobRepository) query(ctx context.Context, query string, args ...any) ([]*models.ScheduledETLJob, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list scheduled jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*models.ScheduledETLJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scheduled jobs: %w", err)
	}
	return jobs, nil
}

func marshalJob(job *models.ScheduledETLJob) (scheduleJSON, idsJSON []byte, err error) {
	scheduleJSON, err = json.Marshal(job.Schedule)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal schedule: %w", err)
	}
	ids := job.DataSourceIDs
	if ids == nil {
		ids = []uuid.UUID{}
	}
	idsJSON, err = json.Marshal(ids)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal data_source_ids: %w", err)
	}
	return scheduleJSON, idsJSON, nil
}

func scanJob(row pgx.Row) (*models.ScheduledETLJob, error) {
	var job models.ScheduledETLJob
	var scheduleJSON, idsJSON []byte

	err := row.Scan(
		&job.ID, &job.Name, &scheduleJSON, &idsJSON, &job.IsActive, &job.Status, &job.LastRun, &job.NextRun,
		&job.LastRunStatus, &job.ConsecutiveFailures, &job.MaxRetries, &job.RetryDelayMinutes, &job.RetryAttempt,
		&job.FailureThreshold, &job.CreatedAt, &job.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan scheduled job: %w", err)
	}

	if err := json.Unmarshal(scheduleJSON, &job.Schedule); err != nil {
		return nil, fmt.Errorf("job %s: failed to decode schedule: %w", job.ID, err)
	}
	if err := json.Unmarshal(idsJSON, &job.DataSourceIDs); err != nil {
		return nil, fmt.Errorf("job %s: failed to decode data_source_ids: %w", job.ID, err)
	}
	return &job, nil
}

type runLogRepository struct {
	db *database.DB
}

// NewRunLogRepository creates a PostgreSQL-backed run log repository.
func NewRunLogRepository(db *database.DB) RunLogRepository {
	return &runLogRepository{db: db}
}

func (r *runLogRepository) Append(ctx context.Context, log *models.ETLJobRunLog) error {
	sources := log.Sources
	if sources == nil {
		sources = []models.SourceRunResult{}
	}
	sourcesJSON, err := json.Marshal(sources)
	if err != nil {
		return fmt.Errorf("failed to marshal run sources: %w", err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO etl_job_run_logs (id, job_id, status, attempt, triggered_by, started_at, completed_at, sources, error_message)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		log.ID, log.JobID, log.Status, log.Attempt, log.TriggeredBy,
		log.StartedAt, log.CompletedAt, sourcesJSON, log.ErrorMessage,
	)
	if err != nil {
		return fmt.Errorf("failed to append run log: %w", err)
	}
	return nil
}

func (r *runLogRepository) ListByJob(ctx context.Context, jobID uuid.UUID, limit, offset int) ([]*models.ETLJobRunLog, int, error) {
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM etl_job_run_logs WHERE job_id = $1`, jobID).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count run logs: %w", err)
	}

	rows, err := r.db.Query(ctx, `
		SELECT id, job_id, status, attempt, triggered_by, started_at, completed_at, sources, error_message
		FROM etl_job_run_logs
		WHERE job_id = $1
		ORDER BY started_at DESC, id
		LIMIT $2 OFFSET $3`, jobID, limit, offset)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list run logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.ETLJobRunLog
	for rows.Next() {
		var l models.ETLJobRunLog
		var sourcesJSON []byte
		if err := rows.Scan(&l.ID, &l.JobID, &l.Status, &l.Attempt, &l.TriggeredBy,
			&l.StartedAt, &l.CompletedAt, &sourcesJSON, &l.ErrorMessage); err != nil {
			return nil, 0, fmt.Errorf("failed to scan run log: %w", err)
		}
		if err := json.Unmarshal(sourcesJSON, &l.Sources); err != nil {
			return nil, 0, fmt.Errorf("run log %s: failed to decode sources: %w", l.ID, err)
		}
		logs = append(logs, &l)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("error iterating run logs: %w", err)
	}
	return logs, total, nil
}

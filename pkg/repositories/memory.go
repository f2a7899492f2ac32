package repositories

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
)

// In-memory repositories back the "memory" metadata database type and service tests.
// Values are deep-copied through JSON on the way in and out so callers never share
// state with the store, matching what a round trip through PostgreSQL JSONB does.

func clone[T any](v *T) (*T, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to copy %T: %w", v, err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to copy %T: %w", v, err)
	}
	return out, nil
}

type memoryDataSource struct {
	source *models.DataSource
	sealed string
}

type memoryDataSourceRepository struct {
	mu      sync.RWMutex
	sources map[uuid.UUID]memoryDataSource
}

// NewMemoryDataSourceRepository creates an in-memory data source repository.
func NewMemoryDataSourceRepository() DataSourceRepository {
	return &memoryDataSourceRepository{sources: make(map[uuid.UUID]memoryDataSource)}
}

func (r *memoryDataSourceRepository) Create(_ context.Context, ds *models.DataSource, sealedDescriptor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sources[ds.ID]; exists {
		return apperrors.ErrConflict
	}
	now := time.Now().UTC()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	if ds.Status == "" {
		ds.Status = models.DataSourceStatusActive
	}
	return r.put(ds, sealedDescriptor)
}

func (r *memoryDataSourceRepository) GetByID(_ context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.sources[id]
	if !ok {
		return nil, "", apperrors.ErrNotFound
	}
	ds, err := clone(entry.source)
	if err != nil {
		return nil, "", err
	}
	return ds, entry.sealed, nil
}

func (r *memoryDataSourceRepository) List(_ context.Context, includeDeleted bool) ([]*models.DataSource, []string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entries := make([]memoryDataSource, 0, len(r.sources))
	for _, e := range r.sources {
		if includeDeleted || e.source.IsActive() {
			entries = append(entries, e)
		}
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].source, entries[j].source
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID.String() < b.ID.String()
	})

	sources := make([]*models.DataSource, 0, len(entries))
	sealed := make([]string, 0, len(entries))
	for _, e := range entries {
		ds, err := clone(e.source)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, ds)
		sealed = append(sealed, e.sealed)
	}
	return sources, sealed, nil
}

func (r *memoryDataSourceRepository) Update(_ context.Context, ds *models.DataSource, sealedDescriptor string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[ds.ID]; !ok {
		return apperrors.ErrNotFound
	}
	ds.UpdatedAt = time.Now().UTC()
	return r.put(ds, sealedDescriptor)
}

func (r *memoryDataSourceRepository) UpdateWorkflow(_ context.Context, id uuid.UUID, status models.WorkflowStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.sources[id]
	if !ok {
		return apperrors.ErrNotFound
	}
	entry.source.Workflow = status.Clone()
	entry.source.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *memoryDataSourceRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sources[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.sources, id)
	return nil
}

// put stores a copy of ds without its plaintext descriptor. Caller holds the write lock.
func (r *memoryDataSourceRepository) put(ds *models.DataSource, sealed string) error {
	stored, err := clone(ds)
	if err != nil {
		return err
	}
	stored.ConnectionDescriptor = nil
	r.sources[ds.ID] = memoryDataSource{source: stored, sealed: sealed}
	return nil
}

type memoryETLOperationRepository struct {
	mu  sync.RWMutex
	ops map[uuid.UUID]*models.ETLOperation
}

// NewMemoryETLOperationRepository creates an in-memory ETL operation repository.
func NewMemoryETLOperationRepository() ETLOperationRepository {
	return &memoryETLOperationRepository{ops: make(map[uuid.UUID]*models.ETLOperation)}
}

func (r *memoryETLOperationRepository) Create(_ context.Context, op *models.ETLOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.ops[op.ID]; exists {
		return apperrors.ErrConflict
	}
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now
	stored, err := clone(op)
	if err != nil {
		return err
	}
	r.ops[op.ID] = stored
	return nil
}

func (r *memoryETLOperationRepository) GetByID(_ context.Context, id uuid.UUID) (*models.ETLOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.ops[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return clone(op)
}

func (r *memoryETLOperationRepository) List(_ context.Context) ([]*models.ETLOperation, error) {
	return r.filter(func(*models.ETLOperation) bool { return true })
}

func (r *memoryETLOperationRepository) ListReferencing(_ context.Context, table string) ([]*models.ETLOperation, error) {
	return r.filter(func(op *models.ETLOperation) bool { return op.References(table) })
}

func (r *memoryETLOperationRepository) Update(_ context.Context, op *models.ETLOperation) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.ops[op.ID]; !ok {
		return apperrors.ErrNotFound
	}
	op.UpdatedAt = time.Now().UTC()
	stored, err := clone(op)
	if err != nil {
		return err
	}
	r.ops[op.ID] = stored
	return nil
}

func (r *memoryETLOperationRepository) filter(keep func(*models.ETLOperation) bool) ([]*models.ETLOperation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ETLOperation
	for _, op := range r.ops {
		if !keep(op) {
			continue
		}
		c, err := clone(op)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out, nil
}

type memoryJobRepository struct {
	mu   sync.RWMutex
	jobs map[uuid.UUID]*models.ScheduledETLJob
}

// NewMemoryJobRepository creates an in-memory scheduled job repository.
func NewMemoryJobRepository() JobRepository {
	return &memoryJobRepository{jobs: make(map[uuid.UUID]*models.ScheduledETLJob)}
}

func (r *memoryJobRepository) Create(_ context.Context, job *models.ScheduledETLJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.jobs[job.ID]; exists {
		return apperrors.ErrConflict
	}
	now := time.Now().UTC()
	job.CreatedAt = now
	job.UpdatedAt = now
	stored, err := clone(job)
	if err != nil {
		return err
	}
	r.jobs[job.ID] = stored
	return nil
}

func (r *memoryJobRepository) GetByID(_ context.Context, id uuid.UUID) (*models.ScheduledETLJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	job, ok := r.jobs[id]
	if !ok {
		return nil, apperrors.ErrNotFound
	}
	return clone(job)
}

func (r *memoryJobRepository) List(_ context.Context) ([]*models.ScheduledETLJob, error) {
	jobs, err := r.filter(func(*models.ScheduledETLJob) bool { return true })
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].CreatedAt.Equal(jobs[j].CreatedAt) {
			return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
		}
		return jobs[i].ID.String() < jobs[j].ID.String()
	})
	return jobs, nil
}

func (r *memoryJobRepository) ListDue(_ context.Context, now time.Time) ([]*models.ScheduledETLJob, error) {
	jobs, err := r.filter(func(j *models.ScheduledETLJob) bool { return j.IsDue(now) })
	if err != nil {
		return nil, err
	}
	sort.Slice(jobs, func(i, j int) bool {
		if !jobs[i].NextRun.Equal(*jobs[j].NextRun) {
			return jobs[i].NextRun.Before(*jobs[j].NextRun)
		}
		return jobs[i].ID.String() < jobs[j].ID.String()
	})
	return jobs, nil
}

func (r *memoryJobRepository) Update(_ context.Context, job *models.ScheduledETLJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[job.ID]; !ok {
		return apperrors.ErrNotFound
	}
	job.UpdatedAt = time.Now().UTC()
	stored, err := clone(job)
	if err != nil {
		return err
	}
	r.jobs[job.ID] = stored
	return nil
}

func (r *memoryJobRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[id]; !ok {
		return apperrors.ErrNotFound
	}
	delete(r.jobs, id)
	return nil
}

func (r *memoryJobRepository) filter(keep func(*models.ScheduledETLJob) bool) ([]*models.ScheduledETLJob, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*models.ScheduledETLJob
	for _, job := range r.jobs {
		if !keep(job) {
			continue
		}
		c, err := clone(job)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

type memoryRunLogRepository struct {
	mu   sync.RWMutex
	logs map[uuid.UUID][]*models.ETLJobRunLog // job id -> logs in append order
}

// NewMemoryRunLogRepository creates an in-memory run log repository.
func NewMemoryRunLogRepository() RunLogRepository {
	return &memoryRunLogRepository{logs: make(map[uuid.UUID][]*models.ETLJobRunLog)}
}

func (r *memoryRunLogRepository) Append(_ context.Context, log *models.ETLJobRunLog) error {
	stored, err := clone(log)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.logs[log.JobID] = append(r.logs[log.JobID], stored)
	return nil
}

func (r *memoryRunLogRepository) ListByJob(_ context.Context, jobID uuid.UUID, limit, offset int) ([]*models.ETLJobRunLog, int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := r.logs[jobID]
	total := len(all)
	if offset < 0 {
		offset = 0
	}

	var out []*models.ETLJobRunLog
	// newest first
	for i := total - 1 - offset; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		c, err := clone(all[i])
		if err != nil {
			return nil, 0, err
		}
		out = append(out, c)
	}
	return out, total, nil
}

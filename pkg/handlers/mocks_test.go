package handlers

import (
	"context"

	"github.com/google/uuid"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/services"
)

// mockDataSourceService is a configurable mock for data source handler tests.
type mockDataSourceService struct {
	sources       []*models.DataSource
	stats         *models.RefreshStats
	candidates    []models.RelationshipCandidate
	err           error
	registerErr   error
	testErr       error
	lastLoad      bool
	lastType      models.SourceType
	deletedSource uuid.UUID
}

func (m *mockDataSourceService) Register(ctx context.Context, name string, sourceType models.SourceType, descriptor map[string]any, load bool) (*models.DataSource, *models.RefreshStats, error) {
	m.lastLoad = load
	m.lastType = sourceType
	if m.err != nil {
		return nil, nil, m.err
	}
	ds := &models.DataSource{
		ID:                   uuid.New(),
		Name:                 name,
		SourceType:           sourceType,
		ConnectionDescriptor: descriptor,
		Status:               models.DataSourceStatusActive,
	}
	if m.registerErr != nil {
		return ds, nil, m.registerErr
	}
	return ds, m.stats, nil
}

func (m *mockDataSourceService) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	for _, ds := range m.sources {
		if ds.ID == id {
			return ds, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (m *mockDataSourceService) List(ctx context.Context, includeDeleted bool) ([]*models.DataSource, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.sources, nil
}

func (m *mockDataSourceService) Refresh(ctx context.Context, id uuid.UUID) (*models.RefreshStats, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.stats, nil
}

func (m *mockDataSourceService) Delete(ctx context.Context, id uuid.UUID) error {
	if m.err != nil {
		return m.err
	}
	m.deletedSource = id
	return nil
}

func (m *mockDataSourceService) Relationships(ctx context.Context, id uuid.UUID) ([]models.RelationshipCandidate, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.candidates, nil
}

func (m *mockDataSourceService) TestConnection(ctx context.Context, sourceType models.SourceType, descriptor map[string]any) error {
	return m.testErr
}

// mockSchedulerService records calls and returns canned results.
type mockSchedulerService struct {
	job          *models.ScheduledETLJob
	runLog       *models.ETLJobRunLog
	logs         []*models.ETLJobRunLog
	err          error
	lastTrigger  string
	lastPage     int
	lastPageSize int
}

func (m *mockSchedulerService) CreateJob(ctx context.Context, req services.JobRequest) (*models.ScheduledETLJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	return &models.ScheduledETLJob{ID: uuid.New(), Name: req.Name, Schedule: req.Schedule, DataSourceIDs: req.DataSourceIDs, IsActive: true, Status: models.JobStatusActive}, nil
}

func (m *mockSchedulerService) UpdateJob(ctx context.Context, id uuid.UUID, req services.JobRequest) (*models.ScheduledETLJob, error) {
	return m.GetJob(ctx, id)
}

func (m *mockSchedulerService) DeleteJob(ctx context.Context, id uuid.UUID) error {
	return m.err
}

func (m *mockSchedulerService) GetJob(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.job == nil {
		return nil, apperrors.ErrNotFound
	}
	return m.job, nil
}

func (m *mockSchedulerService) ListJobs(ctx context.Context) ([]*models.ScheduledETLJob, error) {
	if m.err != nil {
		return nil, m.err
	}
	if m.job == nil {
		return nil, nil
	}
	return []*models.ScheduledETLJob{m.job}, nil
}

func (m *mockSchedulerService) RunNow(ctx context.Context, id uuid.UUID, triggeredBy string) (*models.ETLJobRunLog, error) {
	m.lastTrigger = triggeredBy
	if m.err != nil {
		return nil, m.err
	}
	return m.runLog, nil
}

func (m *mockSchedulerService) Enable(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error) {
	return m.GetJob(ctx, id)
}

func (m *mockSchedulerService) Disable(ctx context.Context, id uuid.UUID) (*models.ScheduledETLJob, error) {
	return m.GetJob(ctx, id)
}

func (m *mockSchedulerService) GetStatus(ctx context.Context, id uuid.UUID) (*models.JobStatusReport, error) {
	job, err := m.GetJob(ctx, id)
	if err != nil {
		return nil, err
	}
	return &models.JobStatusReport{Job: job, TotalRuns: len(m.logs)}, nil
}

func (m *mockSchedulerService) ListLogs(ctx context.Context, id uuid.UUID, page, pageSize int) ([]*models.ETLJobRunLog, int, error) {
	m.lastPage = page
	m.lastPageSize = pageSize
	if m.err != nil {
		return nil, 0, m.err
	}
	return m.logs, len(m.logs), nil
}

func (m *mockSchedulerService) Tick(ctx context.Context) int   { return 0 }
func (m *mockSchedulerService) Start(ctx context.Context) error { return nil }
func (m *mockSchedulerService) Stop(ctx context.Context) error  { return nil }

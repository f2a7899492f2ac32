package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/crypto"
	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/inference"
	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
	"github.com/ekaya-inc/ekaya-etl/pkg/retry"
	"github.com/ekaya-inc/ekaya-etl/pkg/store"
)

// DataSourceService registers sources and runs the refresh pipeline:
// fetch, infer, store, then relationship detection.
type DataSourceService interface {
	// Register saves a new source with a sealed descriptor. When load is true the
	// source is refreshed immediately; a failed first load still leaves the source
	// registered and returns it together with the error.
	Register(ctx context.Context, name string, sourceType models.SourceType, descriptor map[string]any, load bool) (*models.DataSource, *models.RefreshStats, error)

	// Get retrieves a source with its decrypted descriptor.
	Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error)

	// List retrieves sources with decrypted descriptors.
	List(ctx context.Context, includeDeleted bool) ([]*models.DataSource, error)

	// Refresh re-fetches the source and replaces its store table.
	Refresh(ctx context.Context, id uuid.UUID) (*models.RefreshStats, error)

	// Delete removes a source. Sources still read by an ETL operation are only
	// marked deleted and keep their table.
	Delete(ctx context.Context, id uuid.UUID) error

	// Relationships returns join candidates between the source and all others.
	Relationships(ctx context.Context, id uuid.UUID) ([]models.RelationshipCandidate, error)

	// TestConnection checks a descriptor without saving it.
	TestConnection(ctx context.Context, sourceType models.SourceType, descriptor map[string]any) error
}

// DataSourceServiceConfig holds refresh pipeline settings.
type DataSourceServiceConfig struct {
	// FetchTimeout bounds adapter creation and fetch of one source.
	FetchTimeout time.Duration
	// FetchRetries is how many times a retryable fetch error is retried.
	FetchRetries int
	Inference    inference.Options
}

type dataSourceService struct {
	repo     repositories.DataSourceRepository
	ops      repositories.ETLOperationRepository
	cipher   *crypto.DescriptorCipher
	factory  datasource.FetcherFactory
	store    store.Store
	detector RelationshipDetector
	workflow WorkflowService
	locks    *SourceLocks
	cfg      DataSourceServiceConfig
	logger   *zap.Logger

	// detecting guards against re-entrant detection for the same source.
	detectMu  sync.Mutex
	detecting map[uuid.UUID]bool
}

// NewDataSourceService creates a datasource service with dependencies.
func NewDataSourceService(
	repo repositories.DataSourceRepository,
	ops repositories.ETLOperationRepository,
	cipher *crypto.DescriptorCipher,
	factory datasource.FetcherFactory,
	st store.Store,
	detector RelationshipDetector,
	workflow WorkflowService,
	locks *SourceLocks,
	cfg DataSourceServiceConfig,
	logger *zap.Logger,
) DataSourceService {
	if locks == nil {
		locks = NewSourceLocks()
	}
	return &dataSourceService{
		repo:      repo,
		ops:       ops,
		cipher:    cipher,
		factory:   factory,
		store:     st,
		detector:  detector,
		workflow:  workflow,
		locks:     locks,
		cfg:       cfg,
		logger:    logger.Named("datasource"),
		detecting: make(map[uuid.UUID]bool),
	}
}

var _ DataSourceService = (*dataSourceService)(nil)

func (s *dataSourceService) Register(
	ctx context.Context,
	name string,
	sourceType models.SourceType,
	descriptor map[string]any,
	load bool,
) (*models.DataSource, *models.RefreshStats, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, nil, fmt.Errorf("%w: name is required", apperrors.ErrInvalidParameter)
	}
	if !sourceType.IsValid() || !datasource.IsRegistered(string(sourceType)) {
		return nil, nil, fmt.Errorf("%w: %q", datasource.ErrUnsupportedSourceType, sourceType)
	}
	if descriptor == nil {
		descriptor = map[string]any{}
	}

	sealed, err := s.cipher.SealDescriptor(descriptor)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to seal descriptor: %w", err)
	}

	ds := &models.DataSource{
		ID:                   uuid.New(),
		Name:                 name,
		SourceType:           sourceType,
		ConnectionDescriptor: descriptor,
		Status:               models.DataSourceStatusActive,
	}
	if err := s.repo.Create(ctx, ds, sealed); err != nil {
		return nil, nil, fmt.Errorf("failed to create data source: %w", err)
	}

	s.logger.Info("Created datasource",
		zap.String("id", ds.ID.String()),
		zap.String("name", name),
		zap.String("type", string(sourceType)),
		zap.Any("descriptor", logging.SanitizeDescriptor(descriptor)))

	if !load {
		return ds, nil, nil
	}

	stats, err := s.Refresh(ctx, ds.ID)
	if fresh, getErr := s.Get(ctx, ds.ID); getErr == nil {
		ds = fresh
	}
	if err != nil {
		return ds, nil, err
	}
	return ds, stats, nil
}

// openDescriptor decrypts a sealed descriptor, translating a wrong key into a
// message the operator can act on.
func (s *dataSourceService) openDescriptor(sealed string) (map[string]any, error) {
	descriptor, err := s.cipher.OpenDescriptor(sealed)
	if err != nil {
		if errors.Is(err, crypto.ErrDecryptionFailed) {
			return nil, fmt.Errorf("%w: %v", apperrors.ErrCredentialsKeyMismatch, err)
		}
		return nil, err
	}
	return descriptor, nil
}

func (s *dataSourceService) load(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	ds, sealed, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, "", fmt.Errorf("data source %s: %w", id, apperrors.ErrNotFound)
		}
		return nil, "", fmt.Errorf("failed to get data source: %w", err)
	}
	return ds, sealed, nil
}

func (s *dataSourceService) Get(ctx context.Context, id uuid.UUID) (*models.DataSource, error) {
	ds, sealed, err := s.load(ctx, id)
	if err != nil {
		return nil, err
	}
	descriptor, err := s.openDescriptor(sealed)
	if err != nil {
		return nil, err
	}
	ds.ConnectionDescriptor = descriptor
	return ds, nil
}

func (s *dataSourceService) List(ctx context.Context, includeDeleted bool) ([]*models.DataSource, error) {
	sources, sealed, err := s.repo.List(ctx, includeDeleted)
	if err != nil {
		return nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	for i, ds := range sources {
		descriptor, err := s.openDescriptor(sealed[i])
		if err != nil {
			return nil, fmt.Errorf("data source %s: %w", ds.ID, err)
		}
		ds.ConnectionDescriptor = descriptor
	}
	return sources, nil
}

func (s *dataSourceService) Refresh(ctx context.Context, id uuid.UUID) (*models.RefreshStats, error) {
	ds, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ds.IsActive() {
		return nil, fmt.Errorf("data source %s is deleted: %w", id, apperrors.ErrConflict)
	}

	start := time.Now()
	raw, err := s.fetch(ctx, ds)
	if err != nil {
		return nil, err
	}

	oldRows := 0
	if ds.TableName != "" {
		if ok, err := s.store.Exists(ctx, ds.TableName); err == nil && ok {
			n, err := s.store.RowCount(ctx, ds.TableName)
			if err != nil {
				return nil, fmt.Errorf("failed to count existing rows: %w", err)
			}
			oldRows = int(n)
		}
	}

	inferred, err := inference.Infer(raw, s.cfg.Inference)
	if err != nil {
		return nil, fmt.Errorf("schema inference failed: %w", err)
	}
	for _, f := range inferred.Failures {
		s.logger.Warn("Column degraded to string",
			zap.String("source_id", id.String()),
			zap.Error(f))
	}

	table, err := s.store.Store(ctx, ds.ID.String(), inferred.Frame, inferred.Schema)
	if err != nil {
		return nil, fmt.Errorf("failed to store data source: %w", err)
	}

	firstLoad, err := s.saveLoaded(ctx, id, table, inferred.Schema)
	if err != nil {
		return nil, err
	}

	if firstLoad && s.workflow != nil {
		res, err := s.workflow.Advance(ctx, id, models.StageDataLoaded, false, "initial load")
		if err != nil {
			s.logger.Warn("Failed to advance data_loaded", zap.String("source_id", id.String()), zap.Error(err))
		} else if !res.OK {
			s.logger.Warn("data_loaded rejected", zap.String("source_id", id.String()), zap.String("reason", res.Reason))
		}
	}

	s.detectRelationships(ctx, id)

	stats := models.NewRefreshStats(oldRows, inferred.Frame.NumRows())
	s.logger.Info("Refreshed datasource",
		zap.String("source_id", id.String()),
		zap.String("table", table),
		zap.Int("rows", stats.RecordsProcessed),
		zap.Int("added", stats.RecordsAdded),
		zap.Int("deleted", stats.RecordsDeleted),
		zap.Duration("elapsed", time.Since(start)))
	return &stats, nil
}

// fetch loads the raw frame under the fetch timeout, retrying transient errors.
func (s *dataSourceService) fetch(ctx context.Context, ds *models.DataSource) (*frame.Frame, error) {
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	cfg := retry.DefaultConfig()
	if s.cfg.FetchRetries >= 0 {
		cfg.MaxRetries = s.cfg.FetchRetries
	}

	var out *frame.Frame
	err := retry.DoIfRetryable(ctx, cfg, func() error {
		fetcher, err := s.factory.NewFetcher(ctx, string(ds.SourceType), ds.ConnectionDescriptor)
		if err != nil {
			return err
		}
		defer fetcher.Close()

		f, err := fetcher.Fetch(ctx)
		if err != nil {
			return err
		}
		out = f
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s source %s: %w", ds.SourceType, ds.ID, err)
	}
	return out, nil
}

// saveLoaded writes schema and table name onto the latest row state and reports
// whether this was the first successful load.
func (s *dataSourceService) saveLoaded(ctx context.Context, id uuid.UUID, table string, schema *models.SchemaInfo) (bool, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	ds, sealed, err := s.load(ctx, id)
	if err != nil {
		return false, err
	}
	now := time.Now().UTC()
	ds.SchemaInfo = schema
	ds.TableName = table
	ds.LastRefreshedAt = &now
	if err := s.repo.Update(ctx, ds, sealed); err != nil {
		return false, fmt.Errorf("failed to save data source: %w", err)
	}
	return !ds.Workflow.DataLoaded, nil
}

// detectRelationships re-scans the source against all others. A scan already
// running for the same source is not started again.
func (s *dataSourceService) detectRelationships(ctx context.Context, id uuid.UUID) {
	if s.detector == nil {
		return
	}

	s.detectMu.Lock()
	if s.detecting[id] {
		s.detectMu.Unlock()
		s.logger.Debug("Relationship detection already in progress", zap.String("source_id", id.String()))
		return
	}
	s.detecting[id] = true
	s.detectMu.Unlock()

	defer func() {
		s.detectMu.Lock()
		delete(s.detecting, id)
		s.detectMu.Unlock()
	}()

	candidates, err := s.detector.Detect(ctx, id)
	if err != nil {
		s.logger.Warn("Relationship detection failed", zap.String("source_id", id.String()), zap.Error(err))
		return
	}
	s.logger.Info("Relationship detection finished",
		zap.String("source_id", id.String()),
		zap.Int("candidates", len(candidates)))
}

func (s *dataSourceService) Delete(ctx context.Context, id uuid.UUID) error {
	unlock := s.locks.Lock(id)
	defer unlock()

	ds, sealed, err := s.load(ctx, id)
	if err != nil {
		return err
	}

	var refs []*models.ETLOperation
	if ds.TableName != "" {
		refs, err = s.ops.ListReferencing(ctx, ds.TableName)
		if err != nil {
			return fmt.Errorf("failed to check operations: %w", err)
		}
	}

	if len(refs) > 0 {
		ds.Status = models.DataSourceStatusDeleted
		if err := s.repo.Update(ctx, ds, sealed); err != nil {
			return fmt.Errorf("failed to mark data source deleted: %w", err)
		}
		s.logger.Info("Soft-deleted datasource",
			zap.String("id", id.String()),
			zap.Int("referencing_operations", len(refs)))
		return nil
	}

	if err := s.repo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete data source: %w", err)
	}
	if ds.TableName != "" {
		if err := s.store.Drop(ctx, ds.TableName); err != nil {
			s.logger.Warn("Failed to drop source table",
				zap.String("table", ds.TableName),
				zap.Error(err))
		}
	}
	s.locks.Forget(id)

	s.logger.Info("Deleted datasource", zap.String("id", id.String()))
	return nil
}

func (s *dataSourceService) Relationships(ctx context.Context, id uuid.UUID) ([]models.RelationshipCandidate, error) {
	if _, _, err := s.load(ctx, id); err != nil {
		return nil, err
	}
	if s.detector == nil {
		return []models.RelationshipCandidate{}, nil
	}
	return s.detector.Detect(ctx, id)
}

func (s *dataSourceService) TestConnection(ctx context.Context, sourceType models.SourceType, descriptor map[string]any) error {
	if s.cfg.FetchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.FetchTimeout)
		defer cancel()
	}

	fetcher, err := s.factory.NewFetcher(ctx, string(sourceType), descriptor)
	if err != nil {
		return fmt.Errorf("failed to create adapter: %w", err)
	}
	defer fetcher.Close()

	if err := fetcher.TestConnection(ctx); err != nil {
		return fmt.Errorf("connection test failed: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/all"
	"github.com/ekaya-inc/ekaya-etl/pkg/config"
	"github.com/ekaya-inc/ekaya-etl/pkg/crypto"
	"github.com/ekaya-inc/ekaya-etl/pkg/database"
	"github.com/ekaya-inc/ekaya-etl/pkg/handlers"
	"github.com/ekaya-inc/ekaya-etl/pkg/inference"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
	"github.com/ekaya-inc/ekaya-etl/pkg/services"
	"github.com/ekaya-inc/ekaya-etl/pkg/store"
)

// app holds the wired services shared by every command.
type app struct {
	cfg    *config.Config
	logger *zap.Logger

	db      *database.DB
	store   *store.SQLiteStore
	connMgr *datasource.ConnectionManager

	workflow  services.WorkflowService
	sources   services.DataSourceService
	etl       services.ETLService
	scheduler services.SchedulerService
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	if dir := filepath.Dir(cfg.Store.Path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}
	st, err := store.Open(ctx, cfg.Store.Path, logger)
	if err != nil {
		return nil, err
	}
	a.store = st

	var (
		sourceRepo repositories.DataSourceRepository
		opRepo     repositories.ETLOperationRepository
		jobRepo    repositories.JobRepository
		logRepo    repositories.RunLogRepository
	)
	switch cfg.Database.Type {
	case config.DatabaseTypePostgres:
		connStr := cfg.Database.ConnectionString()
		if err := database.OpenAndMigrate(connStr, logger); err != nil {
			a.Close()
			return nil, err
		}
		db, err := database.NewConnection(ctx, &database.Config{
			URL:            connStr,
			MaxConnections: cfg.Database.MaxConnections,
		}, logger)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.db = db
		sourceRepo = repositories.NewDataSourceRepository(db)
		opRepo = repositories.NewETLOperationRepository(db)
		jobRepo = repositories.NewJobRepository(db)
		logRepo = repositories.NewRunLogRepository(db)
	default:
		logger.Warn("Using in-memory metadata; sources, operations and jobs are lost on exit")
		sourceRepo = repositories.NewMemoryDataSourceRepository()
		opRepo = repositories.NewMemoryETLOperationRepository()
		jobRepo = repositories.NewMemoryJobRepository()
		logRepo = repositories.NewMemoryRunLogRepository()
	}

	key := cfg.CredentialsKey
	if key == "" {
		// Only reachable in memory mode; nothing sealed outlives the process.
		if key, err = crypto.GenerateKey(); err != nil {
			a.Close()
			return nil, err
		}
	}
	cipher, err := crypto.NewDescriptorCipher(key)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create credentials cipher: %w", err)
	}

	a.connMgr = datasource.NewConnectionManager(datasource.ConnectionManagerConfig{
		TTLMinutes:            cfg.Datasource.ConnectionTTLMinutes,
		MaxConnectionsPerType: cfg.Datasource.MaxConnectionsPerType,
	}, logger)
	factory := datasource.NewFetcherFactory(datasource.Options{
		Timeout: cfg.Datasource.FetchTimeout,
		MaxRows: cfg.Datasource.MaxRows,
		ConnMgr: a.connMgr,
		Logger:  logger,
	})

	locks := services.NewSourceLocks()
	a.workflow = services.NewWorkflowService(sourceRepo, st, locks, cfg.Workflow.MaxNullRate, logger)
	detector := services.NewRelationshipDetector(sourceRepo, cfg.Relationships.MinConfidence, cfg.Relationships.TopN, logger)

	a.sources = services.NewDataSourceService(sourceRepo, opRepo, cipher, factory, st, detector, a.workflow, locks,
		services.DataSourceServiceConfig{
			FetchTimeout: cfg.Datasource.FetchTimeout,
			FetchRetries: cfg.Datasource.FetchRetries,
			Inference: inference.Options{
				SampleSize:            cfg.Inference.SampleSize,
				DateSampleMatchRatio:  cfg.Inference.DateSampleMatchRatio,
				DateParseSuccessRatio: cfg.Inference.DateParseSuccessRatio,
				NumericSuccessRatio:   cfg.Inference.NumericSuccessRatio,
				SampleValues:          cfg.Inference.SampleValues,
			},
		}, logger)
	a.etl = services.NewETLService(opRepo, sourceRepo, st, a.workflow, logger)
	a.scheduler = services.NewSchedulerService(jobRepo, logRepo, sourceRepo, a.sources, services.SchedulerConfig{
		TickInterval:             cfg.Scheduler.TickInterval,
		Workers:                  cfg.Scheduler.Workers,
		DefaultMaxRetries:        cfg.Scheduler.DefaultMaxRetries,
		DefaultRetryDelayMinutes: cfg.Scheduler.DefaultRetryDelayMinutes,
		DefaultFailureThreshold:  cfg.Scheduler.DefaultFailureThreshold,
	}, logger)

	return a, nil
}

// routes registers every HTTP handler.
func (a *app) routes() *http.ServeMux {
	mux := http.NewServeMux()
	handlers.NewHealthHandler(a.cfg, a.connMgr, a.logger).RegisterRoutes(mux)
	handlers.NewDataSourcesHandler(a.sources, a.logger).RegisterRoutes(mux)
	handlers.NewOperationsHandler(a.etl, a.logger).RegisterRoutes(mux)
	handlers.NewWorkflowHandler(a.workflow, a.logger).RegisterRoutes(mux)
	handlers.NewJobsHandler(a.scheduler, a.logger).RegisterRoutes(mux)
	return mux
}

// Close releases pools and the store. Safe on a partially built app.
func (a *app) Close() {
	if a.scheduler != nil {
		if err := a.scheduler.Stop(context.Background()); err != nil {
			a.logger.Warn("Failed to stop scheduler", zap.Error(err))
		}
	}
	if a.connMgr != nil {
		if err := a.connMgr.Close(); err != nil {
			a.logger.Warn("Failed to close connection manager", zap.Error(err))
		}
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close store", zap.Error(err))
		}
	}
}

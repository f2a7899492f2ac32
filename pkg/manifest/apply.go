package manifest

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/logging"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/services"
)

// Report summarizes one apply run.
type Report struct {
	Sources    []SourceReport    `json:"sources"`
	Operations []OperationReport `json:"operations"`
	Jobs       []JobReport       `json:"jobs"`
}

type SourceReport struct {
	Name      string               `json:"name"`
	ID        uuid.UUID            `json:"id"`
	TableName string               `json:"table_name,omitempty"`
	Stats     *models.RefreshStats `json:"stats,omitempty"`
	LoadError string               `json:"load_error,omitempty"`
}

type OperationReport struct {
	Name   string                  `json:"name"`
	ID     uuid.UUID               `json:"id"`
	Status models.OperationStatus  `json:"status"`
	Result *models.OperationResult `json:"result,omitempty"`
	Error  string                  `json:"error,omitempty"`
}

type JobReport struct {
	Name string    `json:"name"`
	ID   uuid.UUID `json:"id"`
}

// Applier registers manifest entries through the services.
type Applier struct {
	Sources   services.DataSourceService
	ETL       services.ETLService
	Scheduler services.SchedulerService
	Logger    *zap.Logger
}

// Apply registers sources, then operations, then jobs. A source whose first load
// fails and an operation that fails synthesis or execution are recorded in the
// report and do not stop the run; operations reading a failed entry are skipped.
// Repository and lookup errors abort.
func (a *Applier) Apply(ctx context.Context, m *Manifest) (*Report, error) {
	logger := a.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("manifest")

	report := &Report{}
	sourceIDs := make(map[string]uuid.UUID, len(m.Sources))
	tables := make(map[string]string, len(m.Sources)+len(m.Operations))

	for _, s := range m.Sources {
		load := s.Load == nil || *s.Load
		ds, stats, err := a.Sources.Register(ctx, s.Name, s.Type, s.Descriptor, load)
		if ds == nil {
			return report, fmt.Errorf("source %q: %w", s.Name, err)
		}
		entry := SourceReport{Name: s.Name, ID: ds.ID, TableName: ds.TableName, Stats: stats}
		if err != nil {
			entry.LoadError = logging.SanitizeError(err)
			logger.Warn("Source registered but initial load failed",
				zap.String("source", s.Name),
				zap.String("error", entry.LoadError))
		}
		if ds.TableName != "" {
			tables[s.Name] = ds.TableName
		}
		sourceIDs[s.Name] = ds.ID
		report.Sources = append(report.Sources, entry)
	}

	if a.ETL != nil {
		for _, op := range m.Operations {
			entry, err := a.applyOperation(ctx, op, tables, logger)
			if err != nil {
				return report, err
			}
			report.Operations = append(report.Operations, entry)
		}
	}

	if a.Scheduler != nil {
		for _, job := range m.Jobs {
			ids := make([]uuid.UUID, 0, len(job.Sources))
			for _, s := range job.Sources {
				ids = append(ids, sourceIDs[s])
			}
			created, err := a.Scheduler.CreateJob(ctx, services.JobRequest{
				Name:              job.Name,
				Schedule:          job.Schedule,
				DataSourceIDs:     ids,
				IsActive:          job.Active,
				MaxRetries:        job.MaxRetries,
				RetryDelayMinutes: job.RetryDelayMinutes,
				FailureThreshold:  job.FailureThreshold,
			})
			if err != nil {
				return report, fmt.Errorf("job %q: %w", job.Name, err)
			}
			report.Jobs = append(report.Jobs, JobReport{Name: job.Name, ID: created.ID})
		}
	}

	logger.Info("Manifest applied",
		zap.Int("sources", len(report.Sources)),
		zap.Int("operations", len(report.Operations)),
		zap.Int("jobs", len(report.Jobs)))
	return report, nil
}

func (a *Applier) applyOperation(ctx context.Context, op Operation, tables map[string]string, logger *zap.Logger) (OperationReport, error) {
	entry := OperationReport{Name: op.Name}

	inputs := make([]string, 0, len(op.Inputs))
	for _, in := range op.Inputs {
		table, ok := tables[in]
		if !ok {
			entry.Status = models.OperationStatusFailed
			entry.Error = fmt.Sprintf("input %q has no table", in)
			logger.Warn("Skipping operation", zap.String("operation", op.Name), zap.String("reason", entry.Error))
			return entry, nil
		}
		inputs = append(inputs, table)
	}

	created, err := a.ETL.Create(ctx, services.CreateOperationRequest{
		Name:            op.Name,
		OperationType:   op.Type,
		SourceTables:    inputs,
		Parameters:      op.Parameters,
		OutputTableName: op.Output,
	})
	if created == nil {
		return entry, fmt.Errorf("operation %q: %w", op.Name, err)
	}
	entry.ID = created.ID
	entry.Status = created.Status
	if err != nil {
		entry.Error = err.Error()
		return entry, nil
	}

	if !op.Execute {
		return entry, nil
	}
	result, err := a.ETL.Execute(ctx, created.ID)
	if err != nil {
		return entry, fmt.Errorf("operation %q: %w", op.Name, err)
	}
	entry.Result = result
	if result.Success {
		entry.Status = models.OperationStatusCompleted
		if op.Output != "" {
			tables[op.Output] = result.OutputTable
		}
	} else {
		entry.Status = models.OperationStatusFailed
		entry.Error = result.Error
	}
	return entry, nil
}

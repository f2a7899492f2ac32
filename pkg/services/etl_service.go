package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/audit"
	"github.com/ekaya-inc/ekaya-etl/pkg/inference"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
	etlsql "github.com/ekaya-inc/ekaya-etl/pkg/sql"
	"github.com/ekaya-inc/ekaya-etl/pkg/store"
)

// OutputTablePrefix prefixes generated operation output tables.
const OutputTablePrefix = "etl_"

// CreateOperationRequest declares a new ETL operation.
type CreateOperationRequest struct {
	Name            string               `json:"name"`
	OperationType   models.OperationType `json:"operation_type"`
	SourceTables    []string             `json:"source_tables"`
	Parameters      map[string]any       `json:"parameters"`
	OutputTableName string               `json:"output_table_name,omitempty"`
}

// ETLService creates and executes join/union/aggregate/transform operations.
type ETLService interface {
	// Create validates the request and synthesizes its SQL. When synthesis fails
	// the operation is still saved with status failed and returned with the error.
	Create(ctx context.Context, req CreateOperationRequest) (*models.ETLOperation, error)

	// Execute materializes the operation output table. Failures are reported in
	// the result; the error is reserved for lookups and repository failures.
	Execute(ctx context.Context, id uuid.UUID) (*models.OperationResult, error)

	// Get returns one operation.
	Get(ctx context.Context, id uuid.UUID) (*models.ETLOperation, error)

	// List returns every operation, newest first.
	List(ctx context.Context) ([]*models.ETLOperation, error)

	// Regenerate creates a new operation from an existing one with optional new
	// parameters. The original keeps its SQL; the copy points back to it.
	Regenerate(ctx context.Context, id uuid.UUID, params map[string]any) (*models.ETLOperation, error)
}

type etlService struct {
	ops      repositories.ETLOperationRepository
	sources  repositories.DataSourceRepository
	store    store.Store
	workflow WorkflowService
	auditor  *audit.SecurityAuditor
	running  *SourceLocks
	now      func() time.Time
	logger   *zap.Logger
}

// NewETLService creates an ETL service. workflow may be nil, in which case
// successful runs do not touch source workflow status.
func NewETLService(
	ops repositories.ETLOperationRepository,
	sources repositories.DataSourceRepository,
	st store.Store,
	workflow WorkflowService,
	logger *zap.Logger,
) ETLService {
	return &etlService{
		ops:      ops,
		sources:  sources,
		store:    st,
		workflow: workflow,
		auditor:  audit.NewSecurityAuditor(logger),
		running:  NewSourceLocks(),
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.Named("etl"),
	}
}

var _ ETLService = (*etlService)(nil)

// DefaultOutputTable is the output table of an operation that names none.
func DefaultOutputTable(id uuid.UUID) string {
	return OutputTablePrefix + etlsql.NormalizeSourceID(id.String())
}

func (s *etlService) Create(ctx context.Context, req CreateOperationRequest) (*models.ETLOperation, error) {
	op := &models.ETLOperation{
		ID:              uuid.New(),
		Name:            req.Name,
		OperationType:   req.OperationType,
		SourceTables:    append([]string(nil), req.SourceTables...),
		Parameters:      req.Parameters,
		OutputTableName: req.OutputTableName,
		Status:          models.OperationStatusDraft,
	}
	return s.create(ctx, op)
}

func (s *etlService) create(ctx context.Context, op *models.ETLOperation) (*models.ETLOperation, error) {
	if op.Parameters == nil {
		op.Parameters = map[string]any{}
	}
	if op.OutputTableName == "" {
		op.OutputTableName = DefaultOutputTable(op.ID)
	}
	if op.Name == "" {
		op.Name = fmt.Sprintf("%s %s", op.OperationType, op.OutputTableName)
	}

	for _, hit := range etlsql.CheckAllParameters(op.Parameters) {
		s.auditor.LogInjectionFlagged(op.ID, audit.InjectionDetails{
			Path:          hit.Path,
			Value:         hit.Value,
			Fingerprint:   hit.Fingerprint,
			OperationType: string(op.OperationType),
		})
	}

	synthErr := s.synthesize(op)
	if synthErr != nil {
		op.Status = models.OperationStatusFailed
		op.ErrorMessage = synthErr.Error()
	} else {
		op.Status = models.OperationStatusPending
	}

	if err := s.ops.Create(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to save operation: %w", err)
	}

	if synthErr != nil {
		if errors.Is(synthErr, apperrors.ErrInvalidIdentifier) {
			s.auditor.LogIdentifierRejected(op.ID, audit.IdentifierDetails{
				OperationType: string(op.OperationType),
				Reason:        synthErr.Error(),
			})
		}
		s.logger.Warn("Operation rejected",
			zap.String("operation_id", op.ID.String()),
			zap.String("operation_type", string(op.OperationType)),
			zap.Error(synthErr))
		return op, synthErr
	}

	s.logger.Info("Created operation",
		zap.String("operation_id", op.ID.String()),
		zap.String("operation_type", string(op.OperationType)),
		zap.Strings("source_tables", op.SourceTables),
		zap.String("output_table", op.OutputTableName))
	return op, nil
}

// synthesize validates the output table and fills GeneratedSQL.
func (s *etlService) synthesize(op *models.ETLOperation) error {
	opName := string(op.OperationType)
	if err := etlsql.ValidateIdentifier("table", op.OutputTableName); err != nil {
		e := apperrors.NewInvalidParameterError(opName, "output_table_name", err.Error())
		e.Cause = err
		return e
	}
	if op.References(op.OutputTableName) {
		return apperrors.NewInvalidParameterError(opName, "output_table_name",
			fmt.Sprintf("output table %s is also an input", op.OutputTableName))
	}
	if etlsql.IsSourceTableName(op.OutputTableName) {
		return apperrors.NewInvalidParameterError(opName, "output_table_name",
			fmt.Sprintf("output table %s is reserved for data sources", op.OutputTableName))
	}

	generated, err := etlsql.Synthesize(op.OperationType, op.SourceTables, op.Parameters)
	if err != nil {
		return err
	}
	op.GeneratedSQL = generated
	return nil
}

func (s *etlService) Get(ctx context.Context, id uuid.UUID) (*models.ETLOperation, error) {
	op, err := s.ops.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", id, err)
	}
	return op, nil
}

func (s *etlService) List(ctx context.Context) ([]*models.ETLOperation, error) {
	return s.ops.List(ctx)
}

func (s *etlService) Regenerate(ctx context.Context, id uuid.UUID, params map[string]any) (*models.ETLOperation, error) {
	parent, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = parent.Parameters
	}

	parentID := parent.ID
	op := &models.ETLOperation{
		ID:                uuid.New(),
		Name:              parent.Name,
		OperationType:     parent.OperationType,
		SourceTables:      append([]string(nil), parent.SourceTables...),
		Parameters:        params,
		Status:            models.OperationStatusDraft,
		ParentOperationID: &parentID,
	}
	return s.create(ctx, op)
}

func (s *etlService) Execute(ctx context.Context, id uuid.UUID) (*models.OperationResult, error) {
	unlock, ok := s.running.TryLock(id)
	if !ok {
		return nil, fmt.Errorf("operation %s is already running: %w", id, apperrors.ErrConflict)
	}
	defer unlock()

	op, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	result := &models.OperationResult{OperationID: op.ID, OutputTable: op.OutputTableName}

	if op.Status == models.OperationStatusRunning {
		return nil, fmt.Errorf("operation %s is already running: %w", op.ID, apperrors.ErrConflict)
	}
	// Failed without ever running means synthesis rejected it.
	if op.Status == models.OperationStatusFailed && op.CompletedAt == nil {
		result.Error = op.ErrorMessage
		return result, nil
	}
	if op.OperationType != models.OperationTypeTransform && op.GeneratedSQL == "" {
		result.Error = "operation has no generated SQL"
		return result, nil
	}

	if op.CompletedAt != nil || op.Status == models.OperationStatusFailed {
		op.RetryCount++
	}
	op.Status = models.OperationStatusRunning
	op.ErrorMessage = ""
	if err := s.ops.Update(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to mark operation running: %w", err)
	}

	start := s.now()
	rows, runErr := s.run(ctx, op)
	elapsed := s.now().Sub(start).Seconds()
	completed := s.now()

	op.ExecutionTime = elapsed
	op.CompletedAt = &completed
	if runErr != nil {
		op.Status = models.OperationStatusFailed
		op.ErrorMessage = runErr.Error()
		op.RowCount = 0
	} else {
		op.Status = models.OperationStatusCompleted
		op.RowCount = rows
		op.OutputWrittenAt = &completed
	}
	if err := s.ops.Update(ctx, op); err != nil {
		return nil, fmt.Errorf("failed to save operation result: %w", err)
	}

	result.ExecutionTime = elapsed
	if runErr != nil {
		s.logger.Error("Operation failed",
			zap.String("operation_id", op.ID.String()),
			zap.Int("retry_count", op.RetryCount),
			zap.Error(runErr))
		result.Error = runErr.Error()
		return result, nil
	}

	s.logger.Info("Operation completed",
		zap.String("operation_id", op.ID.String()),
		zap.String("output_table", op.OutputTableName),
		zap.Int64("rows", rows),
		zap.Float64("execution_time", elapsed))

	s.auditor.LogOperationExecuted(op.ID, audit.ExecutionDetails{
		OperationType: string(op.OperationType),
		SourceTables:  op.SourceTables,
		OutputTable:   op.OutputTableName,
		RowCount:      rows,
	})

	result.Success = true
	result.RowCount = rows
	s.advanceInputs(ctx, op)
	return result, nil
}

// run checks the inputs and writes the output table.
func (s *etlService) run(ctx context.Context, op *models.ETLOperation) (int64, error) {
	for _, table := range op.SourceTables {
		if table == op.OutputTableName {
			return 0, fmt.Errorf("output table %s is also an input", table)
		}
		ok, err := s.store.Exists(ctx, table)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, fmt.Errorf("source table %s does not exist", table)
		}
	}

	if err := s.checkOutputOwner(ctx, op); err != nil {
		return 0, err
	}

	if op.OperationType != models.OperationTypeTransform {
		return s.store.CreateTableAs(ctx, op.OutputTableName, op.GeneratedSQL)
	}

	targets, err := etlsql.TransformColumns(op.SourceTables, op.Parameters)
	if err != nil {
		return 0, err
	}
	in, err := s.store.Read(ctx, op.SourceTables[0], 0)
	if err != nil {
		return 0, err
	}
	out, report, err := inference.CoerceColumns(in, targets)
	if err != nil {
		return 0, err
	}

	schema := &models.SchemaInfo{RowCount: out.NumRows(), InferredAt: s.now()}
	for _, c := range report {
		schema.Columns = append(schema.Columns, models.ColumnSchema{
			Name:       c.Column,
			Type:       c.Target,
			PandasType: c.Target.PandasType(),
			DateFormat: c.DateFormat,
		})
		if c.Failed > 0 {
			s.logger.Warn("Transform nulled unconvertible values",
				zap.String("operation_id", op.ID.String()),
				zap.String("column", c.Column),
				zap.String("target", string(c.Target)),
				zap.Int("failed", c.Failed),
				zap.Float64("success_ratio", c.SuccessRatio()))
		}
	}

	if err := s.store.Replace(ctx, op.OutputTableName, out, schema); err != nil {
		return 0, err
	}
	return int64(out.NumRows()), nil
}

// checkOutputOwner refuses to replace a table this operation does not own. An
// existing output table may only be overwritten when this operation, or one of
// its parents, already wrote it.
func (s *etlService) checkOutputOwner(ctx context.Context, op *models.ETLOperation) error {
	table := op.OutputTableName
	if etlsql.IsSourceTableName(table) {
		return fmt.Errorf("output table %s is reserved for data sources", table)
	}
	exists, err := s.store.Exists(ctx, table)
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	seen := map[uuid.UUID]bool{}
	for cur := op; cur != nil && !seen[cur.ID]; {
		seen[cur.ID] = true
		if cur.OutputTableName == table && cur.OutputWrittenAt != nil {
			return nil
		}
		if cur.ParentOperationID == nil {
			break
		}
		parent, err := s.ops.GetByID(ctx, *cur.ParentOperationID)
		if err != nil {
			if errors.Is(err, apperrors.ErrNotFound) {
				break
			}
			return fmt.Errorf("failed to load parent operation: %w", err)
		}
		cur = parent
	}
	return fmt.Errorf("output table %s already exists and is not owned by this operation", table)
}

// advanceInputs records the output on every source feeding the operation and
// attempts etl_completed for each.
func (s *etlService) advanceInputs(ctx context.Context, op *models.ETLOperation) {
	if s.workflow == nil {
		return
	}
	sources, _, err := s.sources.List(ctx, false)
	if err != nil {
		s.logger.Warn("Failed to list sources after operation", zap.Error(err))
		return
	}

	for _, ds := range sources {
		if ds.TableName == "" || !op.References(ds.TableName) {
			continue
		}
		if err := s.workflow.RecordETLOutput(ctx, ds.ID, op.OutputTableName); err != nil {
			if !errors.Is(err, apperrors.ErrNotFound) {
				s.logger.Warn("Failed to record operation output",
					zap.String("source_id", ds.ID.String()),
					zap.Error(err))
			}
			continue
		}
		res, err := s.workflow.Advance(ctx, ds.ID, models.StageETLCompleted, false, "operation "+op.ID.String())
		if err != nil {
			s.logger.Warn("Failed to advance workflow after operation",
				zap.String("source_id", ds.ID.String()),
				zap.Error(err))
			continue
		}
		if !res.OK {
			s.logger.Debug("etl_completed not reached",
				zap.String("source_id", ds.ID.String()),
				zap.String("reason", res.Reason))
		}
	}
}

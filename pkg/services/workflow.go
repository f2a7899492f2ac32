package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
	"github.com/ekaya-inc/ekaya-etl/pkg/store"
)

// DefaultMaxNullRate is the etl_completed null-rate ceiling when none is configured.
const DefaultMaxNullRate = 0.5

// TransitionEvidence lets a caller point a gate at a specific output table or
// exempt extra columns from the null-rate check. Both fields are optional.
type TransitionEvidence struct {
	OutputTable   string   `json:"output_table,omitempty"`
	SparseColumns []string `json:"sparse_columns,omitempty"`
}

// WorkflowService tracks the readiness stages of each data source.
type WorkflowService interface {
	// GetStatus returns the current stage flags of a source.
	GetStatus(ctx context.Context, sourceID uuid.UUID) (*models.WorkflowStatus, error)

	// ValidateTransition evaluates the gate for from -> to without changing state.
	// from may be empty, meaning "whatever stage the source is at".
	ValidateTransition(ctx context.Context, sourceID uuid.UUID, from, to models.WorkflowStage, evidence *TransitionEvidence) (*models.TransitionResult, error)

	// Advance sets stage to when its gate passes. force bypasses a failing gate but
	// never the stage ordering. A refused transition is reported in the result.
	Advance(ctx context.Context, sourceID uuid.UUID, to models.WorkflowStage, force bool, reason string) (*models.TransitionResult, error)

	// Rerun re-evaluates stage and clears every stage after it.
	Rerun(ctx context.Context, sourceID uuid.UUID, stage models.WorkflowStage) (*models.TransitionResult, error)

	// RecordETLOutput remembers the latest operation output built from the source.
	RecordETLOutput(ctx context.Context, sourceID uuid.UUID, table string) error

	// SetSparseColumns replaces the columns exempt from the null-rate gate.
	SetSparseColumns(ctx context.Context, sourceID uuid.UUID, columns []string) error
}

type workflowService struct {
	repo        repositories.DataSourceRepository
	store       store.Store
	locks       *SourceLocks
	maxNullRate float64
	now         func() time.Time
	logger      *zap.Logger
}

// NewWorkflowService creates a workflow service. locks may be shared with the
// datasource service; nil creates a private set.
func NewWorkflowService(
	repo repositories.DataSourceRepository,
	st store.Store,
	locks *SourceLocks,
	maxNullRate float64,
	logger *zap.Logger,
) WorkflowService {
	if locks == nil {
		locks = NewSourceLocks()
	}
	if maxNullRate <= 0 {
		maxNullRate = DefaultMaxNullRate
	}
	return &workflowService{
		repo:        repo,
		store:       st,
		locks:       locks,
		maxNullRate: maxNullRate,
		now:         func() time.Time { return time.Now().UTC() },
		logger:      logger.Named("workflow"),
	}
}

var _ WorkflowService = (*workflowService)(nil)

func (s *workflowService) load(ctx context.Context, sourceID uuid.UUID) (*models.DataSource, error) {
	ds, _, err := s.repo.GetByID(ctx, sourceID)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, fmt.Errorf("data source %s: %w", sourceID, apperrors.ErrNotFound)
		}
		return nil, fmt.Errorf("failed to load data source: %w", err)
	}
	return ds, nil
}

func checkStage(stage models.WorkflowStage) error {
	if !models.IsValidWorkflowStage(stage) {
		return fmt.Errorf("%w: unknown workflow stage %q", apperrors.ErrInvalidParameter, stage)
	}
	return nil
}

func (s *workflowService) GetStatus(ctx context.Context, sourceID uuid.UUID) (*models.WorkflowStatus, error) {
	ds, err := s.load(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	status := ds.Workflow.Clone()
	return &status, nil
}

func (s *workflowService) ValidateTransition(
	ctx context.Context,
	sourceID uuid.UUID,
	from, to models.WorkflowStage,
	evidence *TransitionEvidence,
) (*models.TransitionResult, error) {
	if err := checkStage(to); err != nil {
		return nil, err
	}
	if from != "" {
		if err := checkStage(from); err != nil {
			return nil, err
		}
	}

	ds, err := s.load(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	result := &models.TransitionResult{From: ds.Workflow.CurrentStage(), To: to, Status: ds.Workflow.Clone()}
	if from != "" && from != to.Previous() {
		return s.reject(ds, result, fmt.Sprintf("%s is not the stage before %s", from, to)), nil
	}
	if reason := orderingViolation(&ds.Workflow, to); reason != "" {
		return s.reject(ds, result, reason), nil
	}
	reason, err := s.gate(ctx, ds, to, evidence)
	if err != nil {
		return nil, err
	}
	if reason != "" {
		return s.reject(ds, result, reason), nil
	}
	result.OK = true
	return result, nil
}

func (s *workflowService) Advance(
	ctx context.Context,
	sourceID uuid.UUID,
	to models.WorkflowStage,
	force bool,
	reason string,
) (*models.TransitionResult, error) {
	if err := checkStage(to); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(sourceID)
	defer unlock()

	ds, err := s.load(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	result := &models.TransitionResult{From: ds.Workflow.CurrentStage(), To: to}
	if ds.Workflow.Completed(to) {
		result.OK = true
		result.Forced = ds.Workflow.Forced[to]
		result.Status = ds.Workflow.Clone()
		return result, nil
	}

	if violation := orderingViolation(&ds.Workflow, to); violation != "" {
		result.Status = ds.Workflow.Clone()
		return s.reject(ds, result, violation), nil
	}

	gateFailure, err := s.gate(ctx, ds, to, nil)
	if err != nil {
		return nil, err
	}
	if gateFailure != "" && !force {
		result.Status = ds.Workflow.Clone()
		return s.reject(ds, result, gateFailure), nil
	}

	status := ds.Workflow.Clone()
	status.Set(to, true)
	entry := models.StageTransition{Stage: to, Action: "advance", At: s.now(), Reason: reason}
	if gateFailure != "" {
		if status.Forced == nil {
			status.Forced = make(map[models.WorkflowStage]bool)
		}
		status.Forced[to] = true
		entry.Forced = true
		if entry.Reason == "" {
			entry.Reason = gateFailure
		} else {
			entry.Reason += ": " + gateFailure
		}
		result.Forced = true
		result.Reason = gateFailure
	}
	status.History = append(status.History, entry)

	if err := s.repo.UpdateWorkflow(ctx, sourceID, status); err != nil {
		return nil, fmt.Errorf("failed to save workflow status: %w", err)
	}

	if result.Forced {
		s.logger.Warn("Workflow stage forced past failing gate",
			zap.String("source_id", sourceID.String()),
			zap.String("stage", string(to)),
			zap.String("gate", gateFailure))
	} else {
		s.logger.Info("Workflow stage completed",
			zap.String("source_id", sourceID.String()),
			zap.String("stage", string(to)))
	}

	result.OK = true
	result.Status = status
	return result, nil
}

func (s *workflowService) Rerun(ctx context.Context, sourceID uuid.UUID, stage models.WorkflowStage) (*models.TransitionResult, error) {
	if err := checkStage(stage); err != nil {
		return nil, err
	}

	unlock := s.locks.Lock(sourceID)
	defer unlock()

	ds, err := s.load(ctx, sourceID)
	if err != nil {
		return nil, err
	}

	result := &models.TransitionResult{From: ds.Workflow.CurrentStage(), To: stage}
	if violation := orderingViolation(&ds.Workflow, stage); violation != "" {
		result.Status = ds.Workflow.Clone()
		return s.reject(ds, result, violation), nil
	}

	status := ds.Workflow.Clone()
	for _, later := range models.WorkflowStages[stage.Index()+1:] {
		status.Set(later, false)
		delete(status.Forced, later)
	}
	delete(status.Forced, stage)

	gateFailure, err := s.gate(ctx, ds, stage, nil)
	if err != nil {
		return nil, err
	}
	status.Set(stage, gateFailure == "")
	status.History = append(status.History, models.StageTransition{
		Stage:  stage,
		Action: "rerun",
		At:     s.now(),
		Reason: gateFailure,
	})

	if err := s.repo.UpdateWorkflow(ctx, sourceID, status); err != nil {
		return nil, fmt.Errorf("failed to save workflow status: %w", err)
	}

	s.logger.Info("Workflow stage re-run",
		zap.String("source_id", sourceID.String()),
		zap.String("stage", string(stage)),
		zap.Bool("passed", gateFailure == ""))

	result.Status = status
	if gateFailure != "" {
		return s.reject(ds, result, gateFailure), nil
	}
	result.OK = true
	return result, nil
}

func (s *workflowService) RecordETLOutput(ctx context.Context, sourceID uuid.UUID, table string) error {
	unlock := s.locks.Lock(sourceID)
	defer unlock()

	ds, err := s.load(ctx, sourceID)
	if err != nil {
		return err
	}
	status := ds.Workflow.Clone()
	status.ETLOutputTable = table
	return s.repo.UpdateWorkflow(ctx, sourceID, status)
}

func (s *workflowService) SetSparseColumns(ctx context.Context, sourceID uuid.UUID, columns []string) error {
	unlock := s.locks.Lock(sourceID)
	defer unlock()

	ds, err := s.load(ctx, sourceID)
	if err != nil {
		return err
	}
	status := ds.Workflow.Clone()
	status.SparseColumns = append([]string(nil), columns...)
	return s.repo.UpdateWorkflow(ctx, sourceID, status)
}

// reject fills in a refused result. The rejection is logged, not returned as an error.
func (s *workflowService) reject(ds *models.DataSource, result *models.TransitionResult, reason string) *models.TransitionResult {
	rejection := &apperrors.StageTransitionRejected{
		SourceID: ds.ID.String(),
		From:     string(result.From),
		To:       string(result.To),
		Reason:   reason,
	}
	s.logger.Info("Workflow transition rejected", zap.Error(rejection))

	result.OK = false
	result.Reason = rejection.Reason
	return result
}

// orderingViolation returns why stage cannot be set yet, or "" if its predecessor is done.
func orderingViolation(status *models.WorkflowStatus, stage models.WorkflowStage) string {
	prev := stage.Previous()
	if prev != "" && !status.Completed(prev) {
		return fmt.Sprintf("%s requires %s", stage, prev)
	}
	return ""
}

// gate returns "" when stage's validation passes, otherwise the failure reason.
// Errors are reserved for store failures.
func (s *workflowService) gate(ctx context.Context, ds *models.DataSource, stage models.WorkflowStage, evidence *TransitionEvidence) (string, error) {
	switch stage {
	case models.StageDataLoaded:
		return s.tableGate(ctx, ds.TableName, "source table")

	case models.StageETLCompleted:
		return s.etlGate(ctx, ds, evidence)

	case models.StageSemanticsCompleted:
		if !ds.HasSchema() {
			return "schema_info has not been inferred", nil
		}
		if !ds.SchemaInfo.AllTypesValid() {
			return "schema_info has columns without a valid type", nil
		}
		return "", nil

	case models.StageQueryEnabled:
		if reason, err := s.tableGate(ctx, ds.TableName, "source table"); reason != "" || err != nil {
			return reason, err
		}
		if _, err := s.store.Read(ctx, ds.TableName, 1); err != nil {
			return fmt.Sprintf("source table %s is not readable: %v", ds.TableName, err), nil
		}
		if !ds.HasSchema() {
			return "schema_info has not been inferred", nil
		}
		return "", nil

	case models.StageDashboardEnabled:
		if !ds.Workflow.QueryEnabled {
			return "query_enabled is not set", nil
		}
		return "", nil
	}
	return fmt.Sprintf("unknown stage %s", stage), nil
}

func (s *workflowService) tableGate(ctx context.Context, table, label string) (string, error) {
	if table == "" {
		return label + " has not been created", nil
	}
	ok, err := s.store.Exists(ctx, table)
	if err != nil {
		return "", fmt.Errorf("failed to check table %s: %w", table, err)
	}
	if !ok {
		return fmt.Sprintf("%s %s does not exist", label, table), nil
	}
	return "", nil
}

func (s *workflowService) etlGate(ctx context.Context, ds *models.DataSource, evidence *TransitionEvidence) (string, error) {
	table := ds.Workflow.ETLOutputTable
	if evidence != nil && evidence.OutputTable != "" {
		table = evidence.OutputTable
	}
	if table == "" {
		table = ds.TableName
	}

	if reason, err := s.tableGate(ctx, table, "output table"); reason != "" || err != nil {
		return reason, err
	}

	rows, err := s.store.RowCount(ctx, table)
	if err != nil {
		return "", fmt.Errorf("failed to count rows of %s: %w", table, err)
	}
	if rows == 0 {
		return fmt.Sprintf("output table %s is empty", table), nil
	}

	rates, err := s.store.NullRates(ctx, table)
	if err != nil {
		return "", fmt.Errorf("failed to compute null rates of %s: %w", table, err)
	}

	sparse := make(map[string]bool)
	for _, c := range ds.Workflow.SparseColumns {
		sparse[c] = true
	}
	if evidence != nil {
		for _, c := range evidence.SparseColumns {
			sparse[c] = true
		}
	}

	var over []string
	for col, rate := range rates {
		if !sparse[col] && rate > s.maxNullRate {
			over = append(over, fmt.Sprintf("%s (%.0f%%)", col, rate*100))
		}
	}
	if len(over) > 0 {
		sort.Strings(over)
		return fmt.Sprintf("null rate above %.0f%% in %s", s.maxNullRate*100, strings.Join(over, ", ")), nil
	}
	return "", nil
}

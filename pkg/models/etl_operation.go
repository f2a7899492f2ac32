package models

import (
	"time"

	"github.com/google/uuid"
)

// OperationType is the kind of ETL operation.
type OperationType string

const (
	OperationTypeJoin      OperationType = "join"
	OperationTypeUnion     OperationType = "union"
	OperationTypeAggregate OperationType = "aggregate"
	OperationTypeTransform OperationType = "transform"
)

// ValidOperationTypes contains all supported operation types.
var ValidOperationTypes = []OperationType{
	OperationTypeJoin,
	OperationTypeUnion,
	OperationTypeAggregate,
	OperationTypeTransform,
}

// IsValidOperationType checks if the given operation type is supported.
func IsValidOperationType(t OperationType) bool {
	for _, v := range ValidOperationTypes {
		if v == t {
			return true
		}
	}
	return false
}

// OperationStatus is the execution status of an ETL operation.
type OperationStatus string

const (
	OperationStatusDraft     OperationStatus = "draft"
	OperationStatusPending   OperationStatus = "pending"
	OperationStatusRunning   OperationStatus = "running"
	OperationStatusCompleted OperationStatus = "completed"
	OperationStatusFailed    OperationStatus = "failed"
)

// ETLOperation is a declared join/union/aggregate/transform over store tables.
// GeneratedSQL is fixed once produced; regenerating creates a new operation
// whose ParentOperationID points back here.
type ETLOperation struct {
	ID                uuid.UUID       `json:"id"`
	Name              string          `json:"name"`
	OperationType     OperationType   `json:"operation_type"`
	SourceTables      []string        `json:"source_tables"`
	Parameters        map[string]any  `json:"parameters"`
	GeneratedSQL      string          `json:"generated_sql"`
	OutputTableName   string          `json:"output_table_name"`
	Status            OperationStatus `json:"status"`
	RowCount          int64           `json:"row_count"`
	ExecutionTime     float64         `json:"execution_time"` // seconds
	ErrorMessage      string          `json:"error_message,omitempty"`
	RetryCount        int             `json:"retry_count"`
	ParentOperationID *uuid.UUID      `json:"parent_operation,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	// OutputWrittenAt is set by the last successful run that wrote OutputTableName.
	OutputWrittenAt *time.Time `json:"output_written_at,omitempty"`
}

// References reports whether table is one of the operation inputs.
func (o *ETLOperation) References(table string) bool {
	for _, t := range o.SourceTables {
		if t == table {
			return true
		}
	}
	return false
}

// OperationResult is the outcome returned by ETL execution.
type OperationResult struct {
	Success       bool      `json:"success"`
	OperationID   uuid.UUID `json:"operation_id"`
	OutputTable   string    `json:"output_table,omitempty"`
	RowCount      int64     `json:"row_count"`
	ExecutionTime float64   `json:"execution_time"`
	Error         string    `json:"error,omitempty"`
}

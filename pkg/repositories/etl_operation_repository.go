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

// ETLOperationRepository defines the interface for ETL operation persistence.
type ETLOperationRepository interface {
	Create(ctx context.Context, op *models.ETLOperation) error
	// GetByID returns apperrors.ErrNotFound if the operation does not exist.
	GetByID(ctx context.Context, id uuid.UUID) (*models.ETLOperation, error)
	// List returns operations newest first.
	List(ctx context.Context) ([]*models.ETLOperation, error)
	Update(ctx context.Context, op *models.ETLOperation) error
	// ListReferencing returns operations that read table as one of their inputs.
	ListReferencing(ctx context.Context, table string) ([]*models.ETLOperation, error)
}

type etlOperationRepository struct {
	db *database.DB
}

// NewETLOperationRepository creates a PostgreSQL-backed ETL operation repository.
func NewETLOperationRepository(db *database.DB) ETLOperationRepository {
	return &etlOperationRepository{db: db}
}

const etlOperationColumns = `id, name, operation_type, source_tables, parameters, generated_sql,
	output_table_name, status, row_count, execution_time, error_message, retry_count,
	parent_operation_id, created_at, updated_at, completed_at, output_written_at`

func (r *etlOperationRepository) Create(ctx context.Context, op *models.ETLOperation) error {
	now := time.Now().UTC()
	op.CreatedAt = now
	op.UpdatedAt = now

	tablesJSON, paramsJSON, err := marshalOperation(op)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO etl_operations (`+etlOperationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		op.ID, op.Name, op.OperationType, tablesJSON, paramsJSON, op.GeneratedSQL,
		op.OutputTableName, op.Status, op.RowCount, op.ExecutionTime, op.ErrorMessage, op.RetryCount,
		op.ParentOperationID, op.CreatedAt, op.UpdatedAt, op.CompletedAt, op.OutputWrittenAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create etl operation: %w", err)
	}
	return nil
}

func (r *etlOperationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.ETLOperation, error) {
	row := r.db.QueryRow(ctx, `SELECT `+etlOperationColumns+` FROM etl_operations WHERE id = $1`, id)
	op, err := scanOperation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, err
	}
	return op, nil
}

func (r *etlOperationRepository) List(ctx context.Context) ([]*models.ETLOperation, error) {
	return r.query(ctx, `SELECT `+etlOperationColumns+` FROM etl_operations ORDER BY created_at DESC, id`)
}

func (r *etlOperationRepository) ListReferencing(ctx context.Context, table string) ([]*models.ETLOperation, error) {
	tableJSON, err := json.Marshal([]string{table})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal table name: %w", err)
	}
	return r.query(ctx, `
		SELECT `+etlOperationColumns+` FROM etl_operations
		WHERE source_tables @> $1
		ORDER BY created_at DESC, id`, tableJSON)
}

func (r *etlOperationRepository) Update(ctx context.Context, op *models.ETLOperation) error {
	op.UpdatedAt = time.Now().UTC()

	tablesJSON, paramsJSON, err := marshalOperation(op)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE etl_operations
		SET name = $2, operation_type = $3, source_tables = $4, parameters = $5, generated_sql = $6,
		    output_table_name = $7, status = $8, row_count = $9, execution_time = $10,
		    error_message = $11, retry_count = $12, parent_operation_id = $13,
		    updated_at = $14, completed_at = $15, output_written_at = $16
		WHERE id = $1`,
		op.ID, op.Name, op.OperationType, tablesJSON, paramsJSON, op.GeneratedSQL,
		op.OutputTableName, op.Status, op.RowCount, op.ExecutionTime,
		op.ErrorMessage, op.RetryCount, op.ParentOperationID,
		op.UpdatedAt, op.CompletedAt, op.OutputWrittenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update etl operation: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *etlOperationRepository) query(ctx context.Context, query string, args ...any) ([]*models.ETLOperation, error) {
	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list etl operations: %w", err)
	}
	defer rows.Close()

	var ops []*models.ETLOperation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating etl operations: %w", err)
	}
	return ops, nil
}

func marshalOperation(op *models.ETLOperation) (tablesJSON, paramsJSON []byte, err error) {
	tables := op.SourceTables
	if tables == nil {
		tables = []string{}
	}
	tablesJSON, err = json.Marshal(tables)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal source_tables: %w", err)
	}
	params := op.Parameters
	if params == nil {
		params = map[string]any{}
	}
	paramsJSON, err = json.Marshal(params)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal parameters: %w", err)
	}
	return tablesJSON, paramsJSON, nil
}

func scanOperation(row pgx.Row) (*models.ETLOperation, error) {
	var op models.ETLOperation
	var tablesJSON, paramsJSON []byte

	err := row.Scan(
		&op.ID, &op.Name, &op.OperationType, &tablesJSON, &paramsJSON, &op.GeneratedSQL,
		&op.OutputTableName, &op.Status, &op.RowCount, &op.ExecutionTime, &op.ErrorMessage, &op.RetryCount,
		&op.ParentOperationID, &op.CreatedAt, &op.UpdatedAt, &op.CompletedAt, &op.OutputWrittenAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan etl operation: %w", err)
	}

	if err := json.Unmarshal(tablesJSON, &op.SourceTables); err != nil {
		return nil, fmt.Errorf("etl operation %s: failed to decode source_tables: %w", op.ID, err)
	}
	if err := json.Unmarshal(paramsJSON, &op.Parameters); err != nil {
		return nil, fmt.Errorf("etl operation %s: failed to decode parameters: %w", op.ID, err)
	}
	return &op, nil
}

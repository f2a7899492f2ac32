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

// DataSourceRepository defines the interface for data source persistence.
// The connection descriptor is stored sealed - sealing and opening are handled by the service layer.
// ConnectionDescriptor on the model is ignored on write and left nil on read.
type DataSourceRepository interface {
	// Create inserts a new data source. Returns apperrors.ErrConflict if the ID already exists.
	Create(ctx context.Context, ds *models.DataSource, sealedDescriptor string) error

	// GetByID retrieves a data source and its sealed descriptor. Returns apperrors.ErrNotFound if absent.
	GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error)

	// List retrieves data sources ordered by creation time. Deleted sources are included only when asked.
	List(ctx context.Context, includeDeleted bool) ([]*models.DataSource, []string, error)

	// Update overwrites every mutable column, including the sealed descriptor.
	Update(ctx context.Context, ds *models.DataSource, sealedDescriptor string) error

	// UpdateWorkflow persists only the workflow status.
	UpdateWorkflow(ctx context.Context, id uuid.UUID, status models.WorkflowStatus) error

	// Delete removes a data source row.
	Delete(ctx context.Context, id uuid.UUID) error
}

type dataSourceRepository struct {
	db *database.DB
}

// NewDataSourceRepository creates a PostgreSQL-backed data source repository.
func NewDataSourceRepository(db *database.DB) DataSourceRepository {
	return &dataSourceRepository{db: db}
}

const dataSourceColumns = `id, name, source_type, descriptor_sealed, schema_info, status,
	workflow_status, table_name, created_at, updated_at, last_refreshed_at`

func (r *dataSourceRepository) Create(ctx context.Context, ds *models.DataSource, sealedDescriptor string) error {
	now := time.Now().UTC()
	ds.CreatedAt = now
	ds.UpdatedAt = now
	if ds.Status == "" {
		ds.Status = models.DataSourceStatusActive
	}

	schemaJSON, workflowJSON, err := marshalDataSource(ds)
	if err != nil {
		return err
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO data_sources (`+dataSourceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		ds.ID, ds.Name, ds.SourceType, sealedDescriptor, schemaJSON, ds.Status,
		workflowJSON, ds.TableName, ds.CreatedAt, ds.UpdatedAt, ds.LastRefreshedAt,
	)
	if err != nil {
		// Unique constraint violation (PostgreSQL error code 23505)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return apperrors.ErrConflict
		}
		return fmt.Errorf("failed to create data source: %w", err)
	}
	return nil
}

func (r *dataSourceRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.DataSource, string, error) {
	row := r.db.QueryRow(ctx, `SELECT `+dataSourceColumns+` FROM data_sources WHERE id = $1`, id)
	ds, sealed, err := scanDataSource(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", apperrors.ErrNotFound
		}
		return nil, "", err
	}
	return ds, sealed, nil
}

func (r *dataSourceRepository) List(ctx context.Context, includeDeleted bool) ([]*models.DataSource, []string, error) {
	query := `SELECT ` + dataSourceColumns + ` FROM data_sources`
	args := []any{}
	if !includeDeleted {
		query += ` WHERE status = $1`
		args = append(args, models.DataSourceStatusActive)
	}
	query += ` ORDER BY created_at, id`

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list data sources: %w", err)
	}
	defer rows.Close()

	var sources []*models.DataSource
	var sealed []string
	for rows.Next() {
		ds, s, err := scanDataSource(rows)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, ds)
		sealed = append(sealed, s)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("error iterating data sources: %w", err)
	}
	return sources, sealed, nil
}

func (r *dataSourceRepository) Update(ctx context.Context, ds *models.DataSource, sealedDescriptor string) error {
	ds.UpdatedAt = time.Now().UTC()

	schemaJSON, workflowJSON, err := marshalDataSource(ds)
	if err != nil {
		return err
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE data_sources
		SET name = $2, source_type = $3, descriptor_sealed = $4, schema_info = $5, status = $6,
		    workflow_status = $7, table_name = $8, updated_at = $9, last_refreshed_at = $10
		WHERE id = $1`,
		ds.ID, ds.Name, ds.SourceType, sealedDescriptor, schemaJSON, ds.Status,
		workflowJSON, ds.TableName, ds.UpdatedAt, ds.LastRefreshedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to update data source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *dataSourceRepository) UpdateWorkflow(ctx context.Context, id uuid.UUID, status models.WorkflowStatus) error {
	workflowJSON, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("failed to marshal workflow status: %w", err)
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE data_sources SET workflow_status = $2, updated_at = $3 WHERE id = $1`,
		id, workflowJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to update workflow status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *dataSourceRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM data_sources WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete data source: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func marshalDataSource(ds *models.DataSource) (schemaJSON, workflowJSON []byte, err error) {
	if ds.SchemaInfo != nil {
		schemaJSON, err = json.Marshal(ds.SchemaInfo)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to marshal schema_info: %w", err)
		}
	}
	workflowJSON, err = json.Marshal(ds.Workflow)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal workflow status: %w", err)
	}
	return schemaJSON, workflowJSON, nil
}

func scanDataSource(row pgx.Row) (*models.DataSource, string, error) {
	var ds models.DataSource
	var sealed string
	var schemaJSON, workflowJSON []byte

	err := row.Scan(
		&ds.ID, &ds.Name, &ds.SourceType, &sealed, &schemaJSON, &ds.Status,
		&workflowJSON, &ds.TableName, &ds.CreatedAt, &ds.UpdatedAt, &ds.LastRefreshedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, "", err
		}
		return nil, "", fmt.Errorf("failed to scan data source: %w", err)
	}

	// Rows written by older releases carry the flat legacy schema map.
	ds.SchemaInfo, err = models.NormalizeSchemaInfo(schemaJSON)
	if err != nil {
		return nil, "", fmt.Errorf("data source %s: %w", ds.ID, err)
	}
	if len(workflowJSON) > 0 {
		if err := json.Unmarshal(workflowJSON, &ds.Workflow); err != nil {
			return nil, "", fmt.Errorf("data source %s: failed to decode workflow status: %w", ds.ID, err)
		}
	}
	return &ds, sealed, nil
}

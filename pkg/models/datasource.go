package models

import (
	"time"

	"github.com/google/uuid"
)

// SourceType identifies which fetcher loads a data source.
type SourceType string

const (
	SourceTypeCSV      SourceType = "csv"
	SourceTypeJSON     SourceType = "json"
	SourceTypePostgres SourceType = "postgres"
	SourceTypeMSSQL    SourceType = "mssql"
	SourceTypeMySQL    SourceType = "mysql"
	SourceTypeSQLite   SourceType = "sqlite"
	SourceTypeAPI      SourceType = "api"
	SourceTypeHTML     SourceType = "html"
)

// AllSourceTypes returns every supported source type.
func AllSourceTypes() []SourceType {
	return []SourceType{
		SourceTypeCSV, SourceTypeJSON, SourceTypePostgres, SourceTypeMSSQL,
		SourceTypeMySQL, SourceTypeSQLite, SourceTypeAPI, SourceTypeHTML,
	}
}

// IsValid reports whether t is a supported source type.
func (t SourceType) IsValid() bool {
	for _, st := range AllSourceTypes() {
		if st == t {
			return true
		}
	}
	return false
}

// DataSourceStatus is the lifecycle status of a data source row.
type DataSourceStatus string

const (
	DataSourceStatusActive DataSourceStatus = "active"
	// DataSourceStatusDeleted marks a soft-deleted source that ETL operations still reference.
	DataSourceStatusDeleted DataSourceStatus = "deleted"
)

// DataSource is a registered tabular source. ConnectionDescriptor holds
// type-specific settings (path, host, credentials) and is encrypted at rest.
type DataSource struct {
	ID                   uuid.UUID        `json:"id"`
	Name                 string           `json:"name"`
	SourceType           SourceType       `json:"source_type"`
	ConnectionDescriptor map[string]any   `json:"connection_descriptor"`
	SchemaInfo           *SchemaInfo      `json:"schema_info,omitempty"`
	Status               DataSourceStatus `json:"status"`
	Workflow             WorkflowStatus   `json:"workflow_status"`
	TableName            string           `json:"table_name,omitempty"` // source_<normalized id> once loaded
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
	LastRefreshedAt      *time.Time       `json:"last_refreshed_at,omitempty"`
}

// IsActive reports whether the source takes part in detection and scheduled refreshes.
func (d *DataSource) IsActive() bool {
	return d.Status == DataSourceStatusActive
}

// HasSchema reports whether inference has produced at least one column.
func (d *DataSource) HasSchema() bool {
	return d.SchemaInfo != nil && len(d.SchemaInfo.Columns) > 0
}

// RefreshStats summarizes one refresh of a data source under replace semantics.
type RefreshStats struct {
	RecordsProcessed int `json:"records_processed"`
	RecordsAdded     int `json:"records_added"`
	RecordsUpdated   int `json:"records_updated"`
	RecordsDeleted   int `json:"records_deleted"`
}

// NewRefreshStats derives stats from the row counts before and after a full replace.
func NewRefreshStats(oldRows, newRows int) RefreshStats {
	stats := RefreshStats{RecordsProcessed: newRows}
	if newRows > oldRows {
		stats.RecordsAdded = newRows - oldRows
		stats.RecordsUpdated = oldRows
	} else {
		stats.RecordsDeleted = oldRows - newRows
		stats.RecordsUpdated = newRows
	}
	return stats
}

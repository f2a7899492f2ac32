//go:build integration

package repositories

import (
	"testing"

	"github.com/ekaya-inc/ekaya-etl/pkg/testhelpers"
)

func TestPostgresDataSourceRepository(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	db.Truncate(t, "etl_operations", "data_sources")
	exerciseDataSourceRepository(t, NewDataSourceRepository(db.DB))
}

func TestPostgresETLOperationRepository(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	db.Truncate(t, "etl_operations")
	exerciseETLOperationRepository(t, NewETLOperationRepository(db.DB))
}

func TestPostgresJobRepositories(t *testing.T) {
	db := testhelpers.GetTestDB(t)
	db.Truncate(t, "etl_job_run_logs", "scheduled_etl_jobs")
	exerciseJobRepositories(t, NewJobRepository(db.DB), NewRunLogRepository(db.DB))
}

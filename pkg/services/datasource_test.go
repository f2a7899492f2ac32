package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	_ "github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource/csvfile"
	"github.com/ekaya-inc/ekaya-etl/pkg/apperrors"
	"github.com/ekaya-inc/ekaya-etl/pkg/crypto"
	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/inference"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
	"github.com/ekaya-inc/ekaya-etl/pkg/store"
)

type dataSourceFixture struct {
	svc      DataSourceService
	repo     repositories.DataSourceRepository
	ops      repositories.ETLOperationRepository
	store    store.Store
	workflow WorkflowService
	factory  *mockFetcherFactory
}

func newDataSourceFixture(t *testing.T, factory datasource.FetcherFactory) *dataSourceFixture {
	t.Helper()
	repo := repositories.NewMemoryDataSourceRepository()
	ops := repositories.NewMemoryETLOperationRepository()
	st := newTestStore(t)
	locks := NewSourceLocks()
	wf := NewWorkflowService(repo, st, locks, DefaultMaxNullRate, zap.NewNop())
	detector := NewRelationshipDetector(repo, DefaultMinConfidence, DefaultTopN, zap.NewNop())

	mock, _ := factory.(*mockFetcherFactory)
	cfg := DataSourceServiceConfig{
		FetchTimeout: 5 * time.Second,
		FetchRetries: 0,
		Inference:    inference.DefaultOptions(),
	}
	return &dataSourceFixture{
		svc:      NewDataSourceService(repo, ops, newTestCipher(t), factory, st, detector, wf, locks, cfg, zap.NewNop()),
		repo:     repo,
		ops:      ops,
		store:    st,
		workflow: wf,
		factory:  mock,
	}
}

func TestDataSourceService_RegisterCSVEndToEnd(t *testing.T) {
	ctx := context.Background()
	fx := newDataSourceFixture(t, datasource.NewFetcherFactory(datasource.Options{Logger: zap.NewNop()}))

	content := "Order ID,Order Date,Sales\n" +
		"CA-1,08-11-2016,261.96\n" +
		"CA-2,08-11-2016,731.94\n" +
		"CA-3,12-06-2016,14.62\n" +
		"CA-4,11-10-2015,957.5775\n"

	ds, stats, err := fx.svc.Register(ctx, "superstore", models.SourceTypeCSV, map[string]any{"content": content}, true)
	require.NoError(t, err)
	require.NotNil(t, stats)
	assert.Equal(t, 4, stats.RecordsProcessed)
	assert.Equal(t, 4, stats.RecordsAdded)

	require.NotNil(t, ds.SchemaInfo)
	assert.Equal(t, 4, ds.SchemaInfo.RowCount)
	date, ok := ds.SchemaInfo.Column("Order_Date")
	require.True(t, ok)
	assert.Equal(t, models.ColumnTypeDate, date.Type)
	assert.Equal(t, "%d-%m-%Y", date.DateFormat)
	sales, ok := ds.SchemaInfo.Column("Sales")
	require.True(t, ok)
	assert.Equal(t, models.ColumnTypeFloat, sales.Type)

	n, err := fx.store.RowCount(ctx, ds.TableName)
	require.NoError(t, err)
	assert.Equal(t, int64(4), n)

	assert.True(t, ds.Workflow.DataLoaded)
	assert.NotNil(t, ds.LastRefreshedAt)
	assert.Equal(t, content, ds.ConnectionDescriptor["content"])
}

func TestDataSourceService_RegisterValidation(t *testing.T) {
	ctx := context.Background()
	fx := newDataSourceFixture(t, newMockFetcherFactory())

	_, _, err := fx.svc.Register(ctx, "  ", models.SourceTypeCSV, nil, false)
	assert.ErrorIs(t, err, apperrors.ErrInvalidParameter)

	_, _, err = fx.svc.Register(ctx, "x", "parquet", nil, false)
	assert.ErrorIs(t, err, datasource.ErrUnsupportedSourceType)

	ds, stats, err := fx.svc.Register(ctx, "later", models.SourceTypeCSV, map[string]any{"name": "later"}, false)
	require.NoError(t, err)
	assert.Nil(t, stats)
	assert.False(t, ds.Workflow.DataLoaded)
	assert.Zero(t, fx.factory.calls, "no fetch without load")
}

func TestDataSourceService_FailedFirstLoadKeepsSource(t *testing.T) {
	ctx := context.Background()
	fx := newDataSourceFixture(t, newMockFetcherFactory())
	fx.factory.set("broken", &mockFetcher{err: errors.New("file is not a CSV")})

	ds, stats, err := fx.svc.Register(ctx, "broken", models.SourceTypeCSV, map[string]any{"name": "broken"}, true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a CSV")
	assert.Nil(t, stats)
	require.NotNil(t, ds)

	got, err := fx.svc.Get(ctx, ds.ID)
	require.NoError(t, err)
	assert.Nil(t, got.SchemaInfo)
	assert.False(t, got.Workflow.DataLoaded)
}

func TestDataSourceService_RefreshStats(t *testing.T) {
	ctx := context.Background()
	fx := newDataSourceFixture(t, newMockFetcherFactory())

	of, _ := ordersFrame()
	fx.factory.set("orders", &mockFetcher{frame: of})

	ds, stats, err := fx.svc.Register(ctx, "orders", models.SourceTypeCSV, map[string]any{"name": "orders"}, true)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.RecordsAdded)

	smaller := frame.FromRows([]string{"order_id", "customer_id", "sales"}, [][]any{
		{int64(1), int64(10), 12.5},
	})
	fx.factory.set("orders", &mockFetcher{frame: smaller})

	stats, err = fx.svc.Refresh(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.RecordsProcessed)
	assert.Equal(t, 2, stats.RecordsDeleted)
	assert.Equal(t, 1, stats.RecordsUpdated)

	after, err := fx.svc.Get(ctx, ds.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, after.SchemaInfo.RowCount)
	assert.Len(t, after.Workflow.History, 1, "data_loaded is recorded once")
}

func TestDataSourceService_RefreshPreservesWorkflowProgress(t *testing.T) {
	ctx := context.Background()
	fx := newDataSourceFixture(t, newMockFetcherFactory())

	of, _ := ordersFrame()
	fx.factory.set("orders", &mockFetcher{frame: of})
	ds, _, err := fx.svc.Register(ctx, "orders", models.SourceTypeCSV, map[string]any{"name": "orders"}, true)
	require.NoError(t, err)

	res, err := fx.workflow.Advance(ctx, ds.ID, models.StageETLCompleted, false, "")
	require.NoError(t, err)
	require.True(t, res.OK, res.Reason)

	_, err = fx.svc.Refresh(ctx, ds.ID)
	require.NoError(t, err)

	status, err := fx.workflow.GetStatus(ctx, ds.ID)
	require.NoError(t, err)
	assert.True(t, status.ETLCompleted)
}

func TestDataSourceService_Relationships(t *testing.T) {
	ctx := context.Background()
	fx := newDataSourceFixture(t, newMockFetcherFactory())

	of, _ := ordersFrame()
	cf, _ := customersFrame()
	fx.factory.set("orders", &mockFetcher{frame: of})
	fx.factory.set("customers", &mockFetcher{frame: cf})

	orders, _, err := fx.svc.Register(ctx, "orders", models.SourceTypeCSV, map[string]any{"name": "orders"}, true)
	require.NoError(t, err)
	customers, _, err := fx.svc.Register(ctx, "customers", models.SourceTypeCSV, map[string]any{"name": "customers"}, true)
	require.NoError(t, err)

	got, err := fx.svc.Relationships(ctx, orders.ID)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, customers.ID, got[0].SourceB)
	assert.Equal(t, "customer_id", got[0].ColumnA)
	assert.Equal(t, "customer_id", got[0].ColumnB)
}

func TestDataSourceService_Delete(t *testing.T) {
	ctx := context.Background()
	fx := newDataSourceFixture(t, newMockFetcherFactory())

	of, _ := ordersFrame()
	fx.factory.set("orders", &mockFetcher{frame: of})
	cf, _ := customersFrame()
	fx.factory.set("customers", &mockFetcher{frame: cf})

	orders, _, err := fx.svc.Register(ctx, "orders", models.SourceTypeCSV, map[string]any{"name": "orders"}, true)
	require.NoError(t, err)
	customers, _, err := fx.svc.Register(ctx, "customers", models.SourceTypeCSV, map[string]any{"name": "customers"}, true)
	require.NoError(t, err)

	require.NoError(t, fx.ops.Create(ctx, &models.ETLOperation{
		Name:          "totals",
		OperationType: models.OperationTypeAggregate,
		SourceTables:  []string{orders.TableName},
		Status:        models.OperationStatusPending,
	}))

	t.Run("referenced source is soft deleted", func(t *testing.T) {
		require.NoError(t, fx.svc.Delete(ctx, orders.ID))

		got, err := fx.svc.Get(ctx, orders.ID)
		require.NoError(t, err)
		assert.Equal(t, models.DataSourceStatusDeleted, got.Status)

		ok, err := fx.store.Exists(ctx, orders.TableName)
		require.NoError(t, err)
		assert.True(t, ok, "table kept for the operation")

		active, err := fx.svc.List(ctx, false)
		require.NoError(t, err)
		for _, ds := range active {
			assert.NotEqual(t, orders.ID, ds.ID)
		}

		_, err = fx.svc.Refresh(ctx, orders.ID)
		assert.ErrorIs(t, err, apperrors.ErrConflict)
	})

	t.Run("unreferenced source is removed", func(t *testing.T) {
		require.NoError(t, fx.svc.Delete(ctx, customers.ID))

		_, err := fx.svc.Get(ctx, customers.ID)
		assert.ErrorIs(t, err, apperrors.ErrNotFound)

		ok, err := fx.store.Exists(ctx, customers.TableName)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestDataSourceService_WrongKey(t *testing.T) {
	ctx := context.Background()
	fx := newDataSourceFixture(t, newMockFetcherFactory())

	ds, _, err := fx.svc.Register(ctx, "secret", models.SourceTypeCSV, map[string]any{"name": "secret", "password": "hunter2"}, false)
	require.NoError(t, err)

	other, err := crypto.NewDescriptorCipher("YW5vdGhlci1rZXktZm9yLXVuaXQtdGVzdHMtMzJieXQ=")
	require.NoError(t, err)
	rekeyed := NewDataSourceService(fx.repo, fx.ops, other, fx.factory, fx.store, nil, nil, nil, DataSourceServiceConfig{}, zap.NewNop())

	_, err = rekeyed.Get(ctx, ds.ID)
	assert.ErrorIs(t, err, apperrors.ErrCredentialsKeyMismatch)
}

func TestDataSourceService_TestConnection(t *testing.T) {
	ctx := context.Background()
	fx := newDataSourceFixture(t, newMockFetcherFactory())
	fx.factory.set("ok", &mockFetcher{})
	fx.factory.set("down", &mockFetcher{testErr: errors.New("dial tcp: connection refused")})

	assert.NoError(t, fx.svc.TestConnection(ctx, models.SourceTypePostgres, map[string]any{"name": "ok"}))

	err := fx.svc.TestConnection(ctx, models.SourceTypePostgres, map[string]any{"name": "down"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

package services

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-etl/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-etl/pkg/crypto"
	"github.com/ekaya-inc/ekaya-etl/pkg/frame"
	"github.com/ekaya-inc/ekaya-etl/pkg/models"
	"github.com/ekaya-inc/ekaya-etl/pkg/repositories"
	etlsql "github.com/ekaya-inc/ekaya-etl/pkg/sql"
	"github.com/ekaya-inc/ekaya-etl/pkg/store"
)

// Test encryption key (32 bytes, base64 encoded).
const testEncryptionKey = "dGVzdC1rZXktZm9yLXVuaXQtdGVzdHMtMzItYnl0ZXM="

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	s, err := store.Open(context.Background(), filepath.Join(t.TempDir(), "store.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestCipher(t *testing.T) *crypto.DescriptorCipher {
	t.Helper()
	c, err := crypto.NewDescriptorCipher(testEncryptionKey)
	require.NoError(t, err)
	return c
}

// mockFetcher returns a fixed frame or error.
type mockFetcher struct {
	frame   *frame.Frame
	err     error
	testErr error
}

func (m *mockFetcher) Fetch(ctx context.Context) (*frame.Frame, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.frame.Clone(), nil
}

func (m *mockFetcher) TestConnection(ctx context.Context) error { return m.testErr }
func (m *mockFetcher) Close() error                             { return nil }

// mockFetcherFactory hands out fetchers keyed by the descriptor "name" value.
type mockFetcherFactory struct {
	mu       sync.Mutex
	fetchers map[string]*mockFetcher
	calls    int
}

func newMockFetcherFactory() *mockFetcherFactory {
	return &mockFetcherFactory{fetchers: make(map[string]*mockFetcher)}
}

func (m *mockFetcherFactory) set(name string, f *mockFetcher) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fetchers[name] = f
}

func (m *mockFetcherFactory) NewFetcher(ctx context.Context, sourceType string, descriptor map[string]any) (datasource.Fetcher, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	name, _ := descriptor["name"].(string)
	f, ok := m.fetchers[name]
	if !ok {
		return nil, errors.New("no fetcher configured for " + name)
	}
	return f, nil
}

func (m *mockFetcherFactory) ListTypes() []datasource.AdapterInfo { return nil }

// seedSource saves a loaded source directly: row in the repository, table in the store.
func seedSource(t *testing.T, repo repositories.DataSourceRepository, st store.Store, f *frame.Frame, schema *models.SchemaInfo) *models.DataSource {
	t.Helper()
	ctx := context.Background()
	ds := &models.DataSource{
		ID:         uuid.New(),
		Name:       "seed",
		SourceType: models.SourceTypeCSV,
		Status:     models.DataSourceStatusActive,
		SchemaInfo: schema,
	}
	if f != nil {
		table, err := st.Store(ctx, ds.ID.String(), f, schema)
		require.NoError(t, err)
		ds.TableName = table
	} else {
		ds.TableName = etlsql.SourceTableName(ds.ID.String())
	}
	require.NoError(t, repo.Create(ctx, ds, ""))
	return ds
}

func ordersFrame() (*frame.Frame, *models.SchemaInfo) {
	f := frame.FromRows([]string{"order_id", "customer_id", "sales"}, [][]any{
		{int64(1), int64(10), 12.5},
		{int64(2), int64(11), 7.25},
		{int64(3), int64(10), 3.0},
	})
	schema := &models.SchemaInfo{RowCount: 3, Columns: []models.ColumnSchema{
		{Name: "order_id", Type: models.ColumnTypeInteger, UniqueCount: 3, Completeness: 1, Uniqueness: 1, PotentialKey: true, PotentialForeignKey: true},
		{Name: "customer_id", Type: models.ColumnTypeInteger, UniqueCount: 2, Completeness: 1, PotentialForeignKey: true},
		{Name: "sales", Type: models.ColumnTypeFloat, UniqueCount: 3, Completeness: 1},
	}}
	return f, schema
}

func customersFrame() (*frame.Frame, *models.SchemaInfo) {
	f := frame.FromRows([]string{"customer_id", "name"}, [][]any{
		{int64(10), "Ada"},
		{int64(11), "Grace"},
	})
	schema := &models.SchemaInfo{RowCount: 2, Columns: []models.ColumnSchema{
		{Name: "customer_id", Type: models.ColumnTypeInteger, UniqueCount: 2, Completeness: 1, Uniqueness: 1, PotentialKey: true, PotentialForeignKey: true},
		{Name: "name", Type: models.ColumnTypeString, UniqueCount: 2, Completeness: 1, Uniqueness: 1},
	}}
	return f, schema
}

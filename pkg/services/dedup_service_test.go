package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/repositories"
)

type mockCatalogRepo struct {
	tables    map[string]bool
	columns   map[string]bool
	pkTables  map[string]bool
	unique    map[string]bool
	colList   []mockColumn
	tableErr  error
	columnErr error
}

type mockColumn struct {
	name     string
	dataType string
}

func newMockCatalogRepo() *mockCatalogRepo {
	return &mockCatalogRepo{
		tables:   map[string]bool{},
		columns:  map[string]bool{},
		pkTables: map[string]bool{},
		unique:   map[string]bool{},
	}
}

func (m *mockCatalogRepo) TableExists(ctx context.Context, schema, table string) (bool, error) {
	return m.tables[table], m.tableErr
}

func (m *mockCatalogRepo) ColumnExists(ctx context.Context, schema, table, column string) (bool, error) {
	return m.columns[table+"."+column], m.columnErr
}

func (m *mockCatalogRepo) TableHasPrimaryKey(ctx context.Context, schema, table string) (bool, error) {
	return m.pkTables[table], nil
}

func (m *mockCatalogRepo) TableColumns(ctx context.Context, schema, table string) ([]repositories.Column, error) {
	var out []repositories.Column
	for _, c := range m.colList {
		out = append(out, repositories.Column{Name: c.name, DataType: c.dataType})
	}
	return out, nil
}

func (m *mockCatalogRepo) ColumnIsUniqueOrPK(ctx context.Context, schema, table, column string) (bool, error) {
	return m.unique[table+"."+column], nil
}

func (m *mockCatalogRepo) ListTables(ctx context.Context, schema string) ([]string, error) {
	var out []string
	for name, exists := range m.tables {
		if exists {
			out = append(out, name)
		}
	}
	return out, nil
}

func (m *mockCatalogRepo) CountTableRows(ctx context.Context, schema, table string) (int64, error) {
	return 0, nil
}

type mockDedupRepo struct {
	rebuildErr     error
	rebuildCalls   int
	addedColumns   []string
	addColumnErr   error
	identityCalls  []bool
	backfillCalls  int
	reconcileCalls int
	reconcileErr   error
	updated        int64
}

func (m *mockDedupRepo) Rebuild(ctx context.Context, schema string) error {
	m.rebuildCalls++
	return m.rebuildErr
}

func (m *mockDedupRepo) AddColumn(ctx context.Context, schema, column, sqlType string) error {
	if m.addColumnErr != nil {
		return m.addColumnErr
	}
	m.addedColumns = append(m.addedColumns, column)
	return nil
}

func (m *mockDedupRepo) AddIdentityColumn(ctx context.Context, schema string, withPK bool) error {
	m.identityCalls = append(m.identityCalls, withPK)
	return nil
}

func (m *mockDedupRepo) BackfillCountry(ctx context.Context, schema string) (int64, error) {
	m.backfillCalls++
	return 0, nil
}

func (m *mockDedupRepo) ReconcileUUIDs(ctx context.Context, schema string) (int64, error) {
	m.reconcileCalls++
	if m.reconcileErr != nil {
		return 0, m.reconcileErr
	}
	return m.updated, nil
}

func (m *mockDedupRepo) CountRows(ctx context.Context, schema string) (int64, error) {
	return 0, nil
}

func (m *mockDedupRepo) CountDeduplicated(ctx context.Context, schema string) (int64, error) {
	return 0, nil
}

func (m *mockDedupRepo) LastDeduplicationRun(ctx context.Context, schema string) (*time.Time, error) {
	return nil, nil
}

func testPipelineConfig() config.PipelineConfig {
	return config.PipelineConfig{
		Schema:       "public",
		SourceTable:  "institution",
		MappingTable: "institution_mapping",
		DedupTable:   "deduplicated_institutions_kb",
		CountryTable: "institution_country",
	}
}

func TestApplyDeduplication_MissingSourceTable(t *testing.T) {
	catalog := newMockCatalogRepo()
	dedup := &mockDedupRepo{}
	svc := NewDedupService(catalog, dedup, testPipelineConfig(), zap.NewNop())

	report := svc.ApplyDeduplication(context.Background(), "public")

	assert.False(t, report.Success)
	assert.Contains(t, report.Error, "institution")
	assert.Equal(t, 0, dedup.rebuildCalls)
}

func TestApplyDeduplication_Rebuilds(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["institution"] = true
	dedup := &mockDedupRepo{}
	svc := NewDedupService(catalog, dedup, testPipelineConfig(), zap.NewNop())

	report := svc.ApplyDeduplication(context.Background(), "public")

	assert.True(t, report.Success)
	assert.Equal(t, "deduplicated_institutions_kb", report.Table)
	assert.Equal(t, 1, dedup.rebuildCalls)
}

func TestAddColumns_FirstRunExecutesEverything(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.tables["institution_country"] = true
	dedup := &mockDedupRepo{}
	svc := NewDedupService(catalog, dedup, testPipelineConfig(), zap.NewNop())

	report := svc.AddColumns(context.Background(), "public")

	assert.True(t, report.Success)
	assert.Empty(t, report.Errors)
	assert.Equal(t, []string{"uuid_country", "uuid_deprecated"}, dedup.addedColumns)
	require.Len(t, dedup.identityCalls, 1)
	assert.True(t, dedup.identityCalls[0], "id should carry the primary key when none exists")
	assert.Equal(t, 1, dedup.backfillCalls)
}

func TestAddColumns_SecondRunSkipsEverything(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.columns["deduplicated_institutions_kb.uuid_country"] = true
	catalog.columns["deduplicated_institutions_kb.uuid_deprecated"] = true
	catalog.columns["deduplicated_institutions_kb.id"] = true
	dedup := &mockDedupRepo{}
	svc := NewDedupService(catalog, dedup, testPipelineConfig(), zap.NewNop())

	report := svc.AddColumns(context.Background(), "public")

	assert.True(t, report.Success)
	assert.Empty(t, dedup.addedColumns)
	assert.Empty(t, dedup.identityCalls)
	assert.Len(t, report.Skipped, 4)
}

func TestAddColumns_ExistingPrimaryKeyGetsPlainIdentity(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.pkTables["deduplicated_institutions_kb"] = true
	dedup := &mockDedupRepo{}
	svc := NewDedupService(catalog, dedup, testPipelineConfig(), zap.NewNop())

	svc.AddColumns(context.Background(), "public")

	require.Len(t, dedup.identityCalls, 1)
	assert.False(t, dedup.identityCalls[0])
}

func TestAddColumns_MissingCountryTableIsSkipNotError(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	dedup := &mockDedupRepo{}
	svc := NewDedupService(catalog, dedup, testPipelineConfig(), zap.NewNop())

	report := svc.AddColumns(context.Background(), "public")

	assert.True(t, report.Success)
	assert.Equal(t, 0, dedup.backfillCalls)
	assert.NotEmpty(t, report.Skipped)
}

func TestAddColumns_FailedStepDoesNotStopSiblings(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.tables["institution_country"] = true
	dedup := &mockDedupRepo{addColumnErr: errors.New("boom")}
	svc := NewDedupService(catalog, dedup, testPipelineConfig(), zap.NewNop())

	report := svc.AddColumns(context.Background(), "public")

	assert.False(t, report.Success)
	assert.Len(t, report.Errors, 2)
	// Identity and backfill still ran despite the column failures.
	assert.Len(t, dedup.identityCalls, 1)
	assert.Equal(t, 1, dedup.backfillCalls)
}

func TestUpdateUUIDs_PreconditionsFailFast(t *testing.T) {
	catalog := newMockCatalogRepo()
	dedup := &mockDedupRepo{}
	svc := NewDedupService(catalog, dedup, testPipelineConfig(), zap.NewNop())

	report := svc.UpdateUUIDs(context.Background(), "public")
	assert.False(t, report.Success)
	assert.Equal(t, 0, dedup.reconcileCalls)

	// Table present but id column missing: still no mutation.
	catalog.tables["deduplicated_institutions_kb"] = true
	report = svc.UpdateUUIDs(context.Background(), "public")
	assert.False(t, report.Success)
	assert.Contains(t, report.Errors[0], "id")
	assert.Equal(t, 0, dedup.reconcileCalls)
}

func TestUpdateUUIDs_RunsReconcile(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.columns["deduplicated_institutions_kb.id"] = true
	catalog.columns["deduplicated_institutions_kb.uuid_institution"] = true
	dedup := &mockDedupRepo{updated: 7}
	svc := NewDedupService(catalog, dedup, testPipelineConfig(), zap.NewNop())

	report := svc.UpdateUUIDs(context.Background(), "public")

	assert.True(t, report.Success)
	assert.Equal(t, int64(7), report.Updated)
	assert.Equal(t, []string{"CTE_UPDATE"}, report.Executed)
}

package services

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/models"
)

type mockDuplicatesRepo struct {
	groups    map[string][]models.DuplicateGroup
	groupErr  map[string]error
	records   []map[string]any
	fetchErr  error
	scanned   []string
	hasIDSeen []bool
}

func newMockDuplicatesRepo() *mockDuplicatesRepo {
	return &mockDuplicatesRepo{
		groups:   map[string][]models.DuplicateGroup{},
		groupErr: map[string]error{},
	}
}

func (m *mockDuplicatesRepo) GroupDuplicates(ctx context.Context, schema, table, column string, textLike, caseInsensitive, hasID bool) ([]models.DuplicateGroup, error) {
	m.scanned = append(m.scanned, column)
	m.hasIDSeen = append(m.hasIDSeen, hasID)
	if err := m.groupErr[column]; err != nil {
		return nil, err
	}
	return m.groups[column], nil
}

func (m *mockDuplicatesRepo) FetchGroupRows(ctx context.Context, schema, table, column, value string, textLike, caseInsensitive, hasID bool) ([]map[string]any, error) {
	if m.fetchErr != nil {
		return nil, m.fetchErr
	}
	return m.records, nil
}

func TestCheckDuplicates_MissingTable(t *testing.T) {
	catalog := newMockCatalogRepo()
	svc := NewDuplicatesService(catalog, newMockDuplicatesRepo(), testPipelineConfig(), zap.NewNop())

	report := svc.CheckDuplicates(context.Background(), "public", DefaultDuplicatesOptions())

	assert.NotEmpty(t, report.Error)
	assert.Equal(t, "deduplicated_institutions_kb", report.Table)
}

func TestCheckDuplicates_UniqueColumnNeverScanned(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.colList = []mockColumn{
		{"uuid_institution", "character varying"},
		{"institution", "text"},
	}
	catalog.unique["deduplicated_institutions_kb.uuid_institution"] = true
	repo := newMockDuplicatesRepo()
	repo.groups["institution"] = []models.DuplicateGroup{{Value: "acme", Count: 2}}
	svc := NewDuplicatesService(catalog, repo, testPipelineConfig(), zap.NewNop())

	report := svc.CheckDuplicates(context.Background(), "public", DefaultDuplicatesOptions())

	assert.NotContains(t, repo.scanned, "uuid_institution")
	assert.NotContains(t, report.Columns, "uuid_institution")
	assert.Contains(t, report.Columns, "institution")
}

func TestCheckDuplicates_CleanColumnsOmittedByDefault(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.colList = []mockColumn{{"institution", "text"}}
	repo := newMockDuplicatesRepo()
	svc := NewDuplicatesService(catalog, repo, testPipelineConfig(), zap.NewNop())

	report := svc.CheckDuplicates(context.Background(), "public", DefaultDuplicatesOptions())
	assert.Empty(t, report.Columns)

	opts := DefaultDuplicatesOptions()
	opts.OnlyWithDuplicates = false
	report = svc.CheckDuplicates(context.Background(), "public", opts)
	assert.Contains(t, report.Columns, "institution")
	assert.Empty(t, report.Columns["institution"])
}

func TestCheckDuplicates_ColumnAllowlist(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.colList = []mockColumn{
		{"institution", "text"},
		{"english_name", "text"},
	}
	repo := newMockDuplicatesRepo()
	svc := NewDuplicatesService(catalog, repo, testPipelineConfig(), zap.NewNop())

	opts := DefaultDuplicatesOptions()
	opts.Columns = []string{"english_name"}
	svc.CheckDuplicates(context.Background(), "public", opts)

	assert.Equal(t, []string{"english_name"}, repo.scanned)
}

func TestCheckDuplicates_FailedColumnIsSkipped(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.colList = []mockColumn{
		{"institution", "text"},
		{"english_name", "text"},
	}
	repo := newMockDuplicatesRepo()
	repo.groupErr["institution"] = errors.New("boom")
	repo.groups["english_name"] = []models.DuplicateGroup{{Value: "x", Count: 2}}
	svc := NewDuplicatesService(catalog, repo, testPipelineConfig(), zap.NewNop())

	report := svc.CheckDuplicates(context.Background(), "public", DefaultDuplicatesOptions())

	assert.Empty(t, report.Error)
	assert.NotContains(t, report.Columns, "institution")
	assert.Contains(t, report.Columns, "english_name")
}

func TestCheckDuplicates_GroupRecordsFetched(t *testing.T) {
	catalog := newMockCatalogRepo()
	catalog.tables["deduplicated_institutions_kb"] = true
	catalog.colList = []mockColumn{
		{"id", "integer"},
		{"institution", "text"},
	}
	catalog.unique["deduplicated_institutions_kb.id"] = true
	repo := newMockDuplicatesRepo()
	repo.groups["institution"] = []models.DuplicateGroup{{Value: "acme", IDs: []int64{1, 2}, Count: 2}}
	repo.records = []map[string]any{
		{"id": int64(1), "institution": "Acme"},
		{"id": int64(2), "institution": "acme"},
	}
	svc := NewDuplicatesService(catalog, repo, testPipelineConfig(), zap.NewNop())

	report := svc.CheckDuplicates(context.Background(), "public", DefaultDuplicatesOptions())

	require.Contains(t, report.Columns, "institution")
	groups := report.Columns["institution"]
	require.Len(t, groups, 1)
	assert.Len(t, groups[0].Records, 2)
	// The id column exists, so grouping queries aggregate row ids.
	require.NotEmpty(t, repo.hasIDSeen)
	assert.True(t, repo.hasIDSeen[0])
}

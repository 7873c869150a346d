package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/models"
	"github.com/acp-data/canonical-pipeline/pkg/repositories"
)

// DuplicatesOptions control a duplicate scan. The zero value is not useful,
// use DefaultDuplicatesOptions as a base.
type DuplicatesOptions struct {
	// Table to scan. Defaults to the canonical deduplicated table.
	Table string
	// Columns restricts the scan to the named columns when non-empty.
	Columns []string
	// CaseInsensitive lowercases text-like columns before grouping.
	CaseInsensitive bool
	// OnlyWithDuplicates omits columns that produced no duplicate groups.
	OnlyWithDuplicates bool
}

// DefaultDuplicatesOptions returns the options used by the pipeline's
// check-duplicates mode.
func DefaultDuplicatesOptions() DuplicatesOptions {
	return DuplicatesOptions{CaseInsensitive: true, OnlyWithDuplicates: true}
}

// DuplicatesService scans a table for repeated values column by column.
// Columns under a primary key or unique constraint cannot hold duplicates
// and are skipped, as is any column whose inspection fails.
type DuplicatesService interface {
	CheckDuplicates(ctx context.Context, schema string, opts DuplicatesOptions) *models.DuplicatesReport
}

type duplicatesService struct {
	catalogRepo    repositories.CatalogRepository
	duplicatesRepo repositories.DuplicatesRepository
	cfg            config.PipelineConfig
	logger         *zap.Logger
}

// NewDuplicatesService creates a new DuplicatesService.
func NewDuplicatesService(catalogRepo repositories.CatalogRepository, duplicatesRepo repositories.DuplicatesRepository, cfg config.PipelineConfig, logger *zap.Logger) DuplicatesService {
	return &duplicatesService{
		catalogRepo:    catalogRepo,
		duplicatesRepo: duplicatesRepo,
		cfg:            cfg,
		logger:         logger.Named("duplicates"),
	}
}

var _ DuplicatesService = (*duplicatesService)(nil)

func textLike(dataType string) bool {
	switch dataType {
	case "character varying", "text", "character":
		return true
	}
	return false
}

func (s *duplicatesService) CheckDuplicates(ctx context.Context, schema string, opts DuplicatesOptions) *models.DuplicatesReport {
	table := opts.Table
	if table == "" {
		table = s.cfg.DedupTable
	}
	report := &models.DuplicatesReport{Table: table, Columns: map[string][]models.DuplicateGroup{}}

	exists, err := s.catalogRepo.TableExists(ctx, schema, table)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	if !exists {
		report.Error = fmt.Sprintf("table %s.%s does not exist", schema, table)
		return report
	}

	columns, err := s.catalogRepo.TableColumns(ctx, schema, table)
	if err != nil {
		report.Error = err.Error()
		return report
	}

	allowed := map[string]bool{}
	for _, c := range opts.Columns {
		allowed[c] = true
	}

	hasID := false
	for _, c := range columns {
		if c.Name == "id" {
			hasID = true
			break
		}
	}

	for _, column := range columns {
		if len(allowed) > 0 && !allowed[column.Name] {
			continue
		}

		groups := s.checkColumn(ctx, schema, table, column, opts.CaseInsensitive, hasID)
		if groups == nil {
			continue
		}
		if len(groups) == 0 && opts.OnlyWithDuplicates {
			continue
		}
		report.Columns[column.Name] = groups
	}

	s.logger.Info("duplicate scan complete",
		zap.String("schema", schema),
		zap.String("table", table),
		zap.Int("columns_with_duplicates", len(report.Columns)))
	return report
}

// checkColumn returns nil when the column was skipped, and an empty non-nil
// slice when it was scanned and clean.
func (s *duplicatesService) checkColumn(ctx context.Context, schema, table string, column repositories.Column, caseInsensitive, hasID bool) []models.DuplicateGroup {
	unique, err := s.catalogRepo.ColumnIsUniqueOrPK(ctx, schema, table, column.Name)
	if err != nil {
		s.logger.Warn("skipping column, constraint inspection failed",
			zap.String("column", column.Name), zap.Error(err))
		return nil
	}
	if unique {
		return nil
	}

	isText := textLike(column.DataType)
	groups, err := s.duplicatesRepo.GroupDuplicates(ctx, schema, table, column.Name, isText, caseInsensitive, hasID)
	if err != nil {
		s.logger.Warn("skipping column, grouping query failed",
			zap.String("column", column.Name), zap.Error(err))
		return nil
	}

	for i := range groups {
		records, err := s.duplicatesRepo.FetchGroupRows(ctx, schema, table, column.Name, groups[i].Value, isText, caseInsensitive, hasID)
		if err != nil {
			s.logger.Warn("could not fetch rows for duplicate group",
				zap.String("column", column.Name),
				zap.String("value", groups[i].Value),
				zap.Error(err))
			records = nil
		}
		groups[i].Records = records
	}

	if groups == nil {
		groups = []models.DuplicateGroup{}
	}
	return groups
}

package services

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/models"
	"github.com/acp-data/canonical-pipeline/pkg/repositories"
)

// DedupService runs the three database-side pipeline stages: the canonical
// table rebuild, the idempotent schema evolution pass and the UUID
// reconciliation update.
type DedupService interface {
	ApplyDeduplication(ctx context.Context, schema string) *models.RebuildReport
	AddColumns(ctx context.Context, schema string) *models.SchemaReport
	UpdateUUIDs(ctx context.Context, schema string) *models.ReconcileReport
}

type dedupService struct {
	catalogRepo repositories.CatalogRepository
	dedupRepo   repositories.DedupRepository
	cfg         config.PipelineConfig
	logger      *zap.Logger
}

// NewDedupService creates a new DedupService.
func NewDedupService(catalogRepo repositories.CatalogRepository, dedupRepo repositories.DedupRepository, cfg config.PipelineConfig, logger *zap.Logger) DedupService {
	return &dedupService{
		catalogRepo: catalogRepo,
		dedupRepo:   dedupRepo,
		cfg:         cfg,
		logger:      logger.Named("dedup"),
	}
}

var _ DedupService = (*dedupService)(nil)

func (s *dedupService) ApplyDeduplication(ctx context.Context, schema string) *models.RebuildReport {
	report := &models.RebuildReport{Table: s.cfg.DedupTable}

	exists, err := s.catalogRepo.TableExists(ctx, schema, s.cfg.SourceTable)
	if err != nil {
		report.Error = err.Error()
		return report
	}
	if !exists {
		report.Error = fmt.Sprintf("source table %s.%s does not exist", schema, s.cfg.SourceTable)
		return report
	}

	if err := s.dedupRepo.Rebuild(ctx, schema); err != nil {
		report.Error = err.Error()
		return report
	}

	report.Success = true
	report.Message = fmt.Sprintf("table %q created/updated successfully", s.cfg.DedupTable)
	s.logger.Info("canonical table rebuilt",
		zap.String("schema", schema),
		zap.String("table", s.cfg.DedupTable))
	return report
}

// AddColumns evolves the canonical table in place. Each step checks the
// catalog first so repeated invocations are safe, and a failed step is
// recorded without stopping the remaining steps.
func (s *dedupService) AddColumns(ctx context.Context, schema string) *models.SchemaReport {
	report := &models.SchemaReport{}

	exists, err := s.catalogRepo.TableExists(ctx, schema, s.cfg.DedupTable)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	if !exists {
		report.Errors = append(report.Errors, fmt.Sprintf("table %s.%s does not exist", schema, s.cfg.DedupTable))
		return report
	}

	for _, column := range []string{"uuid_country", "uuid_deprecated"} {
		s.addColumnStep(ctx, schema, column, report)
	}
	s.addIdentityStep(ctx, schema, report)
	s.backfillCountryStep(ctx, schema, report)

	report.Success = len(report.Errors) == 0
	s.logger.Info("schema evolution complete",
		zap.String("schema", schema),
		zap.Strings("executed", report.Executed),
		zap.Strings("skipped", report.Skipped),
		zap.Int("errors", len(report.Errors)))
	return report
}

func (s *dedupService) addColumnStep(ctx context.Context, schema, column string, report *models.SchemaReport) {
	exists, err := s.catalogRepo.ColumnExists(ctx, schema, s.cfg.DedupTable, column)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	if exists {
		report.Skipped = append(report.Skipped, fmt.Sprintf("%s already exists", column))
		return
	}
	if err := s.dedupRepo.AddColumn(ctx, schema, column, "VARCHAR"); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	report.Executed = append(report.Executed, fmt.Sprintf("ADD COLUMN %s", column))
}

func (s *dedupService) addIdentityStep(ctx context.Context, schema string, report *models.SchemaReport) {
	hasID, err := s.catalogRepo.ColumnExists(ctx, schema, s.cfg.DedupTable, "id")
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	if hasID {
		report.Skipped = append(report.Skipped, "id column already exists")
		return
	}

	hasPK, err := s.catalogRepo.TableHasPrimaryKey(ctx, schema, s.cfg.DedupTable)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}

	if err := s.dedupRepo.AddIdentityColumn(ctx, schema, !hasPK); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	if hasPK {
		report.Executed = append(report.Executed, "ADD COLUMN id SERIAL (existing primary key present)")
	} else {
		report.Executed = append(report.Executed, "ADD COLUMN id SERIAL PRIMARY KEY")
	}
}

func (s *dedupService) backfillCountryStep(ctx context.Context, schema string, report *models.SchemaReport) {
	exists, err := s.catalogRepo.TableExists(ctx, schema, s.cfg.CountryTable)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	if !exists {
		report.Skipped = append(report.Skipped, fmt.Sprintf("%s table does not exist, skipping country backfill", s.cfg.CountryTable))
		return
	}

	if _, err := s.dedupRepo.BackfillCountry(ctx, schema); err != nil {
		report.Errors = append(report.Errors, err.Error())
		return
	}
	report.Executed = append(report.Executed, fmt.Sprintf("UPDATE uuid_country from %s", s.cfg.CountryTable))
}

// UpdateUUIDs fails fast when the canonical table is not ready: it never
// creates missing tables or columns, the schema evolution step owns that.
func (s *dedupService) UpdateUUIDs(ctx context.Context, schema string) *models.ReconcileReport {
	report := &models.ReconcileReport{}

	exists, err := s.catalogRepo.TableExists(ctx, schema, s.cfg.DedupTable)
	if err != nil {
		report.Errors = append(report.Errors, err.Error())
		return report
	}
	if !exists {
		report.Errors = append(report.Errors, fmt.Sprintf("table %s.%s does not exist", schema, s.cfg.DedupTable))
		return report
	}

	for _, column := range []string{"id", "uuid_institution"} {
		hasColumn, err := s.catalogRepo.ColumnExists(ctx, schema, s.cfg.DedupTable, column)
		if err != nil {
			report.Errors = append(report.Errors, err.Error())
			return report
		}
		if !hasColumn {
			report.Errors = append(report.Errors, fmt.Sprintf("table %s.%s has no %q column, aborting", schema, s.cfg.DedupTable, column))
			return report
		}
	}

	updated, err := s.dedupRepo.ReconcileUUIDs(ctx, schema)
	if err != nil {
		report.Errors = append(report.Errors, fmt.Sprintf("failed to execute update: %v", err))
		return report
	}

	report.Updated = updated
	report.Executed = append(report.Executed, "CTE_UPDATE")
	report.Success = true
	s.logger.Info("uuid reconciliation complete",
		zap.String("schema", schema),
		zap.Int64("updated", updated))
	return report
}

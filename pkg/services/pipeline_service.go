package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/apperrors"
	"github.com/acp-data/canonical-pipeline/pkg/models"
)

// Pipeline modes, in the order run-all executes them.
const (
	ModeInsertMapping      = "insert-mapping"
	ModeApplyDeduplication = "apply-deduplication"
	ModeAddColumns         = "add-columns"
	ModeUpdateUUIDs        = "update-uuids"
	ModeCheckDuplicates    = "check-duplicates"
	ModeRunAll             = "run-all"
)

// RunMeta carries caller-supplied annotations for a pipeline run.
type RunMeta struct {
	TaskID   string
	Schedule string
}

// PipelineService dispatches pipeline modes to the underlying stages and
// remembers the most recent run.
type PipelineService interface {
	// Run executes the named mode. Unknown modes fail with
	// apperrors.ErrUnknownMode before any stage executes.
	Run(ctx context.Context, mode, schema string, meta RunMeta) (*models.PipelineRun, error)
	// LastRun returns the most recent completed run, or nil.
	LastRun() *models.PipelineRun
	Modes() []string
}

type pipelineService struct {
	ingest     IngestService
	dedup      DedupService
	duplicates DuplicatesService
	logger     *zap.Logger

	mu      sync.Mutex
	lastRun *models.PipelineRun
}

// NewPipelineService creates a new PipelineService.
func NewPipelineService(ingest IngestService, dedup DedupService, duplicates DuplicatesService, logger *zap.Logger) PipelineService {
	return &pipelineService{
		ingest:     ingest,
		dedup:      dedup,
		duplicates: duplicates,
		logger:     logger.Named("pipeline"),
	}
}

var _ PipelineService = (*pipelineService)(nil)

func (s *pipelineService) Modes() []string {
	return []string{
		ModeInsertMapping,
		ModeApplyDeduplication,
		ModeAddColumns,
		ModeUpdateUUIDs,
		ModeCheckDuplicates,
		ModeRunAll,
	}
}

func (s *pipelineService) Run(ctx context.Context, mode, schema string, meta RunMeta) (*models.PipelineRun, error) {
	run := &models.PipelineRun{
		Mode:      mode,
		Schema:    schema,
		TaskID:    meta.TaskID,
		Schedule:  meta.Schedule,
		StartTime: time.Now().UTC(),
	}

	var report any
	var success bool
	var errMsg string

	switch mode {
	case ModeInsertMapping:
		r := s.ingest.InsertMapping(ctx, schema, IngestOptions{})
		report, success, errMsg = r, r.Success(), r.Error
	case ModeApplyDeduplication:
		r := s.dedup.ApplyDeduplication(ctx, schema)
		report, success, errMsg = r, r.Success, r.Error
	case ModeAddColumns:
		r := s.dedup.AddColumns(ctx, schema)
		report, success = r, r.Success
	case ModeUpdateUUIDs:
		r := s.dedup.UpdateUUIDs(ctx, schema)
		report, success = r, r.Success
	case ModeCheckDuplicates:
		r := s.duplicates.CheckDuplicates(ctx, schema, DefaultDuplicatesOptions())
		report, success, errMsg = r, r.Error == "", r.Error
	case ModeRunAll:
		r := s.runAll(ctx, schema)
		report, success = r, r.Success
	default:
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownMode, mode)
	}

	run.EndTime = time.Now().UTC()
	run.Success = success
	run.Report = report
	run.Error = errMsg

	s.mu.Lock()
	s.lastRun = run
	s.mu.Unlock()

	s.logger.Info("pipeline run finished",
		zap.String("mode", mode),
		zap.String("schema", schema),
		zap.Bool("success", success),
		zap.Duration("duration", run.EndTime.Sub(run.StartTime)))

	return run, nil
}

// runAll executes the full pipeline in dependency order. A failed stage does
// not stop the later stages, each stage report records its own outcome.
func (s *pipelineService) runAll(ctx context.Context, schema string) *models.RunAllReport {
	report := &models.RunAllReport{
		InsertMapping:      s.ingest.InsertMapping(ctx, schema, IngestOptions{}),
		ApplyDeduplication: s.dedup.ApplyDeduplication(ctx, schema),
	}
	report.AddColumns = s.dedup.AddColumns(ctx, schema)
	report.UpdateUUIDs = s.dedup.UpdateUUIDs(ctx, schema)
	report.Success = report.InsertMapping.Success() &&
		report.ApplyDeduplication.Success &&
		report.AddColumns.Success &&
		report.UpdateUUIDs.Success
	return report
}

func (s *pipelineService) LastRun() *models.PipelineRun {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun
}

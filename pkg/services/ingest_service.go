package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"strings"
	"unicode"

	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/models"
	"github.com/acp-data/canonical-pipeline/pkg/repositories"
)

const (
	defaultMappingCSVPath = "resources/data/mapping/institution_mapping.csv"
	maxAutoFixExamples    = 10
)

// IngestOptions control a single mapping ingest run.
type IngestOptions struct {
	// Path overrides the configured CSV location when set.
	Path string
	// DryRun parses and counts rows without writing to the database.
	DryRun bool
}

// IngestService loads the alias mapping CSV into the mapping table. The
// source file is hand-maintained and occasionally malformed, so ingestion
// repairs what it can and reports the rest instead of aborting.
type IngestService interface {
	InsertMapping(ctx context.Context, schema string, opts IngestOptions) *models.MappingReport
}

type ingestService struct {
	mappingRepo repositories.MappingRepository
	cfg         config.PipelineConfig
	logger      *zap.Logger
}

// NewIngestService creates a new IngestService.
func NewIngestService(mappingRepo repositories.MappingRepository, cfg config.PipelineConfig, logger *zap.Logger) IngestService {
	return &ingestService{
		mappingRepo: mappingRepo,
		cfg:         cfg,
		logger:      logger.Named("ingest"),
	}
}

var _ IngestService = (*ingestService)(nil)

func (s *ingestService) InsertMapping(ctx context.Context, schema string, opts IngestOptions) *models.MappingReport {
	report := &models.MappingReport{}

	path, tried := s.resolvePath(opts.Path)
	if path == "" {
		report.Error = fmt.Sprintf("CSV file not found, tried: %s", strings.Join(tried, ", "))
		return report
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		report.Error = fmt.Sprintf("read %s: %v", path, err)
		return report
	}

	repaired := s.repairContent(string(raw), report)

	reader := csv.NewReader(strings.NewReader(repaired))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		report.Error = fmt.Sprintf("read CSV header: %v", err)
		return report
	}
	originalIdx, normalizedIdx := -1, -1
	for i, name := range header {
		switch strings.TrimSpace(strings.ToLower(name)) {
		case "original":
			originalIdx = i
		case "normalized":
			normalizedIdx = i
		}
	}
	if originalIdx < 0 {
		report.Error = "CSV header is missing the 'original' column"
		return report
	}

	if opts.DryRun {
		for {
			if _, err := reader.Read(); err != nil {
				if err == io.EOF {
					break
				}
				report.Error = fmt.Sprintf("parse CSV: %v", err)
				return report
			}
			report.FoundRows++
		}
		s.logger.Info("dry run complete",
			zap.String("path", path),
			zap.Int("rows", report.FoundRows))
		return report
	}

	if err := s.mappingRepo.EnsureTable(ctx, schema); err != nil {
		report.Error = fmt.Sprintf("prepare mapping table: %v", err)
		return report
	}

	line := 1
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		line++
		if err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		original, normalized := fieldAt(record, originalIdx), fieldAt(record, normalizedIdx)
		if original == "" {
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: missing original value", line))
			continue
		}
		if normalized == "" {
			left, right, ok := splitConcatenated(original)
			if !ok {
				report.Errors = append(report.Errors, fmt.Sprintf("line %d: missing normalized value and %q is not splittable", line, original))
				continue
			}
			original, normalized = left, right
			s.recordAutoFix(report, fmt.Sprintf("split %q into %q / %q", left+right, left, right))
		}

		if err := s.mappingRepo.Upsert(ctx, schema, original, normalized); err != nil {
			report.Errors = append(report.Errors, fmt.Sprintf("line %d: %v", line, err))
			continue
		}
		report.Inserted++
	}

	s.logger.Info("mapping ingest complete",
		zap.String("path", path),
		zap.Int("inserted", report.Inserted),
		zap.Int("auto_fixed", report.AutoFixed),
		zap.Int("row_errors", len(report.Errors)))

	return report
}

// resolvePath picks the first existing CSV path among the override, the
// configured location and the repository default. It returns the chosen path
// and the list of candidates that were tried.
func (s *ingestService) resolvePath(override string) (string, []string) {
	var candidates []string
	if override != "" {
		candidates = append(candidates, override)
	}
	if s.cfg.MappingCSVPath != "" {
		candidates = append(candidates, s.cfg.MappingCSVPath)
	}
	candidates = append(candidates, defaultMappingCSVPath)

	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && !info.IsDir() {
			return c, candidates
		}
	}
	return "", candidates
}

// repairContent fixes lines where a closing quote runs straight into the next
// field without a separating comma, a malformation the upstream export
// produces regularly.
func (s *ingestService) repairContent(content string, report *models.MappingReport) string {
	lines := strings.Split(content, "\n")
	for i, l := range lines {
		fixed, changed := repairLine(l)
		if changed {
			lines[i] = fixed
			s.recordAutoFix(report, fmt.Sprintf("repaired line: %s", strings.TrimRight(fixed, "\r")))
		}
	}
	return strings.Join(lines, "\n")
}

func (s *ingestService) recordAutoFix(report *models.MappingReport, example string) {
	report.AutoFixed++
	if len(report.AutoFixedExamples) < maxAutoFixExamples {
		report.AutoFixedExamples = append(report.AutoFixedExamples, example)
	}
}

func repairLine(line string) (string, bool) {
	if !strings.Contains(line, `"`) {
		return line, false
	}

	var b strings.Builder
	b.Grow(len(line) + 2)
	runes := []rune(line)
	inQuotes := false
	changed := false
	for i := 0; i < len(runes); i++ {
		r := runes[i]
		b.WriteRune(r)
		if r != '"' {
			continue
		}
		if !inQuotes {
			inQuotes = true
			continue
		}
		inQuotes = false
		// A closing quote must be followed by a delimiter, an escaped
		// quote or end of line. Anything else lost its comma.
		if i+1 < len(runes) {
			next := runes[i+1]
			if next != ',' && next != '"' && next != '\r' {
				b.WriteRune(',')
				changed = true
			}
		}
	}
	return b.String(), changed
}

// splitConcatenated splits a value like "acme universityAcme University" at
// the first lowercase-or-digit to uppercase transition. Both halves must be
// at least three runes long and contain letters, otherwise the split is
// rejected.
func splitConcatenated(value string) (string, string, bool) {
	runes := []rune(value)
	for i := 1; i < len(runes); i++ {
		prev := runes[i-1]
		if !unicode.IsLower(prev) && !unicode.IsDigit(prev) {
			continue
		}
		if !unicode.IsUpper(runes[i]) {
			continue
		}
		left, right := string(runes[:i]), string(runes[i:])
		if len(runes[:i]) >= 3 && len(runes[i:]) >= 3 && hasLetter(left) && hasLetter(right) {
			return left, right, true
		}
	}
	return "", "", false
}

func hasLetter(s string) bool {
	for _, r := range s {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

func fieldAt(record []string, idx int) string {
	if idx < 0 || idx >= len(record) {
		return ""
	}
	return strings.TrimSpace(record[idx])
}

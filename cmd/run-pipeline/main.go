// Command run-pipeline executes the four pipeline stages in order and prints
// a combined JSON report. It is the isolated runner launched by the service's
// run-isolated endpoint, and exits non-zero when any stage fails.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/database"
	"github.com/acp-data/canonical-pipeline/pkg/logging"
	"github.com/acp-data/canonical-pipeline/pkg/models"
	"github.com/acp-data/canonical-pipeline/pkg/repositories"
	"github.com/acp-data/canonical-pipeline/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	schemaFlag := flag.String("schema", "", "database schema (defaults to configured schema)")
	csvFlag := flag.String("csv", "", "override path to the mapping CSV")
	dryRun := flag.Bool("dry-run", false, "parse the mapping CSV without writing anything")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	schema := cfg.Pipeline.Schema
	if *schemaFlag != "" {
		schema = *schemaFlag
	}

	ctx := context.Background()
	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.String("error", logging.SanitizeError(err)))
	}
	defer db.Close()

	catalogRepo := repositories.NewCatalogRepository(db)
	mappingRepo := repositories.NewMappingRepository(db, cfg.Pipeline.MappingTable)
	dedupRepo := repositories.NewDedupRepository(db,
		cfg.Pipeline.SourceTable,
		cfg.Pipeline.MappingTable,
		cfg.Pipeline.DedupTable,
		cfg.Pipeline.CountryTable)

	ingestService := services.NewIngestService(mappingRepo, cfg.Pipeline, logger)
	dedupService := services.NewDedupService(catalogRepo, dedupRepo, cfg.Pipeline, logger)

	report := &models.RunAllReport{}
	report.InsertMapping = ingestService.InsertMapping(ctx, schema, services.IngestOptions{
		Path:   *csvFlag,
		DryRun: *dryRun,
	})

	if *dryRun {
		printReport(report)
		if !report.InsertMapping.Success() {
			os.Exit(2)
		}
		return
	}

	report.ApplyDeduplication = dedupService.ApplyDeduplication(ctx, schema)
	report.AddColumns = dedupService.AddColumns(ctx, schema)
	report.UpdateUUIDs = dedupService.UpdateUUIDs(ctx, schema)
	report.Success = report.InsertMapping.Success() &&
		report.ApplyDeduplication.Success &&
		report.AddColumns.Success &&
		report.UpdateUUIDs.Success

	printReport(report)
	if !report.Success {
		os.Exit(2)
	}
}

func printReport(report *models.RunAllReport) {
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		log.Fatalf("Failed to encode report: %v", err)
	}
	fmt.Println(string(out))
}

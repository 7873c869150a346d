package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/database"
	"github.com/acp-data/canonical-pipeline/pkg/handlers"
	"github.com/acp-data/canonical-pipeline/pkg/logging"
	"github.com/acp-data/canonical-pipeline/pkg/middleware"
	"github.com/acp-data/canonical-pipeline/pkg/notify"
	"github.com/acp-data/canonical-pipeline/pkg/repositories"
	"github.com/acp-data/canonical-pipeline/pkg/runlock"
	"github.com/acp-data/canonical-pipeline/pkg/services"
)

// Version is set at build time via ldflags
var Version = "dev"

func main() {
	// Optional .env for local development
	_ = godotenv.Load()

	cfg, err := config.Load(Version)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, err := newLogger(cfg.Env)
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("configuration loaded",
		zap.String("environment", cfg.Env),
		zap.String("schema", cfg.Pipeline.Schema),
		zap.String("database", logging.SanitizeConnectionString(cfg.Database.ConnectionString())),
		zap.Bool("mail_enabled", cfg.Mail.Enabled()))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := database.NewConnection(ctx, &database.Config{
		URL:            cfg.Database.ConnectionString(),
		MaxConnections: cfg.Database.MaxConnections,
	})
	if err != nil {
		logger.Fatal("database connection failed", zap.String("error", logging.SanitizeError(err)))
	}
	defer db.Close()

	// Repositories
	catalogRepo := repositories.NewCatalogRepository(db)
	mappingRepo := repositories.NewMappingRepository(db, cfg.Pipeline.MappingTable)
	dedupRepo := repositories.NewDedupRepository(db,
		cfg.Pipeline.SourceTable,
		cfg.Pipeline.MappingTable,
		cfg.Pipeline.DedupTable,
		cfg.Pipeline.CountryTable)
	duplicatesRepo := repositories.NewDuplicatesRepository(db)

	// Services
	ingestService := services.NewIngestService(mappingRepo, cfg.Pipeline, logger)
	dedupService := services.NewDedupService(catalogRepo, dedupRepo, cfg.Pipeline, logger)
	duplicatesService := services.NewDuplicatesService(catalogRepo, duplicatesRepo, cfg.Pipeline, logger)
	pipelineService := services.NewPipelineService(ingestService, dedupService, duplicatesService, logger)
	schedulerService := services.NewSchedulerService(pipelineService, logger)
	defer schedulerService.Stop()

	notifier := notify.NewNotifier(cfg.Mail, logger)
	lock := runlock.New(cfg.Pipeline.LockFilePath)
	launcherService := services.NewLauncherService(lock, notifier, cfg.Pipeline, logger)

	// Handlers
	mux := http.NewServeMux()
	handlers.NewHealthHandler(cfg, logger).RegisterRoutes(mux)
	handlers.NewSyncHandler(pipelineService, schedulerService, launcherService, cfg, logger).RegisterRoutes(mux)
	handlers.NewMetricsHandler(db, catalogRepo, mappingRepo, dedupRepo, cfg, logger).RegisterRoutes(mux)
	handlers.NewTablesHandler(catalogRepo, duplicatesService, cfg, logger).RegisterRoutes(mux)

	server := &http.Server{
		Addr:    cfg.BindAddr + ":" + cfg.Port,
		Handler: middleware.RequestLogger(logger)(mux),
	}

	go func() {
		logger.Info("starting canonical-pipeline",
			zap.String("addr", server.Addr),
			zap.String("version", cfg.Version))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown failed", zap.Error(err))
	}
}

func newLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}

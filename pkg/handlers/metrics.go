package handlers

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/database"
	"github.com/acp-data/canonical-pipeline/pkg/models"
	"github.com/acp-data/canonical-pipeline/pkg/repositories"
)

// MetricsHandler reports pipeline health and row-count metrics.
type MetricsHandler struct {
	db          *database.DB
	catalogRepo repositories.CatalogRepository
	mappingRepo repositories.MappingRepository
	dedupRepo   repositories.DedupRepository
	cfg         *config.Config
	logger      *zap.Logger
}

// NewMetricsHandler creates a new MetricsHandler.
func NewMetricsHandler(db *database.DB, catalogRepo repositories.CatalogRepository, mappingRepo repositories.MappingRepository, dedupRepo repositories.DedupRepository, cfg *config.Config, logger *zap.Logger) *MetricsHandler {
	return &MetricsHandler{
		db:          db,
		catalogRepo: catalogRepo,
		mappingRepo: mappingRepo,
		dedupRepo:   dedupRepo,
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes registers the metrics handler's routes on the given mux.
func (h *MetricsHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/metrics/sync/status", h.SyncStatus)
	mux.HandleFunc("GET /api/v1/metrics/sync/counts", h.SyncCounts)
	mux.HandleFunc("GET /api/v1/metrics/dedup/stats", h.DedupStats)
}

// SyncStatus handles GET /api/v1/metrics/sync/status.
func (h *MetricsHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	dbStatus := "OK"
	if err := h.db.Ping(r.Context()); err != nil {
		h.logger.Warn("database ping failed", zap.Error(err))
		dbStatus = "DOWN"
	}

	schema := h.schemaOrDefault(r)
	var lastRun *time.Time
	if dbStatus == "OK" {
		if t, err := h.dedupRepo.LastDeduplicationRun(r.Context(), schema); err == nil {
			lastRun = t
		}
	}

	status := map[string]any{
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"status":    dbStatus,
		"components": map[string]any{
			"database": map[string]any{
				"status":         dbStatus,
				"last_dedup_run": lastRun,
			},
		},
	}
	if err := WriteJSON(w, http.StatusOK, status); err != nil {
		h.logger.Error("Failed to encode status response", zap.Error(err))
	}
}

// SyncCounts handles GET /api/v1/metrics/sync/counts. Compares row counts
// between the raw source table, the mapping table and the derived table.
func (h *MetricsHandler) SyncCounts(w http.ResponseWriter, r *http.Request) {
	schema := h.schemaOrDefault(r)

	sourceCount, err := h.catalogRepo.CountTableRows(r.Context(), schema, h.cfg.Pipeline.SourceTable)
	if err != nil {
		h.logger.Error("Failed to count source rows", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "count_failed", err.Error()); err != nil {
			h.logger.Error("Failed to encode error response", zap.Error(err))
		}
		return
	}

	mappingCount, err := h.mappingRepo.Count(r.Context(), schema)
	if err != nil {
		// The mapping table may not exist before the first ingest.
		h.logger.Warn("Failed to count mapping rows", zap.Error(err))
		mappingCount = 0
	}

	dedupCount, err := h.dedupRepo.CountRows(r.Context(), schema)
	if err != nil {
		h.logger.Warn("Failed to count deduplicated rows", zap.Error(err))
		dedupCount = 0
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"source_count":          sourceCount,
		"mapping_count":         mappingCount,
		"dedup_count":           dedupCount,
		"delta_source_to_dedup": sourceCount - dedupCount,
		"snapshot_time":         time.Now().UTC().Format(time.RFC3339),
	}); err != nil {
		h.logger.Error("Failed to encode counts response", zap.Error(err))
	}
}

// DedupStats handles GET /api/v1/metrics/dedup/stats.
func (h *MetricsHandler) DedupStats(w http.ResponseWriter, r *http.Request) {
	schema := h.schemaOrDefault(r)

	total, err := h.dedupRepo.CountRows(r.Context(), schema)
	if err != nil {
		h.logger.Error("Failed to count deduplicated table rows", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "stats_failed", err.Error()); err != nil {
			h.logger.Error("Failed to encode error response", zap.Error(err))
		}
		return
	}

	deduplicated, err := h.dedupRepo.CountDeduplicated(r.Context(), schema)
	if err != nil {
		h.logger.Error("Failed to count deduplicated rows", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "stats_failed", err.Error()); err != nil {
			h.logger.Error("Failed to encode error response", zap.Error(err))
		}
		return
	}

	stats := models.DedupStats{
		TotalRows:        total,
		DeduplicatedRows: deduplicated,
	}
	if total > 0 {
		stats.DedupRate = float64(deduplicated) / float64(total)
	}
	if t, err := h.dedupRepo.LastDeduplicationRun(r.Context(), schema); err == nil {
		stats.LastDedupRun = t
	}

	if err := WriteJSON(w, http.StatusOK, stats); err != nil {
		h.logger.Error("Failed to encode stats response", zap.Error(err))
	}
}

func (h *MetricsHandler) schemaOrDefault(r *http.Request) string {
	if schema := r.URL.Query().Get("schema"); schema != "" {
		return schema
	}
	return h.cfg.Pipeline.Schema
}

package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/repositories"
	"github.com/acp-data/canonical-pipeline/pkg/services"
)

// TablesHandler lists base tables and runs duplicate scans against them.
type TablesHandler struct {
	catalogRepo repositories.CatalogRepository
	duplicates  services.DuplicatesService
	cfg         *config.Config
	logger      *zap.Logger
}

// NewTablesHandler creates a new TablesHandler.
func NewTablesHandler(catalogRepo repositories.CatalogRepository, duplicates services.DuplicatesService, cfg *config.Config, logger *zap.Logger) *TablesHandler {
	return &TablesHandler{
		catalogRepo: catalogRepo,
		duplicates:  duplicates,
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes registers the tables handler's routes on the given mux.
func (h *TablesHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/v1/tables", h.ListTables)
	mux.HandleFunc("GET /api/v1/tables/{table}/duplicates", h.TableDuplicates)
}

// ListTables handles GET /api/v1/tables.
func (h *TablesHandler) ListTables(w http.ResponseWriter, r *http.Request) {
	schema := h.schemaOrDefault(r)

	tables, err := h.catalogRepo.ListTables(r.Context(), schema)
	if err != nil {
		h.logger.Error("Failed to list tables", zap.Error(err))
		if err := ErrorResponse(w, http.StatusInternalServerError, "list_tables_failed", err.Error()); err != nil {
			h.logger.Error("Failed to encode error response", zap.Error(err))
		}
		return
	}

	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"schema": schema,
		"tables": tables,
	}); err != nil {
		h.logger.Error("Failed to encode tables response", zap.Error(err))
	}
}

// TableDuplicates handles GET /api/v1/tables/{table}/duplicates.
// Query parameters: schema, columns (repeatable), case_sensitive, all_columns.
func (h *TablesHandler) TableDuplicates(w http.ResponseWriter, r *http.Request) {
	opts := services.DefaultDuplicatesOptions()
	opts.Table = r.PathValue("table")
	opts.Columns = r.URL.Query()["columns"]
	if r.URL.Query().Get("case_sensitive") == "true" {
		opts.CaseInsensitive = false
	}
	if r.URL.Query().Get("all_columns") == "true" {
		opts.OnlyWithDuplicates = false
	}

	report := h.duplicates.CheckDuplicates(r.Context(), h.schemaOrDefault(r), opts)
	status := http.StatusOK
	if report.Error != "" {
		status = http.StatusNotFound
	}
	if err := WriteJSON(w, status, report); err != nil {
		h.logger.Error("Failed to encode duplicates response", zap.Error(err))
	}
}

func (h *TablesHandler) schemaOrDefault(r *http.Request) string {
	if schema := r.URL.Query().Get("schema"); schema != "" {
		return schema
	}
	return h.cfg.Pipeline.Schema
}

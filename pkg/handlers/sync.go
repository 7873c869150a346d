package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/apperrors"
	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/services"
)

// TriggerRequest is the body of POST /api/v1/sync/trigger.
type TriggerRequest struct {
	Mode   string `json:"mode"`
	Schema string `json:"schema"`
	// Background runs the mode asynchronously and returns a task id.
	Background bool `json:"background"`
}

// ScheduleRequest is the body of POST /api/v1/sync/schedule.
type ScheduleRequest struct {
	Name             string `json:"name"`
	Mode             string `json:"mode"`
	Schema           string `json:"schema"`
	IntervalSeconds  int64  `json:"interval_seconds"`
	StartImmediately bool   `json:"start_immediately"`
}

// ScheduleNameRequest names an existing schedule for enable/disable.
type ScheduleNameRequest struct {
	Name string `json:"name"`
}

// SyncHandler exposes pipeline triggering, last-run state, schedule
// management and the guarded isolated launch.
type SyncHandler struct {
	pipeline  services.PipelineService
	scheduler services.SchedulerService
	launcher  services.LauncherService
	cfg       *config.Config
	logger    *zap.Logger
}

// NewSyncHandler creates a new SyncHandler.
func NewSyncHandler(pipeline services.PipelineService, scheduler services.SchedulerService, launcher services.LauncherService, cfg *config.Config, logger *zap.Logger) *SyncHandler {
	return &SyncHandler{
		pipeline:  pipeline,
		scheduler: scheduler,
		launcher:  launcher,
		cfg:       cfg,
		logger:    logger,
	}
}

// RegisterRoutes registers the sync handler's routes on the given mux.
func (h *SyncHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/sync/trigger", h.Trigger)
	mux.HandleFunc("GET /api/v1/sync/last", h.LastRun)
	mux.HandleFunc("POST /api/v1/sync/schedule", h.CreateSchedule)
	mux.HandleFunc("GET /api/v1/sync/schedule", h.ListSchedules)
	mux.HandleFunc("DELETE /api/v1/sync/schedule", h.DeleteSchedule)
	mux.HandleFunc("POST /api/v1/sync/manage/enable", h.EnableSchedule)
	mux.HandleFunc("POST /api/v1/sync/manage/disable", h.DisableSchedule)
	mux.HandleFunc("POST /api/v1/sync/run-isolated", h.RunIsolated)
}

func (h *SyncHandler) schemaOrDefault(schema string) string {
	if schema == "" {
		return h.cfg.Pipeline.Schema
	}
	return schema
}

// statusForError maps domain sentinel errors onto HTTP status codes.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, apperrors.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, apperrors.ErrConflict):
		return http.StatusConflict, "conflict"
	case errors.Is(err, apperrors.ErrAlreadyRunning):
		return http.StatusTooManyRequests, "already_running"
	case errors.Is(err, apperrors.ErrUnknownMode):
		return http.StatusBadRequest, "unknown_mode"
	case errors.Is(err, apperrors.ErrValidation):
		return http.StatusBadRequest, "validation_error"
	}
	return http.StatusInternalServerError, "internal_error"
}

func (h *SyncHandler) writeError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	if err := ErrorResponse(w, status, code, err.Error()); err != nil {
		h.logger.Error("Failed to encode error response", zap.Error(err))
	}
}

// Trigger handles POST /api/v1/sync/trigger.
func (h *SyncHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	var req TriggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Join(apperrors.ErrValidation, err))
		return
	}
	if req.Mode == "" {
		if err := ErrorResponse(w, http.StatusBadRequest, "validation_error", "mode is required"); err != nil {
			h.logger.Error("Failed to encode error response", zap.Error(err))
		}
		return
	}
	schema := h.schemaOrDefault(req.Schema)

	if req.Background {
		taskID := h.scheduler.RunOnce(req.Mode, schema)
		if err := WriteJSON(w, http.StatusAccepted, map[string]any{
			"accepted": true,
			"task_id":  taskID,
		}); err != nil {
			h.logger.Error("Failed to encode trigger response", zap.Error(err))
		}
		return
	}

	run, err := h.pipeline.Run(r.Context(), req.Mode, schema, services.RunMeta{})
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, run); err != nil {
		h.logger.Error("Failed to encode run response", zap.Error(err))
	}
}

// LastRun handles GET /api/v1/sync/last.
func (h *SyncHandler) LastRun(w http.ResponseWriter, r *http.Request) {
	run := h.pipeline.LastRun()
	if run == nil {
		if err := ErrorResponse(w, http.StatusNotFound, "not_found", "no pipeline run recorded yet"); err != nil {
			h.logger.Error("Failed to encode error response", zap.Error(err))
		}
		return
	}
	if err := WriteJSON(w, http.StatusOK, run); err != nil {
		h.logger.Error("Failed to encode last-run response", zap.Error(err))
	}
}

// CreateSchedule handles POST /api/v1/sync/schedule.
func (h *SyncHandler) CreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Join(apperrors.ErrValidation, err))
		return
	}

	schedule, err := h.scheduler.Create(
		req.Name,
		req.Mode,
		h.schemaOrDefault(req.Schema),
		time.Duration(req.IntervalSeconds)*time.Second,
		req.StartImmediately,
	)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusCreated, schedule); err != nil {
		h.logger.Error("Failed to encode schedule response", zap.Error(err))
	}
}

// ListSchedules handles GET /api/v1/sync/schedule.
func (h *SyncHandler) ListSchedules(w http.ResponseWriter, r *http.Request) {
	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"schedules": h.scheduler.List(),
	}); err != nil {
		h.logger.Error("Failed to encode schedules response", zap.Error(err))
	}
}

// DeleteSchedule handles DELETE /api/v1/sync/schedule?name=.
func (h *SyncHandler) DeleteSchedule(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("name")
	if err := h.scheduler.Delete(name); err != nil {
		h.writeError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{
		"deleted":  true,
		"schedule": name,
	}); err != nil {
		h.logger.Error("Failed to encode delete response", zap.Error(err))
	}
}

// EnableSchedule handles POST /api/v1/sync/manage/enable.
func (h *SyncHandler) EnableSchedule(w http.ResponseWriter, r *http.Request) {
	h.toggleSchedule(w, r, true)
}

// DisableSchedule handles POST /api/v1/sync/manage/disable.
func (h *SyncHandler) DisableSchedule(w http.ResponseWriter, r *http.Request) {
	h.toggleSchedule(w, r, false)
}

func (h *SyncHandler) toggleSchedule(w http.ResponseWriter, r *http.Request, enable bool) {
	var req ScheduleNameRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.Join(apperrors.ErrValidation, err))
		return
	}

	var err error
	if enable {
		err = h.scheduler.Enable(req.Name)
	} else {
		err = h.scheduler.Disable(req.Name)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}

	key := "disabled"
	if enable {
		key = "enabled"
	}
	if err := WriteJSON(w, http.StatusOK, map[string]any{
		key:        true,
		"schedule": req.Name,
	}); err != nil {
		h.logger.Error("Failed to encode toggle response", zap.Error(err))
	}
}

// RunIsolated handles POST /api/v1/sync/run-isolated. Concurrent attempts
// while a run is alive get 429.
func (h *SyncHandler) RunIsolated(w http.ResponseWriter, r *http.Request) {
	taskID, err := h.launcher.LaunchIsolated(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := WriteJSON(w, http.StatusAccepted, map[string]any{
		"accepted": true,
		"task_id":  taskID,
	}); err != nil {
		h.logger.Error("Failed to encode run-isolated response", zap.Error(err))
	}
}

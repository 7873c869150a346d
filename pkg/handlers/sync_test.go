package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/apperrors"
	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/models"
	"github.com/acp-data/canonical-pipeline/pkg/services"
)

type fakePipeline struct {
	lastRun    *models.PipelineRun
	lastMode   string
	lastSchema string
}

func (f *fakePipeline) Run(ctx context.Context, mode, schema string, meta services.RunMeta) (*models.PipelineRun, error) {
	known := false
	for _, m := range f.Modes() {
		if m == mode {
			known = true
			break
		}
	}
	if !known {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownMode, mode)
	}
	f.lastMode, f.lastSchema = mode, schema
	run := &models.PipelineRun{Mode: mode, Schema: schema, Success: true}
	f.lastRun = run
	return run, nil
}

func (f *fakePipeline) LastRun() *models.PipelineRun { return f.lastRun }

func (f *fakePipeline) Modes() []string {
	return []string{services.ModeInsertMapping, services.ModeRunAll, services.ModeCheckDuplicates}
}

type fakeScheduler struct {
	schedules map[string]*models.Schedule
	ranOnce   []string
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{schedules: map[string]*models.Schedule{}}
}

func (f *fakeScheduler) Create(name, mode, schema string, interval time.Duration, startImmediately bool) (*models.Schedule, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", apperrors.ErrValidation)
	}
	if _, ok := f.schedules[name]; ok {
		return nil, fmt.Errorf("%w: schedule %q already exists", apperrors.ErrConflict, name)
	}
	s := &models.Schedule{Name: name, Mode: mode, Schema: schema, Interval: interval, Enabled: true}
	f.schedules[name] = s
	return s, nil
}

func (f *fakeScheduler) List() []*models.Schedule {
	out := make([]*models.Schedule, 0, len(f.schedules))
	for _, s := range f.schedules {
		out = append(out, s)
	}
	return out
}

func (f *fakeScheduler) Enable(name string) error {
	s, ok := f.schedules[name]
	if !ok {
		return fmt.Errorf("%w: schedule %q", apperrors.ErrNotFound, name)
	}
	s.Enabled = true
	return nil
}

func (f *fakeScheduler) Disable(name string) error {
	s, ok := f.schedules[name]
	if !ok {
		return fmt.Errorf("%w: schedule %q", apperrors.ErrNotFound, name)
	}
	s.Enabled = false
	return nil
}

func (f *fakeScheduler) Delete(name string) error {
	if _, ok := f.schedules[name]; !ok {
		return fmt.Errorf("%w: schedule %q", apperrors.ErrNotFound, name)
	}
	delete(f.schedules, name)
	return nil
}

func (f *fakeScheduler) RunOnce(mode, schema string) string {
	f.ranOnce = append(f.ranOnce, mode)
	return "task-123"
}

func (f *fakeScheduler) Stop() {}

type fakeLauncher struct {
	busy bool
}

func (f *fakeLauncher) LaunchIsolated(ctx context.Context) (string, error) {
	if f.busy {
		return "", apperrors.ErrAlreadyRunning
	}
	return "isolated-task", nil
}

func newSyncTestServer(pipeline *fakePipeline, scheduler *fakeScheduler, launcher *fakeLauncher) *http.ServeMux {
	cfg := &config.Config{}
	cfg.Pipeline.Schema = "public"
	mux := http.NewServeMux()
	NewSyncHandler(pipeline, scheduler, launcher, cfg, zap.NewNop()).RegisterRoutes(mux)
	return mux
}

func postJSON(t *testing.T, mux *http.ServeMux, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	return rec
}

func TestTrigger_SynchronousRun(t *testing.T) {
	pipeline := &fakePipeline{}
	mux := newSyncTestServer(pipeline, newFakeScheduler(), &fakeLauncher{})

	rec := postJSON(t, mux, "/api/v1/sync/trigger", TriggerRequest{Mode: services.ModeRunAll})

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, services.ModeRunAll, pipeline.lastMode)
	// Default schema filled in when the request omits it.
	assert.Equal(t, "public", pipeline.lastSchema)
}

func TestTrigger_UnknownMode(t *testing.T) {
	mux := newSyncTestServer(&fakePipeline{}, newFakeScheduler(), &fakeLauncher{})

	rec := postJSON(t, mux, "/api/v1/sync/trigger", TriggerRequest{Mode: "nonsense"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "unknown_mode", body["error"])
}

func TestTrigger_MissingMode(t *testing.T) {
	mux := newSyncTestServer(&fakePipeline{}, newFakeScheduler(), &fakeLauncher{})

	rec := postJSON(t, mux, "/api/v1/sync/trigger", TriggerRequest{})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestTrigger_Background(t *testing.T) {
	scheduler := newFakeScheduler()
	mux := newSyncTestServer(&fakePipeline{}, scheduler, &fakeLauncher{})

	rec := postJSON(t, mux, "/api/v1/sync/trigger", TriggerRequest{
		Mode:       services.ModeInsertMapping,
		Background: true,
	})

	assert.Equal(t, http.StatusAccepted, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body["accepted"])
	assert.Equal(t, "task-123", body["task_id"])
	assert.Equal(t, []string{services.ModeInsertMapping}, scheduler.ranOnce)
}

func TestLastRun_EmptyThenRecorded(t *testing.T) {
	pipeline := &fakePipeline{}
	mux := newSyncTestServer(pipeline, newFakeScheduler(), &fakeLauncher{})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/sync/last", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	postJSON(t, mux, "/api/v1/sync/trigger", TriggerRequest{Mode: services.ModeRunAll})

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/sync/last", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var run models.PipelineRun
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &run))
	assert.Equal(t, services.ModeRunAll, run.Mode)
}

func TestCreateSchedule(t *testing.T) {
	mux := newSyncTestServer(&fakePipeline{}, newFakeScheduler(), &fakeLauncher{})

	rec := postJSON(t, mux, "/api/v1/sync/schedule", ScheduleRequest{
		Name:            "nightly",
		Mode:            services.ModeRunAll,
		IntervalSeconds: 3600,
	})

	assert.Equal(t, http.StatusCreated, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "nightly", body["name"])
	assert.Equal(t, float64(3600), body["interval_seconds"])
}

func TestCreateSchedule_Conflict(t *testing.T) {
	scheduler := newFakeScheduler()
	mux := newSyncTestServer(&fakePipeline{}, scheduler, &fakeLauncher{})

	first := postJSON(t, mux, "/api/v1/sync/schedule", ScheduleRequest{Name: "n", Mode: services.ModeRunAll, IntervalSeconds: 60})
	require.Equal(t, http.StatusCreated, first.Code)

	second := postJSON(t, mux, "/api/v1/sync/schedule", ScheduleRequest{Name: "n", Mode: services.ModeRunAll, IntervalSeconds: 60})
	assert.Equal(t, http.StatusConflict, second.Code)
}

func TestCreateSchedule_BadInterval(t *testing.T) {
	mux := newSyncTestServer(&fakePipeline{}, newFakeScheduler(), &fakeLauncher{})

	rec := postJSON(t, mux, "/api/v1/sync/schedule", ScheduleRequest{Name: "n", Mode: services.ModeRunAll})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteSchedule_NotFound(t *testing.T) {
	mux := newSyncTestServer(&fakePipeline{}, newFakeScheduler(), &fakeLauncher{})

	req := httptest.NewRequest(http.MethodDelete, "/api/v1/sync/schedule?name=ghost", nil)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEnableDisableSchedule(t *testing.T) {
	scheduler := newFakeScheduler()
	mux := newSyncTestServer(&fakePipeline{}, scheduler, &fakeLauncher{})

	postJSON(t, mux, "/api/v1/sync/schedule", ScheduleRequest{Name: "n", Mode: services.ModeRunAll, IntervalSeconds: 60})

	rec := postJSON(t, mux, "/api/v1/sync/manage/disable", ScheduleNameRequest{Name: "n"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, scheduler.schedules["n"].Enabled)

	rec = postJSON(t, mux, "/api/v1/sync/manage/enable", ScheduleNameRequest{Name: "n"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, scheduler.schedules["n"].Enabled)

	rec = postJSON(t, mux, "/api/v1/sync/manage/enable", ScheduleNameRequest{Name: "ghost"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunIsolated(t *testing.T) {
	launcher := &fakeLauncher{}
	mux := newSyncTestServer(&fakePipeline{}, newFakeScheduler(), launcher)

	rec := postJSON(t, mux, "/api/v1/sync/run-isolated", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	launcher.busy = true
	rec = postJSON(t, mux, "/api/v1/sync/run-isolated", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "already_running", body["error"])
}

package services

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/apperrors"
	"github.com/acp-data/canonical-pipeline/pkg/models"
)

// SchedulerService maintains named recurring pipeline schedules and one-off
// background runs. Each firing runs the configured mode synchronously and
// then re-arms its own timer, so the interval measures gap between runs, not
// a fixed rate.
type SchedulerService interface {
	Create(name, mode, schema string, interval time.Duration, startImmediately bool) (*models.Schedule, error)
	List() []*models.Schedule
	Enable(name string) error
	Disable(name string) error
	Delete(name string) error
	// RunOnce starts a single background run and returns its task id.
	RunOnce(mode, schema string) string
	// Stop cancels all pending timers, for shutdown.
	Stop()
}

type scheduleEntry struct {
	schedule models.Schedule
	timer    *time.Timer
}

type schedulerService struct {
	pipeline PipelineService
	logger   *zap.Logger

	mu        sync.Mutex
	schedules map[string]*scheduleEntry
}

// NewSchedulerService creates a new SchedulerService.
func NewSchedulerService(pipeline PipelineService, logger *zap.Logger) SchedulerService {
	return &schedulerService{
		pipeline:  pipeline,
		logger:    logger.Named("scheduler"),
		schedules: map[string]*scheduleEntry{},
	}
}

var _ SchedulerService = (*schedulerService)(nil)

func (s *schedulerService) Create(name, mode, schema string, interval time.Duration, startImmediately bool) (*models.Schedule, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: schedule name is required", apperrors.ErrValidation)
	}
	if interval <= 0 {
		return nil, fmt.Errorf("%w: interval must be positive", apperrors.ErrValidation)
	}
	if !s.knownMode(mode) {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrUnknownMode, mode)
	}

	s.mu.Lock()
	if _, exists := s.schedules[name]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: schedule %q already exists", apperrors.ErrConflict, name)
	}

	entry := &scheduleEntry{
		schedule: models.Schedule{
			Name:     name,
			Mode:     mode,
			Schema:   schema,
			Interval: interval,
			Enabled:  true,
			Created:  time.Now().UTC(),
		},
	}
	entry.timer = time.AfterFunc(interval, func() { s.fire(name) })
	s.schedules[name] = entry
	created := entry.schedule
	s.mu.Unlock()

	if startImmediately {
		s.RunOnce(mode, schema)
	}

	s.logger.Info("schedule created",
		zap.String("name", name),
		zap.String("mode", mode),
		zap.Duration("interval", interval))
	return &created, nil
}

// fire runs one scheduled invocation and re-arms the timer afterwards, but
// only while the schedule still exists and is enabled.
func (s *schedulerService) fire(name string) {
	s.mu.Lock()
	entry, ok := s.schedules[name]
	if !ok || !entry.schedule.Enabled {
		s.mu.Unlock()
		return
	}
	mode, schema, interval := entry.schedule.Mode, entry.schedule.Schema, entry.schedule.Interval
	s.mu.Unlock()

	if _, err := s.pipeline.Run(context.Background(), mode, schema, RunMeta{Schedule: name}); err != nil {
		s.logger.Error("scheduled run failed",
			zap.String("schedule", name),
			zap.Error(err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok = s.schedules[name]
	if !ok || !entry.schedule.Enabled {
		return
	}
	entry.timer = time.AfterFunc(interval, func() { s.fire(name) })
}

func (s *schedulerService) List() []*models.Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]*models.Schedule, 0, len(s.schedules))
	for _, entry := range s.schedules {
		schedule := entry.schedule
		out = append(out, &schedule)
	}
	return out
}

func (s *schedulerService) Enable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("%w: schedule %q", apperrors.ErrNotFound, name)
	}
	if entry.schedule.Enabled {
		return nil
	}
	entry.schedule.Enabled = true
	entry.timer = time.AfterFunc(entry.schedule.Interval, func() { s.fire(name) })
	return nil
}

func (s *schedulerService) Disable(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("%w: schedule %q", apperrors.ErrNotFound, name)
	}
	entry.schedule.Enabled = false
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	return nil
}

func (s *schedulerService) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.schedules[name]
	if !ok {
		return fmt.Errorf("%w: schedule %q", apperrors.ErrNotFound, name)
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	delete(s.schedules, name)
	return nil
}

func (s *schedulerService) RunOnce(mode, schema string) string {
	taskID := uuid.NewString()
	go func() {
		if _, err := s.pipeline.Run(context.Background(), mode, schema, RunMeta{TaskID: taskID}); err != nil {
			s.logger.Error("background run failed",
				zap.String("task_id", taskID),
				zap.String("mode", mode),
				zap.Error(err))
		}
	}()
	return taskID
}

func (s *schedulerService) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range s.schedules {
		entry.schedule.Enabled = false
		if entry.timer != nil {
			entry.timer.Stop()
			entry.timer = nil
		}
	}
}

func (s *schedulerService) knownMode(mode string) bool {
	for _, m := range s.pipeline.Modes() {
		if m == mode {
			return true
		}
	}
	return false
}

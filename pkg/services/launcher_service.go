package services

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/acp-data/canonical-pipeline/pkg/config"
	"github.com/acp-data/canonical-pipeline/pkg/notify"
	"github.com/acp-data/canonical-pipeline/pkg/runlock"
)

// LauncherService starts the full pipeline as an isolated external process.
// At most one launch is in flight at a time, across goroutines in this
// process and across process instances sharing the lock file.
type LauncherService interface {
	// LaunchIsolated starts the runner binary and returns a task id.
	// Returns apperrors.ErrAlreadyRunning while a previous launch is alive.
	LaunchIsolated(ctx context.Context) (string, error)
}

type launcherService struct {
	lock     *runlock.Lock
	notifier notify.Notifier
	cfg      config.PipelineConfig
	logger   *zap.Logger
}

// NewLauncherService creates a new LauncherService.
func NewLauncherService(lock *runlock.Lock, notifier notify.Notifier, cfg config.PipelineConfig, logger *zap.Logger) LauncherService {
	return &launcherService{
		lock:     lock,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("launcher"),
	}
}

var _ LauncherService = (*launcherService)(nil)

func (s *launcherService) LaunchIsolated(ctx context.Context) (string, error) {
	if err := s.lock.Acquire(); err != nil {
		return "", err
	}

	taskID := uuid.NewString()
	cmd := exec.Command(s.cfg.RunnerBinary)

	if err := cmd.Start(); err != nil {
		if rerr := s.lock.Release(); rerr != nil {
			s.logger.Error("could not release run lock", zap.Error(rerr))
		}
		return "", fmt.Errorf("start pipeline runner %s: %w", s.cfg.RunnerBinary, err)
	}

	s.logger.Info("isolated pipeline launched",
		zap.String("task_id", taskID),
		zap.String("binary", s.cfg.RunnerBinary),
		zap.Int("pid", cmd.Process.Pid))

	go s.monitor(taskID, cmd)

	return taskID, nil
}

// monitor waits for the runner to terminate and releases the lock no matter
// how it exited.
func (s *launcherService) monitor(taskID string, cmd *exec.Cmd) {
	start := time.Now()
	err := cmd.Wait()

	if rerr := s.lock.Release(); rerr != nil {
		s.logger.Error("could not release run lock", zap.Error(rerr))
	}

	if err != nil {
		s.logger.Error("isolated pipeline run failed",
			zap.String("task_id", taskID),
			zap.Duration("duration", time.Since(start)),
			zap.Error(err))

		notifyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		subject := "canonical pipeline run failed"
		body := fmt.Sprintf("Task %s failed after %s: %v", taskID, time.Since(start).Round(time.Second), err)
		if nerr := s.notifier.Notify(notifyCtx, subject, body); nerr != nil {
			s.logger.Error("failure notification not delivered", zap.Error(nerr))
		}
		return
	}

	s.logger.Info("isolated pipeline run finished",
		zap.String("task_id", taskID),
		zap.Duration("duration", time.Since(start)))
}

package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// TaskRunner executes a single task. Implemented by Executor.
type TaskRunner interface {
	ExecuteTask(ctx context.Context, taskID int64, triggeredBy string) *ExecuteResult
}

// BatchResult summarizes one scheduler pass.
type BatchResult struct {
	Processed int `json:"processed"`
	Success   int `json:"success"`
	Failed    int `json:"failed"`
}

// Scheduler periodically selects tasks eligible for automatic execution and
// feeds them to the executor in bounded batches.
type Scheduler struct {
	store     Store
	runner    TaskRunner
	batchSize int
	logger    *slog.Logger
	now       func() time.Time

	cron    *cron.Cron
	passMu  sync.Mutex
	ctx     context.Context
	started bool
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, runner TaskRunner, batchSize int, logger *slog.Logger) *Scheduler {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:     store,
		runner:    runner,
		batchSize: batchSize,
		logger:    logger,
		now:       time.Now,
		cron:      cron.New(),
	}
}

// Start begins the periodic poll loop. ctx is used for the background
// scheduler passes.
func (s *Scheduler) Start(ctx context.Context, interval time.Duration) error {
	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}
	s.ctx = ctx
	s.cron.Schedule(cron.Every(interval), cron.FuncJob(func() {
		if _, err := s.ProcessPendingTasks(s.ctxOrBackground()); err != nil {
			s.logger.Error("scheduler pass", "err", err)
		}
	}))
	s.cron.Start()
	s.started = true
	return nil
}

// Stop stops the poll loop and returns a context that is done once running
// jobs have finished dispatch.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// ProcessPendingTasks selects up to batchSize eligible tasks (bot-assigned,
// not awaiting review, pending or queued, due or unscheduled) and executes
// them sequentially. Passes never overlap.
func (s *Scheduler) ProcessPendingTasks(ctx context.Context) (*BatchResult, error) {
	s.passMu.Lock()
	defer s.passMu.Unlock()

	tasks, err := s.store.ListPendingTasks(ctx, s.now().UTC(), s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list pending tasks: %w", err)
	}

	result := &BatchResult{}
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		result.Processed++
		res := s.runner.ExecuteTask(ctx, task.ID, "scheduled")
		if res.Success {
			result.Success++
		} else {
			result.Failed++
			s.logger.Warn("scheduled task failed", "task_id", task.ID, "err", res.Error)
		}
	}
	if result.Processed > 0 {
		s.logger.Info("scheduler pass complete",
			"processed", result.Processed,
			"success", result.Success,
			"failed", result.Failed)
	}
	return result, nil
}

func (s *Scheduler) ctxOrBackground() context.Context {
	if s.ctx != nil {
		return s.ctx
	}
	return context.Background()
}

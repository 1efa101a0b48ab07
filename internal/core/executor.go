package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"taskpilot/internal/browser"
	"taskpilot/internal/resilience"
)

// AutomationRunner runs an ordered automation pass against a fresh remote
// browser session. Implemented by browser.Runner.
type AutomationRunner interface {
	Run(ctx context.Context, cfg browser.SessionConfig, steps []browser.Step, onSession browser.SessionObserver, saver browser.ScreenshotSaver) ([]browser.StepResult, []string, error)
}

// GHLConfig carries the pre-configured GoHighLevel credentials.
type GHLConfig struct {
	APIKey  string
	BaseURL string
}

// ExecuteResult is what ExecuteTask returns to its caller. Failures are
// data, not errors: the scheduler and the API layer both consume this shape.
type ExecuteResult struct {
	Success     bool            `json:"success"`
	TaskID      int64           `json:"task_id"`
	ExecutionID int64           `json:"execution_id,omitempty"`
	Output      json.RawMessage `json:"output,omitempty"`
	Error       string          `json:"error,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
}

// handlerResult is the successful (or partial) outcome of one type handler.
type handlerResult struct {
	Output      map[string]any
	Screenshots []string
	Summary     string
}

// Executor validates tasks, dispatches them to type handlers and manages the
// execution record lifecycle.
type Executor struct {
	store      Store
	runner     AutomationRunner
	notifier   Notifier
	breakers   *resilience.Registry
	retry      resilience.RetryConfig
	httpClient *http.Client
	ghl        GHLConfig
	timeout    time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewExecutor creates an executor. The breaker registry is shared
// process-wide; every call path to a given dependency shares one breaker.
func NewExecutor(store Store, runner AutomationRunner, notifier Notifier, breakers *resilience.Registry, ghl GHLConfig, httpTimeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	if httpTimeout <= 0 {
		httpTimeout = 30 * time.Second
	}
	return &Executor{
		store:      store,
		runner:     runner,
		notifier:   notifier,
		breakers:   breakers,
		retry:      resilience.DefaultRetryConfig(),
		httpClient: &http.Client{},
		ghl:        ghl,
		timeout:    httpTimeout,
		logger:     logger,
		now:        time.Now,
	}
}

// ExecuteTask runs one task to completion: validate, create the execution
// record, dispatch to the type handler, write the terminal record and task
// status. Task-level retry is the caller's business; a failed attempt
// leaves the task pending until errorCount reaches maxRetries.
func (e *Executor) ExecuteTask(ctx context.Context, taskID int64, triggeredBy string) *ExecuteResult {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, ErrTaskNotFound) {
			return &ExecuteResult{TaskID: taskID, Error: "Task not found"}
		}
		return &ExecuteResult{TaskID: taskID, Error: fmt.Sprintf("load task: %v", err)}
	}

	// Preconditions: no execution record, no task mutation.
	if reason := executionBlocked(task); reason != "" {
		return &ExecuteResult{TaskID: taskID, Error: reason}
	}
	if err := ValidateConfig(task); err != nil {
		return &ExecuteResult{TaskID: taskID, Error: err.Error()}
	}

	startedAt := e.now().UTC()
	exec := &TaskExecution{
		TaskID:        task.ID,
		TriggeredBy:   triggeredBy,
		AttemptNumber: task.ErrorCount + 1,
		Status:        ExecutionStatusRunning,
		StartedAt:     startedAt,
	}
	if err := e.store.InsertExecution(ctx, exec); err != nil {
		return &ExecuteResult{TaskID: taskID, Error: fmt.Sprintf("create execution record: %v", err)}
	}
	if err := e.store.MarkTaskStarted(ctx, task.ID, []TaskStatus{TaskStatusPending, TaskStatusQueued, TaskStatusFailed}, startedAt); err != nil {
		// Lost the race, most likely to a manual cancel. The record still has
		// to reach a terminal state.
		msg := "task state changed before execution started"
		e.completeExecution(exec.ID, ExecutionStatusFailed, nil, &msg, 0, nil)
		return &ExecuteResult{TaskID: taskID, ExecutionID: exec.ID, Error: msg}
	}

	return e.run(ctx, task, exec)
}

// run dispatches to the handler and settles the execution record and task
// row. The recover block is a last-resort safety net: even a programming
// error must not leave a dangling running record.
func (e *Executor) run(ctx context.Context, task *Task, exec *TaskExecution) (result *ExecuteResult) {
	start := e.now()

	defer func() {
		if r := recover(); r != nil {
			msg := fmt.Sprintf("panic during execution: %v", r)
			e.logger.Error("task handler panicked", "task_id", task.ID, "execution_id", exec.ID, "panic", r)
			duration := e.now().Sub(start).Milliseconds()
			e.completeExecution(exec.ID, ExecutionStatusFailed, nil, &msg, duration, nil)
			e.settleFailure(task, msg)
			result = &ExecuteResult{TaskID: task.ID, ExecutionID: exec.ID, Error: msg, DurationMs: duration}
		}
	}()

	res, handlerErr := e.dispatch(ctx, task, exec)
	duration := e.now().Sub(start).Milliseconds()

	if handlerErr != nil {
		msg := handlerErr.Error()
		var partial json.RawMessage
		if res != nil {
			partial = marshalOutput(res.Output)
		}
		e.completeExecution(exec.ID, ExecutionStatusFailed, partial, &msg, duration, nil)
		e.settleFailure(task, msg)
		return &ExecuteResult{TaskID: task.ID, ExecutionID: exec.ID, Output: partial, Error: msg, DurationMs: duration}
	}

	output := marshalOutput(res.Output)
	e.completeExecution(exec.ID, ExecutionStatusSuccess, output, nil, duration, res.Screenshots)

	completedAt := e.now().UTC()
	if err := e.store.CompleteTask(ctx, task.ID, output, res.Summary, completedAt); err != nil {
		if errors.Is(err, ErrTaskConflict) {
			e.logger.Warn("task changed during execution, completion not recorded", "task_id", task.ID)
		} else {
			e.logger.Error("mark task completed", "task_id", task.ID, "err", err)
		}
	} else if task.NotifyOnComplete && e.notifier != nil {
		if err := e.notifier.NotifyTaskCompleted(ctx, task, res.Summary); err != nil {
			e.logger.Warn("enqueue completion notification", "task_id", task.ID, "err", err)
		}
	}

	e.logger.Info("task executed",
		"task_id", task.ID,
		"execution_id", exec.ID,
		"type", task.TaskType,
		"duration_ms", duration)

	return &ExecuteResult{
		Success:     true,
		TaskID:      task.ID,
		ExecutionID: exec.ID,
		Output:      output,
		DurationMs:  duration,
	}
}

// dispatch selects the handler for the task's type. Handlers convert remote
// failures into errors rather than panicking.
func (e *Executor) dispatch(ctx context.Context, task *Task, exec *TaskExecution) (*handlerResult, error) {
	switch task.TaskType {
	case TaskTypeBrowserAutomation, TaskTypeDataExtraction:
		return e.executeBrowser(ctx, task, exec)
	case TaskTypeAPICall:
		return e.executeAPICall(ctx, task)
	case TaskTypeGHLAction:
		return e.executeGHL(ctx, task)
	case TaskTypeNotification:
		return e.executeNotification(ctx, task)
	case TaskTypeReminder:
		return e.executeReminder(ctx, task)
	case TaskTypeReportGeneration:
		return e.executeReport(ctx, task)
	default:
		// custom and unrecognized types succeed trivially: an explicit
		// escape hatch, not an error.
		return &handlerResult{
			Output:  map[string]any{"completed": true, "message": "no automated action required"},
			Summary: "Task completed",
		}, nil
	}
}

// settleFailure applies the task-level retry policy after a failed attempt.
func (e *Executor) settleFailure(task *Task, errMsg string) {
	// The task context may already be cancelled; bookkeeping still has to land.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	errorCount := task.ErrorCount + 1
	maxRetries := task.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}

	if errorCount >= maxRetries {
		reason := fmt.Sprintf("failed after %d attempts", errorCount)
		if err := e.store.FailTask(ctx, task.ID, errorCount, errMsg, reason); err != nil {
			e.logTaskSettleError(task.ID, err)
			return
		}
		if task.NotifyOnFailure && e.notifier != nil {
			if err := e.notifier.NotifyTaskFailed(ctx, task, errMsg); err != nil {
				e.logger.Warn("enqueue failure notification", "task_id", task.ID, "err", err)
			}
		}
		return
	}

	reason := fmt.Sprintf("attempt %d of %d failed, will retry", errorCount, maxRetries)
	if err := e.store.RequeueTask(ctx, task.ID, errorCount, errMsg, reason); err != nil {
		e.logTaskSettleError(task.ID, err)
	}
}

func (e *Executor) logTaskSettleError(taskID int64, err error) {
	if errors.Is(err, ErrTaskConflict) {
		e.logger.Warn("task changed during execution, failure not recorded", "task_id", taskID)
		return
	}
	e.logger.Error("settle failed task", "task_id", taskID, "err", err)
}

// completeExecution writes the single terminal update of an execution
// record. Uses a background context: terminal records must land even when
// the task context is cancelled.
func (e *Executor) completeExecution(execID int64, status ExecutionStatus, output json.RawMessage, errMsg *string, durationMs int64, screenshots []string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.store.MarkExecutionCompleted(ctx, execID, status, output, errMsg, durationMs, screenshots); err != nil {
		e.logger.Error("mark execution completed", "execution_id", execID, "err", err)
	}
}

// executionBlocked returns a precondition failure reason, or "" if the task
// may execute.
func executionBlocked(task *Task) string {
	switch task.Status {
	case TaskStatusCompleted:
		return "Task is already completed"
	case TaskStatusCancelled:
		return "Task is cancelled"
	case TaskStatusInProgress:
		return "Task is already running"
	}
	if task.RequiresHumanReview && task.HumanReviewedBy == nil {
		return "Task requires human review"
	}
	return ""
}

func marshalOutput(output map[string]any) json.RawMessage {
	if output == nil {
		return nil
	}
	data, err := json.Marshal(output)
	if err != nil {
		// Handler outputs are built from JSON-safe values; this indicates a
		// programming error, surface it as the output itself.
		data, _ = json.Marshal(map[string]string{"marshal_error": err.Error()})
	}
	return data
}

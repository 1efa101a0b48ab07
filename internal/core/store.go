package core

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrTaskNotFound is returned when a task id does not exist.
	ErrTaskNotFound = errors.New("task not found")
	// ErrExecutionNotFound is returned when an execution id does not exist.
	ErrExecutionNotFound = errors.New("execution not found")
	// ErrWebhookNotFound is returned when a webhook id does not exist.
	ErrWebhookNotFound = errors.New("webhook not found")
	// ErrTaskConflict is returned when a conditional task update matched no
	// row because the task changed concurrently (e.g. a manual cancel).
	ErrTaskConflict = errors.New("task state changed concurrently")
)

// Store abstracts the persistence layer used by the executor and the batch
// scheduler.
type Store interface {
	// Task operations
	GetTask(ctx context.Context, id int64) (*Task, error)
	ListPendingTasks(ctx context.Context, now time.Time, limit int) ([]*Task, error)
	// MarkTaskStarted moves a task to in_progress only if its status is still
	// one of from; returns ErrTaskConflict otherwise.
	MarkTaskStarted(ctx context.Context, id int64, from []TaskStatus, startedAt time.Time) error
	// CompleteTask moves an in_progress task to completed; returns
	// ErrTaskConflict if the task is no longer in_progress.
	CompleteTask(ctx context.Context, id int64, result json.RawMessage, summary string, completedAt time.Time) error
	// RequeueTask returns a failed attempt to pending for a later scheduler
	// pass. FailTask marks the task terminally failed. Both are conditional
	// on the task still being in_progress.
	RequeueTask(ctx context.Context, id int64, errorCount int, lastError, statusReason string) error
	FailTask(ctx context.Context, id int64, errorCount int, lastError, statusReason string) error

	// Execution record operations
	InsertExecution(ctx context.Context, exec *TaskExecution) error
	MarkExecutionCompleted(ctx context.Context, id int64, status ExecutionStatus, output json.RawMessage, errMsg *string, durationMs int64, screenshots []string) error
	UpdateExecutionSession(ctx context.Context, id int64, sessionID, debugURL string) error

	// Outbound messaging
	GetWebhook(ctx context.Context, id int64) (*Webhook, error)
	EnqueueMessage(ctx context.Context, msg *Message) error

	// Report aggregates
	TaskSummary(ctx context.Context, userID int64, from, to time.Time) (*TaskSummaryReport, error)
	ExecutionStats(ctx context.Context, userID int64, from, to time.Time) (*ExecutionStatsReport, error)
	WebhookActivity(ctx context.Context, userID int64, from, to time.Time) (*WebhookActivityReport, error)

	// Screenshot artifacts
	SaveScreenshot(executionID int64, stepIndex int, png []byte) (string, error)
	PruneScreenshots(ctx context.Context, taskID int64) error
}

// Notifier delivers task lifecycle notices. Implementations enqueue into the
// outbound message queue; delivery itself happens elsewhere.
type Notifier interface {
	NotifyTaskCompleted(ctx context.Context, task *Task, summary string) error
	NotifyTaskFailed(ctx context.Context, task *Task, errMsg string) error
}

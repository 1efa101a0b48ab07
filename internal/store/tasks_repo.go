package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskpilot/internal/core"
)

const taskColumns = `id, user_id, project_id, name, task_type, execution_config, status,
	error_count, max_retries, last_error, status_reason,
	assigned_to_bot, requires_human_review, human_reviewed_by,
	notify_on_complete, notify_on_failure,
	scheduled_for, started_at, completed_at,
	source_webhook_id, conversation_id, result, result_summary,
	created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	task.CreatedAt = now
	task.UpdatedAt = now
	if task.Status == "" {
		task.Status = core.TaskStatusPending
	}
	if task.MaxRetries <= 0 {
		task.MaxRetries = 3
	}
	config, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("encode execution config: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO tasks (user_id, project_id, name, task_type, execution_config, status,
			error_count, max_retries, last_error, status_reason,
			assigned_to_bot, requires_human_review, human_reviewed_by,
			notify_on_complete, notify_on_failure,
			scheduled_for, started_at, completed_at,
			source_webhook_id, conversation_id, result, result_summary,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.UserID, nullableInt64(task.ProjectID), nullableString(task.Name), task.TaskType, string(config), task.Status,
		task.ErrorCount, task.MaxRetries, nullableString(task.LastError), nullableString(task.StatusReason),
		boolToInt(task.AssignedToBot), boolToInt(task.RequiresHumanReview), nullableInt64(task.HumanReviewedBy),
		boolToInt(task.NotifyOnComplete), boolToInt(task.NotifyOnFailure),
		nullableTime(task.ScheduledFor), nullableTime(task.StartedAt), nullableTime(task.CompletedAt),
		nullableInt64(task.SourceWebhookID), nullableString(task.ConversationID),
		nullableRaw(task.Result), nullableString(task.ResultSummary),
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	task.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert task id: %w", err)
	}
	return nil
}

func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	config, err := json.Marshal(task.Config)
	if err != nil {
		return fmt.Errorf("encode execution config: %w", err)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, task_type = ?, execution_config = ?, status = ?,
			max_retries = ?, assigned_to_bot = ?, requires_human_review = ?, human_reviewed_by = ?,
			notify_on_complete = ?, notify_on_failure = ?, scheduled_for = ?,
			source_webhook_id = ?, conversation_id = ?, updated_at = ?
		WHERE id = ?
	`, nullableString(task.Name), task.TaskType, string(config), task.Status,
		task.MaxRetries, boolToInt(task.AssignedToBot), boolToInt(task.RequiresHumanReview), nullableInt64(task.HumanReviewedBy),
		boolToInt(task.NotifyOnComplete), boolToInt(task.NotifyOnFailure), nullableTime(task.ScheduledFor),
		nullableInt64(task.SourceWebhookID), nullableString(task.ConversationID),
		task.UpdatedAt.Format(time.RFC3339Nano), task.ID)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	return requireRow(res, core.ErrTaskNotFound)
}

func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return requireRow(res, core.ErrTaskNotFound)
}

func (s *Store) GetTask(ctx context.Context, id int64) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrTaskNotFound
		}
		return nil, err
	}
	return task, nil
}

func (s *Store) ListTasks(ctx context.Context, status *core.TaskStatus, limit, offset int) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 50
	}
	var rows *sql.Rows
	var err error
	if status != nil {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			WHERE status = ?
			ORDER BY created_at DESC
			LIMIT ? OFFSET ?
		`, *status, limit, offset)
	} else {
		rows, err = s.DB.QueryContext(ctx, `
			SELECT `+taskColumns+` FROM tasks
			ORDER BY created_at DESC
			LIMIT ? OFFSET ?
		`, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// ListPendingTasks selects tasks eligible for automatic execution:
// bot-assigned, not awaiting review, pending or queued, and due (or
// unscheduled). Oldest scheduled first.
func (s *Store) ListPendingTasks(ctx context.Context, now time.Time, limit int) ([]*core.Task, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE assigned_to_bot = 1
		  AND requires_human_review = 0
		  AND status IN (?, ?)
		  AND (scheduled_for IS NULL OR scheduled_for <= ?)
		ORDER BY scheduled_for IS NULL, scheduled_for ASC, created_at ASC
		LIMIT ?
	`, core.TaskStatusPending, core.TaskStatusQueued, now.UTC().Format(time.RFC3339Nano), limit)
	if err != nil {
		return nil, fmt.Errorf("query pending tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// MarkTaskStarted moves a task to in_progress only if its status is still
// one of from; a concurrent change (e.g. manual cancel) wins the race.
func (s *Store) MarkTaskStarted(ctx context.Context, id int64, from []core.TaskStatus, startedAt time.Time) error {
	if len(from) == 0 {
		return fmt.Errorf("mark task started: empty status precondition")
	}
	query := `
		UPDATE tasks
		SET status = ?, started_at = ?, updated_at = ?
		WHERE id = ? AND status IN (` + placeholders(len(from)) + `)`
	args := []any{core.TaskStatusInProgress, startedAt.UTC().Format(time.RFC3339Nano),
		time.Now().UTC().Format(time.RFC3339Nano), id}
	for _, st := range from {
		args = append(args, st)
	}
	res, err := s.DB.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("mark task started: %w", err)
	}
	return requireRow(res, core.ErrTaskConflict)
}

func (s *Store) CompleteTask(ctx context.Context, id int64, result json.RawMessage, summary string, completedAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, completed_at = ?, result = ?, result_summary = ?,
			last_error = NULL, status_reason = NULL, updated_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskStatusCompleted, completedAt.UTC().Format(time.RFC3339Nano),
		nullableRaw(result), summary, time.Now().UTC().Format(time.RFC3339Nano),
		id, core.TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	return requireRow(res, core.ErrTaskConflict)
}

func (s *Store) RequeueTask(ctx context.Context, id int64, errorCount int, lastError, statusReason string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error_count = ?, last_error = ?, status_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskStatusPending, errorCount, lastError, statusReason,
		time.Now().UTC().Format(time.RFC3339Nano), id, core.TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return requireRow(res, core.ErrTaskConflict)
}

func (s *Store) FailTask(ctx context.Context, id int64, errorCount int, lastError, statusReason string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, error_count = ?, last_error = ?, status_reason = ?, updated_at = ?
		WHERE id = ? AND status = ?
	`, core.TaskStatusFailed, errorCount, lastError, statusReason,
		time.Now().UTC().Format(time.RFC3339Nano), id, core.TaskStatusInProgress)
	if err != nil {
		return fmt.Errorf("fail task: %w", err)
	}
	return requireRow(res, core.ErrTaskConflict)
}

// CancelTask cancels a task unless it already reached a terminal state.
func (s *Store) CancelTask(ctx context.Context, id int64, reason string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, status_reason = ?, updated_at = ?
		WHERE id = ? AND status NOT IN (?, ?)
	`, core.TaskStatusCancelled, reason, time.Now().UTC().Format(time.RFC3339Nano),
		id, core.TaskStatusCompleted, core.TaskStatusCancelled)
	if err != nil {
		return fmt.Errorf("cancel task: %w", err)
	}
	return requireRow(res, core.ErrTaskConflict)
}

func collectTasks(rows *sql.Rows) ([]*core.Task, error) {
	var tasks []*core.Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tasks, nil
}

func scanTask(scanner interface {
	Scan(dest ...any) error
}) (*core.Task, error) {
	var (
		id, userID          int64
		projectID           sql.NullInt64
		name                sql.NullString
		taskType            string
		config              string
		status              string
		errorCount          int
		maxRetries          int
		lastError           sql.NullString
		statusReason        sql.NullString
		assignedToBot       int
		requiresHumanReview int
		humanReviewedBy     sql.NullInt64
		notifyOnComplete    int
		notifyOnFailure     int
		scheduledFor        sql.NullString
		startedAt           sql.NullString
		completedAt         sql.NullString
		sourceWebhookID     sql.NullInt64
		conversationID      sql.NullString
		result              sql.NullString
		resultSummary       sql.NullString
		createdAt           string
		updatedAt           string
	)
	if err := scanner.Scan(&id, &userID, &projectID, &name, &taskType, &config, &status,
		&errorCount, &maxRetries, &lastError, &statusReason,
		&assignedToBot, &requiresHumanReview, &humanReviewedBy,
		&notifyOnComplete, &notifyOnFailure,
		&scheduledFor, &startedAt, &completedAt,
		&sourceWebhookID, &conversationID, &result, &resultSummary,
		&createdAt, &updatedAt); err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}
	task := &core.Task{
		ID:                  id,
		UserID:              userID,
		TaskType:            core.TaskType(taskType),
		Status:              core.TaskStatus(status),
		ErrorCount:          errorCount,
		MaxRetries:          maxRetries,
		AssignedToBot:       assignedToBot != 0,
		RequiresHumanReview: requiresHumanReview != 0,
		NotifyOnComplete:    notifyOnComplete != 0,
		NotifyOnFailure:     notifyOnFailure != 0,
		CreatedAt:           mustParseTime(createdAt),
		UpdatedAt:           mustParseTime(updatedAt),
	}
	if config != "" {
		if err := json.Unmarshal([]byte(config), &task.Config); err != nil {
			return nil, fmt.Errorf("decode execution config for task %d: %w", id, err)
		}
	}
	if projectID.Valid {
		task.ProjectID = &projectID.Int64
	}
	if name.Valid {
		task.Name = &name.String
	}
	if lastError.Valid {
		task.LastError = &lastError.String
	}
	if statusReason.Valid {
		task.StatusReason = &statusReason.String
	}
	if humanReviewedBy.Valid {
		task.HumanReviewedBy = &humanReviewedBy.Int64
	}
	if sourceWebhookID.Valid {
		task.SourceWebhookID = &sourceWebhookID.Int64
	}
	if conversationID.Valid {
		task.ConversationID = &conversationID.String
	}
	if result.Valid {
		task.Result = json.RawMessage(result.String)
	}
	if resultSummary.Valid {
		task.ResultSummary = &resultSummary.String
	}
	task.ScheduledFor = parseNullTime(scheduledFor)
	task.StartedAt = parseNullTime(startedAt)
	task.CompletedAt = parseNullTime(completedAt)
	return task, nil
}

func nullableRaw(value json.RawMessage) any {
	if len(value) == 0 {
		return nil
	}
	return string(value)
}

func placeholders(n int) string {
	out := make([]byte, 0, n*3)
	for i := 0; i < n; i++ {
		if i > 0 {
			out = append(out, ',', ' ')
		}
		out = append(out, '?')
	}
	return string(out)
}

func requireRow(res sql.Result, sentinel error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return sentinel
	}
	return nil
}

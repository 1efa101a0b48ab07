package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"taskpilot/internal/core"
)

const executionColumns = `id, task_id, triggered_by, attempt_number, status,
	output, error, duration_ms, screenshots, browser_session_id, debug_url,
	started_at, completed_at, created_at`

func (s *Store) InsertExecution(ctx context.Context, exec *core.TaskExecution) error {
	now := time.Now().UTC()
	exec.CreatedAt = now
	if exec.StartedAt.IsZero() {
		exec.StartedAt = now
	}
	if exec.Status == "" {
		exec.Status = core.ExecutionStatusRunning
	}
	res, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_executions (task_id, triggered_by, attempt_number, status,
			output, error, duration_ms, screenshots, browser_session_id, debug_url,
			started_at, completed_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, exec.TaskID, exec.TriggeredBy, exec.AttemptNumber, exec.Status,
		nullableRaw(exec.Output), nullableString(exec.Error), nullableInt64(exec.DurationMs),
		encodeScreenshots(exec.Screenshots), nullableString(exec.BrowserSessionID), nullableString(exec.DebugURL),
		exec.StartedAt.Format(time.RFC3339Nano), nullableTime(exec.CompletedAt),
		exec.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	exec.ID, err = res.LastInsertId()
	if err != nil {
		return fmt.Errorf("insert execution id: %w", err)
	}
	return nil
}

// MarkExecutionCompleted finalizes an execution record with its terminal
// status and outcome in a single update.
func (s *Store) MarkExecutionCompleted(ctx context.Context, id int64, status core.ExecutionStatus, output json.RawMessage, errMsg *string, durationMs int64, screenshots []string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_executions
		SET status = ?, output = ?, error = ?, duration_ms = ?, screenshots = ?, completed_at = ?
		WHERE id = ?
	`, status, nullableRaw(output), nullableString(errMsg), durationMs,
		encodeScreenshots(screenshots), time.Now().UTC().Format(time.RFC3339Nano), id)
	if err != nil {
		return fmt.Errorf("complete execution: %w", err)
	}
	return requireRow(res, core.ErrExecutionNotFound)
}

// UpdateExecutionSession records the browser session id and debug URL on a
// running execution so a live session can be inspected.
func (s *Store) UpdateExecutionSession(ctx context.Context, id int64, sessionID, debugURL string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_executions
		SET browser_session_id = ?, debug_url = ?
		WHERE id = ?
	`, sessionID, debugURL, id)
	if err != nil {
		return fmt.Errorf("update execution session: %w", err)
	}
	return requireRow(res, core.ErrExecutionNotFound)
}

func (s *Store) GetExecution(ctx context.Context, id int64) (*core.TaskExecution, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM task_executions WHERE id = ?`, id)
	exec, err := scanExecution(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, core.ErrExecutionNotFound
		}
		return nil, err
	}
	return exec, nil
}

func (s *Store) ListExecutions(ctx context.Context, taskID int64, limit, offset int) ([]*core.TaskExecution, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+executionColumns+` FROM task_executions
		WHERE task_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query executions: %w", err)
	}
	defer rows.Close()

	var execs []*core.TaskExecution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return execs, nil
}

func scanExecution(scanner interface {
	Scan(dest ...any) error
}) (*core.TaskExecution, error) {
	var (
		id, taskID       int64
		triggeredBy      string
		attemptNumber    int
		status           string
		output           sql.NullString
		errMsg           sql.NullString
		durationMs       sql.NullInt64
		screenshots      sql.NullString
		browserSessionID sql.NullString
		debugURL         sql.NullString
		startedAt        string
		completedAt      sql.NullString
		createdAt        string
	)
	if err := scanner.Scan(&id, &taskID, &triggeredBy, &attemptNumber, &status,
		&output, &errMsg, &durationMs, &screenshots, &browserSessionID, &debugURL,
		&startedAt, &completedAt, &createdAt); err != nil {
		return nil, fmt.Errorf("scan execution: %w", err)
	}
	exec := &core.TaskExecution{
		ID:            id,
		TaskID:        taskID,
		TriggeredBy:   triggeredBy,
		AttemptNumber: attemptNumber,
		Status:        core.ExecutionStatus(status),
		StartedAt:     mustParseTime(startedAt),
		CreatedAt:     mustParseTime(createdAt),
	}
	if output.Valid {
		exec.Output = json.RawMessage(output.String)
	}
	if errMsg.Valid {
		exec.Error = &errMsg.String
	}
	if durationMs.Valid {
		exec.DurationMs = &durationMs.Int64
	}
	if screenshots.Valid && screenshots.String != "" {
		if err := json.Unmarshal([]byte(screenshots.String), &exec.Screenshots); err != nil {
			return nil, fmt.Errorf("decode screenshots for execution %d: %w", id, err)
		}
	}
	if browserSessionID.Valid {
		exec.BrowserSessionID = &browserSessionID.String
	}
	if debugURL.Valid {
		exec.DebugURL = &debugURL.String
	}
	exec.CompletedAt = parseNullTime(completedAt)
	return exec, nil
}

func encodeScreenshots(paths []string) any {
	if len(paths) == 0 {
		return nil
	}
	data, err := json.Marshal(paths)
	if err != nil {
		return nil
	}
	return string(data)
}

// SaveScreenshot writes a captured PNG under the state directory and returns
// its path. Layout: <state>/executions/<execution id>/step-<n>.png.
func (s *Store) SaveScreenshot(executionID int64, stepIndex int, png []byte) (string, error) {
	dir := filepath.Join(s.StateDir, "executions", strconv.FormatInt(executionID, 10))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("ensure screenshot dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("step-%d.png", stepIndex))
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write screenshot: %w", err)
	}
	return path, nil
}

// ScreenshotPath returns the artifact path for a saved screenshot without
// checking existence.
func (s *Store) ScreenshotPath(executionID int64, stepIndex int) string {
	return filepath.Join(s.StateDir, "executions",
		strconv.FormatInt(executionID, 10), fmt.Sprintf("step-%d.png", stepIndex))
}

// PruneScreenshots removes artifact directories for a task's oldest
// executions, keeping at most ScreenshotRetention recent ones.
func (s *Store) PruneScreenshots(ctx context.Context, taskID int64) error {
	if s.ScreenshotRetention <= 0 {
		return nil
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id FROM task_executions
		WHERE task_id = ? AND screenshots IS NOT NULL
		ORDER BY created_at DESC, id DESC
	`, taskID)
	if err != nil {
		return fmt.Errorf("query executions for pruning: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return fmt.Errorf("scan execution id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(ids) <= s.ScreenshotRetention {
		return nil
	}

	stale := ids[s.ScreenshotRetention:]
	sort.Slice(stale, func(i, j int) bool { return stale[i] < stale[j] })
	for _, id := range stale {
		dir := filepath.Join(s.StateDir, "executions", strconv.FormatInt(id, 10))
		if err := os.RemoveAll(dir); err != nil {
			return fmt.Errorf("remove screenshot dir for execution %d: %w", id, err)
		}
		if _, err := s.DB.ExecContext(ctx, `UPDATE task_executions SET screenshots = NULL WHERE id = ?`, id); err != nil {
			return fmt.Errorf("clear screenshots for execution %d: %w", id, err)
		}
	}
	return nil
}

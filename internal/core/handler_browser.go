package core

import (
	"context"
	"fmt"

	"taskpilot/internal/browser"
)

// executeBrowser runs the task's automation steps against a fresh remote
// session. The session id and debug handle are persisted onto the execution
// record as soon as the session exists, so a human can observe the live
// session before it finishes.
func (e *Executor) executeBrowser(ctx context.Context, task *Task, exec *TaskExecution) (*handlerResult, error) {
	if e.runner == nil {
		return nil, fmt.Errorf("browser automation is not configured")
	}
	steps := task.Config.Steps()

	onSession := func(session browser.Session) {
		if err := e.store.UpdateExecutionSession(ctx, exec.ID, session.ID, session.DebugURL); err != nil {
			e.logger.Warn("persist browser session on execution", "execution_id", exec.ID, "err", err)
		}
	}
	saver := func(stepIndex int, png []byte) (string, error) {
		return e.store.SaveScreenshot(exec.ID, stepIndex, png)
	}

	results, screenshots, runErr := e.runner.Run(ctx, browser.SessionConfig{StartURL: task.Config.StartURL}, steps, onSession, saver)

	defer func() {
		if err := e.store.PruneScreenshots(ctx, task.ID); err != nil {
			e.logger.Warn("prune screenshots", "task_id", task.ID, "err", err)
		}
	}()

	res := &handlerResult{
		Output:      stepOutput(results),
		Screenshots: screenshots,
	}
	if runErr != nil {
		// Partial results still reach the execution record.
		return res, runErr
	}

	failed := 0
	for _, r := range results {
		if !r.Success {
			failed++
		}
	}
	if task.TaskType == TaskTypeDataExtraction {
		res.Summary = fmt.Sprintf("Extracted data across %d steps", len(results))
	} else if failed > 0 {
		res.Summary = fmt.Sprintf("Completed %d automation steps (%d failed)", len(results), failed)
	} else {
		res.Summary = fmt.Sprintf("Completed %d automation steps", len(results))
	}
	return res, nil
}

func stepOutput(results []browser.StepResult) map[string]any {
	steps := make([]any, 0, len(results))
	for _, r := range results {
		steps = append(steps, r)
	}
	return map[string]any{"steps": steps}
}

package browser

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"taskpilot/internal/resilience"
)

// ScreenshotSaver persists a captured screenshot and returns an artifact
// reference for the execution record.
type ScreenshotSaver func(stepIndex int, png []byte) (string, error)

// SessionObserver is invoked once the remote session exists, before any step
// runs, so callers can surface the session id and debug handle immediately.
type SessionObserver func(session Session)

// Runner drives a full automation pass: create session, attach, run steps in
// order, tear the session down. Session creation is guarded by the breaker
// wrapping the retry loop, so an exhausted retry sequence counts as a single
// failure against the dependency.
type Runner struct {
	driver  Driver
	breaker *resilience.Breaker
	retry   resilience.RetryConfig
	logger  *slog.Logger
}

// NewRunner creates a Runner. breaker guards session creation for the named
// browser dependency; every automation task shares it.
func NewRunner(driver Driver, breaker *resilience.Breaker, retry resilience.RetryConfig, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{
		driver:  driver,
		breaker: breaker,
		retry:   retry,
		logger:  logger,
	}
}

// Run executes steps in declaration order against a fresh session. The
// session is always released, regardless of which step fails. Returned
// results cover every step that ran; err is non-nil when a step without
// continueOnError failed and aborted the remainder.
func (r *Runner) Run(ctx context.Context, cfg SessionConfig, steps []Step, onSession SessionObserver, saver ScreenshotSaver) ([]StepResult, []string, error) {
	session, err := resilience.ExecuteResult(ctx, r.breaker, func(ctx context.Context) (*Session, error) {
		return resilience.RetryResult(ctx, r.retry, r.logger, func(ctx context.Context) (*Session, error) {
			return r.driver.CreateSession(ctx, cfg)
		})
	})
	if err != nil {
		return nil, nil, fmt.Errorf("create browser session: %w", err)
	}
	defer r.release(session.ID)

	if onSession != nil {
		onSession(*session)
	}

	controller, err := r.driver.Attach(ctx, session.ID)
	if err != nil {
		return nil, nil, fmt.Errorf("attach to session %s: %w", session.ID, err)
	}
	defer func() {
		if cerr := controller.Close(); cerr != nil {
			r.logger.Warn("close automation controller", "session_id", session.ID, "err", cerr)
		}
	}()

	var results []StepResult
	var screenshots []string
	for i, step := range steps {
		result := r.runStep(ctx, controller, i, step)
		if result.Success && (step.Screenshot || step.Type == StepScreenshot) && saver != nil {
			if ref, ok := r.capture(ctx, controller, i, saver); ok {
				result.Screenshot = ref
				screenshots = append(screenshots, ref)
			}
		}
		results = append(results, *result)
		if !result.Success && !step.ContinueOnError {
			return results, screenshots, fmt.Errorf("step %d (%s) failed: %s", i, step.Type, result.Error)
		}
	}
	return results, screenshots, nil
}

func (r *Runner) runStep(ctx context.Context, controller Controller, index int, step Step) *StepResult {
	result := &StepResult{Index: index, Type: step.Type}

	switch step.Type {
	case StepWait:
		select {
		case <-time.After(time.Duration(step.DurationMs) * time.Millisecond):
			result.Success = true
		case <-ctx.Done():
			result.Error = ctx.Err().Error()
		}
		return result
	case StepScreenshot:
		// Capture happens in the caller; the step itself is a no-op.
		result.Success = true
		return result
	}

	stepResult, err := controller.Run(ctx, step)
	if err != nil {
		result.Error = err.Error()
		return result
	}
	result.Success = stepResult.Success
	result.Data = stepResult.Data
	result.Error = stepResult.Error
	if result.Error == "" {
		result.Success = true
	}
	return result
}

// capture takes a screenshot after a step. Capture failures never fail the
// step, they are only logged.
func (r *Runner) capture(ctx context.Context, controller Controller, index int, saver ScreenshotSaver) (string, bool) {
	png, err := controller.Screenshot(ctx)
	if err != nil {
		r.logger.Warn("capture screenshot", "step", index, "err", err)
		return "", false
	}
	ref, err := saver(index, png)
	if err != nil {
		r.logger.Warn("save screenshot", "step", index, "err", err)
		return "", false
	}
	return ref, true
}

// release tears the remote session down with a fresh context so cleanup still
// runs when the task context is already cancelled.
func (r *Runner) release(sessionID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.driver.ReleaseSession(ctx, sessionID); err != nil {
		r.logger.Warn("release browser session", "session_id", sessionID, "err", err)
	}
}

package browser

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/logging"
	"taskpilot/internal/resilience"
)

// fakeDriver scripts session lifecycle and step outcomes.
type fakeDriver struct {
	mu            sync.Mutex
	createErrs    []error // consumed per CreateSession call, nil = success
	createCalls   int
	releaseCalls  int
	releasedIDs   []string
	attachErr     error
	stepErrors    map[int]string // step index -> failure message
	extractedData map[int]any
	screenshotErr error
	closed        int
	ranSteps      []Step
}

func (d *fakeDriver) CreateSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	idx := d.createCalls
	d.createCalls++
	if idx < len(d.createErrs) && d.createErrs[idx] != nil {
		return nil, d.createErrs[idx]
	}
	return &Session{ID: "sess-1", DebugURL: "https://debug/sess-1"}, nil
}

func (d *fakeDriver) Attach(ctx context.Context, sessionID string) (Controller, error) {
	if d.attachErr != nil {
		return nil, d.attachErr
	}
	return &fakeController{driver: d}, nil
}

func (d *fakeDriver) ReleaseSession(ctx context.Context, sessionID string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.releaseCalls++
	d.releasedIDs = append(d.releasedIDs, sessionID)
	return nil
}

type fakeController struct {
	driver *fakeDriver
}

func (c *fakeController) Run(ctx context.Context, step Step) (*StepResult, error) {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	index := len(c.driver.ranSteps)
	c.driver.ranSteps = append(c.driver.ranSteps, step)
	if msg, ok := c.driver.stepErrors[index]; ok {
		return &StepResult{Success: false, Error: msg}, nil
	}
	result := &StepResult{Success: true}
	if data, ok := c.driver.extractedData[index]; ok {
		result.Data = data
	}
	return result, nil
}

func (c *fakeController) Screenshot(ctx context.Context) ([]byte, error) {
	if c.driver.screenshotErr != nil {
		return nil, c.driver.screenshotErr
	}
	return []byte("png-bytes"), nil
}

func (c *fakeController) Close() error {
	c.driver.mu.Lock()
	defer c.driver.mu.Unlock()
	c.driver.closed++
	return nil
}

func testRunner(driver Driver) *Runner {
	logger := logging.Discard()
	breaker := resilience.NewBreaker("browser", resilience.BreakerConfig{FailureThreshold: 100}, logger)
	retry := resilience.RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, Multiplier: 2}
	return NewRunner(driver, breaker, retry, logger)
}

func memorySaver(saved *[]string) ScreenshotSaver {
	return func(stepIndex int, png []byte) (string, error) {
		ref := fmt.Sprintf("step-%d.png", stepIndex)
		*saved = append(*saved, ref)
		return ref, nil
	}
}

func TestRunnerExecutesStepsInOrder(t *testing.T) {
	driver := &fakeDriver{extractedData: map[int]any{1: "hello"}}
	runner := testRunner(driver)

	steps := []Step{
		{Type: StepNavigate, URL: "https://example.com"},
		{Type: StepExtract, Instruction: "read the headline"},
	}

	var observed *Session
	results, screenshots, err := runner.Run(context.Background(), SessionConfig{}, steps,
		func(s Session) { observed = &s }, nil)

	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.Equal(t, StepNavigate, results[0].Type)
	assert.True(t, results[1].Success)
	assert.Equal(t, "hello", results[1].Data)
	assert.Empty(t, screenshots)

	require.NotNil(t, observed)
	assert.Equal(t, "sess-1", observed.ID)
	assert.Equal(t, "https://debug/sess-1", observed.DebugURL)

	assert.Equal(t, 1, driver.releaseCalls, "session released exactly once")
	assert.Equal(t, 1, driver.closed)
}

func TestRunnerAbortsOnStepFailure(t *testing.T) {
	driver := &fakeDriver{stepErrors: map[int]string{1: "element not found"}}
	runner := testRunner(driver)

	steps := []Step{
		{Type: StepNavigate, URL: "https://example.com"},
		{Type: StepClick, Selector: "#missing"},
		{Type: StepExtract, Instruction: "never reached"},
	}

	results, _, err := runner.Run(context.Background(), SessionConfig{}, steps, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "step 1 (click) failed: element not found")

	// Steps after the failure never ran; results cover the ones that did.
	require.Len(t, results, 2)
	assert.True(t, results[0].Success)
	assert.False(t, results[1].Success)
	assert.Len(t, driver.ranSteps, 2)

	assert.Equal(t, 1, driver.releaseCalls, "session released despite failure")
}

func TestRunnerContinueOnErrorRunsRemainingSteps(t *testing.T) {
	driver := &fakeDriver{stepErrors: map[int]string{0: "selector not found"}}
	runner := testRunner(driver)

	steps := []Step{
		{Type: StepClick, Selector: "#flaky", ContinueOnError: true},
		{Type: StepExtract, Instruction: "still runs"},
	}

	results, _, err := runner.Run(context.Background(), SessionConfig{}, steps, nil, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.False(t, results[0].Success)
	assert.Equal(t, "selector not found", results[0].Error)
	assert.True(t, results[1].Success)
	assert.Equal(t, 1, driver.releaseCalls)
}

func TestRunnerCapturesScreenshots(t *testing.T) {
	driver := &fakeDriver{}
	runner := testRunner(driver)

	steps := []Step{
		{Type: StepNavigate, URL: "https://example.com", Screenshot: true},
		{Type: StepScreenshot},
	}

	var saved []string
	results, screenshots, err := runner.Run(context.Background(), SessionConfig{}, steps, nil, memorySaver(&saved))
	require.NoError(t, err)
	assert.Equal(t, []string{"step-0.png", "step-1.png"}, screenshots)
	assert.Equal(t, saved, screenshots)
	assert.Equal(t, "step-0.png", results[0].Screenshot)
	assert.Equal(t, "step-1.png", results[1].Screenshot)
}

func TestRunnerScreenshotFailureDoesNotFailStep(t *testing.T) {
	driver := &fakeDriver{screenshotErr: errors.New("capture timeout")}
	runner := testRunner(driver)

	steps := []Step{{Type: StepNavigate, URL: "https://example.com", Screenshot: true}}

	var saved []string
	results, screenshots, err := runner.Run(context.Background(), SessionConfig{}, steps, nil, memorySaver(&saved))
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.Empty(t, results[0].Screenshot)
	assert.Empty(t, screenshots)
	assert.Empty(t, saved)
}

func TestRunnerWaitStep(t *testing.T) {
	driver := &fakeDriver{}
	runner := testRunner(driver)

	start := time.Now()
	results, _, err := runner.Run(context.Background(), SessionConfig{},
		[]Step{{Type: StepWait, DurationMs: 20}}, nil, nil)
	require.NoError(t, err)
	assert.True(t, results[0].Success)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	// Wait steps never reach the remote controller.
	assert.Empty(t, driver.ranSteps)
}

func TestRunnerRetriesSessionCreation(t *testing.T) {
	driver := &fakeDriver{createErrs: []error{
		&resilience.StatusError{Code: 503},
		&resilience.StatusError{Code: 503},
		nil,
	}}
	runner := testRunner(driver)

	results, _, err := runner.Run(context.Background(), SessionConfig{},
		[]Step{{Type: StepNavigate, URL: "https://example.com"}}, nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 3, driver.createCalls)
	assert.Len(t, results, 1)
}

func TestRunnerNoSessionNoRelease(t *testing.T) {
	driver := &fakeDriver{createErrs: []error{
		resilience.Permanent(errors.New("invalid project")),
	}}
	runner := testRunner(driver)

	_, _, err := runner.Run(context.Background(), SessionConfig{},
		[]Step{{Type: StepNavigate, URL: "https://example.com"}}, nil, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "create browser session")
	assert.Equal(t, 1, driver.createCalls, "permanent error is not retried")
	assert.Zero(t, driver.releaseCalls)
}

func TestRunnerOpenBreakerRejectsWithoutDriverCall(t *testing.T) {
	driver := &fakeDriver{}
	logger := logging.Discard()
	breaker := resilience.NewBreaker("browser", resilience.BreakerConfig{FailureThreshold: 1, ResetTimeout: time.Hour}, logger)
	retry := resilience.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond}
	runner := NewRunner(driver, breaker, retry, logger)

	// Trip the breaker.
	failing := &fakeDriver{createErrs: []error{errors.New("connection refused")}}
	trip := NewRunner(failing, breaker, retry, logger)
	_, _, err := trip.Run(context.Background(), SessionConfig{}, []Step{{Type: StepNavigate}}, nil, nil)
	require.Error(t, err)

	_, _, err = runner.Run(context.Background(), SessionConfig{}, []Step{{Type: StepNavigate}}, nil, nil)
	require.Error(t, err)
	var openErr *resilience.OpenError
	assert.ErrorAs(t, err, &openErr)
	assert.Zero(t, driver.createCalls)
}

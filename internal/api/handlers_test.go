package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/core"
	"taskpilot/internal/logging"
	"taskpilot/internal/resilience"
	"taskpilot/internal/store"
)

type recordingExecutor struct {
	mu       sync.Mutex
	executed []int64
	result   *core.ExecuteResult
}

func (e *recordingExecutor) ExecuteTask(ctx context.Context, taskID int64, triggeredBy string) *core.ExecuteResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.executed = append(e.executed, taskID)
	if e.result != nil {
		res := *e.result
		res.TaskID = taskID
		return &res
	}
	return &core.ExecuteResult{TaskID: taskID, Success: true}
}

type apiFixture struct {
	server   *Server
	store    *store.Store
	executor *recordingExecutor
}

func newAPIFixture(t *testing.T, authToken string) *apiFixture {
	t.Helper()
	logger := logging.Discard()
	st, err := store.Open(context.Background(), t.TempDir(), 5)
	require.NoError(t, err)
	t.Cleanup(func() { st.DB.Close() })

	executor := &recordingExecutor{}
	scheduler := core.NewScheduler(st, executor, 10, logger)
	breakers := resilience.NewRegistry(resilience.DefaultBreakerConfig(), nil, logger)

	srv, err := NewServer("127.0.0.1:0", authToken, st, executor, scheduler, breakers, nil, logger)
	require.NoError(t, err)
	return &apiFixture{server: srv, store: st, executor: executor}
}

func (f *apiFixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	payload := decodeBody[map[string]map[string]string](t, rec)
	return payload["error"]["code"]
}

func TestCreateTaskValidatesInput(t *testing.T) {
	f := newAPIFixture(t, "")

	tests := []struct {
		name     string
		body     map[string]any
		wantCode string
	}{
		{
			name:     "missing user_id",
			body:     map[string]any{"task_type": "custom"},
			wantCode: "invalid_input",
		},
		{
			name:     "missing task_type",
			body:     map[string]any{"user_id": 1},
			wantCode: "invalid_input",
		},
		{
			name:     "unknown task_type",
			body:     map[string]any{"user_id": 1, "task_type": "teleport"},
			wantCode: "invalid_input",
		},
		{
			name:     "negative max_retries",
			body:     map[string]any{"user_id": 1, "task_type": "custom", "max_retries": -1},
			wantCode: "invalid_input",
		},
		{
			name:     "api_call without endpoint",
			body:     map[string]any{"user_id": 1, "task_type": "api_call"},
			wantCode: "invalid_config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := f.do(t, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.wantCode, errorCode(t, rec))
		})
	}
}

func TestCreateAndGetTask(t *testing.T) {
	f := newAPIFixture(t, "")

	rec := f.do(t, http.MethodPost, "/v1/tasks", map[string]any{
		"user_id":          1,
		"name":             "  ping api  ",
		"task_type":        "api_call",
		"execution_config": map[string]any{"apiEndpoint": "https://api.example.com/ping"},
		"assigned_to_bot":  true,
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decodeBody[taskResponse](t, rec)
	assert.NotZero(t, created.ID)
	require.NotNil(t, created.Name)
	assert.Equal(t, "ping api", *created.Name, "name is trimmed")
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, 3, created.MaxRetries)

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/tasks/%d", created.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[taskResponse](t, rec)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, "api_call", got.TaskType)
	assert.Equal(t, "https://api.example.com/ping", got.ExecutionConfig.APIEndpoint)
}

func TestGetTaskNotFoundAndBadID(t *testing.T) {
	f := newAPIFixture(t, "")

	rec := f.do(t, http.MethodGet, "/v1/tasks/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/tasks/banana", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListTasksStatusFilter(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	require.NoError(t, f.store.InsertTask(ctx, &core.Task{UserID: 1, TaskType: core.TaskTypeCustom, Status: core.TaskStatusPending}))
	require.NoError(t, f.store.InsertTask(ctx, &core.Task{UserID: 1, TaskType: core.TaskTypeCustom, Status: core.TaskStatusFailed}))

	rec := f.do(t, http.MethodGet, "/v1/tasks?status=failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	tasks := decodeBody[[]taskResponse](t, rec)
	require.Len(t, tasks, 1)
	assert.Equal(t, "failed", tasks[0].Status)

	rec = f.do(t, http.MethodGet, "/v1/tasks?status=exploded", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTaskMergesFields(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	task := &core.Task{UserID: 1, TaskType: core.TaskTypeCustom, Status: core.TaskStatusPending}
	require.NoError(t, f.store.InsertTask(ctx, task))

	rec := f.do(t, http.MethodPatch, fmt.Sprintf("/v1/tasks/%d", task.ID), map[string]any{
		"name":        "renamed",
		"max_retries": 5,
	})
	require.Equal(t, http.StatusOK, rec.Code)
	updated := decodeBody[taskResponse](t, rec)
	require.NotNil(t, updated.Name)
	assert.Equal(t, "renamed", *updated.Name)
	assert.Equal(t, 5, updated.MaxRetries)
	assert.Equal(t, "custom", updated.TaskType, "unset fields untouched")
}

func TestUpdateTaskRejectsInvalidConfig(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	task := &core.Task{UserID: 1, TaskType: core.TaskTypeCustom, Status: core.TaskStatusPending}
	require.NoError(t, f.store.InsertTask(ctx, task))

	// Switching to api_call without an endpoint fails validation.
	rec := f.do(t, http.MethodPatch, fmt.Sprintf("/v1/tasks/%d", task.ID), map[string]any{
		"task_type": "api_call",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "invalid_config", errorCode(t, rec))
}

func TestUpdateTaskRejectsTerminalState(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	task := &core.Task{UserID: 1, TaskType: core.TaskTypeCustom, Status: core.TaskStatusCompleted}
	require.NoError(t, f.store.InsertTask(ctx, task))

	rec := f.do(t, http.MethodPatch, fmt.Sprintf("/v1/tasks/%d", task.ID), map[string]any{"name": "x"})
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestDeleteTask(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	task := &core.Task{UserID: 1, TaskType: core.TaskTypeCustom}
	require.NoError(t, f.store.InsertTask(ctx, task))

	rec := f.do(t, http.MethodDelete, fmt.Sprintf("/v1/tasks/%d", task.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodDelete, fmt.Sprintf("/v1/tasks/%d", task.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunTaskReturnsExecutionResult(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	task := &core.Task{UserID: 1, TaskType: core.TaskTypeCustom, AssignedToBot: true}
	require.NoError(t, f.store.InsertTask(ctx, task))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/v1/tasks/%d/run", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[core.ExecuteResult](t, rec)
	assert.True(t, result.Success)
	assert.Equal(t, task.ID, result.TaskID)
	assert.Equal(t, []int64{task.ID}, f.executor.executed)
}

func TestRunTaskNotFound(t *testing.T) {
	f := newAPIFixture(t, "")
	f.executor.result = &core.ExecuteResult{Error: "Task not found"}

	rec := f.do(t, http.MethodPost, "/v1/tasks/42/run", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRunTaskFailureIsStillOK(t *testing.T) {
	f := newAPIFixture(t, "")
	f.executor.result = &core.ExecuteResult{Error: "Task is already completed"}

	rec := f.do(t, http.MethodPost, "/v1/tasks/42/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[core.ExecuteResult](t, rec)
	assert.False(t, result.Success)
	assert.Equal(t, "Task is already completed", result.Error)
}

func TestCancelTask(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	task := &core.Task{UserID: 1, TaskType: core.TaskTypeCustom}
	require.NoError(t, f.store.InsertTask(ctx, task))

	rec := f.do(t, http.MethodPost, fmt.Sprintf("/v1/tasks/%d/cancel", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	cancelled := decodeBody[taskResponse](t, rec)
	assert.Equal(t, "cancelled", cancelled.Status)

	// Cancelling again conflicts with the terminal state.
	rec = f.do(t, http.MethodPost, fmt.Sprintf("/v1/tasks/%d/cancel", task.ID), nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSchedulerRunProcessesPending(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	require.NoError(t, f.store.InsertTask(ctx, &core.Task{UserID: 1, TaskType: core.TaskTypeCustom, AssignedToBot: true}))
	require.NoError(t, f.store.InsertTask(ctx, &core.Task{UserID: 1, TaskType: core.TaskTypeCustom}))

	rec := f.do(t, http.MethodPost, "/v1/scheduler/run", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	result := decodeBody[core.BatchResult](t, rec)
	assert.Equal(t, 1, result.Processed)
	assert.Equal(t, 1, result.Success)
}

func TestListExecutionsForTask(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	task := &core.Task{UserID: 1, TaskType: core.TaskTypeCustom}
	require.NoError(t, f.store.InsertTask(ctx, task))
	exec := &core.TaskExecution{TaskID: task.ID, TriggeredBy: "manual", AttemptNumber: 1, Status: core.ExecutionStatusSuccess}
	require.NoError(t, f.store.InsertExecution(ctx, exec))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/tasks/%d/executions", task.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	execs := decodeBody[[]executionResponse](t, rec)
	require.Len(t, execs, 1)
	assert.Equal(t, exec.ID, execs[0].ID)
	assert.Equal(t, "manual", execs[0].TriggeredBy)

	rec = f.do(t, http.MethodGet, "/v1/tasks/999/executions", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetExecution(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	task := &core.Task{UserID: 1, TaskType: core.TaskTypeCustom}
	require.NoError(t, f.store.InsertTask(ctx, task))
	exec := &core.TaskExecution{TaskID: task.ID, TriggeredBy: "scheduled", AttemptNumber: 2, Status: core.ExecutionStatusFailed}
	require.NoError(t, f.store.InsertExecution(ctx, exec))

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/executions/%d", exec.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	got := decodeBody[executionResponse](t, rec)
	assert.Equal(t, 2, got.AttemptNumber)

	rec = f.do(t, http.MethodGet, "/v1/executions/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestGetScreenshotServesArtifact(t *testing.T) {
	f := newAPIFixture(t, "")
	ctx := context.Background()

	task := &core.Task{UserID: 1, TaskType: core.TaskTypeCustom}
	require.NoError(t, f.store.InsertTask(ctx, task))
	exec := &core.TaskExecution{TaskID: task.ID, TriggeredBy: "manual", AttemptNumber: 1, Status: core.ExecutionStatusSuccess}
	require.NoError(t, f.store.InsertExecution(ctx, exec))

	_, err := f.store.SaveScreenshot(exec.ID, 0, []byte("png-bytes"))
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, fmt.Sprintf("/v1/executions/%d/screenshots/0", exec.ID), nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, "png-bytes", rec.Body.String())

	rec = f.do(t, http.MethodGet, fmt.Sprintf("/v1/executions/%d/screenshots/7", exec.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestBreakerHealthSnapshot(t *testing.T) {
	f := newAPIFixture(t, "")
	f.server.breakers.Get("gohighlevel")

	rec := f.do(t, http.MethodGet, "/v1/health/breakers", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	payload := decodeBody[map[string][]resilience.Snapshot](t, rec)
	require.Len(t, payload["breakers"], 1)
	assert.Equal(t, "gohighlevel", payload["breakers"][0].Name)
	assert.Equal(t, "closed", payload["breakers"][0].State)
}

func TestAuthMiddlewareProtectsRoutes(t *testing.T) {
	f := newAPIFixture(t, "sekrit")

	req := httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	rec := httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/tasks?token=sekrit", nil)
	rec = httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer sekrit")
	rec = httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/tasks", nil)
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	f.server.router.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

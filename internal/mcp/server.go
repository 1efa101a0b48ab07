package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"taskpilot/internal/core"
	"taskpilot/internal/store"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// MCPServer exposes the task engine over the Model Context Protocol.
type MCPServer struct {
	store    *store.Store
	executor core.TaskRunner
	logger   *slog.Logger
	inner    *server.MCPServer
}

// NewMCPServer creates a new MCP server instance.
func NewMCPServer(store *store.Store, executor core.TaskRunner, logger *slog.Logger) *MCPServer {
	s := &MCPServer{
		store:    store,
		executor: executor,
		logger:   logger,
	}
	s.inner = server.NewMCPServer(
		"taskpilot",
		"1.0.0",
		server.WithToolCapabilities(true),
	)
	s.registerTools()
	return s
}

// Run starts the MCP server using stdio transport.
func (s *MCPServer) Run() error {
	s.logger.Info("MCP server starting on stdio")
	return server.ServeStdio(s.inner)
}

// HTTPHandler returns a streamable HTTP transport for mounting under the API
// router.
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.inner)
}

// registerTools registers all available MCP tools.
func (s *MCPServer) registerTools() {
	s.inner.AddTool(mcp.NewTool("task_create",
		mcp.WithDescription("Create an automatable task. The execution_config JSON document depends on the task type."),
		mcp.WithNumber("user_id",
			mcp.Required(),
			mcp.Description("Owner user id"),
		),
		mcp.WithString("task_type",
			mcp.Required(),
			mcp.Description("One of: browser_automation, api_call, ghl_action, notification, reminder, data_extraction, report_generation, custom"),
		),
		mcp.WithString("name",
			mcp.Description("Human-readable task name (optional)"),
		),
		mcp.WithString("execution_config",
			mcp.Description("JSON execution config for the task type"),
		),
		mcp.WithBoolean("assigned_to_bot",
			mcp.Description("Whether the scheduler may pick the task up automatically"),
		),
		mcp.WithString("scheduled_for",
			mcp.Description("RFC3339 time before which the scheduler will not run the task"),
		),
	), s.handleCreateTask)

	s.inner.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List tasks, optionally filtered by status"),
		mcp.WithString("status",
			mcp.Description("Filter: pending, queued, in_progress, completed, failed or cancelled"),
			mcp.Enum("pending", "queued", "in_progress", "completed", "failed", "cancelled"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Maximum number of tasks to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListTasks)

	s.inner.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Get task details including last result"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleGetTask)

	s.inner.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Execute a task now and return the outcome"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleRunTask)

	s.inner.AddTool(mcp.NewTool("task_cancel",
		mcp.WithDescription("Cancel a task that has not yet completed"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
	), s.handleCancelTask)

	s.inner.AddTool(mcp.NewTool("task_executions",
		mcp.WithDescription("List execution attempts of a task"),
		mcp.WithNumber("task_id",
			mcp.Required(),
			mcp.Description("Task id"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of attempts to return, default 20"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleListExecutions)

	s.logger.Info("MCP tools registered", "count", 6)
}

// handleCreateTask handles the task_create tool call.
func (s *MCPServer) handleCreateTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	userID := int64(mcp.ParseFloat64(request, "user_id", 0))
	if userID <= 0 {
		return mcp.NewToolResultError("user_id is required"), nil
	}
	taskType := core.TaskType(mcp.ParseString(request, "task_type", ""))
	if taskType == "" {
		return mcp.NewToolResultError("task_type is required"), nil
	}

	task := &core.Task{
		UserID:        userID,
		TaskType:      taskType,
		Status:        core.TaskStatusPending,
		AssignedToBot: mcp.ParseBoolean(request, "assigned_to_bot", false),
	}

	name := mcp.ParseString(request, "name", "")
	if name != "" {
		task.Name = &name
	}

	configJSON := mcp.ParseString(request, "execution_config", "")
	if configJSON != "" {
		if err := json.Unmarshal([]byte(configJSON), &task.Config); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid execution_config: %v", err)), nil
		}
	}

	scheduledFor := mcp.ParseString(request, "scheduled_for", "")
	if scheduledFor != "" {
		t, err := time.Parse(time.RFC3339, scheduledFor)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("invalid scheduled_for: %v", err)), nil
		}
		task.ScheduledFor = &t
	}

	if err := core.ValidateConfig(task); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := s.store.InsertTask(ctx, task); err != nil {
		s.logger.Error("insert task", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to create task: %v", err)), nil
	}

	s.logger.Info("task created", "task_id", task.ID, "type", task.TaskType)

	return mcp.NewToolResultText(fmt.Sprintf("Task created\nID: %d\nType: %s\nStatus: %s",
		task.ID, task.TaskType, task.Status)), nil
}

// handleListTasks handles the task_list tool call.
func (s *MCPServer) handleListTasks(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	var statusFilter *core.TaskStatus
	if statusStr := mcp.ParseString(request, "status", ""); statusStr != "" {
		status := core.TaskStatus(statusStr)
		statusFilter = &status
	}
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	tasks, err := s.store.ListTasks(ctx, statusFilter, limit, 0)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}

	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	result := fmt.Sprintf("Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		result += fmt.Sprintf("#%d [%s] %s\n", t.ID, t.Status, t.TaskType)
		if t.Name != nil {
			result += fmt.Sprintf("  Name: %s\n", *t.Name)
		}
		if t.ScheduledFor != nil {
			result += fmt.Sprintf("  Scheduled for: %s\n", formatTime(t.ScheduledFor))
		}
		if t.LastError != nil {
			result += fmt.Sprintf("  Last error: %s\n", *t.LastError)
		}
		result += "\n"
	}

	return mcp.NewToolResultText(result), nil
}

// handleGetTask handles the task_get tool call.
func (s *MCPServer) handleGetTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := int64(mcp.ParseFloat64(request, "task_id", 0))

	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %d", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	result := fmt.Sprintf("Task #%d\n", task.ID)
	if task.Name != nil {
		result += fmt.Sprintf("Name: %s\n", *task.Name)
	}
	result += fmt.Sprintf("Type: %s\n", task.TaskType)
	result += fmt.Sprintf("Status: %s\n", task.Status)
	result += fmt.Sprintf("Attempts: %d of %d\n", task.ErrorCount, task.MaxRetries)
	if task.StatusReason != nil {
		result += fmt.Sprintf("Status reason: %s\n", *task.StatusReason)
	}
	if task.LastError != nil {
		result += fmt.Sprintf("Last error: %s\n", *task.LastError)
	}
	if task.ScheduledFor != nil {
		result += fmt.Sprintf("Scheduled for: %s\n", formatTime(task.ScheduledFor))
	}
	if task.CompletedAt != nil {
		result += fmt.Sprintf("Completed: %s\n", formatTime(task.CompletedAt))
	}
	if task.ResultSummary != nil {
		result += fmt.Sprintf("Result: %s\n", *task.ResultSummary)
	}
	result += fmt.Sprintf("Created: %s\n", formatTime(&task.CreatedAt))

	return mcp.NewToolResultText(result), nil
}

// handleRunTask handles the task_run tool call.
func (s *MCPServer) handleRunTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := int64(mcp.ParseFloat64(request, "task_id", 0))

	result := s.executor.ExecuteTask(ctx, taskID, "mcp")
	if !result.Success {
		return mcp.NewToolResultError(fmt.Sprintf("execution failed: %s", result.Error)), nil
	}

	text := fmt.Sprintf("Task executed\nTask ID: %d\nExecution ID: %d\nDuration: %d ms",
		result.TaskID, result.ExecutionID, result.DurationMs)
	if len(result.Output) > 0 {
		text += fmt.Sprintf("\nOutput: %s", truncateString(string(result.Output), 500))
	}
	return mcp.NewToolResultText(text), nil
}

// handleCancelTask handles the task_cancel tool call.
func (s *MCPServer) handleCancelTask(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := int64(mcp.ParseFloat64(request, "task_id", 0))

	if _, err := s.store.GetTask(ctx, taskID); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("task not found: %d", taskID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err)), nil
	}

	if err := s.store.CancelTask(ctx, taskID, "cancelled via mcp"); err != nil {
		if errors.Is(err, core.ErrTaskConflict) {
			return mcp.NewToolResultError("task already reached a terminal state"), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to cancel task: %v", err)), nil
	}

	return mcp.NewToolResultText(fmt.Sprintf("Task cancelled: %d", taskID)), nil
}

// handleListExecutions handles the task_executions tool call.
func (s *MCPServer) handleListExecutions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	taskID := int64(mcp.ParseFloat64(request, "task_id", 0))
	limit := int(mcp.ParseFloat64(request, "limit", 20))

	execs, err := s.store.ListExecutions(ctx, taskID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list executions: %v", err)), nil
	}

	if len(execs) == 0 {
		return mcp.NewToolResultText("No executions recorded for this task"), nil
	}

	result := fmt.Sprintf("Found %d executions:\n\n", len(execs))
	for _, e := range execs {
		result += fmt.Sprintf("Execution #%d [%s]\n", e.ID, e.Status)
		result += fmt.Sprintf("  Attempt: %d, triggered by %s\n", e.AttemptNumber, e.TriggeredBy)
		result += fmt.Sprintf("  Started: %s\n", formatTime(&e.StartedAt))
		if e.DurationMs != nil {
			result += fmt.Sprintf("  Duration: %d ms\n", *e.DurationMs)
		}
		if e.Error != nil {
			result += fmt.Sprintf("  Error: %s\n", *e.Error)
		}
		if e.DebugURL != nil {
			result += fmt.Sprintf("  Debug URL: %s\n", *e.DebugURL)
		}
		result += "\n"
	}

	return mcp.NewToolResultText(result), nil
}

// Helper functions

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02 15:04:05")
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

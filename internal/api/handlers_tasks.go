package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"taskpilot/internal/core"

	"github.com/go-chi/chi/v5"
)

type createTaskRequest struct {
	UserID              int64                 `json:"user_id"`
	ProjectID           *int64                `json:"project_id"`
	Name                *string               `json:"name"`
	TaskType            string                `json:"task_type"`
	ExecutionConfig     *core.ExecutionConfig `json:"execution_config"`
	MaxRetries          *int                  `json:"max_retries"`
	AssignedToBot       bool                  `json:"assigned_to_bot"`
	RequiresHumanReview bool                  `json:"requires_human_review"`
	NotifyOnComplete    bool                  `json:"notify_on_complete"`
	NotifyOnFailure     bool                  `json:"notify_on_failure"`
	ScheduledFor        *time.Time            `json:"scheduled_for"`
	SourceWebhookID     *int64                `json:"source_webhook_id"`
	ConversationID      *string               `json:"conversation_id"`
}

type updateTaskRequest struct {
	Name                *string               `json:"name"`
	TaskType            *string               `json:"task_type"`
	ExecutionConfig     *core.ExecutionConfig `json:"execution_config"`
	MaxRetries          *int                  `json:"max_retries"`
	AssignedToBot       *bool                 `json:"assigned_to_bot"`
	RequiresHumanReview *bool                 `json:"requires_human_review"`
	HumanReviewedBy     *int64                `json:"human_reviewed_by"`
	NotifyOnComplete    *bool                 `json:"notify_on_complete"`
	NotifyOnFailure     *bool                 `json:"notify_on_failure"`
	ScheduledFor        *time.Time            `json:"scheduled_for"`
}

type taskResponse struct {
	ID                  int64                `json:"id"`
	UserID              int64                `json:"user_id"`
	ProjectID           *int64               `json:"project_id,omitempty"`
	Name                *string              `json:"name,omitempty"`
	TaskType            string               `json:"task_type"`
	ExecutionConfig     core.ExecutionConfig `json:"execution_config"`
	Status              string               `json:"status"`
	ErrorCount          int                  `json:"error_count"`
	MaxRetries          int                  `json:"max_retries"`
	LastError           *string              `json:"last_error,omitempty"`
	StatusReason        *string              `json:"status_reason,omitempty"`
	AssignedToBot       bool                 `json:"assigned_to_bot"`
	RequiresHumanReview bool                 `json:"requires_human_review"`
	HumanReviewedBy     *int64               `json:"human_reviewed_by,omitempty"`
	NotifyOnComplete    bool                 `json:"notify_on_complete"`
	NotifyOnFailure     bool                 `json:"notify_on_failure"`
	ScheduledFor        *string              `json:"scheduled_for,omitempty"`
	StartedAt           *string              `json:"started_at,omitempty"`
	CompletedAt         *string              `json:"completed_at,omitempty"`
	SourceWebhookID     *int64               `json:"source_webhook_id,omitempty"`
	ConversationID      *string              `json:"conversation_id,omitempty"`
	Result              json.RawMessage      `json:"result,omitempty"`
	ResultSummary       *string              `json:"result_summary,omitempty"`
	CreatedAt           string               `json:"created_at"`
	UpdatedAt           string               `json:"updated_at"`
}

var validTaskTypes = map[core.TaskType]bool{
	core.TaskTypeBrowserAutomation: true,
	core.TaskTypeAPICall:           true,
	core.TaskTypeGHLAction:         true,
	core.TaskTypeNotification:      true,
	core.TaskTypeReminder:          true,
	core.TaskTypeDataExtraction:    true,
	core.TaskTypeReportGeneration:  true,
	core.TaskTypeCustom:            true,
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.UserID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "user_id is required")
		return
	}
	taskType := core.TaskType(strings.TrimSpace(req.TaskType))
	if taskType == "" {
		writeError(w, http.StatusBadRequest, "invalid_input", "task_type is required")
		return
	}
	if !validTaskTypes[taskType] {
		writeError(w, http.StatusBadRequest, "invalid_input", "unknown task_type "+string(taskType))
		return
	}
	if req.MaxRetries != nil && *req.MaxRetries < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "max_retries must be non-negative")
		return
	}

	task := &core.Task{
		UserID:              req.UserID,
		ProjectID:           req.ProjectID,
		Name:                trimmedPtr(req.Name),
		TaskType:            taskType,
		Status:              core.TaskStatusPending,
		AssignedToBot:       req.AssignedToBot,
		RequiresHumanReview: req.RequiresHumanReview,
		NotifyOnComplete:    req.NotifyOnComplete,
		NotifyOnFailure:     req.NotifyOnFailure,
		ScheduledFor:        req.ScheduledFor,
		SourceWebhookID:     req.SourceWebhookID,
		ConversationID:      req.ConversationID,
	}
	if req.ExecutionConfig != nil {
		task.Config = *req.ExecutionConfig
	}
	if req.MaxRetries != nil && *req.MaxRetries > 0 {
		task.MaxRetries = *req.MaxRetries
	}

	// Reject obviously broken configs at creation time rather than at the
	// first execution attempt.
	if err := core.ValidateConfig(task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}

	if err := s.store.InsertTask(r.Context(), task); err != nil {
		s.logger.Error("insert task", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to insert task")
		return
	}

	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	var statusFilter *core.TaskStatus
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		st := core.TaskStatus(status)
		switch st {
		case core.TaskStatusPending, core.TaskStatusQueued, core.TaskStatusInProgress,
			core.TaskStatusCompleted, core.TaskStatusFailed, core.TaskStatusCancelled:
			statusFilter = &st
		default:
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown status filter")
			return
		}
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), 50)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

	tasks, err := s.store.ListTasks(r.Context(), statusFilter, limit, offset)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tasks")
		return
	}
	res := make([]taskResponse, 0, len(tasks))
	for _, t := range tasks {
		res = append(res, taskToResponse(t))
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, chi.URLParam(r, "taskID"))
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleUpdateTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, chi.URLParam(r, "taskID"))
	if !ok {
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for update", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	if task.Status.Terminal() {
		writeError(w, http.StatusConflict, "conflict", "task is in a terminal state")
		return
	}

	var req updateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid JSON payload")
		return
	}

	if req.Name != nil {
		task.Name = trimmedPtr(req.Name)
	}
	if req.TaskType != nil {
		taskType := core.TaskType(strings.TrimSpace(*req.TaskType))
		if !validTaskTypes[taskType] {
			writeError(w, http.StatusBadRequest, "invalid_input", "unknown task_type "+string(taskType))
			return
		}
		task.TaskType = taskType
	}
	if req.ExecutionConfig != nil {
		task.Config = *req.ExecutionConfig
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			writeError(w, http.StatusBadRequest, "invalid_input", "max_retries must be non-negative")
			return
		}
		task.MaxRetries = *req.MaxRetries
	}
	if req.AssignedToBot != nil {
		task.AssignedToBot = *req.AssignedToBot
	}
	if req.RequiresHumanReview != nil {
		task.RequiresHumanReview = *req.RequiresHumanReview
	}
	if req.HumanReviewedBy != nil {
		task.HumanReviewedBy = req.HumanReviewedBy
	}
	if req.NotifyOnComplete != nil {
		task.NotifyOnComplete = *req.NotifyOnComplete
	}
	if req.NotifyOnFailure != nil {
		task.NotifyOnFailure = *req.NotifyOnFailure
	}
	if req.ScheduledFor != nil {
		task.ScheduledFor = req.ScheduledFor
	}

	if err := core.ValidateConfig(task); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_config", err.Error())
		return
	}

	if err := s.store.UpdateTask(r.Context(), task); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
			return
		}
		s.logger.Error("update task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update task")
		return
	}

	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, chi.URLParam(r, "taskID"))
	if !ok {
		return
	}
	if err := s.store.DeleteTask(r.Context(), taskID); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("delete task", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete task")
		}
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunTask executes the task synchronously and returns the outcome.
// Precondition failures (terminal task, pending review) come back as a
// non-success result with the reason, not as an HTTP error.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, chi.URLParam(r, "taskID"))
	if !ok {
		return
	}
	result := s.executor.ExecuteTask(r.Context(), taskID, "manual")
	if !result.Success && result.Error == "Task not found" {
		writeError(w, http.StatusNotFound, "not_found", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, chi.URLParam(r, "taskID"))
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for cancel", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}
	if err := s.store.CancelTask(r.Context(), taskID, "cancelled by user"); err != nil {
		if errors.Is(err, core.ErrTaskConflict) {
			writeError(w, http.StatusConflict, "conflict", "task already reached a terminal state")
			return
		}
		s.logger.Error("cancel task", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to cancel task")
		return
	}
	task, err := s.store.GetTask(r.Context(), taskID)
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": string(core.TaskStatusCancelled)})
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleSchedulerRun(w http.ResponseWriter, r *http.Request) {
	result, err := s.scheduler.ProcessPendingTasks(r.Context())
	if err != nil {
		s.logger.Error("manual scheduler pass", "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "scheduler pass failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func taskToResponse(task *core.Task) taskResponse {
	return taskResponse{
		ID:                  task.ID,
		UserID:              task.UserID,
		ProjectID:           task.ProjectID,
		Name:                task.Name,
		TaskType:            string(task.TaskType),
		ExecutionConfig:     task.Config,
		Status:              string(task.Status),
		ErrorCount:          task.ErrorCount,
		MaxRetries:          task.MaxRetries,
		LastError:           task.LastError,
		StatusReason:        task.StatusReason,
		AssignedToBot:       task.AssignedToBot,
		RequiresHumanReview: task.RequiresHumanReview,
		HumanReviewedBy:     task.HumanReviewedBy,
		NotifyOnComplete:    task.NotifyOnComplete,
		NotifyOnFailure:     task.NotifyOnFailure,
		ScheduledFor:        formatTimePtr(task.ScheduledFor),
		StartedAt:           formatTimePtr(task.StartedAt),
		CompletedAt:         formatTimePtr(task.CompletedAt),
		SourceWebhookID:     task.SourceWebhookID,
		ConversationID:      task.ConversationID,
		Result:              task.Result,
		ResultSummary:       task.ResultSummary,
		CreatedAt:           task.CreatedAt.UTC().Format(time.RFC3339),
		UpdatedAt:           task.UpdatedAt.UTC().Format(time.RFC3339),
	}
}

func trimmedPtr(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.UTC().Format(time.RFC3339)
	return &formatted
}

func parseID(w http.ResponseWriter, raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid id")
		return 0, false
	}
	return id, true
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return def
	}
	return parsed
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	payload := map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	}
	writeJSON(w, status, payload)
}

package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"os"
	"time"

	"taskpilot/internal/core"

	"github.com/go-chi/chi/v5"
)

type executionResponse struct {
	ID               int64           `json:"id"`
	TaskID           int64           `json:"task_id"`
	TriggeredBy      string          `json:"triggered_by"`
	AttemptNumber    int             `json:"attempt_number"`
	Status           string          `json:"status"`
	Output           json.RawMessage `json:"output,omitempty"`
	Error            *string         `json:"error,omitempty"`
	DurationMs       *int64          `json:"duration_ms,omitempty"`
	Screenshots      []string        `json:"screenshots,omitempty"`
	BrowserSessionID *string         `json:"browser_session_id,omitempty"`
	DebugURL         *string         `json:"debug_url,omitempty"`
	StartedAt        string          `json:"started_at"`
	CompletedAt      *string         `json:"completed_at,omitempty"`
}

func (s *Server) handleListExecutions(w http.ResponseWriter, r *http.Request) {
	taskID, ok := parseID(w, chi.URLParam(r, "taskID"))
	if !ok {
		return
	}
	if _, err := s.store.GetTask(r.Context(), taskID); err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "task not found")
		} else {
			s.logger.Error("get task for executions list", "task_id", taskID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load task")
		}
		return
	}

	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	execs, err := s.store.ListExecutions(r.Context(), taskID, limit, offset)
	if err != nil {
		s.logger.Error("list executions", "task_id", taskID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list executions")
		return
	}

	resp := make([]executionResponse, 0, len(execs))
	for _, exec := range execs {
		resp = append(resp, executionToResponse(exec))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetExecution(w http.ResponseWriter, r *http.Request) {
	execID, ok := parseID(w, chi.URLParam(r, "executionID"))
	if !ok {
		return
	}
	exec, err := s.store.GetExecution(r.Context(), execID)
	if err != nil {
		if errors.Is(err, core.ErrExecutionNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "execution not found")
		} else {
			s.logger.Error("get execution", "execution_id", execID, "err", err)
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to load execution")
		}
		return
	}
	writeJSON(w, http.StatusOK, executionToResponse(exec))
}

func (s *Server) handleGetScreenshot(w http.ResponseWriter, r *http.Request) {
	execID, ok := parseID(w, chi.URLParam(r, "executionID"))
	if !ok {
		return
	}
	stepIndex := parseIntDefault(chi.URLParam(r, "stepIndex"), -1)
	if stepIndex < 0 {
		writeError(w, http.StatusBadRequest, "invalid_input", "invalid step index")
		return
	}
	path := s.store.ScreenshotPath(execID, stepIndex)
	if _, err := os.Stat(path); err != nil {
		writeError(w, http.StatusNotFound, "not_found", "screenshot not found")
		return
	}
	w.Header().Set("Content-Type", "image/png")
	http.ServeFile(w, r, path)
}

func (s *Server) handleBreakerHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"breakers": s.breakers.Snapshots(),
	})
}

func executionToResponse(exec *core.TaskExecution) executionResponse {
	resp := executionResponse{
		ID:               exec.ID,
		TaskID:           exec.TaskID,
		TriggeredBy:      exec.TriggeredBy,
		AttemptNumber:    exec.AttemptNumber,
		Status:           string(exec.Status),
		Output:           exec.Output,
		Error:            exec.Error,
		DurationMs:       exec.DurationMs,
		Screenshots:      exec.Screenshots,
		BrowserSessionID: exec.BrowserSessionID,
		DebugURL:         exec.DebugURL,
		StartedAt:        exec.StartedAt.UTC().Format(time.RFC3339),
	}
	resp.CompletedAt = formatTimePtr(exec.CompletedAt)
	return resp
}

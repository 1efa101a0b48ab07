package core

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError marks a task configuration that does not match the shape
// required by its type. Validation failures never create execution records
// and are never retried.
type ValidationError struct {
	TaskType TaskType
	Reason   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid config for %s task: %s", e.TaskType, e.Reason)
}

func invalid(taskType TaskType, format string, args ...any) error {
	return &ValidationError{TaskType: taskType, Reason: fmt.Sprintf(format, args...)}
}

// ValidateConfig checks the execution config against the shape required by
// the task's type. Unrecognized types are accepted: they fall through to the
// trivial custom handler.
func ValidateConfig(task *Task) error {
	cfg := &task.Config
	switch task.TaskType {
	case TaskTypeBrowserAutomation, TaskTypeDataExtraction:
		if len(cfg.Steps()) == 0 {
			return invalid(task.TaskType, "automationSteps or browserActions is required")
		}
	case TaskTypeAPICall:
		if strings.TrimSpace(cfg.APIEndpoint) == "" {
			return invalid(task.TaskType, "apiEndpoint is required")
		}
		parsed, err := url.Parse(cfg.APIEndpoint)
		if err != nil || parsed.Host == "" || (parsed.Scheme != "http" && parsed.Scheme != "https") {
			return invalid(task.TaskType, "apiEndpoint %q is not a valid http(s) URL", cfg.APIEndpoint)
		}
	case TaskTypeGHLAction:
		if strings.TrimSpace(cfg.GHLAction) == "" {
			return invalid(task.TaskType, "ghlAction is required")
		}
	case TaskTypeNotification:
		if strings.TrimSpace(cfg.Message) == "" {
			return invalid(task.TaskType, "message is required")
		}
	case TaskTypeReminder:
		if cfg.ReminderTime == nil {
			return invalid(task.TaskType, "reminderTime is required")
		}
	case TaskTypeReportGeneration:
		switch cfg.ReportType {
		case ReportTaskSummary, ReportExecutionStats, ReportWebhookActivity:
		case "":
			return invalid(task.TaskType, "reportType is required")
		default:
			return invalid(task.TaskType, "unknown reportType %q", cfg.ReportType)
		}
	case TaskTypeCustom:
		// No required shape.
	default:
		// Unrecognized types route to the trivial custom handler.
	}
	return nil
}

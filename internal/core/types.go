package core

import (
	"encoding/json"
	"time"

	"taskpilot/internal/browser"
)

// TaskType determines which executor strategy handles a task and which
// fields of its execution config are required.
type TaskType string

const (
	TaskTypeBrowserAutomation TaskType = "browser_automation"
	TaskTypeAPICall           TaskType = "api_call"
	TaskTypeGHLAction         TaskType = "ghl_action"
	TaskTypeNotification      TaskType = "notification"
	TaskTypeReminder          TaskType = "reminder"
	TaskTypeDataExtraction    TaskType = "data_extraction"
	TaskTypeReportGeneration  TaskType = "report_generation"
	TaskTypeCustom            TaskType = "custom"
)

// TaskStatus describes the lifecycle state of a task.
type TaskStatus string

const (
	TaskStatusPending    TaskStatus = "pending"
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusInProgress TaskStatus = "in_progress"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
	TaskStatusCancelled  TaskStatus = "cancelled"
)

// Terminal reports whether the status forbids further execution.
func (s TaskStatus) Terminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusCancelled
}

// ExecutionStatus describes the state of an individual execution attempt.
type ExecutionStatus string

const (
	ExecutionStatusRunning ExecutionStatus = "running"
	ExecutionStatusSuccess ExecutionStatus = "success"
	ExecutionStatusFailed  ExecutionStatus = "failed"
)

// AuthType selects how an outbound API call authenticates.
type AuthType string

const (
	AuthTypeBearer AuthType = "bearer"
	AuthTypeAPIKey AuthType = "api_key"
	AuthTypeBasic  AuthType = "basic"
)

// ReportType selects which aggregation a report_generation task produces.
type ReportType string

const (
	ReportTaskSummary     ReportType = "task_summary"
	ReportExecutionStats  ReportType = "execution_stats"
	ReportWebhookActivity ReportType = "webhook_activity"
)

// ExecutionConfig is the per-type task configuration. It is stored as a JSON
// document; which fields are required depends on the task's type (see
// ValidateConfig).
type ExecutionConfig struct {
	// browser_automation / data_extraction
	AutomationSteps []browser.Step `json:"automationSteps,omitempty"`
	BrowserActions  []browser.Step `json:"browserActions,omitempty"`
	StartURL        string         `json:"startUrl,omitempty"`

	// api_call
	APIEndpoint    string            `json:"apiEndpoint,omitempty"`
	APIMethod      string            `json:"apiMethod,omitempty"`
	APIPayload     json.RawMessage   `json:"apiPayload,omitempty"`
	AuthType       AuthType          `json:"authType,omitempty"`
	AuthToken      string            `json:"authToken,omitempty"`
	APIKeyHeader   string            `json:"apiKeyHeader,omitempty"`
	CustomHeaders  map[string]string `json:"customHeaders,omitempty"`
	TimeoutSeconds int               `json:"timeoutSeconds,omitempty"`

	// ghl_action
	GHLAction string          `json:"ghlAction,omitempty"`
	GHLParams json.RawMessage `json:"ghlParams,omitempty"`

	// notification / reminder
	Message      string     `json:"message,omitempty"`
	Recipient    string     `json:"recipient,omitempty"`
	ReminderTime *time.Time `json:"reminderTime,omitempty"`

	// report_generation
	ReportType    ReportType `json:"reportType,omitempty"`
	DateFrom      *time.Time `json:"dateFrom,omitempty"`
	DateTo        *time.Time `json:"dateTo,omitempty"`
	NotifySummary bool       `json:"notifySummary,omitempty"`
}

// Steps returns the automation steps, accepting either config key.
func (c *ExecutionConfig) Steps() []browser.Step {
	if len(c.AutomationSteps) > 0 {
		return c.AutomationSteps
	}
	return c.BrowserActions
}

// Task is a persisted, user-defined unit of automatable work.
type Task struct {
	ID        int64
	UserID    int64
	ProjectID *int64
	Name      *string
	TaskType  TaskType
	Config    ExecutionConfig

	Status       TaskStatus
	ErrorCount   int
	MaxRetries   int
	LastError    *string
	StatusReason *string

	AssignedToBot       bool
	RequiresHumanReview bool
	HumanReviewedBy     *int64
	NotifyOnComplete    bool
	NotifyOnFailure     bool

	ScheduledFor *time.Time
	StartedAt    *time.Time
	CompletedAt  *time.Time

	SourceWebhookID *int64
	ConversationID  *string

	Result        json.RawMessage
	ResultSummary *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TaskExecution is one attempt record, immutable once terminal.
type TaskExecution struct {
	ID            int64
	TaskID        int64
	TriggeredBy   string
	AttemptNumber int
	Status        ExecutionStatus

	Output      json.RawMessage
	Error       *string
	DurationMs  *int64
	Screenshots []string

	// Side-channel fields populated mid-execution for browser automation.
	BrowserSessionID *string
	DebugURL         *string

	StartedAt   time.Time
	CompletedAt *time.Time
	CreatedAt   time.Time
}

// Webhook is an inbound trigger channel that may also carry outbound
// delivery settings.
type Webhook struct {
	ID              int64
	UserID          int64
	Name            string
	OutboundEnabled bool
	Recipient       *string
	CreatedAt       time.Time
}

// MessageType labels an outbound queue entry.
type MessageType string

const (
	MessageTypeNotification MessageType = "notification"
	MessageTypeReminder     MessageType = "reminder"
	MessageTypeReport       MessageType = "report"
)

// Message is one entry in the outbound delivery queue. Actual delivery is
// handled outside this engine; entries start with status "pending".
type Message struct {
	ID             int64
	WebhookID      *int64
	UserID         int64
	TaskID         *int64
	ConversationID *string
	MessageType    MessageType
	Content        string
	Recipient      *string
	DeliveryStatus string
	ScheduledFor   *time.Time
	CreatedAt      time.Time
}

package core

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskpilot/internal/browser"
)

func TestValidateConfig(t *testing.T) {
	reminderTime := time.Now().Add(time.Hour)
	steps := []browser.Step{{Type: browser.StepNavigate, URL: "https://example.com"}}

	tests := []struct {
		name    string
		task    *Task
		wantErr string
	}{
		{
			name: "browser automation without steps",
			task: &Task{TaskType: TaskTypeBrowserAutomation},
			wantErr: "automationSteps or browserActions is required",
		},
		{
			name: "browser automation with automationSteps",
			task: &Task{TaskType: TaskTypeBrowserAutomation, Config: ExecutionConfig{AutomationSteps: steps}},
		},
		{
			name: "data extraction accepts browserActions",
			task: &Task{TaskType: TaskTypeDataExtraction, Config: ExecutionConfig{BrowserActions: steps}},
		},
		{
			name:    "api call without endpoint",
			task:    &Task{TaskType: TaskTypeAPICall},
			wantErr: "apiEndpoint is required",
		},
		{
			name:    "api call with malformed endpoint",
			task:    &Task{TaskType: TaskTypeAPICall, Config: ExecutionConfig{APIEndpoint: "not-a-url"}},
			wantErr: "is not a valid http(s) URL",
		},
		{
			name:    "api call with ftp endpoint",
			task:    &Task{TaskType: TaskTypeAPICall, Config: ExecutionConfig{APIEndpoint: "ftp://example.com/x"}},
			wantErr: "is not a valid http(s) URL",
		},
		{
			name: "api call with https endpoint",
			task: &Task{TaskType: TaskTypeAPICall, Config: ExecutionConfig{APIEndpoint: "https://api.example.com/v1/things"}},
		},
		{
			name:    "ghl action missing action",
			task:    &Task{TaskType: TaskTypeGHLAction},
			wantErr: "ghlAction is required",
		},
		{
			name: "ghl action present",
			task: &Task{TaskType: TaskTypeGHLAction, Config: ExecutionConfig{GHLAction: "add_contact"}},
		},
		{
			name:    "notification without message",
			task:    &Task{TaskType: TaskTypeNotification},
			wantErr: "message is required",
		},
		{
			name: "notification with message",
			task: &Task{TaskType: TaskTypeNotification, Config: ExecutionConfig{Message: "hi"}},
		},
		{
			name:    "reminder without time",
			task:    &Task{TaskType: TaskTypeReminder, Config: ExecutionConfig{Message: "hi"}},
			wantErr: "reminderTime is required",
		},
		{
			name: "reminder with time",
			task: &Task{TaskType: TaskTypeReminder, Config: ExecutionConfig{Message: "hi", ReminderTime: &reminderTime}},
		},
		{
			name:    "report without type",
			task:    &Task{TaskType: TaskTypeReportGeneration},
			wantErr: "reportType is required",
		},
		{
			name:    "report with unknown type",
			task:    &Task{TaskType: TaskTypeReportGeneration, Config: ExecutionConfig{ReportType: "bogus"}},
			wantErr: `unknown reportType "bogus"`,
		},
		{
			name: "report with valid type",
			task: &Task{TaskType: TaskTypeReportGeneration, Config: ExecutionConfig{ReportType: ReportExecutionStats}},
		},
		{
			name: "custom needs nothing",
			task: &Task{TaskType: TaskTypeCustom},
		},
		{
			name: "unknown type accepted",
			task: &Task{TaskType: TaskType("someday_maybe")},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateConfig(tt.task)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)

			var valErr *ValidationError
			require.ErrorAs(t, err, &valErr)
			assert.Equal(t, tt.task.TaskType, valErr.TaskType)
		})
	}
}

func TestValidateConfigIsIdempotent(t *testing.T) {
	task := &Task{TaskType: TaskTypeAPICall}
	first := ValidateConfig(task)
	second := ValidateConfig(task)
	require.Error(t, first)
	require.Error(t, second)
	assert.Equal(t, first.Error(), second.Error())
}

func TestConfigStepsPrefersAutomationSteps(t *testing.T) {
	cfg := ExecutionConfig{
		AutomationSteps: []browser.Step{{Type: browser.StepNavigate}},
		BrowserActions:  []browser.Step{{Type: browser.StepClick}, {Type: browser.StepTypeText}},
	}
	assert.Len(t, cfg.Steps(), 1)

	cfg.AutomationSteps = nil
	assert.Len(t, cfg.Steps(), 2)
}

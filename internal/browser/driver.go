package browser

import (
	"context"
	"time"
)

// StepType identifies one kind of automation step.
type StepType string

const (
	StepNavigate   StepType = "navigate"
	StepClick      StepType = "click"
	StepTypeText   StepType = "type"
	StepExtract    StepType = "extract"
	StepWait       StepType = "wait"
	StepScreenshot StepType = "screenshot"
)

// Step is one ordered automation instruction. Which fields are meaningful
// depends on Type: navigate uses URL, click uses Selector or Instruction,
// type uses Selector and Value, extract uses Instruction, wait uses
// DurationMs.
type Step struct {
	Type            StepType `json:"type"`
	URL             string   `json:"url,omitempty"`
	Selector        string   `json:"selector,omitempty"`
	Instruction     string   `json:"instruction,omitempty"`
	Value           string   `json:"value,omitempty"`
	DurationMs      int      `json:"durationMs,omitempty"`
	ContinueOnError bool     `json:"continueOnError,omitempty"`
	Screenshot      bool     `json:"screenshot,omitempty"`
}

// StepResult records the outcome of a single step.
type StepResult struct {
	Index      int      `json:"index"`
	Type       StepType `json:"type"`
	Success    bool     `json:"success"`
	Data       any      `json:"data,omitempty"`
	Error      string   `json:"error,omitempty"`
	Screenshot string   `json:"screenshot,omitempty"`
}

// Session identifies a live remote browser session.
type Session struct {
	ID       string
	DebugURL string
}

// SessionConfig carries options for creating a remote session.
type SessionConfig struct {
	ProjectID string
	StartURL  string
	Timeout   time.Duration
}

// Controller issues instructions against an attached session.
type Controller interface {
	Run(ctx context.Context, step Step) (*StepResult, error)
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// Driver is the external browser automation capability. The engine treats it
// as an opaque remote actor reachable through a session handle.
type Driver interface {
	CreateSession(ctx context.Context, cfg SessionConfig) (*Session, error)
	Attach(ctx context.Context, sessionID string) (Controller, error)
	ReleaseSession(ctx context.Context, sessionID string) error
}

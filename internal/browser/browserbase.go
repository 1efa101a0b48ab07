package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"taskpilot/internal/resilience"
)

// RemoteDriver talks to a Browserbase-style session API for the session
// lifecycle and to a companion automation endpoint for instructions.
type RemoteDriver struct {
	baseURL       string
	automationURL string
	apiKey        string
	projectID     string
	client        *http.Client
}

// NewRemoteDriver creates a driver for a remote browser provider.
func NewRemoteDriver(baseURL, automationURL, apiKey, projectID string, client *http.Client) (*RemoteDriver, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("browser base url is empty")
	}
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	return &RemoteDriver{
		baseURL:       strings.TrimSuffix(baseURL, "/"),
		automationURL: strings.TrimSuffix(automationURL, "/"),
		apiKey:        apiKey,
		projectID:     projectID,
		client:        client,
	}, nil
}

type createSessionRequest struct {
	ProjectID string `json:"projectId"`
}

type createSessionResponse struct {
	ID string `json:"id"`
}

type debugResponse struct {
	DebuggerURL string `json:"debuggerFullscreenUrl"`
}

// CreateSession starts a remote session and resolves its debug handle.
func (d *RemoteDriver) CreateSession(ctx context.Context, cfg SessionConfig) (*Session, error) {
	projectID := cfg.ProjectID
	if projectID == "" {
		projectID = d.projectID
	}
	var created createSessionResponse
	if err := d.call(ctx, http.MethodPost, d.baseURL+"/sessions", createSessionRequest{ProjectID: projectID}, &created); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	session := &Session{ID: created.ID}

	var debug debugResponse
	if err := d.call(ctx, http.MethodGet, d.baseURL+"/sessions/"+created.ID+"/debug", nil, &debug); err == nil {
		session.DebugURL = debug.DebuggerURL
	}
	return session, nil
}

// Attach returns a controller that relays steps to the automation endpoint.
func (d *RemoteDriver) Attach(ctx context.Context, sessionID string) (Controller, error) {
	if d.automationURL == "" {
		return nil, fmt.Errorf("automation endpoint is not configured")
	}
	return &remoteController{driver: d, sessionID: sessionID}, nil
}

// ReleaseSession asks the provider to release the session.
func (d *RemoteDriver) ReleaseSession(ctx context.Context, sessionID string) error {
	body := map[string]string{"status": "REQUEST_RELEASE"}
	if err := d.call(ctx, http.MethodPost, d.baseURL+"/sessions/"+sessionID, body, nil); err != nil {
		return fmt.Errorf("release session: %w", err)
	}
	return nil
}

func (d *RemoteDriver) call(ctx context.Context, method, url string, payload, out any) error {
	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if d.apiKey != "" {
		req.Header.Set("X-BB-API-Key", d.apiKey)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &resilience.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

type remoteController struct {
	driver    *RemoteDriver
	sessionID string
}

type actRequest struct {
	SessionID   string `json:"sessionId"`
	Action      string `json:"action"`
	URL         string `json:"url,omitempty"`
	Selector    string `json:"selector,omitempty"`
	Instruction string `json:"instruction,omitempty"`
	Value       string `json:"value,omitempty"`
}

type actResponse struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (c *remoteController) Run(ctx context.Context, step Step) (*StepResult, error) {
	req := actRequest{
		SessionID:   c.sessionID,
		Action:      string(step.Type),
		URL:         step.URL,
		Selector:    step.Selector,
		Instruction: step.Instruction,
		Value:       step.Value,
	}
	var resp actResponse
	if err := c.driver.call(ctx, http.MethodPost, c.driver.automationURL+"/act", req, &resp); err != nil {
		return nil, err
	}
	return &StepResult{Type: step.Type, Success: resp.Success, Data: resp.Data, Error: resp.Error}, nil
}

func (c *remoteController) Screenshot(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.driver.automationURL+"/screenshot", strings.NewReader(fmt.Sprintf(`{"sessionId":%q}`, c.sessionID)))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.driver.apiKey != "" {
		req.Header.Set("X-BB-API-Key", c.driver.apiKey)
	}
	resp, err := c.driver.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &resilience.StatusError{Code: resp.StatusCode}
	}
	return io.ReadAll(io.LimitReader(resp.Body, 8<<20))
}

// Close is a no-op for the remote controller: the session itself is released
// separately by the runner.
func (c *remoteController) Close() error {
	return nil
}

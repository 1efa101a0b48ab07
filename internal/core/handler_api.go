package core

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"taskpilot/internal/resilience"
)

type apiCallOutcome struct {
	status int
	body   []byte
}

// executeAPICall performs the outbound HTTP request described by the task
// config. The circuit breaker is keyed by the endpoint host and wraps the
// retry loop, so an exhausted retry sequence counts once against the host.
func (e *Executor) executeAPICall(ctx context.Context, task *Task) (*handlerResult, error) {
	cfg := &task.Config

	method := strings.ToUpper(strings.TrimSpace(cfg.APIMethod))
	if method == "" {
		method = http.MethodGet
	}
	timeout := e.timeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	endpoint, err := url.Parse(cfg.APIEndpoint)
	if err != nil {
		return nil, fmt.Errorf("invalid API endpoint: %w", err)
	}
	breaker := e.breakers.Get(endpoint.Host)

	outcome, err := resilience.ExecuteResult(ctx, breaker, func(ctx context.Context) (*apiCallOutcome, error) {
		return resilience.RetryResult(ctx, e.retry, e.logger, func(ctx context.Context) (*apiCallOutcome, error) {
			return e.doAPIRequest(ctx, method, cfg, timeout)
		})
	})
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("API call returned status %d: %s", statusErr.Code, statusErr.Body)
		}
		if errors.Is(err, context.DeadlineExceeded) || isTimeout(err) {
			return nil, fmt.Errorf("API call timed out after %s", timeout)
		}
		return nil, fmt.Errorf("API call failed: %w", err)
	}

	output := map[string]any{
		"status": outcome.status,
		"data":   decodeBody(outcome.body),
	}
	return &handlerResult{
		Output:  output,
		Summary: fmt.Sprintf("API %s %s returned %d", method, cfg.APIEndpoint, outcome.status),
	}, nil
}

// doAPIRequest issues one attempt. A non-2xx response becomes a StatusError
// so the retry layer can classify it.
func (e *Executor) doAPIRequest(ctx context.Context, method string, cfg *ExecutionConfig, timeout time.Duration) (*apiCallOutcome, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if len(cfg.APIPayload) > 0 && hasRequestBody(method) {
		body = bytes.NewReader(cfg.APIPayload)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, cfg.APIEndpoint, body)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("build request: %w", err))
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	applyAuth(req, cfg)
	for k, v := range cfg.CustomHeaders {
		req.Header.Set(k, v)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &resilience.StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(data))}
	}
	return &apiCallOutcome{status: resp.StatusCode, body: data}, nil
}

func hasRequestBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

func applyAuth(req *http.Request, cfg *ExecutionConfig) {
	if cfg.AuthToken == "" {
		return
	}
	switch cfg.AuthType {
	case AuthTypeBearer:
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	case AuthTypeAPIKey:
		header := cfg.APIKeyHeader
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, cfg.AuthToken)
	case AuthTypeBasic:
		req.Header.Set("Authorization", "Basic "+base64.StdEncoding.EncodeToString([]byte(cfg.AuthToken)))
	}
}

// decodeBody returns parsed JSON when the body is JSON, the raw string
// otherwise.
func decodeBody(data []byte) any {
	if len(data) == 0 {
		return nil
	}
	var parsed any
	if err := json.Unmarshal(data, &parsed); err == nil {
		return parsed
	}
	return string(data)
}

func isTimeout(err error) bool {
	var timeoutErr interface{ Timeout() bool }
	if errors.As(err, &timeoutErr) {
		return timeoutErr.Timeout()
	}
	return strings.Contains(strings.ToLower(err.Error()), "timeout")
}

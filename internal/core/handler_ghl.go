package core

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"taskpilot/internal/resilience"
)

const ghlBreakerName = "gohighlevel"

// ghlEndpoint describes the REST call for one named GHL action.
type ghlEndpoint struct {
	method string
	path   string
}

// executeGHL maps a named CRM action to its GoHighLevel REST endpoint.
// Missing credentials and unknown action names are failures, not panics,
// and neither attempts an HTTP call.
func (e *Executor) executeGHL(ctx context.Context, task *Task) (*handlerResult, error) {
	if e.ghl.APIKey == "" {
		return nil, errors.New("GHL API key not configured")
	}

	action := strings.TrimSpace(task.Config.GHLAction)
	params := map[string]any{}
	if len(task.Config.GHLParams) > 0 {
		if err := json.Unmarshal(task.Config.GHLParams, &params); err != nil {
			return nil, fmt.Errorf("invalid ghlParams: %w", err)
		}
	}

	endpoint, err := resolveGHLEndpoint(action, params)
	if err != nil {
		return nil, err
	}

	breaker := e.breakers.Get(ghlBreakerName)
	outcome, err := resilience.ExecuteResult(ctx, breaker, func(ctx context.Context) (*apiCallOutcome, error) {
		return resilience.RetryResult(ctx, e.retry, e.logger, func(ctx context.Context) (*apiCallOutcome, error) {
			return e.doGHLRequest(ctx, endpoint, params)
		})
	})
	if err != nil {
		var statusErr *resilience.StatusError
		if errors.As(err, &statusErr) {
			return nil, fmt.Errorf("GHL %s returned status %d: %s", action, statusErr.Code, statusErr.Body)
		}
		return nil, fmt.Errorf("GHL %s failed: %w", action, err)
	}

	return &handlerResult{
		Output: map[string]any{
			"action": action,
			"status": outcome.status,
			"data":   decodeBody(outcome.body),
		},
		Summary: fmt.Sprintf("GHL %s completed", action),
	}, nil
}

// resolveGHLEndpoint maps an action name to method, path and validates the
// params it needs. Paths with a contact id require a contactId param.
func resolveGHLEndpoint(action string, params map[string]any) (*ghlEndpoint, error) {
	switch action {
	case "add_contact":
		return &ghlEndpoint{method: http.MethodPost, path: "/contacts/"}, nil
	case "send_sms":
		return &ghlEndpoint{method: http.MethodPost, path: "/conversations/messages"}, nil
	case "create_opportunity":
		return &ghlEndpoint{method: http.MethodPost, path: "/opportunities/"}, nil
	case "add_tag":
		contactID, err := requireParam(params, "contactId")
		if err != nil {
			return nil, err
		}
		return &ghlEndpoint{method: http.MethodPost, path: "/contacts/" + contactID + "/tags"}, nil
	case "update_contact":
		contactID, err := requireParam(params, "contactId")
		if err != nil {
			return nil, err
		}
		return &ghlEndpoint{method: http.MethodPut, path: "/contacts/" + contactID}, nil
	default:
		return nil, fmt.Errorf("Unknown GHL action: %s", action)
	}
}

func requireParam(params map[string]any, key string) (string, error) {
	value, ok := params[key].(string)
	if !ok || strings.TrimSpace(value) == "" {
		return "", fmt.Errorf("ghlParams.%s is required", key)
	}
	return value, nil
}

func (e *Executor) doGHLRequest(ctx context.Context, endpoint *ghlEndpoint, params map[string]any) (*apiCallOutcome, error) {
	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("encode payload: %w", err))
	}
	req, err := http.NewRequestWithContext(reqCtx, endpoint.method, strings.TrimSuffix(e.ghl.BaseURL, "/")+endpoint.path, bytes.NewReader(payload))
	if err != nil {
		return nil, resilience.Permanent(fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.ghl.APIKey)

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

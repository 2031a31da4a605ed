// Package sessionhost defines the client interface for the external LLM
// agent runtime (the "session host"). This is an out-of-scope external
// collaborator per SPEC_FULL.md §1: the core consumes these four
// operations and never executes model calls itself.
//
// Grounded on server/cursor/client.go's Client interface and
// clientImpl/doRequest retry-loop shape (maxRetries, retryBaseDelay,
// plain net/http with no HTTP-client library, matching the teacher's own
// choice to not pull in a third-party HTTP client).
package sessionhost

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

const (
	// DefaultTimeout bounds a single session-host RPC
	// (SPEC_FULL.md §5: "Session-host RPCs: 10-15s per call").
	DefaultTimeout = 15 * time.Second
	maxRetries     = 3
	retryBaseDelay = 1 * time.Second
)

// StartSessionRequest describes a new child session to launch.
type StartSessionRequest struct {
	SessionKey           string `json:"sessionKey"`
	Depth                int    `json:"depth"`
	Model                string `json:"model,omitempty"`
	ThinkingLevel        string `json:"thinkingLevel,omitempty"`
	SystemPromptAddition string `json:"systemPromptAddition,omitempty"`
	Task                 string `json:"task"`
	Deliver              bool   `json:"deliver"`
}

// StartSessionResponse carries the session host's assigned run id.
type StartSessionResponse struct {
	RunID      string `json:"runId"`
	SessionKey string `json:"sessionKey"`
}

// PatchSessionRequest updates an in-flight or about-to-start session.
type PatchSessionRequest struct {
	SessionKey    string `json:"sessionKey"`
	Depth         int    `json:"depth,omitempty"`
	Model         string `json:"model,omitempty"`
	ThinkingLevel string `json:"thinkingLevel,omitempty"`
}

// HistoryMessage is one message in a session's conversation history.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Logger allows the client to emit debug logging, matching the teacher's
// Logger interface in server/cursor/client.go.
type Logger interface {
	LogDebug(msg string, keyValuePairs ...any)
}

// Client is the session host's external interface. The core consumes
// these four operations and never executes model calls directly
// (SPEC_FULL.md §1).
type Client interface {
	StartSession(ctx context.Context, req StartSessionRequest) (*StartSessionResponse, error)
	PatchSession(ctx context.Context, req PatchSessionRequest) error
	SendToSession(ctx context.Context, sessionKey, message string) error
	FetchSessionHistory(ctx context.Context, sessionKey string) ([]HistoryMessage, error)
}

type httpClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     Logger
}

// ClientOption configures a Client constructed by NewHTTPClient.
type ClientOption func(*httpClient)

// WithLogger sets a debug logger on the client.
func WithLogger(logger Logger) ClientOption {
	return func(c *httpClient) { c.logger = logger }
}

// NewHTTPClient constructs an HTTP-backed session host client.
func NewHTTPClient(baseURL, apiKey string, opts ...ClientOption) Client {
	c := &httpClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *httpClient) logDebug(msg string, kv ...any) {
	if c.logger != nil {
		c.logger.LogDebug(msg, kv...)
	}
}

func (c *httpClient) StartSession(ctx context.Context, req StartSessionRequest) (*StartSessionResponse, error) {
	body, err := c.doRequest(ctx, http.MethodPost, "/v0/sessions", req)
	if err != nil {
		return nil, err
	}
	var resp StartSessionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, errors.Wrap(err, "failed to decode start session response")
	}
	return &resp, nil
}

func (c *httpClient) PatchSession(ctx context.Context, req PatchSessionRequest) error {
	_, err := c.doRequest(ctx, http.MethodPatch, "/v0/sessions/"+req.SessionKey, req)
	return err
}

func (c *httpClient) SendToSession(ctx context.Context, sessionKey, message string) error {
	_, err := c.doRequest(ctx, http.MethodPost, "/v0/sessions/"+sessionKey+"/messages", map[string]string{"content": message})
	return err
}

func (c *httpClient) FetchSessionHistory(ctx context.Context, sessionKey string) ([]HistoryMessage, error) {
	body, err := c.doRequest(ctx, http.MethodGet, "/v0/sessions/"+sessionKey+"/history", nil)
	if err != nil {
		return nil, err
	}
	var history []HistoryMessage
	if err := json.Unmarshal(body, &history); err != nil {
		return nil, errors.Wrap(err, "failed to decode session history")
	}
	return history, nil
}

// doRequest performs an HTTP request with retry logic for transient
// failures, retrying on 429 and 5xx up to maxRetries times. Mirrors
// server/cursor/client.go's doRequest loop.
func (c *httpClient) doRequest(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyBytes []byte
	if payload != nil {
		var err error
		bodyBytes, err = json.Marshal(payload)
		if err != nil {
			return nil, errors.Wrap(err, "failed to marshal request body")
		}
	}

	fullURL := c.baseURL + path
	c.logDebug("session host request", "method", method, "url", fullURL)

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(retryBaseDelay * time.Duration(attempt)):
			}
		}

		var reader io.Reader
		if bodyBytes != nil {
			reader = bytes.NewReader(bodyBytes)
		}
		httpReq, err := http.NewRequestWithContext(ctx, method, fullURL, reader)
		if err != nil {
			return nil, errors.Wrap(err, "failed to build request")
		}
		httpReq.Header.Set("Content-Type", "application/json")
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)

		resp, err := c.httpClient.Do(httpReq)
		if err != nil {
			lastErr = err
			continue
		}

		respBody, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			lastErr = err
			continue
		}

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("session host returned status %d: %s", resp.StatusCode, string(respBody))
			continue
		}
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("session host returned status %d: %s", resp.StatusCode, string(respBody))
		}

		return respBody, nil
	}

	return nil, errors.Wrap(lastErr, "session host request failed after retries")
}

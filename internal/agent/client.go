// Package agent implements the client for the external LLM delegate service.
package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// ErrDelegateUnavailable is returned for any transport, timeout or non-success
// response from the delegate.
var ErrDelegateUnavailable = errors.New("delegate unavailable")

const (
	statusError     = "error"
	maxResponseBody = 1 << 20
)

// Delegate generates a reply for a single user message.
type Delegate interface {
	Chat(ctx context.Context, message string) (*Reply, error)
}

// Reply is the delegate's answer to one message.
type Reply struct {
	Status   string `json:"status,omitempty"`
	Response string `json:"response"`
	Intent   string `json:"intent,omitempty"`
	Message  string `json:"message,omitempty"`
}

// HealthStatus is the delegate's answer to a health probe.
type HealthStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

type chatRequest struct {
	Message string `json:"message"`
}

// Client talks to the delegate over HTTP+JSON.
type Client struct {
	baseURL string
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a delegate client. Each call is bounded by timeout.
func NewClient(baseURL string, timeout time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{},
		timeout: timeout,
		logger:  logger,
	}
}

// Chat posts a message to the delegate's /chat endpoint. A single attempt is made.
func (c *Client) Chat(ctx context.Context, message string) (*Reply, error) {
	body, err := json.Marshal(chatRequest{Message: message})
	if err != nil {
		return nil, fmt.Errorf("marshal chat request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build chat request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	var reply Reply
	if err := c.do(req, &reply); err != nil {
		return nil, err
	}

	if reply.Status == statusError {
		return nil, fmt.Errorf("%w: %s", ErrDelegateUnavailable, reply.Message)
	}
	if strings.TrimSpace(reply.Response) == "" {
		return nil, fmt.Errorf("%w: empty response", ErrDelegateUnavailable)
	}

	c.logger.Debug("Delegate replied",
		"intent", reply.Intent,
		"duration_ms", time.Since(start).Milliseconds())
	return &reply, nil
}

// Health checks that the delegate is running.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return nil, fmt.Errorf("build health request: %w", err)
	}

	var status HealthStatus
	if err := c.do(req, &status); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	if status.Status == statusError {
		return &status, fmt.Errorf("health check failed: %w: %s", ErrDelegateUnavailable, status.Message)
	}
	return &status, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDelegateUnavailable, err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("failed to close delegate response body", "error", closeErr)
		}
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBody))
		return fmt.Errorf("%w: status %d", ErrDelegateUnavailable, resp.StatusCode)
	}

	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBody)).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrDelegateUnavailable, err)
	}
	return nil
}

var _ Delegate = (*Client)(nil)

// Package mgmt implements the management channel client: the loopback HTTP
// surface the outer orchestrator listens on for CLI log entries
// (POST /logs) and once-per-second streaming throughput samples
// (POST /metrics-logs).
package mgmt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/moosestack/moose-core/internal/telemetry"
)

// LogEntry is the /logs wire shape.
type LogEntry struct {
	MessageType string `json:"message_type"`
	Action      string `json:"action"`
	Message     string `json:"message"`
}

// MetricsEntry is the /metrics-logs wire shape.
type MetricsEntry struct {
	CountIn      float64 `json:"count_in"`
	CountOut     float64 `json:"count_out"`
	Bytes        int64   `json:"bytes"`
	FunctionName string  `json:"function_name"`
	Timestamp    string  `json:"timestamp"`
}

// Client posts to the management channel on 127.0.0.1:<port>.
type Client struct {
	baseURL string
	httpc   *http.Client
	logger  telemetry.Logger
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithLogger overrides the client's structured logger.
func WithLogger(l telemetry.Logger) ClientOption { return func(c *Client) { c.logger = l } }

// WithHTTPClient overrides the underlying HTTP client, chiefly for tests.
func WithHTTPClient(h *http.Client) ClientOption {
	return func(c *Client) {
		if h != nil {
			c.httpc = h
		}
	}
}

// WithBaseURL overrides the destination entirely, chiefly for tests driving
// an httptest.Server.
func WithBaseURL(u string) ClientOption { return func(c *Client) { c.baseURL = u } }

// NewClient builds a Client posting to the management port.
func NewClient(port int, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: fmt.Sprintf("http://127.0.0.1:%d", port),
		httpc:   &http.Client{Timeout: 2 * time.Second},
		logger:  telemetry.NewNoopLogger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// PostLog sends one CLI log entry to /logs.
func (c *Client) PostLog(ctx context.Context, e LogEntry) error {
	return c.post(ctx, "/logs", e)
}

// PostMetrics sends one throughput sample to /metrics-logs.
func (c *Client) PostMetrics(ctx context.Context, e MetricsEntry) error {
	return c.post(ctx, "/metrics-logs", e)
}

func (c *Client) post(ctx context.Context, path string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("mgmt: marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("mgmt: build %s request: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpc.Do(req)
	if err != nil {
		return fmt.Errorf("mgmt: post %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("mgmt: post %s: status %d", path, resp.StatusCode)
	}
	return nil
}

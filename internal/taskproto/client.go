package taskproto

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const defaultPollInterval = 250 * time.Millisecond

// Client speaks the task protocol to worker services over HTTP.
// Workers expose POST {endpoint}/tasks for submission,
// GET {endpoint}/tasks/{task_id} for polling pending tasks, and
// GET {endpoint}/health for liveness.
type Client struct {
	http         *http.Client
	pollInterval time.Duration
	logger       *slog.Logger
}

// NewClient creates a protocol client. The http.Client's own timeout is left
// unset; per-call deadlines come from the caller's context.
func NewClient(logger *slog.Logger) *Client {
	return &Client{
		http:         &http.Client{},
		pollInterval: defaultPollInterval,
		logger:       logger,
	}
}

// Send submits one task and blocks until a terminal response or ctx expiry.
// A pending response is polled on a fixed interval. Transport errors are
// returned as errors; protocol-level failure is a TaskResponse with a
// non-success status, which the protocol layer does not interpret.
func (c *Client) Send(ctx context.Context, endpoint string, req TaskRequest) (TaskResponse, error) {
	if err := req.Validate(); err != nil {
		return TaskResponse{}, err
	}

	body, err := json.Marshal(req)
	if err != nil {
		return TaskResponse{}, fmt.Errorf("taskproto: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/tasks", bytes.NewReader(body))
	if err != nil {
		return TaskResponse{}, fmt.Errorf("taskproto: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	// Propagate W3C trace context so worker spans join the run's trace.
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(httpReq.Header))

	resp, err := c.do(httpReq)
	if err != nil {
		return TaskResponse{}, err
	}

	for resp.Status == StatusPending {
		c.logger.Debug("taskproto: task pending, polling",
			"task_id", req.TaskID, "endpoint", endpoint)
		select {
		case <-ctx.Done():
			return TaskResponse{}, ctx.Err()
		case <-time.After(c.pollInterval):
		}
		resp, err = c.Poll(ctx, endpoint, req.TaskID)
		if err != nil {
			return TaskResponse{}, err
		}
	}

	if resp.TaskID != req.TaskID {
		return TaskResponse{}, fmt.Errorf("taskproto: response task_id %q does not echo request %q", resp.TaskID, req.TaskID)
	}
	return resp, nil
}

// Poll fetches the current state of a previously submitted task.
func (c *Client) Poll(ctx context.Context, endpoint, taskID string) (TaskResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/tasks/"+taskID, nil)
	if err != nil {
		return TaskResponse{}, fmt.Errorf("taskproto: build poll request: %w", err)
	}
	return c.do(httpReq)
}

// Health checks worker liveness. Used by the registry's refresh loop.
func (c *Client) Health(ctx context.Context, endpoint string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"/health", nil)
	if err != nil {
		return fmt.Errorf("taskproto: build health request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("taskproto: health check: %w", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("taskproto: health check returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(req *http.Request) (TaskResponse, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return TaskResponse{}, fmt.Errorf("taskproto: send task: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return TaskResponse{}, fmt.Errorf("taskproto: worker returned HTTP %d", resp.StatusCode)
	}

	var out TaskResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return TaskResponse{}, fmt.Errorf("taskproto: decode response: %w", err)
	}
	return out, nil
}

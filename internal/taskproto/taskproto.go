// Package taskproto defines the wire contract between the engine and every
// worker service: a task request/response envelope carried over HTTP.
//
// The protocol layer sends exactly one request per call and interprets
// nothing beyond the envelope. Retries belong to the dispatcher; a pending
// status is resolved here by polling because the caller needs a terminal
// answer within its timeout either way.
package taskproto

import "fmt"

// Priority orders tasks on the worker side.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// TaskStatus tags every inbound response.
type TaskStatus string

const (
	StatusSuccess TaskStatus = "success"
	StatusFailed  TaskStatus = "failed"
	StatusTimeout TaskStatus = "timeout"
	// StatusPending signals asynchronous execution: the caller must poll
	// before treating the task as resolved.
	StatusPending TaskStatus = "pending"
)

// TaskRequest is the envelope sent to a worker service.
type TaskRequest struct {
	TaskID         string         `json:"task_id"`
	CorrelationID  string         `json:"correlation_id"`
	Action         string         `json:"action"`
	Payload        map[string]any `json:"payload,omitempty"`
	Priority       Priority       `json:"priority"`
	TimeoutSeconds int            `json:"timeout_seconds"`
}

// Validate checks the envelope before it goes on the wire.
func (r TaskRequest) Validate() error {
	if r.TaskID == "" {
		return fmt.Errorf("taskproto: task_id is required")
	}
	if r.CorrelationID == "" {
		return fmt.Errorf("taskproto: correlation_id is required")
	}
	if r.Action == "" {
		return fmt.Errorf("taskproto: action is required")
	}
	switch r.Priority {
	case PriorityLow, PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("taskproto: unknown priority %q", r.Priority)
	}
	return nil
}

// TaskResponse is the envelope a worker service returns.
type TaskResponse struct {
	TaskID          string         `json:"task_id"`
	Status          TaskStatus     `json:"status"`
	Data            map[string]any `json:"data,omitempty"`
	ErrorMessage    string         `json:"error_message,omitempty"`
	ExecutionTimeMS float64        `json:"execution_time_ms"`
}

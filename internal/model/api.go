package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// API error codes returned in the standard error envelope.
const (
	ErrCodeInvalidInput = "invalid_input"
	ErrCodeUnauthorized = "unauthorized"
	ErrCodeForbidden    = "forbidden"
	ErrCodeNotFound     = "not_found"
	ErrCodeConflict     = "conflict"
	ErrCodeInternal     = "internal_error"
)

// APIResponse is the standard success envelope.
type APIResponse struct {
	Data any          `json:"data"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every API response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// StartRunRequest is the body of POST /v1/runs.
type StartRunRequest struct {
	// ThreadID groups runs into one conversation. Generated when absent.
	ThreadID *uuid.UUID `json:"thread_id,omitempty"`
	Input    string     `json:"input"`
}

// Validate checks the request.
func (r StartRunRequest) Validate() error {
	if r.Input == "" {
		return fmt.Errorf("model: input is required")
	}
	return nil
}

// ApprovalDecision is a human decision on a suspended run.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

// ApprovalRequest is the body of POST /v1/threads/{thread_id}/approval.
type ApprovalRequest struct {
	Decision         ApprovalDecision `json:"decision"`
	ApproverIdentity string           `json:"approver_identity"`
	// ApproverToken optionally carries a signed identity assertion,
	// verified when the server has a verification key configured.
	ApproverToken string `json:"approver_token,omitempty"`
}

// Validate checks the request.
func (r ApprovalRequest) Validate() error {
	switch r.Decision {
	case DecisionApprove, DecisionReject:
	default:
		return fmt.Errorf("model: decision must be %q or %q", DecisionApprove, DecisionReject)
	}
	if r.ApproverIdentity == "" {
		return fmt.Errorf("model: approver_identity is required")
	}
	return nil
}

// RegisterToolRequest is the body of POST /v1/tools.
type RegisterToolRequest struct {
	Name        string         `json:"name"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Endpoint    string         `json:"endpoint"`
}

// Validate checks the request.
func (r RegisterToolRequest) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("model: tool name is required")
	}
	if r.Endpoint == "" {
		return fmt.Errorf("model: tool endpoint is required")
	}
	return nil
}

// ThreadStatusResponse is the observability surface for one thread.
type ThreadStatusResponse struct {
	ThreadID       uuid.UUID `json:"thread_id"`
	RunID          uuid.UUID `json:"run_id"`
	Status         RunStatus `json:"status"`
	IterationCount int       `json:"iteration_count"`
	Reason         string    `json:"reason,omitempty"`
	Version        int64     `json:"checkpoint_version"`
	Messages       []Message `json:"messages,omitempty"`
}

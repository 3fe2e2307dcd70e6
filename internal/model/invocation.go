package model

import (
	"time"

	"github.com/google/uuid"
)

// InvocationStatus is the lifecycle state of a single tool dispatch.
type InvocationStatus string

const (
	InvocationPending  InvocationStatus = "pending"
	InvocationSuccess  InvocationStatus = "success"
	InvocationFailed   InvocationStatus = "failed"
	InvocationTimedOut InvocationStatus = "timed_out"
)

// FailureKind classifies why a tool invocation or result failed.
type FailureKind string

const (
	// FailureNetwork is a transient transport failure, retried by the
	// dispatcher.
	FailureNetwork FailureKind = "network_failure"
	// FailureToolUnavailable means the tool is unknown or its endpoint is
	// marked unavailable. Never retried.
	FailureToolUnavailable FailureKind = "tool_unavailable"
	// FailureApplication means the tool executed and reported a
	// business-level failure. Not assumed transient, never retried.
	FailureApplication FailureKind = "application_failure"
	// FailureTimeout means the call did not resolve within its timeout.
	FailureTimeout FailureKind = "timeout"
)

// ToolInvocation is a single dispatch of a tool call to a worker service.
// Once Status is terminal the record is immutable: a retry produces a new
// attempt counted in AttemptCount, never a mutation of a completed record.
type ToolInvocation struct {
	ID            uuid.UUID        `json:"id"`
	ToolName      string           `json:"tool_name"`
	Arguments     map[string]any   `json:"arguments"`
	CorrelationID uuid.UUID        `json:"correlation_id"`
	Timeout       time.Duration    `json:"timeout"`
	AttemptCount  int              `json:"attempt_count"`
	Status        InvocationStatus `json:"status"`
	CreatedAt     time.Time        `json:"created_at"`
}

// ToolResult is the dispatcher's resolution of a tool invocation.
type ToolResult struct {
	Status       InvocationStatus `json:"status"`
	Data         map[string]any   `json:"data,omitempty"`
	ErrorMessage string           `json:"error_message,omitempty"`
	FailureKind  FailureKind      `json:"failure_kind,omitempty"`
	// Attempts is the number of protocol attempts consumed, including the
	// successful one.
	Attempts int `json:"attempts"`
}

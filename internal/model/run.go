// Package model defines the core domain types for Dandori.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible. The checkpoint log is the source of truth: a Run is
// never stored outside a Checkpoint.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusRunning          RunStatus = "running"
	RunStatusAwaitingApproval RunStatus = "awaiting_approval"
	RunStatusCompleted        RunStatus = "completed"
	RunStatusFailed           RunStatus = "failed"
	RunStatusCancelled        RunStatus = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
// AwaitingApproval is not terminal: it is a suspension point that an
// external approval signal can leave.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	default:
		return false
	}
}

// Run is one end-to-end execution of a user request through the engine.
// The engine creates it on request arrival and never deletes it; retention
// is an external concern.
type Run struct {
	ID             uuid.UUID `json:"run_id"`
	ThreadID       uuid.UUID `json:"thread_id"`
	Status         RunStatus `json:"status"`
	IterationCount int       `json:"iteration_count"`
	// Reason is the human-readable terminal reason. Empty while the run
	// is in a non-terminal state.
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

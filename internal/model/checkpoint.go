package model

import (
	"time"

	"github.com/google/uuid"
)

// Checkpoint is an immutable, versioned snapshot of a run written after
// every state transition. Many checkpoints exist per thread, ordered by a
// monotonic version; only the latest is used for resume, older ones are
// retained for audit.
type Checkpoint struct {
	ThreadID uuid.UUID `json:"thread_id"`
	Version  int64     `json:"version"`
	Run      Run       `json:"run"`
	Messages []Message `json:"messages"`
	// PendingInvocation is set when the snapshot was taken between the
	// decision to call a tool and the observation of its result. Resume
	// re-enters dispatching for it; the call's result was never observed,
	// so re-execution is safe.
	PendingInvocation *ToolInvocation `json:"pending_invocation,omitempty"`
	// Invocations are the run's completed tool dispatches in order, each
	// sealed with its terminal status and consumed attempt count.
	Invocations []ToolInvocation `json:"invocations,omitempty"`
	CreatedAt   time.Time        `json:"created_at"`
}

// NextSequenceNum returns the sequence number the next appended message
// must carry.
func (c Checkpoint) NextSequenceNum() int64 {
	if len(c.Messages) == 0 {
		return 1
	}
	return c.Messages[len(c.Messages)-1].SequenceNum + 1
}

package dandori

import (
	"github.com/google/uuid"
)

// StepKind discriminates planner step variants.
type StepKind string

const (
	StepReason          StepKind = "reason"
	StepToolCall        StepKind = "tool_call"
	StepRequestApproval StepKind = "request_approval"
	StepFinalAnswer     StepKind = "final_answer"
)

// Step is the public representation of a planner decision.
// No internal package imports — safe to use from outside the module.
type Step struct {
	Kind StepKind

	// StepReason.
	Reasoning string

	// StepToolCall.
	ToolName  string
	Arguments map[string]any

	// StepRequestApproval.
	ProposedAction string
	ApprovalReason string

	// StepFinalAnswer.
	Answer string
}

// Message is one entry in a thread's transcript.
type Message struct {
	Role        string
	Content     string
	SequenceNum int64
}

// ToolInfo describes a registered task worker as presented to a planner.
type ToolInfo struct {
	Name        string
	InputSchema map[string]any
	Endpoint    string
	Available   bool
}

// Excerpt is a retrieved memory fragment with its relevance score.
type Excerpt struct {
	Content string
	Source  string
	Score   float64
}

// PlanRequest is the context handed to a Planner for one step decision.
type PlanRequest struct {
	ThreadID uuid.UUID
	RunID    uuid.UUID
	Messages []Message
	Excerpts []Excerpt
	Tools    []ToolInfo
}

package model

import "fmt"

// StepKind discriminates the PlanStep tagged union.
type StepKind string

const (
	// StepReason continues planning with no side effect.
	StepReason StepKind = "reason"
	// StepToolCall dispatches a tool invocation.
	StepToolCall StepKind = "tool_call"
	// StepRequestApproval suspends the run for a human decision.
	StepRequestApproval StepKind = "request_approval"
	// StepFinalAnswer completes the run.
	StepFinalAnswer StepKind = "final_answer"
)

// PlanStep is one decision emitted by the planner for the current iteration.
// Exactly one variant is active, selected by Kind; Validate enforces it.
type PlanStep struct {
	Kind StepKind `json:"kind"`

	// StepReason.
	Reasoning string `json:"reasoning,omitempty"`

	// StepToolCall.
	ToolName  string         `json:"tool_name,omitempty"`
	Arguments map[string]any `json:"arguments,omitempty"`

	// StepRequestApproval.
	ApprovalReason string `json:"approval_reason,omitempty"`
	ProposedAction string `json:"proposed_action,omitempty"`

	// StepFinalAnswer.
	Answer string `json:"answer,omitempty"`
}

// Validate checks that the step carries exactly the fields of its variant.
func (s PlanStep) Validate() error {
	switch s.Kind {
	case StepReason:
		if s.ToolName != "" || s.ApprovalReason != "" || s.Answer != "" {
			return fmt.Errorf("model: reason step carries foreign variant fields")
		}
	case StepToolCall:
		if s.ToolName == "" {
			return fmt.Errorf("model: tool_call step requires tool_name")
		}
		if s.ApprovalReason != "" || s.Answer != "" {
			return fmt.Errorf("model: tool_call step carries foreign variant fields")
		}
	case StepRequestApproval:
		if s.ProposedAction == "" {
			return fmt.Errorf("model: request_approval step requires proposed_action")
		}
		if s.ToolName != "" || s.Answer != "" {
			return fmt.Errorf("model: request_approval step carries foreign variant fields")
		}
	case StepFinalAnswer:
		if s.Answer == "" {
			return fmt.Errorf("model: final_answer step requires answer")
		}
		if s.ToolName != "" || s.ApprovalReason != "" {
			return fmt.Errorf("model: final_answer step carries foreign variant fields")
		}
	default:
		return fmt.Errorf("model: unknown plan step kind %q", s.Kind)
	}
	return nil
}

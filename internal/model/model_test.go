package model

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunStatusTerminal(t *testing.T) {
	assert.False(t, RunStatusRunning.Terminal())
	assert.False(t, RunStatusAwaitingApproval.Terminal())
	assert.True(t, RunStatusCompleted.Terminal())
	assert.True(t, RunStatusFailed.Terminal())
	assert.True(t, RunStatusCancelled.Terminal())
}

func TestPlanStepValidate(t *testing.T) {
	tests := []struct {
		name    string
		step    PlanStep
		wantErr bool
	}{
		{"reason", PlanStep{Kind: StepReason, Reasoning: "thinking"}, false},
		{"reason with tool fields", PlanStep{Kind: StepReason, ToolName: "get_ticket"}, true},
		{"tool call", PlanStep{Kind: StepToolCall, ToolName: "get_ticket", Arguments: map[string]any{"key": "PROJ-1"}}, false},
		{"tool call without name", PlanStep{Kind: StepToolCall}, true},
		{"approval", PlanStep{Kind: StepRequestApproval, ApprovalReason: "destructive", ProposedAction: "delete branch"}, false},
		{"approval without action", PlanStep{Kind: StepRequestApproval, ApprovalReason: "destructive"}, true},
		{"final answer", PlanStep{Kind: StepFinalAnswer, Answer: "done"}, false},
		{"final answer empty", PlanStep{Kind: StepFinalAnswer}, true},
		{"final answer with tool", PlanStep{Kind: StepFinalAnswer, Answer: "done", ToolName: "x"}, true},
		{"unknown kind", PlanStep{Kind: "mystery"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.step.Validate()
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}

func TestCheckpointNextSequenceNum(t *testing.T) {
	var cp Checkpoint
	assert.Equal(t, int64(1), cp.NextSequenceNum())

	cp.Messages = []Message{
		{Role: RoleUser, Content: "hi", SequenceNum: 1},
		{Role: RolePlanner, Content: "thinking", SequenceNum: 2},
	}
	assert.Equal(t, int64(3), cp.NextSequenceNum())
}

func TestApprovalRequestValidate(t *testing.T) {
	require.NoError(t, ApprovalRequest{Decision: DecisionApprove, ApproverIdentity: "ops@example.com"}.Validate())
	require.Error(t, ApprovalRequest{Decision: "maybe", ApproverIdentity: "ops@example.com"}.Validate())
	require.Error(t, ApprovalRequest{Decision: DecisionReject}.Validate())
}

func TestStartRunRequestValidate(t *testing.T) {
	require.Error(t, StartRunRequest{}.Validate())
	require.NoError(t, StartRunRequest{Input: "summarize open tickets"}.Validate())
}

func TestRegisterToolRequestValidate(t *testing.T) {
	require.Error(t, RegisterToolRequest{Name: "get_ticket"}.Validate())
	require.Error(t, RegisterToolRequest{Endpoint: "http://tickets:8080"}.Validate())
	require.NoError(t, RegisterToolRequest{Name: "get_ticket", Endpoint: "http://tickets:8080"}.Validate())
}

package model

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleUser is the originating user request.
	RoleUser Role = "user"
	// RolePlanner is reasoning emitted by the planner.
	RolePlanner Role = "planner"
	// RoleTool is an observation produced by a tool invocation.
	RoleTool Role = "tool"
	// RoleApprover is an approval or rejection recorded from a human.
	RoleApprover Role = "approver"
	// RoleAssistant is the final answer delivered to the user.
	RoleAssistant Role = "assistant"
)

// Message is one ordered, append-only entry of a run's conversation log.
// SequenceNum is insertion-order significant within a thread and forms the
// context passed to the planner on every iteration.
type Message struct {
	Role        Role   `json:"role"`
	Content     string `json:"content"`
	SequenceNum int64  `json:"sequence_num"`
}

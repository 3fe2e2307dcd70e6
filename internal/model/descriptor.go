package model

import "time"

// ToolDescriptor is the metadata a worker service advertises for one
// callable capability. Descriptors are refreshed on a polling cadence;
// a stale descriptor (owning service unreachable) is marked unavailable
// but never deleted, so a reconnect restores it without re-registration.
type ToolDescriptor struct {
	Name        string         `json:"name"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
	Endpoint    string         `json:"endpoint"`
	Available   bool           `json:"available"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

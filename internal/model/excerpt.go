package model

import (
	"time"

	"github.com/google/uuid"
)

// MemoryExcerpt is a bounded piece of long-term context surfaced to the
// planner. Excerpts are read-mostly; the engine requests them at planning
// time and never mutates them.
type MemoryExcerpt struct {
	ID       uuid.UUID `json:"id"`
	ThreadID uuid.UUID `json:"thread_id"`
	Content  string    `json:"content"`
	Source   string    `json:"source,omitempty"`
	// Score is the retrieval relevance, higher is more relevant. Zero when
	// the backing accessor does not rank.
	Score     float64   `json:"score,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Package memory provides long-term context retrieval for the planner.
//
// The engine treats memory as a read-mostly side channel: excerpts are
// fetched at planning time and recorded after terminal transitions, and
// memory failures never fail a run. Retrieval is pluggable; the default
// production backend is pgvector similarity search over recorded
// excerpts.
package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashita-ai/dandori/internal/model"
)

// Accessor retrieves relevant excerpts for a query within a thread's
// scope.
type Accessor interface {
	Retrieve(ctx context.Context, threadID uuid.UUID, query string, limit int) ([]model.MemoryExcerpt, error)
}

// Recorder writes excerpts back. Separate from Accessor because most
// planner deployments only read.
type Recorder interface {
	Record(ctx context.Context, excerpt model.MemoryExcerpt) error
}

// Embedder turns text into an embedding vector. Implemented by the
// caller's embedding service client.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Noop is the default accessor when no memory backend is configured.
// It satisfies both Accessor and Recorder and does nothing.
type Noop struct{}

// Retrieve returns no excerpts.
func (Noop) Retrieve(context.Context, uuid.UUID, string, int) ([]model.MemoryExcerpt, error) {
	return nil, nil
}

// Record drops the excerpt.
func (Noop) Record(context.Context, model.MemoryExcerpt) error {
	return nil
}

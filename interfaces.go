package dandori

import (
	"context"

	"github.com/google/uuid"
)

// Planner decides the next step for a run from the thread transcript,
// retrieved memory, and the available tools.
// When provided via WithPlanner, replaces the HTTP planner client that
// would otherwise be built from DANDORI_PLANNER_URL.
type Planner interface {
	Plan(ctx context.Context, req PlanRequest) (Step, error)
}

// MemoryAccessor retrieves memory excerpts relevant to a query.
// When provided via WithMemoryAccessor, replaces the built-in pgvector
// accessor. Failures degrade planning, they never fail a run.
type MemoryAccessor interface {
	Retrieve(ctx context.Context, threadID uuid.UUID, query string, limit int) ([]Excerpt, error)
}

// Embedder generates vector embeddings from text. Required by the
// built-in pgvector memory accessor; unused when WithMemoryAccessor
// supplies a full replacement.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

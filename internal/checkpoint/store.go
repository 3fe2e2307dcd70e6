// Package checkpoint provides the durable, versioned checkpoint log keyed
// by thread ID.
//
// The log is append-only: Save never overwrites, and a write is durable
// before it returns (write-ahead discipline — the engine does not proceed
// past a transition whose checkpoint did not persist). Version uniqueness
// per thread is enforced by the backend, which is what makes concurrent
// resume attempts for the same thread safe: the loser gets
// ErrVersionConflict instead of a divergent checkpoint.
package checkpoint

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/ashita-ai/dandori/internal/model"
)

var (
	// ErrNotFound is returned by LoadLatest when a thread has no checkpoints.
	ErrNotFound = errors.New("checkpoint: not found")
	// ErrVersionConflict is returned by Save when the (thread_id, version)
	// pair already exists.
	ErrVersionConflict = errors.New("checkpoint: version conflict")
)

// Store is the persistence contract the engine writes through.
type Store interface {
	// Save appends one checkpoint. It must not return success until the
	// write is durable.
	Save(ctx context.Context, cp model.Checkpoint) error
	// LoadLatest returns the highest-version checkpoint for a thread,
	// or ErrNotFound.
	LoadLatest(ctx context.Context, threadID uuid.UUID) (model.Checkpoint, error)
	// History returns up to limit checkpoints for a thread, newest first.
	// Retained for audit; resume only ever uses LoadLatest.
	History(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Checkpoint, error)
}

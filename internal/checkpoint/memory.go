package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/dandori/internal/model"
)

// MemoryStore is an in-process Store for tests and embedded default wiring.
type MemoryStore struct {
	mu      sync.RWMutex
	threads map[uuid.UUID][]model.Checkpoint
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[uuid.UUID][]model.Checkpoint)}
}

// Save appends one checkpoint, rejecting duplicate versions.
func (s *MemoryStore) Save(_ context.Context, cp model.Checkpoint) error {
	cloned, err := cloneCheckpoint(cp)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.threads[cp.ThreadID] {
		if existing.Version == cp.Version {
			return fmt.Errorf("%w: thread %s version %d", ErrVersionConflict, cp.ThreadID, cp.Version)
		}
	}
	s.threads[cp.ThreadID] = append(s.threads[cp.ThreadID], cloned)
	return nil
}

// LoadLatest returns the highest-version checkpoint for a thread.
func (s *MemoryStore) LoadLatest(_ context.Context, threadID uuid.UUID) (model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.threads[threadID]
	if len(cps) == 0 {
		return model.Checkpoint{}, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
	}
	latest := cps[0]
	for _, cp := range cps[1:] {
		if cp.Version > latest.Version {
			latest = cp
		}
	}
	return cloneCheckpoint(latest)
}

// History returns up to limit checkpoints, newest first.
func (s *MemoryStore) History(_ context.Context, threadID uuid.UUID, limit int) ([]model.Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cps := s.threads[threadID]
	out := make([]model.Checkpoint, 0, len(cps))
	for _, cp := range cps {
		cloned, err := cloneCheckpoint(cp)
		if err != nil {
			return nil, err
		}
		out = append(out, cloned)
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// cloneCheckpoint deep-copies through JSON so callers cannot alias stored
// message slices or argument maps.
func cloneCheckpoint(cp model.Checkpoint) (model.Checkpoint, error) {
	raw, err := json.Marshal(cp)
	if err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: clone: %w", err)
	}
	var out model.Checkpoint
	if err := json.Unmarshal(raw, &out); err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: clone: %w", err)
	}
	return out, nil
}

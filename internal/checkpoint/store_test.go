package checkpoint_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/dandori/internal/checkpoint"
	"github.com/ashita-ai/dandori/internal/model"
	"github.com/ashita-ai/dandori/internal/testutil"
)

func makeCheckpoint(threadID uuid.UUID, version int64, status model.RunStatus) model.Checkpoint {
	now := time.Now().UTC()
	return model.Checkpoint{
		ThreadID: threadID,
		Version:  version,
		Run: model.Run{
			ID:             uuid.New(),
			ThreadID:       threadID,
			Status:         status,
			IterationCount: int(version),
			CreatedAt:      now,
			UpdatedAt:      now,
		},
		Messages: []model.Message{
			{Role: model.RoleUser, Content: "look up ticket PROJ-1", SequenceNum: 1},
		},
		CreatedAt: now,
	}
}

// runStoreSuite exercises the Store contract shared by every backend.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) checkpoint.Store) {
	t.Run("LoadLatestEmptyThread", func(t *testing.T) {
		s := newStore(t)
		_, err := s.LoadLatest(context.Background(), uuid.New())
		require.ErrorIs(t, err, checkpoint.ErrNotFound)
	})

	t.Run("SaveAndLoadLatest", func(t *testing.T) {
		s := newStore(t)
		threadID := uuid.New()

		require.NoError(t, s.Save(context.Background(), makeCheckpoint(threadID, 1, model.RunStatusRunning)))
		require.NoError(t, s.Save(context.Background(), makeCheckpoint(threadID, 2, model.RunStatusAwaitingApproval)))

		got, err := s.LoadLatest(context.Background(), threadID)
		require.NoError(t, err)
		assert.Equal(t, int64(2), got.Version)
		assert.Equal(t, model.RunStatusAwaitingApproval, got.Run.Status)
		require.Len(t, got.Messages, 1)
		assert.Equal(t, model.RoleUser, got.Messages[0].Role)
	})

	t.Run("DuplicateVersionConflicts", func(t *testing.T) {
		s := newStore(t)
		threadID := uuid.New()

		require.NoError(t, s.Save(context.Background(), makeCheckpoint(threadID, 1, model.RunStatusRunning)))
		err := s.Save(context.Background(), makeCheckpoint(threadID, 1, model.RunStatusCompleted))
		require.ErrorIs(t, err, checkpoint.ErrVersionConflict)

		// The losing write must not have clobbered the original.
		got, err := s.LoadLatest(context.Background(), threadID)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusRunning, got.Run.Status)
	})

	t.Run("ConcurrentSameVersionExactlyOneWins", func(t *testing.T) {
		s := newStore(t)
		threadID := uuid.New()

		const writers = 8
		var wg sync.WaitGroup
		errs := make([]error, writers)
		for i := range writers {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs[i] = s.Save(context.Background(), makeCheckpoint(threadID, 5, model.RunStatusRunning))
			}(i)
		}
		wg.Wait()

		var ok, conflict int
		for _, err := range errs {
			switch {
			case err == nil:
				ok++
			case errors.Is(err, checkpoint.ErrVersionConflict):
				conflict++
			default:
				t.Fatalf("unexpected error: %v", err)
			}
		}
		assert.Equal(t, 1, ok)
		assert.Equal(t, writers-1, conflict)
	})

	t.Run("HistoryNewestFirst", func(t *testing.T) {
		s := newStore(t)
		threadID := uuid.New()

		for v := int64(1); v <= 5; v++ {
			require.NoError(t, s.Save(context.Background(), makeCheckpoint(threadID, v, model.RunStatusRunning)))
		}

		history, err := s.History(context.Background(), threadID, 3)
		require.NoError(t, err)
		require.Len(t, history, 3)
		assert.Equal(t, int64(5), history[0].Version)
		assert.Equal(t, int64(4), history[1].Version)
		assert.Equal(t, int64(3), history[2].Version)
	})

	t.Run("ThreadsAreIsolated", func(t *testing.T) {
		s := newStore(t)
		a, b := uuid.New(), uuid.New()

		require.NoError(t, s.Save(context.Background(), makeCheckpoint(a, 1, model.RunStatusCompleted)))
		require.NoError(t, s.Save(context.Background(), makeCheckpoint(b, 1, model.RunStatusFailed)))

		gotA, err := s.LoadLatest(context.Background(), a)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusCompleted, gotA.Run.Status)

		gotB, err := s.LoadLatest(context.Background(), b)
		require.NoError(t, err)
		assert.Equal(t, model.RunStatusFailed, gotB.Run.Status)
	})

	t.Run("PendingInvocationRoundTrips", func(t *testing.T) {
		s := newStore(t)
		threadID := uuid.New()

		cp := makeCheckpoint(threadID, 1, model.RunStatusRunning)
		cp.PendingInvocation = &model.ToolInvocation{
			ID:            uuid.New(),
			ToolName:      "jira_lookup",
			Arguments:     map[string]any{"key": "PROJ-1"},
			CorrelationID: uuid.New(),
			Timeout:       30 * time.Second,
			AttemptCount:  1,
			Status:        model.InvocationPending,
			CreatedAt:     time.Now().UTC(),
		}
		require.NoError(t, s.Save(context.Background(), cp))

		got, err := s.LoadLatest(context.Background(), threadID)
		require.NoError(t, err)
		require.NotNil(t, got.PendingInvocation)
		assert.Equal(t, "jira_lookup", got.PendingInvocation.ToolName)
		assert.Equal(t, cp.PendingInvocation.ID, got.PendingInvocation.ID)
		assert.Equal(t, model.InvocationPending, got.PendingInvocation.Status)
	})
}

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) checkpoint.Store {
		return checkpoint.NewMemoryStore()
	})
}

func TestMemoryStoreClonesOnRead(t *testing.T) {
	s := checkpoint.NewMemoryStore()
	threadID := uuid.New()
	require.NoError(t, s.Save(context.Background(), makeCheckpoint(threadID, 1, model.RunStatusRunning)))

	got, err := s.LoadLatest(context.Background(), threadID)
	require.NoError(t, err)
	got.Messages[0].Content = "mutated"

	again, err := s.LoadLatest(context.Background(), threadID)
	require.NoError(t, err)
	assert.Equal(t, "look up ticket PROJ-1", again.Messages[0].Content)
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) checkpoint.Store {
		s, err := checkpoint.NewSQLiteStore(":memory:", testutil.TestLogger())
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

package memory

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"

	"github.com/ashita-ai/dandori/internal/model"
)

// PgVector retrieves excerpts by embedding similarity over the
// memory_excerpts table. It shares the checkpoint store's pool.
type PgVector struct {
	pool     *pgxpool.Pool
	embedder Embedder
	logger   *slog.Logger
}

// NewPgVector wires the accessor over an existing pool and an embedder.
func NewPgVector(pool *pgxpool.Pool, embedder Embedder, logger *slog.Logger) *PgVector {
	return &PgVector{pool: pool, embedder: embedder, logger: logger}
}

// Retrieve embeds the query and returns the nearest excerpts for the
// thread, most similar first. Cosine distance via the <=> operator.
func (m *PgVector) Retrieve(ctx context.Context, threadID uuid.UUID, query string, limit int) ([]model.MemoryExcerpt, error) {
	if limit <= 0 {
		limit = 5
	}
	if limit > 50 {
		limit = 50
	}

	embedding, err := m.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	rows, err := m.pool.Query(ctx,
		`SELECT id, thread_id, content, source, (1 - (embedding <=> $2)) AS score, created_at
		 FROM memory_excerpts
		 WHERE thread_id = $1 AND embedding IS NOT NULL
		 ORDER BY embedding <=> $2
		 LIMIT $3`,
		threadID, pgvector.NewVector(embedding), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("memory: retrieve: %w", err)
	}
	defer rows.Close()

	var out []model.MemoryExcerpt
	for rows.Next() {
		var e model.MemoryExcerpt
		var score float32
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.Content, &e.Source, &score, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("memory: scan excerpt: %w", err)
		}
		e.Score = float64(score)
		out = append(out, e)
	}
	return out, rows.Err()
}

// Record embeds and stores one excerpt.
func (m *PgVector) Record(ctx context.Context, excerpt model.MemoryExcerpt) error {
	if excerpt.Content == "" {
		return fmt.Errorf("memory: excerpt content is required")
	}
	if excerpt.ID == uuid.Nil {
		excerpt.ID = uuid.New()
	}
	if excerpt.CreatedAt.IsZero() {
		excerpt.CreatedAt = time.Now().UTC()
	}

	embedding, err := m.embedder.Embed(ctx, excerpt.Content)
	if err != nil {
		return fmt.Errorf("memory: embed excerpt: %w", err)
	}

	_, err = m.pool.Exec(ctx,
		`INSERT INTO memory_excerpts (id, thread_id, content, source, embedding, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		excerpt.ID, excerpt.ThreadID, excerpt.Content, excerpt.Source,
		pgvector.NewVector(embedding), excerpt.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("memory: record: %w", err)
	}
	return nil
}

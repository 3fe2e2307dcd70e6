package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvector "github.com/pgvector/pgvector-go/pgx"

	"github.com/ashita-ai/dandori/internal/model"
)

// PostgresStore persists checkpoints in Postgres through a pgxpool.
// The (thread_id, version) primary key turns concurrent same-version
// writes into unique violations, surfaced as ErrVersionConflict.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore connects a pool and pings it.
func NewPostgresStore(ctx context.Context, dsn string, logger *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: parse DSN: %w", err)
	}

	// Register pgvector types on each new connection for the memory
	// accessor, which shares this pool. Best-effort: the extension may not
	// exist yet on first startup before migrations run.
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		if err := pgxvector.RegisterTypes(ctx, conn); err != nil {
			logger.Debug("checkpoint: pgvector types not registered (extension may not exist yet)", "error", err)
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("checkpoint: ping: %w", err)
	}
	return &PostgresStore{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use by other packages
// (the memory accessor shares it).
func (s *PostgresStore) Pool() *pgxpool.Pool {
	return s.pool
}

// Ping checks connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close shuts down the pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Save appends one checkpoint. Duplicate (thread_id, version) is a
// version conflict, not an overwrite.
func (s *PostgresStore) Save(ctx context.Context, cp model.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO checkpoints (thread_id, version, run_id, status, iteration_count, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		cp.ThreadID, cp.Version, cp.Run.ID, string(cp.Run.Status), cp.Run.IterationCount, payload, cp.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("%w: thread %s version %d", ErrVersionConflict, cp.ThreadID, cp.Version)
		}
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// LoadLatest returns the highest-version checkpoint for a thread.
func (s *PostgresStore) LoadLatest(ctx context.Context, threadID uuid.UUID) (model.Checkpoint, error) {
	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM checkpoints WHERE thread_id = $1 ORDER BY version DESC LIMIT 1`,
		threadID,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Checkpoint{}, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		return model.Checkpoint{}, fmt.Errorf("checkpoint: load latest: %w", err)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return cp, nil
}

// History returns up to limit checkpoints, newest first.
func (s *PostgresStore) History(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx,
		`SELECT payload FROM checkpoints WHERE thread_id = $1 ORDER BY version DESC LIMIT $2`,
		threadID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: history: %w", err)
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("checkpoint: scan history: %w", err)
		}
		var cp model.Checkpoint
		if err := json.Unmarshal(payload, &cp); err != nil {
			return nil, fmt.Errorf("checkpoint: unmarshal history: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

// RunMigrations executes unapplied SQL migration files from the provided
// filesystem in order, tracking applied files in schema_migrations so each
// runs at most once. Forward-only, for development and tests; production
// deployments manage schema externally.
func (s *PostgresStore) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("checkpoint: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("checkpoint: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("checkpoint: scan applied migration: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("checkpoint: read applied migrations: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("checkpoint: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			s.logger.Debug("checkpoint: migration already applied, skipping", "file", name)
			continue
		}
		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("checkpoint: read migration %s: %w", name, err)
		}
		s.logger.Info("checkpoint: running migration", "file", name)
		if _, err := s.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("checkpoint: execute migration %s: %w", name, err)
		}
		if _, err := s.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("checkpoint: record migration %s: %w", name, err)
		}
	}
	return nil
}

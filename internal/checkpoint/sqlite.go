package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/ashita-ai/dandori/internal/model"
)

// SQLiteStore is a single-file Store for embedded and development use.
// It keeps the same append-only schema shape as Postgres but stores
// identifiers as TEXT. Use ":memory:" for an ephemeral database.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (and if needed creates) the database file and
// applies the schema.
func NewSQLiteStore(path string, logger *slog.Logger) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: open sqlite: %w", err)
	}
	// modernc sqlite serializes writes; a single connection avoids
	// SQLITE_BUSY under concurrent saves.
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS checkpoints (
			thread_id       TEXT    NOT NULL,
			version         INTEGER NOT NULL,
			run_id          TEXT    NOT NULL,
			status          TEXT    NOT NULL,
			iteration_count INTEGER NOT NULL,
			payload         TEXT    NOT NULL,
			created_at      TEXT    NOT NULL,
			PRIMARY KEY (thread_id, version)
		)
	`)
	if err != nil {
		return fmt.Errorf("checkpoint: create sqlite schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save appends one checkpoint. A duplicate (thread_id, version) hits the
// primary key and is reported as ErrVersionConflict.
func (s *SQLiteStore) Save(ctx context.Context, cp model.Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("checkpoint: marshal: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (thread_id, version, run_id, status, iteration_count, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		cp.ThreadID.String(), cp.Version, cp.Run.ID.String(), string(cp.Run.Status),
		cp.Run.IterationCount, string(payload), cp.CreatedAt.UTC().Format("2006-01-02T15:04:05.999999999Z"),
	)
	if err != nil {
		// modernc surfaces constraint violations by message, not a typed code.
		if strings.Contains(err.Error(), "UNIQUE constraint failed") ||
			strings.Contains(err.Error(), "constraint failed") {
			return fmt.Errorf("%w: thread %s version %d", ErrVersionConflict, cp.ThreadID, cp.Version)
		}
		return fmt.Errorf("checkpoint: save: %w", err)
	}
	return nil
}

// LoadLatest returns the highest-version checkpoint for a thread.
func (s *SQLiteStore) LoadLatest(ctx context.Context, threadID uuid.UUID) (model.Checkpoint, error) {
	var payload string
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM checkpoints WHERE thread_id = ? ORDER BY version DESC LIMIT 1`,
		threadID.String(),
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Checkpoint{}, fmt.Errorf("%w: thread %s", ErrNotFound, threadID)
		}
		return model.Checkpoint{}, fmt.Errorf("checkpoint: load latest: %w", err)
	}

	var cp model.Checkpoint
	if err := json.Unmarshal([]byte(payload), &cp); err != nil {
		return model.Checkpoint{}, fmt.Errorf("checkpoint: unmarshal: %w", err)
	}
	return cp, nil
}

// History returns up to limit checkpoints, newest first.
func (s *SQLiteStore) History(ctx context.Context, threadID uuid.UUID, limit int) ([]model.Checkpoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM checkpoints WHERE thread_id = ? ORDER BY version DESC LIMIT ?`,
		threadID.String(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("checkpoint: history: %w", err)
	}
	defer rows.Close()

	var out []model.Checkpoint
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("checkpoint: scan history: %w", err)
		}
		var cp model.Checkpoint
		if err := json.Unmarshal([]byte(payload), &cp); err != nil {
			return nil, fmt.Errorf("checkpoint: unmarshal history: %w", err)
		}
		out = append(out, cp)
	}
	return out, rows.Err()
}

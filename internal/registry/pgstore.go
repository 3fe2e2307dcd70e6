package registry

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/dandori/internal/model"
)

// PgPersister stores tool descriptors in the tool_descriptors table,
// sharing the checkpoint store's pool.
type PgPersister struct {
	pool *pgxpool.Pool
}

// NewPgPersister wraps an existing pool.
func NewPgPersister(pool *pgxpool.Pool) *PgPersister {
	return &PgPersister{pool: pool}
}

// SaveDescriptor upserts one descriptor keyed by name.
func (p *PgPersister) SaveDescriptor(ctx context.Context, desc model.ToolDescriptor) error {
	schema, err := json.Marshal(desc.InputSchema)
	if err != nil {
		return fmt.Errorf("registry: marshal schema: %w", err)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO tool_descriptors (name, input_schema, endpoint, available, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (name) DO UPDATE SET
		   input_schema = EXCLUDED.input_schema,
		   endpoint = EXCLUDED.endpoint,
		   available = EXCLUDED.available,
		   updated_at = EXCLUDED.updated_at`,
		desc.Name, schema, desc.Endpoint, desc.Available, desc.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("registry: save descriptor: %w", err)
	}
	return nil
}

// LoadDescriptors returns every stored descriptor.
func (p *PgPersister) LoadDescriptors(ctx context.Context) ([]model.ToolDescriptor, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT name, input_schema, endpoint, available, updated_at FROM tool_descriptors`,
	)
	if err != nil {
		return nil, fmt.Errorf("registry: load descriptors: %w", err)
	}
	defer rows.Close()

	var out []model.ToolDescriptor
	for rows.Next() {
		var desc model.ToolDescriptor
		var schema []byte
		if err := rows.Scan(&desc.Name, &schema, &desc.Endpoint, &desc.Available, &desc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("registry: scan descriptor: %w", err)
		}
		if len(schema) > 0 {
			if err := json.Unmarshal(schema, &desc.InputSchema); err != nil {
				return nil, fmt.Errorf("registry: unmarshal schema for %s: %w", desc.Name, err)
			}
		}
		out = append(out, desc)
	}
	return out, rows.Err()
}

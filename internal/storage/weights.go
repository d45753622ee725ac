package storage

import (
	"context"
	"fmt"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

// UpsertSourceWeight creates or replaces the weight for (provider, source).
// An empty source name is the provider-wide default row. Weight changes take
// effect on the next aggregation; existing snapshots are never recomputed.
func (db *DB) UpsertSourceWeight(ctx context.Context, w model.SourceWeight) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO source_weights (provider, source_name, weight, is_active, updated_at)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (provider, source_name)
		 DO UPDATE SET weight = EXCLUDED.weight, is_active = EXCLUDED.is_active, updated_at = EXCLUDED.updated_at`,
		w.Provider, w.SourceName, w.Weight, w.IsActive, w.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: upsert source weight: %w", err)
	}
	return nil
}

// ListSourceWeights returns configured weights, optionally filtered by
// provider and including inactive rows on request.
func (db *DB) ListSourceWeights(ctx context.Context, provider string, includeInactive bool) ([]model.SourceWeight, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT provider, source_name, weight, is_active, updated_at
		 FROM source_weights
		 WHERE ($1 = '' OR provider = $1)
		   AND ($2 OR is_active)
		 ORDER BY provider, source_name`,
		provider, includeInactive,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list source weights: %w", err)
	}
	defer rows.Close()

	var weights []model.SourceWeight
	for rows.Next() {
		var w model.SourceWeight
		if err := rows.Scan(&w.Provider, &w.SourceName, &w.Weight, &w.IsActive, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan source weight: %w", err)
		}
		weights = append(weights, w)
	}
	return weights, rows.Err()
}

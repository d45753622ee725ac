package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

// InsertSnapshot stores a computed KPI snapshot. Snapshots are immutable:
// there is no update path, only insert and read.
func (db *DB) InsertSnapshot(ctx context.Context, s model.KPISnapshot) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("storage: marshal snapshot: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO kpi_snapshots (id, window_start, window_end, source_type, formula_version,
		                            computed_at, insufficient_data, payload)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		s.ID, s.WindowStart, s.WindowEnd, s.SourceType, s.FormulaVersion,
		s.ComputedAt, s.InsufficientData, payload,
	)
	if err != nil {
		return fmt.Errorf("storage: insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot retrieves one snapshot by ID.
func (db *DB) GetSnapshot(ctx context.Context, id uuid.UUID) (model.KPISnapshot, error) {
	var payload []byte
	err := db.pool.QueryRow(ctx,
		`SELECT payload FROM kpi_snapshots WHERE id = $1`, id,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KPISnapshot{}, ErrNotFound
		}
		return model.KPISnapshot{}, fmt.Errorf("storage: get snapshot: %w", err)
	}
	return unmarshalSnapshot(payload)
}

// LatestSnapshot returns the most recently computed snapshot for the source
// type. With onlySufficient set, snapshots flagged insufficient_data are
// skipped; the incident evaluator must never fire from a provisional
// snapshot.
func (db *DB) LatestSnapshot(ctx context.Context, sourceType string, onlySufficient bool) (model.KPISnapshot, error) {
	var payload []byte
	err := db.pool.QueryRow(ctx,
		`SELECT payload FROM kpi_snapshots
		 WHERE source_type = $1 AND ($2 = FALSE OR insufficient_data = FALSE)
		 ORDER BY computed_at DESC
		 LIMIT 1`,
		sourceType, onlySufficient,
	).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.KPISnapshot{}, ErrNotFound
		}
		return model.KPISnapshot{}, fmt.Errorf("storage: latest snapshot: %w", err)
	}
	return unmarshalSnapshot(payload)
}

func unmarshalSnapshot(payload []byte) (model.KPISnapshot, error) {
	var s model.KPISnapshot
	if err := json.Unmarshal(payload, &s); err != nil {
		return model.KPISnapshot{}, fmt.Errorf("storage: unmarshal snapshot: %w", err)
	}
	return s, nil
}

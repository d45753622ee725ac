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

const incidentColumns = `id, status, trigger_metric, scope, severity, trigger_value,
	owner_user_id, notes, window_start, window_end, created_at, updated_at`

func scanIncident(row pgx.Row) (model.Incident, error) {
	var (
		inc      model.Incident
		status   string
		severity string
		notes    []byte
	)
	err := row.Scan(
		&inc.ID, &status, &inc.TriggerMetric, &inc.Scope, &severity, &inc.TriggerValue,
		&inc.OwnerUserID, &notes, &inc.WindowStart, &inc.WindowEnd, &inc.CreatedAt, &inc.UpdatedAt,
	)
	if err != nil {
		return model.Incident{}, err
	}
	inc.Status = model.IncidentStatus(status)
	inc.Severity = model.Severity(severity)
	inc.Notes = []model.IncidentNote{}
	if len(notes) > 0 {
		if err := json.Unmarshal(notes, &inc.Notes); err != nil {
			return model.Incident{}, fmt.Errorf("storage: unmarshal incident notes: %w", err)
		}
	}
	return inc, nil
}

// UpsertOpenIncident opens an incident for a trigger signature, or, when an
// open incident with the same (trigger_metric, scope) already exists,
// refreshes its trigger value, severity and window instead of duplicating
// it. The partial unique index incidents_open_signature makes this a single
// atomic statement. Returns the incident and whether a new one was opened.
func (db *DB) UpsertOpenIncident(ctx context.Context, inc model.Incident) (model.Incident, bool, error) {
	notes, err := json.Marshal(inc.Notes)
	if err != nil {
		return model.Incident{}, false, fmt.Errorf("storage: marshal incident notes: %w", err)
	}
	if inc.Notes == nil {
		notes = []byte("[]")
	}

	var opened bool
	row := db.pool.QueryRow(ctx,
		`INSERT INTO incidents (id, status, trigger_metric, scope, severity, trigger_value,
		                        notes, window_start, window_end, created_at, updated_at)
		 VALUES ($1, 'open', $2, $3, $4, $5, $6, $7, $8, $9, $9)
		 ON CONFLICT (trigger_metric, scope) WHERE status = 'open'
		 DO UPDATE SET trigger_value = EXCLUDED.trigger_value,
		               severity = EXCLUDED.severity,
		               window_start = EXCLUDED.window_start,
		               window_end = EXCLUDED.window_end,
		               updated_at = EXCLUDED.updated_at
		 RETURNING `+incidentColumns+`, (xmax = 0) AS opened`,
		inc.ID, inc.TriggerMetric, inc.Scope, string(inc.Severity), inc.TriggerValue,
		notes, inc.WindowStart, inc.WindowEnd, inc.CreatedAt,
	)

	var (
		out      model.Incident
		status   string
		sev      string
		notesRaw []byte
	)
	if err := row.Scan(
		&out.ID, &status, &out.TriggerMetric, &out.Scope, &sev, &out.TriggerValue,
		&out.OwnerUserID, &notesRaw, &out.WindowStart, &out.WindowEnd, &out.CreatedAt, &out.UpdatedAt,
		&opened,
	); err != nil {
		return model.Incident{}, false, fmt.Errorf("storage: upsert open incident: %w", err)
	}
	out.Status = model.IncidentStatus(status)
	out.Severity = model.Severity(sev)
	out.Notes = []model.IncidentNote{}
	if len(notesRaw) > 0 {
		if err := json.Unmarshal(notesRaw, &out.Notes); err != nil {
			return model.Incident{}, false, fmt.Errorf("storage: unmarshal incident notes: %w", err)
		}
	}
	return out, opened, nil
}

// GetIncident retrieves one incident by ID.
func (db *DB) GetIncident(ctx context.Context, id uuid.UUID) (model.Incident, error) {
	inc, err := scanIncident(db.pool.QueryRow(ctx,
		`SELECT `+incidentColumns+` FROM incidents WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Incident{}, ErrNotFound
		}
		return model.Incident{}, fmt.Errorf("storage: get incident: %w", err)
	}
	return inc, nil
}

// ListIncidents returns incidents, optionally filtered by status, newest first.
func (db *DB) ListIncidents(ctx context.Context, status *model.IncidentStatus, limit int) ([]model.Incident, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+incidentColumns+` FROM incidents
		 WHERE ($1::text IS NULL OR status = $1)
		 ORDER BY created_at DESC
		 LIMIT $2`,
		(*string)(status), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list incidents: %w", err)
	}
	defer rows.Close()

	var incidents []model.Incident
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan incident: %w", err)
		}
		incidents = append(incidents, inc)
	}
	return incidents, rows.Err()
}

// PatchIncident applies a human mutation: optional status and owner changes
// plus a mandatory note. The evaluator never calls this; it only ever
// touches open incidents through UpsertOpenIncident.
func (db *DB) PatchIncident(ctx context.Context, id uuid.UUID, status *model.IncidentStatus, owner *uuid.UUID, note model.IncidentNote) (model.Incident, error) {
	noteJSON, err := json.Marshal(note)
	if err != nil {
		return model.Incident{}, fmt.Errorf("storage: marshal incident note: %w", err)
	}

	inc, err := scanIncident(db.pool.QueryRow(ctx,
		`UPDATE incidents
		 SET status = COALESCE($2, status),
		     owner_user_id = COALESCE($3, owner_user_id),
		     notes = notes || $4::jsonb,
		     updated_at = $5
		 WHERE id = $1
		 RETURNING `+incidentColumns,
		id, (*string)(status), owner, noteJSON, note.At,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Incident{}, ErrNotFound
		}
		return model.Incident{}, fmt.Errorf("storage: patch incident: %w", err)
	}
	return inc, nil
}

package storage

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

// InsertSchedule stores a report schedule.
func (db *DB) InsertSchedule(ctx context.Context, s model.ReportSchedule) error {
	recipients, err := json.Marshal(s.Recipients)
	if err != nil {
		return fmt.Errorf("storage: marshal schedule recipients: %w", err)
	}
	_, err = db.pool.Exec(ctx,
		`INSERT INTO report_schedules (id, template_id, frequency, day_of_week, time_local,
		                               timezone, recipients, is_active, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		s.ID, s.TemplateID, s.Frequency, s.DayOfWeek, s.TimeLocal,
		s.Timezone, recipients, s.IsActive, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert schedule: %w", err)
	}
	return nil
}

// ListActiveSchedules returns the schedules the trigger loop should consider.
func (db *DB) ListActiveSchedules(ctx context.Context) ([]model.ReportSchedule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, template_id, frequency, day_of_week, time_local, timezone, recipients, is_active, created_at
		 FROM report_schedules
		 WHERE is_active
		 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list active schedules: %w", err)
	}
	defer rows.Close()

	var schedules []model.ReportSchedule
	for rows.Next() {
		var (
			s          model.ReportSchedule
			recipients []byte
		)
		if err := rows.Scan(&s.ID, &s.TemplateID, &s.Frequency, &s.DayOfWeek, &s.TimeLocal,
			&s.Timezone, &recipients, &s.IsActive, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan schedule: %w", err)
		}
		s.Recipients = []string{}
		if len(recipients) > 0 {
			if err := json.Unmarshal(recipients, &s.Recipients); err != nil {
				return nil, fmt.Errorf("storage: unmarshal schedule recipients: %w", err)
			}
		}
		schedules = append(schedules, s)
	}
	return schedules, rows.Err()
}

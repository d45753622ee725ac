package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RecordAudit appends one entry to the audit log. Every human mutation
// (incident patches, report approvals, weight changes) goes through here.
func (db *DB) RecordAudit(ctx context.Context, action, entityType, entityID, actor, reason string, payload any) error {
	var payloadJSON []byte
	if payload != nil {
		var err error
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("storage: marshal audit payload: %w", err)
		}
	}
	_, err := db.pool.Exec(ctx,
		`INSERT INTO audit_log (id, action, entity_type, entity_id, actor, reason, payload, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), action, entityType, entityID, actor, reason, payloadJSON, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: record audit: %w", err)
	}
	return nil
}

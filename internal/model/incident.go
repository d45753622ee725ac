package model

import (
	"time"

	"github.com/google/uuid"
)

// IncidentStatus is the incident lifecycle. Only the evaluator creates
// incidents (always open); every later transition is a human action.
type IncidentStatus string

const (
	IncidentStatusOpen         IncidentStatus = "open"
	IncidentStatusAcknowledged IncidentStatus = "acknowledged"
	IncidentStatusResolved     IncidentStatus = "resolved"
)

// Valid reports whether s is a known incident status.
func (s IncidentStatus) Valid() bool {
	switch s {
	case IncidentStatusOpen, IncidentStatusAcknowledged, IncidentStatusResolved:
		return true
	}
	return false
}

// IncidentNote is one audited human annotation on an incident.
type IncidentNote struct {
	At     time.Time `json:"at"`
	Author string    `json:"author"`
	Reason string    `json:"reason"`
}

// Incident is a threshold breach detected by the incident evaluator.
// The trigger signature (TriggerMetric, Scope) deduplicates open incidents:
// re-evaluation refreshes TriggerValue on the existing open incident instead
// of opening a second one.
type Incident struct {
	ID            uuid.UUID      `json:"id"`
	Status        IncidentStatus `json:"status"`
	TriggerMetric string         `json:"trigger_metric"`
	Scope         string         `json:"scope"`
	Severity      Severity       `json:"severity"`
	TriggerValue  float64        `json:"trigger_value"`
	OwnerUserID   *uuid.UUID     `json:"owner_user_id,omitempty"`
	Notes         []IncidentNote `json:"notes"`
	WindowStart   time.Time      `json:"window_start"`
	WindowEnd     time.Time      `json:"window_end"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

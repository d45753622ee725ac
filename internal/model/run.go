// Package model defines the core domain types for the monitoring
// orchestrator: runs, KPI snapshots, incidents, content records and the
// HTTP request/response envelopes.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// wherever possible.
package model

import (
	"time"

	"github.com/google/uuid"
)

// RunKind identifies the unit of work a run executes.
type RunKind string

const (
	RunKindAnalysis           RunKind = "analysis"
	RunKindReport             RunKind = "report"
	RunKindExport             RunKind = "export"
	RunKindIncidentEvaluation RunKind = "incident_evaluation"
)

// Valid reports whether k is a known run kind.
func (k RunKind) Valid() bool {
	switch k {
	case RunKindAnalysis, RunKindReport, RunKindExport, RunKindIncidentEvaluation:
		return true
	}
	return false
}

// RunStatus represents the lifecycle state of a run.
//
// pending → running → {completed | failed}, with the report-only
// pending_review state between running and completed when an approval
// gate is configured. Terminal states are sinks.
type RunStatus string

const (
	RunStatusPending       RunStatus = "pending"
	RunStatusRunning       RunStatus = "running"
	RunStatusCompleted     RunStatus = "completed"
	RunStatusFailed        RunStatus = "failed"
	RunStatusPendingReview RunStatus = "pending_review"
)

// Terminal reports whether s is a sink state. pending_review is not
// terminal: an explicit approval still transitions it to completed.
func (s RunStatus) Terminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// ErrorKind is the coarse failure taxonomy recorded on failed runs.
type ErrorKind string

const (
	ErrKindValidation ErrorKind = "validation"
	ErrKindConflict   ErrorKind = "conflict"
	ErrKindDependency ErrorKind = "dependency"
	ErrKindTimeout    ErrorKind = "timeout"
	ErrKindInternal   ErrorKind = "internal"
)

// Run is a tracked unit of asynchronous work, generalized over every kind.
// Exactly one of Output/ErrorKind is populated once the run is terminal;
// neither is populated before that.
type Run struct {
	ID             uuid.UUID      `json:"id"`
	Kind           RunKind        `json:"kind"`
	IdempotencyKey string         `json:"idempotency_key"`
	Status         RunStatus      `json:"status"`
	Input          map[string]any `json:"input"`
	Output         map[string]any `json:"output,omitempty"`
	ErrorKind      *ErrorKind     `json:"error_kind,omitempty"`
	ErrorMessage   *string        `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
	StartedAt      *time.Time     `json:"started_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
}

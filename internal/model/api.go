package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Input bounds for run creation. These keep a single oversized request from
// dominating the classification collaborator or filling TEXT columns with
// caller-controlled garbage.
const (
	MaxIdempotencyKeyLen = 200
	MaxWindowDays        = 90
	MaxAnalysisLimit     = 500
	MaxFeedLimit         = 100
	DefaultFeedLimit     = 20
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   *int         `json:"total,omitempty"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// CreateAnalysisRunRequest is the request body for POST /v1/runs/analysis.
type CreateAnalysisRunRequest struct {
	TermID         uuid.UUID `json:"term_id"`
	WindowDays     int       `json:"window_days"`
	SourceType     string    `json:"source_type"`
	Limit          int       `json:"limit,omitempty"`
	IdempotencyKey string    `json:"idempotency_key"`
}

// CreateReportRunRequest is the request body for POST /v1/runs/reports.
type CreateReportRunRequest struct {
	TemplateID     string   `json:"template_id"`
	WindowDays     int      `json:"window_days"`
	SourceType     string   `json:"source_type"`
	Recipients     []string `json:"recipients,omitempty"`
	IdempotencyKey string   `json:"idempotency_key"`
}

// CreateExportRunRequest is the request body for POST /v1/runs/exports.
type CreateExportRunRequest struct {
	TermID         *uuid.UUID `json:"term_id,omitempty"`
	WindowDays     int        `json:"window_days"`
	SourceType     string     `json:"source_type"`
	Format         string     `json:"format"` // "csv" or "json"
	IdempotencyKey string     `json:"idempotency_key"`
}

// EvaluateIncidentsRequest is the request body for POST /v1/incidents/evaluate.
// Evaluation always reads the latest sufficient snapshot for the source type;
// the snapshot carries its own window.
type EvaluateIncidentsRequest struct {
	SourceType string `json:"source_type,omitempty"`
}

// CreateRunResponse is the accepted-run envelope, returned with 202.
type CreateRunResponse struct {
	RunID      uuid.UUID `json:"run_id"`
	Reused     bool      `json:"reused"`
	InputCount *int      `json:"input_count,omitempty"` // analysis only
}

// PatchIncidentRequest is the request body for PATCH /v1/incidents/{id}.
// Reason is mandatory: every human mutation is audited with a note.
type PatchIncidentRequest struct {
	Status      *IncidentStatus `json:"status,omitempty"`
	OwnerUserID *uuid.UUID      `json:"owner_user_id,omitempty"`
	Actor       string          `json:"actor"`
	Reason      string          `json:"reason"`
}

// PutSourceWeightRequest is the request body for PUT /v1/source-weights.
type PutSourceWeightRequest struct {
	Provider   string  `json:"provider"`
	SourceName string  `json:"source_name,omitempty"`
	Weight     float64 `json:"weight"`
	IsActive   bool    `json:"is_active"`
}

// ValidateIdempotencyKey checks the caller-supplied key shape.
func ValidateIdempotencyKey(key string) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return fmt.Errorf("idempotency_key is required")
	}
	if len(key) > MaxIdempotencyKeyLen {
		return fmt.Errorf("idempotency_key exceeds maximum length of %d characters", MaxIdempotencyKeyLen)
	}
	return nil
}

// ValidateWindowDays bounds the aggregation window.
func ValidateWindowDays(days int) error {
	if days <= 0 {
		return fmt.Errorf("window_days must be positive")
	}
	if days > MaxWindowDays {
		return fmt.Errorf("window_days exceeds maximum of %d", MaxWindowDays)
	}
	return nil
}

// ValidateSourceType checks the source_type filter value.
func ValidateSourceType(st string) error {
	switch st {
	case "news", "social", "all":
		return nil
	}
	return fmt.Errorf("source_type must be 'news', 'social' or 'all' (got %q)", st)
}

// ValidateWeight bounds a source weight.
func ValidateWeight(w float64) error {
	if w < 0 || w > 1 {
		return fmt.Errorf("weight must be in [0, 1] (got %v)", w)
	}
	return nil
}

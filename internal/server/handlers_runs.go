package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
)

const maxRunListLimit = 200

// HandleCreateAnalysisRun handles POST /v1/runs/analysis.
func (h *Handlers) HandleCreateAnalysisRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAnalysisRunRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.WindowDays == 0 {
		req.WindowDays = 7
	}
	if req.SourceType == "" {
		req.SourceType = "all"
	}
	if err := model.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateWindowDays(req.WindowDays); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateSourceType(req.SourceType); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if req.Limit < 0 || req.Limit > model.MaxAnalysisLimit {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit out of range")
		return
	}

	input := map[string]any{
		"window_days": req.WindowDays,
		"source_type": req.SourceType,
	}
	if req.TermID != uuid.Nil {
		input["term_id"] = req.TermID.String()
	}
	if req.Limit > 0 {
		input["limit"] = req.Limit
	}

	result, err := h.gate.Acquire(r.Context(), model.RunKindAnalysis, req.IdempotencyKey, input)
	if err != nil {
		h.writeInternalError(w, r, "failed to acquire analysis run", err)
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("monitord.run_id", result.Run.ID.String()),
		attribute.Bool("monitord.run_reused", result.Reused),
	)

	// Estimated backlog the run will classify. Advisory: ingestion may add
	// records between this count and the run claiming the work.
	count, err := h.countAnalysisBacklog(r, req.TermID, req.WindowDays)
	if err != nil {
		h.writeInternalError(w, r, "failed to count unclassified backlog", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.CreateRunResponse{
		RunID:      result.Run.ID,
		Reused:     result.Reused,
		InputCount: &count,
	})
}

func (h *Handlers) countAnalysisBacklog(r *http.Request, termID uuid.UUID, windowDays int) (int, error) {
	windowEnd := time.Now().UTC()
	windowStart := windowEnd.AddDate(0, 0, -windowDays)

	if termID != uuid.Nil {
		return h.db.CountUnclassified(r.Context(), termID, windowStart, windowEnd)
	}

	terms, err := h.db.ListTerms(r.Context())
	if err != nil {
		return 0, err
	}
	total := 0
	for _, term := range terms {
		n, err := h.db.CountUnclassified(r.Context(), term.ID, windowStart, windowEnd)
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// HandleCreateReportRun handles POST /v1/runs/reports.
func (h *Handlers) HandleCreateReportRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateReportRunRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.TemplateID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "template_id is required")
		return
	}
	if req.WindowDays == 0 {
		req.WindowDays = 7
	}
	if req.SourceType == "" {
		req.SourceType = "all"
	}
	if err := model.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateWindowDays(req.WindowDays); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateSourceType(req.SourceType); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	input := map[string]any{
		"template_id": req.TemplateID,
		"window_days": req.WindowDays,
		"source_type": req.SourceType,
	}
	if len(req.Recipients) > 0 {
		input["recipients"] = req.Recipients
	}

	result, err := h.gate.Acquire(r.Context(), model.RunKindReport, req.IdempotencyKey, input)
	if err != nil {
		h.writeInternalError(w, r, "failed to acquire report run", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.CreateRunResponse{
		RunID:  result.Run.ID,
		Reused: result.Reused,
	})
}

// HandleCreateExportRun handles POST /v1/runs/exports.
func (h *Handlers) HandleCreateExportRun(w http.ResponseWriter, r *http.Request) {
	var req model.CreateExportRunRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.WindowDays == 0 {
		req.WindowDays = 7
	}
	if req.SourceType == "" {
		req.SourceType = "all"
	}
	if req.Format == "" {
		req.Format = "csv"
	}
	if req.Format != "csv" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "format must be 'csv'")
		return
	}
	if err := model.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateWindowDays(req.WindowDays); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	if err := model.ValidateSourceType(req.SourceType); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	input := map[string]any{
		"window_days": req.WindowDays,
		"source_type": req.SourceType,
		"format":      req.Format,
	}
	if req.TermID != nil {
		input["term_id"] = req.TermID.String()
	}

	result, err := h.gate.Acquire(r.Context(), model.RunKindExport, req.IdempotencyKey, input)
	if err != nil {
		h.writeInternalError(w, r, "failed to acquire export run", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.CreateRunResponse{
		RunID:  result.Run.ID,
		Reused: result.Reused,
	})
}

// HandleEvaluateIncidents handles POST /v1/incidents/evaluate. Evaluation is
// a run like any other: the caller gets a 202 and polls the run.
func (h *Handlers) HandleEvaluateIncidents(w http.ResponseWriter, r *http.Request) {
	var req model.EvaluateIncidentsRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.SourceType == "" {
		req.SourceType = "all"
	}
	if err := model.ValidateSourceType(req.SourceType); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	// Evaluation against a given snapshot scope is naturally idempotent, so
	// the key is derived rather than caller-supplied: repeated triggers while
	// one evaluation is in flight coalesce onto it.
	key := "evaluate:" + req.SourceType + ":" + time.Now().UTC().Format("2006-01-02T15")

	result, err := h.gate.Acquire(r.Context(), model.RunKindIncidentEvaluation, key, map[string]any{
		"source_type": req.SourceType,
	})
	if err != nil {
		h.writeInternalError(w, r, "failed to acquire evaluation run", err)
		return
	}

	writeJSON(w, r, http.StatusAccepted, model.CreateRunResponse{
		RunID:  result.Run.ID,
		Reused: result.Reused,
	})
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parsePathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}

	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs with optional kind and status filters.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50, maxRunListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var kind *model.RunKind
	if raw := r.URL.Query().Get("kind"); raw != "" {
		k := model.RunKind(raw)
		if !k.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown run kind")
			return
		}
		kind = &k
	}

	var status *model.RunStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := model.RunStatus(raw)
		switch s {
		case model.RunStatusPending, model.RunStatusRunning, model.RunStatusCompleted,
			model.RunStatusFailed, model.RunStatusPendingReview:
			status = &s
		default:
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown run status")
			return
		}
	}

	list, err := h.db.ListRuns(r.Context(), kind, status, limit+1)
	if err != nil {
		h.writeInternalError(w, r, "failed to list runs", err)
		return
	}

	hasMore := len(list) > limit
	if hasMore {
		list = list[:limit]
	}

	writeList(w, r, list, hasMore, limit)
}

// HandleApproveRun handles POST /v1/runs/{run_id}/approve. Only runs parked
// in pending_review can be approved; anything else is a conflict.
func (h *Handlers) HandleApproveRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parsePathUUID(r, "run_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if _, err := h.db.GetRun(r.Context(), runID); errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	} else if err != nil {
		h.writeInternalError(w, r, "failed to get run", err)
		return
	}

	if err := h.db.ApproveRun(r.Context(), runID, time.Now().UTC()); err != nil {
		if errors.Is(err, storage.ErrInvalidTransition) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run is not pending review")
			return
		}
		h.writeInternalError(w, r, "failed to approve run", err)
		return
	}

	run, err := h.db.GetRun(r.Context(), runID)
	if err != nil {
		h.writeInternalError(w, r, "failed to read back approved run", err)
		return
	}

	if err := h.db.RecordAudit(r.Context(), "approve_run", "run", runID.String(), "api", "", run); err != nil {
		// The approval has already committed; log and keep the response.
		h.logger.Error("failed to record audit after committed approve_run",
			"error", err, "run_id", runID,
			"request_id", RequestIDFromContext(r.Context()))
	}

	writeJSON(w, r, http.StatusOK, run)
}

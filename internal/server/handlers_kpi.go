package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
)

// HandleTermFeed handles GET /v1/terms/{term_id}/feed.
func (h *Handlers) HandleTermFeed(w http.ResponseWriter, r *http.Request) {
	termID, err := parsePathUUID(r, "term_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	limit, err := parseLimit(r, model.DefaultFeedLimit, model.MaxFeedLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	if _, err := h.db.GetTerm(r.Context(), termID); errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "term not found")
		return
	} else if err != nil {
		h.writeInternalError(w, r, "failed to get term", err)
		return
	}

	feed, err := h.db.FeedByTerm(r.Context(), termID, limit+1)
	if err != nil {
		h.writeInternalError(w, r, "failed to read feed", err)
		return
	}

	hasMore := len(feed) > limit
	if hasMore {
		feed = feed[:limit]
	}

	writeList(w, r, feed, hasMore, limit)
}

// HandleLatestKPI handles GET /v1/kpi/latest.
func (h *Handlers) HandleLatestKPI(w http.ResponseWriter, r *http.Request) {
	sourceType := r.URL.Query().Get("source_type")
	if sourceType == "" {
		sourceType = "all"
	}
	if err := model.ValidateSourceType(sourceType); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	snap, err := h.db.LatestSnapshot(r.Context(), sourceType, false)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no snapshot for this source type")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to read latest snapshot", err)
		return
	}

	writeJSON(w, r, http.StatusOK, snap)
}

// HandleListSourceWeights handles GET /v1/source-weights.
func (h *Handlers) HandleListSourceWeights(w http.ResponseWriter, r *http.Request) {
	provider := r.URL.Query().Get("provider")
	includeInactive := r.URL.Query().Get("include_inactive") == "true"

	weights, err := h.db.ListSourceWeights(r.Context(), provider, includeInactive)
	if err != nil {
		h.writeInternalError(w, r, "failed to list source weights", err)
		return
	}

	writeJSON(w, r, http.StatusOK, weights)
}

// HandlePutSourceWeight handles PUT /v1/source-weights. Weights take effect
// on the next analysis run; persisted snapshots are never recomputed.
func (h *Handlers) HandlePutSourceWeight(w http.ResponseWriter, r *http.Request) {
	var req model.PutSourceWeightRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if req.Provider == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "provider is required")
		return
	}
	if err := model.ValidateWeight(req.Weight); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	weight := model.SourceWeight{
		Provider:   req.Provider,
		SourceName: req.SourceName,
		Weight:     req.Weight,
		IsActive:   req.IsActive,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := h.db.UpsertSourceWeight(r.Context(), weight); err != nil {
		h.writeInternalError(w, r, "failed to upsert source weight", err)
		return
	}

	if err := h.db.RecordAudit(r.Context(), "put_source_weight", "source_weight",
		req.Provider+"/"+req.SourceName, "api", "", weight); err != nil {
		h.logger.Error("failed to record audit after committed put_source_weight",
			"error", err, "provider", req.Provider,
			"request_id", RequestIDFromContext(r.Context()))
	}

	writeJSON(w, r, http.StatusOK, weight)
}

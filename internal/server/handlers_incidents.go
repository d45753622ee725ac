package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/artifacts"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
)

const maxIncidentListLimit = 200

// HandleListIncidents handles GET /v1/incidents with an optional status filter.
func (h *Handlers) HandleListIncidents(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r, 50, maxIncidentListLimit)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var status *model.IncidentStatus
	if raw := r.URL.Query().Get("status"); raw != "" {
		s := model.IncidentStatus(raw)
		if !s.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown incident status")
			return
		}
		status = &s
	}

	list, err := h.db.ListIncidents(r.Context(), status, limit+1)
	if err != nil {
		h.writeInternalError(w, r, "failed to list incidents", err)
		return
	}

	hasMore := len(list) > limit
	if hasMore {
		list = list[:limit]
	}

	writeList(w, r, list, hasMore, limit)
}

// HandleGetIncident handles GET /v1/incidents/{incident_id}.
func (h *Handlers) HandleGetIncident(w http.ResponseWriter, r *http.Request) {
	incidentID, err := parsePathUUID(r, "incident_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	inc, err := h.db.GetIncident(r.Context(), incidentID)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "incident not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get incident", err)
		return
	}

	writeJSON(w, r, http.StatusOK, inc)
}

// HandlePatchIncident handles PATCH /v1/incidents/{incident_id}. Every patch
// is a human action and must carry an actor and a reason; the reason lands in
// the incident's notes and in the audit log.
func (h *Handlers) HandlePatchIncident(w http.ResponseWriter, r *http.Request) {
	incidentID, err := parsePathUUID(r, "incident_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	var req model.PatchIncidentRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	if strings.TrimSpace(req.Actor) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "actor is required")
		return
	}
	if strings.TrimSpace(req.Reason) == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "reason is required")
		return
	}
	if req.Status == nil && req.OwnerUserID == nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "nothing to patch")
		return
	}
	if req.Status != nil {
		if !req.Status.Valid() {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown incident status")
			return
		}
		if *req.Status == model.IncidentStatusOpen {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput,
				"incidents reopen only through evaluation")
			return
		}
	}

	note := model.IncidentNote{
		At:     time.Now().UTC(),
		Author: req.Actor,
		Reason: req.Reason,
	}

	inc, err := h.db.PatchIncident(r.Context(), incidentID, req.Status, req.OwnerUserID, note)
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "incident not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to patch incident", err)
		return
	}

	if err := h.db.RecordAudit(r.Context(), "patch_incident", "incident",
		incidentID.String(), req.Actor, req.Reason, inc); err != nil {
		h.logger.Error("failed to record audit after committed patch_incident",
			"error", err, "incident_id", incidentID,
			"request_id", RequestIDFromContext(r.Context()))
	}

	writeJSON(w, r, http.StatusOK, inc)
}

// HandleListSchedules handles GET /v1/schedules.
func (h *Handlers) HandleListSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := h.db.ListActiveSchedules(r.Context())
	if err != nil {
		h.writeInternalError(w, r, "failed to list schedules", err)
		return
	}

	writeJSON(w, r, http.StatusOK, schedules)
}

// HandleGetArtifact handles GET /v1/artifacts/{artifact_id}. Artifacts are
// served raw with their stored content type, not JSON-enveloped.
func (h *Handlers) HandleGetArtifact(w http.ResponseWriter, r *http.Request) {
	artifactID, err := parsePathUUID(r, "artifact_id")
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	a, err := h.artifacts.Get(r.Context(), artifactID)
	if errors.Is(err, artifacts.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "artifact not found")
		return
	}
	if err != nil {
		h.writeInternalError(w, r, "failed to get artifact", err)
		return
	}

	w.Header().Set("Content-Type", a.ContentType)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(a.Data)
}

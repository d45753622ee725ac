// Package report renders report and export artifacts from stored snapshots
// and content. Rendering is local: the run output carries the artifact URL
// the result is retrievable at.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/artifacts"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/runs"
)

// Store is the read surface reports render from.
type Store interface {
	LatestSnapshot(ctx context.Context, sourceType string, onlySufficient bool) (model.KPISnapshot, error)
}

// ArtifactStore persists rendered artifacts.
type ArtifactStore interface {
	Put(ctx context.Context, a artifacts.Artifact) error
}

// document is the rendered report payload.
type document struct {
	TemplateID  string            `json:"template_id"`
	GeneratedAt time.Time         `json:"generated_at"`
	Recipients  []string          `json:"recipients,omitempty"`
	Snapshot    model.KPISnapshot `json:"snapshot"`
}

// Renderer executes report runs: render the latest snapshot into a stored
// JSON artifact.
type Renderer struct {
	store     Store
	artifacts ArtifactStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewRenderer creates the report run executor.
func NewRenderer(store Store, artifactStore ArtifactStore, logger *slog.Logger) *Renderer {
	return &Renderer{
		store:     store,
		artifacts: artifactStore,
		logger:    logger,
		now:       time.Now,
	}
}

// Execute implements the run executor contract for report runs.
//
// Input fields: template_id (required), source_type (default "all"),
// recipients (optional). Reports render the latest snapshot even when it is
// flagged insufficient; the flag travels inside the document so the reader
// sees the caveat.
func (r *Renderer) Execute(ctx context.Context, run model.Run) (map[string]any, error) {
	templateID, _ := run.Input["template_id"].(string)
	if templateID == "" {
		return nil, runs.FailWith(model.ErrKindValidation, fmt.Errorf("report: template_id is required"))
	}
	sourceType := "all"
	if st, ok := run.Input["source_type"].(string); ok && st != "" {
		sourceType = st
	}
	if err := model.ValidateSourceType(sourceType); err != nil {
		return nil, runs.FailWith(model.ErrKindValidation, err)
	}

	snap, err := r.store.LatestSnapshot(ctx, sourceType, false)
	if err != nil {
		return nil, runs.FailWith(model.ErrKindDependency,
			fmt.Errorf("report: no snapshot for source type %q: %w", sourceType, err))
	}

	doc := document{
		TemplateID:  templateID,
		GeneratedAt: r.now().UTC(),
		Recipients:  stringSlice(run.Input["recipients"]),
		Snapshot:    snap,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("report: marshal document: %w", err)
	}

	artifact := artifacts.Artifact{
		ID:          uuid.New(),
		RunID:       run.ID,
		Kind:        "report",
		ContentType: "application/json",
		Data:        data,
		CreatedAt:   r.now().UTC(),
	}
	if err := r.artifacts.Put(ctx, artifact); err != nil {
		return nil, err
	}

	r.logger.Info("report rendered",
		"run_id", run.ID, "artifact_id", artifact.ID,
		"template_id", templateID, "snapshot_id", snap.ID)

	return map[string]any{
		"artifact_id":  artifact.ID.String(),
		"artifact_url": artifact.URL(),
		"snapshot_id":  snap.ID.String(),
		"template_id":  templateID,
	}, nil
}

// stringSlice coerces a JSON-decoded input field into []string.
func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		if s, ok := item.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

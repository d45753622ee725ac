package report

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/artifacts"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/runs"
)

// ContentStore is the read surface exports pull rows from.
type ContentStore interface {
	QueryWindow(ctx context.Context, windowStart, windowEnd time.Time, sourceType string) ([]model.ContentRecord, error)
}

// Exporter executes export runs: dump the content window as a stored CSV
// artifact.
type Exporter struct {
	store     ContentStore
	artifacts ArtifactStore
	logger    *slog.Logger
	now       func() time.Time
}

// NewExporter creates the export run executor.
func NewExporter(store ContentStore, artifactStore ArtifactStore, logger *slog.Logger) *Exporter {
	return &Exporter{
		store:     store,
		artifacts: artifactStore,
		logger:    logger,
		now:       time.Now,
	}
}

var exportHeader = []string{
	"id", "term_id", "provider", "source_name", "source_type", "title", "url",
	"state", "sentiment", "relevance", "risk", "published_at", "created_at",
}

// Execute implements the run executor contract for export runs. The window
// is anchored at the run's creation time, like analysis.
func (e *Exporter) Execute(ctx context.Context, run model.Run) (map[string]any, error) {
	windowDays := 7
	if d, ok := run.Input["window_days"].(float64); ok && d > 0 {
		windowDays = int(d)
	}
	if err := model.ValidateWindowDays(windowDays); err != nil {
		return nil, runs.FailWith(model.ErrKindValidation, err)
	}
	sourceType := "all"
	if st, ok := run.Input["source_type"].(string); ok && st != "" {
		sourceType = st
	}
	if err := model.ValidateSourceType(sourceType); err != nil {
		return nil, runs.FailWith(model.ErrKindValidation, err)
	}

	start := run.CreatedAt.UTC().AddDate(0, 0, -windowDays)
	end := run.CreatedAt.UTC()

	records, err := e.store.QueryWindow(ctx, start, end, sourceType)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(exportHeader); err != nil {
		return nil, fmt.Errorf("export: write header: %w", err)
	}
	for _, rec := range records {
		if err := w.Write(exportRow(rec)); err != nil {
			return nil, fmt.Errorf("export: write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("export: flush: %w", err)
	}

	artifact := artifacts.Artifact{
		ID:          uuid.New(),
		RunID:       run.ID,
		Kind:        "export",
		ContentType: "text/csv",
		Data:        buf.Bytes(),
		CreatedAt:   e.now().UTC(),
	}
	if err := e.artifacts.Put(ctx, artifact); err != nil {
		return nil, err
	}

	e.logger.Info("export rendered",
		"run_id", run.ID, "artifact_id", artifact.ID, "rows", len(records))

	return map[string]any{
		"artifact_id":  artifact.ID.String(),
		"artifact_url": artifact.URL(),
		"rows":         len(records),
	}, nil
}

func exportRow(rec model.ContentRecord) []string {
	return []string{
		rec.ID.String(),
		rec.TermID.String(),
		rec.Provider,
		rec.SourceName,
		rec.SourceType,
		rec.Title,
		rec.URL,
		rec.State,
		floatField(rec.Sentiment),
		floatField(rec.Relevance),
		floatField(rec.Risk),
		timeField(rec.PublishedAt),
		rec.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func floatField(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', -1, 64)
}

func timeField(t *time.Time) string {
	if t == nil {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

package report

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"log/slog"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/artifacts"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
)

type fakeSnapshotStore struct {
	snapshots map[string]model.KPISnapshot
}

func (s *fakeSnapshotStore) LatestSnapshot(_ context.Context, sourceType string, _ bool) (model.KPISnapshot, error) {
	snap, ok := s.snapshots[sourceType]
	if !ok {
		return model.KPISnapshot{}, storage.ErrNotFound
	}
	return snap, nil
}

type fakeContentStore struct {
	records []model.ContentRecord
}

func (s *fakeContentStore) QueryWindow(_ context.Context, start, end time.Time, _ string) ([]model.ContentRecord, error) {
	var out []model.ContentRecord
	for _, r := range s.records {
		if !r.CreatedAt.Before(start) && r.CreatedAt.Before(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

type fakeArtifactStore struct {
	stored []artifacts.Artifact
}

func (s *fakeArtifactStore) Put(_ context.Context, a artifacts.Artifact) error {
	s.stored = append(s.stored, a)
	return nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRendererProducesArtifact(t *testing.T) {
	snap := model.KPISnapshot{
		ID:             uuid.New(),
		SourceType:     "all",
		FormulaVersion: model.FormulaVersion,
		Totals:         model.ScopeMetrics{Items: 12, BHS: 71.5, Severidad: model.SeveritySEV3},
	}
	store := &fakeSnapshotStore{snapshots: map[string]model.KPISnapshot{"all": snap}}
	sink := &fakeArtifactStore{}

	run := model.Run{
		ID:    uuid.New(),
		Kind:  model.RunKindReport,
		Input: map[string]any{"template_id": "weekly-brand-health", "recipients": []any{"ops@example.com"}},
	}
	out, err := NewRenderer(store, sink, quietLogger()).Execute(context.Background(), run)
	require.NoError(t, err)

	require.Len(t, sink.stored, 1)
	artifact := sink.stored[0]
	assert.Equal(t, "report", artifact.Kind)
	assert.Equal(t, "application/json", artifact.ContentType)
	assert.Equal(t, run.ID, artifact.RunID)
	assert.Equal(t, artifact.URL(), out["artifact_url"])
	assert.Equal(t, snap.ID.String(), out["snapshot_id"])

	var doc document
	require.NoError(t, json.Unmarshal(artifact.Data, &doc))
	assert.Equal(t, "weekly-brand-health", doc.TemplateID)
	assert.Equal(t, []string{"ops@example.com"}, doc.Recipients)
	assert.Equal(t, snap.ID, doc.Snapshot.ID)
}

func TestRendererRequiresTemplateID(t *testing.T) {
	store := &fakeSnapshotStore{snapshots: map[string]model.KPISnapshot{}}
	_, err := NewRenderer(store, &fakeArtifactStore{}, quietLogger()).
		Execute(context.Background(), model.Run{Input: map[string]any{}})
	assert.Error(t, err)
}

func TestRendererWithoutSnapshotFails(t *testing.T) {
	store := &fakeSnapshotStore{snapshots: map[string]model.KPISnapshot{}}
	run := model.Run{Input: map[string]any{"template_id": "t"}}

	_, err := NewRenderer(store, &fakeArtifactStore{}, quietLogger()).
		Execute(context.Background(), run)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no snapshot")
}

func TestExporterWritesCSV(t *testing.T) {
	created := time.Date(2026, 8, 30, 10, 0, 0, 0, time.UTC)
	sentiment := -0.4
	store := &fakeContentStore{records: []model.ContentRecord{
		{
			ID: uuid.New(), TermID: uuid.New(), Provider: "news_api",
			SourceName: "el-diario", SourceType: "news",
			Title: "Multa, por \"falla\" masiva", State: model.ContentStateClassified,
			Sentiment: &sentiment, CreatedAt: created,
		},
		{
			ID: uuid.New(), TermID: uuid.New(), Provider: "x", SourceType: "social",
			Title: "sin clasificar", State: model.ContentStateIngested, CreatedAt: created,
		},
	}}
	sink := &fakeArtifactStore{}

	run := model.Run{
		ID:        uuid.New(),
		Kind:      model.RunKindExport,
		CreatedAt: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
	out, err := NewExporter(store, sink, quietLogger()).Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, 2, out["rows"])

	require.Len(t, sink.stored, 1)
	artifact := sink.stored[0]
	assert.Equal(t, "export", artifact.Kind)
	assert.Equal(t, "text/csv", artifact.ContentType)

	rows, err := csv.NewReader(strings.NewReader(string(artifact.Data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, exportHeader, rows[0])
	assert.Equal(t, "Multa, por \"falla\" masiva", rows[1][5])
	assert.Equal(t, "-0.4", rows[1][8])
	assert.Equal(t, "", rows[2][8], "unclassified rows have empty score fields")
}

func TestExporterValidatesInput(t *testing.T) {
	e := NewExporter(&fakeContentStore{}, &fakeArtifactStore{}, quietLogger())
	ctx := context.Background()

	_, err := e.Execute(ctx, model.Run{Input: map[string]any{"window_days": float64(365)}})
	assert.Error(t, err)

	_, err = e.Execute(ctx, model.Run{Input: map[string]any{"source_type": "video"}})
	assert.Error(t, err)
}

func TestExporterWindowBounds(t *testing.T) {
	inside := model.ContentRecord{
		ID: uuid.New(), TermID: uuid.New(), Provider: "news_api", SourceType: "news",
		State: model.ContentStateIngested, CreatedAt: time.Date(2026, 8, 28, 0, 0, 0, 0, time.UTC),
	}
	outside := inside
	outside.ID = uuid.New()
	outside.CreatedAt = time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)

	store := &fakeContentStore{records: []model.ContentRecord{inside, outside}}
	run := model.Run{
		ID:        uuid.New(),
		CreatedAt: time.Date(2026, 8, 31, 12, 0, 0, 0, time.UTC),
	}
	out, err := NewExporter(store, &fakeArtifactStore{}, quietLogger()).Execute(context.Background(), run)
	require.NoError(t, err)
	assert.Equal(t, 1, out["rows"])
}

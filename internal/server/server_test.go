package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/server"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/aggregate"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/artifacts"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/classify"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/incidents"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/report"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/runs"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/testutil"
)

var (
	testSrv *httptest.Server
	testDB  *storage.DB
)

func TestMain(m *testing.M) {
	ctx, cancel := context.WithCancel(context.Background())

	tc := testutil.MustStartPostgres()
	logger := testutil.TestLogger()

	var err error
	testDB, err = tc.NewTestDB(ctx, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create test DB: %v\n", err)
		os.Exit(1)
	}

	artifactDir, err := os.MkdirTemp("", "monitord-artifacts")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create artifact dir: %v\n", err)
		os.Exit(1)
	}
	artifactStore, err := artifacts.Open(filepath.Join(artifactDir, "artifacts.db"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open artifact store: %v\n", err)
		os.Exit(1)
	}

	policies := runs.PolicyTable{
		model.RunKindAnalysis: {Reuse: runs.ReuseTerminal, Timeout: time.Minute},
		model.RunKindReport:   {Reuse: runs.ReuseActiveOnly, Timeout: time.Minute, ApprovalGate: true},
		model.RunKindExport:   {Reuse: runs.ReuseActiveOnly, Timeout: time.Minute},
		model.RunKindIncidentEvaluation: {
			Reuse: runs.ReuseActiveOnly, Timeout: time.Minute,
		},
	}

	formula := aggregate.Config{
		MinClassified: 1,
		NeutralWeight: 0.5,
		Severity:      aggregate.Thresholds{SEV1: 80, SEV2: 60, SEV3: 40},
	}

	executors := map[model.RunKind]runs.Executor{
		model.RunKindAnalysis:           classify.NewAnalyzer(testDB, classify.NewLexiconClassifier(), formula, logger),
		model.RunKindReport:             report.NewRenderer(testDB, artifactStore, logger),
		model.RunKindExport:             report.NewExporter(testDB, artifactStore, logger),
		model.RunKindIncidentEvaluation: incidents.NewEvaluator(testDB, 30, logger),
	}

	gate := runs.NewGate(testDB, policies, 24*time.Hour, logger)
	dispatcher := runs.NewDispatcher(testDB, executors, policies, 2, 20*time.Millisecond, logger)
	dispatcher.Start(ctx)

	srv := server.New(server.ServerConfig{
		DB:                  testDB,
		Gate:                gate,
		Artifacts:           artifactStore,
		Logger:              logger,
		ReadTimeout:         30 * time.Second,
		WriteTimeout:        30 * time.Second,
		Version:             "test",
		MaxRequestBodyBytes: 1 * 1024 * 1024,
	})
	testSrv = httptest.NewServer(srv.Handler())

	code := m.Run()

	testSrv.Close()
	cancel()
	dispatcher.Drain(context.Background())
	_ = artifactStore.Close()
	testDB.Close()
	_ = os.RemoveAll(artifactDir)
	tc.Terminate()
	os.Exit(code)
}

func doJSON(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, testSrv.URL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func decodeData(t *testing.T, resp *http.Response, target any) {
	t.Helper()
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	envelope := struct {
		Data json.RawMessage `json:"data"`
	}{}
	require.NoError(t, json.Unmarshal(data, &envelope), "body: %s", string(data))
	require.NoError(t, json.Unmarshal(envelope.Data, target), "body: %s", string(data))
}

// waitForRun polls the run until it reaches want or a terminal state.
func waitForRun(t *testing.T, runID uuid.UUID, want model.RunStatus) model.Run {
	t.Helper()
	var run model.Run
	require.Eventually(t, func() bool {
		resp := doJSON(t, http.MethodGet, "/v1/runs/"+runID.String(), nil)
		if resp.StatusCode != http.StatusOK {
			_ = resp.Body.Close()
			return false
		}
		decodeData(t, resp, &run)
		return run.Status == want || run.Status.Terminal()
	}, 10*time.Second, 25*time.Millisecond)
	require.Equal(t, want, run.Status, "error_kind=%v error=%v", run.ErrorKind, run.ErrorMessage)
	return run
}

func seedTerm(t *testing.T, name, scope string) model.Term {
	t.Helper()
	term := model.Term{
		ID:                uuid.New(),
		Name:              name,
		Scope:             &scope,
		MaxArticlesPerRun: 100,
		CreatedAt:         time.Now().UTC(),
	}
	require.NoError(t, testDB.InsertTerm(context.Background(), term))
	return term
}

func seedContent(t *testing.T, termID uuid.UUID, title string) model.ContentRecord {
	t.Helper()
	now := time.Now().UTC()
	rec := model.ContentRecord{
		ID:         uuid.New(),
		TermID:     termID,
		Provider:   "newsapi",
		SourceName: "El Tiempo",
		SourceType: "news",
		Title:      title,
		URL:        "https://example.com/" + uuid.New().String(),
		State:      model.ContentStateIngested,
		CreatedAt:  now,
	}
	require.NoError(t, testDB.InsertContent(context.Background(), rec))
	return rec
}

func TestHealthEndpoint(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	var health struct {
		Status   string `json:"status"`
		Postgres string `json:"postgres"`
	}
	decodeData(t, resp, &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "healthy", health.Status)
	assert.Equal(t, "connected", health.Postgres)
}

func TestAnalysisRunLifecycle(t *testing.T) {
	term := seedTerm(t, "claro colombia", "brand")
	seedContent(t, term.ID, "Claro lanza red 5G y gana premio de cobertura")
	seedContent(t, term.ID, "Multa y demanda contra operador por falla masiva")

	key := "analysis-" + uuid.New().String()
	resp := doJSON(t, http.MethodPost, "/v1/runs/analysis", model.CreateAnalysisRunRequest{
		IdempotencyKey: key,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created model.CreateRunResponse
	decodeData(t, resp, &created)
	assert.False(t, created.Reused)
	require.NotNil(t, created.InputCount)
	assert.GreaterOrEqual(t, *created.InputCount, 2)

	run := waitForRun(t, created.RunID, model.RunStatusCompleted)
	assert.NotEmpty(t, run.Output["snapshot_id"])
	assert.EqualValues(t, 2, run.Output["newly_classified"])

	// Same key again: the completed run is reused, no new work admitted.
	resp = doJSON(t, http.MethodPost, "/v1/runs/analysis", model.CreateAnalysisRunRequest{
		IdempotencyKey: key,
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var reused model.CreateRunResponse
	decodeData(t, resp, &reused)
	assert.True(t, reused.Reused)
	assert.Equal(t, created.RunID, reused.RunID)
}

func TestCreateRunValidation(t *testing.T) {
	resp := doJSON(t, http.MethodPost, "/v1/runs/analysis", model.CreateAnalysisRunRequest{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodPost, "/v1/runs/analysis", model.CreateAnalysisRunRequest{
		IdempotencyKey: "k1", SourceType: "video",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodPost, "/v1/runs/analysis", model.CreateAnalysisRunRequest{
		IdempotencyKey: "k2", WindowDays: 365,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodPost, "/v1/runs/reports", model.CreateReportRunRequest{
		IdempotencyKey: "k3",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestGetRunNotFound(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/v1/runs/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodGet, "/v1/runs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestReportApprovalFlow(t *testing.T) {
	term := seedTerm(t, "claro reporte", "brand")
	seedContent(t, term.ID, "Operador mejora su red y crece en clientes")
	runAnalysis(t)

	resp := doJSON(t, http.MethodPost, "/v1/runs/reports", model.CreateReportRunRequest{
		TemplateID:     "weekly-brand",
		Recipients:     []string{"brand-team@example.com"},
		IdempotencyKey: "report-" + uuid.New().String(),
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created model.CreateRunResponse
	decodeData(t, resp, &created)

	run := waitForRun(t, created.RunID, model.RunStatusPendingReview)
	assert.Nil(t, run.CompletedAt)

	resp = doJSON(t, http.MethodPost, "/v1/runs/"+created.RunID.String()+"/approve", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var approved model.Run
	decodeData(t, resp, &approved)
	assert.Equal(t, model.RunStatusCompleted, approved.Status)
	assert.NotNil(t, approved.CompletedAt)

	// A second approval is a conflict: completed is a sink.
	resp = doJSON(t, http.MethodPost, "/v1/runs/"+created.RunID.String()+"/approve", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	_ = resp.Body.Close()
}

// runAnalysis runs one analysis to completion so a snapshot exists.
func runAnalysis(t *testing.T) model.Run {
	t.Helper()
	resp := doJSON(t, http.MethodPost, "/v1/runs/analysis", model.CreateAnalysisRunRequest{
		IdempotencyKey: "analysis-" + uuid.New().String(),
	})
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created model.CreateRunResponse
	decodeData(t, resp, &created)
	return waitForRun(t, created.RunID, model.RunStatusCompleted)
}

func TestExportRunProducesArtifact(t *testing.T) {
	term := seedTerm(t, "claro export", "brand")
	seedContent(t, term.ID, "Compania expande cobertura y lidera el mercado")

	resp := doJSON(t, http.MethodPost, "/v1/runs/exports", model.CreateExportRunRequest{
		IdempotencyKey: "export-" + uuid.New().String(),
	})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created model.CreateRunResponse
	decodeData(t, resp, &created)

	run := waitForRun(t, created.RunID, model.RunStatusCompleted)
	artifactURL, ok := run.Output["artifact_url"].(string)
	require.True(t, ok, "output: %v", run.Output)

	artifactResp, err := http.Get(testSrv.URL + artifactURL)
	require.NoError(t, err)
	defer func() { _ = artifactResp.Body.Close() }()
	assert.Equal(t, http.StatusOK, artifactResp.StatusCode)
	assert.Equal(t, "text/csv", artifactResp.Header.Get("Content-Type"))

	body, err := io.ReadAll(artifactResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "term_id")
}

func TestGetArtifactNotFound(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/v1/artifacts/"+uuid.New().String(), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestIncidentEvaluateAndPatch(t *testing.T) {
	term := seedTerm(t, "claro crisis", "brand")
	seedContent(t, term.ID, "Multa y demanda por fraude tras apagon y filtracion de datos")
	seedContent(t, term.ID, "Sancion por queja masiva: critica y perdida de usuarios")
	runAnalysis(t)

	resp := doJSON(t, http.MethodPost, "/v1/incidents/evaluate", model.EvaluateIncidentsRequest{})
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	var created model.CreateRunResponse
	decodeData(t, resp, &created)
	run := waitForRun(t, created.RunID, model.RunStatusCompleted)
	assert.NotNil(t, run.Output["incidents_opened"])

	// Evaluation reads the latest snapshot, which carries its own window;
	// a caller-supplied window is not part of the contract.
	resp = doJSON(t, http.MethodPost, "/v1/incidents/evaluate", map[string]any{"window_days": 7})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodGet, "/v1/incidents?status=open", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data []model.Incident `json:"data"`
	}
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	require.NotEmpty(t, list.Data)
	incident := list.Data[0]

	// Reason is mandatory on every patch.
	status := model.IncidentStatusAcknowledged
	resp = doJSON(t, http.MethodPatch, "/v1/incidents/"+incident.ID.String(), model.PatchIncidentRequest{
		Status: &status, Actor: "oncall",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodPatch, "/v1/incidents/"+incident.ID.String(), model.PatchIncidentRequest{
		Status: &status, Actor: "oncall", Reason: "reviewing coverage dip",
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var patched model.Incident
	decodeData(t, resp, &patched)
	assert.Equal(t, model.IncidentStatusAcknowledged, patched.Status)
	require.NotEmpty(t, patched.Notes)
	assert.Equal(t, "oncall", patched.Notes[len(patched.Notes)-1].Author)

	// Manual reopen is rejected.
	open := model.IncidentStatusOpen
	resp = doJSON(t, http.MethodPatch, "/v1/incidents/"+incident.ID.String(), model.PatchIncidentRequest{
		Status: &open, Actor: "oncall", Reason: "wrong click",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestTermFeed(t *testing.T) {
	term := seedTerm(t, "claro feed", "brand")
	for i := 0; i < 3; i++ {
		seedContent(t, term.ID, fmt.Sprintf("Nota %d sobre cobertura", i))
	}

	resp := doJSON(t, http.MethodGet, "/v1/terms/"+term.ID.String()+"/feed?limit=2", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data    []model.ContentRecord `json:"data"`
		HasMore bool                  `json:"has_more"`
		Limit   int                   `json:"limit"`
	}
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	assert.Len(t, list.Data, 2)
	assert.True(t, list.HasMore)
	assert.Equal(t, 2, list.Limit)

	resp = doJSON(t, http.MethodGet, "/v1/terms/"+uuid.New().String()+"/feed", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestLatestKPI(t *testing.T) {
	term := seedTerm(t, "claro kpi", "brand")
	seedContent(t, term.ID, "Empresa gana premio por mejora de servicio")
	runAnalysis(t)

	resp := doJSON(t, http.MethodGet, "/v1/kpi/latest", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap model.KPISnapshot
	decodeData(t, resp, &snap)
	assert.Equal(t, model.FormulaVersion, snap.FormulaVersion)
	assert.Greater(t, snap.Totals.Items, 0)

	resp = doJSON(t, http.MethodGet, "/v1/kpi/latest?source_type=video", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestSourceWeights(t *testing.T) {
	resp := doJSON(t, http.MethodPut, "/v1/source-weights", model.PutSourceWeightRequest{
		Provider: "newsapi", SourceName: "El Tiempo", Weight: 0.9, IsActive: true,
	})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	var saved model.SourceWeight
	decodeData(t, resp, &saved)
	assert.Equal(t, 0.9, saved.Weight)

	resp = doJSON(t, http.MethodPut, "/v1/source-weights", model.PutSourceWeightRequest{
		Provider: "newsapi", Weight: 1.5,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()

	resp = doJSON(t, http.MethodGet, "/v1/source-weights?provider=newsapi", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var weights []model.SourceWeight
	decodeData(t, resp, &weights)
	require.NotEmpty(t, weights)
}

func TestListRunsFilters(t *testing.T) {
	resp := doJSON(t, http.MethodGet, "/v1/runs?kind=analysis&status=completed&limit=5", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list struct {
		Data []model.Run `json:"data"`
	}
	defer func() { _ = resp.Body.Close() }()
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	for _, run := range list.Data {
		assert.Equal(t, model.RunKindAnalysis, run.Kind)
		assert.Equal(t, model.RunStatusCompleted, run.Status)
	}

	resp = doJSON(t, http.MethodGet, "/v1/runs?kind=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

func TestListSchedules(t *testing.T) {
	require.NoError(t, testDB.InsertSchedule(context.Background(), model.ReportSchedule{
		ID:         uuid.New(),
		TemplateID: "daily-brand",
		Frequency:  model.FrequencyDaily,
		TimeLocal:  "07:00",
		Timezone:   "America/Bogota",
		Recipients: []string{"ops@example.com"},
		IsActive:   true,
		CreatedAt:  time.Now().UTC(),
	}))

	resp := doJSON(t, http.MethodGet, "/v1/schedules", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var schedules []model.ReportSchedule
	decodeData(t, resp, &schedules)
	require.NotEmpty(t, schedules)
	assert.Equal(t, "daily-brand", schedules[0].TemplateID)
}

func TestRequestIDHeader(t *testing.T) {
	resp, err := http.Get(testSrv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))
	assert.Equal(t, "nosniff", resp.Header.Get("X-Content-Type-Options"))
}

func TestUnknownFieldRejected(t *testing.T) {
	resp := doJSON(t, http.MethodPost, "/v1/runs/analysis", map[string]any{
		"idempotency_key": "k", "bogus_field": true,
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	_ = resp.Body.Close()
}

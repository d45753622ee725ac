package runs

import (
	"context"
	"log/slog"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestGate(store GateStore) *Gate {
	return NewGate(store, testPolicies(), 24*time.Hour, testLogger())
}

func TestGateAcquireNewRun(t *testing.T) {
	gate := newTestGate(newFakeStore())

	res, err := gate.Acquire(context.Background(), model.RunKindAnalysis, "win-2026-08", map[string]any{"window_days": 7})
	require.NoError(t, err)

	assert.False(t, res.Reused)
	assert.Equal(t, model.RunStatusPending, res.Run.Status)
	assert.Equal(t, model.RunKindAnalysis, res.Run.Kind)
	assert.Equal(t, "win-2026-08", res.Run.IdempotencyKey)
	assert.NotEqual(t, uuid.Nil, res.Run.ID)
}

func TestGateRepeatedKeyReusesActiveRun(t *testing.T) {
	gate := newTestGate(newFakeStore())
	ctx := context.Background()

	first, err := gate.Acquire(ctx, model.RunKindAnalysis, "k1", nil)
	require.NoError(t, err)
	second, err := gate.Acquire(ctx, model.RunKindAnalysis, "k1", nil)
	require.NoError(t, err)

	assert.False(t, first.Reused)
	assert.True(t, second.Reused)
	assert.Equal(t, first.Run.ID, second.Run.ID)
}

func TestGateKeysAreScopedByKind(t *testing.T) {
	gate := newTestGate(newFakeStore())
	ctx := context.Background()

	analysis, err := gate.Acquire(ctx, model.RunKindAnalysis, "shared", nil)
	require.NoError(t, err)
	export, err := gate.Acquire(ctx, model.RunKindExport, "shared", nil)
	require.NoError(t, err)

	assert.False(t, analysis.Reused)
	assert.False(t, export.Reused)
	assert.NotEqual(t, analysis.Run.ID, export.Run.ID)
}

func TestGateAnalysisReusesRecentTerminalRun(t *testing.T) {
	store := newFakeStore()
	gate := newTestGate(store)
	ctx := context.Background()

	completedAt := time.Now().UTC().Add(-time.Hour)
	done := model.Run{
		ID: uuid.New(), Kind: model.RunKindAnalysis, IdempotencyKey: "k1",
		Status: model.RunStatusCompleted, CompletedAt: &completedAt,
	}
	store.seed(done)

	res, err := gate.Acquire(ctx, model.RunKindAnalysis, "k1", nil)
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Equal(t, done.ID, res.Run.ID)

	// Failed runs are an outcome too; the same key returns the failure.
	failedAt := time.Now().UTC().Add(-time.Hour)
	kind := model.ErrKindDependency
	failed := model.Run{
		ID: uuid.New(), Kind: model.RunKindAnalysis, IdempotencyKey: "k2",
		Status: model.RunStatusFailed, ErrorKind: &kind, CompletedAt: &failedAt,
	}
	store.seed(failed)

	res, err = gate.Acquire(ctx, model.RunKindAnalysis, "k2", nil)
	require.NoError(t, err)
	assert.True(t, res.Reused)
	assert.Equal(t, failed.ID, res.Run.ID)
}

func TestGateAnalysisTerminalPastRetentionStartsFresh(t *testing.T) {
	store := newFakeStore()
	gate := newTestGate(store)

	completedAt := time.Now().UTC().Add(-48 * time.Hour)
	stale := model.Run{
		ID: uuid.New(), Kind: model.RunKindAnalysis, IdempotencyKey: "k1",
		Status: model.RunStatusCompleted, CompletedAt: &completedAt,
	}
	store.seed(stale)

	res, err := gate.Acquire(context.Background(), model.RunKindAnalysis, "k1", nil)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.NotEqual(t, stale.ID, res.Run.ID)
	assert.Equal(t, model.RunStatusPending, res.Run.Status)
}

func TestGateReportNeverReusesTerminalRun(t *testing.T) {
	store := newFakeStore()
	gate := newTestGate(store)

	completedAt := time.Now().UTC().Add(-time.Minute)
	done := model.Run{
		ID: uuid.New(), Kind: model.RunKindReport, IdempotencyKey: "k1",
		Status: model.RunStatusCompleted, CompletedAt: &completedAt,
	}
	store.seed(done)

	res, err := gate.Acquire(context.Background(), model.RunKindReport, "k1", nil)
	require.NoError(t, err)
	assert.False(t, res.Reused)
	assert.NotEqual(t, done.ID, res.Run.ID)
}

func TestGateRejectsInvalidKeys(t *testing.T) {
	gate := newTestGate(newFakeStore())
	ctx := context.Background()

	_, err := gate.Acquire(ctx, model.RunKindAnalysis, "", nil)
	assert.Error(t, err)

	_, err = gate.Acquire(ctx, model.RunKindAnalysis, "   ", nil)
	assert.Error(t, err)

	_, err = gate.Acquire(ctx, model.RunKindAnalysis, strings.Repeat("x", model.MaxIdempotencyKeyLen+1), nil)
	assert.Error(t, err)
}

func TestGateUnknownKind(t *testing.T) {
	gate := newTestGate(newFakeStore())

	_, err := gate.Acquire(context.Background(), model.RunKind("bogus"), "k1", nil)
	assert.ErrorIs(t, err, ErrUnknownKind)
}

func TestGateConcurrentAcquireConvergesOnOneRun(t *testing.T) {
	gate := newTestGate(newFakeStore())
	ctx := context.Background()

	const callers = 32
	results := make([]AcquireResult, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := gate.Acquire(ctx, model.RunKindExport, "burst", nil)
			assert.NoError(t, err)
			results[i] = res
		}(i)
	}
	wg.Wait()

	created := 0
	for _, res := range results {
		assert.Equal(t, results[0].Run.ID, res.Run.ID, "all callers must converge on one run")
		if !res.Reused {
			created++
		}
	}
	assert.Equal(t, 1, created, "exactly one caller creates the run")
}

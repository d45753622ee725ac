package runs

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

func runningRun(kind model.RunKind, startedAgo time.Duration) model.Run {
	now := time.Now().UTC()
	started := now.Add(-startedAgo)
	return model.Run{
		ID: uuid.New(), Kind: kind, IdempotencyKey: uuid.NewString(),
		Status: model.RunStatusRunning, StartedAt: &started,
		CreatedAt: started, UpdatedAt: started,
	}
}

func TestReaperFailsOverdueRuns(t *testing.T) {
	store := newFakeStore()
	overdue := runningRun(model.RunKindAnalysis, 2*time.Hour)
	fresh := runningRun(model.RunKindAnalysis, time.Second)
	store.seed(overdue)
	store.seed(fresh)

	r := NewReaper(store, testPolicies(), time.Minute, testLogger())
	r.sweep(context.Background())

	got := store.get(overdue.ID)
	assert.Equal(t, model.RunStatusFailed, got.Status)
	require.NotNil(t, got.ErrorKind)
	assert.Equal(t, model.ErrKindTimeout, *got.ErrorKind)
	assert.NotNil(t, got.CompletedAt)

	assert.Equal(t, model.RunStatusRunning, store.get(fresh.ID).Status)
}

func TestReaperUsesPerKindTimeouts(t *testing.T) {
	store := newFakeStore()
	// 5 minutes in: past a 1m timeout, within a 10m one.
	report := runningRun(model.RunKindReport, 5*time.Minute)
	analysis := runningRun(model.RunKindAnalysis, 5*time.Minute)
	store.seed(report)
	store.seed(analysis)

	policies := PolicyTable{
		model.RunKindReport:   {Timeout: time.Minute},
		model.RunKindAnalysis: {Timeout: 10 * time.Minute},
	}
	r := NewReaper(store, policies, time.Minute, testLogger())
	r.sweep(context.Background())

	assert.Equal(t, model.RunStatusFailed, store.get(report.ID).Status)
	assert.Equal(t, model.RunStatusRunning, store.get(analysis.ID).Status)
}

func TestReaperStartStop(t *testing.T) {
	store := newFakeStore()
	overdue := runningRun(model.RunKindExport, time.Hour)
	store.seed(overdue)

	r := NewReaper(store, testPolicies(), 10*time.Millisecond, testLogger())
	r.Start(context.Background())

	require.Eventually(t, func() bool {
		return store.get(overdue.ID).Status == model.RunStatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(stopCtx)
}

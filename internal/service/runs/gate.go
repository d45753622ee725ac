package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/telemetry"
)

// GateStore is the storage surface the gate composes its compare-and-create
// on. All uniqueness guarantees live in the database; the gate only decides
// which existing run, if any, may satisfy a repeated key.
type GateStore interface {
	InsertRunIfAbsent(ctx context.Context, run model.Run) (bool, error)
	GetActiveRun(ctx context.Context, kind model.RunKind, key string) (model.Run, error)
	GetLatestRun(ctx context.Context, kind model.RunKind, key string) (model.Run, error)
}

// ErrUnknownKind is returned for a run kind with no policy.
var ErrUnknownKind = errors.New("runs: unknown run kind")

// AcquireResult is the gate's answer: the run that now holds the key, and
// whether it pre-existed this call.
type AcquireResult struct {
	Run    model.Run
	Reused bool
}

// Gate admits work through the idempotency contract: for each
// (kind, idempotency_key) at most one non-terminal run exists, ever.
type Gate struct {
	store     GateStore
	policies  PolicyTable
	retention time.Duration
	logger    *slog.Logger
	now       func() time.Time

	acquired metric.Int64Counter
}

// NewGate creates the idempotency gate. retention bounds how long terminal
// runs stay eligible for reuse under ReuseTerminal policies.
func NewGate(store GateStore, policies PolicyTable, retention time.Duration, logger *slog.Logger) *Gate {
	meter := telemetry.Meter("monitord/runs")
	acquired, _ := meter.Int64Counter("monitord.runs.acquired",
		metric.WithDescription("Run acquisitions through the idempotency gate"),
	)
	return &Gate{
		store:     store,
		policies:  policies,
		retention: retention,
		logger:    logger,
		now:       time.Now,
		acquired:  acquired,
	}
}

// Acquire returns the run that holds (kind, key), creating a pending one if
// no eligible run exists. It never blocks on execution; callers poll the run
// for its outcome.
//
// The compare-and-create is a single conditional insert against the partial
// unique index, retried through the storage backoff helper on serialization
// conflicts. Two concurrent calls with the same key therefore converge on
// one run: one inserts, the other reads the winner back.
func (g *Gate) Acquire(ctx context.Context, kind model.RunKind, key string, input map[string]any) (AcquireResult, error) {
	policy, ok := g.policies[kind]
	if !ok {
		return AcquireResult{}, fmt.Errorf("%w: %s", ErrUnknownKind, kind)
	}
	if err := model.ValidateIdempotencyKey(key); err != nil {
		return AcquireResult{}, err
	}

	now := g.now().UTC()

	if policy.Reuse == ReuseTerminal {
		latest, err := g.store.GetLatestRun(ctx, kind, key)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			// No prior run; fall through to insert.
		case err != nil:
			return AcquireResult{}, err
		case latest.Status.Terminal() && latest.CompletedAt != nil && now.Sub(*latest.CompletedAt) <= g.retention:
			g.record(ctx, kind, true)
			return AcquireResult{Run: latest, Reused: true}, nil
		case !latest.Status.Terminal():
			g.record(ctx, kind, true)
			return AcquireResult{Run: latest, Reused: true}, nil
		}
		// Terminal but past retention: a fresh run takes over the key.
	}

	run := model.Run{
		ID:             uuid.New(),
		Kind:           kind,
		IdempotencyKey: key,
		Status:         model.RunStatusPending,
		Input:          input,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	// The insert can race a concurrent holder going terminal, which makes
	// both the insert and the follow-up active lookup miss. Loop: the next
	// insert then wins.
	for attempt := 0; attempt < 3; attempt++ {
		var inserted bool
		err := storage.WithRetry(ctx, 3, 10*time.Millisecond, func() error {
			var err error
			inserted, err = g.store.InsertRunIfAbsent(ctx, run)
			return err
		})
		if err != nil {
			return AcquireResult{}, err
		}
		if inserted {
			g.record(ctx, kind, false)
			g.logger.Info("run admitted",
				"run_id", run.ID, "kind", kind, "idempotency_key", key)
			return AcquireResult{Run: run, Reused: false}, nil
		}

		active, err := g.store.GetActiveRun(ctx, kind, key)
		if err == nil {
			g.record(ctx, kind, true)
			return AcquireResult{Run: active, Reused: true}, nil
		}
		if !errors.Is(err, storage.ErrNotFound) {
			return AcquireResult{}, err
		}
	}
	return AcquireResult{}, fmt.Errorf("runs: could not acquire key %q for kind %s", key, kind)
}

func (g *Gate) record(ctx context.Context, kind model.RunKind, reused bool) {
	g.acquired.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(kind)),
		attribute.Bool("reused", reused),
	))
}

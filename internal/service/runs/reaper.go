package runs

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/telemetry"
)

// ReapStore is the storage surface the reaper sweeps through.
type ReapStore interface {
	ReapTimedOut(ctx context.Context, kind model.RunKind, cutoff, now time.Time) ([]uuid.UUID, error)
}

// Reaper periodically force-fails runs that have been running longer than
// their kind's timeout. It is the backstop for workers that died without
// recording an outcome; without it a crashed worker would pin the
// idempotency key forever.
type Reaper struct {
	store    ReapStore
	policies PolicyTable
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}

	reaped metric.Int64Counter
}

// NewReaper creates the timeout reaper.
func NewReaper(store ReapStore, policies PolicyTable, interval time.Duration, logger *slog.Logger) *Reaper {
	meter := telemetry.Meter("monitord/runs")
	reaped, _ := meter.Int64Counter("monitord.runs.reaped",
		metric.WithDescription("Runs force-failed after exceeding their kind timeout"),
	)
	return &Reaper{
		store:    store,
		policies: policies,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
		reaped:   reaped,
	}
}

// Start begins the sweep loop. Safe to call only once.
func (r *Reaper) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		r.logger.Warn("reaper: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	go r.loop(loopCtx)
}

// Stop halts the sweep loop and waits for the current sweep to finish.
func (r *Reaper) Stop(ctx context.Context) {
	if r.cancel == nil {
		return
	}
	r.cancel()
	select {
	case <-r.done:
	case <-ctx.Done():
		r.logger.Warn("reaper: stop timed out")
	}
}

func (r *Reaper) loop(ctx context.Context) {
	defer close(r.done)
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

// sweep force-fails overdue runs for every kind with a policy. Each kind
// uses its own timeout as the cutoff.
func (r *Reaper) sweep(ctx context.Context) {
	now := r.now().UTC()
	for kind, policy := range r.policies {
		cutoff := now.Add(-policy.Timeout)
		ids, err := r.store.ReapTimedOut(ctx, kind, cutoff, now)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("reaper: sweep", "kind", kind, "error", err)
			}
			continue
		}
		if len(ids) == 0 {
			continue
		}
		r.reaped.Add(ctx, int64(len(ids)), metric.WithAttributes(
			attribute.String("kind", string(kind)),
		))
		for _, id := range ids {
			r.logger.Warn("run reaped after timeout",
				"run_id", id, "kind", kind, "timeout", policy.Timeout)
		}
	}
}

package runs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/errgroup"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/telemetry"
)

// Executor performs one claimed run and returns the output to record on it.
// A nil error completes the run (or parks it in pending_review when the
// kind's policy has an approval gate); an error fails it permanently.
type Executor interface {
	Execute(ctx context.Context, run model.Run) (map[string]any, error)
}

// ExecutorFunc adapts a function to the Executor interface.
type ExecutorFunc func(ctx context.Context, run model.Run) (map[string]any, error)

// Execute calls f.
func (f ExecutorFunc) Execute(ctx context.Context, run model.Run) (map[string]any, error) {
	return f(ctx, run)
}

// DispatchStore is the storage surface the dispatcher drives runs through.
type DispatchStore interface {
	ClaimNextPending(ctx context.Context, now time.Time) (model.Run, error)
	CompleteRun(ctx context.Context, id uuid.UUID, output map[string]any, now time.Time) error
	MarkRunPendingReview(ctx context.Context, id uuid.UUID, output map[string]any, now time.Time) error
	FailRun(ctx context.Context, id uuid.UUID, kind model.ErrorKind, message string, now time.Time) error
}

// Dispatcher claims pending runs and executes them on a fixed worker pool.
// Each worker polls independently; SKIP LOCKED on the claim keeps workers
// off each other's rows, so adding workers adds throughput without
// coordination.
type Dispatcher struct {
	store     DispatchStore
	executors map[model.RunKind]Executor
	policies  PolicyTable
	workers   int
	poll      time.Duration
	logger    *slog.Logger
	now       func() time.Time

	started atomic.Bool
	cancel  context.CancelFunc
	group   *errgroup.Group

	finished metric.Int64Counter
	duration metric.Float64Histogram
}

// NewDispatcher creates a dispatcher over the given executor registry.
func NewDispatcher(store DispatchStore, executors map[model.RunKind]Executor, policies PolicyTable, workers int, poll time.Duration, logger *slog.Logger) *Dispatcher {
	meter := telemetry.Meter("monitord/runs")
	finished, _ := meter.Int64Counter("monitord.runs.finished",
		metric.WithDescription("Runs driven to an outcome, by kind and status"),
	)
	duration, _ := meter.Float64Histogram("monitord.runs.duration_seconds",
		metric.WithDescription("Run execution wall time"),
	)
	return &Dispatcher{
		store:     store,
		executors: executors,
		policies:  policies,
		workers:   workers,
		poll:      poll,
		logger:    logger,
		now:       time.Now,
		finished:  finished,
		duration:  duration,
	}
}

// Start launches the worker pool. Safe to call only once; subsequent calls
// are no-ops and log a warning.
func (d *Dispatcher) Start(ctx context.Context) {
	if !d.started.CompareAndSwap(false, true) {
		d.logger.Warn("dispatcher: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.group, loopCtx = errgroup.WithContext(loopCtx)
	for i := 0; i < d.workers; i++ {
		worker := i
		d.group.Go(func() error {
			d.workerLoop(loopCtx, worker)
			return nil
		})
	}
}

// Drain stops claiming new runs and waits for in-flight executions to
// finish or the context to expire. Runs still running at a hard shutdown
// are recovered later by the reaper.
func (d *Dispatcher) Drain(ctx context.Context) {
	if d.cancel == nil {
		return
	}
	d.cancel()

	done := make(chan struct{})
	go func() {
		_ = d.group.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		d.logger.Warn("dispatcher: drain timed out")
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(d.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain the queue before sleeping again so a burst of pending
			// runs is not paced at one per poll interval.
			for d.processNext(ctx) {
				select {
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// processNext claims and executes at most one pending run. Returns false
// when the queue is empty or the claim failed.
func (d *Dispatcher) processNext(ctx context.Context) bool {
	run, err := d.store.ClaimNextPending(ctx, d.now().UTC())
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) && ctx.Err() == nil {
			d.logger.Error("dispatcher: claim pending run", "error", err)
		}
		return false
	}
	d.execute(ctx, run)
	return true
}

// execute drives one claimed run to a terminal (or pending_review) state.
// Outcome recording uses a fresh context so a canceled worker still leaves
// the run consistent.
func (d *Dispatcher) execute(ctx context.Context, run model.Run) {
	policy, ok := d.policies[run.Kind]
	if !ok {
		d.fail(run, model.ErrKindValidation, fmt.Sprintf("no policy for run kind %q", run.Kind))
		return
	}
	exec, ok := d.executors[run.Kind]
	if !ok {
		d.fail(run, model.ErrKindValidation, fmt.Sprintf("no executor for run kind %q", run.Kind))
		return
	}

	execCtx, cancel := context.WithTimeout(ctx, policy.Timeout)
	defer cancel()

	started := d.now()
	output, err := exec.Execute(execCtx, run)
	elapsed := d.now().Sub(started)
	d.duration.Record(ctx, elapsed.Seconds(), metric.WithAttributes(
		attribute.String("kind", string(run.Kind)),
	))

	if err != nil {
		d.fail(run, classify(err), err.Error())
		return
	}

	now := d.now().UTC()
	status := model.RunStatusCompleted
	recordCtx, recordCancel := outcomeContext()
	defer recordCancel()
	if policy.ApprovalGate {
		status = model.RunStatusPendingReview
		err = d.store.MarkRunPendingReview(recordCtx, run.ID, output, now)
	} else {
		err = d.store.CompleteRun(recordCtx, run.ID, output, now)
	}
	if err != nil {
		// The reaper picks the run up once it exceeds the kind timeout.
		d.logger.Error("dispatcher: record run outcome",
			"run_id", run.ID, "kind", run.Kind, "error", err)
		return
	}

	d.finished.Add(recordCtx, 1, metric.WithAttributes(
		attribute.String("kind", string(run.Kind)),
		attribute.String("status", string(status)),
	))
	d.logger.Info("run finished",
		"run_id", run.ID, "kind", run.Kind, "status", status,
		"duration_ms", elapsed.Milliseconds())
}

func (d *Dispatcher) fail(run model.Run, kind model.ErrorKind, message string) {
	now := d.now().UTC()
	ctx, cancel := outcomeContext()
	defer cancel()
	if err := d.store.FailRun(ctx, run.ID, kind, message, now); err != nil {
		d.logger.Error("dispatcher: record run failure",
			"run_id", run.ID, "kind", run.Kind, "error", err)
		return
	}
	d.finished.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", string(run.Kind)),
		attribute.String("status", string(model.RunStatusFailed)),
		attribute.String("error_kind", string(kind)),
	))
	d.logger.Warn("run failed",
		"run_id", run.ID, "kind", run.Kind, "error_kind", kind, "error", message)
}

// outcomeContext is detached from the worker context so shutdown does not
// lose an outcome that already happened.
func outcomeContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

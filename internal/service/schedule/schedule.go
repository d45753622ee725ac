// Package schedule triggers report runs from report_schedules. The trigger
// loop is stateless: the run's idempotency key is derived from the schedule
// and the scheduled instant, so restarting the loop (or running several
// instances) never produces duplicate runs for one slot.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/runs"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/storage"
)

// Store lists the schedules the trigger evaluates and answers whether a
// slot's run has already been recorded.
type Store interface {
	ListActiveSchedules(ctx context.Context) ([]model.ReportSchedule, error)
	GetLatestRun(ctx context.Context, kind model.RunKind, key string) (model.Run, error)
}

// Admitter is the idempotency gate surface the trigger submits runs through.
type Admitter interface {
	Acquire(ctx context.Context, kind model.RunKind, key string, input map[string]any) (runs.AcquireResult, error)
}

// Trigger periodically fires report runs for schedules whose slot has
// arrived.
type Trigger struct {
	store    Store
	gate     Admitter
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	started atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewTrigger creates the schedule trigger.
func NewTrigger(store Store, gate Admitter, interval time.Duration, logger *slog.Logger) *Trigger {
	return &Trigger{
		store:    store,
		gate:     gate,
		interval: interval,
		logger:   logger,
		now:      time.Now,
		done:     make(chan struct{}),
	}
}

// Start begins the trigger loop. Safe to call only once.
func (t *Trigger) Start(ctx context.Context) {
	if !t.started.CompareAndSwap(false, true) {
		t.logger.Warn("schedule trigger: Start called more than once, ignoring")
		return
	}
	loopCtx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	go t.loop(loopCtx)
}

// Stop halts the trigger loop and waits for the current tick to finish.
func (t *Trigger) Stop(ctx context.Context) {
	if t.cancel == nil {
		return
	}
	t.cancel()
	select {
	case <-t.done:
	case <-ctx.Done():
		t.logger.Warn("schedule trigger: stop timed out")
	}
}

func (t *Trigger) loop(ctx context.Context) {
	defer close(t.done)
	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.tick(ctx)
		}
	}
}

// tick submits a run for every schedule due at this instant. A slot fires
// at most once: spent slots are skipped before the gate, and concurrent
// ticks racing on a fresh slot converge on one run inside it.
func (t *Trigger) tick(ctx context.Context) {
	schedules, err := t.store.ListActiveSchedules(ctx)
	if err != nil {
		if ctx.Err() == nil {
			t.logger.Error("schedule trigger: list schedules", "error", err)
		}
		return
	}

	now := t.now()
	for _, s := range schedules {
		slot, due, err := DueSlot(s, now)
		if err != nil {
			t.logger.Error("schedule trigger: bad schedule",
				"schedule_id", s.ID, "error", err)
			continue
		}
		if !due {
			continue
		}

		key := SlotKey(s.ID, slot)

		// A slot fires at most once. Report runs dedupe only while active,
		// so a failed or approved run would not block a re-acquire on the
		// next tick; any recorded run for the slot key, terminal or not,
		// means the slot is spent.
		if _, err := t.store.GetLatestRun(ctx, model.RunKindReport, key); err == nil {
			continue
		} else if !errors.Is(err, storage.ErrNotFound) {
			t.logger.Error("schedule trigger: look up slot run",
				"schedule_id", s.ID, "error", err)
			continue
		}

		res, err := t.gate.Acquire(ctx, model.RunKindReport, key, map[string]any{
			"schedule_id": s.ID.String(),
			"template_id": s.TemplateID,
			"recipients":  s.Recipients,
			"slot":        slot.Format(time.RFC3339),
		})
		if err != nil {
			t.logger.Error("schedule trigger: submit report run",
				"schedule_id", s.ID, "error", err)
			continue
		}
		if !res.Reused {
			t.logger.Info("scheduled report run admitted",
				"schedule_id", s.ID, "run_id", res.Run.ID, "slot", slot)
		}
	}
}

// SlotKey derives the idempotency key for a schedule slot.
func SlotKey(scheduleID uuid.UUID, slot time.Time) string {
	return fmt.Sprintf("schedule:%s:%s", scheduleID, slot.UTC().Format(time.RFC3339))
}

// DueSlot computes the most recent slot of s at or before now, and whether
// it falls inside the current day's firing window. A slot is due from its
// instant until the end of that calendar day in the schedule's timezone;
// the trigger's spent-slot check keeps repeated ticks from refiring it.
func DueSlot(s model.ReportSchedule, now time.Time) (time.Time, bool, error) {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("schedule: load timezone %q: %w", s.Timezone, err)
	}
	var hh, mm int
	if _, err := fmt.Sscanf(s.TimeLocal, "%d:%d", &hh, &mm); err != nil {
		return time.Time{}, false, fmt.Errorf("schedule: parse time_local %q: %w", s.TimeLocal, err)
	}
	if hh < 0 || hh > 23 || mm < 0 || mm > 59 {
		return time.Time{}, false, fmt.Errorf("schedule: time_local %q out of range", s.TimeLocal)
	}

	local := now.In(loc)
	slot := time.Date(local.Year(), local.Month(), local.Day(), hh, mm, 0, 0, loc)

	switch s.Frequency {
	case model.FrequencyDaily:
		// Today's slot, if it has arrived.
	case model.FrequencyWeekly:
		if s.DayOfWeek == nil {
			return time.Time{}, false, fmt.Errorf("schedule: weekly schedule %s has no day_of_week", s.ID)
		}
		offset := (int(local.Weekday()) - *s.DayOfWeek + 7) % 7
		slot = slot.AddDate(0, 0, -offset)
		if offset != 0 {
			// A past weekday's slot is stale, not due.
			return slot, false, nil
		}
	default:
		return time.Time{}, false, fmt.Errorf("schedule: unknown frequency %q", s.Frequency)
	}

	return slot, !local.Before(slot), nil
}

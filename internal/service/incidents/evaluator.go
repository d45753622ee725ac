// Package incidents turns KPI snapshots into operational incidents. The
// evaluator only ever opens or refreshes open incidents; acknowledging and
// resolving are human actions that go through the HTTP surface.
package incidents

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

// Trigger metrics recorded on incidents. Together with the scope they form
// the dedupe signature for open incidents.
const (
	MetricRiesgoActivo = "riesgo_activo"
	MetricSeveridad    = "severidad"
)

// totalsScope is the scope recorded for breaches of the window totals, as
// opposed to a named scope bucket.
const totalsScope = "total"

// Store is the storage surface the evaluator reads and writes.
type Store interface {
	LatestSnapshot(ctx context.Context, sourceType string, onlySufficient bool) (model.KPISnapshot, error)
	UpsertOpenIncident(ctx context.Context, inc model.Incident) (model.Incident, bool, error)
}

// Result summarizes one evaluation pass.
type Result struct {
	SnapshotID uuid.UUID `json:"snapshot_id"`
	Opened     int       `json:"incidents_opened"`
	Updated    int       `json:"incidents_updated"`
}

// Evaluator applies the incident rules against the latest sufficient
// snapshot. Evaluation is idempotent: re-running against the same snapshot
// refreshes the open incidents it already produced instead of duplicating
// them.
type Evaluator struct {
	store     Store
	riskBound float64
	logger    *slog.Logger
	now       func() time.Time

	opened metric.Int64Counter
}

// NewEvaluator creates an evaluator. riskBound is the riesgo_activo value at
// or above which an incident opens.
func NewEvaluator(store Store, riskBound float64, logger *slog.Logger) *Evaluator {
	meter := telemetry.Meter("monitord/incidents")
	opened, _ := meter.Int64Counter("monitord.incidents.opened",
		metric.WithDescription("Incidents opened by the evaluator, by trigger metric"),
	)
	return &Evaluator{
		store:     store,
		riskBound: riskBound,
		logger:    logger,
		now:       time.Now,
		opened:    opened,
	}
}

// Execute implements the run executor contract for incident_evaluation
// runs. The run input may carry a source_type filter; it defaults to "all".
func (e *Evaluator) Execute(ctx context.Context, run model.Run) (map[string]any, error) {
	sourceType := "all"
	if st, ok := run.Input["source_type"].(string); ok && st != "" {
		sourceType = st
	}
	if err := model.ValidateSourceType(sourceType); err != nil {
		return nil, fmt.Errorf("incidents: %w", err)
	}

	res, err := e.Evaluate(ctx, sourceType)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"snapshot_id":       res.SnapshotID.String(),
		"incidents_opened":  res.Opened,
		"incidents_updated": res.Updated,
	}, nil
}

// Evaluate runs the rules against the latest sufficient snapshot for the
// source type. Snapshots flagged insufficient_data never open incidents,
// so the lookup is restricted to sufficient ones.
func (e *Evaluator) Evaluate(ctx context.Context, sourceType string) (Result, error) {
	snap, err := e.store.LatestSnapshot(ctx, sourceType, true)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return Result{}, fmt.Errorf("incidents: no sufficient snapshot for source type %q: %w", sourceType, err)
		}
		return Result{}, err
	}

	res := Result{SnapshotID: snap.ID}
	for _, br := range e.breaches(snap) {
		inc, opened, err := e.store.UpsertOpenIncident(ctx, br)
		if err != nil {
			return Result{}, err
		}
		if opened {
			res.Opened++
			e.opened.Add(ctx, 1, metric.WithAttributes(
				attribute.String("trigger_metric", inc.TriggerMetric),
			))
			e.logger.Warn("incident opened",
				"incident_id", inc.ID, "trigger_metric", inc.TriggerMetric,
				"scope", inc.Scope, "severity", inc.Severity, "trigger_value", inc.TriggerValue)
		} else {
			res.Updated++
			e.logger.Info("incident refreshed",
				"incident_id", inc.ID, "trigger_metric", inc.TriggerMetric,
				"scope", inc.Scope, "trigger_value", inc.TriggerValue)
		}
	}
	return res, nil
}

// breaches derives the incident candidates from a snapshot. Two rules:
// riesgo_activo at or above the open bound, and a severity tier of SEV1 or
// SEV2. Both apply to the totals and to each scope bucket independently.
func (e *Evaluator) breaches(snap model.KPISnapshot) []model.Incident {
	var out []model.Incident
	out = append(out, e.checkBucket(snap, totalsScope, snap.Totals)...)
	for scope, m := range snap.ByScope {
		out = append(out, e.checkBucket(snap, scope, m)...)
	}
	return out
}

func (e *Evaluator) checkBucket(snap model.KPISnapshot, scope string, m model.ScopeMetrics) []model.Incident {
	var out []model.Incident
	if m.RiesgoActivo >= e.riskBound {
		out = append(out, e.incident(snap, MetricRiesgoActivo, scope, m))
	}
	if m.Severidad == model.SeveritySEV1 || m.Severidad == model.SeveritySEV2 {
		out = append(out, e.incident(snap, MetricSeveridad, scope, m))
	}
	return out
}

func (e *Evaluator) incident(snap model.KPISnapshot, metricName, scope string, m model.ScopeMetrics) model.Incident {
	return model.Incident{
		ID:            uuid.New(),
		Status:        model.IncidentStatusOpen,
		TriggerMetric: metricName,
		Scope:         scope,
		Severity:      m.Severidad,
		TriggerValue:  m.RiesgoActivo,
		WindowStart:   snap.WindowStart,
		WindowEnd:     snap.WindowEnd,
		CreatedAt:     e.now().UTC(),
	}
}

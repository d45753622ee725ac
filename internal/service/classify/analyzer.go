package classify

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/aggregate"
	"github.com/alejandrogutier/claro-data-ai-sub005/internal/service/runs"
)

// Store is the storage surface the analysis pipeline reads and writes.
type Store interface {
	ListTerms(ctx context.Context) ([]model.Term, error)
	ListUnclassified(ctx context.Context, termID uuid.UUID, windowStart, windowEnd time.Time, limit int) ([]model.ContentRecord, error)
	ApplyClassification(ctx context.Context, id uuid.UUID, cl model.Classification, now time.Time) error
	QueryWindow(ctx context.Context, windowStart, windowEnd time.Time, sourceType string) ([]model.ContentRecord, error)
	ListSourceWeights(ctx context.Context, provider string, includeInactive bool) ([]model.SourceWeight, error)
	InsertSnapshot(ctx context.Context, s model.KPISnapshot) error
}

// Analyzer executes analysis runs: score pending records in the window,
// then aggregate the whole window into a persisted KPI snapshot.
type Analyzer struct {
	store      Store
	classifier Classifier
	formula    aggregate.Config
	logger     *slog.Logger
	now        func() time.Time
}

// NewAnalyzer creates the analysis run executor.
func NewAnalyzer(store Store, classifier Classifier, formula aggregate.Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		store:      store,
		classifier: classifier,
		formula:    formula,
		logger:     logger,
		now:        time.Now,
	}
}

// Execute implements the run executor contract for analysis runs.
//
// Input fields: window_days (default 7, capped by the window validator) and
// source_type (default "all"). The window end is the run's creation time so
// re-executions of the same run see the same window.
func (a *Analyzer) Execute(ctx context.Context, run model.Run) (map[string]any, error) {
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

	budget := model.MaxAnalysisLimit
	if l, ok := run.Input["limit"].(float64); ok && l > 0 {
		budget = int(l)
	}
	if budget > model.MaxAnalysisLimit {
		return nil, runs.FailWith(model.ErrKindValidation,
			fmt.Errorf("limit exceeds maximum of %d", model.MaxAnalysisLimit))
	}

	window := model.Window{
		Start: run.CreatedAt.UTC().AddDate(0, 0, -windowDays),
		End:   run.CreatedAt.UTC(),
	}

	classified, err := a.classifyPending(ctx, window, budget)
	if err != nil {
		return nil, err
	}

	snap, err := a.aggregateWindow(ctx, window, sourceType)
	if err != nil {
		return nil, err
	}

	a.logger.Info("analysis run aggregated",
		"run_id", run.ID, "snapshot_id", snap.ID,
		"items", snap.Totals.Items, "classified", snap.Totals.ClassifiedItems,
		"newly_classified", classified, "insufficient_data", snap.InsufficientData)

	return map[string]any{
		"snapshot_id":       snap.ID.String(),
		"window_start":      window.Start.Format(time.RFC3339),
		"window_end":        window.End.Format(time.RFC3339),
		"items":             snap.Totals.Items,
		"classified_items":  snap.Totals.ClassifiedItems,
		"newly_classified":  classified,
		"insufficient_data": snap.InsufficientData,
	}, nil
}

// classifyPending scores every unclassified record in the window, capped
// per term by its max_articles_per_run and overall by the run's budget.
// A scoring failure is a dependency failure for the whole run;
// already-applied classifications stay applied and are picked up by the
// next run instead of being rescored.
func (a *Analyzer) classifyPending(ctx context.Context, window model.Window, budget int) (int, error) {
	terms, err := a.store.ListTerms(ctx)
	if err != nil {
		return 0, err
	}

	classified := 0
	for _, term := range terms {
		if classified >= budget {
			break
		}
		limit := term.MaxArticlesPerRun
		if limit <= 0 {
			limit = model.MaxAnalysisLimit
		}
		if remaining := budget - classified; limit > remaining {
			limit = remaining
		}
		pending, err := a.store.ListUnclassified(ctx, term.ID, window.Start, window.End, limit)
		if err != nil {
			return classified, err
		}
		for _, record := range pending {
			cl, err := a.classifier.Classify(ctx, record)
			if err != nil {
				return classified, runs.FailWith(model.ErrKindDependency,
					fmt.Errorf("classify record %s: %w", record.ID, err))
			}
			if err := a.store.ApplyClassification(ctx, record.ID, cl, a.now().UTC()); err != nil {
				return classified, err
			}
			classified++
		}
	}
	return classified, nil
}

// aggregateWindow computes and persists the snapshot for the window.
func (a *Analyzer) aggregateWindow(ctx context.Context, window model.Window, sourceType string) (model.KPISnapshot, error) {
	contents, err := a.store.QueryWindow(ctx, window.Start, window.End, sourceType)
	if err != nil {
		return model.KPISnapshot{}, err
	}
	terms, err := a.store.ListTerms(ctx)
	if err != nil {
		return model.KPISnapshot{}, err
	}
	termIndex := make(map[uuid.UUID]model.Term, len(terms))
	for _, t := range terms {
		termIndex[t.ID] = t
	}
	weights, err := a.store.ListSourceWeights(ctx, "", false)
	if err != nil {
		return model.KPISnapshot{}, err
	}

	snap := aggregate.Compute(aggregate.Inputs{
		Window:     window,
		SourceType: sourceType,
		Contents:   contents,
		Terms:      termIndex,
		Weights:    weights,
		ComputedAt: a.now().UTC(),
	}, a.formula)

	if err := a.store.InsertSnapshot(ctx, snap); err != nil {
		return model.KPISnapshot{}, err
	}
	return snap, nil
}

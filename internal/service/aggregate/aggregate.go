// Package aggregate computes versioned KPI snapshots from content records,
// their classifications and the configured source weights.
//
// Compute is a pure function: identical inputs always produce an identical
// snapshot. No clock, randomness or storage reads happen inside the formula;
// the caller supplies the computation timestamp and the snapshot id is
// derived from the inputs.
package aggregate

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

// snapshotNamespace seeds deterministic snapshot ids (uuid v5).
var snapshotNamespace = uuid.MustParse("9f2c1d18-5a67-4e0b-8d53-3b1f0ee3c2aa")

// Thresholds are the riesgo_activo bounds for the severity tiers. They are
// configuration, not formula shape: tuning them does not bump the formula
// version.
type Thresholds struct {
	SEV1 float64
	SEV2 float64
	SEV3 float64
}

// Config tunes the formula without changing its shape.
type Config struct {
	// MinClassified is the floor below which the snapshot is flagged
	// insufficient_data and downstream consumers treat scores as provisional.
	MinClassified int
	// NeutralWeight applies when neither a source-specific nor a
	// provider-default weight is configured.
	NeutralWeight float64
	Severity      Thresholds
}

// Inputs is everything Compute reads. Terms maps term id to its config so
// scope assignment needs no store access.
type Inputs struct {
	Window     model.Window
	SourceType string
	Contents   []model.ContentRecord
	Terms      map[uuid.UUID]model.Term
	Weights    []model.SourceWeight
	ComputedAt time.Time
}

// bucket accumulates one scope's raw figures before scoring.
type bucket struct {
	items          int
	classified     int
	sentimentSum   float64
	sentimentKnown int
	negative       int
	riskSum        float64
	riskKnown      int
}

// providerAcc accumulates per-provider weighted relevance.
type providerAcc struct {
	items       int
	weightedRel float64
}

// Compute derives a KPI snapshot for the window.
//
// Scope assignment: each record joins the bucket of its term's scope;
// records whose term has no scope (or whose term is unknown) count in
// totals.items and diagnostics.unscoped_items only and are never
// fabricated into a bucket.
//
// Sentiment: sentimiento_neto is the mean sentiment of classified records
// with a known score, scaled to [-100, 100]. Classified records without a
// usable score count in diagnostics.unknown_sentiment_items and leave the
// average's denominator.
//
// Quality: each record's contribution to its provider's quality_score is
// its relevance scaled by the active weight for (provider, source_name),
// falling back to the provider default, then to the neutral weight.
func Compute(in Inputs, cfg Config) model.KPISnapshot {
	totals := &bucket{}
	byScope := map[string]*bucket{}
	providers := map[string]*providerAcc{}
	diag := model.SnapshotDiagnostics{}

	weights := indexWeights(in.Weights)

	for _, c := range in.Contents {
		totals.items++

		scope := ""
		if term, ok := in.Terms[c.TermID]; ok && term.Scope != nil && *term.Scope != "" {
			scope = *term.Scope
		}
		if scope == "" {
			diag.UnscopedItems++
		} else if byScope[scope] == nil {
			byScope[scope] = &bucket{}
		}
		if scope != "" {
			byScope[scope].items++
		}

		if !c.Classified() {
			continue
		}
		totals.classified++
		if scope != "" {
			byScope[scope].classified++
		}

		if c.Sentiment == nil {
			diag.UnknownSentimentItems++
		} else {
			addSentiment(totals, *c.Sentiment)
			if scope != "" {
				addSentiment(byScope[scope], *c.Sentiment)
			}
		}
		if c.Risk != nil {
			totals.riskSum += *c.Risk
			totals.riskKnown++
			if scope != "" {
				byScope[scope].riskSum += *c.Risk
				byScope[scope].riskKnown++
			}
		}

		acc := providers[c.Provider]
		if acc == nil {
			acc = &providerAcc{}
			providers[c.Provider] = acc
		}
		acc.items++
		rel := 0.0
		if c.Relevance != nil {
			rel = *c.Relevance
		}
		acc.weightedRel += weights.lookup(c.Provider, c.SourceName, cfg.NeutralWeight) * rel
	}

	snapshot := model.KPISnapshot{
		ID:             snapshotID(in),
		WindowStart:    in.Window.Start,
		WindowEnd:      in.Window.End,
		SourceType:     in.SourceType,
		FormulaVersion: model.FormulaVersion,
		ComputedAt:     in.ComputedAt,
		ByScope:        map[string]model.ScopeMetrics{},
		Providers:      map[string]model.ProviderMetrics{},
		Diagnostics:    diag,
	}

	scopedClassified := 0
	for _, b := range byScope {
		scopedClassified += b.classified
	}

	for scope, b := range byScope {
		m := score(b, cfg)
		// Share of voice: this scope's classified items over all classified
		// items in the window. Unscoped and unclassified items never join a
		// bucket, and shares are floored rather than rounded, so bucket
		// values sum to at most 100 even when every share rounds upward.
		if totals.classified > 0 {
			m.SOV = floor2(100 * float64(b.classified) / float64(totals.classified))
		}
		snapshot.ByScope[scope] = m
	}

	t := score(totals, cfg)
	if totals.classified > 0 {
		// For totals, SOV reports scoped coverage of the classified window.
		t.SOV = floor2(100 * float64(scopedClassified) / float64(totals.classified))
	}
	snapshot.Totals = t

	for name, acc := range providers {
		snapshot.Providers[name] = model.ProviderMetrics{
			Items:        acc.items,
			QualityScore: round2(clamp(100*acc.weightedRel/float64(acc.items), 0, 100)),
		}
	}

	snapshot.InsufficientData = totals.classified < cfg.MinClassified
	return snapshot
}

func addSentiment(b *bucket, s float64) {
	b.sentimentSum += s
	b.sentimentKnown++
	if s < 0 {
		b.negative++
	}
}

// score turns raw bucket figures into the published metrics.
func score(b *bucket, cfg Config) model.ScopeMetrics {
	m := model.ScopeMetrics{
		Items:           b.items,
		ClassifiedItems: b.classified,
	}

	if b.sentimentKnown > 0 {
		m.SentimientoNeto = round2(100 * b.sentimentSum / float64(b.sentimentKnown))
	}

	// riesgo_activo blends average classified risk with the share of
	// negative-sentiment items; both terms live in [0, 1].
	avgRisk := 0.0
	if b.riskKnown > 0 {
		avgRisk = b.riskSum / float64(b.riskKnown)
	}
	negShare := 0.0
	if b.sentimentKnown > 0 {
		negShare = float64(b.negative) / float64(b.sentimentKnown)
	}
	m.RiesgoActivo = round2(clamp(100*(0.6*avgRisk+0.4*negShare), 0, 100))

	m.BHS = round2(clamp(50+0.5*m.SentimientoNeto-0.25*m.RiesgoActivo, 0, 100))
	m.Severidad = severity(m.RiesgoActivo, cfg.Severity)
	return m
}

// severity maps riesgo_activo onto the four discrete tiers.
func severity(riesgo float64, t Thresholds) model.Severity {
	switch {
	case riesgo >= t.SEV1:
		return model.SeveritySEV1
	case riesgo >= t.SEV2:
		return model.SeveritySEV2
	case riesgo >= t.SEV3:
		return model.SeveritySEV3
	default:
		return model.SeveritySEV4
	}
}

// weightIndex resolves (provider, source) to an active weight with the
// provider-default fallback.
type weightIndex map[string]float64

func indexWeights(ws []model.SourceWeight) weightIndex {
	idx := weightIndex{}
	for _, w := range ws {
		if !w.IsActive {
			continue
		}
		idx[w.Provider+"\x00"+w.SourceName] = w.Weight
	}
	return idx
}

func (idx weightIndex) lookup(provider, source string, neutral float64) float64 {
	if w, ok := idx[provider+"\x00"+source]; ok {
		return w
	}
	if w, ok := idx[provider+"\x00"]; ok {
		return w
	}
	return neutral
}

// snapshotID derives a stable id from the inputs that define the snapshot,
// so recomputing with identical inputs yields a byte-identical result.
func snapshotID(in Inputs) uuid.UUID {
	key := fmt.Sprintf("%s|%s|%s|%s|%s|%d",
		in.Window.Start.UTC().Format(time.RFC3339Nano),
		in.Window.End.UTC().Format(time.RFC3339Nano),
		in.SourceType,
		model.FormulaVersion,
		in.ComputedAt.UTC().Format(time.RFC3339Nano),
		len(in.Contents),
	)
	return uuid.NewSHA1(snapshotNamespace, []byte(key))
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(hi, math.Max(lo, v))
}

// round2 keeps published figures at two decimals so snapshots marshal
// identically across recomputations.
func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

// floor2 truncates to two decimals. SOV shares floor instead of rounding:
// six equal shares of 16.67 would sum to 100.02.
func floor2(v float64) float64 {
	return math.Floor(v*100) / 100
}

package model

import (
	"time"

	"github.com/google/uuid"
)

// Window is a half-open time range [Start, End) over which metrics are
// computed. Immutable once a snapshot exists for it.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// FormulaVersion tags the KPI formula shape. Any change to the shape of the
// computation (not to its tunable thresholds) must bump this tag; snapshots
// are never recomputed with a new formula under an old tag.
const FormulaVersion = "kpi-v1"

// Severity is the 4-tier discrete risk classification derived from
// riesgo_activo. SEV1 is the most severe.
type Severity string

const (
	SeveritySEV1 Severity = "SEV1"
	SeveritySEV2 Severity = "SEV2"
	SeveritySEV3 Severity = "SEV3"
	SeveritySEV4 Severity = "SEV4"
)

// ScopeMetrics holds the per-bucket KPI figures. The same shape is used for
// totals and for each scope bucket.
type ScopeMetrics struct {
	Items           int      `json:"items"`
	ClassifiedItems int      `json:"classified_items"`
	SentimientoNeto float64  `json:"sentimiento_neto"` // net sentiment, [-100, 100]
	BHS             float64  `json:"bhs"`              // composite brand health score, [0, 100]
	RiesgoActivo    float64  `json:"riesgo_activo"`    // active risk score, [0, 100]
	SOV             float64  `json:"sov"`              // share of voice, percent
	Severidad       Severity `json:"severidad"`
}

// ProviderMetrics carries the source-weighted quality figures surfaced per
// content provider.
type ProviderMetrics struct {
	Items        int     `json:"items"`
	QualityScore float64 `json:"quality_score"` // weighted, [0, 100]
}

// SnapshotDiagnostics counts inputs the formula could not place. These are
// always reported, never silently dropped.
type SnapshotDiagnostics struct {
	UnscopedItems         int `json:"unscoped_items"`
	UnknownSentimentItems int `json:"unknown_sentiment_items"`
}

// KPISnapshot is an immutable, versioned aggregation result over a time
// window. Totals is the union of all ByScope buckets plus unscoped items;
// sum(ByScope[*].Items) + Diagnostics.UnscopedItems == Totals.Items.
type KPISnapshot struct {
	ID               uuid.UUID                  `json:"id"`
	WindowStart      time.Time                  `json:"window_start"`
	WindowEnd        time.Time                  `json:"window_end"`
	SourceType       string                     `json:"source_type"`
	FormulaVersion   string                     `json:"formula_version"`
	ComputedAt       time.Time                  `json:"computed_at"`
	Totals           ScopeMetrics               `json:"totals"`
	ByScope          map[string]ScopeMetrics    `json:"by_scope"`
	Providers        map[string]ProviderMetrics `json:"providers"`
	Diagnostics      SnapshotDiagnostics        `json:"diagnostics"`
	InsufficientData bool                       `json:"insufficient_data"`
}

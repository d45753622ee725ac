package model

import (
	"time"

	"github.com/google/uuid"
)

// Content lifecycle states.
const (
	ContentStateIngested   = "ingested"
	ContentStateClassified = "classified"
	ContentStateDiscarded  = "discarded"
)

// ContentRecord is one ingested news/social item. Classification fields are
// nil until the classification collaborator has scored the record.
type ContentRecord struct {
	ID           uuid.UUID  `json:"id"`
	TermID       uuid.UUID  `json:"term_id"`
	Provider     string     `json:"provider"`
	SourceName   string     `json:"source_name"`
	SourceType   string     `json:"source_type"` // "news" or "social"
	Title        string     `json:"title"`
	URL          string     `json:"url,omitempty"`
	State        string     `json:"state"`
	Sentiment    *float64   `json:"sentiment,omitempty"` // [-1, 1]
	Relevance    *float64   `json:"relevance,omitempty"` // [0, 1]
	Risk         *float64   `json:"risk,omitempty"`      // [0, 1]
	ClassifiedAt *time.Time `json:"classified_at,omitempty"`
	PublishedAt  *time.Time `json:"published_at,omitempty"`
	CreatedAt    time.Time  `json:"created_at"`
}

// Classified reports whether the record carries a usable classification.
func (c ContentRecord) Classified() bool {
	return c.State == ContentStateClassified && c.ClassifiedAt != nil
}

// Classification is the opaque scoring produced by the classification
// collaborator for one content record.
type Classification struct {
	Sentiment *float64 `json:"sentiment,omitempty"` // nil = could not be determined
	Relevance float64  `json:"relevance"`
	Risk      float64  `json:"risk"`
}

// Term is a monitored search term. Scope buckets its content into brand vs.
// competitor metrics; a nil scope routes records to diagnostics instead.
type Term struct {
	ID                uuid.UUID `json:"id"`
	Name              string    `json:"name"`
	Scope             *string   `json:"scope,omitempty"`
	MaxArticlesPerRun int       `json:"max_articles_per_run"`
	CreatedAt         time.Time `json:"created_at"`
}

// SourceWeight is a tunable multiplier in [0, 1] applied to a source's
// contribution to quality-dependent metrics. An empty SourceName acts as the
// provider-wide default; a named source overrides it for that source only.
type SourceWeight struct {
	Provider   string    `json:"provider"`
	SourceName string    `json:"source_name"`
	Weight     float64   `json:"weight"`
	IsActive   bool      `json:"is_active"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Schedule frequencies.
const (
	FrequencyDaily  = "daily"
	FrequencyWeekly = "weekly"
)

// ReportSchedule drives scheduled report generation. TimeLocal is "HH:MM"
// in the schedule's Timezone; DayOfWeek (0=Sunday) applies to weekly only.
type ReportSchedule struct {
	ID         uuid.UUID `json:"id"`
	TemplateID string    `json:"template_id"`
	Frequency  string    `json:"frequency"`
	DayOfWeek  *int      `json:"day_of_week,omitempty"`
	TimeLocal  string    `json:"time_local"`
	Timezone   string    `json:"timezone"`
	Recipients []string  `json:"recipients"`
	IsActive   bool      `json:"is_active"`
	CreatedAt  time.Time `json:"created_at"`
}

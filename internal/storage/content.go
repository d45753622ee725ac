package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

const contentColumns = `id, term_id, provider, source_name, source_type, title, url, state,
	sentiment, relevance, risk, classified_at, published_at, created_at`

func scanContent(row pgx.Row) (model.ContentRecord, error) {
	var c model.ContentRecord
	err := row.Scan(
		&c.ID, &c.TermID, &c.Provider, &c.SourceName, &c.SourceType, &c.Title, &c.URL, &c.State,
		&c.Sentiment, &c.Relevance, &c.Risk, &c.ClassifiedAt, &c.PublishedAt, &c.CreatedAt,
	)
	return c, err
}

// InsertContent stores one ingested content record.
func (db *DB) InsertContent(ctx context.Context, c model.ContentRecord) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO content (id, term_id, provider, source_name, source_type, title, url, state,
		                      sentiment, relevance, risk, classified_at, published_at, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		c.ID, c.TermID, c.Provider, c.SourceName, c.SourceType, c.Title, c.URL, c.State,
		c.Sentiment, c.Relevance, c.Risk, c.ClassifiedAt, c.PublishedAt, c.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert content: %w", err)
	}
	return nil
}

// GetContent retrieves one content record by ID.
func (db *DB) GetContent(ctx context.Context, id uuid.UUID) (model.ContentRecord, error) {
	c, err := scanContent(db.pool.QueryRow(ctx,
		`SELECT `+contentColumns+` FROM content WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ContentRecord{}, ErrNotFound
		}
		return model.ContentRecord{}, fmt.Errorf("storage: get content: %w", err)
	}
	return c, nil
}

// ListUnclassified returns up to limit unclassified records for a term
// within the window, oldest first so backlogs drain in ingestion order.
func (db *DB) ListUnclassified(ctx context.Context, termID uuid.UUID, windowStart, windowEnd time.Time, limit int) ([]model.ContentRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contentColumns+` FROM content
		 WHERE term_id = $1 AND state = 'ingested'
		   AND created_at >= $2 AND created_at < $3
		 ORDER BY created_at
		 LIMIT $4`,
		termID, windowStart, windowEnd, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list unclassified: %w", err)
	}
	defer rows.Close()
	return collectContent(rows)
}

// CountUnclassified reports how many records ListUnclassified would return.
func (db *DB) CountUnclassified(ctx context.Context, termID uuid.UUID, windowStart, windowEnd time.Time) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM content
		 WHERE term_id = $1 AND state = 'ingested'
		   AND created_at >= $2 AND created_at < $3`,
		termID, windowStart, windowEnd,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count unclassified: %w", err)
	}
	return n, nil
}

// ApplyClassification records the collaborator's scores on a content row and
// moves it to the classified state.
func (db *DB) ApplyClassification(ctx context.Context, id uuid.UUID, cl model.Classification, now time.Time) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE content SET sentiment = $2, relevance = $3, risk = $4,
		        state = 'classified', classified_at = $5
		 WHERE id = $1`,
		id, cl.Sentiment, cl.Relevance, cl.Risk, now,
	)
	if err != nil {
		return fmt.Errorf("storage: apply classification: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FeedByTerm returns a term's content feed: bounded page size, strictly
// recency descending. Ties fall back to created_at then id so ordering is
// stable within a single response.
func (db *DB) FeedByTerm(ctx context.Context, termID uuid.UUID, limit int) ([]model.ContentRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = model.DefaultFeedLimit
	}
	rows, err := db.pool.Query(ctx,
		`SELECT `+contentColumns+` FROM content
		 WHERE term_id = $1
		 ORDER BY published_at DESC NULLS LAST, created_at DESC, id DESC
		 LIMIT $2`,
		termID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: feed by term: %w", err)
	}
	defer rows.Close()
	return collectContent(rows)
}

// QueryWindow returns all content records in the window, optionally filtered
// by source type. This is the aggregation engine's raw input.
func (db *DB) QueryWindow(ctx context.Context, windowStart, windowEnd time.Time, sourceType string) ([]model.ContentRecord, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+contentColumns+` FROM content
		 WHERE created_at >= $1 AND created_at < $2
		   AND ($3 = 'all' OR source_type = $3)
		 ORDER BY created_at, id`,
		windowStart, windowEnd, sourceType,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: query window: %w", err)
	}
	defer rows.Close()
	return collectContent(rows)
}

func collectContent(rows pgx.Rows) ([]model.ContentRecord, error) {
	var out []model.ContentRecord
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan content: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// InsertTerm stores a monitored term.
func (db *DB) InsertTerm(ctx context.Context, t model.Term) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO terms (id, name, scope, max_articles_per_run, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		t.ID, t.Name, t.Scope, t.MaxArticlesPerRun, t.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert term: %w", err)
	}
	return nil
}

// GetTerm retrieves a term by ID.
func (db *DB) GetTerm(ctx context.Context, id uuid.UUID) (model.Term, error) {
	var t model.Term
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, scope, max_articles_per_run, created_at FROM terms WHERE id = $1`, id,
	).Scan(&t.ID, &t.Name, &t.Scope, &t.MaxArticlesPerRun, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Term{}, ErrNotFound
		}
		return model.Term{}, fmt.Errorf("storage: get term: %w", err)
	}
	return t, nil
}

// ListTerms returns all monitored terms.
func (db *DB) ListTerms(ctx context.Context) ([]model.Term, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, name, scope, max_articles_per_run, created_at FROM terms ORDER BY name`,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list terms: %w", err)
	}
	defer rows.Close()

	var terms []model.Term
	for rows.Next() {
		var t model.Term
		if err := rows.Scan(&t.ID, &t.Name, &t.Scope, &t.MaxArticlesPerRun, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan term: %w", err)
		}
		terms = append(terms, t)
	}
	return terms, rows.Err()
}

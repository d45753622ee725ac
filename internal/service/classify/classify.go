// Package classify scores content records and runs the analysis pipeline:
// classify what is pending in the window, then aggregate the window into a
// KPI snapshot.
//
// Defines a Classifier interface with an HTTP implementation for the
// external scoring service and a deterministic lexicon fallback. The
// interface allows swapping scorers without changing the pipeline.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/alejandrogutier/claro-data-ai-sub005/internal/model"
)

// Classifier scores one content record. Implementations may fail per
// record; the caller decides whether that fails the whole run.
type Classifier interface {
	Classify(ctx context.Context, record model.ContentRecord) (model.Classification, error)
}

// HTTPClassifier calls the external scoring service.
type HTTPClassifier struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// NewHTTPClassifier creates a classifier against the given endpoint.
func NewHTTPClassifier(url, apiKey string) *HTTPClassifier {
	return &HTTPClassifier{
		url:        url,
		apiKey:     apiKey,
		httpClient: &http.Client{},
	}
}

type scoreRequest struct {
	Title      string `json:"title"`
	URL        string `json:"url,omitempty"`
	Provider   string `json:"provider"`
	SourceType string `json:"source_type"`
}

type scoreResponse struct {
	Sentiment *float64 `json:"sentiment"`
	Relevance float64  `json:"relevance"`
	Risk      float64  `json:"risk"`
	Error     *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Classify scores a record through the external service.
func (c *HTTPClassifier) Classify(ctx context.Context, record model.ContentRecord) (model.Classification, error) {
	reqBody, err := json.Marshal(scoreRequest{
		Title:      record.Title,
		URL:        record.URL,
		Provider:   record.Provider,
		SourceType: record.SourceType,
	})
	if err != nil {
		return model.Classification{}, fmt.Errorf("classify: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(reqBody))
	if err != nil {
		return model.Classification{}, fmt.Errorf("classify: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return model.Classification{}, fmt.Errorf("classify: send request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return model.Classification{}, fmt.Errorf("classify: read response: %w", err)
	}

	var result scoreResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return model.Classification{}, fmt.Errorf("classify: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return model.Classification{}, fmt.Errorf("classify: scoring service error: %s", result.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return model.Classification{}, fmt.Errorf("classify: unexpected status %d: %s", resp.StatusCode, string(body))
	}

	return model.Classification{
		Sentiment: result.Sentiment,
		Relevance: clamp01(result.Relevance),
		Risk:      clamp01(result.Risk),
	}, nil
}

// LexiconClassifier scores records from fixed keyword lists. Deterministic
// and dependency-free; used when no scoring service is configured.
type LexiconClassifier struct{}

// NewLexiconClassifier creates the fallback classifier.
func NewLexiconClassifier() *LexiconClassifier {
	return &LexiconClassifier{}
}

var (
	positiveWords = []string{"mejora", "crece", "lidera", "premio", "lanza", "gana", "record", "expande"}
	negativeWords = []string{"falla", "cae", "multa", "critica", "demanda", "queja", "perdida", "fraude"}
	riskWords     = []string{"multa", "demanda", "fraude", "filtracion", "sancion", "apagon", "boicot"}
)

// Classify derives scores from keyword hits in the title. Sentiment is nil
// when no sentiment-bearing word appears, so the aggregation counts the
// record under unknown_sentiment_items rather than as neutral.
func (c *LexiconClassifier) Classify(_ context.Context, record model.ContentRecord) (model.Classification, error) {
	title := strings.ToLower(record.Title)

	pos := countHits(title, positiveWords)
	neg := countHits(title, negativeWords)
	risk := countHits(title, riskWords)

	cl := model.Classification{
		Relevance: clamp01(0.3 + 0.2*float64(pos+neg+risk)),
		Risk:      clamp01(0.15 * float64(risk+neg)),
	}
	if pos+neg > 0 {
		s := float64(pos-neg) / float64(pos+neg)
		cl.Sentiment = &s
	}
	return cl, nil
}

func countHits(text string, words []string) int {
	n := 0
	for _, w := range words {
		if strings.Contains(text, w) {
			n++
		}
	}
	return n
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

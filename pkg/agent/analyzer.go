package agent

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/entrhq/webcontext/pkg/fetch"
	"github.com/entrhq/webcontext/pkg/llm"
	"github.com/entrhq/webcontext/pkg/logging"
)

// Fetcher is the slice of the fetch pipeline the analyzer needs.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetch.Options) fetch.Outcome
}

const analyzerSystemPrompt = `You are an expert content extraction agent. Your task is to:

1. Extract ONLY the content from the provided web page that is directly relevant to the user's query
2. Assess both relevance and reliability of the extracted content
3. Preserve important details and data points while being concise
4. Format the extracted content in clean markdown

Guidelines:
- Be extremely selective - only include content that directly answers or relates to the query
- Preserve specific facts, numbers, dates, and key details from reliable sources
- Remove navigation, ads, and irrelevant sections
- High confidence content (relevance x reliability) may be kept in full; low confidence content should be heavily compressed or flagged with caveats

Reliability assessment factors: source credibility (domain, authorship, citations), content quality, supporting evidence, logical structure.

Respond with a single JSON object and nothing else:
{"relevant_content": "markdown excerpt", "relevance": 0-100, "reliability": 0-100, "short_answer": "concise direct answer", "stance": "supporting|contradicting|neutral"}`

// analysisPayload is the wire shape of one scoring response.
type analysisPayload struct {
	RelevantContent string `json:"relevant_content"`
	Relevance       int    `json:"relevance"`
	Reliability     int    `json:"reliability"`
	ShortAnswer     string `json:"short_answer"`
	Stance          string `json:"stance"`
}

// Analyzer fetches a page through the pipeline and scores its content
// against a query with an LLM. Safe for concurrent use.
type Analyzer struct {
	provider llm.Provider
	fetcher  Fetcher
	logger   *logging.Logger
}

// NewAnalyzer creates an analyzer over the given provider and pipeline.
func NewAnalyzer(provider llm.Provider, fetcher Fetcher, logger *logging.Logger) *Analyzer {
	return &Analyzer{provider: provider, fetcher: fetcher, logger: logger}
}

// Analyze fetches url and extracts evidence relevant to query. A failed
// fetch or scoring call returns an error; callers skip the URL rather
// than retrying within the batch.
func (a *Analyzer) Analyze(ctx context.Context, url, query string, bypass bool) (Evidence, error) {
	outcome := a.fetcher.Fetch(ctx, url, fetch.Options{Bypass: bypass})
	if !outcome.OK() {
		return Evidence{}, outcome.Err()
	}

	messages := []llm.Message{
		llm.NewSystemMessage(analyzerSystemPrompt),
		llm.NewUserMessage(fmt.Sprintf("Web Page Title: %s\n\nWeb Page Content:\n<content>%s</content>", outcome.Title, outcome.Content)),
		llm.NewUserMessage(fmt.Sprintf("Query: %s", query)),
	}
	raw, err := a.provider.Complete(ctx, llm.Request{Messages: messages, JSONMode: true})
	if err != nil {
		return Evidence{}, fmt.Errorf("content analysis failed for %s: %w", url, err)
	}

	var payload analysisPayload
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &payload); err != nil {
		return Evidence{}, fmt.Errorf("malformed analysis JSON for %s: %w", url, err)
	}

	return Evidence{
		URL:         url,
		Title:       outcome.Title,
		Relevance:   clampScore(payload.Relevance),
		Reliability: clampScore(payload.Reliability),
		Excerpt:     payload.RelevantContent,
		ShortAnswer: payload.ShortAnswer,
		Stance:      normalizeStance(payload.Stance),
	}, nil
}

// clampScore converts a 0-100 model score to [0,1].
func clampScore(score int) float64 {
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}
	return float64(score) / 100
}

func normalizeStance(stance string) string {
	switch stance {
	case StanceSupporting, StanceContradicting, StanceNeutral:
		return stance
	default:
		return StanceNeutral
	}
}

package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/webcontext/pkg/llm"
	"github.com/entrhq/webcontext/pkg/logging"
)

const decisionSystemPrompt = `You are a research agent that finds comprehensive answers by iteratively searching and analyzing web content.

Your goal is to gather enough high-quality evidence to answer the user's query comprehensively.

**When to search:**
- Need more sources or different perspectives
- Current evidence is insufficient
- Want to explore specific aspects of the query

**When to analyze:**
- Found promising URLs from search results
- Need detailed content from specific sources
- Need to verify claims

**When to conclude:**
- Have gathered sufficient high-quality evidence from multiple reliable sources
- Can provide a comprehensive, well-sourced answer
- Further searching is unlikely to improve the answer

**Search strategy:** use specific, focused queries; vary terms to find diverse sources; consider domain restrictions for authoritative sources.

**Analysis strategy:** prioritize authoritative sources; balance quantity against quality.

Respond with a single JSON object and nothing else:
{"action": "search", "query": "...", "max_results": 10, "domains": ["optional.example.com"]}
{"action": "analyze", "urls": ["https://..."]}
{"action": "conclude", "answer": "comprehensive answer in markdown"}`

const concludeOnlyPrompt = `The research budget is spent. You must now conclude. Respond with a single JSON object:
{"action": "conclude", "answer": "the best answer supported by the evidence gathered so far, in markdown"}`

// decisionPayload is the wire shape the model must produce.
type decisionPayload struct {
	Action     string   `json:"action"`
	Query      string   `json:"query,omitempty"`
	MaxResults int      `json:"max_results,omitempty"`
	Domains    []string `json:"domains,omitempty"`
	URLs       []string `json:"urls,omitempty"`
	Answer     string   `json:"answer,omitempty"`
}

// Decider turns run state into the next Action using an LLM. The model
// chooses freely among actions; the decider only enforces the output
// schema, retrying malformed or failed completions a bounded number of
// times.
type Decider struct {
	provider llm.Provider
	retries  int
	backoff  time.Duration
	logger   *logging.Logger
}

// NewDecider creates a decider over the given provider. retries is the
// total attempt allowance per decision; values below 1 are raised to 1.
func NewDecider(provider llm.Provider, retries int, logger *logging.Logger) *Decider {
	if retries < 1 {
		retries = 1
	}
	return &Decider{
		provider: provider,
		retries:  retries,
		backoff:  500 * time.Millisecond,
		logger:   logger,
	}
}

// Decide asks the model for the next action given the transcript so
// far. When forceConclude is set, only a conclude action is accepted.
func (d *Decider) Decide(ctx context.Context, history []llm.Message, forceConclude bool) (Action, error) {
	messages := make([]llm.Message, 0, len(history)+2)
	messages = append(messages, llm.NewSystemMessage(decisionSystemPrompt))
	messages = append(messages, history...)
	if forceConclude {
		messages = append(messages, llm.NewUserMessage(concludeOnlyPrompt))
	}

	var lastErr error
	for attempt := 1; attempt <= d.retries; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return Action{}, ctx.Err()
			case <-time.After(time.Duration(attempt-1) * d.backoff):
			}
		}

		raw, err := d.provider.Complete(ctx, llm.Request{Messages: messages, JSONMode: true})
		if err != nil {
			lastErr = err
			d.logger.Warnf("decision attempt %d/%d failed: %v", attempt, d.retries, err)
			continue
		}

		action, err := parseAction(raw, forceConclude)
		if err != nil {
			lastErr = err
			d.logger.Warnf("decision attempt %d/%d returned invalid action: %v", attempt, d.retries, err)
			continue
		}
		return action, nil
	}
	return Action{}, fmt.Errorf("decision failed after %d attempts: %w", d.retries, lastErr)
}

// parseAction decodes and validates one model response.
func parseAction(raw string, concludeOnly bool) (Action, error) {
	var payload decisionPayload
	if err := json.Unmarshal([]byte(extractJSONObject(raw)), &payload); err != nil {
		return Action{}, fmt.Errorf("malformed action JSON: %w", err)
	}

	action := Action{Kind: ActionKind(payload.Action)}
	switch action.Kind {
	case ActionSearch:
		action.Search = &SearchAction{
			Query:      payload.Query,
			MaxResults: payload.MaxResults,
			Domains:    payload.Domains,
		}
	case ActionAnalyze:
		action.Analyze = &AnalyzeAction{URLs: payload.URLs}
	case ActionConclude:
		action.Conclude = &ConcludeAction{Answer: payload.Answer}
	}
	if err := action.validate(); err != nil {
		return Action{}, err
	}
	if concludeOnly && action.Kind != ActionConclude {
		return Action{}, fmt.Errorf("expected conclude action, got %q", action.Kind)
	}
	return action, nil
}

// extractJSONObject trims any prose around the first top-level JSON
// object. Some providers wrap JSON-mode output in code fences.
func extractJSONObject(raw string) string {
	start := strings.IndexByte(raw, '{')
	end := strings.LastIndexByte(raw, '}')
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}

// Package agent implements an iterative search-analyze-conclude loop
// that gathers scored web evidence for a query until it is confident
// enough to answer, under iteration, token, and wall-clock budgets.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/entrhq/webcontext/pkg/llm"
	"github.com/entrhq/webcontext/pkg/llm/tokenizer"
	"github.com/entrhq/webcontext/pkg/logging"
	"github.com/entrhq/webcontext/pkg/search"
	"golang.org/x/sync/semaphore"
)

// Defaults applied by Budget.withDefaults and NewRunner.
const (
	DefaultMaxIterations    = 20
	DefaultConfidenceTarget = 0.8
	DefaultAnalyzeLimit     = 5
	DefaultSearchResults    = 10
)

// ErrNoEvidence is returned when a run exhausts its budget without
// gathering a single piece of evidence.
var ErrNoEvidence = errors.New("no evidence could be gathered")

// ErrRunConsumed is returned when Run is called on an already-used
// runner. Runners follow a use-and-discard pattern: one query per
// instance.
var ErrRunConsumed = errors.New("runner already used; create a new runner per query")

// Phase is the lifecycle state of a run.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhaseIterating Phase = "iterating"
	PhaseConcluded Phase = "concluded"
	PhaseExhausted Phase = "exhausted"
	PhaseFailed    Phase = "failed"
)

// Budget bounds one run. Zero values take defaults; MaxTokens and
// Deadline default to unlimited.
type Budget struct {
	// MaxIterations caps decision steps.
	MaxIterations int

	// MaxTokens caps cumulative prompt tokens sent to the decision
	// model, counted client-side.
	MaxTokens int

	// Deadline bounds the whole run in wall-clock time.
	Deadline time.Duration

	// ConfidenceTarget ends the run early once evidence confidence
	// reaches it.
	ConfidenceTarget float64
}

func (b Budget) withDefaults() Budget {
	if b.MaxIterations <= 0 {
		b.MaxIterations = DefaultMaxIterations
	}
	if b.ConfidenceTarget <= 0 {
		b.ConfidenceTarget = DefaultConfidenceTarget
	}
	return b
}

// State is the mutable working set of one run, owned by the run
// goroutine. Analyze batches write into per-batch slots and the loop
// merges them after the batch completes, so mutations stay serialized.
type State struct {
	Query      string
	Iteration  int
	SeenURLs   map[string]struct{}
	Evidence   []Evidence
	Confidence float64
}

// FinalAnswer is the result of a completed run.
type FinalAnswer struct {
	Answer     string      `json:"answer"`
	References []Reference `json:"references"`
	Confidence float64     `json:"confidence"`
	Phase      Phase       `json:"phase"`
	Iterations int         `json:"iterations"`
	TokensUsed int         `json:"tokens_used"`
}

// Runner drives one evidence-gathering run. Use-and-discard: a Runner
// answers exactly one query.
type Runner struct {
	decider   *Decider
	analyzer  *Analyzer
	searcher  search.Provider
	tokenizer *tokenizer.Tokenizer
	logger    *logging.Logger

	analyzeLimit  int64
	searchRetries int

	mu    sync.Mutex
	phase Phase
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithAnalyzeConcurrency caps simultaneous in-flight fetches during an
// Analyze batch.
func WithAnalyzeConcurrency(n int) RunnerOption {
	return func(r *Runner) {
		if n > 0 {
			r.analyzeLimit = int64(n)
		}
	}
}

// WithTokenizer sets the tokenizer used for budget accounting. A nil
// tokenizer still counts approximately.
func WithTokenizer(tok *tokenizer.Tokenizer) RunnerOption {
	return func(r *Runner) {
		r.tokenizer = tok
	}
}

// NewRunner assembles a runner from its collaborators.
func NewRunner(decider *Decider, analyzer *Analyzer, searcher search.Provider, logger *logging.Logger, opts ...RunnerOption) *Runner {
	r := &Runner{
		decider:       decider,
		analyzer:      analyzer,
		searcher:      searcher,
		logger:        logger,
		analyzeLimit:  DefaultAnalyzeLimit,
		searchRetries: 3,
		phase:         PhaseIdle,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Phase returns the current lifecycle phase.
func (r *Runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *Runner) setPhase(p Phase) {
	r.mu.Lock()
	r.phase = p
	r.mu.Unlock()
}

// Run executes the loop for query and returns the final answer. On
// budget exhaustion with evidence in hand it returns a best-effort
// answer with PhaseExhausted; with zero evidence it returns
// ErrNoEvidence. A decision-provider failure past its retry allowance
// fails the run.
func (r *Runner) Run(ctx context.Context, query string, budget Budget) (*FinalAnswer, error) {
	r.mu.Lock()
	if r.phase != PhaseIdle {
		r.mu.Unlock()
		return nil, ErrRunConsumed
	}
	r.phase = PhaseIterating
	r.mu.Unlock()

	budget = budget.withDefaults()
	if budget.Deadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget.Deadline)
		defer cancel()
	}

	answer, err := r.loop(ctx, query, budget)
	if err != nil {
		if errors.Is(err, ErrNoEvidence) {
			r.setPhase(PhaseExhausted)
		} else {
			r.setPhase(PhaseFailed)
		}
		return nil, err
	}
	r.setPhase(answer.Phase)
	return answer, nil
}

func (r *Runner) loop(ctx context.Context, query string, budget Budget) (*FinalAnswer, error) {
	state := &State{
		Query:    query,
		SeenURLs: make(map[string]struct{}),
	}
	history := []llm.Message{llm.NewUserMessage(query)}
	tokensUsed := 0

	for ; ; state.Iteration++ {
		overBudget := r.budgetSpent(ctx, state, budget, tokensUsed)
		targetReached := state.Confidence >= budget.ConfidenceTarget && len(state.Evidence) > 0
		forceConclude := overBudget || targetReached

		if overBudget {
			r.logger.Infof("budget spent at iteration %d (tokens=%d, evidence=%d), forcing conclusion",
				state.Iteration, tokensUsed, len(state.Evidence))
		}

		if ctx.Err() != nil {
			// No room for another model call; fall back to synthesis.
			return r.exhausted(state, tokensUsed)
		}

		tokensUsed += r.tokenizer.CountMessagesTokens(history) + r.tokenizer.CountTokens(decisionSystemPrompt)

		action, err := r.decider.Decide(ctx, history, forceConclude)
		if err != nil {
			if overBudget {
				return r.exhausted(state, tokensUsed)
			}
			return nil, fmt.Errorf("decision step failed: %w", err)
		}

		r.logger.Infof("iteration %d/%d action=%s confidence=%.1f%% evidence=%d",
			state.Iteration, budget.MaxIterations, action.Kind, state.Confidence*100, len(state.Evidence))

		switch action.Kind {
		case ActionSearch:
			note, err := r.runSearch(ctx, state, action.Search)
			if err != nil {
				return nil, err
			}
			history = appendExchange(history, action, note)

		case ActionAnalyze:
			note := r.runAnalyze(ctx, state, action.Analyze, query)
			history = appendExchange(history, action, note)

		case ActionConclude:
			phase := PhaseConcluded
			if overBudget {
				phase = PhaseExhausted
			}
			if phase == PhaseExhausted && len(state.Evidence) == 0 {
				return nil, ErrNoEvidence
			}
			return &FinalAnswer{
				Answer:     action.Conclude.Answer,
				References: buildReferences(state.Evidence),
				Confidence: state.Confidence,
				Phase:      phase,
				Iterations: state.Iteration + 1,
				TokensUsed: tokensUsed,
			}, nil
		}
	}
}

// budgetSpent reports whether any budget dimension is exceeded.
func (r *Runner) budgetSpent(ctx context.Context, state *State, budget Budget, tokensUsed int) bool {
	if state.Iteration >= budget.MaxIterations {
		return true
	}
	if budget.MaxTokens > 0 && tokensUsed >= budget.MaxTokens {
		return true
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) <= 0 {
		return true
	}
	return false
}

// exhausted synthesizes a best-effort answer from gathered evidence
// when no further model call is possible.
func (r *Runner) exhausted(state *State, tokensUsed int) (*FinalAnswer, error) {
	if len(state.Evidence) == 0 {
		return nil, ErrNoEvidence
	}
	references := buildReferences(state.Evidence)

	var b strings.Builder
	b.WriteString("The research budget ran out before a full conclusion. Best-supported findings so far:\n")
	for _, ref := range references {
		for _, ev := range state.Evidence {
			if ev.URL == ref.URL && ev.ShortAnswer != "" {
				fmt.Fprintf(&b, "\n- %s ([%s](%s))", ev.ShortAnswer, ev.Title, ev.URL)
				break
			}
		}
	}

	return &FinalAnswer{
		Answer:     b.String(),
		References: references,
		Confidence: state.Confidence,
		Phase:      PhaseExhausted,
		Iterations: state.Iteration,
		TokensUsed: tokensUsed,
	}, nil
}

// runSearch executes a search action with bounded retries. A provider
// that keeps failing is fatal only when the run has no evidence yet.
func (r *Runner) runSearch(ctx context.Context, state *State, action *SearchAction) (string, error) {
	maxResults := action.MaxResults
	if maxResults <= 0 {
		maxResults = DefaultSearchResults
	}
	constraints := search.Constraints{MaxResults: maxResults, Domains: action.Domains}

	var results []search.Result
	var err error
	for attempt := 1; attempt <= r.searchRetries; attempt++ {
		results, err = r.searcher.Search(ctx, action.Query, constraints)
		if err == nil {
			break
		}
		r.logger.Warnf("search attempt %d/%d for %q failed: %v", attempt, r.searchRetries, action.Query, err)
		if attempt == r.searchRetries {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	if err != nil {
		if len(state.Evidence) == 0 {
			return "", fmt.Errorf("search provider failed for %q: %w", action.Query, err)
		}
		return fmt.Sprintf("Search for %q failed: %v. Work with the evidence gathered so far.", action.Query, err), nil
	}

	fresh := results[:0:0]
	for _, res := range results {
		if _, seen := state.SeenURLs[res.URL]; !seen {
			fresh = append(fresh, res)
		}
	}
	if len(fresh) == 0 {
		return fmt.Sprintf("Search for %q returned no new results.", action.Query), nil
	}

	encoded, err := json.Marshal(fresh)
	if err != nil {
		return "", fmt.Errorf("failed to encode search results: %w", err)
	}
	return fmt.Sprintf("Search results for %q:\n%s", action.Query, encoded), nil
}

// runAnalyze fetches and scores a batch of URLs with bounded
// concurrency. Failed URLs are skipped; the batch never aborts. The
// merge into state happens after the whole batch completes, so the
// next decision sees a consistent snapshot.
func (r *Runner) runAnalyze(ctx context.Context, state *State, action *AnalyzeAction, query string) string {
	urls := make([]string, 0, len(action.URLs))
	for _, url := range action.URLs {
		if _, seen := state.SeenURLs[url]; seen {
			continue
		}
		state.SeenURLs[url] = struct{}{}
		urls = append(urls, url)
	}
	if len(urls) == 0 {
		return "All requested URLs were already analyzed."
	}

	sem := semaphore.NewWeighted(r.analyzeLimit)
	results := make([]*Evidence, len(urls))
	var wg sync.WaitGroup
	for i, url := range urls {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			defer sem.Release(1)
			ev, err := r.analyzer.Analyze(ctx, url, query, false)
			if err != nil {
				r.logger.Warnf("analysis skipped for %s: %v", url, err)
				return
			}
			results[i] = &ev
		}(i, url)
	}
	wg.Wait()

	gathered := 0
	for _, ev := range results {
		if ev != nil {
			state.Evidence = append(state.Evidence, *ev)
			gathered++
		}
	}
	state.Confidence = computeConfidence(state.Evidence)

	return fmt.Sprintf("Analyzed %d of %d URLs. Current evidence:\n%s",
		gathered, len(urls), summarizeEvidence(state.Evidence))
}

// appendExchange records one action and its observed result in the
// decision transcript.
func appendExchange(history []llm.Message, action Action, result string) []llm.Message {
	encoded, err := json.Marshal(actionPayload(action))
	if err != nil {
		encoded = []byte(fmt.Sprintf(`{"action":%q}`, action.Kind))
	}
	history = append(history, llm.NewAssistantMessage(string(encoded)))
	history = append(history, llm.NewUserMessage(result))
	return history
}

func actionPayload(action Action) decisionPayload {
	payload := decisionPayload{Action: string(action.Kind)}
	switch action.Kind {
	case ActionSearch:
		payload.Query = action.Search.Query
		payload.MaxResults = action.Search.MaxResults
		payload.Domains = action.Search.Domains
	case ActionAnalyze:
		payload.URLs = action.Analyze.URLs
	case ActionConclude:
		payload.Answer = action.Conclude.Answer
	}
	return payload
}

package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/entrhq/webcontext/pkg/fetch"
	"github.com/entrhq/webcontext/pkg/llm"
	"github.com/entrhq/webcontext/pkg/logging"
	"github.com/entrhq/webcontext/pkg/search"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedLLM returns queued responses in order.
type scriptedLLM struct {
	mu        sync.Mutex
	responses []string
	err       error
	calls     int
}

func (s *scriptedLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return "", s.err
	}
	if len(s.responses) == 0 {
		return "", errors.New("script exhausted")
	}
	resp := s.responses[0]
	s.responses = s.responses[1:]
	return resp, nil
}

func (s *scriptedLLM) Model() string { return "scripted" }

// constLLM returns the same response on every call. Safe for the
// concurrent calls an analyze batch makes.
type constLLM struct {
	response string
}

func (c *constLLM) Complete(ctx context.Context, req llm.Request) (string, error) {
	return c.response, nil
}

func (c *constLLM) Model() string { return "const" }

// stubFetcher serves canned pages and tracks in-flight concurrency.
type stubFetcher struct {
	mu          sync.Mutex
	inFlight    int
	maxInFlight int
	fail        map[string]bool
	delay       time.Duration
}

func (f *stubFetcher) Fetch(ctx context.Context, rawURL string, opts fetch.Options) fetch.Outcome {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	failed := f.fail[rawURL]
	f.mu.Unlock()

	if failed {
		return fetch.Outcome{Status: fetch.StatusNavigationError, URL: rawURL, Cause: errors.New("boom")}
	}
	return fetch.Outcome{
		Status:  fetch.StatusSuccess,
		URL:     rawURL,
		Title:   "Page " + rawURL,
		Content: "content of " + rawURL,
	}
}

// stubSearch returns fixed results.
type stubSearch struct {
	mu      sync.Mutex
	results []search.Result
	err     error
	calls   int
}

func (s *stubSearch) Search(ctx context.Context, query string, constraints search.Constraints) ([]search.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.results, nil
}

func testLogger(t *testing.T) *logging.Logger {
	t.Helper()
	logger, _ := logging.NewLogger("agent-test")
	t.Cleanup(func() { logger.Close() })
	return logger
}

func analysisResponse(relevance, reliability int) string {
	return fmt.Sprintf(`{"relevant_content":"excerpt","relevance":%d,"reliability":%d,"short_answer":"yes","stance":"supporting"}`,
		relevance, reliability)
}

func newTestRunner(t *testing.T, decisions *scriptedLLM, fetcher *stubFetcher, searcher search.Provider, analysis string, opts ...RunnerOption) *Runner {
	t.Helper()
	logger := testLogger(t)
	decider := NewDecider(decisions, 1, logger)
	analyzer := NewAnalyzer(&constLLM{response: analysis}, fetcher, logger)
	return NewRunner(decider, analyzer, searcher, logger, opts...)
}

func TestRunConcludesEarlyOnConfidence(t *testing.T) {
	decisions := &scriptedLLM{responses: []string{
		`{"action":"search","query":"is X true"}`,
		`{"action":"analyze","urls":["https://a.test/1","https://b.test/2"]}`,
		`{"action":"conclude","answer":"X is true."}`,
	}}
	searcher := &stubSearch{results: []search.Result{
		{URL: "https://a.test/1", Title: "A"},
		{URL: "https://b.test/2", Title: "B"},
	}}
	runner := newTestRunner(t, decisions, &stubFetcher{}, searcher, analysisResponse(95, 90))

	answer, err := runner.Run(context.Background(), "is X true?", Budget{MaxIterations: 6, ConfidenceTarget: 0.8})
	require.NoError(t, err)

	assert.Equal(t, PhaseConcluded, answer.Phase)
	assert.Equal(t, "X is true.", answer.Answer)
	assert.Equal(t, 3, answer.Iterations, "should not consume remaining iterations")
	assert.InDelta(t, 0.855, answer.Confidence, 0.001)
	assert.Len(t, answer.References, 2)
	assert.Equal(t, PhaseConcluded, runner.Phase())
}

func TestRunExhaustsIterationBudget(t *testing.T) {
	decisions := &scriptedLLM{responses: []string{
		`{"action":"analyze","urls":["https://a.test/1"]}`,
		`{"action":"conclude","answer":"best effort from one source"}`,
	}}
	// Low scores keep confidence under any target.
	runner := newTestRunner(t, decisions, &stubFetcher{}, &stubSearch{}, analysisResponse(30, 30))

	answer, err := runner.Run(context.Background(), "q", Budget{MaxIterations: 1})
	require.NoError(t, err)

	assert.Equal(t, PhaseExhausted, answer.Phase)
	assert.Equal(t, "best effort from one source", answer.Answer)
	assert.Len(t, answer.References, 1)
	assert.Equal(t, PhaseExhausted, runner.Phase())
}

func TestRunZeroEvidenceIsHardError(t *testing.T) {
	decisions := &scriptedLLM{responses: []string{
		`{"action":"search","query":"nothing"}`,
		`{"action":"conclude","answer":"made up"}`,
	}}
	runner := newTestRunner(t, decisions, &stubFetcher{}, &stubSearch{}, analysisResponse(90, 90))

	answer, err := runner.Run(context.Background(), "q", Budget{MaxIterations: 1})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNoEvidence)
	assert.Nil(t, answer)
	assert.Equal(t, PhaseExhausted, runner.Phase())
}

func TestRunFailsWhenDeciderExhaustsRetries(t *testing.T) {
	decisions := &scriptedLLM{err: errors.New("provider down")}
	runner := newTestRunner(t, decisions, &stubFetcher{}, &stubSearch{}, analysisResponse(90, 90))

	answer, err := runner.Run(context.Background(), "q", Budget{})
	require.Error(t, err)
	assert.Nil(t, answer)
	assert.Equal(t, PhaseFailed, runner.Phase())
}

func TestRunnerIsUseAndDiscard(t *testing.T) {
	decisions := &scriptedLLM{responses: []string{
		`{"action":"analyze","urls":["https://a.test/1"]}`,
		`{"action":"conclude","answer":"done"}`,
	}}
	runner := newTestRunner(t, decisions, &stubFetcher{}, &stubSearch{}, analysisResponse(95, 95))

	_, err := runner.Run(context.Background(), "q", Budget{})
	require.NoError(t, err)

	_, err = runner.Run(context.Background(), "q again", Budget{})
	assert.ErrorIs(t, err, ErrRunConsumed)
}

func TestAnalyzeSkipsFailedFetches(t *testing.T) {
	decisions := &scriptedLLM{responses: []string{
		`{"action":"analyze","urls":["https://ok.test/1","https://bad.test/2","https://ok.test/3"]}`,
		`{"action":"conclude","answer":"done"}`,
	}}
	fetcher := &stubFetcher{fail: map[string]bool{"https://bad.test/2": true}}
	runner := newTestRunner(t, decisions, fetcher, &stubSearch{}, analysisResponse(95, 95))

	answer, err := runner.Run(context.Background(), "q", Budget{})
	require.NoError(t, err)
	assert.Len(t, answer.References, 2, "failed fetch is skipped, batch continues")
}

func TestAnalyzeConcurrencyIsBounded(t *testing.T) {
	urls := make([]string, 6)
	for i := range urls {
		urls[i] = fmt.Sprintf("https://site%d.test/", i)
	}
	decisions := &scriptedLLM{responses: []string{
		fmt.Sprintf(`{"action":"analyze","urls":["%s","%s","%s","%s","%s","%s"]}`,
			urls[0], urls[1], urls[2], urls[3], urls[4], urls[5]),
		`{"action":"conclude","answer":"done"}`,
	}}
	fetcher := &stubFetcher{delay: 30 * time.Millisecond}
	runner := newTestRunner(t, decisions, fetcher, &stubSearch{}, analysisResponse(95, 95),
		WithAnalyzeConcurrency(2))

	_, err := runner.Run(context.Background(), "q", Budget{})
	require.NoError(t, err)
	assert.LessOrEqual(t, fetcher.maxInFlight, 2)
}

func TestAnalyzeSkipsSeenURLs(t *testing.T) {
	decisions := &scriptedLLM{responses: []string{
		`{"action":"analyze","urls":["https://a.test/1"]}`,
		`{"action":"analyze","urls":["https://a.test/1"]}`,
		`{"action":"conclude","answer":"done"}`,
	}}
	runner := newTestRunner(t, decisions, &stubFetcher{}, &stubSearch{}, analysisResponse(50, 50))

	answer, err := runner.Run(context.Background(), "q", Budget{})
	require.NoError(t, err)
	assert.Len(t, answer.References, 1, "a URL is analyzed at most once per run")
}

func TestSearchFailureIsFatalWithoutEvidence(t *testing.T) {
	decisions := &scriptedLLM{responses: []string{
		`{"action":"search","query":"q"}`,
	}}
	searcher := &stubSearch{err: errors.New("quota exceeded")}
	runner := newTestRunner(t, decisions, &stubFetcher{}, searcher, analysisResponse(90, 90))

	_, err := runner.Run(context.Background(), "q", Budget{})
	require.Error(t, err)
	assert.Equal(t, PhaseFailed, runner.Phase())
	assert.Equal(t, 3, searcher.calls, "search is retried before failing the run")
}

func TestComputeConfidence(t *testing.T) {
	tests := []struct {
		name     string
		evidence []Evidence
		want     float64
	}{
		{name: "empty", evidence: nil, want: 0},
		{
			name:     "single item is its own max and average",
			evidence: []Evidence{{Relevance: 0.9, Reliability: 0.8}},
			want:     0.72,
		},
		{
			name: "blend of best and average",
			evidence: []Evidence{
				{Relevance: 1.0, Reliability: 1.0},
				{Relevance: 0.5, Reliability: 0.4},
			},
			want: 0.5*1.0 + 0.5*(1.0+0.2)/2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, computeConfidence(tt.evidence), 1e-9)
		})
	}
}

func TestBuildReferences(t *testing.T) {
	evidence := []Evidence{
		{URL: "https://low.test", Title: "Low", Relevance: 0.2, Reliability: 0.2},
		{URL: "https://high.test", Title: "High", Relevance: 0.9, Reliability: 0.9},
		{URL: "https://high.test", Title: "High dup", Relevance: 0.8, Reliability: 0.8},
		{URL: "https://mid.test", Title: "Mid", Relevance: 0.5, Reliability: 0.5},
	}

	refs := buildReferences(evidence)
	require.Len(t, refs, 3)
	assert.Equal(t, "https://high.test", refs[0].URL)
	assert.Equal(t, "https://mid.test", refs[1].URL)
	assert.Equal(t, "https://low.test", refs[2].URL)
}

func TestBuildReferencesCap(t *testing.T) {
	var evidence []Evidence
	for i := 0; i < 30; i++ {
		evidence = append(evidence, Evidence{
			URL:       fmt.Sprintf("https://s%d.test", i),
			Relevance: 0.5, Reliability: 0.5,
		})
	}
	assert.Len(t, buildReferences(evidence), maxReferences)
}

func TestParseAction(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		wantKind ActionKind
		wantErr  bool
	}{
		{name: "search", raw: `{"action":"search","query":"x"}`, wantKind: ActionSearch},
		{name: "analyze", raw: `{"action":"analyze","urls":["https://a.test"]}`, wantKind: ActionAnalyze},
		{name: "conclude", raw: `{"action":"conclude","answer":"a"}`, wantKind: ActionConclude},
		{name: "fenced json", raw: "```json\n{\"action\":\"conclude\",\"answer\":\"a\"}\n```", wantKind: ActionConclude},
		{name: "unknown kind", raw: `{"action":"ponder"}`, wantErr: true},
		{name: "search without query", raw: `{"action":"search"}`, wantErr: true},
		{name: "analyze without urls", raw: `{"action":"analyze"}`, wantErr: true},
		{name: "not json", raw: "I think we should search more", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			action, err := parseAction(tt.raw, false)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantKind, action.Kind)
		})
	}
}

func TestParseActionConcludeOnly(t *testing.T) {
	_, err := parseAction(`{"action":"search","query":"x"}`, true)
	assert.Error(t, err)

	action, err := parseAction(`{"action":"conclude","answer":"a"}`, true)
	require.NoError(t, err)
	assert.Equal(t, ActionConclude, action.Kind)
}

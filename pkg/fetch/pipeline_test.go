package fetch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/entrhq/webcontext/pkg/browser"
	"github.com/entrhq/webcontext/pkg/cache"
	"github.com/entrhq/webcontext/pkg/extract"
	"github.com/entrhq/webcontext/pkg/logging"
	"github.com/entrhq/webcontext/pkg/ratelimit"
)

// stubEngine serves a fixed page with configurable latency and faults.
type stubEngine struct {
	mu          sync.Mutex
	html        string
	navDelay    time.Duration
	navErr      error
	navigations atomic.Int64
}

func newStubEngine() *stubEngine {
	return &stubEngine{
		html: "<html><head><title>Stub Page</title></head><body><p>" +
			strings.Repeat("real content ", 100) + "</p></body></html>",
	}
}

func (e *stubEngine) Start(_ context.Context) error { return nil }
func (e *stubEngine) Healthy() bool                 { return true }
func (e *stubEngine) Stop() error                   { return nil }

func (e *stubEngine) NewPage(_ context.Context) (browser.Page, error) {
	return &stubPage{engine: e}, nil
}

func (e *stubEngine) setNavErr(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.navErr = err
}

type stubPage struct {
	engine *stubEngine
}

func (p *stubPage) Navigate(ctx context.Context, _ string) error {
	p.engine.navigations.Add(1)
	p.engine.mu.Lock()
	delay, navErr := p.engine.navDelay, p.engine.navErr
	p.engine.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return browser.ErrNavigationTimeout
		}
	}
	return navErr
}

func (p *stubPage) Content(_ context.Context) (string, error) {
	p.engine.mu.Lock()
	defer p.engine.mu.Unlock()
	return p.engine.html, nil
}

func (p *stubPage) Title(_ context.Context) (string, error)      { return "Stub Page", nil }
func (p *stubPage) FinalURL() string                             { return "https://example.com/final" }
func (p *stubPage) Screenshot(_ context.Context) ([]byte, error) { return []byte("png"), nil }
func (p *stubPage) Close(_ context.Context) error                { return nil }

type testPipeline struct {
	pipeline *Pipeline
	engine   *stubEngine
	limiter  *ratelimit.Limiter
}

func newTestPipeline(t *testing.T, rules *OriginRules) *testPipeline {
	t.Helper()
	logger, _ := logging.NewLogger("fetch-test")

	engine := newStubEngine()
	pool := browser.NewPool(func() (browser.Engine, error) { return engine, nil },
		browser.Options{MaxSessions: 2, TabsPerSession: 5, HealthInterval: time.Hour}, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		pool.Close(ctx)
	})

	resultCache := cache.New(cache.NewMemoryStore(), cache.Options{
		MinContentSize: 100,
		SweepInterval:  time.Hour,
	}, logger)
	t.Cleanup(func() { resultCache.Close() })

	limiter := ratelimit.New(ratelimit.Options{
		MaxConcurrent: 1,
		DelayMin:      time.Millisecond,
		DelayMax:      time.Millisecond,
	})
	t.Cleanup(limiter.Close)

	return &testPipeline{
		pipeline: NewPipeline(limiter, resultCache, pool, rules, logger),
		engine:   engine,
		limiter:  limiter,
	}
}

func TestFetchSuccessThenCached(t *testing.T) {
	tp := newTestPipeline(t, nil)

	first := tp.pipeline.Fetch(context.Background(), "https://example.com/a", Options{})
	require.True(t, first.OK(), "first fetch should succeed: %v", first.Cause)
	assert.False(t, first.Cached)
	assert.Equal(t, "Stub Page", first.Title)
	assert.Contains(t, first.Content, "real content")

	second := tp.pipeline.Fetch(context.Background(), "https://example.com/a", Options{})
	require.True(t, second.OK())
	assert.True(t, second.Cached)
	assert.Equal(t, first.Content, second.Content)
	assert.Equal(t, int64(1), tp.engine.navigations.Load(), "second fetch must not navigate")
}

func TestConcurrentFetchesSingleNavigation(t *testing.T) {
	tp := newTestPipeline(t, nil)
	tp.engine.navDelay = 50 * time.Millisecond

	var wg sync.WaitGroup
	outcomes := make([]Outcome, 8)
	for i := range outcomes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			outcomes[i] = tp.pipeline.Fetch(context.Background(), "https://example.com/a", Options{})
		}(i)
	}
	wg.Wait()

	for _, o := range outcomes {
		require.True(t, o.OK(), "all concurrent callers observe the success: %v", o.Cause)
		assert.Equal(t, outcomes[0].Content, o.Content)
		assert.False(t, o.Cached, "a result produced by a live navigation is not cached")
	}
	assert.Equal(t, int64(1), tp.engine.navigations.Load())
}

func TestFetchTimeoutReleasesResources(t *testing.T) {
	tp := newTestPipeline(t, nil)
	tp.engine.navDelay = time.Second

	outcome := tp.pipeline.Fetch(context.Background(), "https://example.com/slow", Options{
		Timeout: 30 * time.Millisecond,
	})
	assert.Equal(t, StatusTimeout, outcome.Status)

	// Token and slot were released: a fast fetch to the same origin
	// proceeds immediately.
	tp.engine.mu.Lock()
	tp.engine.navDelay = 0
	tp.engine.mu.Unlock()

	next := tp.pipeline.Fetch(context.Background(), "https://example.com/fast", Options{
		Timeout: time.Second,
	})
	assert.True(t, next.OK(), "resources must be free after a timeout: %v", next.Cause)
	assert.Equal(t, 0, tp.limiter.Outstanding("example.com"))
}

func TestFetchFailureNotCached(t *testing.T) {
	tp := newTestPipeline(t, nil)
	tp.engine.setNavErr(errors.New("connection reset"))

	outcome := tp.pipeline.Fetch(context.Background(), "https://example.com/flaky", Options{})
	assert.Equal(t, StatusNavigationError, outcome.Status)
	require.Error(t, outcome.Err())

	// The key was not poisoned: once the site recovers, the same URL
	// fetches fresh.
	tp.engine.setNavErr(nil)
	retry := tp.pipeline.Fetch(context.Background(), "https://example.com/flaky", Options{})
	assert.True(t, retry.OK(), "retry after failure should succeed: %v", retry.Cause)
	assert.False(t, retry.Cached)
}

func TestFetchRateLimited(t *testing.T) {
	tp := newTestPipeline(t, nil)
	tp.engine.navDelay = 500 * time.Millisecond

	done := make(chan Outcome, 1)
	go func() {
		done <- tp.pipeline.Fetch(context.Background(), "https://example.com/one", Options{Timeout: 2 * time.Second})
	}()

	// Wait for the first fetch to hold the origin's only token.
	require.Eventually(t, func() bool {
		return tp.limiter.Outstanding("example.com") == 1
	}, time.Second, 5*time.Millisecond)

	blocked := tp.pipeline.Fetch(context.Background(), "https://example.com/two", Options{
		Timeout: 30 * time.Millisecond,
	})
	assert.Equal(t, StatusRateLimited, blocked.Status)

	first := <-done
	assert.True(t, first.OK(), "holder of the token should finish: %v", first.Cause)
}

func TestOriginRules(t *testing.T) {
	rules, err := NewOriginRules(nil, []string{"*.internal", "blocked.com"})
	require.NoError(t, err)

	tp := newTestPipeline(t, rules)

	blocked := tp.pipeline.Fetch(context.Background(), "https://blocked.com/page", Options{})
	assert.Equal(t, StatusNavigationError, blocked.Status)
	assert.ErrorIs(t, blocked.Cause, ErrOriginBlocked)
	assert.Zero(t, tp.engine.navigations.Load())

	allowed := tp.pipeline.Fetch(context.Background(), "https://example.com/page", Options{})
	assert.True(t, allowed.OK())
}

func TestOriginRulesAllowList(t *testing.T) {
	rules, err := NewOriginRules([]string{"example.com"}, nil)
	require.NoError(t, err)

	assert.True(t, rules.Allowed("example.com"))
	assert.False(t, rules.Allowed("other.com"))
}

func TestBypassSkipsCache(t *testing.T) {
	tp := newTestPipeline(t, nil)

	first := tp.pipeline.Fetch(context.Background(), "https://example.com/a", Options{})
	require.True(t, first.OK())

	second := tp.pipeline.Fetch(context.Background(), "https://example.com/a", Options{Bypass: true})
	require.True(t, second.OK())
	assert.False(t, second.Cached)
	assert.Equal(t, int64(2), tp.engine.navigations.Load())
}

func TestFetchFormatText(t *testing.T) {
	tp := newTestPipeline(t, nil)

	outcome := tp.pipeline.Fetch(context.Background(), "https://example.com/a", Options{Format: extract.FormatText})
	require.True(t, outcome.OK())
	assert.NotContains(t, outcome.Content, "# Stub Page")
}

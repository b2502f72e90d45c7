// Package fetch composes rate limiting, caching, pooled browser
// execution, and content extraction into a single fetch contract. Every
// attempt yields exactly one Outcome; failures are never cached and
// tokens and slots are released on every exit path, including
// cancellation.
package fetch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gobwas/glob"

	"github.com/entrhq/webcontext/pkg/browser"
	"github.com/entrhq/webcontext/pkg/cache"
	"github.com/entrhq/webcontext/pkg/extract"
	"github.com/entrhq/webcontext/pkg/logging"
	"github.com/entrhq/webcontext/pkg/ratelimit"
	"github.com/entrhq/webcontext/pkg/urlutil"
)

// DefaultTimeout bounds one navigation when the caller sets none.
const DefaultTimeout = 30 * time.Second

// ErrOriginBlocked marks a fetch refused by the origin allow/deny rules.
var ErrOriginBlocked = errors.New("origin blocked by policy")

// Options configures one fetch.
type Options struct {
	// TTL overrides the cache default for this entry. Zero keeps the
	// default.
	TTL time.Duration

	// Bypass disables cache reads and forces a refresh on success.
	Bypass bool

	// Format selects extraction output. Empty means markdown.
	Format extract.Format

	// Locale is carried into the cache key for locale-sensitive pages.
	Locale string

	// Timeout is the navigation deadline. Zero means DefaultTimeout.
	Timeout time.Duration
}

// OriginRules is a compiled allow/deny filter over origins. An empty
// allow list admits every origin not explicitly denied.
type OriginRules struct {
	allowed []glob.Glob
	denied  []glob.Glob
}

// NewOriginRules compiles glob patterns into an origin filter.
func NewOriginRules(allowed, denied []string) (*OriginRules, error) {
	rules := &OriginRules{}
	for _, pattern := range allowed {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid allow pattern %q: %w", pattern, err)
		}
		rules.allowed = append(rules.allowed, g)
	}
	for _, pattern := range denied {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid deny pattern %q: %w", pattern, err)
		}
		rules.denied = append(rules.denied, g)
	}
	return rules, nil
}

// Allowed reports whether an origin passes the filter. Deny wins over
// allow.
func (r *OriginRules) Allowed(origin string) bool {
	if r == nil {
		return true
	}
	for _, g := range r.denied {
		if g.Match(origin) {
			return false
		}
	}
	if len(r.allowed) == 0 {
		return true
	}
	for _, g := range r.allowed {
		if g.Match(origin) {
			return true
		}
	}
	return false
}

// Pipeline is the composed fetch path: cache in front, then per-origin
// admission, then a pooled browser slot, then extraction.
type Pipeline struct {
	limiter *ratelimit.Limiter
	cache   *cache.Cache
	pool    *browser.Pool
	rules   *OriginRules
	logger  *logging.Logger
	timeout time.Duration
}

// PipelineOption configures a Pipeline.
type PipelineOption func(*Pipeline)

// WithNavigationTimeout overrides the default per-fetch deadline used
// when a call sets none.
func WithNavigationTimeout(timeout time.Duration) PipelineOption {
	return func(p *Pipeline) {
		if timeout > 0 {
			p.timeout = timeout
		}
	}
}

// NewPipeline wires the pipeline. rules may be nil to admit all origins.
func NewPipeline(limiter *ratelimit.Limiter, resultCache *cache.Cache, pool *browser.Pool, rules *OriginRules, logger *logging.Logger, opts ...PipelineOption) *Pipeline {
	p := &Pipeline{
		limiter: limiter,
		cache:   resultCache,
		pool:    pool,
		rules:   rules,
		logger:  logger,
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// cachedPage is the payload persisted per cache key.
type cachedPage struct {
	Content  string `json:"content"`
	Title    string `json:"title"`
	FinalURL string `json:"final_url"`
}

// statusError carries an outcome status through the cache boundary so
// every singleflight waiter observes the same classified failure.
type statusError struct {
	status Status
	cause  error
}

func (e *statusError) Error() string {
	return fmt.Sprintf("%s: %v", e.status, e.cause)
}

func (e *statusError) Unwrap() error { return e.cause }

// Fetch resolves one URL to an Outcome. The cache is consulted first;
// on a miss exactly one concurrent caller per cache key executes the
// navigation while the rest await its result.
func (p *Pipeline) Fetch(ctx context.Context, rawURL string, opts Options) Outcome {
	if opts.Format == "" {
		opts.Format = extract.FormatMarkdown
	}
	if opts.Timeout <= 0 {
		opts.Timeout = p.timeout
	}

	url := urlutil.NormalizeURL(rawURL)
	key := urlutil.CacheKey(url, string(opts.Format), opts.Locale)

	payload, hit, err := p.cache.GetOrFetch(ctx, key, opts.TTL, opts.Bypass, func(ctx context.Context) ([]byte, error) {
		return p.fetchPage(ctx, url, opts)
	})
	if err != nil {
		return p.failureOutcome(url, err)
	}

	var page cachedPage
	if err := json.Unmarshal(payload, &page); err != nil {
		return Outcome{Status: StatusExtractionError, URL: url,
			Cause: fmt.Errorf("corrupt cache payload: %w", err)}
	}
	return Outcome{
		Status:   StatusSuccess,
		URL:      url,
		FinalURL: page.FinalURL,
		Title:    page.Title,
		Content:  page.Content,
		Cached:   hit,
	}
}

// fetchPage is the cache-miss path: origin policy, rate-limit token,
// pool slot, navigation, extraction. Token and slot acquisitions are
// scoped so they release on success, failure, and cancellation alike.
func (p *Pipeline) fetchPage(ctx context.Context, url string, opts Options) (payload []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("fetch panicked for %s: %v", url, r)
			payload, err = nil, &statusError{StatusNavigationError, fmt.Errorf("fetch panicked: %v", r)}
		}
	}()

	origin, originErr := urlutil.Origin(url)
	if originErr != nil {
		return nil, &statusError{StatusNavigationError, originErr}
	}
	if !p.rules.Allowed(origin) {
		return nil, &statusError{StatusNavigationError, fmt.Errorf("%w: %s", ErrOriginBlocked, origin)}
	}

	ctx, cancel := context.WithTimeout(ctx, opts.Timeout)
	defer cancel()

	token, acquireErr := p.limiter.Acquire(ctx, origin)
	if acquireErr != nil {
		return nil, &statusError{StatusRateLimited, acquireErr}
	}
	defer token.Release()

	slot, slotErr := p.pool.Acquire(ctx)
	if slotErr != nil {
		if errors.Is(slotErr, context.DeadlineExceeded) || errors.Is(slotErr, context.Canceled) {
			return nil, &statusError{StatusTimeout, slotErr}
		}
		return nil, &statusError{StatusNavigationError, slotErr}
	}
	defer slot.Release()

	result, navErr := slot.Navigate(ctx, url)
	if navErr != nil {
		if errors.Is(navErr, browser.ErrNavigationTimeout) {
			return nil, &statusError{StatusTimeout, navErr}
		}
		return nil, &statusError{StatusNavigationError, navErr}
	}

	extracted, extractErr := extract.Page(result.HTML, extract.Options{Format: opts.Format})
	if extractErr != nil {
		return nil, &statusError{StatusExtractionError, extractErr}
	}

	title := extracted.Title
	if title == "" {
		title = result.Title
	}
	payload, err = json.Marshal(cachedPage{
		Content:  extracted.Content,
		Title:    title,
		FinalURL: result.FinalURL,
	})
	if err != nil {
		return nil, &statusError{StatusExtractionError, err}
	}
	return payload, nil
}

// failureOutcome maps a classified fetch error back to its Outcome
// variant. Unclassified errors count as navigation faults.
func (p *Pipeline) failureOutcome(url string, err error) Outcome {
	var se *statusError
	if errors.As(err, &se) {
		return Outcome{Status: se.status, URL: url, Cause: se.cause}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{Status: StatusTimeout, URL: url, Cause: err}
	}
	return Outcome{Status: StatusNavigationError, URL: url, Cause: err}
}

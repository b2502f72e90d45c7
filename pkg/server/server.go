// Package server exposes the fetch pipeline, search provider, and
// evidence agent over HTTP.
package server

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/entrhq/webcontext/pkg/agent"
	"github.com/entrhq/webcontext/pkg/browser"
	"github.com/entrhq/webcontext/pkg/extract"
	"github.com/entrhq/webcontext/pkg/fetch"
	"github.com/entrhq/webcontext/pkg/logging"
	"github.com/entrhq/webcontext/pkg/search"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
)

// Fetcher is the pipeline surface the server consumes.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string, opts fetch.Options) fetch.Outcome
}

// PoolStats reports session health for the liveness endpoint.
type PoolStats interface {
	Stats() []browser.SessionInfo
}

// RunnerFactory builds a fresh agent runner per research request.
// Runners are use-and-discard, so the server never reuses one.
type RunnerFactory func() *agent.Runner

// Analyzer scores a single URL against a query.
type Analyzer interface {
	Analyze(ctx context.Context, url, query string, bypass bool) (agent.Evidence, error)
}

// Server is the HTTP surface over the webcontext components.
type Server struct {
	fetcher       Fetcher
	searcher      search.Provider
	analyzer      Analyzer
	newRunner     RunnerFactory
	pool          PoolStats
	logger        *logging.Logger
	engine        *gin.Engine
	defaultBudget agent.Budget
}

// Options configures the HTTP surface.
type Options struct {
	// AllowedOrigins is the CORS allow list. Empty allows all origins.
	AllowedOrigins []string

	// DefaultBudget seeds research runs; request fields override it.
	DefaultBudget agent.Budget
}

// New assembles the server and its routes.
func New(fetcher Fetcher, searcher search.Provider, analyzer Analyzer, newRunner RunnerFactory, pool PoolStats, logger *logging.Logger, opts Options) *Server {
	s := &Server{
		fetcher:       fetcher,
		searcher:      searcher,
		analyzer:      analyzer,
		newRunner:     newRunner,
		pool:          pool,
		logger:        logger,
		defaultBudget: opts.DefaultBudget,
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	} else {
		corsConfig.AllowAllOrigins = true
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization"}
	engine.Use(cors.New(corsConfig))

	engine.POST("/scrape", s.handleScrape)
	engine.POST("/search", s.handleSearch)
	engine.POST("/analyze", s.handleAnalyze)
	engine.POST("/agent/research", s.handleResearch)
	engine.GET("/healthz", s.handleHealthz)

	s.engine = engine
	return s
}

// Handler returns the http.Handler for serving.
func (s *Server) Handler() http.Handler {
	return s.engine
}

type scrapeRequest struct {
	URLs         []string `json:"urls" binding:"required,min=1"`
	AllowCache   bool     `json:"allow_cache"`
	OutputFormat string   `json:"output_format"`
}

type scrapeResult struct {
	URL      string `json:"url"`
	Status   string `json:"status"`
	Title    string `json:"title,omitempty"`
	Content  string `json:"content,omitempty"`
	FinalURL string `json:"final_url,omitempty"`
	Cached   bool   `json:"cached"`
	Error    string `json:"error,omitempty"`
}

func (s *Server) handleScrape(c *gin.Context) {
	req := scrapeRequest{AllowCache: true}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	opts := fetch.Options{
		Bypass: !req.AllowCache,
		Format: extract.Format(req.OutputFormat),
	}

	results := make([]scrapeResult, len(req.URLs))
	var wg sync.WaitGroup
	for i, url := range req.URLs {
		wg.Add(1)
		go func(i int, url string) {
			defer wg.Done()
			outcome := s.fetcher.Fetch(c.Request.Context(), url, opts)
			result := scrapeResult{
				URL:      url,
				Status:   string(outcome.Status),
				Title:    outcome.Title,
				Content:  outcome.Content,
				FinalURL: outcome.FinalURL,
				Cached:   outcome.Cached,
			}
			if err := outcome.Err(); err != nil {
				result.Error = err.Error()
			}
			results[i] = result
		}(i, url)
	}
	wg.Wait()

	// A single failed URL maps to its outcome's HTTP status; batches
	// report per-URL status in the body instead.
	if len(results) == 1 && results[0].Error != "" {
		c.JSON(httpStatus(fetch.Status(results[0].Status)), gin.H{"results": results})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

// httpStatus maps a fetch outcome to an HTTP status.
func httpStatus(status fetch.Status) int {
	switch status {
	case fetch.StatusSuccess:
		return http.StatusOK
	case fetch.StatusRateLimited:
		return http.StatusTooManyRequests
	case fetch.StatusTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusBadGateway
	}
}

type searchRequest struct {
	Query      string   `json:"query" binding:"required"`
	MaxResults int      `json:"max_results"`
	Domains    []string `json:"domains"`
}

func (s *Server) handleSearch(c *gin.Context) {
	var req searchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	results, err := s.searcher.Search(c.Request.Context(), req.Query, search.Constraints{
		MaxResults: req.MaxResults,
		Domains:    req.Domains,
	})
	if err != nil {
		s.logger.Errorf("search failed for %q: %v", req.Query, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results})
}

type analyzeRequest struct {
	URL        string `json:"url" binding:"required"`
	Query      string `json:"query" binding:"required"`
	AllowCache bool   `json:"allow_cache"`
}

func (s *Server) handleAnalyze(c *gin.Context) {
	req := analyzeRequest{AllowCache: true}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	evidence, err := s.analyzer.Analyze(c.Request.Context(), req.URL, req.Query, !req.AllowCache)
	if err != nil {
		s.logger.Errorf("analysis failed for %s: %v", req.URL, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, evidence)
}

type researchRequest struct {
	Query            string  `json:"query" binding:"required"`
	MaxIterations    int     `json:"max_iterations"`
	MaxTokens        int     `json:"max_tokens"`
	DeadlineSeconds  int     `json:"deadline_seconds"`
	ConfidenceTarget float64 `json:"confidence_target"`
}

func (s *Server) handleResearch(c *gin.Context) {
	var req researchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	budget := s.defaultBudget
	if req.MaxIterations > 0 {
		budget.MaxIterations = req.MaxIterations
	}
	if req.MaxTokens > 0 {
		budget.MaxTokens = req.MaxTokens
	}
	if req.ConfidenceTarget > 0 {
		budget.ConfidenceTarget = req.ConfidenceTarget
	}
	if req.DeadlineSeconds > 0 {
		budget.Deadline = time.Duration(req.DeadlineSeconds) * time.Second
	}

	runner := s.newRunner()
	answer, err := runner.Run(c.Request.Context(), req.Query, budget)
	if err != nil {
		s.logger.Errorf("research run failed for %q: %v", req.Query, err)
		c.JSON(http.StatusBadGateway, gin.H{"error": err.Error(), "phase": runner.Phase()})
		return
	}
	c.JSON(http.StatusOK, answer)
}

func (s *Server) handleHealthz(c *gin.Context) {
	sessions := s.pool.Stats()
	live := 0
	for _, info := range sessions {
		if info.State == browser.StateReady || info.State == browser.StateBusy {
			live++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":        "ok",
		"sessions":      len(sessions),
		"live_sessions": live,
	})
}

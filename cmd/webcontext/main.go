// Package main runs the webcontext service: a pooled headless-browser
// fetch pipeline with per-origin rate limiting and result caching, a
// web search proxy, and an iterative evidence-gathering research agent,
// all exposed over HTTP.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/entrhq/webcontext/pkg/agent"
	"github.com/entrhq/webcontext/pkg/browser"
	"github.com/entrhq/webcontext/pkg/cache"
	"github.com/entrhq/webcontext/pkg/config"
	"github.com/entrhq/webcontext/pkg/fetch"
	"github.com/entrhq/webcontext/pkg/llm/openai"
	"github.com/entrhq/webcontext/pkg/llm/tokenizer"
	"github.com/entrhq/webcontext/pkg/logging"
	"github.com/entrhq/webcontext/pkg/ratelimit"
	"github.com/entrhq/webcontext/pkg/search"
	"github.com/entrhq/webcontext/pkg/server"
)

const version = "0.1.0"

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigFile  string
	Addr        string
	ShowVersion bool
}

func main() {
	cliConfig := parseFlags()

	if cliConfig.ShowVersion {
		fmt.Printf("webcontext v%s\n", version)
		return
	}

	if err := run(cliConfig); err != nil {
		log.Printf("webcontext failed: %v", err)
		os.Exit(1)
	}
}

func parseFlags() *CLIConfig {
	cliConfig := &CLIConfig{}

	flag.StringVar(&cliConfig.ConfigFile, "config", "", "Path to configuration file (YAML)")
	flag.StringVar(&cliConfig.Addr, "addr", "", "Listen address (overrides config)")
	flag.BoolVar(&cliConfig.ShowVersion, "version", false, "Show version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "webcontext - web fetch, search, and research service\n\n")
		fmt.Fprintf(os.Stderr, "Usage: webcontext [options]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  webcontext -config webcontext.yaml\n")
		fmt.Fprintf(os.Stderr, "  webcontext -addr :9090\n")
	}

	flag.Parse()
	return cliConfig
}

func run(cliConfig *CLIConfig) error {
	cfg, err := config.Load(cliConfig.ConfigFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if cliConfig.Addr != "" {
		cfg.Server.Addr = cliConfig.Addr
	}

	logger, err := logging.NewLogger("webcontext")
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	defer logger.Close()
	logger.Infof("starting webcontext v%s on %s", version, cfg.Server.Addr)

	// Cache store.
	var store cache.Store
	if cfg.Cache.Path != "" {
		sqlStore, err := cache.NewSQLiteStore(cfg.Cache.Path)
		if err != nil {
			return fmt.Errorf("failed to open cache database: %w", err)
		}
		store = sqlStore
	} else {
		store = cache.NewMemoryStore()
	}
	resultCache := cache.New(store, cache.Options{
		TTL:            cfg.Cache.TTL,
		MinContentSize: cfg.Cache.MinContentSize,
		SweepInterval:  cfg.Cache.SweepInterval,
	}, logger)
	defer resultCache.Close()

	limiter := ratelimit.New(ratelimit.Options{
		MaxConcurrent: cfg.RateLimit.PerOrigin,
		DelayMin:      cfg.RateLimit.DelayMin,
		DelayMax:      cfg.RateLimit.DelayMax,
		IdleTTL:       cfg.RateLimit.IdleTTL,
	})
	defer limiter.Close()

	// Browser pool.
	runtime, err := browser.StartRuntime()
	if err != nil {
		return fmt.Errorf("failed to start browser runtime: %w", err)
	}
	defer runtime.Stop()

	pool := browser.NewPool(runtime.EngineFactory(browser.EngineOptions{
		Headless: cfg.Browser.Headless,
	}), browser.Options{
		MaxSessions:      cfg.Browser.MaxSessions,
		TabsPerSession:   cfg.Browser.TabsPerSession,
		FailureThreshold: cfg.Browser.FailureThreshold,
		ArtifactDir:      cfg.Browser.ArtifactDir,
	}, logger)

	rules, err := fetch.NewOriginRules(cfg.Fetch.AllowedOrigins, cfg.Fetch.DeniedOrigins)
	if err != nil {
		return fmt.Errorf("invalid origin rules: %w", err)
	}
	pipeline := fetch.NewPipeline(limiter, resultCache, pool, rules, logger,
		fetch.WithNavigationTimeout(cfg.Browser.NavigationTimeout))

	// External providers.
	searcher, err := search.NewGoogleCSE(cfg.Search.APIKey, cfg.Search.CXKey)
	if err != nil {
		return fmt.Errorf("failed to configure search provider: %w", err)
	}

	decisionProvider, err := openai.NewProvider(cfg.LLM.APIKey,
		openai.WithModel(cfg.LLM.Model),
		openai.WithBaseURL(cfg.LLM.BaseURL))
	if err != nil {
		return fmt.Errorf("failed to configure decision model: %w", err)
	}

	analyzerModel := cfg.LLM.AnalyzerModel
	if analyzerModel == "" {
		analyzerModel = cfg.LLM.Model
	}
	analyzerProvider, err := openai.NewProvider(cfg.LLM.APIKey,
		openai.WithModel(analyzerModel),
		openai.WithBaseURL(cfg.LLM.BaseURL))
	if err != nil {
		return fmt.Errorf("failed to configure analyzer model: %w", err)
	}

	tok, err := tokenizer.New()
	if err != nil {
		logger.Warnf("tokenizer unavailable, using approximate token counts: %v", err)
		tok = nil
	}

	analyzer := agent.NewAnalyzer(analyzerProvider, pipeline, logger)
	newRunner := func() *agent.Runner {
		decider := agent.NewDecider(decisionProvider, cfg.Agent.DecisionRetries, logger)
		return agent.NewRunner(decider, analyzer, searcher, logger,
			agent.WithAnalyzeConcurrency(cfg.Agent.AnalyzeConcurrency),
			agent.WithTokenizer(tok))
	}

	srv := server.New(pipeline, searcher, analyzer, newRunner, pool, logger, server.Options{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		DefaultBudget: agent.Budget{
			MaxIterations:    cfg.Agent.MaxIterations,
			MaxTokens:        cfg.Agent.MaxTokens,
			Deadline:         cfg.Agent.Deadline,
			ConfidenceTarget: cfg.Agent.ConfidenceTarget,
		},
	})

	httpServer := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: srv.Handler(),
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-sigChan:
		logger.Infof("received %s, shutting down", sig)
	}

	// Stop accepting requests, then drain in-flight navigations within
	// the grace period.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownGrace)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Errorf("http shutdown: %v", err)
	}
	if err := pool.Close(shutdownCtx); err != nil {
		logger.Errorf("pool shutdown: %v", err)
	}

	logger.Infof("shutdown complete")
	return nil
}

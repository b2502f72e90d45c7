// Package config defines the service configuration, loaded from YAML
// with environment fallbacks for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration for the webcontext service.
type Config struct {
	Server    ServerConfig    `yaml:"server" json:"server"`
	Browser   BrowserConfig   `yaml:"browser" json:"browser"`
	Cache     CacheConfig     `yaml:"cache" json:"cache"`
	RateLimit RateLimitConfig `yaml:"rate_limit" json:"rate_limit"`
	Fetch     FetchConfig     `yaml:"fetch" json:"fetch"`
	Search    SearchConfig    `yaml:"search" json:"search"`
	LLM       LLMConfig       `yaml:"llm" json:"llm"`
	Agent     AgentConfig     `yaml:"agent" json:"agent"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Addr string `yaml:"addr" json:"addr"`

	// AllowedOrigins is the CORS allow list. Empty allows all origins.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`

	// ShutdownGrace bounds the drain phase on SIGINT/SIGTERM.
	ShutdownGrace time.Duration `yaml:"shutdown_grace" json:"shutdown_grace"`
}

// BrowserConfig configures the session pool.
type BrowserConfig struct {
	MaxSessions       int           `yaml:"max_sessions" json:"max_sessions"`
	TabsPerSession    int           `yaml:"tabs_per_session" json:"tabs_per_session"`
	Headless          bool          `yaml:"headless" json:"headless"`
	NavigationTimeout time.Duration `yaml:"navigation_timeout" json:"navigation_timeout"`

	// FailureThreshold is the consecutive navigation failure count that
	// drains a session.
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// ArtifactDir receives failure snapshots. Empty disables capture.
	ArtifactDir string `yaml:"artifact_dir" json:"artifact_dir"`
}

// CacheConfig configures the result cache.
type CacheConfig struct {
	// Path is the SQLite database file. Empty selects the in-memory
	// store.
	Path string `yaml:"path" json:"path"`

	TTL            time.Duration `yaml:"ttl" json:"ttl"`
	MinContentSize int           `yaml:"min_content_size" json:"min_content_size"`
	SweepInterval  time.Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// RateLimitConfig configures per-origin admission.
type RateLimitConfig struct {
	PerOrigin int           `yaml:"per_origin" json:"per_origin"`
	DelayMin  time.Duration `yaml:"delay_min" json:"delay_min"`
	DelayMax  time.Duration `yaml:"delay_max" json:"delay_max"`
	IdleTTL   time.Duration `yaml:"idle_ttl" json:"idle_ttl"`
}

// FetchConfig configures fetch policy.
type FetchConfig struct {
	// AllowedOrigins and DeniedOrigins are glob patterns over origins.
	// Deny wins; an empty allow list admits everything not denied.
	AllowedOrigins []string `yaml:"allowed_origins" json:"allowed_origins"`
	DeniedOrigins  []string `yaml:"denied_origins" json:"denied_origins"`
}

// SearchConfig configures the Google Custom Search provider. Keys fall
// back to GOOGLE_API_KEY and GOOGLE_CX_KEY.
type SearchConfig struct {
	APIKey string `yaml:"api_key" json:"api_key"`
	CXKey  string `yaml:"cx_key" json:"cx_key"`
}

// LLMConfig configures the decision and analyzer models. The API key
// falls back to OPENAI_API_KEY, the base URL to OPENAI_BASE_URL.
type LLMConfig struct {
	APIKey  string `yaml:"api_key" json:"api_key"`
	BaseURL string `yaml:"base_url" json:"base_url"`
	Model   string `yaml:"model" json:"model"`

	// AnalyzerModel scores fetched pages. Empty reuses Model.
	AnalyzerModel string `yaml:"analyzer_model" json:"analyzer_model"`
}

// AgentConfig configures evidence-run budgets.
type AgentConfig struct {
	MaxIterations      int           `yaml:"max_iterations" json:"max_iterations"`
	MaxTokens          int           `yaml:"max_tokens" json:"max_tokens"`
	Deadline           time.Duration `yaml:"deadline" json:"deadline"`
	ConfidenceTarget   float64       `yaml:"confidence_target" json:"confidence_target"`
	AnalyzeConcurrency int           `yaml:"analyze_concurrency" json:"analyze_concurrency"`
	DecisionRetries    int           `yaml:"decision_retries" json:"decision_retries"`
}

// DefaultConfig returns a configuration suitable for most deployments.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:          ":8080",
			ShutdownGrace: 30 * time.Second,
		},
		Browser: BrowserConfig{
			MaxSessions:       3,
			TabsPerSession:    5,
			Headless:          true,
			NavigationTimeout: 30 * time.Second,
			FailureThreshold:  3,
		},
		Cache: CacheConfig{
			TTL:            72 * time.Hour,
			MinContentSize: 400,
			SweepInterval:  24 * time.Hour,
		},
		RateLimit: RateLimitConfig{
			PerOrigin: 2,
			DelayMin:  600 * time.Millisecond,
			DelayMax:  1200 * time.Millisecond,
			IdleTTL:   10 * time.Minute,
		},
		LLM: LLMConfig{
			Model: "gpt-4o",
		},
		Agent: AgentConfig{
			MaxIterations:      20,
			ConfidenceTarget:   0.8,
			AnalyzeConcurrency: 5,
			DecisionRetries:    3,
		},
	}
}

// Load reads a YAML config file over the defaults. An empty path
// returns the defaults untouched. Secrets left empty in the file are
// filled from the environment.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}
	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if c.Search.APIKey == "" {
		c.Search.APIKey = os.Getenv("GOOGLE_API_KEY")
	}
	if c.Search.CXKey == "" {
		c.Search.CXKey = os.Getenv("GOOGLE_CX_KEY")
	}
	if c.LLM.APIKey == "" {
		c.LLM.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if c.LLM.BaseURL == "" {
		c.LLM.BaseURL = os.Getenv("OPENAI_BASE_URL")
	}
}

// Validate checks the configuration for impossible values.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Browser.MaxSessions < 1 {
		return fmt.Errorf("browser.max_sessions must be at least 1")
	}
	if c.Browser.TabsPerSession < 1 {
		return fmt.Errorf("browser.tabs_per_session must be at least 1")
	}
	if c.Cache.MinContentSize < 0 {
		return fmt.Errorf("cache.min_content_size must not be negative")
	}
	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be positive")
	}
	if c.RateLimit.PerOrigin < 1 {
		return fmt.Errorf("rate_limit.per_origin must be at least 1")
	}
	if c.RateLimit.DelayMin > c.RateLimit.DelayMax {
		return fmt.Errorf("rate_limit.delay_min must not exceed delay_max")
	}
	if c.Agent.ConfidenceTarget < 0 || c.Agent.ConfidenceTarget > 1 {
		return fmt.Errorf("agent.confidence_target must be in [0,1]")
	}
	if c.Agent.MaxIterations < 1 {
		return fmt.Errorf("agent.max_iterations must be at least 1")
	}
	return nil
}

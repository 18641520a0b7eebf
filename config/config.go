package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/adrg/xdg"
	"github.com/subosito/gotenv"
	"gopkg.in/yaml.v3"

	"crypto-news-analyzer/model"
)

// ErrInvalid is wrapped by every configuration validation failure.
var ErrInvalid = errors.New("invalid configuration")

// ValidationError describes a single invalid configuration value.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalid
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Config holds all application configuration.
type Config struct {
	OpenAIAPIKey  string `yaml:"openai_api_key"`
	OpenAIBaseURL string `yaml:"openai_api_base"`
	Model         string `yaml:"model"`

	DBDriver string `yaml:"db_driver"`
	DBPath   string `yaml:"db_path"`
	DBDSN    string `yaml:"db_dsn"`

	FetchInterval     time.Duration `yaml:"fetch_interval"`
	RunOnStart        *bool         `yaml:"run_on_start"`
	FetchTimeoutSecs  int           `yaml:"fetch_timeout_secs"`
	FetchRetries      int           `yaml:"fetch_retries"`
	FetchConcurrency  int           `yaml:"fetch_concurrency"`
	MaxItemsPerSource int           `yaml:"max_items_per_source"`
	MaxContentLength  int           `yaml:"max_content_length"`

	AnalysisConcurrency int     `yaml:"analysis_concurrency"`
	AnalysisBatchSize   int     `yaml:"analysis_batch_size"`
	MaxAnalysisAttempts int     `yaml:"max_analysis_attempts"`
	LLMTimeoutSecs      int     `yaml:"llm_timeout_secs"`
	LLMRequestsPerMin   float64 `yaml:"llm_rpm"`
	LLMBurst            int     `yaml:"llm_burst"`

	QueryTimeoutSecs     int           `yaml:"query_timeout_secs"`
	QueryCacheTTL        time.Duration `yaml:"query_cache_ttl"`
	QueryContextArticles int           `yaml:"query_context_articles"`
	QueryWindow          time.Duration `yaml:"query_window"`

	TelegramToken string `yaml:"telegram_token"`
	ChatID        int64  `yaml:"chat_id"`

	HTTPAddr    string   `yaml:"http_addr"`
	CORSOrigins []string `yaml:"cors_origins"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Sources []model.Source `yaml:"sources"`
}

// DefaultSources are the feeds registered on first start.
var DefaultSources = []model.Source{
	{Name: "decrypt", Type: model.SourceRSS, URL: "https://decrypt.co/feed", Enabled: true},
	{Name: "theblock", Type: model.SourceRSS, URL: "https://www.theblock.co/rss.xml", Enabled: true},
	{Name: "cryptonews", Type: model.SourceRSS, URL: "https://cryptonews.com/news/feed/", Enabled: true},
	{Name: "coindesk", Type: model.SourceRSS, URL: "https://www.coindesk.com/arc/outboundfeeds/rss/", Enabled: false},
	{Name: "cointelegraph", Type: model.SourceRSS, URL: "https://cointelegraph.com/rss", Enabled: false},
}

// LoadDotEnv loads variables from a .env file if one exists. Existing
// environment variables are not overwritten.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err := gotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads configuration from a YAML file and applies defaults.
// A missing file yields the default configuration.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config yaml: %w", err)
		}
	}

	applyDefaults(cfg)
	applyEnvironmentOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// GetConfigPath returns the config file path from environment or default.
func GetConfigPath() string {
	if path := os.Getenv("CRYPTONEWS_CONFIG"); path != "" {
		return path
	}
	return "./config.yaml"
}

// DefaultDBPath returns the SQLite path under the user's data directory.
func DefaultDBPath() string {
	path, err := xdg.DataFile(filepath.Join("crypto-news-analyzer", "news.db"))
	if err != nil {
		return "./crypto-news.db"
	}
	return path
}

// ShouldRunOnStart reports whether a cycle runs immediately at startup.
func (c *Config) ShouldRunOnStart() bool {
	return c.RunOnStart == nil || *c.RunOnStart
}

// FetchTimeout returns the per-request fetch timeout.
func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.FetchTimeoutSecs) * time.Second
}

// LLMTimeout returns the per-call LLM timeout.
func (c *Config) LLMTimeout() time.Duration {
	return time.Duration(c.LLMTimeoutSecs) * time.Second
}

// QueryTimeout returns the overall deadline for answering a question.
func (c *Config) QueryTimeout() time.Duration {
	return time.Duration(c.QueryTimeoutSecs) * time.Second
}

// RequireLLM checks that credentials for the LLM API are present.
func (c *Config) RequireLLM() error {
	if c.OpenAIAPIKey == "" {
		return invalid("openai_api_key", "is required (set OPENAI_API_KEY)")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.Model == "" {
		cfg.Model = "gpt-4.1-mini"
	}
	if cfg.DBDriver == "" {
		cfg.DBDriver = "sqlite"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = DefaultDBPath()
	}
	if cfg.FetchInterval == 0 {
		cfg.FetchInterval = 4 * time.Hour
	}
	if cfg.FetchTimeoutSecs == 0 {
		cfg.FetchTimeoutSecs = 10
	}
	if cfg.FetchRetries == 0 {
		cfg.FetchRetries = 3
	}
	if cfg.FetchConcurrency == 0 {
		cfg.FetchConcurrency = 4
	}
	if cfg.MaxItemsPerSource == 0 {
		cfg.MaxItemsPerSource = 10
	}
	if cfg.MaxContentLength == 0 {
		cfg.MaxContentLength = 4000
	}
	if cfg.AnalysisConcurrency == 0 {
		cfg.AnalysisConcurrency = 3
	}
	if cfg.AnalysisBatchSize == 0 {
		cfg.AnalysisBatchSize = 50
	}
	if cfg.MaxAnalysisAttempts == 0 {
		cfg.MaxAnalysisAttempts = 3
	}
	if cfg.LLMTimeoutSecs == 0 {
		cfg.LLMTimeoutSecs = 60
	}
	if cfg.LLMRequestsPerMin == 0 {
		cfg.LLMRequestsPerMin = 60
	}
	if cfg.LLMBurst == 0 {
		cfg.LLMBurst = 3
	}
	if cfg.QueryTimeoutSecs == 0 {
		cfg.QueryTimeoutSecs = 90
	}
	if cfg.QueryCacheTTL == 0 {
		cfg.QueryCacheTTL = time.Hour
	}
	if cfg.QueryContextArticles == 0 {
		cfg.QueryContextArticles = 10
	}
	if cfg.QueryWindow == 0 {
		cfg.QueryWindow = 7 * 24 * time.Hour
	}
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if len(cfg.Sources) == 0 {
		cfg.Sources = append([]model.Source(nil), DefaultSources...)
	}
}

func applyEnvironmentOverrides(cfg *Config) {
	if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		cfg.OpenAIAPIKey = v
	}
	if v := os.Getenv("OPENAI_API_BASE"); v != "" {
		cfg.OpenAIBaseURL = v
	}
	if v := os.Getenv("CRYPTONEWS_DB"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("CRYPTONEWS_DB_DSN"); v != "" {
		cfg.DBDSN = v
	}
	if v := os.Getenv("TELEGRAM_TOKEN"); v != "" {
		cfg.TelegramToken = v
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	switch c.DBDriver {
	case "sqlite":
	case "postgres":
		if c.DBDSN == "" {
			return invalid("db_dsn", "is required for the postgres driver")
		}
	default:
		return invalid("db_driver", "must be sqlite or postgres, got %q", c.DBDriver)
	}
	if c.FetchInterval < time.Minute {
		return invalid("fetch_interval", "must be at least 1m, got %s", c.FetchInterval)
	}
	if c.FetchTimeoutSecs < 0 || c.LLMTimeoutSecs < 0 || c.QueryTimeoutSecs < 0 {
		return invalid("timeouts", "must not be negative")
	}
	if c.AnalysisConcurrency < 1 {
		return invalid("analysis_concurrency", "must be positive")
	}
	if c.LogFormat != "text" && c.LogFormat != "json" {
		return invalid("log_format", "must be text or json, got %q", c.LogFormat)
	}
	if c.OpenAIBaseURL != "" {
		if err := validateEndpoint(c.OpenAIBaseURL); err != nil {
			return invalid("openai_api_base", "%v", err)
		}
	}

	seen := make(map[string]bool, len(c.Sources))
	for i, src := range c.Sources {
		if err := ValidateSource(src); err != nil {
			return fmt.Errorf("sources[%d]: %w", i, err)
		}
		if seen[src.Name] {
			return invalid(fmt.Sprintf("sources[%d].name", i), "duplicate source %q", src.Name)
		}
		seen[src.Name] = true
	}
	return nil
}

// ValidateSource checks a single source definition.
func ValidateSource(src model.Source) error {
	if strings.TrimSpace(src.Name) == "" {
		return invalid("name", "is required")
	}
	switch src.Type {
	case model.SourceRSS, model.SourceJSON:
	default:
		return invalid("type", "must be rss or json, got %q", src.Type)
	}
	if err := validateEndpoint(src.URL); err != nil {
		return invalid("url", "%v", err)
	}
	return nil
}

func validateEndpoint(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("malformed endpoint %q", raw)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint %q must use http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("endpoint %q has no host", raw)
	}
	return nil
}

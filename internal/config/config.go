package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Notion     NotionConfig     `yaml:"notion" mapstructure:"notion"`
	Jina       JinaConfig       `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityConfig `yaml:"perplexity" mapstructure:"perplexity"`
	Anthropic  AnthropicConfig  `yaml:"anthropic" mapstructure:"anthropic"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Validation ValidationConfig `yaml:"validation" mapstructure:"validation"`
	Enrich     EnrichConfig     `yaml:"enrich" mapstructure:"enrich"`
	Ledger     LedgerConfig     `yaml:"ledger" mapstructure:"ledger"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Hypothesis HypothesisConfig `yaml:"hypothesis" mapstructure:"hypothesis"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the signal store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
}

// NotionConfig holds Notion API credentials and the entity queue database.
type NotionConfig struct {
	Token    string `yaml:"token" mapstructure:"token"`
	EntityDB string `yaml:"entity_db" mapstructure:"entity_db"`
}

// JinaConfig holds Jina AI search and reader settings.
type JinaConfig struct {
	Key           string `yaml:"key" mapstructure:"key"`
	BaseURL       string `yaml:"base_url" mapstructure:"base_url"`
	SearchBaseURL string `yaml:"search_base_url" mapstructure:"search_base_url"`
}

// PerplexityConfig holds Perplexity API settings (fallback evidence source).
type PerplexityConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	Model   string `yaml:"model" mapstructure:"model"`
}

// AnthropicConfig holds Anthropic API settings. The three models back the
// cheap, mid and expensive verifier tiers.
type AnthropicConfig struct {
	Key         string `yaml:"key" mapstructure:"key"`
	HaikuModel  string `yaml:"haiku_model" mapstructure:"haiku_model"`
	SonnetModel string `yaml:"sonnet_model" mapstructure:"sonnet_model"`
	OpusModel   string `yaml:"opus_model" mapstructure:"opus_model"`
	MaxTokens   int64  `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// RedisConfig configures the optional hypothesis state cache. An empty
// address selects the in-process cache.
type RedisConfig struct {
	Addr       string `yaml:"addr" mapstructure:"addr"`
	Password   string `yaml:"password" mapstructure:"password"`
	DB         int    `yaml:"db" mapstructure:"db"`
	TTLMinutes int    `yaml:"ttl_minutes" mapstructure:"ttl_minutes"`
}

// PricingConfig holds per-provider pricing rates.
type PricingConfig struct {
	Anthropic  map[string]ModelPricing `yaml:"anthropic" mapstructure:"anthropic"`
	Jina       JinaPricing             `yaml:"jina" mapstructure:"jina"`
	Perplexity PerplexityPricing       `yaml:"perplexity" mapstructure:"perplexity"`
}

// ModelPricing holds per-model token pricing (USD per million tokens).
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// JinaPricing holds Jina pricing.
type JinaPricing struct {
	PerMTok float64 `yaml:"per_mtok" mapstructure:"per_mtok"`
}

// PerplexityPricing holds Perplexity pricing.
type PerplexityPricing struct {
	PerQuery float64 `yaml:"per_query" mapstructure:"per_query"`
}

// ValidationConfig configures the three-pass validator.
type ValidationConfig struct {
	MinConfidence   float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	MinEvidence     int     `yaml:"min_evidence" mapstructure:"min_evidence"`
	MinCredibility  float64 `yaml:"min_credibility" mapstructure:"min_credibility"`
	AdjustmentBound float64 `yaml:"adjustment_bound" mapstructure:"adjustment_bound"`
	TopEvidence     int     `yaml:"top_evidence" mapstructure:"top_evidence"`
	TerminalAccept  bool    `yaml:"terminal_accept" mapstructure:"terminal_accept"`
	TierTimeoutSecs int     `yaml:"tier_timeout_secs" mapstructure:"tier_timeout_secs"`
	Concurrency     int     `yaml:"concurrency" mapstructure:"concurrency"`
}

// EnrichConfig configures the evidence enricher.
type EnrichConfig struct {
	LookbackDays     int `yaml:"lookback_days" mapstructure:"lookback_days"`
	MaxStoredSignals int `yaml:"max_stored_signals" mapstructure:"max_stored_signals"`
	MaxSearchHits    int `yaml:"max_search_hits" mapstructure:"max_search_hits"`
	TimeoutSecs      int `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// LedgerConfig configures confidence ledger accounting and snapshots.
type LedgerConfig struct {
	SnapshotDir string  `yaml:"snapshot_dir" mapstructure:"snapshot_dir"`
	MaxCostUSD  float64 `yaml:"max_cost_usd" mapstructure:"max_cost_usd"`
	DeltaStep   float64 `yaml:"delta_step" mapstructure:"delta_step"`
}

// BatchConfig configures the iteration loop and cross-entity worker pool.
type BatchConfig struct {
	MaxConcurrentEntities int     `yaml:"max_concurrent_entities" mapstructure:"max_concurrent_entities"`
	MaxIterations         int     `yaml:"max_iterations" mapstructure:"max_iterations"`
	IterationDelaySecs    float64 `yaml:"iteration_delay_secs" mapstructure:"iteration_delay_secs"`
	SourceRPS             float64 `yaml:"source_rps" mapstructure:"source_rps"`
	SourceBurst           int     `yaml:"source_burst" mapstructure:"source_burst"`
}

// HypothesisConfig points at the scoring profile for the state machine.
type HypothesisConfig struct {
	ProfilePath string `yaml:"profile_path" mapstructure:"profile_path"`
}

// MonitoringConfig configures batch alerts. Zero thresholds disable the
// cost and dead letter checks; an empty webhook only logs alerts.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	MinFinished          int     `yaml:"min_finished" mapstructure:"min_finished"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	DLQDepthThreshold    int     `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from .env files, the config file and environment.
func Load() (*Config, error) {
	envFile := os.Getenv("READINESS_ENV_FILE")
	if envFile == "" {
		envFile = ".env"
	}
	// Missing env files are fine; real environment variables still apply.
	_ = godotenv.Load(envFile)

	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("READINESS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "readiness.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("jina.base_url", "https://r.jina.ai")
	v.SetDefault("jina.search_base_url", "https://s.jina.ai")
	v.SetDefault("perplexity.base_url", "https://api.perplexity.ai")
	v.SetDefault("perplexity.model", "sonar-pro")
	v.SetDefault("anthropic.haiku_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.sonnet_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.opus_model", "claude-opus-4-6")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("redis.ttl_minutes", 60)
	v.SetDefault("pricing.jina.per_mtok", 0.02)
	v.SetDefault("pricing.perplexity.per_query", 0.005)
	v.SetDefault("validation.min_confidence", 0.70)
	v.SetDefault("validation.min_evidence", 3)
	v.SetDefault("validation.min_credibility", 0.60)
	v.SetDefault("validation.adjustment_bound", 0.15)
	v.SetDefault("validation.top_evidence", 5)
	v.SetDefault("validation.terminal_accept", true)
	v.SetDefault("validation.tier_timeout_secs", 45)
	v.SetDefault("validation.concurrency", 4)
	v.SetDefault("enrich.lookback_days", 30)
	v.SetDefault("enrich.max_stored_signals", 2)
	v.SetDefault("enrich.max_search_hits", 2)
	v.SetDefault("enrich.timeout_secs", 20)
	v.SetDefault("ledger.snapshot_dir", "ledgers")
	v.SetDefault("ledger.max_cost_usd", 0)
	v.SetDefault("ledger.delta_step", 0.5)
	v.SetDefault("batch.max_concurrent_entities", 4)
	v.SetDefault("batch.max_iterations", 5)
	v.SetDefault("batch.iteration_delay_secs", 3)
	v.SetDefault("batch.source_rps", 2)
	v.SetDefault("batch.source_burst", 2)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.min_finished", 5)
	v.SetDefault("monitoring.cost_threshold_usd", 0)
	v.SetDefault("monitoring.dlq_depth_threshold", 0)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks that the configuration needed by the given mode is present.
// Modes: "run" (discovery loop), "validate" (recorded candidates), "serve".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required")
		}
	case "sqlite", "memory":
	default:
		errs = append(errs, fmt.Sprintf("store.driver %q is not supported", c.Store.Driver))
	}

	switch mode {
	case "run":
		errs = append(errs, c.requireSources()...)
	case "validate":
		if c.Anthropic.Key == "" {
			errs = append(errs, "anthropic.key is required")
		}
	case "serve":
		errs = append(errs, c.requireSources()...)
		if c.Server.Port <= 0 {
			errs = append(errs, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if n := c.Batch.MaxConcurrentEntities; n < 1 || n > 50 {
		errs = append(errs, fmt.Sprintf("batch.max_concurrent_entities must be between 1 and 50, got %d", n))
	}
	if c.Batch.MaxIterations < 1 {
		errs = append(errs, "batch.max_iterations must be >= 1")
	}

	v := c.Validation
	if v.MinConfidence < 0 || v.MinConfidence > 1 {
		errs = append(errs, fmt.Sprintf("validation.min_confidence must be in [0,1], got %.2f", v.MinConfidence))
	}
	if v.MinCredibility < 0 || v.MinCredibility > 1 {
		errs = append(errs, fmt.Sprintf("validation.min_credibility must be in [0,1], got %.2f", v.MinCredibility))
	}
	if v.AdjustmentBound < 0 || v.AdjustmentBound > 1 {
		errs = append(errs, fmt.Sprintf("validation.adjustment_bound must be in [0,1], got %.2f", v.AdjustmentBound))
	}
	if c.Ledger.MaxCostUSD < 0 {
		errs = append(errs, "ledger.max_cost_usd must be >= 0")
	}
	if r := c.Monitoring.FailureRateThreshold; r < 0 || r > 1 {
		errs = append(errs, fmt.Sprintf("monitoring.failure_rate_threshold must be in [0,1], got %.2f", r))
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// requireSources checks the keys used by discovery: the verifier and at
// least one evidence source.
func (c *Config) requireSources() []string {
	var errs []string
	if c.Anthropic.Key == "" {
		errs = append(errs, "anthropic.key is required")
	}
	if c.Jina.Key == "" && c.Perplexity.Key == "" {
		errs = append(errs, "jina.key or perplexity.key is required")
	}
	return errs
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}

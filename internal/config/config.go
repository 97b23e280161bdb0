// Package config loads the pipeline's configuration block from YAML,
// environment variables, and defaults, the way viper-based services
// internal/config package layers viper over a typed struct.
package config

import (
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"github.com/amerfu/promptshield/internal/logger"
)

// ModulesConfig toggles individual pipeline steps.
type ModulesConfig struct {
	Guard      bool `mapstructure:"guard"`
	Cache      bool `mapstructure:"cache"`
	Context    bool `mapstructure:"context"`
	Router     bool `mapstructure:"router"`
	Prefix     bool `mapstructure:"prefix"`
	Ledger     bool `mapstructure:"ledger"`
	Anomaly    bool `mapstructure:"anomaly"`
	Compressor bool `mapstructure:"compressor"`
	Delta      bool `mapstructure:"delta"`
}

// GuardConfig configures the request guard.
type GuardConfig struct {
	DebounceMs           int64 `mapstructure:"debounce_ms"`
	MaxRequestsPerMinute int   `mapstructure:"max_requests_per_minute"`
	MaxCostPerHour       float64 `mapstructure:"max_cost_per_hour"`
	DeduplicateWindowMs  int64 `mapstructure:"deduplicate_window_ms"`
	MinInputLength       int   `mapstructure:"min_input_length"`
	MaxInputTokens       int   `mapstructure:"max_input_tokens"` // 0 = unlimited
}

// CacheConfig configures the semantic cache.
type CacheConfig struct {
	MaxEntries          int           `mapstructure:"max_entries"`
	TTL                 time.Duration `mapstructure:"ttl"`
	SimilarityThreshold float64       `mapstructure:"similarity_threshold"`
	EncodingStrategy    string        `mapstructure:"encoding_strategy"` // "bigram" | "minhash"
	Persist             bool          `mapstructure:"persist"`
	RedisURL            string        `mapstructure:"redis_url"`
}

// ContextConfig configures the context trimmer.
type ContextConfig struct {
	MaxInputTokens  int `mapstructure:"max_input_tokens"`
	ReserveForOutput int `mapstructure:"reserve_for_output"`
}

// RouterTier maps a model id to the maximum complexity it should serve.
type RouterTier struct {
	ModelID       string `mapstructure:"model_id"`
	MaxComplexity int    `mapstructure:"max_complexity"`
}

// RouterConfig configures the model router.
type RouterConfig struct {
	Tiers                []RouterTier `mapstructure:"tiers"`
	ComplexityThreshold  int          `mapstructure:"complexity_threshold"`
	ABTestHoldback       float64      `mapstructure:"ab_test_holdback"`
	CrossProvider        bool         `mapstructure:"cross_provider"`
	AllowedProviders     []string     `mapstructure:"allowed_providers"`
	MinContextWindow     int          `mapstructure:"min_context_window"`
	RequiredCapabilities []string     `mapstructure:"required_capabilities"`
}

// BreakerConfig configures the circuit breaker.
type BreakerConfig struct {
	PerSession float64 `mapstructure:"per_session"` // <0 = unconfigured
	PerHour    float64 `mapstructure:"per_hour"`
	PerDay     float64 `mapstructure:"per_day"`
	PerMonth   float64 `mapstructure:"per_month"`
	Action     string  `mapstructure:"action"` // stop | throttle | warn
	Persist    bool    `mapstructure:"persist"`
}

// UserBudgetPolicy is a single user's day/month caps.
type UserBudgetPolicy struct {
	Daily   float64 `mapstructure:"daily"`
	Monthly float64 `mapstructure:"monthly"`
}

// UserBudgetConfig configures the user-budget manager.
type UserBudgetConfig struct {
	Users          map[string]UserBudgetPolicy `mapstructure:"users"`
	DefaultBudget  *UserBudgetPolicy           `mapstructure:"default_budget"`
}

// AnomalyConfig configures the anomaly detector.
type AnomalyConfig struct {
	WindowSize int     `mapstructure:"window_size"`
	ZThreshold float64 `mapstructure:"z_threshold"`
	Warmup     int     `mapstructure:"warmup"`
}

// AuditConfig configures the audit log.
type AuditConfig struct {
	MinSeverity string `mapstructure:"min_severity"`
	MaxEntries  int    `mapstructure:"max_entries"`
	Persist     bool   `mapstructure:"persist"`
}

// StorageConfig selects the optional durable backend for the ledger and
// audit log. An empty driver means in-memory only.
type StorageConfig struct {
	Driver string `mapstructure:"driver"` // "" | "sqlite" | "postgres"
	DSN    string `mapstructure:"dsn"`
}

// Config is the full configuration block for the pipeline.
type Config struct {
	Modules     ModulesConfig     `mapstructure:"modules"`
	Guard       GuardConfig       `mapstructure:"guard"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Context     ContextConfig     `mapstructure:"context"`
	Router      RouterConfig      `mapstructure:"router"`
	Breaker     BreakerConfig     `mapstructure:"breaker"`
	UserBudget  UserBudgetConfig  `mapstructure:"user_budget"`
	Anomaly     AnomalyConfig     `mapstructure:"anomaly"`
	Audit       AuditConfig       `mapstructure:"audit"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     logger.Config     `mapstructure:"logging"`
	DryRun      bool              `mapstructure:"dry_run"`
	DefaultModelID string         `mapstructure:"default_model_id"`
}

// Default returns the Configuration block's documented defaults.
func Default() Config {
	return Config{
		Modules: ModulesConfig{
			Guard: true, Cache: true, Context: true, Router: false,
			Prefix: true, Ledger: true, Anomaly: true, Compressor: true, Delta: true,
		},
		Guard: GuardConfig{
			DebounceMs:           300,
			MaxRequestsPerMinute: 60,
			MaxCostPerHour:       10,
			DeduplicateWindowMs:  0,
			MinInputLength:       2,
			MaxInputTokens:       0,
		},
		Cache: CacheConfig{
			MaxEntries:          500,
			TTL:                 time.Hour,
			SimilarityThreshold: 0.85,
			EncodingStrategy:    "bigram",
			Persist:             false,
		},
		Router: RouterConfig{
			ComplexityThreshold: 80,
			ABTestHoldback:      0,
			CrossProvider:       false,
		},
		Breaker: BreakerConfig{
			PerSession: -1, PerHour: -1, PerDay: -1, PerMonth: -1,
			Action: "stop",
		},
		Anomaly: AnomalyConfig{
			WindowSize: 100,
			ZThreshold: 4.0,
			Warmup:     20,
		},
		Audit: AuditConfig{
			MinSeverity: "info",
			MaxEntries:  10000,
		},
		Logging: logger.Config{Level: "info", Format: "console"},
	}
}

// Load reads layered configuration: Default() values, then an optional
// YAML file, then PROMPTSHIELD_-prefixed environment variables, in that
// precedence order (env wins), in the usual viper layering style.
func Load(path string) (Config, error) {
	cfg := Default()

	// Local/dev runs may carry a .env; absence is not an error.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("PROMPTSHIELD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

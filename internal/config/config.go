// Package config loads and validates all runtime configuration for the router.
//
// Configuration is read from environment variables (preferred for containers)
// or from a config.yaml file in the working directory. Environment variables
// take precedence over the YAML file; a .env file is loaded first when present.
//
// Naming convention: env vars use UPPER_SNAKE_CASE; the YAML file uses the
// same names in lower_snake_case. For example OPENAI_API_KEY becomes
// openai_api_key in YAML.
//
// The router starts with zero provider keys configured — models can still be
// loaded with BYOK credentials — but warns loudly, since nothing routable is
// reachable with neither configured keys nor BYOK records.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"
)

// Config is the top-level configuration container.
type Config struct {
	// ListenAddr is the address the HTTP host binds, e.g. ":8080".
	ListenAddr string

	// LogLevel controls the minimum log level. One of: debug, info, warn, error.
	LogLevel string

	// DataDir is the directory holding users.json, byok.json, indexes.json,
	// the schema version tag, and migration backups.
	DataDir string

	// MasterKey seals BYOK secrets at rest. Accepts a raw string of at least
	// 32 bytes, or hex/base64 of 32 bytes. Empty disables BYOK writes.
	MasterKey string

	// APIKeys seeds the key store at startup. Comma-separated entries of the
	// form "keyId.secret" or "keyId.secret:tier".
	APIKeys []string

	// Routing.
	MaxModels        int
	DefaultStrategy  string
	StrategyOverride string // ROUTING_STRATEGY, wins over DefaultStrategy when set
	MaxFallbackDepth int
	RetryMaxAttempts int
	StickySessionTTL time.Duration

	// Timeouts.
	RequestTimeout time.Duration
	StreamTimeout  time.Duration

	// Admission.
	MaxConcurrent int64

	// ProviderRPM caps outbound requests per provider. Either a single figure
	// ("600") applied to every provider or comma-separated provider=rpm pairs
	// ("openai=600,anthropic=300"). Empty disables egress pacing.
	ProviderRPM string

	// Cache.
	Cache CacheConfig

	// Redis backs the exact cache tier when Addr is set.
	Redis RedisConfig

	// ClickHouseDSN enables the audit event sink when set,
	// e.g. "clickhouse://default:@localhost:9000/router".
	ClickHouseDSN string

	// CircuitBreaker controls per-provider breaker thresholds.
	CircuitBreaker CircuitBreakerConfig

	// CORSOrigins is the list of allowed CORS origins for the HTTP host.
	CORSOrigins []string

	// Provider credentials.
	OpenAI     ProviderConfig
	Anthropic  ProviderConfig
	Mistral    ProviderConfig
	Cohere     ProviderConfig
	Perplexity ProviderConfig
	Groq       ProviderConfig
	DeepSeek   ProviderConfig
	OpenRouter ProviderConfig
	Novita     ProviderConfig
	XAI        ProviderConfig
	Together   ProviderConfig
	Cerebras   ProviderConfig
	Vertex     VertexConfig
	Bedrock    BedrockConfig
	Azure      AzureConfig

	// LocalModelsDir restricts local weight-file loads to one directory.
	// Empty allows absolute paths anywhere.
	LocalModelsDir string

	// PM2Instances is accepted for compatibility with legacy process files
	// and ignored; the router manages its own concurrency.
	PM2Instances int
}

// ProviderConfig holds configuration for a single remote provider.
type ProviderConfig struct {
	// APIKey is the provider API key. Leave empty to disable the provider.
	APIKey string

	// BaseURL overrides the provider's default API endpoint.
	// Useful for local mocks and development.
	BaseURL string
}

// VertexConfig holds Google Vertex AI configuration.
// Auth is resolved via Application Default Credentials (ADC).
type VertexConfig struct {
	// Project is the Google Cloud project ID. Required for the adapter.
	Project string
	// Location is the Vertex AI region. Default: "us-central1".
	Location string
}

// BedrockConfig holds AWS Bedrock configuration.
type BedrockConfig struct {
	AccessKey    string
	SecretKey    string
	SessionToken string
	Region       string
	// EndpointURL overrides the Bedrock runtime endpoint. Useful for local mocks.
	EndpointURL string
}

// AzureConfig holds Azure OpenAI configuration. Either APIKey or the
// Tenant/Client/ClientSecret triple (Azure AD bearer) must be set to enable
// the adapter.
type AzureConfig struct {
	Endpoint     string
	APIKey       string
	APIVersion   string
	TenantID     string
	ClientID     string
	ClientSecret string
}

// RedisConfig holds the optional Redis connection for the exact cache tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// CacheConfig controls the response cache.
type CacheConfig struct {
	// Enabled switches the whole cache off when false.
	Enabled bool

	// TTL is the time-to-live for the "default" request kind. Factual,
	// analytical, and creative kinds keep their fixed TTL classes.
	TTL time.Duration

	// MaxEntries bounds the semantic index.
	MaxEntries int

	// SimilarityThreshold is the minimum cosine similarity for semantic hits.
	SimilarityThreshold float64

	// ExcludeExact lists exact model names that must never be cached.
	ExcludeExact []string

	// ExcludePatterns lists Go regular expressions matched against model
	// names; matching requests are not cached.
	ExcludePatterns []string
}

// CircuitBreakerConfig controls per-provider circuit breaker settings.
type CircuitBreakerConfig struct {
	// ErrorThreshold is the number of errors inside TimeWindow that trip the
	// breaker. Default: 5.
	ErrorThreshold int

	// TimeWindow is the rolling window over which errors are counted.
	// Default: 60s.
	TimeWindow time.Duration

	// HalfOpenTimeout is how long the breaker stays open before allowing a
	// single probe request. Default: 30s.
	HalfOpenTimeout time.Duration
}

// Load reads configuration from environment variables and (optionally) from
// config.yaml in the current working directory.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}

	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	_ = v.ReadInConfig()

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ── Defaults ──────────────────────────────────────────────────────────────
	v.SetDefault("LISTEN_ADDR", ":8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DATA_DIR", "./data")

	v.SetDefault("MAX_MODELS", 10)
	v.SetDefault("DEFAULT_STRATEGY", "balanced")
	v.SetDefault("MAX_FALLBACK_DEPTH", 3)
	v.SetDefault("RETRY_MAX_ATTEMPTS", 3)
	v.SetDefault("STICKY_TTL", "30m")

	v.SetDefault("REQUEST_TIMEOUT", "30s")
	v.SetDefault("STREAM_TIMEOUT", "60s")

	v.SetDefault("MAX_CONCURRENT", 32)
	v.SetDefault("PROVIDER_RPM", "")

	v.SetDefault("CACHE_ENABLED", true)
	v.SetDefault("CACHE_TTL", "30m")
	v.SetDefault("CACHE_MAX_ENTRIES", 1024)
	v.SetDefault("CACHE_SIMILARITY_THRESHOLD", 0.9)

	v.SetDefault("CORS_ORIGINS", []string{"*"})
	v.SetDefault("VERTEX_LOCATION", "us-central1")

	// Circuit breaker defaults.
	v.SetDefault("CB_ERROR_THRESHOLD", 5)
	v.SetDefault("CB_TIME_WINDOW", "60s")
	v.SetDefault("CB_HALF_OPEN_TIMEOUT", "30s")

	// ── Build config ──────────────────────────────────────────────────────────
	cfg := &Config{
		ListenAddr: v.GetString("LISTEN_ADDR"),
		LogLevel:   strings.ToLower(v.GetString("LOG_LEVEL")),
		DataDir:    v.GetString("DATA_DIR"),
		MasterKey:  v.GetString("MASTER_KEY"),
		APIKeys:    splitAndTrim(v.GetString("API_KEYS")),

		MaxModels:        v.GetInt("MAX_MODELS"),
		DefaultStrategy:  strings.ToLower(v.GetString("DEFAULT_STRATEGY")),
		StrategyOverride: strings.ToLower(v.GetString("ROUTING_STRATEGY")),
		MaxFallbackDepth: v.GetInt("MAX_FALLBACK_DEPTH"),
		RetryMaxAttempts: v.GetInt("RETRY_MAX_ATTEMPTS"),
		StickySessionTTL: v.GetDuration("STICKY_TTL"),

		RequestTimeout: v.GetDuration("REQUEST_TIMEOUT"),
		StreamTimeout:  v.GetDuration("STREAM_TIMEOUT"),

		MaxConcurrent: v.GetInt64("MAX_CONCURRENT"),
		ProviderRPM:   v.GetString("PROVIDER_RPM"),

		Cache: CacheConfig{
			Enabled:             v.GetBool("CACHE_ENABLED"),
			TTL:                 v.GetDuration("CACHE_TTL"),
			MaxEntries:          v.GetInt("CACHE_MAX_ENTRIES"),
			SimilarityThreshold: v.GetFloat64("CACHE_SIMILARITY_THRESHOLD"),
			ExcludeExact:        normalizeList(v.GetStringSlice("CACHE_EXCLUSIONS")),
			ExcludePatterns:     normalizeList(v.GetStringSlice("CACHE_EXCLUSION_PATTERNS")),
		},

		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},

		ClickHouseDSN: v.GetString("CLICKHOUSE_DSN"),

		CircuitBreaker: CircuitBreakerConfig{
			ErrorThreshold:  v.GetInt("CB_ERROR_THRESHOLD"),
			TimeWindow:      v.GetDuration("CB_TIME_WINDOW"),
			HalfOpenTimeout: v.GetDuration("CB_HALF_OPEN_TIMEOUT"),
		},

		CORSOrigins: normalizeList(v.GetStringSlice("CORS_ORIGINS")),

		OpenAI:     ProviderConfig{APIKey: v.GetString("OPENAI_API_KEY"), BaseURL: v.GetString("OPENAI_BASE_URL")},
		Anthropic:  ProviderConfig{APIKey: v.GetString("ANTHROPIC_API_KEY"), BaseURL: v.GetString("ANTHROPIC_BASE_URL")},
		Mistral:    ProviderConfig{APIKey: v.GetString("MISTRAL_API_KEY"), BaseURL: v.GetString("MISTRAL_BASE_URL")},
		Cohere:     ProviderConfig{APIKey: v.GetString("COHERE_API_KEY"), BaseURL: v.GetString("COHERE_BASE_URL")},
		Perplexity: ProviderConfig{APIKey: v.GetString("PERPLEXITY_API_KEY"), BaseURL: v.GetString("PERPLEXITY_BASE_URL")},
		Groq:       ProviderConfig{APIKey: v.GetString("GROQ_API_KEY")},
		DeepSeek:   ProviderConfig{APIKey: v.GetString("DEEPSEEK_API_KEY")},
		OpenRouter: ProviderConfig{APIKey: v.GetString("OPENROUTER_API_KEY")},
		Novita:     ProviderConfig{APIKey: v.GetString("NOVITA_API_KEY")},
		XAI:        ProviderConfig{APIKey: v.GetString("XAI_API_KEY")},
		Together:   ProviderConfig{APIKey: v.GetString("TOGETHER_API_KEY")},
		Cerebras:   ProviderConfig{APIKey: v.GetString("CEREBRAS_API_KEY")},

		Vertex: VertexConfig{
			Project:  v.GetString("VERTEX_PROJECT"),
			Location: v.GetString("VERTEX_LOCATION"),
		},

		Bedrock: BedrockConfig{
			AccessKey:    v.GetString("AWS_ACCESS_KEY_ID"),
			SecretKey:    v.GetString("AWS_SECRET_ACCESS_KEY"),
			SessionToken: v.GetString("AWS_SESSION_TOKEN"),
			Region:       v.GetString("AWS_REGION"),
			EndpointURL:  v.GetString("BEDROCK_ENDPOINT_URL"),
		},

		Azure: AzureConfig{
			Endpoint:     v.GetString("AZURE_OPENAI_ENDPOINT"),
			APIKey:       v.GetString("AZURE_OPENAI_API_KEY"),
			APIVersion:   v.GetString("AZURE_OPENAI_API_VERSION"),
			TenantID:     v.GetString("AZURE_TENANT_ID"),
			ClientID:     v.GetString("AZURE_CLIENT_ID"),
			ClientSecret: v.GetString("AZURE_CLIENT_SECRET"),
		},

		LocalModelsDir: v.GetString("LOCAL_MODELS_DIR"),
		PM2Instances:   v.GetInt("PM2_INSTANCES"),
	}

	// ── Validation ────────────────────────────────────────────────────────────
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// validStrategies mirrors the routing package; kept as strings so config does
// not depend on it.
var validStrategies = map[string]bool{
	"round-robin": true, "least-loaded": true, "weighted": true,
	"sticky": true, "capability-match": true, "cost-priority": true,
	"speed-priority": true, "quality-first": true, "balanced": true,
	"adaptive": true,
}

// validate checks all semantic constraints that cannot be expressed as defaults.
func (c *Config) validate() error {
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf(
			"config: invalid LOG_LEVEL %q; must be one of: debug, info, warn, error",
			c.LogLevel,
		)
	}

	if c.DataDir == "" {
		return fmt.Errorf("config: DATA_DIR must not be empty")
	}
	if c.MaxModels < 1 {
		return fmt.Errorf("config: MAX_MODELS must be ≥ 1, got %d", c.MaxModels)
	}

	if !validStrategies[c.DefaultStrategy] {
		return fmt.Errorf("config: invalid DEFAULT_STRATEGY %q", c.DefaultStrategy)
	}
	if c.StrategyOverride != "" && !validStrategies[c.StrategyOverride] {
		return fmt.Errorf("config: invalid ROUTING_STRATEGY %q", c.StrategyOverride)
	}

	if c.MaxFallbackDepth < 1 {
		return fmt.Errorf("config: MAX_FALLBACK_DEPTH must be ≥ 1, got %d", c.MaxFallbackDepth)
	}
	if c.RetryMaxAttempts < 1 {
		return fmt.Errorf("config: RETRY_MAX_ATTEMPTS must be ≥ 1, got %d", c.RetryMaxAttempts)
	}
	if c.MaxConcurrent < 1 {
		return fmt.Errorf("config: MAX_CONCURRENT must be ≥ 1, got %d", c.MaxConcurrent)
	}

	if c.Cache.SimilarityThreshold < 0 || c.Cache.SimilarityThreshold > 1 {
		return fmt.Errorf(
			"config: CACHE_SIMILARITY_THRESHOLD must be within [0, 1], got %v",
			c.Cache.SimilarityThreshold,
		)
	}
	if c.Cache.MaxEntries < 1 {
		return fmt.Errorf("config: CACHE_MAX_ENTRIES must be ≥ 1, got %d", c.Cache.MaxEntries)
	}

	if c.CircuitBreaker.ErrorThreshold < 1 {
		return fmt.Errorf("config: CB_ERROR_THRESHOLD must be ≥ 1, got %d", c.CircuitBreaker.ErrorThreshold)
	}
	if c.CircuitBreaker.TimeWindow <= 0 {
		return fmt.Errorf("config: CB_TIME_WINDOW must be a positive duration")
	}

	for _, seed := range c.APIKeys {
		if !strings.Contains(seed, ".") {
			return fmt.Errorf("config: API_KEYS entry %q is not of the form keyId.secret[:tier]", seed)
		}
	}

	return nil
}

// StrategyName resolves the effective routing strategy.
func (c *Config) StrategyName() string {
	if c.StrategyOverride != "" {
		return c.StrategyOverride
	}
	return c.DefaultStrategy
}

// AtLeastOneProviderKey reports whether any remote provider credential is
// configured. The router can start without one (BYOK-only deployments) but
// logs a warning.
func (c *Config) AtLeastOneProviderKey() bool {
	return c.OpenAI.APIKey != "" ||
		c.Anthropic.APIKey != "" ||
		c.Mistral.APIKey != "" ||
		c.Cohere.APIKey != "" ||
		c.Perplexity.APIKey != "" ||
		c.Groq.APIKey != "" ||
		c.DeepSeek.APIKey != "" ||
		c.OpenRouter.APIKey != "" ||
		c.Novita.APIKey != "" ||
		c.XAI.APIKey != "" ||
		c.Together.APIKey != "" ||
		c.Cerebras.APIKey != "" ||
		c.Vertex.Project != "" ||
		c.Bedrock.AccessKey != "" ||
		c.Azure.APIKey != "" ||
		c.Azure.ClientSecret != ""
}

func splitAndTrim(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// normalizeList re-splits entries on commas so env vars can carry
// comma-separated lists, which viper otherwise treats as a single element.
func normalizeList(in []string) []string {
	var out []string
	for _, item := range in {
		out = append(out, splitAndTrim(item)...)
	}
	return out
}

// loadDotEnv populates process env vars from a .env file when present.
func loadDotEnv(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("config: %s is a directory, expected a file", path)
	}
	if err := gotenv.Load(path); err != nil {
		return fmt.Errorf("config: failed to load %s: %w", path, err)
	}
	return nil
}

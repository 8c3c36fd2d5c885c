package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/cortexkeep/internal/apperr"
)

// ModelDef describes a built-in chat model entry.
type ModelDef struct {
	ID   string
	Desc string
}

// BuiltinModels is the single source of truth for chat-model defaults per provider.
var BuiltinModels = map[string][]ModelDef{
	"google": {
		{"gemini-2.5-flash", "Fast, cost-effective"},
		{"gemini-2.5-pro", "Strong reasoning, complex tasks"},
	},
	"anthropic": {
		{"claude-sonnet-4-5-20250929", "Balanced performance"},
		{"claude-haiku-4-5-20251001", "Fast, cost-effective"},
	},
	"openai": {
		{"gpt-4o", "Versatile, multimodal"},
		{"gpt-4o-mini", "Fast, cost-effective"},
	},
}

// ProviderConfig holds per-provider settings (API key, custom endpoint).
type ProviderConfig struct {
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
}

// LLMProviderConfig configures the active chat/embedding provider.
type LLMProviderConfig struct {
	Provider                 string `yaml:"provider"` // "google", "anthropic", "openai", "openai_compatible"
	OpenAICompatibleProvider string `yaml:"openai_compatible_provider"`
	OpenAICompatibleBaseURL  string `yaml:"openai_compatible_base_url"`
}

// Config is the process-wide typed configuration, populated from the
// environment with YAML dev-override support. Environment variables always
// win over file values.
type Config struct {
	HomeDir string `yaml:"-"`

	BindAddr string `yaml:"bind_addr"`
	LogLevel string `yaml:"log_level"`

	DatabaseURL string `yaml:"database_url"`

	LLM       LLMProviderConfig         `yaml:"llm"`
	Providers map[string]ProviderConfig `yaml:"providers"`

	ChatModel      string `yaml:"chat_model"`
	EmbeddingModel string `yaml:"embedding_model"`
	EmbeddingDim   int    `yaml:"embedding_dim"`

	MaxContextTokens int `yaml:"max_context_tokens"`
	CoreMemoryMax    int `yaml:"core_memory_max"`

	EmbeddingCacheSize int `yaml:"embedding_cache_size"`
	EmbeddingCacheTTLS int `yaml:"embedding_cache_ttl_s"`

	RateLimitGlobal     float64 `yaml:"rate_limit_global"`
	RateLimitPerChannel float64 `yaml:"rate_limit_per_channel"`

	SessionIdleTTLS int `yaml:"session_idle_ttl_s"`
	RequestTimeoutS int `yaml:"request_timeout_s"`

	IntentConfidenceThreshold float64 `yaml:"intent_confidence_threshold"`

	// PersistOutOfScope gates storing out_of_scope turns.
	PersistOutOfScope bool `yaml:"persist_out_of_scope"`

	// AuditHashSalt keys the HMAC used to hash user ids in metrics/logs.
	AuditHashSalt string `yaml:"-"`

	// CommandPrefix short-circuits the pipeline.
	CommandPrefix string `yaml:"command_prefix"`

	NeedsGenesis bool `yaml:"-"`
}

// APIKey returns the API key for an LLM provider, env-first.
func (c Config) APIKey(provider string) string {
	envMap := map[string]string{
		"google":     "GOOGLE_API_KEY",
		"anthropic":  "ANTHROPIC_API_KEY",
		"openai":     "OPENAI_API_KEY",
	}
	if envVar, ok := envMap[provider]; ok {
		if v := os.Getenv(envVar); v != "" {
			return v
		}
	}
	if c.Providers != nil {
		if p, ok := c.Providers[provider]; ok {
			return p.APIKey
		}
	}
	return ""
}

// Fingerprint returns a stable hash of the active config, useful for admin diagnostics.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "bind=%s|log=%s|chat=%s|embed=%s|dim=%d",
		c.BindAddr, c.LogLevel, c.ChatModel, c.EmbeddingModel, c.EmbeddingDim)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		BindAddr:                  "127.0.0.1:18789",
		LogLevel:                  "info",
		ChatModel:                 "gemini-2.5-flash",
		EmbeddingModel:            "text-embedding-3-small",
		EmbeddingDim:              1536,
		MaxContextTokens:          8000,
		CoreMemoryMax:             100,
		EmbeddingCacheSize:        256,
		EmbeddingCacheTTLS:        300,
		RateLimitGlobal:           20,
		RateLimitPerChannel:       5,
		SessionIdleTTLS:           1800,
		RequestTimeoutS:           30,
		IntentConfidenceThreshold: 0.5,
		CommandPrefix:             "!",
	}
}

// HomeDir returns the local configuration/state directory.
func HomeDir() string {
	if override := os.Getenv("CORTEXKEEP_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".cortexkeep")
}

func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Load builds the effective Config: defaults, then YAML dev-override file,
// then environment variables (which always win), then validation.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, &apperr.ConfigError{Field: "home_dir", Err: err}
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, &apperr.ConfigError{Field: "config.yaml", Err: err}
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, &apperr.ConfigError{Field: "config.yaml", Err: err}
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "google"
	}
	if strings.TrimSpace(cfg.ChatModel) == "" {
		if models, ok := BuiltinModels[cfg.LLM.Provider]; ok && len(models) > 0 {
			cfg.ChatModel = models[0].ID
		}
	}
	if cfg.AuditHashSalt == "" {
		cfg.AuditHashSalt = os.Getenv("AUDIT_HASH_SALT")
	}
}

// validate performs exhaustive validation at startup, per Design Note
// "Dynamic config objects": a typed struct validated once, not a bag of
// strings consulted ad hoc at each call site.
func validate(cfg Config) error {
	if cfg.EmbeddingDim <= 0 {
		return &apperr.ConfigError{Field: "EMBEDDING_DIM", Err: fmt.Errorf("must be positive, got %d", cfg.EmbeddingDim)}
	}
	if cfg.MaxContextTokens <= 0 {
		return &apperr.ConfigError{Field: "MAX_CONTEXT_TOKENS", Err: fmt.Errorf("must be positive")}
	}
	if cfg.CoreMemoryMax <= 0 {
		return &apperr.ConfigError{Field: "CORE_MEMORY_MAX", Err: fmt.Errorf("must be positive")}
	}
	if cfg.RateLimitGlobal <= 0 || cfg.RateLimitPerChannel <= 0 {
		return &apperr.ConfigError{Field: "RATE_LIMIT_*", Err: fmt.Errorf("must be positive")}
	}
	if cfg.IntentConfidenceThreshold < 0 || cfg.IntentConfidenceThreshold > 1 {
		return &apperr.ConfigError{Field: "INTENT_CONFIDENCE_THRESHOLD", Err: fmt.Errorf("must be in [0,1]")}
	}
	if cfg.DatabaseURL == "" {
		return &apperr.ConfigError{Field: "DATABASE_URL", Err: fmt.Errorf("required")}
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v := os.Getenv(key); v != "" {
			*dst = v
		}
	}
	intv := func(key string, dst *int) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}
	floatv := func(key string, dst *float64) {
		if v := os.Getenv(key); v != "" {
			if n, err := strconv.ParseFloat(v, 64); err == nil {
				*dst = n
			}
		}
	}
	boolv := func(key string, dst *bool) {
		if v := os.Getenv(key); v != "" {
			if b, err := strconv.ParseBool(v); err == nil {
				*dst = b
			}
		}
	}

	str("BIND_ADDR", &cfg.BindAddr)
	str("LOG_LEVEL", &cfg.LogLevel)
	str("DATABASE_URL", &cfg.DatabaseURL)
	str("CHAT_MODEL", &cfg.ChatModel)
	str("EMBEDDING_MODEL", &cfg.EmbeddingModel)
	str("LLM_PROVIDER", &cfg.LLM.Provider)
	str("COMMAND_PREFIX", &cfg.CommandPrefix)

	intv("MAX_CONTEXT_TOKENS", &cfg.MaxContextTokens)
	intv("CORE_MEMORY_MAX", &cfg.CoreMemoryMax)
	intv("EMBEDDING_DIM", &cfg.EmbeddingDim)
	intv("EMBEDDING_CACHE_SIZE", &cfg.EmbeddingCacheSize)
	intv("EMBEDDING_CACHE_TTL_S", &cfg.EmbeddingCacheTTLS)
	intv("SESSION_IDLE_TTL_S", &cfg.SessionIdleTTLS)
	intv("REQUEST_TIMEOUT_S", &cfg.RequestTimeoutS)

	floatv("RATE_LIMIT_GLOBAL", &cfg.RateLimitGlobal)
	floatv("RATE_LIMIT_PER_CHANNEL", &cfg.RateLimitPerChannel)
	floatv("INTENT_CONFIDENCE_THRESHOLD", &cfg.IntentConfidenceThreshold)

	boolv("PERSIST_OUT_OF_SCOPE", &cfg.PersistOutOfScope)
}

// ExitCode maps a startup error to the process exit code: 64 for
// configuration errors, 75 when a dependency is unavailable, 70 otherwise.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var cfgErr *apperr.ConfigError
	var storeErr *apperr.StoreUnavailable
	switch {
	case asConfigError(err, &cfgErr):
		return 64
	case asStoreUnavailable(err, &storeErr):
		return 75
	default:
		return 70
	}
}

func asConfigError(err error, target **apperr.ConfigError) bool {
	ce, ok := err.(*apperr.ConfigError)
	if ok {
		*target = ce
	}
	return ok
}

func asStoreUnavailable(err error, target **apperr.StoreUnavailable) bool {
	se, ok := err.(*apperr.StoreUnavailable)
	if ok {
		*target = se
	}
	return ok
}

// Duration helpers, since env vars hold plain seconds.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutS) * time.Second
}

func (c Config) SessionIdleTTL() time.Duration {
	return time.Duration(c.SessionIdleTTLS) * time.Second
}

func (c Config) EmbeddingCacheTTL() time.Duration {
	return time.Duration(c.EmbeddingCacheTTLS) * time.Second
}

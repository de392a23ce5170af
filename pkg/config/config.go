// Package config loads the service configuration from environment variables
// and optional config files via viper. Every tunable lives on one typed
// struct so components receive plain values instead of reaching into viper.
package config

import (
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/viper"
)

// Config is the fully resolved service configuration.
type Config struct {
	LogLevel  string `mapstructure:"log_level"`
	LogFormat string `mapstructure:"log_format"`

	// RunMode selects which planes this process hosts: web, worker or both.
	RunMode string `mapstructure:"run_mode"`

	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`

	SharedSecret string `mapstructure:"shared_secret"`
	AdminToken   string `mapstructure:"admin_token"`

	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`

	LLM       LLMConfig       `mapstructure:"llm"`
	Embedding EmbeddingConfig `mapstructure:"embedding"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Knowledge KnowledgeConfig `mapstructure:"knowledge"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Queue     QueueConfig     `mapstructure:"queue"`
	Chatwoot  ChatwootConfig  `mapstructure:"chatwoot"`
}

// LLMConfig configures the structured-output LLM client.
type LLMConfig struct {
	APIKey     string        `mapstructure:"api_key"`
	BaseURL    string        `mapstructure:"base_url"`
	Model      string        `mapstructure:"model"`
	WeakModel  string        `mapstructure:"weak_model"`
	Timeout    time.Duration `mapstructure:"timeout"`
	MaxRetries int           `mapstructure:"max_retries"`
}

// EmbeddingConfig configures the embedding provider and its cache.
type EmbeddingConfig struct {
	Model      string        `mapstructure:"model"`
	Dimensions int           `mapstructure:"dimensions"`
	CacheSize  int           `mapstructure:"cache_size"`
	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
}

// VectorConfig configures the pgvector store.
type VectorConfig struct {
	SimilarityThreshold float64            `mapstructure:"similarity_threshold"`
	CategoryThresholds  map[string]float64 `mapstructure:"category_thresholds"`
	MaxResults          int                `mapstructure:"max_results"`
	HNSWM               int                `mapstructure:"hnsw_m"`
	HNSWEfConstruction  int                `mapstructure:"hnsw_ef_construction"`
}

// MemoryConfig configures conversation memory and the summarizer.
type MemoryConfig struct {
	MaxRecentMessages        int           `mapstructure:"max_recent_messages"`
	SummarizeAfter           time.Duration `mapstructure:"summarize_after"`
	CycleInterval            time.Duration `mapstructure:"cycle_interval"`
	MinMessagesForSummary    int           `mapstructure:"min_messages_for_summary"`
	MaxMessagesPerSummary    int           `mapstructure:"max_messages_per_summary"`
	MaxConversationsPerCycle int           `mapstructure:"max_conversations_per_cycle"`
	MaxSummaries             int           `mapstructure:"max_summaries"`
	FactExtraction           bool          `mapstructure:"fact_extraction"`
	FactSimilarityThreshold  float64       `mapstructure:"fact_similarity_threshold"`
	SummarizeIncludeSystem   bool          `mapstructure:"summarize_include_system"`
	Retention                time.Duration `mapstructure:"retention"`
}

// KnowledgeConfig configures the sheet-backed knowledge registry.
type KnowledgeConfig struct {
	SheetID      string        `mapstructure:"sheet_id"`
	SheetAPIKey  string        `mapstructure:"sheet_api_key"`
	SyncInterval time.Duration `mapstructure:"sync_interval"`
	AutoDiscover bool          `mapstructure:"auto_discover"`
}

// PipelineConfig configures reply-pipeline selection and thresholds.
type PipelineConfig struct {
	OptimizedFlow          bool          `mapstructure:"optimized_flow"`
	OptimizedRatio         float64       `mapstructure:"optimized_ratio"`
	CacheSimThreshold      float64       `mapstructure:"cache_similarity_threshold"`
	CannedSimThreshold     float64       `mapstructure:"canned_similarity_threshold"`
	MaxHistory             int           `mapstructure:"max_history"`
	SkipValidator          bool          `mapstructure:"skip_validator"`
	MaxRevisions           int           `mapstructure:"max_revisions"`
	ResponseCacheTTL       time.Duration `mapstructure:"response_cache_ttl"`
	SuppressedChannelHints []string      `mapstructure:"suppressed_channel_hints"`
}

// QueueConfig configures the work queue.
type QueueConfig struct {
	Stream            string        `mapstructure:"stream"`
	Group             string        `mapstructure:"group"`
	Workers           int           `mapstructure:"workers"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	BufferSize        int           `mapstructure:"buffer_size"`
	LocalConcurrency  int           `mapstructure:"local_concurrency"`
}

// ChatwootConfig configures the chat-provider API client.
type ChatwootConfig struct {
	BaseURL  string        `mapstructure:"base_url"`
	APIToken string        `mapstructure:"api_token"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// envBindings maps the documented environment variable names onto viper keys.
var envBindings = map[string]string{
	"database_url":                           "DATABASE_URL",
	"redis_url":                              "REDIS_URL",
	"shared_secret":                          "SHARED_SECRET",
	"admin_token":                            "ADMIN_TOKEN",
	"run_mode":                               "RUN_MODE",
	"llm.api_key":                            "LLM_API_KEY",
	"llm.base_url":                           "LLM_BASE_URL",
	"embedding.model":                        "EMBEDDING_MODEL",
	"embedding.dimensions":                   "EMBEDDING_DIMENSIONS",
	"vector.similarity_threshold":            "VECTOR_SIMILARITY_THRESHOLD",
	"vector.max_results":                     "VECTOR_MAX_RESULTS",
	"vector.hnsw_m":                          "HNSW_M",
	"vector.hnsw_ef_construction":            "HNSW_EF_CONSTRUCTION",
	"memory.max_recent_messages":             "MEMORY_MAX_RECENT_MESSAGES",
	"memory.summarize_after":                 "MEMORY_SUMMARIZE_AFTER_MS",
	"memory.cycle_interval":                  "MEMORY_CYCLE_INTERVAL_MS",
	"pipeline.optimized_flow":                "OPTIMIZED_AGENTIC_FLOW",
	"pipeline.optimized_ratio":               "AB_OPTIMIZED_RATIO",
	"pipeline.cache_similarity_threshold":    "CACHE_SIMILARITY_THRESHOLD",
	"pipeline.canned_similarity_threshold":   "CANNED_SIMILARITY_THRESHOLD",
	"pipeline.max_history":                   "MAX_CONVERSATION_HISTORY",
	"pipeline.skip_validator":                "SKIP_RESPONSE_VALIDATOR",
	"pipeline.max_revisions":                 "MAX_RESPONSE_REVISIONS",
	"queue.local_concurrency":                "LOCAL_QUEUE_CONCURRENCY",
	"knowledge.sheet_id":                     "KNOWLEDGE_SHEET_ID",
	"knowledge.sheet_api_key":                "KNOWLEDGE_SHEET_API_KEY",
	"chatwoot.base_url":                      "CHATWOOT_BASE_URL",
	"chatwoot.api_token":                     "CHATWOOT_API_TOKEN",
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")
	v.SetDefault("log_format", "json")
	v.SetDefault("run_mode", "both")
	v.SetDefault("host", "0.0.0.0")
	v.SetDefault("port", 8080)

	v.SetDefault("llm.base_url", "")
	v.SetDefault("llm.model", "gpt-4o-mini")
	v.SetDefault("llm.weak_model", "gpt-4o-mini")
	v.SetDefault("llm.timeout", 30*time.Second)
	v.SetDefault("llm.max_retries", 2)

	v.SetDefault("embedding.model", "text-embedding-3-small")
	v.SetDefault("embedding.dimensions", 1536)
	v.SetDefault("embedding.cache_size", 2000)
	v.SetDefault("embedding.cache_ttl", time.Hour)

	v.SetDefault("vector.similarity_threshold", 0.75)
	v.SetDefault("vector.category_thresholds", map[string]float64{
		"branch":  0.80,
		"product": 0.75,
	})
	v.SetDefault("vector.max_results", 5)
	v.SetDefault("vector.hnsw_m", 16)
	v.SetDefault("vector.hnsw_ef_construction", 64)

	v.SetDefault("memory.max_recent_messages", 10)
	v.SetDefault("memory.summarize_after", time.Hour)
	v.SetDefault("memory.cycle_interval", 30*time.Minute)
	v.SetDefault("memory.min_messages_for_summary", 10)
	v.SetDefault("memory.max_messages_per_summary", 50)
	v.SetDefault("memory.max_conversations_per_cycle", 5)
	v.SetDefault("memory.max_summaries", 3)
	v.SetDefault("memory.fact_extraction", true)
	v.SetDefault("memory.fact_similarity_threshold", 0.70)
	v.SetDefault("memory.summarize_include_system", false)
	v.SetDefault("memory.retention", 90*24*time.Hour)

	v.SetDefault("knowledge.sync_interval", 5*time.Minute)
	v.SetDefault("knowledge.auto_discover", false)

	v.SetDefault("pipeline.optimized_flow", true)
	v.SetDefault("pipeline.optimized_ratio", 1.0)
	v.SetDefault("pipeline.cache_similarity_threshold", 0.85)
	v.SetDefault("pipeline.canned_similarity_threshold", 0.90)
	v.SetDefault("pipeline.max_history", 6)
	v.SetDefault("pipeline.skip_validator", false)
	v.SetDefault("pipeline.max_revisions", 0)
	v.SetDefault("pipeline.response_cache_ttl", 24*time.Hour)
	v.SetDefault("pipeline.suppressed_channel_hints", []string{"whatsapp"})

	v.SetDefault("queue.stream", "tania:jobs")
	v.SetDefault("queue.group", "tania-workers")
	v.SetDefault("queue.workers", 4)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.visibility_timeout", time.Minute)
	v.SetDefault("queue.buffer_size", 256)
	v.SetDefault("queue.local_concurrency", 3)

	v.SetDefault("chatwoot.timeout", 10*time.Second)
}

// Load resolves the configuration from defaults, an optional config file and
// the environment. Millisecond-suffixed env values are accepted as bare
// integers for backward compatibility with the documented variable names.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("tania")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/tania")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "failed to read config file")
		}
	}

	v.SetEnvPrefix("TANIA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for key, env := range envBindings {
		if err := v.BindEnv(key, env); err != nil {
			return nil, errors.Wrapf(err, "failed to bind %s", env)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.Wrap(err, "failed to unmarshal configuration")
	}

	// The *_MS variables carry bare millisecond integers; viper decodes
	// them as nanosecond durations, so rescale anything implausibly small.
	cfg.Memory.SummarizeAfter = normalizeMillis(cfg.Memory.SummarizeAfter)
	cfg.Memory.CycleInterval = normalizeMillis(cfg.Memory.CycleInterval)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func normalizeMillis(d time.Duration) time.Duration {
	if d > 0 && d < time.Millisecond {
		return time.Duration(d.Nanoseconds()) * time.Millisecond
	}
	return d
}

// Validate rejects configurations the service cannot run with.
func (c *Config) Validate() error {
	switch c.RunMode {
	case "web", "worker", "both":
	default:
		return errors.Errorf("invalid run_mode %q: must be web, worker or both", c.RunMode)
	}
	if c.Pipeline.OptimizedRatio < 0 || c.Pipeline.OptimizedRatio > 1 {
		return errors.Errorf("optimized_ratio must be within [0,1], got %v", c.Pipeline.OptimizedRatio)
	}
	if c.Port < 1 || c.Port > 65535 {
		return errors.Errorf("port must be between 1 and 65535, got %d", c.Port)
	}
	return nil
}

// CategoryThreshold returns the similarity threshold for a category, falling
// back to the global default when no override exists.
func (c *VectorConfig) CategoryThreshold(category string) float64 {
	if t, ok := c.CategoryThresholds[category]; ok {
		return t
	}
	return c.SimilarityThreshold
}

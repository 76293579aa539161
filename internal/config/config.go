package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. FINCHAT_LLM_API_KEY.
const EnvPrefix = "FINCHAT"

// Config is the full runtime configuration.
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Log         LogConfig         `mapstructure:"log"`
	Memory      MemoryConfig      `mapstructure:"memory"`
	Redis       RedisConfig       `mapstructure:"redis"`
	LLM         LLMConfig         `mapstructure:"llm"`
	Embedding   EmbeddingConfig   `mapstructure:"embedding"`
	Retrieval   RetrievalConfig   `mapstructure:"retrieval"`
	Aggregation AggregationConfig `mapstructure:"aggregation"`
	Data        DataConfig        `mapstructure:"data"`
	BigQuery    BigQueryConfig    `mapstructure:"bigquery"`
	Snapshot    SnapshotConfig    `mapstructure:"snapshot"`
	Currency    CurrencyConfig    `mapstructure:"currency"`
	Jobs        JobsConfig        `mapstructure:"jobs"`
	Index       IndexConfig       `mapstructure:"index"`
}

type ServerConfig struct {
	Port         string        `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // console | json
}

type MemoryConfig struct {
	Backend      string        `mapstructure:"backend"` // inmemory | redis
	Turns        int           `mapstructure:"turns"`
	ContextTurns int           `mapstructure:"context_turns"`
	TTL          time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type LLMConfig struct {
	Provider         string        `mapstructure:"provider"` // gemini | anthropic | none
	Model            string        `mapstructure:"model"`
	APIKey           string        `mapstructure:"api_key"`
	ClassifyTimeout  time.Duration `mapstructure:"classify_timeout"`
	SynthesisTimeout time.Duration `mapstructure:"synthesis_timeout"`
	MaxTokens        int           `mapstructure:"max_tokens"`
}

type EmbeddingConfig struct {
	Provider    string        `mapstructure:"provider"` // gemini | hash
	Model       string        `mapstructure:"model"`
	APIKey      string        `mapstructure:"api_key"`
	Dimensions  int           `mapstructure:"dimensions"`
	Concurrency int           `mapstructure:"concurrency"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

type RetrievalConfig struct {
	DefaultTopK     int           `mapstructure:"default_top_k"`
	MaxTopK         int           `mapstructure:"max_top_k"`
	CacheTTL        time.Duration `mapstructure:"cache_ttl"`
	CacheMaxEntries int64         `mapstructure:"cache_max_entries"`
}

type AggregationConfig struct {
	DefaultLimit int `mapstructure:"default_limit"`
	MaxLimit     int `mapstructure:"max_limit"`
}

type DataConfig struct {
	Source      string        `mapstructure:"source"` // file | bigquery
	FilePath    string        `mapstructure:"file_path"`
	ReadTimeout time.Duration `mapstructure:"read_timeout"`
}

type BigQueryConfig struct {
	ProjectID string `mapstructure:"project_id"`
	Dataset   string `mapstructure:"dataset"`
	Table     string `mapstructure:"table"`
}

type SnapshotConfig struct {
	Bucket string `mapstructure:"bucket"`
	Object string `mapstructure:"object"`
}

type CurrencyConfig struct {
	Symbol   string `mapstructure:"symbol"`
	Exponent int32  `mapstructure:"exponent"`
}

type JobsConfig struct {
	QueueSize  int `mapstructure:"queue_size"`
	Workers    int `mapstructure:"workers"`
	MaxRetries int `mapstructure:"max_retries"`
}

type IndexConfig struct {
	RebuildInterval time.Duration `mapstructure:"rebuild_interval"`
	BuildOnStart    bool          `mapstructure:"build_on_start"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")

	v.SetDefault("memory.backend", "inmemory")
	v.SetDefault("memory.turns", 5)
	v.SetDefault("memory.context_turns", 3)
	v.SetDefault("memory.ttl", 24*time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	v.SetDefault("llm.provider", "gemini")
	v.SetDefault("llm.model", "gemini-2.5-flash")
	v.SetDefault("llm.api_key", "")
	v.SetDefault("llm.classify_timeout", 4*time.Second)
	v.SetDefault("llm.synthesis_timeout", 6*time.Second)
	v.SetDefault("llm.max_tokens", 1024)

	v.SetDefault("embedding.provider", "hash")
	v.SetDefault("embedding.model", "text-embedding-004")
	v.SetDefault("embedding.api_key", "")
	v.SetDefault("embedding.dimensions", 384)
	v.SetDefault("embedding.concurrency", 8)
	v.SetDefault("embedding.timeout", 3*time.Second)

	v.SetDefault("retrieval.default_top_k", 8)
	v.SetDefault("retrieval.max_top_k", 20)
	v.SetDefault("retrieval.cache_ttl", 5*time.Minute)
	v.SetDefault("retrieval.cache_max_entries", 10000)

	v.SetDefault("aggregation.default_limit", 5)
	v.SetDefault("aggregation.max_limit", 20)

	v.SetDefault("data.source", "file")
	v.SetDefault("data.file_path", "data/transactions.json")
	v.SetDefault("data.read_timeout", 5*time.Second)

	v.SetDefault("bigquery.project_id", "")
	v.SetDefault("bigquery.dataset", "finance")
	v.SetDefault("bigquery.table", "transactions")

	v.SetDefault("snapshot.bucket", "")
	v.SetDefault("snapshot.object", "index/transactions.snapshot")

	v.SetDefault("currency.symbol", "₹")
	v.SetDefault("currency.exponent", 2)

	v.SetDefault("jobs.queue_size", 16)
	v.SetDefault("jobs.workers", 1)
	v.SetDefault("jobs.max_retries", 2)

	v.SetDefault("index.rebuild_interval", time.Duration(0))
	v.SetDefault("index.build_on_start", true)
}

// Load reads configuration from an optional file and FINCHAT_* environment variables.
// With an empty path it searches for finance-assistant.{yaml,json,toml} in . and ./config.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("finance-assistant")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config.Load: reading config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: decoding config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}

	return &cfg, nil
}

// Validate rejects combinations the application cannot run with.
func (c *Config) Validate() error {
	switch c.Memory.Backend {
	case "inmemory", "redis":
	default:
		return fmt.Errorf("memory.backend must be inmemory or redis, got %q", c.Memory.Backend)
	}
	if c.Memory.Turns <= 0 {
		return fmt.Errorf("memory.turns must be positive")
	}
	if c.Memory.ContextTurns < 0 || c.Memory.ContextTurns > c.Memory.Turns {
		return fmt.Errorf("memory.context_turns must be between 0 and memory.turns")
	}

	switch c.LLM.Provider {
	case "gemini", "anthropic", "none":
	default:
		return fmt.Errorf("llm.provider must be gemini, anthropic or none, got %q", c.LLM.Provider)
	}
	if c.LLM.Provider != "none" && (c.LLM.ClassifyTimeout <= 0 || c.LLM.SynthesisTimeout <= 0) {
		return fmt.Errorf("llm timeouts must be positive")
	}

	switch c.Embedding.Provider {
	case "gemini", "hash":
	default:
		return fmt.Errorf("embedding.provider must be gemini or hash, got %q", c.Embedding.Provider)
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("embedding.dimensions must be positive")
	}
	if c.Embedding.Timeout < 0 || c.Data.ReadTimeout < 0 {
		return fmt.Errorf("embedding.timeout and data.read_timeout must not be negative")
	}

	if c.Retrieval.DefaultTopK <= 0 || c.Retrieval.MaxTopK < c.Retrieval.DefaultTopK {
		return fmt.Errorf("retrieval.default_top_k must be positive and not above retrieval.max_top_k")
	}
	if c.Aggregation.DefaultLimit <= 0 || c.Aggregation.MaxLimit < c.Aggregation.DefaultLimit {
		return fmt.Errorf("aggregation.default_limit must be positive and not above aggregation.max_limit")
	}

	switch c.Data.Source {
	case "file":
		if c.Data.FilePath == "" {
			return fmt.Errorf("data.file_path is required for the file source")
		}
	case "bigquery":
		if c.BigQuery.ProjectID == "" {
			return fmt.Errorf("bigquery.project_id is required for the bigquery source")
		}
	default:
		return fmt.Errorf("data.source must be file or bigquery, got %q", c.Data.Source)
	}

	if c.Currency.Exponent < 0 || c.Currency.Exponent > 4 {
		return fmt.Errorf("currency.exponent must be between 0 and 4")
	}

	return nil
}

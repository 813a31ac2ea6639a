package config

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration for the falconeye service
type Config struct {
	General   GeneralConfig   `mapstructure:"general"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Memory    MemoryConfig    `mapstructure:"memory"`
	Vector    VectorConfig    `mapstructure:"vector"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Search    SearchConfig    `mapstructure:"search"`
	Fetch     FetchConfig     `mapstructure:"fetch"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// GeneralConfig contains general application settings
type GeneralConfig struct {
	Listen     string        `mapstructure:"listen"`
	Debug      bool          `mapstructure:"debug"`
	LogLevel   string        `mapstructure:"log_level"`
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// LLMConfig contains settings for the OpenAI-backed provider used by
// both the agent crew and the embedding pipeline.
type LLMConfig struct {
	APIKey          string        `mapstructure:"api_key"`
	BaseURL         string        `mapstructure:"base_url"`
	CompletionModel string        `mapstructure:"completion_model"`
	EmbeddingModel  string        `mapstructure:"embedding_model"`
	EmbeddingDims   int           `mapstructure:"embedding_dims"`
	Temperature     float64       `mapstructure:"temperature"`
	MaxTokens       int           `mapstructure:"max_tokens"`
	Timeout         time.Duration `mapstructure:"timeout"`
	MaxRetries      int           `mapstructure:"max_retries"`
}

// MemoryConfig controls the retrieval pipeline (chunking and retrieval).
type MemoryConfig struct {
	DefaultNamespace string  `mapstructure:"default_namespace"`
	ChunkMaxChars    int     `mapstructure:"chunk_max_chars"`
	ChunkMaxTokens   int     `mapstructure:"chunk_max_tokens"`
	ChunkOverlap     int     `mapstructure:"chunk_overlap"`
	TopK             int     `mapstructure:"top_k"`
	MinSimilarity    float64 `mapstructure:"min_similarity"`
	MaxRetries       int     `mapstructure:"max_retries"`
}

// VectorConfig describes the qdrant backend. When URL is empty the
// service falls back to the in-process store.
type VectorConfig struct {
	URL        string        `mapstructure:"url"`
	APIKey     string        `mapstructure:"api_key"`
	Collection string        `mapstructure:"collection"`
	Timeout    time.Duration `mapstructure:"timeout"`
}

// RedisConfig enables the embedding cache when Host is set.
type RedisConfig struct {
	Host     string        `mapstructure:"host"`
	Port     string        `mapstructure:"port"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

// SearchConfig holds web search provider keys for the recon agent.
type SearchConfig struct {
	SerperAPIKey string `mapstructure:"serper_api_key"`
	BraveAPIKey  string `mapstructure:"brave_api_key"`
	MaxResults   int    `mapstructure:"max_results"`
}

// FetchConfig controls the optional headless page fetcher.
type FetchConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	Timeout   time.Duration `mapstructure:"timeout"`
	MaxChars  int           `mapstructure:"max_chars"`
	UserAgent string        `mapstructure:"user_agent"`
}

// TelemetryConfig contains telemetry and monitoring settings
type TelemetryConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	if c.LLM.APIKey == "" {
		return fmt.Errorf("llm.api_key is required (FALCONEYE_LLM_API_KEY)")
	}
	if c.Memory.ChunkOverlap >= c.Memory.ChunkMaxChars {
		return fmt.Errorf("memory.chunk_overlap must be smaller than memory.chunk_max_chars")
	}
	if c.Memory.TopK <= 0 {
		return fmt.Errorf("memory.top_k must be > 0")
	}
	if c.LLM.EmbeddingDims <= 0 {
		return fmt.Errorf("llm.embedding_dims must be > 0")
	}
	return nil
}

// LoadConfig reads configuration from file and environment. When path is
// empty the usual locations are searched; a missing file is not an error
// because every setting can come from FALCONEYE_* environment variables.
func LoadConfig(path string) *Config {
	viper.SetConfigName("config")
	viper.SetConfigType("json")

	viper.SetDefault("general.listen", ":8080")
	viper.SetDefault("general.log_level", "info")
	viper.SetDefault("general.run_timeout", 15*time.Minute)
	viper.SetDefault("llm.base_url", "https://api.openai.com/v1")
	viper.SetDefault("llm.completion_model", "gpt-4o-mini")
	viper.SetDefault("llm.embedding_model", "text-embedding-3-small")
	viper.SetDefault("llm.embedding_dims", 1536)
	viper.SetDefault("llm.temperature", 0.2)
	viper.SetDefault("llm.max_tokens", 4096)
	viper.SetDefault("llm.timeout", 120*time.Second)
	viper.SetDefault("llm.max_retries", 3)
	viper.SetDefault("memory.default_namespace", "falconeye")
	viper.SetDefault("memory.chunk_max_chars", 500)
	viper.SetDefault("memory.chunk_max_tokens", 200)
	viper.SetDefault("memory.chunk_overlap", 50)
	viper.SetDefault("memory.top_k", 5)
	viper.SetDefault("memory.min_similarity", 0.25)
	viper.SetDefault("memory.max_retries", 3)
	viper.SetDefault("vector.collection", "falconeye")
	viper.SetDefault("vector.timeout", 10*time.Second)
	viper.SetDefault("redis.port", "6379")
	viper.SetDefault("redis.ttl", 24*time.Hour)
	viper.SetDefault("redis.timeout", 5*time.Second)
	viper.SetDefault("search.max_results", 10)
	viper.SetDefault("fetch.timeout", 15*time.Second)
	viper.SetDefault("fetch.max_chars", 20000)
	viper.SetDefault("fetch.user_agent", "FalconEye/1.0 (+osint-research)")
	viper.SetDefault("telemetry.enabled", true)

	if path == "" {
		viper.AddConfigPath("./config")
		viper.AddConfigPath(".")
		if exe, err := os.Executable(); err == nil {
			exeDir := filepath.Dir(exe)
			viper.AddConfigPath(exeDir)
			viper.AddConfigPath(filepath.Join(exeDir, ".."))
		}
	} else {
		viper.SetConfigFile(path)
	}

	viper.SetEnvPrefix("FALCONEYE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("failed to read config: %v", err)
		}
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		log.Fatalf("failed to unmarshal config: %v", err)
	}
	return &cfg
}

// Package config handles configuration for the document QA backend.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration for the service.
type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Embedding  EmbeddingConfig  `mapstructure:"embedding"`
	Processing ProcessingConfig `mapstructure:"processing"`
	Query      QueryConfig      `mapstructure:"query"`
	LLM        LLMConfig        `mapstructure:"llm"`
	Keepalive  KeepaliveConfig  `mapstructure:"keepalive"`
}

// ServiceConfig contains service-level configuration.
type ServiceConfig struct {
	Port               int           `mapstructure:"port"`
	ShutdownTimeout    time.Duration `mapstructure:"shutdown_timeout"`
	LogLevel           string        `mapstructure:"log_level"`
	CORSAllowedOrigins []string      `mapstructure:"cors_allowed_origins"`
}

// DatabaseConfig contains database connection settings.
type DatabaseConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	Database     string `mapstructure:"database"`
	Username     string `mapstructure:"username"`
	Password     string `mapstructure:"password"`
	SSLMode      string `mapstructure:"ssl_mode"`
	MaxConns     int    `mapstructure:"max_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`

	// Internal hostnames matching InternalHostSuffix are rewritten by
	// appending ExternalHostSuffix, for deployments where the pooler
	// address in DATABASE_URL is only resolvable inside the platform.
	InternalHostSuffix string `mapstructure:"internal_host_suffix"`
	ExternalHostSuffix string `mapstructure:"external_host_suffix"`
}

// DSN renders the lib/pq connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.Username, c.Password, c.Database, c.SSLMode)
}

// RedisConfig contains Redis connection settings.
type RedisConfig struct {
	Address     string        `mapstructure:"address"`
	Password    string        `mapstructure:"password"`
	Database    int           `mapstructure:"database"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	PoolSize    int           `mapstructure:"pool_size"`
	Enabled     bool          `mapstructure:"enabled"`
}

// StorageConfig selects and configures the file store backend.
type StorageConfig struct {
	Backend    string `mapstructure:"backend"` // "local" or "s3"
	LocalDir   string `mapstructure:"local_dir"`
	S3Bucket   string `mapstructure:"s3_bucket"`
	S3Region   string `mapstructure:"s3_region"`
	S3Prefix   string `mapstructure:"s3_prefix"`
	S3Endpoint string `mapstructure:"s3_endpoint"`
}

// AuthConfig contains JWT signing settings.
type AuthConfig struct {
	JWTSecret string        `mapstructure:"jwt_secret"`
	TokenTTL  time.Duration `mapstructure:"token_ttl"`
}

// EmbeddingConfig contains embedding generation settings.
type EmbeddingConfig struct {
	APIKeys        []string      `mapstructure:"api_keys"`
	Model          string        `mapstructure:"model"`
	BatchSize      int           `mapstructure:"batch_size"`
	KeyRPM         int           `mapstructure:"key_rpm"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryDelay     time.Duration `mapstructure:"retry_delay"`
	MinInterval    time.Duration `mapstructure:"min_interval"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// ProcessingConfig contains chunking and worker pool settings.
type ProcessingConfig struct {
	ChunkSize        int           `mapstructure:"chunk_size"`
	ChunkOverlap     int           `mapstructure:"chunk_overlap"`
	BatchSize        int           `mapstructure:"batch_size"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`
	WorkerStagger    time.Duration `mapstructure:"worker_stagger"`
	LockDuration     time.Duration `mapstructure:"lock_duration"`
	MaxJobAttempts   int           `mapstructure:"max_job_attempts"`
	EmbedConcurrency int           `mapstructure:"embed_concurrency"`
}

// QueryConfig contains query execution and cache settings.
type QueryConfig struct {
	TopK              int           `mapstructure:"top_k"`
	CacheTTL          time.Duration `mapstructure:"cache_ttl"`
	LRUSize           int           `mapstructure:"lru_size"`
	SemanticThreshold float64       `mapstructure:"semantic_threshold"`
	MaxPromptTokens   int           `mapstructure:"max_prompt_tokens"`
}

// LLMProviderConfig is one generative provider entry.
type LLMProviderConfig struct {
	Name   string `mapstructure:"name"`
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
	RPM    int    `mapstructure:"rpm"`
}

// LLMConfig contains router settings and the provider list.
type LLMConfig struct {
	Providers        []LLMProviderConfig `mapstructure:"providers"`
	MaxRetries       int                 `mapstructure:"max_retries"`
	RetryDelay       time.Duration       `mapstructure:"retry_delay"`
	MaxBackoff       time.Duration       `mapstructure:"max_backoff"`
	FailureThreshold int                 `mapstructure:"failure_threshold"`
	Cooldown         time.Duration       `mapstructure:"cooldown"`
}

// KeepaliveConfig pings an external URL on an interval to keep free-tier
// hosting from idling the service out.
type KeepaliveConfig struct {
	URL      string        `mapstructure:"url"`
	Interval time.Duration `mapstructure:"interval"`
}

// Load loads configuration from environment and config files.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("server")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath("/configs")

	setDefaults(v)
	bindEnvVars(v)

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; defaults and env vars suffice.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	overrideFromEnv(&config)

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

func setDefaults(v *viper.Viper) {
	// Service defaults
	v.SetDefault("service.port", 8080)
	v.SetDefault("service.shutdown_timeout", "30s")
	v.SetDefault("service.log_level", "info")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.database", "docuquery")
	v.SetDefault("database.username", "postgres")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.internal_host_suffix", ".internal")
	v.SetDefault("database.external_host_suffix", "")

	// Redis defaults
	v.SetDefault("redis.address", "localhost:6379")
	v.SetDefault("redis.database", 0)
	v.SetDefault("redis.dial_timeout", "5s")
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.enabled", true)

	// Storage defaults
	v.SetDefault("storage.backend", "local")
	v.SetDefault("storage.local_dir", "./uploads")
	v.SetDefault("storage.s3_region", "us-east-1")

	// Auth defaults
	v.SetDefault("auth.token_ttl", "24h")

	// Embedding defaults
	v.SetDefault("embedding.model", "text-embedding-004")
	v.SetDefault("embedding.batch_size", 100)
	v.SetDefault("embedding.key_rpm", 15)
	v.SetDefault("embedding.retry_attempts", 3)
	v.SetDefault("embedding.retry_delay", "1s")
	v.SetDefault("embedding.min_interval", "600ms")
	v.SetDefault("embedding.request_timeout", "30s")

	// Processing defaults
	v.SetDefault("processing.chunk_size", 512)
	v.SetDefault("processing.chunk_overlap", 50)
	v.SetDefault("processing.batch_size", 3)
	v.SetDefault("processing.poll_interval", "2s")
	v.SetDefault("processing.worker_stagger", "2s")
	v.SetDefault("processing.lock_duration", "300s")
	v.SetDefault("processing.max_job_attempts", 3)
	v.SetDefault("processing.embed_concurrency", 20)

	// Query defaults
	v.SetDefault("query.top_k", 8)
	v.SetDefault("query.cache_ttl", "24h")
	v.SetDefault("query.lru_size", 256)
	v.SetDefault("query.semantic_threshold", 0.92)
	v.SetDefault("query.max_prompt_tokens", 6000)

	// Router defaults
	v.SetDefault("llm.max_retries", 3)
	v.SetDefault("llm.retry_delay", "1s")
	v.SetDefault("llm.max_backoff", "30s")
	v.SetDefault("llm.failure_threshold", 5)
	v.SetDefault("llm.cooldown", "2m")

	// Keepalive defaults
	v.SetDefault("keepalive.interval", "840000ms")
}

func bindEnvVars(v *viper.Viper) {
	v.AutomaticEnv()

	_ = v.BindEnv("service.port", "PORT")
	_ = v.BindEnv("service.log_level", "LOG_LEVEL")

	_ = v.BindEnv("database.host", "DATABASE_HOST")
	_ = v.BindEnv("database.port", "DATABASE_PORT")
	_ = v.BindEnv("database.database", "DATABASE_NAME")
	_ = v.BindEnv("database.username", "DATABASE_USER")
	_ = v.BindEnv("database.password", "DATABASE_PASSWORD")
	_ = v.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")
	_ = v.BindEnv("database.external_host_suffix", "DATABASE_EXTERNAL_HOST_SUFFIX")

	_ = v.BindEnv("redis.address", "REDIS_ADDR")
	_ = v.BindEnv("redis.password", "REDIS_PASSWORD")

	_ = v.BindEnv("storage.backend", "STORAGE_BACKEND")
	_ = v.BindEnv("storage.local_dir", "STORAGE_LOCAL_DIR")
	_ = v.BindEnv("storage.s3_bucket", "S3_BUCKET")
	_ = v.BindEnv("storage.s3_region", "S3_REGION")
	_ = v.BindEnv("storage.s3_endpoint", "S3_ENDPOINT")

	_ = v.BindEnv("auth.jwt_secret", "JWT_SECRET")

	_ = v.BindEnv("embedding.model", "EMBEDDING_MODEL")

	_ = v.BindEnv("query.semantic_threshold", "QUERY_SEMANTIC_THRESHOLD")

	_ = v.BindEnv("keepalive.url", "KEEPALIVE_URL")
}

// overrideFromEnv applies the environment variables that need parsing beyond
// what viper bindings give us.
func overrideFromEnv(cfg *Config) {
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		parsed, err := ParseDatabaseURL(dbURL, cfg.Database.InternalHostSuffix, cfg.Database.ExternalHostSuffix)
		if err == nil {
			parsed.MaxConns = cfg.Database.MaxConns
			parsed.MaxIdleConns = cfg.Database.MaxIdleConns
			parsed.InternalHostSuffix = cfg.Database.InternalHostSuffix
			parsed.ExternalHostSuffix = cfg.Database.ExternalHostSuffix
			cfg.Database = parsed
		}
	}

	if keys := os.Getenv("GEMINI_API_KEYS"); keys != "" {
		cfg.Embedding.APIKeys = splitCSV(keys)
	}

	if origins := os.Getenv("CORS_ALLOWED_ORIGINS"); origins != "" {
		cfg.Service.CORSAllowedOrigins = splitCSV(origins)
	}

	if ms := os.Getenv("KEEPALIVE_INTERVAL_MS"); ms != "" {
		var n int64
		if _, err := fmt.Sscanf(ms, "%d", &n); err == nil && n > 0 {
			cfg.Keepalive.Interval = time.Duration(n) * time.Millisecond
		}
	}

	// One provider per LLM_{NAME}_API_KEY env var, in priority order.
	cfg.LLM.Providers = append(cfg.LLM.Providers, providersFromEnv()...)
}

// providersFromEnv discovers provider keys set as LLM_{PROVIDER}_API_KEY.
func providersFromEnv() []LLMProviderConfig {
	known := []struct {
		name string
		rpm  int
	}{
		{"GROQ", 30},
		{"GEMINI", 15},
		{"COHERE", 20},
		{"CEREBRAS", 30},
		{"SAMBANOVA", 20},
	}
	var out []LLMProviderConfig
	for _, k := range known {
		if key := os.Getenv("LLM_" + k.name + "_API_KEY"); key != "" {
			out = append(out, LLMProviderConfig{Name: k.name, APIKey: key, RPM: k.rpm})
		}
	}
	return out
}

func splitCSV(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

func validate(cfg *Config) error {
	if cfg.Service.Port <= 0 || cfg.Service.Port > 65535 {
		return fmt.Errorf("invalid service port: %d", cfg.Service.Port)
	}
	if cfg.Processing.ChunkOverlap >= cfg.Processing.ChunkSize {
		return fmt.Errorf("chunk overlap %d must be smaller than chunk size %d",
			cfg.Processing.ChunkOverlap, cfg.Processing.ChunkSize)
	}
	if cfg.Query.SemanticThreshold <= 0 || cfg.Query.SemanticThreshold > 1 {
		return fmt.Errorf("semantic threshold must be in (0,1], got %f", cfg.Query.SemanticThreshold)
	}
	if cfg.Storage.Backend != "local" && cfg.Storage.Backend != "s3" {
		return fmt.Errorf("unknown storage backend: %q", cfg.Storage.Backend)
	}
	if cfg.Storage.Backend == "s3" && cfg.Storage.S3Bucket == "" {
		return fmt.Errorf("storage backend s3 requires s3_bucket")
	}
	return nil
}

// Package config loads and validates application configuration from YAML files
// with environment-variable overrides. It provides typed structs for every
// subsystem (Server, Storage, Postgres, Kafka, Redis, Tokenizer, Build, Match).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Storage   StorageConfig   `yaml:"storage"`
	Postgres  PostgresConfig  `yaml:"postgres"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Redis     RedisConfig     `yaml:"redis"`
	Tokenizer TokenizerConfig `yaml:"tokenizer"`
	Build     BuildConfig     `yaml:"build"`
	Match     MatchConfig     `yaml:"match"`
	Retry     RetryConfig     `yaml:"retry"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
}

// StorageConfig selects the storage/indexing backend.
type StorageConfig struct {
	Driver     string `yaml:"driver"`
	SQLitePath string `yaml:"sqlitePath"`
}

// PostgresConfig holds PostgreSQL connection parameters.
type PostgresConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	Database        string        `yaml:"database"`
	User            string        `yaml:"user"`
	Password        string        `yaml:"password"`
	SSLMode         string        `yaml:"sslMode"`
	MaxOpenConns    int           `yaml:"maxOpenConns"`
	MaxIdleConns    int           `yaml:"maxIdleConns"`
	ConnMaxLifetime time.Duration `yaml:"connMaxLifetime"`
}

// DSN returns a lib/pq-compatible data source name.
func (p PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

// KafkaConfig holds Kafka broker and topic settings.
type KafkaConfig struct {
	Enabled       bool        `yaml:"enabled"`
	Brokers       []string    `yaml:"brokers"`
	ConsumerGroup string      `yaml:"consumerGroup"`
	Topics        KafkaTopics `yaml:"topics"`
}

// KafkaTopics maps logical topic names to their Kafka topic strings.
type KafkaTopics struct {
	Records             string `yaml:"records"`
	StatisticsPublished string `yaml:"statisticsPublished"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// TokenizerConfig declares the normalization rule applied to each field.
// Fields not listed use DefaultRule.
type TokenizerConfig struct {
	DefaultRule    string            `yaml:"defaultRule"`
	Fields         map[string]string `yaml:"fields"`
	MaxTokenLength int               `yaml:"maxTokenLength"`
	StopWords      []string          `yaml:"stopWords"`
}

// BuildConfig controls the statistics aggregation pipeline.
type BuildConfig struct {
	BatchSize      int     `yaml:"batchSize"`
	Workers        int     `yaml:"workers"`
	MaxFailureRate float64 `yaml:"maxFailureRate"`
	IDField        string  `yaml:"idField"`
}

// MatchConfig controls candidate retrieval, scoring and ranking.
type MatchConfig struct {
	DefaultLimit       int                `yaml:"defaultLimit"`
	MaxLimit           int                `yaml:"maxLimit"`
	CandidateLimit     int                `yaml:"candidateLimit"`
	MaxTokenProportion float64            `yaml:"maxTokenProportion"`
	FloorProportion    float64            `yaml:"floorProportion"`
	MismatchPenalty    float64            `yaml:"mismatchPenalty"`
	Combination        string             `yaml:"combination"`
	FieldWeights       map[string]float64 `yaml:"fieldWeights"`
	DefaultWeight      float64            `yaml:"defaultWeight"`
	MinScore           float64            `yaml:"minScore"`
	QueryTimeout       time.Duration      `yaml:"queryTimeout"`
	ResolveWorkers     int                `yaml:"resolveWorkers"`
}

// RetryConfig bounds retries of idempotent storage reads.
type RetryConfig struct {
	MaxAttempts  int           `yaml:"maxAttempts"`
	InitialDelay time.Duration `yaml:"initialDelay"`
	MaxDelay     time.Duration `yaml:"maxDelay"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides. It returns a Config populated with defaults for any missing
// values.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// Default returns a Config with defaults suitable for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 15 * time.Second,
		},
		Storage: StorageConfig{
			Driver:     "sqlite",
			SQLitePath: "fuzzyfinder.db",
		},
		Postgres: PostgresConfig{
			Host:            "localhost",
			Port:            5432,
			Database:        "fuzzyfinder",
			User:            "fuzzyfinder",
			Password:        "localdev",
			SSLMode:         "disable",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			ConsumerGroup: "fuzzyfinder-group",
			Topics: KafkaTopics{
				Records:             "records",
				StatisticsPublished: "statistics.published",
			},
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Tokenizer: TokenizerConfig{
			DefaultRule: "text",
			Fields:      map[string]string{},
		},
		Build: BuildConfig{
			BatchSize:      10000,
			Workers:        0,
			MaxFailureRate: 0.1,
			IDField:        "unique_id",
		},
		Match: MatchConfig{
			DefaultLimit:    50,
			MaxLimit:        500,
			CandidateLimit:  500,
			FloorProportion: 1e-6,
			MismatchPenalty: 0.5,
			Combination:     "sum",
			FieldWeights:    map[string]float64{},
			DefaultWeight:   1.0,
			QueryTimeout:    10 * time.Second,
			ResolveWorkers:  8,
		},
		Retry: RetryConfig{
			MaxAttempts:  3,
			InitialDelay: 50 * time.Millisecond,
			MaxDelay:     2 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate rejects configurations the engine cannot honour.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "memory", "sqlite", "postgres":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Build.BatchSize < 1 {
		return fmt.Errorf("build.batchSize must be positive, got %d", c.Build.BatchSize)
	}
	if c.Build.MaxFailureRate < 0 || c.Build.MaxFailureRate > 1 {
		return fmt.Errorf("build.maxFailureRate must be within [0,1], got %v", c.Build.MaxFailureRate)
	}
	if c.Match.FloorProportion <= 0 || c.Match.FloorProportion > 1 {
		return fmt.Errorf("match.floorProportion must be within (0,1], got %v", c.Match.FloorProportion)
	}
	if c.Match.MismatchPenalty < 0 {
		return fmt.Errorf("match.mismatchPenalty must not be negative, got %v", c.Match.MismatchPenalty)
	}
	switch c.Match.Combination {
	case "sum", "mean", "min":
	default:
		return fmt.Errorf("unknown match.combination %q", c.Match.Combination)
	}
	for field, w := range c.Match.FieldWeights {
		if w < 0 {
			return fmt.Errorf("match.fieldWeights[%s] must not be negative", field)
		}
	}
	if c.Match.DefaultLimit < 1 || c.Match.MaxLimit < c.Match.DefaultLimit {
		return fmt.Errorf("match limits invalid: default %d, max %d", c.Match.DefaultLimit, c.Match.MaxLimit)
	}
	return nil
}

// applyEnvOverrides reads FF_* environment variables and overrides the
// corresponding config fields.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FF_SERVER_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("FF_STORAGE_DRIVER"); v != "" {
		cfg.Storage.Driver = v
	}
	if v := os.Getenv("FF_STORAGE_SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("FF_POSTGRES_HOST"); v != "" {
		cfg.Postgres.Host = v
	}
	if v := os.Getenv("FF_POSTGRES_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Postgres.Port = port
		}
	}
	if v := os.Getenv("FF_POSTGRES_DATABASE"); v != "" {
		cfg.Postgres.Database = v
	}
	if v := os.Getenv("FF_POSTGRES_USER"); v != "" {
		cfg.Postgres.User = v
	}
	if v := os.Getenv("FF_POSTGRES_PASSWORD"); v != "" {
		cfg.Postgres.Password = v
	}
	if v := os.Getenv("FF_POSTGRES_SSLMODE"); v != "" {
		cfg.Postgres.SSLMode = v
	}
	if v := os.Getenv("FF_KAFKA_ENABLED"); v != "" {
		cfg.Kafka.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FF_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := os.Getenv("FF_REDIS_ENABLED"); v != "" {
		cfg.Redis.Enabled = v == "true" || v == "1"
	}
	if v := os.Getenv("FF_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("FF_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("FF_BUILD_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Build.BatchSize = n
		}
	}
	if v := os.Getenv("FF_BUILD_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Build.Workers = n
		}
	}
	if v := os.Getenv("FF_MATCH_FLOOR_PROPORTION"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Match.FloorProportion = f
		}
	}
	if v := os.Getenv("FF_LOGGING_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("FF_LOGGING_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

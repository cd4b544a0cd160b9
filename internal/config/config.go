package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"threatlens/internal/reasoning"
)

// Config is the full runtime configuration. Values come from an optional
// YAML file, with THREATLENS_* environment variables taking precedence.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Store     StoreConfig     `yaml:"store"`
	Kafka     KafkaConfig     `yaml:"kafka"`
	Reasoning ReasoningConfig `yaml:"reasoning"`
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Logging   LoggingConfig   `yaml:"logging"`
}

type ServerConfig struct {
	Addr string `yaml:"addr"`
}

type StoreConfig struct {
	DBPath    string `yaml:"db_path"`
	IndexPath string `yaml:"index_path"`
}

type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
	GroupID string   `yaml:"group_id"`
}

type ReasoningConfig struct {
	Enabled  bool                     `yaml:"enabled"`
	Provider reasoning.ProviderConfig `yaml:"provider"`
	Adapter  reasoning.AdapterConfig  `yaml:"adapter"`
}

type PipelineConfig struct {
	Workers int `yaml:"workers"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// NewLogger builds the process-wide slog handler from the logging config.
func (l LoggingConfig) NewLogger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(l.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(l.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// Load reads the YAML file at path (skipped when empty or missing) and then
// applies environment overrides on top.
func Load(path string) (*Config, error) {
	cfg := defaults()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	applyEnv(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{Addr: ":8080"},
		Store: StoreConfig{
			DBPath:    "threatlens.db",
			IndexPath: "threatlens.bleve",
		},
		Kafka: KafkaConfig{
			Brokers: []string{"localhost:9092"},
			Topic:   "normalized-articles",
			GroupID: "threatlens-extractor",
		},
		Reasoning: ReasoningConfig{
			Provider: reasoning.ProviderConfig{Provider: "ollama"},
			Adapter: reasoning.AdapterConfig{
				Timeout:       45 * time.Second,
				MaxAttempts:   3,
				RetryDelay:    2 * time.Second,
				RatePerMinute: 30,
			},
		},
		Pipeline: PipelineConfig{Workers: 4},
		Logging:  LoggingConfig{Level: "info", Format: "text"},
	}
}

func applyEnv(cfg *Config) {
	cfg.Server.Addr = getEnv("THREATLENS_ADDR", cfg.Server.Addr)
	cfg.Store.DBPath = getEnv("THREATLENS_DB_PATH", cfg.Store.DBPath)
	cfg.Store.IndexPath = getEnv("THREATLENS_INDEX_PATH", cfg.Store.IndexPath)
	cfg.Kafka.Topic = getEnv("THREATLENS_KAFKA_TOPIC", cfg.Kafka.Topic)
	cfg.Kafka.GroupID = getEnv("THREATLENS_KAFKA_GROUP", cfg.Kafka.GroupID)
	if v := os.Getenv("THREATLENS_KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = splitComma(v)
	}
	cfg.Reasoning.Enabled = getEnvBool("THREATLENS_REASONING_ENABLED", cfg.Reasoning.Enabled)
	cfg.Reasoning.Provider.Provider = getEnv("THREATLENS_PROVIDER", cfg.Reasoning.Provider.Provider)
	cfg.Reasoning.Provider.APIKey = getEnv("THREATLENS_PROVIDER_API_KEY", cfg.Reasoning.Provider.APIKey)
	cfg.Reasoning.Provider.Model = getEnv("THREATLENS_PROVIDER_MODEL", cfg.Reasoning.Provider.Model)
	cfg.Reasoning.Provider.BaseURL = getEnv("THREATLENS_PROVIDER_BASE_URL", cfg.Reasoning.Provider.BaseURL)
	cfg.Pipeline.Workers = getEnvInt("THREATLENS_WORKERS", cfg.Pipeline.Workers)
	cfg.Logging.Level = getEnv("THREATLENS_LOG_LEVEL", cfg.Logging.Level)
	cfg.Logging.Format = getEnv("THREATLENS_LOG_FORMAT", cfg.Logging.Format)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func splitComma(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

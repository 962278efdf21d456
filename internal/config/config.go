package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"gopkg.in/yaml.v3"
)

// FileEnv names the optional YAML file overlaid on the environment.
const FileEnv = "BITMAPMANIPULATOR_CONFIG"

type Config struct {
	Pipeline  PipelineConfig  `yaml:"pipeline"`
	Log       LogConfig       `yaml:"log"`
	API       APIConfig       `yaml:"api"`
	Worker    WorkerConfig    `yaml:"worker"`
	Queue     QueueConfig     `yaml:"queue"`
	Storage   StorageConfig   `yaml:"storage"`
	Database  DatabaseConfig  `yaml:"database"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

type PipelineConfig struct {
	MaxDimension int    `yaml:"max_dimension"`
	OutputDir    string `yaml:"output_dir"`
	QueueDepth   int    `yaml:"queue_depth"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type APIConfig struct {
	Addr string `yaml:"addr"`
}

type WorkerConfig struct {
	MetricsAddr string `yaml:"metrics_addr"`
}

type QueueConfig struct {
	RedisAddr     string `yaml:"redis_addr"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
	Name          string `yaml:"name"`
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type StorageConfig struct {
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`
	Bucket    string `yaml:"bucket"`
	UseSSL    bool   `yaml:"use_ssl"`
}

// DatabaseConfig selects the job store; an empty DSN keeps jobs in memory.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

type WebhookConfig struct {
	SigningSecret  string        `yaml:"signing_secret"`
	Timeout        time.Duration `yaml:"timeout"`
	MaxAttempts    int           `yaml:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type RateLimitConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Limit        int           `yaml:"limit"`
	Window       time.Duration `yaml:"window"`
	UserIDHeader string        `yaml:"user_id_header"`
}

type TelemetryConfig struct {
	ServiceName  string `yaml:"service_name"`
	Exporter     string `yaml:"exporter"`
	OTLPEndpoint string `yaml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure"`
}

// Load reads the environment and overlays the file named by FileEnv, if any.
func Load() (Config, error) {
	cfg := FromEnv()
	if path := env(FileEnv, ""); path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func FromEnv() Config {
	return Config{
		Pipeline: PipelineConfig{
			MaxDimension: envInt("PIPELINE_MAX_DIMENSION", 1024),
			OutputDir:    env("PIPELINE_OUTPUT_DIR", "./.bitmapmanipulator-output"),
			QueueDepth:   envInt("PIPELINE_QUEUE_DEPTH", 16),
		},
		Log: LogConfig{
			Level:  env("LOG_LEVEL", "info"),
			Format: env("LOG_FORMAT", "json"),
		},
		API: APIConfig{
			Addr: env("API_ADDR", ":8080"),
		},
		Worker: WorkerConfig{
			MetricsAddr: env("WORKER_METRICS_ADDR", ":9091"),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "default"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "bitmapmanipulator"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:      envBool("RATE_LIMIT_ENABLED", false),
			Limit:        envInt("RATE_LIMIT_LIMIT", 30),
			Window:       envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: env("RATE_LIMIT_USER_ID_HEADER", "X-User-ID"),
		},
		Telemetry: TelemetryConfig{
			ServiceName:  env("OTEL_SERVICE_NAME", "bitmapmanipulator"),
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
		},
	}
}

// LoadFile overlays the YAML document at path. Keys absent from the file
// keep their current value.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c Config) Validate() error {
	if c.Pipeline.MaxDimension <= 0 {
		return fmt.Errorf("pipeline.max_dimension must be positive, got %d", c.Pipeline.MaxDimension)
	}
	if strings.TrimSpace(c.Pipeline.OutputDir) == "" {
		return errors.New("pipeline.output_dir is required")
	}
	if c.Pipeline.QueueDepth < 1 {
		return fmt.Errorf("pipeline.queue_depth must be at least 1, got %d", c.Pipeline.QueueDepth)
	}
	if c.RateLimit.Enabled && (c.RateLimit.Limit <= 0 || c.RateLimit.Window <= 0) {
		return errors.New("rate_limit requires positive limit and window when enabled")
	}
	return nil
}

func env(key, fallback string) string {
	value, ok := os.LookupEnv(key)
	if !ok || value == "" {
		return fallback
	}
	return value
}

func envInt(key string, fallback int) int {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envBool(key string, fallback bool) bool {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	value := env(key, "")
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}

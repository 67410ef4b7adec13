package config

import (
	"io"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/hibiken/asynq"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
)

type Config struct {
	API       APIConfig
	Queue     QueueConfig
	Worker    WorkerConfig
	Storage   StorageConfig
	Database  DatabaseConfig
	Thumbnail ThumbnailConfig
	Telemetry TelemetryConfig
	Webhook   WebhookConfig
	RateLimit RateLimitConfig
	Log       LogConfig
}

type APIConfig struct {
	Addr string
	// PresignExpiry bounds the lifetime of upload URLs handed to clients.
	PresignExpiry time.Duration
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Name          string
	MaxRetry      int
	TaskTimeout   time.Duration
}

func (q QueueConfig) RedisClientOpt() asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     q.RedisAddr,
		Password: q.RedisPassword,
		DB:       q.RedisDB,
	}
}

type WorkerConfig struct {
	Concurrency    int
	MaxActiveJobs  int
	LocalOutputDir string
	OutputPrefix   string
	TempDir        string
	MetricsAddr    string
}

type StorageConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

type DatabaseConfig struct {
	DSN string
}

// ThumbnailConfig holds request defaults and image runtime tuning.
type ThumbnailConfig struct {
	DefaultTargetSize int
	DefaultQuality    int
	Concurrency       int
	MaxCacheFiles     int
	MaxCacheMem       int
	MaxCacheSize      int
}

type TelemetryConfig struct {
	Exporter     string
	OTLPEndpoint string
	OTLPInsecure bool
}

type WebhookConfig struct {
	SigningSecret  string
	Timeout        time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// RateLimitConfig sizes the per-subject work budget. One unit is one
// megapixel of decoded source.
type RateLimitConfig struct {
	Enabled      bool
	Units        int
	Window       time.Duration
	UserIDHeader string
}

type LogConfig struct {
	Level  string
	Pretty bool
}

// Load reads configuration from the environment. A .env file in the working
// directory is applied first when present; real environment variables win.
func Load() Config {
	_ = godotenv.Load()

	defaultWorkerSlots := max(1, runtime.NumCPU()/2)

	return Config{
		API: APIConfig{
			Addr:          env("THUMBFLOW_API_ADDR", ":8080"),
			PresignExpiry: envDuration("THUMBFLOW_PRESIGN_EXPIRY", 15*time.Minute),
		},
		Queue: QueueConfig{
			RedisAddr:     env("REDIS_ADDR", "localhost:6379"),
			RedisPassword: env("REDIS_PASSWORD", ""),
			RedisDB:       envInt("REDIS_DB", 0),
			Name:          env("ASYNC_QUEUE", "thumbnails"),
			MaxRetry:      envInt("ASYNC_MAX_RETRY", 5),
			TaskTimeout:   envDuration("ASYNC_TASK_TIMEOUT", 2*time.Minute),
		},
		Worker: WorkerConfig{
			Concurrency:    envInt("WORKER_CONCURRENCY", max(2, runtime.NumCPU())),
			MaxActiveJobs:  envInt("WORKER_MAX_ACTIVE_JOBS", defaultWorkerSlots),
			LocalOutputDir: env("WORKER_LOCAL_OUTPUT_DIR", "./.thumbflow-output"),
			OutputPrefix:   env("WORKER_OUTPUT_PREFIX", "thumbnails"),
			TempDir:        env("WORKER_TEMP_DIR", os.TempDir()),
			MetricsAddr:    env("WORKER_METRICS_ADDR", ":9091"),
		},
		Storage: StorageConfig{
			Endpoint:  env("MINIO_ENDPOINT", "localhost:9000"),
			AccessKey: env("MINIO_ACCESS_KEY", "minioadmin"),
			SecretKey: env("MINIO_SECRET_KEY", "minioadmin"),
			Bucket:    env("MINIO_BUCKET", "thumbflow-jobs"),
			UseSSL:    envBool("MINIO_USE_SSL", false),
		},
		Database: DatabaseConfig{
			DSN: env("POSTGRES_DSN", ""),
		},
		Thumbnail: ThumbnailConfig{
			DefaultTargetSize: envInt("THUMBFLOW_DEFAULT_TARGET_SIZE", 256),
			DefaultQuality:    envInt("THUMBFLOW_DEFAULT_QUALITY", 75),
			Concurrency:       envInt("THUMBFLOW_VIPS_CONCURRENCY", 1),
			MaxCacheFiles:     envInt("THUMBFLOW_VIPS_CACHE_FILES", 0),
			MaxCacheMem:       envInt("THUMBFLOW_VIPS_CACHE_MEM", 128*1024*1024),
			MaxCacheSize:      envInt("THUMBFLOW_VIPS_CACHE_SIZE", 100),
		},
		Telemetry: TelemetryConfig{
			Exporter:     env("OTEL_TRACES_EXPORTER", "none"),
			OTLPEndpoint: env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			OTLPInsecure: envBool("OTEL_EXPORTER_OTLP_INSECURE", true),
		},
		Webhook: WebhookConfig{
			SigningSecret:  env("WEBHOOK_SIGNING_SECRET", ""),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 3),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", time.Second),
			MaxBackoff:     envDuration("WEBHOOK_MAX_BACKOFF", 10*time.Second),
		},
		RateLimit: RateLimitConfig{
			Enabled:      envBool("RATE_LIMIT_ENABLED", true),
			Units:        envInt("RATE_LIMIT_UNITS", 240),
			Window:       envDuration("RATE_LIMIT_WINDOW", time.Minute),
			UserIDHeader: env("RATE_LIMIT_USER_ID_HEADER", "X-User-ID"),
		},
		Log: LogConfig{
			Level:  env("THUMBFLOW_LOG_LEVEL", "info"),
			Pretty: envBool("THUMBFLOW_LOG_PRETTY", false),
		},
	}
}

// NewLogger builds the process logger for service. Callers own the zerolog
// package globals such as TimeFieldFormat.
func NewLogger(cfg LogConfig, service string) zerolog.Logger {
	var out io.Writer = os.Stdout
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	return zerolog.New(out).Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
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

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}

package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	// Application
	AppName  string
	AppEnv   string
	Port     string
	LogLevel string

	// Database (optional driver switch via ENV, default: sqlite)
	DBDriver     string
	DBConnection string

	// Security
	JWTSecret string
	JWTExpiry time.Duration // lifetime of tokens minted by dlctl token

	// Observability (optional)
	SentryDSN string

	// Storage (S3-compatible: MinIO, AWS S3, Cloudflare R2, DigitalOcean Spaces, etc.)
	StorageDriver       string // "s3" or "memory"
	S3Region            string
	S3Bucket            string
	S3AccessKey         string
	S3SecretKey         string
	S3Endpoint          string // Optional: for S3-compatible services (MinIO, DO Spaces, R2, etc.)
	S3PartSizeMB        int64
	S3UploadConcurrency int

	// Delivery
	DeliveryURLTTL    time.Duration
	RetrieveRateLimit float64 // requests per second per client IP
	RetrieveBurst     int

	// Jobs
	RunWorkers          bool // false runs the HTTP API only
	QueueRecoverOnStart bool // requeue jobs a crashed worker left in processing
	RedisURL            string
	QueueName           string
	WorkerConcurrency   int
	JobTimeout          time.Duration
	JobBackoff          []time.Duration
	CleanupInterval     time.Duration
	CleanupBatchSize    int

	// Retention
	PolicyFile   string // Optional YAML plan table, built-in defaults otherwise
	PlanCacheTTL time.Duration

	// Events
	EventsSink        string // "log" or "nats"
	EventsBuffer      int
	NATSURL           string
	NATSSubjectPrefix string
}

func Load() *Config {
	// Load .env file if it exists
	err := godotenv.Load()
	if err != nil {
		slog.Info("no .env file found, using environment variables")
	}

	cfg := &Config{
		// Application
		AppName:  envString("APP_NAME", "downloadgroups"),
		AppEnv:   envString("APP_ENV", "development"),
		Port:     envString("PORT", "8090"),
		LogLevel: envString("LOG_LEVEL", ""),

		// Database (default: SQLite for easy local development)
		DBDriver:     envString("DB_DRIVER", "sqlite"),
		DBConnection: envString("DB_CONNECTION", "./data/downloadgroups.db?_pragma=busy_timeout(5000)"),

		// Security
		JWTSecret: envRequired("JWT_SECRET"),
		JWTExpiry: envDuration("JWT_EXPIRY", 24*time.Hour),

		// Observability
		SentryDSN: envString("SENTRY_DSN", ""),

		// Storage
		StorageDriver:       envString("STORAGE_DRIVER", "s3"),
		S3Region:            envString("S3_REGION", "us-east-1"),
		S3Bucket:            envString("S3_BUCKET", "downloads"),
		S3AccessKey:         envString("S3_ACCESS_KEY", ""),
		S3SecretKey:         envString("S3_SECRET_KEY", ""),
		S3Endpoint:          envString("S3_ENDPOINT", ""),
		S3PartSizeMB:        int64(envInt("S3_PART_SIZE_MB", 16)),
		S3UploadConcurrency: envInt("S3_UPLOAD_CONCURRENCY", 2),

		// Delivery
		DeliveryURLTTL:    envDuration("DELIVERY_URL_TTL", 10*time.Minute),
		RetrieveRateLimit: envFloat("RETRIEVE_RATE_LIMIT", 5),
		RetrieveBurst:     envInt("RETRIEVE_BURST", 20),

		// Jobs
		RunWorkers:          envBool("RUN_WORKERS", true),
		QueueRecoverOnStart: envBool("QUEUE_RECOVER_ON_START", false),
		RedisURL:            envString("REDIS_URL", "redis://localhost:6379/0"),
		QueueName:           envString("QUEUE_NAME", "downloads"),
		WorkerConcurrency:   envInt("WORKER_CONCURRENCY", 4),
		JobTimeout:          envDuration("JOB_TIMEOUT", 30*time.Minute),
		JobBackoff:          envDurations("JOB_BACKOFF", []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute}),
		CleanupInterval:     envDuration("CLEANUP_INTERVAL", 15*time.Minute),
		CleanupBatchSize:    envInt("CLEANUP_BATCH_SIZE", 50),

		// Retention
		PolicyFile:   envString("POLICY_FILE", ""),
		PlanCacheTTL: envDuration("PLAN_CACHE_TTL", 5*time.Minute),

		// Events
		EventsSink:        envString("EVENTS_SINK", "log"),
		EventsBuffer:      envInt("EVENTS_BUFFER", 1024),
		NATSURL:           envString("NATS_URL", "nats://localhost:4222"),
		NATSSubjectPrefix: envString("NATS_SUBJECT_PREFIX", "downloads.lifecycle"),
	}

	// Production: validate required services
	if cfg.IsProduction() {
		validateProduction(cfg)
	}

	return cfg
}

// validateProduction rejects development-only drivers in production deployments.
func validateProduction(cfg *Config) {
	if cfg.StorageDriver == "memory" {
		slog.Error("production deployment requires STORAGE_DRIVER=s3",
			"hint", "set APP_ENV=development to use the in-memory object store")
		os.Exit(1)
	}
	if cfg.DBDriver == "sqlite" {
		slog.Warn("running production on sqlite, consider DB_DRIVER=pgx")
	}
}

func envString(key, def string) string {
	value := os.Getenv(key)
	if value == "" {
		value = def
	}
	return value
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("config invalid int, using default", "key", key, "value", v, "default", def)
		return def
	}
	return n
}

func envFloat(key string, def float64) float64 {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("config invalid float, using default", "key", key, "value", v, "default", def)
		return def
	}
	return f
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		slog.Warn("config invalid bool, using default", "key", key, "value", v, "default", def)
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("config invalid duration, using default", "key", key, "value", v, "default", def)
		return def
	}
	return d
}

// envDurations parses a comma separated list such as "1m,5m,15m".
func envDurations(key string, def []time.Duration) []time.Duration {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return def
	}
	var out []time.Duration
	for _, part := range strings.Split(v, ",") {
		d, err := time.ParseDuration(strings.TrimSpace(part))
		if err != nil {
			slog.Warn("config invalid duration list, using default", "key", key, "value", v)
			return def
		}
		out = append(out, d)
	}
	return out
}

func envRequired(key string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	slog.Error("config required env var missing", "key", key)
	os.Exit(1)
	return ""
}

func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

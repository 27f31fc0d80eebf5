// Package config provides centralized configuration management for the catalog
// service. It loads configuration from environment variables with sensible
// defaults and validates all settings on startup to fail fast on misconfiguration.
package config

import (
	"strconv"
	"time"
)

// Driver names shared by the storage, queue and blob sections.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
	DriverS3       = "s3"
	DriverLocal    = "local"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Blob     BlobConfig
	Cache    CacheConfig
	Queue    QueueConfig
	Job      JobConfig
	Notify   NotifyConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	ReadTimeout  time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"60s"`
	IdleTimeout  time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout bounds graceful shutdown, including draining workers (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`

	// TrustedProxies lists CIDRs whose X-Real-IP / X-Forwarded-For headers are honoured.
	TrustedProxies []string `env:"SERVER_TRUSTED_PROXIES"`

	// RateLimit is the per-client request rate in requests per second; 0 disables it (default: 20)
	RateLimit float64 `env:"SERVER_RATE_LIMIT" default:"20"`
	RateBurst int     `env:"SERVER_RATE_BURST" default:"40"`
}

// DatabaseConfig holds storage engine settings.
type DatabaseConfig struct {
	// Driver selects the entity storage: postgres or memory (default: postgres)
	Driver string `env:"STORAGE_DRIVER" default:"postgres"`

	// URL is the PostgreSQL connection string.
	// Supports both DATABASE_URL and DB_URL env vars for compatibility
	URL string `env:"DATABASE_URL" envAlt:"DB_URL"`

	MaxConns        int           `env:"DB_MAX_CONNS" default:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" default:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" default:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" default:"30m"`
}

// BlobConfig holds object store settings for uploaded and exported files.
type BlobConfig struct {
	// Driver selects the blob store: s3 or local (default: local)
	Driver string `env:"BLOB_DRIVER" default:"local"`

	Endpoint  string `env:"BLOB_ENDPOINT" envAlt:"S3_ENDPOINT"`
	Region    string `env:"BLOB_REGION"`
	Bucket    string `env:"BLOB_BUCKET" default:"catalog"`
	AccessKey string `env:"BLOB_ACCESS_KEY" envAlt:"AWS_ACCESS_KEY_ID"`
	SecretKey string `env:"BLOB_SECRET_KEY" envAlt:"AWS_SECRET_ACCESS_KEY"`
	UseSSL    bool   `env:"BLOB_USE_SSL" default:"false"`

	// LocalRoot is the directory used by the local driver (default: ./data/blobs)
	LocalRoot string `env:"BLOB_LOCAL_ROOT" default:"./data/blobs"`

	// MaxFileSize is the maximum accepted upload size in bytes (default: 100MB)
	MaxFileSize int64 `env:"BLOB_MAX_FILE_SIZE" default:"104857600"`
}

// CacheConfig holds object cache settings.
type CacheConfig struct {
	// Capacity is the maximum number of cached entries (default: 10000)
	Capacity int `env:"CACHE_CAPACITY" default:"10000"`

	// TTL is the default entry lifetime (default: 5m)
	TTL time.Duration `env:"CACHE_TTL" default:"5m"`
}

// QueueConfig holds task queue and worker pool settings.
type QueueConfig struct {
	// Driver selects the task queue: postgres or memory (default: postgres)
	Driver string `env:"QUEUE_DRIVER" default:"postgres"`

	// Workers is the number of jobs that may run concurrently in this process (default: 4)
	Workers int `env:"QUEUE_WORKERS" default:"4"`

	PollInterval time.Duration `env:"QUEUE_POLL_INTERVAL" default:"1s"`

	// Lease is how long a claimed task stays invisible before it may be re-claimed (default: 15m)
	Lease time.Duration `env:"QUEUE_LEASE" default:"15m"`

	RetryMaxAttempts int           `env:"QUEUE_RETRY_MAX_ATTEMPTS" default:"5"`
	RetryInitial     time.Duration `env:"QUEUE_RETRY_INITIAL" default:"2s"`
	RetryMax         time.Duration `env:"QUEUE_RETRY_MAX" default:"5m"`
}

// JobConfig holds import/export job settings.
type JobConfig struct {
	// BatchSize is the number of rows per write batch and cancellation checkpoint (default: 500)
	BatchSize int `env:"JOB_BATCH_SIZE" default:"500"`

	// AbortMinRows is the number of processed rows before the abort threshold is evaluated
	// row by row (default: 50). Shorter files are only checked at end of file.
	AbortMinRows int `env:"JOB_ABORT_MIN_ROWS" default:"50"`

	// AbortThreshold is used when a submission does not set one (default: 0.1)
	AbortThreshold float64 `env:"JOB_ABORT_THRESHOLD" default:"0.1"`

	// ErrorPreview caps rowErrors returned by the status endpoint (default: 100)
	ErrorPreview int `env:"JOB_ERROR_PREVIEW" default:"100"`

	// RowRetries bounds attempts for a row write hitting a transient storage fault (default: 3)
	RowRetries int `env:"JOB_ROW_RETRIES" default:"3"`

	// MaxConcurrentUploads bounds simultaneous file uploads (default: 5)
	MaxConcurrentUploads int           `env:"JOB_MAX_CONCURRENT_UPLOADS" default:"5"`
	UploadWait           time.Duration `env:"JOB_UPLOAD_WAIT" default:"30s"`

	// RetentionDays keeps finished jobs and their export files this long; 0 keeps them forever (default: 30)
	RetentionDays int           `env:"JOB_RETENTION_DAYS" default:"30"`
	PurgeInterval time.Duration `env:"JOB_PURGE_INTERVAL" default:"24h"`
	PurgeBatch    int           `env:"JOB_PURGE_BATCH" default:"500"`
}

// NotifyConfig holds job completion notification settings.
type NotifyConfig struct {
	// WebhookURL receives a JSON POST per terminal job; empty logs notifications instead.
	WebhookURL string `env:"NOTIFY_WEBHOOK_URL"`

	// RatePerSecond and Burst bound outbound webhook calls (default: 5/s, burst 10)
	RatePerSecond float64       `env:"NOTIFY_RATE" default:"5"`
	Burst         int           `env:"NOTIFY_BURST" default:"10"`
	Timeout       time.Duration `env:"NOTIFY_TIMEOUT" default:"10s"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return c.Host + ":" + strconv.Itoa(c.Port)
}

// NeedsPostgres reports whether any component is configured to use PostgreSQL.
func (c *Config) NeedsPostgres() bool {
	return c.Database.Driver == DriverPostgres || c.Queue.Driver == DriverPostgres
}

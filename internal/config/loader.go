package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
)

var durationType = reflect.TypeOf(time.Duration(0))

// Load reads configuration from environment variables.
// It applies defaults for unset values and validates the result.
func Load() (*Config, error) {
	cfg := &Config{}

	if err := loadStruct(reflect.ValueOf(cfg).Elem()); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return cfg, nil
}

// loadStruct recursively populates struct fields from environment variables.
// Tags: env (primary name), envAlt (fallback name), default, required.
func loadStruct(v reflect.Value) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct {
			if err := loadStruct(fieldVal); err != nil {
				return err
			}
			continue
		}

		envName := field.Tag.Get("env")
		if envName == "" {
			continue
		}

		value := lookup(envName, field.Tag.Get("envAlt"))
		if value == "" {
			if field.Tag.Get("required") == "true" {
				return fmt.Errorf("required environment variable %s is not set", envName)
			}
			value = field.Tag.Get("default")
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", envName, value, err)
		}
	}

	return nil
}

func lookup(primary, alt string) string {
	if v := os.Getenv(primary); v != "" {
		return v
	}
	if alt != "" {
		return os.Getenv(alt)
	}
	return ""
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	if field.Type() == durationType {
		d, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration: %w", err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Float64:
		f, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid number: %w", err)
		}
		field.SetFloat(f)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		var result []string
		for _, p := range strings.Split(value, ",") {
			if p = strings.TrimSpace(p); p != "" {
				result = append(result, p)
			}
		}
		field.Set(reflect.ValueOf(result))

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}

// Validate checks that the configuration is valid.
// Returns an error describing all validation failures.
func (c *Config) Validate() error {
	var errs []string
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Sprintf(format, args...))
		}
	}

	check(oneOf(c.Database.Driver, DriverPostgres, DriverMemory),
		"STORAGE_DRIVER (%q) must be one of: postgres, memory", c.Database.Driver)
	check(oneOf(c.Queue.Driver, DriverPostgres, DriverMemory),
		"QUEUE_DRIVER (%q) must be one of: postgres, memory", c.Queue.Driver)
	check(oneOf(c.Blob.Driver, DriverS3, DriverLocal),
		"BLOB_DRIVER (%q) must be one of: s3, local", c.Blob.Driver)

	if c.NeedsPostgres() {
		check(c.Database.URL != "", "DATABASE_URL is required when a postgres driver is selected")
		check(c.Database.MaxConns > 0, "DB_MAX_CONNS must be positive")
		check(c.Database.MinConns >= 0, "DB_MIN_CONNS must be non-negative")
		check(c.Database.MaxConns >= c.Database.MinConns,
			"DB_MAX_CONNS (%d) must be >= DB_MIN_CONNS (%d)", c.Database.MaxConns, c.Database.MinConns)
	}

	if c.Blob.Driver == DriverS3 {
		check(c.Blob.Endpoint != "", "BLOB_ENDPOINT is required for the s3 driver")
		check(c.Blob.Bucket != "", "BLOB_BUCKET is required for the s3 driver")
		check(c.Blob.AccessKey != "" && c.Blob.SecretKey != "", "BLOB_ACCESS_KEY and BLOB_SECRET_KEY are required for the s3 driver")
	}
	check(c.Blob.MaxFileSize > 0, "BLOB_MAX_FILE_SIZE must be positive")

	check(c.Server.Port > 0 && c.Server.Port <= 65535, "SERVER_PORT (%d) must be 1-65535", c.Server.Port)
	check(c.Server.ReadTimeout >= 0, "SERVER_READ_TIMEOUT must be non-negative")
	check(c.Server.ShutdownTimeout > 0, "SERVER_SHUTDOWN_TIMEOUT must be positive")
	check(c.Server.RateLimit >= 0, "SERVER_RATE_LIMIT must be non-negative")
	check(c.Server.RateLimit == 0 || c.Server.RateBurst > 0, "SERVER_RATE_BURST must be positive when rate limiting is enabled")

	check(c.Cache.Capacity > 0, "CACHE_CAPACITY must be positive")
	check(c.Cache.TTL > 0, "CACHE_TTL must be positive")

	check(c.Queue.Workers > 0, "QUEUE_WORKERS must be positive")
	check(c.Queue.PollInterval > 0, "QUEUE_POLL_INTERVAL must be positive")
	check(c.Queue.Lease > 0, "QUEUE_LEASE must be positive")
	check(c.Queue.RetryMaxAttempts > 0, "QUEUE_RETRY_MAX_ATTEMPTS must be positive")
	check(c.Queue.RetryInitial > 0 && c.Queue.RetryMax >= c.Queue.RetryInitial,
		"QUEUE_RETRY_INITIAL must be positive and <= QUEUE_RETRY_MAX")

	check(c.Job.BatchSize > 0, "JOB_BATCH_SIZE must be positive")
	check(c.Job.AbortMinRows >= 0, "JOB_ABORT_MIN_ROWS must be non-negative")
	check(c.Job.AbortThreshold >= 0 && c.Job.AbortThreshold <= 1,
		"JOB_ABORT_THRESHOLD (%v) must be within [0,1]", c.Job.AbortThreshold)
	check(c.Job.ErrorPreview > 0, "JOB_ERROR_PREVIEW must be positive")
	check(c.Job.RowRetries > 0, "JOB_ROW_RETRIES must be positive")
	check(c.Job.MaxConcurrentUploads > 0, "JOB_MAX_CONCURRENT_UPLOADS must be positive")
	check(c.Job.RetentionDays >= 0, "JOB_RETENTION_DAYS must be non-negative")
	if c.Job.RetentionDays > 0 {
		check(c.Job.PurgeInterval > 0, "JOB_PURGE_INTERVAL must be positive when retention is enabled")
		check(c.Job.PurgeBatch > 0, "JOB_PURGE_BATCH must be positive when retention is enabled")
	}

	if c.Notify.WebhookURL != "" {
		check(c.Notify.RatePerSecond > 0, "NOTIFY_RATE must be positive")
		check(c.Notify.Burst > 0, "NOTIFY_BURST must be positive")
	}

	check(oneOf(strings.ToLower(c.Logging.Level), "debug", "info", "warn", "error"),
		"LOG_LEVEL (%q) must be one of: debug, info, warn, error", c.Logging.Level)
	check(oneOf(strings.ToLower(c.Logging.Format), "text", "json"),
		"LOG_FORMAT (%q) must be one of: text, json", c.Logging.Format)

	if len(errs) > 0 {
		return fmt.Errorf("validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}
	return false
}

// String returns a safe string representation of the config for logging.
// Connection strings and credentials are masked.
func (c *Config) String() string {
	var b strings.Builder
	b.WriteString("Config{")
	fmt.Fprintf(&b, "Server: {Host: %q, Port: %d}, ", c.Server.Host, c.Server.Port)
	fmt.Fprintf(&b, "Database: {Driver: %s, URL: %s, MaxConns: %d}, ",
		c.Database.Driver, mask(c.Database.URL), c.Database.MaxConns)
	fmt.Fprintf(&b, "Blob: {Driver: %s, Endpoint: %q, Bucket: %q, SecretKey: %s}, ",
		c.Blob.Driver, c.Blob.Endpoint, c.Blob.Bucket, mask(c.Blob.SecretKey))
	fmt.Fprintf(&b, "Cache: {Capacity: %d, TTL: %s}, ", c.Cache.Capacity, c.Cache.TTL)
	fmt.Fprintf(&b, "Queue: {Driver: %s, Workers: %d}, ", c.Queue.Driver, c.Queue.Workers)
	fmt.Fprintf(&b, "Job: {BatchSize: %d, AbortThreshold: %v}, ", c.Job.BatchSize, c.Job.AbortThreshold)
	fmt.Fprintf(&b, "Logging: {Level: %q, Format: %q}", c.Logging.Level, c.Logging.Format)
	b.WriteString("}")
	return b.String()
}

func mask(s string) string {
	if s == "" {
		return "[UNSET]"
	}
	return "[MASKED]"
}

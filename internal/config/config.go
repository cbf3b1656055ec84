package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for Orderflow
type Config struct {
	// DatabaseURL is the Postgres connection string (required)
	DatabaseURL string

	// RabbitURL is the broker URL (required)
	RabbitURL string

	// Backends holds the CMS/ROS/WMS adapter endpoints
	Backends BackendConfig

	// Facade holds the intake facade push endpoints
	Facade FacadeConfig

	// Retry holds the retry/DLQ budget parameters
	Retry RetryConfig

	// Outbox holds the outbox publisher parameters
	Outbox OutboxConfig

	// Worker holds the pipeline worker parameters
	Worker WorkerConfig

	// HTTP server configuration (ops endpoints)
	HTTP HTTPConfig

	// RedisURL enables the optional duplicate-delivery cache when set
	RedisURL string

	// DemoDelays injects short inter-stage delays for visualization.
	// Production deployments should disable this.
	DemoDelays bool

	// DevMode enables debug logging
	DevMode bool
}

// BackendConfig holds the legacy backend endpoints
type BackendConfig struct {
	CMSURL  string
	ROSURL  string
	WMSHost string
	WMSPort int

	// Timeout bounds every backend call
	Timeout time.Duration
}

// WMSAddr returns the host:port address of the warehouse service
func (b BackendConfig) WMSAddr() string {
	return fmt.Sprintf("%s:%d", b.WMSHost, b.WMSPort)
}

// FacadeConfig holds the intake facade internal endpoints
type FacadeConfig struct {
	// BaseURL is the facade base, e.g. "http://api-gateway:8000"
	BaseURL string

	// PushTimeout bounds status and driver-notify pushes
	PushTimeout time.Duration
}

// RetryConfig holds the retry budget and backoff parameters
type RetryConfig struct {
	// MaxRetries is the retry budget before a message is dead-lettered
	MaxRetries int

	// BaseTTL is the delay applied on the first retry hop
	BaseTTL time.Duration

	// MaxTTL caps the per-message retry delay
	MaxTTL time.Duration
}

// OutboxConfig holds the outbox publisher parameters
type OutboxConfig struct {
	// BatchSize is the maximum rows claimed per iteration
	BatchSize int

	// PollInterval is the sleep applied when the outbox is empty
	PollInterval time.Duration

	// RatePerSec caps broker publishes per second (0 = unlimited)
	RatePerSec int
}

// WorkerConfig holds the pipeline worker parameters
type WorkerConfig struct {
	// Count is the number of concurrent workers, each with its own
	// broker connection and prefetch of one
	Count int

	// ReconnectDelay is the pause before rebuilding a failed broker
	// connection
	ReconnectDelay time.Duration
}

// HTTPConfig holds the ops HTTP server configuration
type HTTPConfig struct {
	Port int
}

// Load loads configuration from environment variables.
// DATABASE_URL, RABBIT_URL, CMS_URL, ROS_URL and WMS_HOST are required;
// everything else has defaults.
func Load() (*Config, error) {
	cfg := &Config{
		DatabaseURL: os.Getenv("DATABASE_URL"),
		RabbitURL:   os.Getenv("RABBIT_URL"),

		Backends: BackendConfig{
			CMSURL:  os.Getenv("CMS_URL"),
			ROSURL:  os.Getenv("ROS_URL"),
			WMSHost: os.Getenv("WMS_HOST"),
			WMSPort: getEnvInt("WMS_PORT", 9200),
			Timeout: getEnvDuration("BACKEND_TIMEOUT", 5*time.Second),
		},

		Facade: FacadeConfig{
			BaseURL:     getEnv("FACADE_URL", "http://api-gateway:8000"),
			PushTimeout: getEnvDuration("FACADE_PUSH_TIMEOUT", 3*time.Second),
		},

		Retry: RetryConfig{
			MaxRetries: getEnvInt("MAX_RETRIES", 5),
			BaseTTL:    time.Duration(getEnvInt("BASE_RETRY_TTL_MS", 2000)) * time.Millisecond,
			MaxTTL:     time.Duration(getEnvInt("MAX_RETRY_TTL_MS", 60000)) * time.Millisecond,
		},

		Outbox: OutboxConfig{
			BatchSize:    getEnvInt("OUTBOX_BATCH_SIZE", 50),
			PollInterval: getEnvDuration("OUTBOX_POLL_INTERVAL", time.Second),
			RatePerSec:   getEnvInt("PUBLISH_RATE_PER_SEC", 0),
		},

		Worker: WorkerConfig{
			Count:          getEnvInt("WORKER_COUNT", 1),
			ReconnectDelay: getEnvDuration("WORKER_RECONNECT_DELAY", 2*time.Second),
		},

		HTTP: HTTPConfig{
			Port: getEnvInt("HTTP_PORT", 8081),
		},

		RedisURL:   os.Getenv("REDIS_URL"),
		DemoDelays: getEnvBool("DEMO_DELAYS", true),
		DevMode:    getEnvBool("ORDERFLOW_DEV", false),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that required settings are present and sane
func (c *Config) Validate() error {
	var missing []string
	if c.DatabaseURL == "" {
		missing = append(missing, "DATABASE_URL")
	}
	if c.RabbitURL == "" {
		missing = append(missing, "RABBIT_URL")
	}
	if c.Backends.CMSURL == "" {
		missing = append(missing, "CMS_URL")
	}
	if c.Backends.ROSURL == "" {
		missing = append(missing, "ROS_URL")
	}
	if c.Backends.WMSHost == "" {
		missing = append(missing, "WMS_HOST")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required configuration: %s", strings.Join(missing, ", "))
	}

	if c.Retry.MaxRetries < 0 {
		return fmt.Errorf("MAX_RETRIES must be >= 0, got %d", c.Retry.MaxRetries)
	}
	if c.Retry.BaseTTL <= 0 || c.Retry.MaxTTL <= 0 {
		return fmt.Errorf("retry TTLs must be positive")
	}
	if c.Outbox.BatchSize <= 0 {
		return fmt.Errorf("OUTBOX_BATCH_SIZE must be > 0, got %d", c.Outbox.BatchSize)
	}
	if c.Worker.Count <= 0 {
		return fmt.Errorf("WORKER_COUNT must be > 0, got %d", c.Worker.Count)
	}
	return nil
}

// getEnv returns an environment variable or a default value
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt returns an environment variable as int or a default value
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns an environment variable as bool or a default value
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		switch strings.ToLower(value) {
		case "1", "true", "yes", "y", "on":
			return true
		case "0", "false", "no", "n", "off":
			return false
		}
	}
	return defaultValue
}

// getEnvDuration returns an environment variable as duration or a default value
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

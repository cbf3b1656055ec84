package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// TOMLConfig represents the optional configuration file structure.
// Values present in the file override the environment-derived config;
// absent values leave it untouched.
type TOMLConfig struct {
	DatabaseURL string          `toml:"database_url"`
	RabbitURL   string          `toml:"rabbit_url"`
	RedisURL    string          `toml:"redis_url"`
	Backends    TOMLBackends    `toml:"backends"`
	Facade      TOMLFacade      `toml:"facade"`
	Retry       TOMLRetry       `toml:"retry"`
	Outbox      TOMLOutbox      `toml:"outbox"`
	Worker      TOMLWorker      `toml:"worker"`
	HTTP        TOMLHTTP        `toml:"http"`
	DemoDelays  *bool           `toml:"demo_delays"`
	DevMode     *bool           `toml:"dev_mode"`
}

// TOMLBackends represents backend endpoints in TOML
type TOMLBackends struct {
	CMSURL  string `toml:"cms_url"`
	ROSURL  string `toml:"ros_url"`
	WMSHost string `toml:"wms_host"`
	WMSPort int    `toml:"wms_port"`
	Timeout string `toml:"timeout"`
}

// TOMLFacade represents facade push settings in TOML
type TOMLFacade struct {
	BaseURL     string `toml:"base_url"`
	PushTimeout string `toml:"push_timeout"`
}

// TOMLRetry represents retry settings in TOML
type TOMLRetry struct {
	MaxRetries *int `toml:"max_retries"`
	BaseTTLMS  *int `toml:"base_ttl_ms"`
	MaxTTLMS   *int `toml:"max_ttl_ms"`
}

// TOMLOutbox represents outbox publisher settings in TOML
type TOMLOutbox struct {
	BatchSize    *int   `toml:"batch_size"`
	PollInterval string `toml:"poll_interval"`
	RatePerSec   *int   `toml:"rate_per_sec"`
}

// TOMLWorker represents worker settings in TOML
type TOMLWorker struct {
	Count          *int   `toml:"count"`
	ReconnectDelay string `toml:"reconnect_delay"`
}

// TOMLHTTP represents the ops server settings in TOML
type TOMLHTTP struct {
	Port *int `toml:"port"`
}

// LoadWithFile loads configuration from the environment and, when path
// is non-empty and the file exists, overlays values from the TOML file.
func LoadWithFile(path string) (*Config, error) {
	cfg, err := loadEnv()
	if err != nil {
		return nil, err
	}

	if path != "" {
		if _, statErr := os.Stat(path); statErr == nil {
			if err := applyFile(path, cfg); err != nil {
				return nil, err
			}
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadEnv builds the config from the environment without validating,
// so file overlays can still supply required values.
func loadEnv() (*Config, error) {
	cfg, err := Load()
	if err == nil {
		return cfg, nil
	}
	// Load validates; rebuild without validation for overlay use.
	c := &Config{
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
	return c, nil
}

// applyFile overlays TOML file values onto cfg
func applyFile(path string, cfg *Config) error {
	var fileCfg TOMLConfig
	if _, err := toml.DecodeFile(path, &fileCfg); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	setString(&cfg.DatabaseURL, fileCfg.DatabaseURL)
	setString(&cfg.RabbitURL, fileCfg.RabbitURL)
	setString(&cfg.RedisURL, fileCfg.RedisURL)

	setString(&cfg.Backends.CMSURL, fileCfg.Backends.CMSURL)
	setString(&cfg.Backends.ROSURL, fileCfg.Backends.ROSURL)
	setString(&cfg.Backends.WMSHost, fileCfg.Backends.WMSHost)
	if fileCfg.Backends.WMSPort > 0 {
		cfg.Backends.WMSPort = fileCfg.Backends.WMSPort
	}
	setDuration(&cfg.Backends.Timeout, fileCfg.Backends.Timeout)

	setString(&cfg.Facade.BaseURL, fileCfg.Facade.BaseURL)
	setDuration(&cfg.Facade.PushTimeout, fileCfg.Facade.PushTimeout)

	setInt(&cfg.Retry.MaxRetries, fileCfg.Retry.MaxRetries)
	if fileCfg.Retry.BaseTTLMS != nil {
		cfg.Retry.BaseTTL = time.Duration(*fileCfg.Retry.BaseTTLMS) * time.Millisecond
	}
	if fileCfg.Retry.MaxTTLMS != nil {
		cfg.Retry.MaxTTL = time.Duration(*fileCfg.Retry.MaxTTLMS) * time.Millisecond
	}

	setInt(&cfg.Outbox.BatchSize, fileCfg.Outbox.BatchSize)
	setDuration(&cfg.Outbox.PollInterval, fileCfg.Outbox.PollInterval)
	setInt(&cfg.Outbox.RatePerSec, fileCfg.Outbox.RatePerSec)

	setInt(&cfg.Worker.Count, fileCfg.Worker.Count)
	setDuration(&cfg.Worker.ReconnectDelay, fileCfg.Worker.ReconnectDelay)

	setInt(&cfg.HTTP.Port, fileCfg.HTTP.Port)

	if fileCfg.DemoDelays != nil {
		cfg.DemoDelays = *fileCfg.DemoDelays
	}
	if fileCfg.DevMode != nil {
		cfg.DevMode = *fileCfg.DevMode
	}
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func setInt(dst *int, v *int) {
	if v != nil {
		*dst = *v
	}
}

func setDuration(dst *time.Duration, v string) {
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
	}
}

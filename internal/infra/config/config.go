package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Catalog    CatalogConfig    `yaml:"catalog"`
	Delivery   DeliveryConfig   `yaml:"delivery"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Journal    JournalConfig    `yaml:"journal"`
	Logger     LoggerConfig     `yaml:"logger"`
	Tracer     TracerConfig     `yaml:"tracer"`
}

// ServerConfig holds trigger surface settings.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	RateLimitPerMin int           `yaml:"rate_limit_per_min"`
	RateLimitBurst  int           `yaml:"rate_limit_burst"`
}

// CatalogConfig holds catalog provider settings.
// APIKey may be plaintext or an "enc:" value decrypted via MEADOW_CONFIG_KEY.
type CatalogConfig struct {
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// DeliveryConfig holds delivery provider settings.
type DeliveryConfig struct {
	BaseURL         string               `yaml:"base_url"`
	APIKey          string               `yaml:"api_key"`
	From            string               `yaml:"from"`
	Timeout         time.Duration        `yaml:"timeout"`
	ConnTimeout     time.Duration        `yaml:"conn_timeout"`
	MaxSendsPerHour int                  `yaml:"max_sends_per_hour"`
	Pool            PoolConfig           `yaml:"pool"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for the delivery provider.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for provider clients.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// DispatcherConfig holds run scheduling and retry settings.
type DispatcherConfig struct {
	Workers         int           `yaml:"workers"`
	QueueSize       int           `yaml:"queue_size"`
	MaxAttempts     int           `yaml:"max_attempts"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
	Retention       time.Duration `yaml:"retention"`
	PruneSchedule   string        `yaml:"prune_schedule"` // cron expression
}

// JournalConfig holds run journal settings.
type JournalConfig struct {
	Path string `yaml:"path"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level     string `yaml:"level"`
	Format    string `yaml:"format"`
	Output    string `yaml:"output"`
	AddSource bool   `yaml:"add_source"`
}

// TracerConfig holds tracing settings. SampleRatio below 1 trades trace
// completeness for overhead on busy deployments.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.meadow-notify.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".meadow-notify", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			MaxBodyBytes:    1 << 20, // 1 MiB
			ShutdownTimeout: 10 * time.Second,
			RateLimitPerMin: 100,
			RateLimitBurst:  20,
		},
		Catalog: CatalogConfig{
			BaseURL:     "https://www.omdbapi.com",
			Timeout:     10 * time.Second,
			ConnTimeout: 5 * time.Second,
		},
		Delivery: DeliveryConfig{
			BaseURL:         "https://api.resend.com",
			From:            "send@perr1n.com",
			Timeout:         30 * time.Second,
			ConnTimeout:     5 * time.Second,
			MaxSendsPerHour: 100,
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Dispatcher: DispatcherConfig{
			Workers:         4,
			QueueSize:       256,
			MaxAttempts:     5,
			InitialInterval: time.Second,
			MaxInterval:     time.Minute,
			Retention:       720 * time.Hour,
			PruneSchedule:   "0 * * * *", // hourly
		},
		Journal: JournalConfig{
			Path: filepath.Join(defaultDataDir(), "runs.db"),
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// "enc:" secrets when MEADOW_CONFIG_KEY is set. A missing file is not an
// error; defaults plus env overrides apply.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			ApplyEnvOverrides(cfg)
			if err := Validate(cfg); err != nil {
				return nil, err
			}
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}
	if err := validatePermissions(absPath); err != nil {
		return nil, err
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv("MEADOW_CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps MEADOW_* env vars to config fields. The provider
// credentials additionally honor the bare OMDB_API_KEY and RESEND_API_KEY
// names used in deployment environments.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("MEADOW_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("MEADOW_SERVER_RATE_LIMIT_PER_MIN"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Server.RateLimitPerMin = n
		}
	}
	if v := os.Getenv("MEADOW_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("MEADOW_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("MEADOW_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("MEADOW_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("MEADOW_TRACER_SAMPLE_RATIO"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f >= 0 && f <= 1 {
			cfg.Tracer.SampleRatio = f
		}
	}

	if v := os.Getenv("MEADOW_CATALOG_BASE_URL"); v != "" {
		cfg.Catalog.BaseURL = v
	}
	if v := os.Getenv("MEADOW_CATALOG_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Catalog.Timeout = d
		}
	}
	if v := firstEnv("MEADOW_OMDB_API_KEY", "OMDB_API_KEY"); v != "" {
		cfg.Catalog.APIKey = v
	}

	if v := os.Getenv("MEADOW_DELIVERY_BASE_URL"); v != "" {
		cfg.Delivery.BaseURL = v
	}
	if v := os.Getenv("MEADOW_DELIVERY_FROM"); v != "" {
		cfg.Delivery.From = v
	}
	if v := os.Getenv("MEADOW_DELIVERY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Delivery.Timeout = d
		}
	}
	if v := os.Getenv("MEADOW_DELIVERY_MAX_SENDS_PER_HOUR"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Delivery.MaxSendsPerHour = n
		}
	}
	if v := firstEnv("MEADOW_RESEND_API_KEY", "RESEND_API_KEY"); v != "" {
		cfg.Delivery.APIKey = v
	}

	if v := os.Getenv("MEADOW_DISPATCHER_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.Workers = n
		}
	}
	if v := os.Getenv("MEADOW_DISPATCHER_MAX_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Dispatcher.MaxAttempts = n
		}
	}
	if v := os.Getenv("MEADOW_DISPATCHER_RETENTION"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Dispatcher.Retention = d
		}
	}
	if v := os.Getenv("MEADOW_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}
}

func firstEnv(names ...string) string {
	for _, name := range names {
		if v := os.Getenv(name); v != "" {
			return v
		}
	}
	return ""
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o077 > 0o044 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}

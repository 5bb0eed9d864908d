package config

import (
	"fmt"
	"net/mail"
	"net/url"
	"strings"

	"github.com/robfig/cron/v3"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
// Provider credentials are deliberately not checked here: their absence is a
// per-call configuration fault, surfaced with its own error code so it can
// alert separately from a malformed config file.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateServer(cfg, ve)
	validateCatalog(cfg, ve)
	validateDelivery(cfg, ve)
	validateDispatcher(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateServer(cfg *Config, ve *ValidationError) {
	if cfg.Server.Addr == "" {
		ve.Add("server.addr must not be empty")
	}
	if cfg.Server.MaxBodyBytes <= 0 {
		ve.Add("server.max_body_bytes must be > 0")
	}
	if cfg.Server.RateLimitPerMin <= 0 {
		ve.Add("server.rate_limit_per_min must be > 0")
	}
}

func validateCatalog(cfg *Config, ve *ValidationError) {
	if cfg.Catalog.BaseURL == "" {
		ve.Add("catalog.base_url must not be empty")
	} else if _, err := url.Parse(cfg.Catalog.BaseURL); err != nil {
		ve.Add("catalog.base_url is not a valid URL: %v", err)
	}
	if cfg.Catalog.Timeout <= 0 {
		ve.Add("catalog.timeout must be > 0")
	}
}

func validateDelivery(cfg *Config, ve *ValidationError) {
	if cfg.Delivery.BaseURL == "" {
		ve.Add("delivery.base_url must not be empty")
	}
	if cfg.Delivery.From == "" {
		ve.Add("delivery.from must not be empty")
	} else if _, err := mail.ParseAddress(cfg.Delivery.From); err != nil {
		ve.Add("delivery.from is not a valid address: %v", err)
	}
	if cfg.Delivery.Timeout <= 0 {
		ve.Add("delivery.timeout must be > 0")
	}
	if cfg.Delivery.MaxSendsPerHour <= 0 {
		ve.Add("delivery.max_sends_per_hour must be > 0")
	}
}

func validateDispatcher(cfg *Config, ve *ValidationError) {
	if cfg.Dispatcher.Workers <= 0 {
		ve.Add("dispatcher.workers must be > 0")
	}
	if cfg.Dispatcher.QueueSize <= 0 {
		ve.Add("dispatcher.queue_size must be > 0")
	}
	if cfg.Dispatcher.MaxAttempts <= 0 {
		ve.Add("dispatcher.max_attempts must be > 0")
	}
	if cfg.Dispatcher.Retention <= 0 {
		ve.Add("dispatcher.retention must be > 0")
	}
	if cfg.Dispatcher.PruneSchedule != "" {
		if _, err := cron.ParseStandard(cfg.Dispatcher.PruneSchedule); err != nil {
			ve.Add("dispatcher.prune_schedule is not a valid cron expression: %v", err)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is not one of debug, info, warn, error", cfg.Logger.Level)
	}
	switch strings.ToLower(cfg.Logger.Format) {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is not one of text, json", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}

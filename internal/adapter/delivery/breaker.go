package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"

	"meadow-notify/internal/domain"
	"meadow-notify/internal/infra/config"
)

// Default circuit breaker settings.
const (
	defaultCBMaxFailures uint32        = 5
	defaultCBTimeout     time.Duration = 30 * time.Second
	defaultCBInterval    time.Duration = 60 * time.Second
)

// CircuitBreakerProvider wraps a DeliveryProvider with circuit breaker
// protection. When the provider fails repeatedly, the circuit opens and
// subsequent sends fail fast without reaching the provider, preventing retry
// storms against a degraded email API.
type CircuitBreakerProvider struct {
	inner   domain.DeliveryProvider
	breaker *gobreaker.CircuitBreaker[*domain.DeliveryReceipt]
	logger  *slog.Logger
}

// NewCircuitBreakerProvider wraps inner with a circuit breaker.
// Zero-valued config fields fall back to defaults.
func NewCircuitBreakerProvider(inner domain.DeliveryProvider, cfg config.CircuitBreakerConfig, logger *slog.Logger) *CircuitBreakerProvider {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = defaultCBMaxFailures
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = defaultCBTimeout
	}
	interval := cfg.Interval
	if interval == 0 {
		interval = defaultCBInterval
	}

	cb := gobreaker.NewCircuitBreaker[*domain.DeliveryReceipt](gobreaker.Settings{
		Name:        "delivery:resend",
		MaxRequests: 1, // allow 1 probe in half-open state
		Interval:    interval,
		Timeout:     timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			// Client-caused failures say nothing about provider health.
			return err == nil || !domain.IsRetryable(err)
		},
	})

	return &CircuitBreakerProvider{
		inner:   inner,
		breaker: cb,
		logger:  logger,
	}
}

// SendSummary implements domain.DeliveryProvider. Calls are routed through
// the circuit breaker; an open circuit surfaces as a retryable dispatch
// failure.
func (p *CircuitBreakerProvider) SendSummary(ctx context.Context, movie domain.MovieRecord, email string) (*domain.DeliveryReceipt, error) {
	receipt, err := p.breaker.Execute(func() (*domain.DeliveryReceipt, error) {
		return p.inner.SendSummary(ctx, movie, email)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, domain.NewDomainError("delivery.breaker", domain.ErrDispatchFailed,
				fmt.Sprintf("delivery circuit open: %v", err))
		}
		return nil, err
	}
	return receipt, nil
}

// State returns the current circuit breaker state for monitoring.
func (p *CircuitBreakerProvider) State() gobreaker.State {
	return p.breaker.State()
}

var _ domain.DeliveryProvider = (*CircuitBreakerProvider)(nil)

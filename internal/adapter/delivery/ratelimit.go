package delivery

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"meadow-notify/internal/domain"
)

// RateLimitedProvider caps outbound sends with a token bucket so a burst of
// runs cannot blow through the email provider's quota. A denied send fails
// with a retryable error; the dispatcher's backoff absorbs the wait.
type RateLimitedProvider struct {
	inner   domain.DeliveryProvider
	limiter *rate.Limiter
	logger  *slog.Logger
}

// NewRateLimitedProvider wraps inner with a sends-per-hour cap.
// maxPerHour <= 0 disables the cap.
func NewRateLimitedProvider(inner domain.DeliveryProvider, maxPerHour int, logger *slog.Logger) *RateLimitedProvider {
	var limiter *rate.Limiter
	if maxPerHour > 0 {
		burst := maxPerHour / 10
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(maxPerHour)/rate.Limit(time.Hour.Seconds()), burst)
	}
	return &RateLimitedProvider{
		inner:   inner,
		limiter: limiter,
		logger:  logger,
	}
}

// SendSummary implements domain.DeliveryProvider.
func (p *RateLimitedProvider) SendSummary(ctx context.Context, movie domain.MovieRecord, email string) (*domain.DeliveryReceipt, error) {
	if p.limiter != nil && !p.limiter.Allow() {
		p.logger.Warn("send rate cap hit", "to", email)
		return nil, domain.NewDomainError("delivery.ratelimit", domain.ErrSendRateHit,
			"hourly send cap reached")
	}
	return p.inner.SendSummary(ctx, movie, email)
}

var _ domain.DeliveryProvider = (*RateLimitedProvider)(nil)

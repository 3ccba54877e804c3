package providers

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/cloudwx/weather-collector/internal/weather"
)

// RateLimitedProvider wraps a Provider with a token-bucket limiter so the
// collector stays inside a provider's request quota.
type RateLimitedProvider struct {
	provider weather.Provider
	limiter  *rate.Limiter
}

// NewRateLimitedProvider creates a rate-limited provider. rps may be
// fractional for quotas below one request per second.
func NewRateLimitedProvider(provider weather.Provider, rps float64, burst int) *RateLimitedProvider {
	return &RateLimitedProvider{
		provider: provider,
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimitedProvider) Name() string {
	return r.provider.Name()
}

// Fetch waits for limiter permission, then forwards to the wrapped provider.
// The wait respects context cancellation.
func (r *RateLimitedProvider) Fetch(ctx context.Context, location string) (weather.Record, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return weather.Record{}, fmt.Errorf("rate limit wait canceled: %w", err)
	}
	return r.provider.Fetch(ctx, location)
}

var _ weather.Provider = (*RateLimitedProvider)(nil)

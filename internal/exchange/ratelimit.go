package exchange

import (
	"context"

	"trinity/pkg/ratelimit"
)

// venueLimiter paces outbound REST calls per adapter instance according
// to the exchanges.<name>.rate_limit_ms config setting. Embedded into
// every adapter. SetRateLimit is a no-op until called, so adapters
// built without it (tests, or a venue the operator leaves unconfigured)
// stay unthrottled.
type venueLimiter struct {
	limiter *ratelimit.RateLimiter
}

// SetRateLimit configures roughly one request every intervalMs, with a
// small burst so an adapter's warmup/instrument-spec fan-out doesn't
// stall on the first few calls.
func (v *venueLimiter) SetRateLimit(intervalMs int) {
	if intervalMs <= 0 {
		v.limiter = nil
		return
	}
	rate := 1000.0 / float64(intervalMs)
	v.limiter = ratelimit.NewRateLimiter(rate, 5)
}

func (v *venueLimiter) wait(ctx context.Context) error {
	if v.limiter == nil {
		return nil
	}
	return v.limiter.Wait(ctx)
}

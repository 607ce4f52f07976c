package billing

import (
	"log/slog"
	"math"
	"net/http"
	"strconv"

	"github.com/dmitrymomot/memberbridge/handler"
	"github.com/dmitrymomot/memberbridge/pkg/clientip"
	"github.com/dmitrymomot/memberbridge/pkg/logger"
	"github.com/dmitrymomot/memberbridge/pkg/ratelimiter"
)

var errRateLimited = handler.NewHTTPError(http.StatusTooManyRequests, "rate_limited")

// rateLimit admits a call when the caller's bucket for scope has a token left.
// A failing limiter admits the call: losing the limiter must not stop checkouts.
func rateLimit[R any](l ratelimiter.Limiter, scope string, log *slog.Logger) handler.Decorator[handler.Context, R] {
	return func(next handler.HandlerFunc[handler.Context, R]) handler.HandlerFunc[handler.Context, R] {
		if l == nil {
			return next
		}
		return func(ctx handler.Context, req R) handler.Response {
			ip := clientip.FromContext(ctx)
			if ip == "" {
				return next(ctx, req)
			}

			res, err := l.Allow(ctx, scope+":"+ip)
			if err != nil {
				log.WarnContext(ctx, "rate limiter unavailable, admitting request", logger.Error(err))
				return next(ctx, req)
			}

			h := ctx.ResponseWriter().Header()
			h.Set("X-RateLimit-Limit", strconv.Itoa(res.Limit))
			h.Set("X-RateLimit-Remaining", strconv.Itoa(max(res.Remaining, 0)))
			if res.Allowed() {
				return next(ctx, req)
			}

			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(res.RetryAfter().Seconds()))))
			return fail(errRateLimited)
		}
	}
}

package middleware

import (
	"fmt"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"golang.org/x/time/rate"

	"otoroshi-sidecar/internal/config"
)

// RateLimiter returns a per-IP token bucket limiter. Denied requests get a
// 429 through the central error handler.
func RateLimiter(cfg config.RateLimitConfig) echo.MiddlewareFunc {
	store := echomw.NewRateLimiterMemoryStore(rate.Limit(cfg.RequestsPerSecond))
	return echomw.RateLimiter(store)
}

// BodyLimit caps inbound bodies at maxBytes. A declared Content-Length over
// the cap is rejected up front; a streamed body fails mid-read with 413.
func BodyLimit(maxBytes int64) echo.MiddlewareFunc {
	return echomw.BodyLimit(fmt.Sprintf("%dB", maxBytes))
}

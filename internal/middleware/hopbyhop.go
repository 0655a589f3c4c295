package middleware

import (
	"github.com/labstack/echo/v4"

	"otoroshi-sidecar/internal/model"
)

// StripHopByHop returns an Echo middleware that removes hop-by-hop headers
// from the inbound request before it is relayed. The body framing decision
// reads Request.TransferEncoding, which is unaffected.
func StripHopByHop() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			model.StripHopByHop(c.Request().Header)
			return next(c)
		}
	}
}

package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"otoroshi-sidecar/internal/model"
)

// writeError sends pe as the whole response. A response that is already
// committed cannot carry it; that case and write failures are logged only.
func writeError(c echo.Context, pe *model.ProxyError, logger *slog.Logger) {
	res := c.Response()
	if res.Committed {
		logger.Warn("could not send error response: already committed",
			"status", pe.Status,
			"body", string(pe.Body),
		)
		return
	}
	res.Header().Set(echo.HeaderContentType, pe.ContentType)
	res.WriteHeader(pe.Status)
	if _, err := res.Write(pe.Body); err != nil {
		logger.Error("could not send error response", "err", err, "status", pe.Status)
	}
}

// HTTPErrorHandler renders errors escaping the middleware chain (router 404s,
// rate limiting, body limits, recovered panics) in the proxy's JSON shape.
func HTTPErrorHandler(logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		var pe *model.ProxyError
		if !errors.As(err, &pe) {
			code := http.StatusInternalServerError
			msg := http.StatusText(code)
			var he *echo.HTTPError
			if errors.As(err, &he) {
				code = he.Code
				msg = http.StatusText(code)
				if m, ok := he.Message.(string); ok && m != "" {
					msg = m
				}
			} else {
				logger.Error("unhandled error", "err", err, "path", c.Request().URL.Path)
			}
			pe = model.NewJSONError(code, msg)
		}
		writeError(c, pe, logger)
	}
}

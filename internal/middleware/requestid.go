package middleware

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
)

const requestIDKey = "request_id"

// RequestID assigns every request a fresh random UUID for log correlation.
// Inbound X-Request-Id headers are ignored and relayed untouched, and the id
// is never added to the response.
func RequestID() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Set(requestIDKey, uuid.NewString())
			return next(c)
		}
	}
}

// GetRequestID returns the id assigned by RequestID, or "" without it.
func GetRequestID(c echo.Context) string {
	id, _ := c.Get(requestIDKey).(string)
	return id
}

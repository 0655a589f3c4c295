package handler

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"otoroshi-sidecar/internal/config"
	"otoroshi-sidecar/internal/metrics"
)

// RegisterProxyRoutes hands every request of e to proxy, whatever its path
// or method, bypassing the router. It ends the Pre chain, so the proxy
// listener's middleware has to be registered with e.Pre before this call.
func RegisterProxyRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Pre(func(echo.HandlerFunc) echo.HandlerFunc {
		return proxy.Handle
	})
}

// RegisterAdminRoutes wires health, status and, when enabled, metrics onto
// the admin instance.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, cfg *config.Config, m *metrics.Metrics) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)

	if cfg.Metrics.Enabled {
		e.GET(cfg.Metrics.Path, echo.WrapHandler(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	}
}

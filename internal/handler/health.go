package handler

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"otoroshi-sidecar/internal/config"
	"otoroshi-sidecar/internal/proxyctx"
	"otoroshi-sidecar/internal/service"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	cfg      *config.Config
	provider proxyctx.Provider
	version  Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, provider proxyctx.Provider, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, provider: provider, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	var directions []string
	if h.cfg.Internal.IsEnabled() {
		directions = append(directions, service.Internal)
	}
	if h.cfg.External.IsEnabled() {
		directions = append(directions, service.External)
	}

	body := map[string]string{
		"status":     "ok",
		"version":    string(h.version),
		"directions": strings.Join(directions, ","),
	}
	if pc := h.provider.Current(); pc != nil {
		body["otoroshi_domain"] = pc.OtoroshiDomain
		if pc.OtoroshiHost != "" {
			body["gateway"] = net.JoinHostPort(pc.OtoroshiHost, strconv.Itoa(pc.OtoroshiPort))
		}
		if pc.LocalPort > 0 {
			body["local_port"] = strconv.Itoa(pc.LocalPort)
		}
		if !pc.LoadedAt.IsZero() {
			body["context_loaded_at"] = pc.LoadedAt.UTC().Format(time.RFC3339)
		}
	}
	return c.JSON(http.StatusOK, body)
}

package handler

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"

	"otoroshi-sidecar/internal/config"
	"otoroshi-sidecar/internal/metrics"
	"otoroshi-sidecar/internal/proxyctx"
)

func TestRegisterAdminRoutes_Wiring(t *testing.T) {
	cfg := &config.Config{
		Admin:   config.AdminConfig{Enabled: true},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/metrics"},
	}
	health := NewHealthHandler(cfg, proxyctx.Static(baseContext()), "test")

	e := echo.New()
	e.HTTPErrorHandler = HTTPErrorHandler(discardLogger())
	RegisterAdminRoutes(e, health, cfg, metrics.New())

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
	}{
		{"GET /healthz", http.MethodGet, "/healthz", http.StatusOK},
		{"GET /proxy/status", http.MethodGet, "/proxy/status", http.StatusOK},
		{"GET /metrics", http.MethodGet, "/metrics", http.StatusOK},
		{"GET /unknown returns 404", http.MethodGet, "/unknown", http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, tt.path, http.NoBody)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}
}

func TestRegisterAdminRoutes_MetricsExposition(t *testing.T) {
	cfg := &config.Config{
		Admin:   config.AdminConfig{Enabled: true},
		Metrics: config.MetricsConfig{Enabled: true, Path: "/internal/metrics"},
	}
	m := metrics.New()
	m.ContextReloads.WithLabelValues("success").Inc()

	e := echo.New()
	RegisterAdminRoutes(e, NewHealthHandler(cfg, proxyctx.Static(nil), "test"), cfg, m)

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/internal/metrics", http.NoBody))

	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `otoroshi_sidecar_context_reloads_total{result="success"} 1`) {
		t.Errorf("metrics output missing context reload counter:\n%s", body)
	}
}

func TestRegisterAdminRoutes_MetricsDisabled(t *testing.T) {
	cfg := &config.Config{Metrics: config.MetricsConfig{Path: "/metrics"}}

	e := echo.New()
	RegisterAdminRoutes(e, NewHealthHandler(cfg, proxyctx.Static(nil), "test"), cfg, metrics.New())

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", http.NoBody))
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestRegisterProxyRoutes_CatchAll(t *testing.T) {
	h := newHandlers(baseContext())

	e := echo.New()
	RegisterProxyRoutes(e, h.External)

	// Requests without a local socket address pass the external origin
	// check and stop at token extraction.
	for _, tt := range []struct{ method, path string }{
		{http.MethodGet, "/"},
		{http.MethodGet, "/deep/nested/path?q=1"},
		{http.MethodPost, "/submit"},
		{http.MethodDelete, "/items/7"},
		{http.MethodPatch, "/items/7"},
		{"PURGE", "/cache/item"},
		{"MKCOL", "/dav/folder"},
		{"LOCK", "/dav/file"},
	} {
		t.Run(tt.method+" "+tt.path, func(t *testing.T) {
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, httptest.NewRequest(tt.method, tt.path, http.NoBody))
			if rec.Code != http.StatusBadRequest || rec.Body.String() != `{"error":"no tokens"}` {
				t.Errorf("response = %d %s, want 400 no tokens", rec.Code, rec.Body.String())
			}
		})
	}
}

func TestRegisterProxyRoutes_RunsPreChain(t *testing.T) {
	h := newHandlers(baseContext())

	e := echo.New()
	var seen []string
	e.Pre(func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			seen = append(seen, c.Request().Method)
			return next(c)
		}
	})
	RegisterProxyRoutes(e, h.External)

	for _, method := range []string{http.MethodGet, "PURGE"} {
		e.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(method, "/", http.NoBody))
	}
	if strings.Join(seen, ",") != "GET,PURGE" {
		t.Errorf("middleware saw %v, want [GET PURGE]", seen)
	}
}

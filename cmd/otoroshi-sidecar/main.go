package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"go.uber.org/fx"

	"otoroshi-sidecar/internal/client"
	"otoroshi-sidecar/internal/config"
	"otoroshi-sidecar/internal/handler"
	"otoroshi-sidecar/internal/listener"
	"otoroshi-sidecar/internal/metrics"
	"otoroshi-sidecar/internal/middleware"
	"otoroshi-sidecar/internal/proxyctx"
	"otoroshi-sidecar/internal/service"
	"otoroshi-sidecar/internal/token"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	var cli config.CLI
	kong.Parse(&cli,
		kong.Name("otoroshi-sidecar"),
		kong.Description("Sidecar proxy between a local application and an Otoroshi gateway."),
		kong.Vars{"version": fmt.Sprintf("%s (%s, %s)", version, commit, date)},
	)

	fx.New(
		fx.Provide(
			func() *config.CLI { return &cli },
			func() handler.Version { return handler.Version(version) },
			config.Load,
			newLogger,
			metrics.New,
			newContextProvider,
			func(p *proxyctx.FileProvider) proxyctx.Provider { return p },
			token.NewVerifier,
			client.NewUpstreamClient,
			service.NewInternalService,
			service.NewExternalService,
			handler.NewProxyHandlers,
			handler.NewHealthHandler,
			newServers,
		),
		fx.Invoke(warnConfigPermissions, startListeners),
	).Run()
}

func newLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Log.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	var h slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		h = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(h)
}

// newContextProvider loads the proxy context and ties its watcher to the
// application lifecycle.
func newContextProvider(lc fx.Lifecycle, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*proxyctx.FileProvider, error) {
	p, err := proxyctx.NewFileProvider(cfg.Context.Path, proxyctx.Directions{
		Internal: cfg.Internal.IsEnabled(),
		External: cfg.External.IsEnabled(),
	}, logger, m)
	if err != nil {
		return nil, err
	}

	lc.Append(fx.Hook{
		OnStart: func(_ context.Context) error {
			if !cfg.Context.Watch {
				return nil
			}
			return p.Watch()
		},
		OnStop: func(_ context.Context) error {
			return p.Close()
		},
	})
	return p, nil
}

// servers holds one Echo instance per listener. Admin is nil when disabled.
type servers struct {
	Internal *echo.Echo
	External *echo.Echo
	Admin    *echo.Echo
}

func newServers(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics, proxies *handler.ProxyHandlers, health *handler.HealthHandler) *servers {
	s := &servers{
		Internal: newProxyEcho(service.Internal, &cfg.Internal, logger, m),
		External: newProxyEcho(service.External, &cfg.External, logger, m),
	}
	handler.RegisterProxyRoutes(s.Internal, proxies.Internal)
	handler.RegisterProxyRoutes(s.External, proxies.External)

	if cfg.Admin.Enabled {
		s.Admin = newAdminEcho(logger)
		handler.RegisterAdminRoutes(s.Admin, health, cfg, m)
	}
	return s
}

func newEcho(logger *slog.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = handler.HTTPErrorHandler(logger)
	return e
}

func newAdminEcho(logger *slog.Logger) *echo.Echo {
	e := newEcho(logger)
	e.Use(echomw.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger(logger, "admin"))
	return e
}

// newProxyEcho registers the proxy chain as Pre middleware: proxy listeners
// skip the router so that every method reaches the handler.
func newProxyEcho(direction string, lc *config.ListenerConfig, logger *slog.Logger, m *metrics.Metrics) *echo.Echo {
	e := newEcho(logger)
	e.Pre(
		echomw.Recover(),
		middleware.RequestID(),
		middleware.RequestLogger(logger, direction),
		middleware.MetricsMiddleware(m, direction),
		middleware.StripHopByHop(),
	)

	if lc.BodyMaxBytes > 0 {
		e.Pre(middleware.BodyLimit(lc.BodyMaxBytes))
	}
	if lc.RateLimit.Enabled {
		e.Pre(middleware.RateLimiter(lc.RateLimit))
		logger.Info("rate limiter enabled", "direction", direction, "rps", lc.RateLimit.RequestsPerSecond)
	}
	return e
}

func warnConfigPermissions(cfg *config.Config, logger *slog.Logger) {
	cfg.WarnPermissions(logger)
}

// externalTLS resolves the served certificate and client CA pool from the
// current context snapshot on every handshake.
func externalTLS(cfg *config.Config, provider proxyctx.Provider) *tls.Config {
	required := cfg.External.ClientCertRequired()
	return &tls.Config{
		MinVersion: tls.VersionTLS12,
		GetConfigForClient: func(*tls.ClientHelloInfo) (*tls.Config, error) {
			pc := provider.Current()
			if pc == nil {
				return nil, errors.New("no proxy context loaded")
			}
			return pc.BackendTLSConfig(required), nil
		},
	}
}

func internalTLS(cfg *config.Config) (*tls.Config, error) {
	if !cfg.Internal.HasTLS() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(cfg.Internal.TLSCertFile, cfg.Internal.TLSKeyFile)
	if err != nil {
		return nil, fmt.Errorf("internal listener: load key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

func startListeners(lc fx.Lifecycle, cfg *config.Config, s *servers, provider proxyctx.Provider, logger *slog.Logger) error {
	type binding struct {
		l    *listener.Listener
		host string
		port int
	}
	var bindings []binding

	if cfg.Internal.IsEnabled() {
		tlsConfig, err := internalTLS(cfg)
		if err != nil {
			return err
		}
		bindings = append(bindings, binding{
			l:    listener.New(service.InternalLabel, tlsConfig, s.Internal, logger),
			host: cfg.Internal.Host,
			port: cfg.Internal.Port,
		})
	}
	if cfg.External.IsEnabled() {
		bindings = append(bindings, binding{
			l:    listener.New(service.ExternalLabel, externalTLS(cfg, provider), s.External, logger),
			host: cfg.External.Host,
			port: cfg.External.Port,
		})
	}
	if s.Admin != nil {
		bindings = append(bindings, binding{
			l:    listener.New("admin", nil, s.Admin, logger),
			host: cfg.Admin.Host,
			port: cfg.Admin.Port,
		})
	}

	for _, b := range bindings {
		lc.Append(fx.Hook{
			OnStart: func(_ context.Context) error {
				return b.l.Listen(b.host, b.port)
			},
			OnStop: func(ctx context.Context) error {
				return b.l.Shutdown(ctx)
			},
		})
	}
	logger.Info("otoroshi sidecar configured",
		"version", version,
		"internal", cfg.Internal.IsEnabled(),
		"external", cfg.External.IsEnabled(),
		"admin", cfg.Admin.Enabled,
	)
	return nil
}

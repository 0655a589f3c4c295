package handler

import (
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"otoroshi-sidecar/internal/middleware"
	"otoroshi-sidecar/internal/model"
	"otoroshi-sidecar/internal/proxyctx"
	"otoroshi-sidecar/internal/relay"
	"otoroshi-sidecar/internal/service"
)

var errNoContext = errors.New("no proxy context loaded")

// ProxyHandler forwards every request of one direction and streams the
// response back.
type ProxyHandler struct {
	dir      service.Direction
	provider proxyctx.Provider
	logger   *slog.Logger
}

// NewProxyHandler creates a ProxyHandler for dir.
func NewProxyHandler(dir service.Direction, provider proxyctx.Provider, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		dir:      dir,
		provider: provider,
		logger:   logger.With("component", "proxy_handler", "direction", dir.Name()),
	}
}

// ProxyHandlers holds the handler of each direction.
type ProxyHandlers struct {
	Internal *ProxyHandler
	External *ProxyHandler
}

// NewProxyHandlers creates the handlers of both directions over one context
// provider.
func NewProxyHandlers(internal *service.InternalService, external *service.ExternalService, provider proxyctx.Provider, logger *slog.Logger) *ProxyHandlers {
	return &ProxyHandlers{
		Internal: NewProxyHandler(internal, provider, logger),
		External: NewProxyHandler(external, provider, logger),
	}
}

// Handle runs admission against a fresh context snapshot, relays the request
// body upstream and streams the upstream response back.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	in := inboundRequest(c)

	pc := h.provider.Current()
	if pc == nil {
		writeError(c, h.dir.MapForwardError(errNoContext), h.logger)
		return nil
	}

	prepared, err := h.dir.Prepare(in, pc)
	if err != nil {
		writeError(c, h.dir.MapForwardError(err), h.logger)
		return nil
	}

	h.logger.Info("forwarding request",
		"request_id", in.RequestID,
		"proto", req.Proto,
		"method", req.Method,
		"url", c.Scheme()+"://"+in.HostName()+in.RequestURI,
	)

	pr := prepared.Request
	var body *relay.BodyRelay
	if relay.ShouldStream(req.ContentLength, req.TransferEncoding) {
		rc := http.NewResponseController(c.Response())
		// The upstream may answer before the inbound body ends; the body must
		// stay readable while the response is written.
		if err := rc.EnableFullDuplex(); err != nil {
			h.logger.Debug("full duplex unavailable", "request_id", in.RequestID, "err", err)
		}
		body = relay.NewBodyRelay(req.Context(), req.Body, func() {
			_ = rc.SetReadDeadline(time.Now())
		})
		defer func() { _ = body.Close() }()
		pr.Body = body.Body()
	} else {
		pr.Body = nil
		pr.ContentLength = 0
	}

	resp, err := h.dir.Forward(req.Context(), pr)
	if err != nil {
		if body != nil {
			if rerr := body.Err(); rerr != nil && !errors.Is(rerr, relay.ErrRelayClosed) {
				err = errors.Join(err, rerr)
			}
		}
		h.logger.Error("error while forwarding request",
			"request_id", in.RequestID,
			"err", err,
		)
		writeError(c, h.dir.MapForwardError(err), h.logger)
		return nil
	}
	defer func() { _ = resp.Body.Close() }()

	header := c.Response().Header()
	for key, vals := range resp.Header {
		header[key] = vals
	}
	model.StripHopByHop(header)
	for key, vals := range prepared.ResponseHeader {
		header[key] = vals
	}
	c.Response().WriteHeader(resp.StatusCode)

	// Status and headers are already sent, so a failure here can only
	// truncate the body.
	if err := relay.StreamResponse(req.Context(), c.Response(), resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"request_id", in.RequestID,
			"err", err,
		)
	}
	return nil
}

func inboundRequest(c echo.Context) *model.InboundRequest {
	req := c.Request()

	var local string
	if addr, ok := req.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		local = addr.String()
	}
	// Absolute-form targets are reduced to path and query.
	uri := req.RequestURI
	if !strings.HasPrefix(uri, "/") {
		uri = req.URL.RequestURI()
	}

	return &model.InboundRequest{
		RequestID:        middleware.GetRequestID(c),
		Method:           req.Method,
		RequestURI:       uri,
		Host:             req.Host,
		Header:           req.Header,
		ContentLength:    req.ContentLength,
		TransferEncoding: req.TransferEncoding,
		RemoteAddr:       req.RemoteAddr,
		LocalAddr:        local,
		Secure:           req.TLS != nil,
	}
}

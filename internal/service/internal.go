package service

import (
	"log/slog"
	"net/http"
	"strings"

	"otoroshi-sidecar/internal/client"
	"otoroshi-sidecar/internal/config"
	"otoroshi-sidecar/internal/metrics"
	"otoroshi-sidecar/internal/model"
	"otoroshi-sidecar/internal/proxyctx"
)

// Headers injected on the internal direction.
const (
	HeaderClientID     = "Otoroshi-Client-Id"
	HeaderClientSecret = "Otoroshi-Client-Secret"
)

// InternalService forwards calls of the local application to the gateway,
// authenticated with the service's client credentials and certificate.
type InternalService struct {
	proxyService
}

// NewInternalService creates an InternalService.
// The metrics parameter is optional.
func NewInternalService(cfg *config.Config, c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) *InternalService {
	return &InternalService{proxyService{
		name:        Internal,
		errText:     "Internal error",
		errType:     InternalLabel,
		client:      c,
		originCheck: cfg.Internal.OriginCheck,
		logger:      logger.With("component", "internal_service"),
		metrics:     m,
	}}
}

// Prepare admits requests from a loopback socket whose host belongs to the
// gateway domain, and targets the gateway over mutual TLS.
func (s *InternalService) Prepare(in *model.InboundRequest, pc *proxyctx.ProxyContext) (*Prepared, error) {
	if s.originCheck && !isLoopback(in.LocalAddr) {
		s.logger.Warn("rejected non-loopback origin", "local_addr", in.LocalAddr, "request_id", in.RequestID)
		return nil, s.reject("origin", badOrigin())
	}

	host := in.HostName()
	if !strings.Contains(host, pc.OtoroshiDomain) {
		return nil, s.reject("domain", model.NewJSONError(http.StatusBadRequest, "not an otoroshi request"))
	}

	header := in.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	header.Set(HeaderClientID, pc.ClientID)
	header.Set(HeaderClientSecret, pc.ClientSecret)

	return &Prepared{
		Request: &model.ProxyRequest{
			Scheme:        "https",
			TargetHost:    pc.OtoroshiHost,
			TargetPort:    pc.OtoroshiPort,
			Method:        in.Method,
			RequestURI:    in.RequestURI,
			Header:        header,
			HostHeader:    in.Host,
			TLS:           pc.ClientTLSConfig(host),
			ContentLength: in.ContentLength,
		},
	}, nil
}

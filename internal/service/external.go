package service

import (
	"log/slog"
	"net/http"

	"otoroshi-sidecar/internal/client"
	"otoroshi-sidecar/internal/config"
	"otoroshi-sidecar/internal/metrics"
	"otoroshi-sidecar/internal/model"
	"otoroshi-sidecar/internal/proxyctx"
	"otoroshi-sidecar/internal/token"
)

// Token headers exchanged with the gateway on the external direction.
const (
	HeaderState     = "Otoroshi-State"
	HeaderClaim     = "Otoroshi-Claim"
	HeaderStateResp = "Otoroshi-State-Resp"
)

// ExternalService forwards calls of the gateway to the local application
// once their claim and state tokens verify.
type ExternalService struct {
	proxyService
	verifier *token.Verifier
}

// NewExternalService creates an ExternalService.
// The metrics parameter is optional.
func NewExternalService(cfg *config.Config, c *client.UpstreamClient, v *token.Verifier, logger *slog.Logger, m *metrics.Metrics) *ExternalService {
	return &ExternalService{
		proxyService: proxyService{
			name:        External,
			errText:     "EXTERNAL error",
			errType:     ExternalLabel,
			client:      c,
			originCheck: cfg.External.OriginCheck,
			logger:      logger.With("component", "external_service"),
			metrics:     m,
		},
		verifier: v,
	}
}

// Prepare admits requests that did not arrive on a loopback socket and carry
// a valid token pair, and targets the local application over plain HTTP.
func (s *ExternalService) Prepare(in *model.InboundRequest, pc *proxyctx.ProxyContext) (*Prepared, error) {
	if s.originCheck && isLoopback(in.LocalAddr) {
		s.logger.Warn("rejected loopback origin", "local_addr", in.LocalAddr, "request_id", in.RequestID)
		return nil, s.reject("origin", badOrigin())
	}

	pair := model.TokenPair{
		State: in.Header.Get(HeaderState),
		Claim: in.Header.Get(HeaderClaim),
	}
	if pair.State == "" || pair.Claim == "" {
		return nil, s.reject("no_tokens", model.NewJSONError(http.StatusBadRequest, "no tokens"))
	}

	res, err := s.verifier.Verify(pair, pc.TokenSecret)
	if err != nil {
		s.recordVerification("failure")
		s.logger.Debug("token verification failed", "err", err, "request_id", in.RequestID)
		return nil, s.reject("bad_tokens", model.NewJSONError(http.StatusBadRequest, "bad tokens"))
	}
	s.recordVerification("success")

	header := in.Header.Clone()
	if header == nil {
		header = make(http.Header)
	}
	respHeader := make(http.Header)
	respHeader.Set(HeaderClaim, res.Claims)
	respHeader.Set(HeaderStateResp, res.State)

	return &Prepared{
		Request: &model.ProxyRequest{
			Scheme:        "http",
			TargetHost:    pc.LocalHost,
			TargetPort:    pc.LocalPort,
			Method:        in.Method,
			RequestURI:    in.RequestURI,
			Header:        header,
			HostHeader:    in.Host,
			ContentLength: in.ContentLength,
		},
		ResponseHeader: respHeader,
	}, nil
}

func (s *ExternalService) recordVerification(result string) {
	if s.metrics != nil {
		s.metrics.TokenVerifications.WithLabelValues(result).Inc()
	}
}

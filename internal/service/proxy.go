// Package service implements the admission and forwarding rules of the two
// proxy directions.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"otoroshi-sidecar/internal/client"
	"otoroshi-sidecar/internal/metrics"
	"otoroshi-sidecar/internal/model"
	"otoroshi-sidecar/internal/proxyctx"
)

// Direction names, used in logs and metrics labels.
const (
	Internal = "internal"
	External = "external"
)

// Direction labels, used in listener banners and forwarding error bodies.
const (
	InternalLabel = "INTERNAL-PROXY"
	ExternalLabel = "EXTERNAL-PROXY"
)

// Prepared is an admitted request: what to send upstream and which headers
// to add to the response.
type Prepared struct {
	Request        *model.ProxyRequest
	ResponseHeader http.Header
}

// Direction is one side of the sidecar.
type Direction interface {
	Name() string
	// Prepare runs admission against pc and builds the outbound request
	// without a body. Rejections are returned as *model.ProxyError.
	Prepare(in *model.InboundRequest, pc *proxyctx.ProxyContext) (*Prepared, error)
	Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error)
	// MapForwardError turns a failed exchange into the response to send.
	MapForwardError(err error) *model.ProxyError
}

// proxyService holds what both directions share.
type proxyService struct {
	name    string
	errText string
	errType string

	client      *client.UpstreamClient
	originCheck bool
	logger      *slog.Logger
	metrics     *metrics.Metrics
}

func (s *proxyService) Name() string { return s.name }

// Forward sends pr to its target. The caller is responsible for closing the
// response body.
func (s *proxyService) Forward(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	resp, err := s.client.Do(ctx, s.name, pr)
	if err != nil {
		return nil, fmt.Errorf("forward to %s: %w", pr.TargetHost, err)
	}
	return resp, nil
}

// MapForwardError keeps a ProxyError found in the chain, maps a relay
// deadline to 504 and an oversized body to 413, and reports anything else as
// a 502 carrying the error message.
func (s *proxyService) MapForwardError(err error) *model.ProxyError {
	var pe *model.ProxyError
	if errors.As(err, &pe) {
		return pe
	}
	if s.client.Timeout() > 0 && errors.Is(err, context.DeadlineExceeded) {
		return model.NewJSONError(http.StatusGatewayTimeout, "upstream timeout")
	}
	var he *echo.HTTPError
	if errors.As(err, &he) && he.Code == http.StatusRequestEntityTooLarge {
		return model.NewJSONError(http.StatusRequestEntityTooLarge, "request body too large")
	}
	return model.NewForwardingError(s.errText, s.errType, err.Error())
}

// reject counts an admission failure and returns pe as the error.
func (s *proxyService) reject(reason string, pe *model.ProxyError) error {
	if s.metrics != nil {
		s.metrics.AdmissionRejections.WithLabelValues(s.name, reason).Inc()
	}
	return pe
}

func badOrigin() *model.ProxyError {
	return model.NewJSONError(http.StatusInternalServerError, "bad origin")
}

// isLoopback applies the literal loopback test to the local socket address
// the request arrived on.
func isLoopback(localAddr string) bool {
	host := localAddr
	if h, _, err := net.SplitHostPort(localAddr); err == nil {
		host = h
	}
	return host == proxyctx.LocalHost || host == "localhost" || strings.Contains(host, proxyctx.LocalHost)
}

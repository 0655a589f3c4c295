// Package client provides the HTTP client for both upstream legs: the gateway
// on the internal direction and the local application on the external one.
package client

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"otoroshi-sidecar/internal/config"
	"otoroshi-sidecar/internal/metrics"
	"otoroshi-sidecar/internal/model"
)

// UpstreamClient sends proxied requests to their target.
type UpstreamClient struct {
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	return &UpstreamClient{
		timeout: cfg.Relay.Timeout(),
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// Timeout is the configured deadline on one exchange, 0 when disabled.
func (c *UpstreamClient) Timeout() time.Duration {
	return c.timeout
}

// newTransport builds a transport for a single exchange. Each request carries
// its own TLS material, so connections are never shared.
func newTransport(tlsConfig *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSClientConfig:     tlsConfig,
		TLSHandshakeTimeout: 10 * time.Second,
		DisableKeepAlives:   true,
		DisableCompression:  true,
	}
}

// Do executes pr against its target and returns the raw response.
// The caller is responsible for closing the response body. Cancelling ctx
// aborts the exchange, including a body that is still being streamed.
func (c *UpstreamClient) Do(ctx context.Context, direction string, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	var cancel context.CancelFunc = func() {}
	if c.timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
	}

	body := io.ReadCloser(http.NoBody)
	if pr.Body != nil {
		body = pr.Body
	}
	req, err := http.NewRequestWithContext(ctx, pr.Method, pr.URL(), body)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build upstream request: %w", err)
	}
	req.Header = pr.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if _, ok := req.Header["User-Agent"]; !ok {
		// An empty value suppresses the Go default user agent.
		req.Header["User-Agent"] = []string{""}
	}
	if pr.HostHeader != "" {
		req.Host = pr.HostHeader
	}
	if pr.ContentLength > 0 {
		req.ContentLength = pr.ContentLength
	}

	c.logger.Debug("upstream request",
		"direction", direction,
		"method", pr.Method,
		"target", net.JoinHostPort(pr.TargetHost, strconv.Itoa(pr.TargetPort)),
	)

	transport := newTransport(pr.TLS)
	hc := &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	start := time.Now()
	resp, err := hc.Do(req) //nolint:bodyclose // body ownership transfers to caller via ProxyResponse
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(pr.Method)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(direction, method).Observe(duration)
	}

	if err != nil {
		cancel()
		transport.CloseIdleConnections()
		if c.metrics != nil {
			c.metrics.UpstreamResponses.WithLabelValues(direction, "error").Inc()
		}
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if c.metrics != nil {
		c.metrics.UpstreamResponses.WithLabelValues(direction, strconv.Itoa(resp.StatusCode)).Inc()
	}

	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body: &exchangeBody{
			ReadCloser: resp.Body,
			done: func() {
				cancel()
				transport.CloseIdleConnections()
			},
		},
	}, nil
}

// exchangeBody releases the exchange's deadline and transport on close.
type exchangeBody struct {
	io.ReadCloser
	done func()
}

func (b *exchangeBody) Close() error {
	err := b.ReadCloser.Close()
	b.done()
	return err
}

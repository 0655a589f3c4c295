// Package listener binds the proxy's HTTP servers, plain or TLS, and
// announces each bind with a single log line.
package listener

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"
)

const timestampLayout = "2006-01-02 15:04:05.000"

// Listener serves one handler on one address.
type Listener struct {
	direction string
	tlsConfig *tls.Config
	logger    *slog.Logger
	server    *http.Server

	mu sync.Mutex
	ln net.Listener
}

// New returns a Listener for direction. A nil tlsConfig serves plain HTTP.
func New(direction string, tlsConfig *tls.Config, handler http.Handler, logger *slog.Logger) *Listener {
	return &Listener{
		direction: direction,
		tlsConfig: tlsConfig,
		logger:    logger,
		server: &http.Server{
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
			// Read and write timeouts stay disabled: bodies are streamed in
			// both directions and a relay deadline bounds the upstream side.
			IdleTimeout: 120 * time.Second,
			ErrorLog:    slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
		},
	}
}

// Listen binds host:port and serves in the background. Port 0 binds an
// ephemeral port; Addr reports the result.
func (l *Listener) Listen(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return fmt.Errorf("%s listener: bind %s:%d: %w", l.direction, host, port, err)
	}
	if tcp, ok := ln.Addr().(*net.TCPAddr); ok {
		port = tcp.Port
	}

	scheme := "http"
	if l.tlsConfig != nil {
		scheme = "https"
		ln = tls.NewListener(ln, l.tlsConfig)
	}

	l.mu.Lock()
	l.ln = ln
	l.mu.Unlock()

	l.logger.Info(fmt.Sprintf("[%s] %s - Proxy listening on %s://%s:%d",
		l.direction, time.Now().Format(timestampLayout), scheme, host, port))

	go func() {
		if err := l.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.logger.Error("listener stopped", "direction", l.direction, "err", err)
		}
	}()
	return nil
}

// Addr returns the bound address, or nil before Listen.
func (l *Listener) Addr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ln == nil {
		return nil
	}
	return l.ln.Addr()
}

// Close releases the socket and drops open connections without draining.
func (l *Listener) Close() error {
	return l.server.Close()
}

// Shutdown stops accepting and waits for in-flight requests until ctx ends.
func (l *Listener) Shutdown(ctx context.Context) error {
	return l.server.Shutdown(ctx)
}

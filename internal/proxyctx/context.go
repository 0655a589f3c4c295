// Package proxyctx supplies the live configuration snapshot each proxied
// request is processed against.
//
// A ProxyContext is immutable once published. Providers may swap in a new
// snapshot at any time, so handlers call Current once per request and never
// keep the result beyond it.
package proxyctx

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"time"
)

// LocalHost is the only address the external direction forwards to.
const LocalHost = "127.0.0.1"

// ErrIncomplete is wrapped by validation errors for missing context fields.
var ErrIncomplete = errors.New("proxy context incomplete")

// Provider returns the current proxy context snapshot.
type Provider interface {
	Current() *ProxyContext
}

// TLSMaterial is a parsed key pair plus the CA pool used to verify the peer.
type TLSMaterial struct {
	Certificate tls.Certificate
	CAs         *x509.CertPool
}

func (m *TLSMaterial) complete() bool {
	return len(m.Certificate.Certificate) > 0 && m.CAs != nil
}

// ProxyContext is one snapshot of the sidecar's service identity and peers.
type ProxyContext struct {
	OtoroshiDomain string
	OtoroshiHost   string
	OtoroshiPort   int

	ClientID     string
	ClientSecret string
	// ClientTLS authenticates the sidecar to the gateway on the internal leg.
	ClientTLS TLSMaterial
	// BackendTLS is served to the gateway on the external listener.
	BackendTLS TLSMaterial

	TokenSecret string

	LocalHost string
	LocalPort int

	LoadedAt time.Time
}

// Directions selects which proxy directions a context must be able to serve.
type Directions struct {
	Internal bool
	External bool
}

// Validate checks that every field used by the selected directions is set.
func (pc *ProxyContext) Validate(d Directions) error {
	var missing []string
	if d.Internal {
		if pc.OtoroshiDomain == "" {
			missing = append(missing, "otoroshi.domain")
		}
		if pc.OtoroshiHost == "" {
			missing = append(missing, "otoroshi.host")
		}
		if pc.OtoroshiPort <= 0 || pc.OtoroshiPort > 65535 {
			missing = append(missing, "otoroshi.port")
		}
		if pc.ClientID == "" {
			missing = append(missing, "client.id")
		}
		if pc.ClientSecret == "" {
			missing = append(missing, "client.secret")
		}
		if !pc.ClientTLS.complete() {
			missing = append(missing, "client tls material")
		}
	}
	if d.External {
		if pc.TokenSecret == "" {
			missing = append(missing, "otoroshi.token_secret")
		}
		if pc.LocalPort <= 0 || pc.LocalPort > 65535 {
			missing = append(missing, "local.port")
		}
		if !pc.BackendTLS.complete() {
			missing = append(missing, "backend tls material")
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %v", ErrIncomplete, missing)
	}
	return nil
}

// ClientTLSConfig returns the TLS config for the internal leg to the gateway.
// serverName is the requested service host; the gateway selects the route
// certificate by SNI.
func (pc *ProxyContext) ClientTLSConfig(serverName string) *tls.Config {
	return &tls.Config{
		Certificates: []tls.Certificate{pc.ClientTLS.Certificate},
		RootCAs:      pc.ClientTLS.CAs,
		ServerName:   serverName,
		MinVersion:   tls.VersionTLS12,
	}
}

// BackendTLSConfig returns the server-side TLS config of the external listener.
func (pc *ProxyContext) BackendTLSConfig(requireClientCert bool) *tls.Config {
	cfg := &tls.Config{
		Certificates: []tls.Certificate{pc.BackendTLS.Certificate},
		ClientCAs:    pc.BackendTLS.CAs,
		ClientAuth:   tls.VerifyClientCertIfGiven,
		MinVersion:   tls.VersionTLS12,
	}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg
}

type staticProvider struct {
	pc *ProxyContext
}

// Static returns a Provider that always yields pc.
func Static(pc *ProxyContext) Provider {
	return staticProvider{pc: pc}
}

func (s staticProvider) Current() *ProxyContext { return s.pc }

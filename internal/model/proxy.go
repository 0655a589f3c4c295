// Package model defines shared types for the sidecar proxy.
package model

import (
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
)

// ContentTypeJSON is the content type of every error body the proxy writes.
const ContentTypeJSON = "application/json"

// InboundRequest is the subset of an accepted request the direction services
// need to decide admission and build the outbound request.
type InboundRequest struct {
	RequestID        string
	Method           string
	RequestURI       string
	Host             string
	Header           http.Header
	ContentLength    int64
	TransferEncoding []string
	RemoteAddr       string
	LocalAddr        string
	Secure           bool
}

// HostName returns the Host header without its port.
func (r *InboundRequest) HostName() string {
	host := r.Host
	if h, _, err := net.SplitHostPort(host); err == nil {
		return h
	}
	return host
}

// ProxyRequest is a request to be forwarded to a target host.
type ProxyRequest struct {
	Scheme     string
	TargetHost string
	TargetPort int
	Method     string
	RequestURI string
	Header     http.Header
	// HostHeader is sent as the Host header instead of the target address.
	HostHeader string
	// TLS is nil for plain HTTP targets.
	TLS *tls.Config
	// ContentLength is the declared body length; 0 or less sends the body
	// chunked when Body is set.
	ContentLength int64
	Body          io.ReadCloser
}

// URL returns the absolute URL of the outbound request.
func (r *ProxyRequest) URL() string {
	return r.Scheme + "://" + net.JoinHostPort(r.TargetHost, strconv.Itoa(r.TargetPort)) + r.RequestURI
}

// ProxyResponse represents the upstream response to be streamed back.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// TokenPair holds the two Otoroshi tokens carried by an external request.
type TokenPair struct {
	State string
	Claim string
}

// ProxyError is an error that already knows the response it should produce.
// It is written verbatim instead of being mapped to a generic 502.
type ProxyError struct {
	Status      int
	Body        []byte
	ContentType string
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy error %d: %s", e.Status, e.Body)
}

// NewJSONError builds a ProxyError with a {"error": msg} body.
func NewJSONError(status int, msg string) *ProxyError {
	body, _ := json.Marshal(map[string]string{"error": msg})
	return &ProxyError{Status: status, Body: body, ContentType: ContentTypeJSON}
}

// forwardingBody keeps the field order of the forwarding error body stable.
type forwardingBody struct {
	Error   string `json:"error"`
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewForwardingError builds the 502 body used when the upstream exchange fails.
func NewForwardingError(errText, direction, message string) *ProxyError {
	body, _ := json.Marshal(forwardingBody{Error: errText, Type: direction, Message: message})
	return &ProxyError{Status: http.StatusBadGateway, Body: body, ContentType: ContentTypeJSON}
}

// HopByHopHeaders apply to a single connection and are never relayed.
var HopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// StripHopByHop removes hop-by-hop headers from h in place.
func StripHopByHop(h http.Header) {
	for _, name := range HopByHopHeaders {
		h.Del(name)
	}
}

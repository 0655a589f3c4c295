// Package token verifies the Otoroshi claim/state token pair and mints the
// short-lived state response token echoed back to the gateway.
package token

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"otoroshi-sidecar/internal/model"
)

const (
	// Audience is the aud claim of every state response token.
	Audience = "Otoroshi"
	// StateRespTTL is the lifetime of a minted state response token.
	StateRespTTL = 10 * time.Second
)

// ErrBadToken is wrapped by every verification failure.
var ErrBadToken = errors.New("bad token")

var validMethods = []string{
	jwt.SigningMethodHS256.Alg(),
	jwt.SigningMethodHS384.Alg(),
	jwt.SigningMethodHS512.Alg(),
}

// Result is what a verified token pair contributes to the response.
type Result struct {
	// Claims is the verified claim payload serialized as JSON.
	Claims string
	// State is the opaque state echoed as-is, or a freshly minted token
	// when the inbound state was signed.
	State string
	// StateSigned reports which of the two State forms was produced.
	StateSigned bool
}

// Verifier checks token pairs against a shared HMAC secret.
type Verifier struct {
	now func() time.Time
}

// NewVerifier creates a Verifier using the wall clock.
func NewVerifier() *Verifier {
	return &Verifier{now: time.Now}
}

// NewVerifierWithClock creates a Verifier with a fixed time source.
func NewVerifierWithClock(now func() time.Time) *Verifier {
	return &Verifier{now: now}
}

// IsSigned reports whether a state token has the three dot-separated
// segments of a signed token.
func IsSigned(state string) bool {
	return strings.Count(state, ".") == 2
}

// Verify checks the pair and computes the response values.
func (v *Verifier) Verify(pair model.TokenPair, secret string) (*Result, error) {
	now := v.now()

	signed := IsSigned(pair.State)
	var state jwt.MapClaims
	if signed {
		var err error
		state, err = parse(pair.State, secret, now)
		if err != nil {
			return nil, fmt.Errorf("state: %w", err)
		}
	}

	if _, err := parse(pair.Claim, secret, now); err != nil {
		return nil, fmt.Errorf("claim: %w", err)
	}
	serialized, err := payloadJSON(pair.Claim)
	if err != nil {
		return nil, fmt.Errorf("serialize claims: %w", err)
	}

	res := &Result{Claims: serialized, State: pair.State, StateSigned: signed}
	if signed {
		res.State, err = mintStateResp(state, secret, now)
		if err != nil {
			return nil, err
		}
	}
	return res, nil
}

func parse(raw, secret string, now time.Time) (jwt.MapClaims, error) {
	p := jwt.NewParser(
		jwt.WithValidMethods(validMethods),
		jwt.WithJSONNumber(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	claims := jwt.MapClaims{}
	if _, err := p.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return []byte(secret), nil
	}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrBadToken, err)
	}
	return claims, nil
}

// payloadJSON returns the payload segment of a verified token as compact
// JSON in the issuer's key order.
func payloadJSON(raw string) (string, error) {
	segments := strings.Split(raw, ".")
	if len(segments) != 3 {
		return "", ErrBadToken
	}
	payload, err := jwt.NewParser().DecodeSegment(segments[1])
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, payload); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func mintStateResp(state jwt.MapClaims, secret string, now time.Time) (string, error) {
	t := jwt.NewWithClaims(jwt.SigningMethodHS512, jwt.MapClaims{
		"state-resp": state,
		"aud":        Audience,
		"iat":        now.Unix(),
		"exp":        now.Add(StateRespTTL).Unix(),
	})
	signed, err := t.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("sign state response: %w", err)
	}
	return signed, nil
}

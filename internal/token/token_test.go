package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"otoroshi-sidecar/internal/model"
)

const secret = "otoroshi-shared-secret"

var fixedNow = time.Date(2026, 10, 18, 12, 0, 0, 0, time.UTC)

func sign(t *testing.T, method jwt.SigningMethod, claims jwt.MapClaims, key string) string {
	t.Helper()
	s, err := jwt.NewWithClaims(method, claims).SignedString([]byte(key))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func claimToken(t *testing.T, key string) string {
	t.Helper()
	return sign(t, jwt.SigningMethodHS512, jwt.MapClaims{
		"iss": "Otoroshi",
		"sub": "user@oto.tools",
		"aud": "my-service",
		"exp": fixedNow.Add(time.Minute).Unix(),
	}, key)
}

func decode(t *testing.T, raw string) jwt.MapClaims {
	t.Helper()
	claims := jwt.MapClaims{}
	p := jwt.NewParser(jwt.WithJSONNumber(), jwt.WithTimeFunc(func() time.Time { return fixedNow }))
	if _, err := p.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) { return []byte(secret), nil }); err != nil {
		t.Fatalf("decode %q: %v", raw, err)
	}
	return claims
}

func mustJSON(t *testing.T, v any) string {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return string(b)
}

func TestIsSigned(t *testing.T) {
	tests := []struct {
		state string
		want  bool
	}{
		{"abc123", false},
		{"a.b", false},
		{"a.b.c", true},
		{"a.b.c.d", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.state, func(t *testing.T) {
			if got := IsSigned(tt.state); got != tt.want {
				t.Errorf("IsSigned(%q) = %v, want %v", tt.state, got, tt.want)
			}
		})
	}
}

func TestVerify_OpaqueStatePassesThrough(t *testing.T) {
	v := NewVerifierWithClock(func() time.Time { return fixedNow })
	claim := claimToken(t, secret)

	res, err := v.Verify(model.TokenPair{State: "abc123", Claim: claim}, secret)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.State != "abc123" {
		t.Errorf("State = %q, want %q", res.State, "abc123")
	}
	if res.StateSigned {
		t.Error("StateSigned = true, want false")
	}
	if want := mustJSON(t, decode(t, claim)); res.Claims != want {
		t.Errorf("Claims = %s, want %s", res.Claims, want)
	}
}

func TestVerify_SignedStateIsResigned(t *testing.T) {
	v := NewVerifierWithClock(func() time.Time { return fixedNow })
	state := sign(t, jwt.SigningMethodHS256, jwt.MapClaims{
		"state": "0123456789",
		"iat":   fixedNow.Unix(),
		"exp":   fixedNow.Add(10 * time.Second).Unix(),
	}, secret)

	res, err := v.Verify(model.TokenPair{State: state, Claim: claimToken(t, secret)}, secret)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if !res.StateSigned {
		t.Error("StateSigned = false, want true")
	}
	if res.State == state {
		t.Fatal("State should be a newly minted token, got the inbound one")
	}

	tok, _, err := jwt.NewParser().ParseUnverified(res.State, jwt.MapClaims{})
	if err != nil {
		t.Fatalf("ParseUnverified: %v", err)
	}
	if tok.Method.Alg() != "HS512" {
		t.Errorf("alg = %q, want HS512", tok.Method.Alg())
	}

	minted := decode(t, res.State)
	if got, want := mustJSON(t, minted["state-resp"]), mustJSON(t, decode(t, state)); got != want {
		t.Errorf("state-resp = %s, want %s", got, want)
	}
	if minted["aud"] != Audience {
		t.Errorf("aud = %v, want %q", minted["aud"], Audience)
	}
	iat, err := minted["iat"].(json.Number).Int64()
	if err != nil {
		t.Fatalf("iat: %v", err)
	}
	exp, err := minted["exp"].(json.Number).Int64()
	if err != nil {
		t.Fatalf("exp: %v", err)
	}
	if exp-iat != 10 {
		t.Errorf("exp - iat = %d, want 10", exp-iat)
	}
	if iat != fixedNow.Unix() {
		t.Errorf("iat = %d, want %d", iat, fixedNow.Unix())
	}
}

func TestVerify_Failures(t *testing.T) {
	v := NewVerifierWithClock(func() time.Time { return fixedNow })
	good := claimToken(t, secret)

	tests := []struct {
		name string
		pair model.TokenPair
	}{
		{
			name: "claim signed with another secret",
			pair: model.TokenPair{State: "abc123", Claim: claimToken(t, "other-secret")},
		},
		{
			name: "signed state with another secret",
			pair: model.TokenPair{State: sign(t, jwt.SigningMethodHS512, jwt.MapClaims{"s": "x"}, "other-secret"), Claim: good},
		},
		{
			name: "malformed three-segment state",
			pair: model.TokenPair{State: "not.a.jwt", Claim: good},
		},
		{
			name: "claim not a token",
			pair: model.TokenPair{State: "abc123", Claim: "garbage"},
		},
		{
			name: "expired claim",
			pair: model.TokenPair{State: "abc123", Claim: sign(t, jwt.SigningMethodHS256, jwt.MapClaims{
				"exp": fixedNow.Add(-time.Minute).Unix(),
			}, secret)},
		},
		{
			name: "unsigned claim",
			pair: model.TokenPair{State: "abc123", Claim: func() string {
				s, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "x"}).SignedString(jwt.UnsafeAllowNoneSignatureType)
				if err != nil {
					t.Fatalf("sign none: %v", err)
				}
				return s
			}()},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.Verify(tt.pair, secret)
			if !errors.Is(err, ErrBadToken) {
				t.Errorf("Verify() error = %v, want ErrBadToken", err)
			}
		})
	}
}

func TestVerify_AcceptsHS256Claim(t *testing.T) {
	v := NewVerifier()
	claim := sign(t, jwt.SigningMethodHS256, jwt.MapClaims{"sub": "svc"}, secret)

	res, err := v.Verify(model.TokenPair{State: "opaque", Claim: claim}, secret)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}
	if res.Claims != `{"sub":"svc"}` {
		t.Errorf("Claims = %s, want %s", res.Claims, `{"sub":"svc"}`)
	}
}

// orderedClaims marshals its fields in declaration order, unlike MapClaims.
type orderedClaims struct {
	Zone string `json:"zone"`
	App  string `json:"app"`
	jwt.RegisteredClaims
}

func TestVerify_ClaimsKeepIssuerKeyOrder(t *testing.T) {
	claim, err := jwt.NewWithClaims(jwt.SigningMethodHS512, orderedClaims{
		Zone: "eu-west",
		App:  "billing",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "svc",
			ExpiresAt: jwt.NewNumericDate(fixedNow.Add(time.Minute)),
		},
	}).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	v := NewVerifierWithClock(func() time.Time { return fixedNow })
	res, err := v.Verify(model.TokenPair{State: "abc123", Claim: claim}, secret)
	if err != nil {
		t.Fatalf("Verify() error = %v", err)
	}

	want := fmt.Sprintf(`{"zone":"eu-west","app":"billing","sub":"svc","exp":%d}`, fixedNow.Add(time.Minute).Unix())
	if res.Claims != want {
		t.Errorf("Claims = %s, want %s", res.Claims, want)
	}
}

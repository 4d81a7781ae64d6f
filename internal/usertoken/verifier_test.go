package usertoken

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func signHS(t *testing.T, c jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(testSecret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return s
}

func validClaims(sub string) jwt.MapClaims {
	now := time.Now()
	return jwt.MapClaims{
		"sub":   sub,
		"email": sub + "@example.com",
		"iss":   "tryon-auth",
		"aud":   "tryon-api",
		"iat":   now.Unix(),
		"exp":   now.Add(time.Minute).Unix(),
	}
}

func TestNewVerifierConfigErrors(t *testing.T) {
	ctx := context.Background()
	if _, err := NewVerifier(ctx, Config{}); err == nil {
		t.Fatalf("expected error with no key source")
	}
	if _, err := NewVerifier(ctx, Config{Secret: "short"}); err == nil {
		t.Fatalf("expected error for short secret")
	}
	if _, err := NewVerifier(ctx, Config{Secret: testSecret, JWKSURL: "http://x"}); err == nil {
		t.Fatalf("expected error when both sources set")
	}
}

func TestSecretVerify(t *testing.T) {
	v, err := NewVerifier(context.Background(), Config{Secret: testSecret})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}
	id, err := v.Verify(context.Background(), signHS(t, validClaims("user-1")))
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if id.UserID != "user-1" || id.Email != "user-1@example.com" {
		t.Fatalf("unexpected identity: %+v", id)
	}

	cases := map[string]func(jwt.MapClaims){
		"expired":    func(c jwt.MapClaims) { c["exp"] = time.Now().Add(-time.Hour).Unix() },
		"no exp":     func(c jwt.MapClaims) { delete(c, "exp") },
		"wrong aud":  func(c jwt.MapClaims) { c["aud"] = "other" },
		"wrong iss":  func(c jwt.MapClaims) { c["iss"] = "other" },
		"empty sub":  func(c jwt.MapClaims) { c["sub"] = " " },
		"future iat": func(c jwt.MapClaims) { c["iat"] = time.Now().Add(10 * time.Minute).Unix() },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			c := validClaims("user-1")
			mutate(c)
			_, err := v.Verify(context.Background(), signHS(t, c))
			if !errors.Is(err, ErrInvalidToken) {
				t.Fatalf("expected ErrInvalidToken, got %v", err)
			}
		})
	}
	if _, err := v.Verify(context.Background(), ""); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expected empty token rejection, got %v", err)
	}
}

func TestJWKSVerifyRefreshesOnRotation(t *testing.T) {
	key1, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	key2, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	var rotated atomic.Bool
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fetches.Add(1)
		kid, pub := "kid-1", &key1.PublicKey
		if rotated.Load() {
			kid, pub = "kid-2", &key2.PublicKey
		}
		w.Header().Set("Cache-Control", "public, max-age=300")
		_ = json.NewEncoder(w).Encode(map[string]any{"keys": []map[string]string{jwk(kid, pub)}})
	}))
	defer srv.Close()

	v, err := NewVerifier(context.Background(), Config{JWKSURL: srv.URL})
	if err != nil {
		t.Fatalf("new verifier: %v", err)
	}

	sign := func(kid string, key *rsa.PrivateKey, sub string) string {
		tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims(sub))
		tok.Header["kid"] = kid
		s, err := tok.SignedString(key)
		if err != nil {
			t.Fatalf("sign: %v", err)
		}
		return s
	}

	if id, err := v.Verify(context.Background(), sign("kid-1", key1, "user-a")); err != nil || id.UserID != "user-a" {
		t.Fatalf("verify kid-1: %+v %v", id, err)
	}
	rotated.Store(true)
	if id, err := v.Verify(context.Background(), sign("kid-2", key2, "user-b")); err != nil || id.UserID != "user-b" {
		t.Fatalf("verify kid-2: %+v %v", id, err)
	}
	if fetches.Load() != 2 {
		t.Fatalf("expected exactly one refresh, got %d fetches", fetches.Load())
	}

	hs := signHS(t, validClaims("user-c"))
	if _, err := v.Verify(context.Background(), hs); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("HS256 token must be rejected in JWKS mode, got %v", err)
	}
}

func TestMaxAge(t *testing.T) {
	cases := map[string]time.Duration{
		"":                           0,
		"no-cache":                   0,
		"public, max-age=60":         time.Minute,
		"MAX-AGE=5, must-revalidate": 5 * time.Second,
		"max-age=abc":                0,
	}
	for in, want := range cases {
		if got := maxAge(in); got != want {
			t.Fatalf("maxAge(%q) = %v, want %v", in, got, want)
		}
	}
}

func jwk(kid string, key *rsa.PublicKey) map[string]string {
	return map[string]string{
		"kty": "RSA",
		"kid": kid,
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
	}
}

package gateway

import (
	"crypto/rsa"
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/moosestack/moose-core/internal/config"
)

// Authenticator verifies bearer tokens against a configured JWT public
// key, or against a static API key when no public key is set.
type Authenticator struct {
	cfg    config.AuthConfig
	pubKey *rsa.PublicKey
}

// NewAuthenticator parses cfg.JWTPublicKeyPEM, if present. A zero-value
// Authenticator (no key configured) treats every request as unauthenticated
// but never rejects it, matching "if a JWT public key is configured".
func NewAuthenticator(cfg config.AuthConfig) (*Authenticator, error) {
	a := &Authenticator{cfg: cfg}
	if cfg.JWTPublicKeyPEM == "" {
		return a, nil
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(cfg.JWTPublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("gateway: parse jwt public key: %w", err)
	}
	a.pubKey = key
	return a, nil
}

// Authenticate extracts and verifies the bearer token from r.
// It returns the verified claims (nil if none were presented
// or no key is configured) and whether the request should be rejected.
// Rejection happens when EnforceAuth is set, or in static API-key mode (no
// public key, APIKey set) when the bearer token does not match; otherwise a
// failed or absent token simply yields nil claims and the request proceeds.
func (a *Authenticator) Authenticate(r *http.Request) (claims map[string]any, reject bool) {
	if a.pubKey == nil && a.cfg.APIKey != "" {
		// Static API-key mode: the bearer token must match exactly. An
		// explicit key is an explicit gate, so mismatches reject even
		// without EnforceAuth.
		token := bearerToken(r)
		match := subtle.ConstantTimeCompare([]byte(token), []byte(a.cfg.APIKey)) == 1
		return nil, !match
	}
	if a.pubKey == nil {
		return nil, false
	}

	token := bearerToken(r)
	if token == "" {
		return nil, a.cfg.EnforceAuth
	}

	var parserOpts []jwt.ParserOption
	if a.cfg.JWTIssuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.cfg.JWTIssuer))
	}
	if a.cfg.JWTAudience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.cfg.JWTAudience))
	}

	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return a.pubKey, nil
	}, parserOpts...)
	if err != nil || !parsed.Valid {
		return nil, a.cfg.EnforceAuth
	}

	mc, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return nil, a.cfg.EnforceAuth
	}
	return map[string]any(mc), false
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(h, prefix) {
		return ""
	}
	return strings.TrimSpace(h[len(prefix):])
}

// Package auth implements a lightweight control-plane token scheme: a
// single HS256-signed, run-scoped bearer token used by distributed
// Worker/Indexer processes calling back into the Runner's HTTP control
// surface. The control surface is read-only status/health, not a write
// API, so a single shared secret and a `run` claim are enough.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// TokenIssuer mints and verifies run-scoped bearer tokens signed with
// a shared HS256 secret.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer builds a TokenIssuer. An empty secret disables
// issuance and verification, and the control surface falls back to
// unauthenticated local-dev mode.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Enabled reports whether a secret is configured.
func (t *TokenIssuer) Enabled() bool { return len(t.secret) > 0 }

// IssueRunToken mints a token scoped to runID, valid for ttl.
func (t *TokenIssuer) IssueRunToken(runID string, ttl time.Duration) (string, error) {
	if !t.Enabled() {
		return "", errors.New("auth: no control token secret configured")
	}
	now := time.Now().UTC()
	claims := jwt.MapClaims{
		"run": runID,
		"iss": "pipeline-runner",
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// VerifyRunToken parses and validates tokenStr, returning the run-id
// it is scoped to.
func (t *TokenIssuer) VerifyRunToken(tokenStr string) (string, error) {
	if !t.Enabled() {
		return "", errors.New("auth: no control token secret configured")
	}
	token, err := jwt.Parse(tokenStr, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("parse run token: %w", err)
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return "", errors.New("invalid run token")
	}
	runID, ok := claims["run"].(string)
	if !ok || runID == "" {
		return "", errors.New("run token missing run claim")
	}
	return runID, nil
}

// Middleware enforces a bearer token scoped to the {runID} chi URL
// param when a secret is configured; it is a no-op when none is set.
func (t *TokenIssuer) Middleware(runIDParam func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !t.Enabled() {
				next.ServeHTTP(w, r)
				return
			}
			authz := r.Header.Get("Authorization")
			if !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
				http.Error(w, "bearer token required", http.StatusUnauthorized)
				return
			}
			tokenStr := strings.TrimSpace(authz[len("Bearer "):])
			runID, err := t.VerifyRunToken(tokenStr)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}
			if want := runIDParam(r); want != "" && want != runID {
				http.Error(w, "token not scoped to this run", http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

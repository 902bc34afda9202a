// Package auth guards the SCIM and admin surfaces. Two bearer schemes are
// accepted side by side: the shared static secret and HS256 access tokens
// issued by the token endpoint.
package auth

import (
	"crypto/subtle"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Authenticator defines the interface for authentication
type Authenticator interface {
	Authenticate(r *http.Request) error
}

// bearerToken extracts the Bearer credential from the Authorization header.
func bearerToken(r *http.Request) (string, error) {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return "", fmt.Errorf("missing authorization header")
	}
	if len(auth) < 7 || !strings.EqualFold(auth[:7], "Bearer ") {
		return "", fmt.Errorf("invalid authorization type")
	}
	return auth[7:], nil
}

// SecretAuthenticator accepts the shared static bearer secret.
type SecretAuthenticator struct {
	Secret string
}

// NewSecretAuthenticator creates a static-secret authenticator
func NewSecretAuthenticator(secret string) *SecretAuthenticator {
	return &SecretAuthenticator{Secret: secret}
}

// Authenticate validates the bearer secret
func (sa *SecretAuthenticator) Authenticate(r *http.Request) error {
	// An unset secret must never match the empty bearer token.
	if sa.Secret == "" {
		return fmt.Errorf("no static secret configured")
	}
	token, err := bearerToken(r)
	if err != nil {
		return err
	}

	// Use constant-time comparison to prevent timing attacks
	if subtle.ConstantTimeCompare([]byte(token), []byte(sa.Secret)) != 1 {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// TokenClaims are the claims carried by issued access tokens.
type TokenClaims struct {
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
	jwt.RegisteredClaims
}

// JWTAuthenticator accepts HS256-signed access tokens.
type JWTAuthenticator struct {
	SigningKey []byte
}

// NewJWTAuthenticator creates a JWT authenticator
func NewJWTAuthenticator(signingKey string) *JWTAuthenticator {
	return &JWTAuthenticator{SigningKey: []byte(signingKey)}
}

// Authenticate validates the token signature, expiry, and signing method
func (ja *JWTAuthenticator) Authenticate(r *http.Request) error {
	raw, err := bearerToken(r)
	if err != nil {
		return err
	}

	token, err := jwt.ParseWithClaims(raw, &TokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return ja.SigningKey, nil
	})
	if err != nil {
		return fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return fmt.Errorf("invalid token")
	}
	return nil
}

// MultiAuthenticator supports multiple authentication methods
type MultiAuthenticator struct {
	Authenticators []Authenticator
}

// NewMultiAuthenticator creates a new multi-authenticator
func NewMultiAuthenticator(authenticators ...Authenticator) *MultiAuthenticator {
	return &MultiAuthenticator{
		Authenticators: authenticators,
	}
}

// Authenticate tries each authenticator until one succeeds
func (ma *MultiAuthenticator) Authenticate(r *http.Request) error {
	if len(ma.Authenticators) == 0 {
		return nil
	}

	var lastErr error
	for _, a := range ma.Authenticators {
		if err := a.Authenticate(r); err == nil {
			return nil
		} else {
			lastErr = err
		}
	}

	if lastErr != nil {
		return lastErr
	}
	return fmt.Errorf("authentication failed")
}

// Middleware creates an authentication middleware
func Middleware(authenticator Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if authenticator == nil {
				next.ServeHTTP(w, r)
				return
			}

			if err := authenticator.Authenticate(r); err != nil {
				w.Header().Set("WWW-Authenticate", `Bearer realm="SCIM"`)
				w.Header().Set("Content-Type", "application/scim+json; charset=utf-8")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"schemas":["urn:ietf:params:scim:api:messages:2.0:Error"],"status":"401","detail":"Unauthorized"}`))
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

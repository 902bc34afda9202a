package auth

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// tokenTTL is the lifetime of issued access tokens.
const tokenTTL = time.Hour

// TokenIssuer implements the client-credentials token endpoint. It accepts
// the configured client id and secret, either as form fields or via HTTP
// Basic, and returns an HS256-signed bearer token.
type TokenIssuer struct {
	clientID     string
	clientSecret string
	signingKey   []byte
	logger       *slog.Logger
}

// NewTokenIssuer creates a token issuer
func NewTokenIssuer(clientID, clientSecret, signingKey string, logger *slog.Logger) *TokenIssuer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TokenIssuer{
		clientID:     clientID,
		clientSecret: clientSecret,
		signingKey:   []byte(signingKey),
		logger:       logger,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

type tokenError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// ServeHTTP handles POST /oauth/token.
func (ti *TokenIssuer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		writeTokenError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	if grant := r.PostFormValue("grant_type"); grant != "client_credentials" {
		writeTokenError(w, http.StatusBadRequest, "unsupported_grant_type", "only client_credentials is supported")
		return
	}

	clientID, clientSecret := r.PostFormValue("client_id"), r.PostFormValue("client_secret")
	if clientID == "" {
		clientID, clientSecret, _ = r.BasicAuth()
	}

	idMatch := subtle.ConstantTimeCompare([]byte(clientID), []byte(ti.clientID)) == 1
	secretMatch := subtle.ConstantTimeCompare([]byte(clientSecret), []byte(ti.clientSecret)) == 1
	if !idMatch || !secretMatch {
		ti.logger.Warn("token request with invalid client credentials", "client_id", clientID)
		writeTokenError(w, http.StatusUnauthorized, "invalid_client", "")
		return
	}

	now := time.Now().UTC()
	claims := &TokenClaims{
		ClientID: clientID,
		Scope:    "scim",
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   clientID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTL)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(ti.signingKey)
	if err != nil {
		ti.logger.Error("token signing failed", "error", err)
		writeTokenError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	json.NewEncoder(w).Encode(tokenResponse{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(tokenTTL.Seconds()),
	})
}

func writeTokenError(w http.ResponseWriter, status int, code, description string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(tokenError{Error: code, ErrorDescription: description})
}

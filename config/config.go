package config

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Run modes. Development mode synthesizes missing key material and defaults
// to an embedded SQLite database; production refuses to start without it.
const (
	ModeDevelopment = "development"
	ModeProduction  = "production"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation error [%s]: %s", e.Field, e.Message)
}

// ValidationErrors represents multiple validation errors
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return "no validation errors"
	}
	if len(e) == 1 {
		return e[0].Error()
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("config validation failed with %d errors:\n", len(e)))
	for i, err := range e {
		sb.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err.Error()))
	}
	return sb.String()
}

// Config represents the server configuration
type Config struct {
	Mode      string
	Port      int
	APIPrefix string
	TLS       *TLS

	// DatabaseURL selects the store: a postgres:// URL for production, a
	// file path (or empty for in-memory) for the embedded SQLite engine.
	DatabaseURL string

	Auth AuthConfig

	// DefaultCount and MaxResults bound list page sizes.
	DefaultCount int
	MaxResults   int
}

// AuthConfig holds the credential material for the two supported schemes:
// a shared static bearer secret and HS256-signed access tokens issued by the
// built-in token endpoint.
type AuthConfig struct {
	BearerSecret      string
	TokenSigningKey   string
	TokenClientID     string
	TokenClientSecret string
}

// TLS represents TLS configuration
type TLS struct {
	Enabled  bool
	CertFile string
	KeyFile  string
}

// Load reads configuration from the environment and validates it.
func Load() (*Config, error) {
	cfg := &Config{
		Mode:         getEnv("SCIM_MODE", ModeDevelopment),
		Port:         8880,
		APIPrefix:    getEnv("SCIM_API_PREFIX", "/scim"),
		DatabaseURL:  os.Getenv("SCIM_DATABASE_URL"),
		DefaultCount: 100,
		MaxResults:   1000,
		Auth: AuthConfig{
			BearerSecret:      os.Getenv("SCIM_BEARER_SECRET"),
			TokenSigningKey:   os.Getenv("SCIM_TOKEN_SIGNING_KEY"),
			TokenClientID:     os.Getenv("SCIM_TOKEN_CLIENT_ID"),
			TokenClientSecret: os.Getenv("SCIM_TOKEN_CLIENT_SECRET"),
		},
	}

	if raw := os.Getenv("SCIM_PORT"); raw != "" {
		port, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &ValidationError{Field: "SCIM_PORT", Message: fmt.Sprintf("not an integer: %q", raw)}
		}
		cfg.Port = port
	}

	if raw := os.Getenv("SCIM_FILTER_MAX_RESULTS"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return nil, &ValidationError{Field: "SCIM_FILTER_MAX_RESULTS", Message: fmt.Sprintf("not an integer: %q", raw)}
		}
		cfg.MaxResults = n
	}

	if cert, key := os.Getenv("SCIM_TLS_CERT_FILE"), os.Getenv("SCIM_TLS_KEY_FILE"); cert != "" || key != "" {
		cfg.TLS = &TLS{Enabled: true, CertFile: cert, KeyFile: key}
	}

	if cfg.Mode == ModeDevelopment {
		cfg.synthesizeDevSecrets()
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// synthesizeDevSecrets fills in missing key material so a bare
// development start works without any environment setup.
func (c *Config) synthesizeDevSecrets() {
	if c.Auth.BearerSecret == "" {
		c.Auth.BearerSecret = randomHex(32)
	}
	if c.Auth.TokenSigningKey == "" {
		c.Auth.TokenSigningKey = randomHex(32)
	}
	if c.Auth.TokenClientID == "" {
		c.Auth.TokenClientID = "dev-client"
	}
	if c.Auth.TokenClientSecret == "" {
		c.Auth.TokenClientSecret = randomHex(16)
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	var errors ValidationErrors

	if c.Mode != ModeDevelopment && c.Mode != ModeProduction {
		errors = append(errors, ValidationError{
			Field:   "SCIM_MODE",
			Message: fmt.Sprintf("invalid mode %q: must be %q or %q", c.Mode, ModeDevelopment, ModeProduction),
		})
	}

	if c.Port < 1 || c.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "SCIM_PORT",
			Message: fmt.Sprintf("port %d is out of range: must be between 1 and 65535", c.Port),
		})
	}

	if !strings.HasPrefix(c.APIPrefix, "/") {
		errors = append(errors, ValidationError{
			Field:   "SCIM_API_PREFIX",
			Message: fmt.Sprintf("prefix %q must start with /", c.APIPrefix),
		})
	}

	if c.MaxResults < 1 {
		errors = append(errors, ValidationError{
			Field:   "SCIM_FILTER_MAX_RESULTS",
			Message: "maxResults must be at least 1",
		})
	}

	if c.Mode == ModeProduction {
		if c.DatabaseURL == "" {
			errors = append(errors, ValidationError{
				Field:   "SCIM_DATABASE_URL",
				Message: "a database URL is required in production mode",
			})
		}
		if c.Auth.BearerSecret == "" {
			errors = append(errors, ValidationError{
				Field:   "SCIM_BEARER_SECRET",
				Message: "a bearer secret is required in production mode",
			})
		}
		if c.Auth.TokenSigningKey == "" {
			errors = append(errors, ValidationError{
				Field:   "SCIM_TOKEN_SIGNING_KEY",
				Message: "a token signing key is required in production mode",
			})
		}
		if c.Auth.TokenClientID == "" || c.Auth.TokenClientSecret == "" {
			errors = append(errors, ValidationError{
				Field:   "SCIM_TOKEN_CLIENT_ID",
				Message: "token client credentials are required in production mode",
			})
		}
	}

	if c.TLS != nil && c.TLS.Enabled {
		if c.TLS.CertFile == "" {
			errors = append(errors, ValidationError{
				Field:   "SCIM_TLS_CERT_FILE",
				Message: "certFile is required when TLS is enabled",
			})
		}
		if c.TLS.KeyFile == "" {
			errors = append(errors, ValidationError{
				Field:   "SCIM_TLS_KEY_FILE",
				Message: "keyFile is required when TLS is enabled",
			})
		}
	}

	if len(errors) > 0 {
		return errors
	}
	return nil
}

// IsPostgres reports whether the configured database URL targets Postgres.
func (c *Config) IsPostgres() bool {
	return strings.HasPrefix(c.DatabaseURL, "postgres://") || strings.HasPrefix(c.DatabaseURL, "postgresql://")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(err)
	}
	return hex.EncodeToString(buf)
}

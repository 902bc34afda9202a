// Package scimserver wires the multi-tenant SCIM service provider: config,
// store, endpoint registry, resource services, auth guard, audit sink, and
// the HTTP surface.
package scimserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/pranems/scimserver/audit"
	"github.com/pranems/scimserver/auth"
	"github.com/pranems/scimserver/config"
	"github.com/pranems/scimserver/endpoint"
	"github.com/pranems/scimserver/scim"
	"github.com/pranems/scimserver/service"
	"github.com/pranems/scimserver/store"
)

// discardLogger returns a no-op logger that discards all output
func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// Server is a fully wired SCIM service provider instance.
type Server struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	registry *endpoint.Registry
	sink     *audit.Sink
	handler  http.Handler
	httpSrv  *http.Server
}

// New builds a server from configuration: it opens the store, runs
// migrations, and assembles the handler chain.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = discardLogger()
	}

	if err := cfg.Validate(); err != nil {
		logger.Error("configuration validation failed", "error", err)
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	st, err := store.Open(cfg.DatabaseURL, store.Options{Logger: logger})
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, err
	}

	s := &Server{
		cfg:      cfg,
		logger:   logger,
		store:    st,
		registry: endpoint.NewRegistry(st),
		sink:     audit.NewSink(st, logger),
	}
	s.handler = s.buildHandler()
	return s, nil
}

func (s *Server) buildHandler() http.Handler {
	prefix := s.cfg.APIPrefix

	users := service.NewUsers(s.store, s.logger, s.cfg.DefaultCount, s.cfg.MaxResults)
	groups := service.NewGroups(s.store, s.logger, s.cfg.DefaultCount, s.cfg.MaxResults)

	protocol := scim.NewServer(scim.ServerOptions{
		Users:      users,
		Groups:     groups,
		Resolver:   s.registry,
		Prefix:     prefix,
		MaxResults: s.cfg.MaxResults,
		Logger:     s.logger,
	})

	guarded := http.NewServeMux()
	protocol.RegisterRoutes(guarded)
	s.registerAdminRoutes(guarded, prefix)

	authenticator := auth.NewMultiAuthenticator(
		auth.NewSecretAuthenticator(s.cfg.Auth.BearerSecret),
		auth.NewJWTAuthenticator(s.cfg.Auth.TokenSigningKey),
	)

	issuer := auth.NewTokenIssuer(
		s.cfg.Auth.TokenClientID,
		s.cfg.Auth.TokenClientSecret,
		s.cfg.Auth.TokenSigningKey,
		s.logger,
	)

	mux := http.NewServeMux()
	mux.Handle("POST "+prefix+"/oauth/token", issuer)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle(prefix+"/endpoints/", auth.Middleware(authenticator)(guarded))
	mux.Handle(prefix+"/admin/", auth.Middleware(authenticator)(guarded))

	var handler http.Handler = mux
	handler = AuditMiddleware(s.sink, prefix)(handler)
	handler = LoggingMiddleware(s.logger)(handler)
	handler = RewriteMiddleware(prefix)(handler)
	handler = RequestIDMiddleware()(handler)
	return handler
}

// Handler returns the HTTP handler, for embedding and tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Registry returns the endpoint registry.
func (s *Server) Registry() *endpoint.Registry {
	return s.registry
}

// Start runs the HTTP server until ctx is canceled, then shuts down
// gracefully and drains the audit sink.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      s.handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  2 * time.Minute,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("starting SCIM server",
			"addr", addr,
			"prefix", s.cfg.APIPrefix,
			"mode", s.cfg.Mode,
			"tls_enabled", s.cfg.TLS != nil && s.cfg.TLS.Enabled,
		)
		var err error
		if s.cfg.TLS != nil && s.cfg.TLS.Enabled {
			err = s.httpSrv.ListenAndServeTLS(s.cfg.TLS.CertFile, s.cfg.TLS.KeyFile)
		} else {
			err = s.httpSrv.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		s.logger.Error("server stopped", "error", err)
		return err
	case <-ctx.Done():
		return s.Shutdown()
	}
}

// Shutdown stops the HTTP server, drains the audit buffer, and closes the
// store.
func (s *Server) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	var firstErr error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			firstErr = err
		}
	}
	if err := s.sink.Close(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := s.store.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	return firstErr
}

// handleHealth reports liveness, including store reachability.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := http.StatusOK
	body := map[string]string{"status": "ok"}
	if err := s.store.Ping(ctx); err != nil {
		status = http.StatusServiceUnavailable
		body = map[string]string{"status": "unavailable"}
		s.logger.Error("health check failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

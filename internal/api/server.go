package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/credvault/internal/audit"
	"github.com/org/credvault/internal/auth"
	"github.com/org/credvault/internal/keymgr"
	"github.com/org/credvault/internal/passcrypt"
	"github.com/org/credvault/internal/pipeline"
	"github.com/org/credvault/internal/ratelimit"
	"github.com/org/credvault/internal/sanitize"
	"github.com/org/credvault/internal/session"
	"github.com/org/credvault/internal/storage"
	"github.com/org/credvault/internal/store"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr  string
	TLSCertFile string
	TLSKeyFile  string
	Users       []auth.User
	TokenTTL    time.Duration
}

// Server is the API server. Every route sits behind the security pipeline.
type Server struct {
	store    storage.StorageBackend
	keys     *keymgr.Manager
	engine   *passcrypt.Engine
	auth     *auth.Service
	limiter  *ratelimit.Limiter
	sessions *session.Monitor
	pipe     *pipeline.Pipeline
	auditor  *audit.Sink
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server over the given backends.
func NewServer(backend storage.StorageBackend, kv store.KV, keys *keymgr.Manager, cfg Config) *Server {
	auditor := audit.NewSink(backend)
	authSvc := auth.NewService(backend, auditor, cfg.Users, cfg.TokenTTL)
	limiter := ratelimit.New(kv, auditor)
	scanner := sanitize.NewScanner(auditor, limiter)
	sessions := session.NewMonitor(kv, auditor, authSvc)
	engine := passcrypt.NewEngine(keys, auditor)
	pipe := pipeline.New(limiter, scanner, sessions)

	return &Server{
		store:    backend,
		keys:     keys,
		engine:   engine,
		auth:     authSvc,
		limiter:  limiter,
		sessions: sessions,
		pipe:     pipe,
		auditor:  auditor,
		cfg:      cfg,
	}
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(s.requestAuditMiddleware)
	r.Use(metricsMiddleware)
	r.Use(s.pipe.Middleware)

	// Prometheus metrics (unauthenticated)
	r.Handle("/metrics", MetricsHandler())

	// Public routes (no auth required)
	r.Group(func(r chi.Router) {
		r.Get("/v1/sys/health", s.HealthHandler)
		r.Post("/v1/auth/login", s.LoginHandler)
	})

	// Authenticated routes
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.auth))
		r.Use(s.pipe.SessionGuard(identityFromCtx))

		r.Post("/v1/auth/logout", s.LogoutHandler)

		// Secret envelopes
		r.Get("/v1/secret/data/*", s.SecretGetHandler)
		r.Post("/v1/secret/data/*", s.SecretPutHandler)
		r.Delete("/v1/secret/data/*", s.SecretDeleteHandler)
		r.Get("/v1/secret/metadata/*", s.SecretListHandler)
		r.Post("/v1/secret/import", s.SecretImportHandler)
		r.Get("/v1/secret/export", s.SecretExportHandler)

		// Password tools
		r.Post("/v1/password/generate", s.PasswordGenerateHandler)
		r.Post("/v1/password/score", s.PasswordScoreHandler)
		r.Post("/v1/password/validate", s.PasswordValidateHandler)

		// Sys
		r.Post("/v1/sys/rotate", s.RotateHandler)
		r.Post("/v1/sys/backup", s.BackupHandler)
		r.Get("/v1/sys/rotation-status", s.RotationStatusHandler)
		r.Get("/v1/sys/audit-log", s.AuditLogHandler)
		r.Post("/v1/sys/audit-purge", s.AuditPurgeHandler)
		r.Get("/v1/sys/sessions", s.SessionsHandler)
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		s.httpSrv.TLSConfig = &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

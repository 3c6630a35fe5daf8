package api

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/apierr"
	"github.com/org/apiguard/internal/auth"
	"github.com/org/apiguard/internal/config"
	"github.com/org/apiguard/internal/csrf"
	"github.com/org/apiguard/internal/monitor"
	"github.com/org/apiguard/internal/pipeline"
	"github.com/org/apiguard/internal/ratelimit"
	"github.com/org/apiguard/internal/storage"
	"github.com/org/apiguard/internal/store"
	"github.com/org/apiguard/internal/validate"
	"github.com/org/apiguard/pkg/models"
)

// Version is reported by the health endpoint.
const Version = "1.0.0"

// EventArchive is the interface the server needs from the event archive.
type EventArchive interface {
	Query(ctx context.Context, f models.EventFilter) ([]*models.SecurityEvent, error)
}

// Server is the API server.
type Server struct {
	cfg      *config.Config
	backend  storage.Backend
	tokens   store.TokenStore
	monitor  *monitor.Monitor
	archive  EventArchive
	limiter  *ratelimit.Limiter
	csrf     *csrf.Guard
	issuer   *auth.TokenIssuer
	authn    *auth.Authenticator
	pipeline *pipeline.Composer
	httpSrv  *http.Server
}

// Option customises a Server.
type Option func(*Server)

// WithArchive serves archived events from the security events endpoint.
func WithArchive(a EventArchive) Option {
	return func(s *Server) { s.archive = a }
}

// NewServer creates a fully wired Server.
func NewServer(cfg *config.Config, backend storage.Backend, ts store.TokenStore, mon *monitor.Monitor, opts ...Option) (*Server, error) {
	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		return nil, fmt.Errorf("creating token issuer: %w", err)
	}
	limiter := ratelimit.New(ts, mon, cfg.Security, cfg.Store)
	guard := csrf.New(ts, mon, cfg.Security, cfg.Store, cfg.IsProduction())

	var sessions auth.SessionProvider
	if backend != nil {
		sessions = backend
	}
	authn := auth.NewAuthenticator(sessions, issuer, limiter, mon, cfg.Auth)

	s := &Server{
		cfg:     cfg,
		backend: backend,
		tokens:  ts,
		monitor: mon,
		limiter: limiter,
		csrf:    guard,
		issuer:  issuer,
		authn:   authn,
	}
	s.pipeline = pipeline.New(cfg, pipeline.Deps{
		Limiter:   limiter,
		CSRF:      guard,
		Authn:     authn,
		Authz:     auth.NewAuthorizer(mon),
		Validator: validate.New(),
		Reporter:  mon,
	})
	for _, o := range opts {
		o(s)
	}
	return s, nil
}

var eventsReadPermission = auth.Permission{Resource: auth.ResourceSecurityEvents, Action: auth.ActionRead}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(pipeline.SecurityHeaders(s.cfg.Security.HeadersEnabled, s.cfg.IsProduction()))
	r.Use(metricsMiddleware)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apierr.Write(w, r, apierr.ErrNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apierr.Write(w, r, apierr.ErrMethodNotAllowed)
	})

	// Probes and scraping stay outside the pipeline.
	r.Handle("/metrics", MetricsHandler())
	r.Get("/v1/sys/health", s.HealthHandler)

	p := s.pipeline
	r.Group(func(r chi.Router) {
		r.Use(p.Entry)

		r.Handle("/v1/csrf-token", p.WrapFunc(pipeline.RouteOptions{
			Endpoint: "csrf-token",
			Methods:  []string{http.MethodGet},
		}, s.CSRFTokenHandler))

		r.Handle("/v1/auth/login", p.WrapFunc(pipeline.RouteOptions{
			Endpoint:  "login",
			Methods:   []string{http.MethodPost},
			RateScope: ratelimit.ScopeAuth,
			CSRF:      csrf.ModeDoubleSubmit,
			Body:      pipeline.Schema[loginRequest](),
		}, s.LoginHandler))

		r.Handle("/v1/auth/logout", p.WrapFunc(pipeline.RouteOptions{
			Endpoint:    "logout",
			Methods:     []string{http.MethodPost},
			CSRF:        csrf.ModeStrict,
			RequireAuth: true,
		}, s.LogoutHandler))

		r.Handle("/v1/me", p.WrapFunc(pipeline.RouteOptions{
			Endpoint:    "me",
			Methods:     []string{http.MethodGet},
			RequireAuth: true,
		}, s.MeHandler))

		r.Handle("/v1/sys/security-events", p.WrapFunc(pipeline.RouteOptions{
			Endpoint:   "security-events",
			Methods:    []string{http.MethodGet},
			Role:       models.RoleAdmin,
			Permission: &eventsReadPermission,
			Query:      pipeline.Schema[eventsQuery](),
		}, s.SecurityEventsHandler))

		r.Handle("/v1/uploads", p.WrapFunc(pipeline.RouteOptions{
			Endpoint:     "uploads",
			Methods:      []string{http.MethodPost},
			ContentTypes: []string{"multipart/form-data"},
			RateScope:    ratelimit.ScopeUpload,
			CSRF:         csrf.ModeStrict,
			RequireAuth:  true,
		}, s.UploadHandler))
	})

	return r
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.Server.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.Server.TLSCertFile != "" && s.cfg.Server.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.Server.TLSCertFile, s.cfg.Server.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.Server.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

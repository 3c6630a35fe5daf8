package api

import (
	"context"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/apierr"
)

// HealthHandler handles GET /v1/sys/health
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	code := http.StatusOK
	checks := map[string]string{}
	if s.backend != nil {
		checks["database"] = "ok"
		if err := s.backend.Ping(ctx); err != nil {
			log.Warn().Err(err).Str("component", "api").Msg("database health check failed")
			checks["database"] = "unavailable"
			code = http.StatusServiceUnavailable
		}
	}
	if s.tokens != nil {
		// The limiter and CSRF guard fail open, so a broken store degrades
		// protection without failing the probe.
		checks["store"] = "ok"
		if err := s.tokens.Ping(ctx); err != nil {
			checks["store"] = "degraded"
		}
	}

	status := "ok"
	if code != http.StatusOK {
		status = "unavailable"
	}
	writeJSON(w, code, map[string]any{
		"status":  status,
		"checks":  checks,
		"version": Version,
	})
}

// CSRFTokenHandler handles GET /v1/csrf-token
func (s *Server) CSRFTokenHandler(w http.ResponseWriter, r *http.Request) {
	tok, err := s.csrf.Issue(r.Context(), r)
	if err != nil {
		log.Error().Err(err).Str("component", "api").Msg("issuing csrf token")
		apierr.Write(w, r, apierr.ErrInternal)
		return
	}
	s.csrf.SetCookie(w, tok)
	writeJSON(w, http.StatusOK, tok)
}

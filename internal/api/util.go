package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/org/apiguard/internal/reqctx"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}

// setSessionCookie writes the session cookie; an empty value clears it.
func (s *Server) setSessionCookie(w http.ResponseWriter, value string, expires time.Time) {
	c := &http.Cookie{
		Name:     s.authn.CookieName(),
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.IsProduction(),
		SameSite: http.SameSiteStrictMode,
	}
	if value == "" {
		c.MaxAge = -1
	} else {
		c.Expires = expires
	}
	http.SetCookie(w, c)
}

func clientIP(r *http.Request) string {
	if rc, ok := reqctx.From(r.Context()); ok {
		return rc.ClientIP
	}
	return ""
}

// Package pipeline composes the security components into one decision per
// request.
//
// Entry wraps the whole router: it builds the RequestContext, resolves the
// caller, scans the input for injection probes, recovers panics and stamps
// the response headers. Wrap guards a single route with an ordered list of
// gates; the first denial short-circuits and is rendered as the JSON error
// body.
package pipeline

import (
	"context"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/apierr"
	"github.com/org/apiguard/internal/auth"
	"github.com/org/apiguard/internal/config"
	"github.com/org/apiguard/internal/csrf"
	"github.com/org/apiguard/internal/ratelimit"
	"github.com/org/apiguard/internal/validate"
	"github.com/org/apiguard/pkg/models"
)

const defaultMaxBody int64 = 1 << 20

// Reporter receives pipeline events. *monitor.Monitor satisfies it.
type Reporter interface {
	RecordContext(ctx context.Context, typ models.EventType, sev models.Severity, details map[string]any) models.SecurityEvent
}

// RouteOptions declares what a route requires. Zero fields switch the
// matching gate off.
type RouteOptions struct {
	// Endpoint names the route in rate-limit keys. Defaults to the path.
	Endpoint string
	Methods  []string
	// ContentTypes lists accepted media types for requests with a body.
	// Defaults to application/json when Body is set.
	ContentTypes []string
	// RateScope defaults to the api scope.
	RateScope   ratelimit.Scope
	CSRF        csrf.Mode
	RequireAuth bool
	Role        models.Role
	Permission  *auth.Permission
	// Owner returns the owner id of the targeted resource for own-scoped
	// permissions.
	Owner func(*http.Request) string
	Body  func() any
	Query func() any
}

// Deps are the components the composer drives. Any of them may be nil,
// which disables the gates that need it.
type Deps struct {
	Limiter   *ratelimit.Limiter
	CSRF      *csrf.Guard
	Authn     *auth.Authenticator
	Authz     *auth.Authorizer
	Validator *validate.Validator
	Reporter  Reporter
}

// Composer builds per-route gate lists and the global entry wrapper.
type Composer struct {
	limiter        *ratelimit.Limiter
	csrf           *csrf.Guard
	authn          *auth.Authenticator
	authz          *auth.Authorizer
	validator      *validate.Validator
	reporter       Reporter
	allowedOrigins map[string]bool
	anyOrigin      bool
	apiVersions    []string
	trustForwarded bool
	production     bool
	maxBody        int64
}

// New builds a Composer.
func New(cfg *config.Config, deps Deps) *Composer {
	c := &Composer{
		limiter:        deps.Limiter,
		csrf:           deps.CSRF,
		authn:          deps.Authn,
		authz:          deps.Authz,
		validator:      deps.Validator,
		reporter:       deps.Reporter,
		allowedOrigins: make(map[string]bool, len(cfg.Security.AllowedOrigins)),
		apiVersions:    cfg.Security.APIVersions,
		trustForwarded: cfg.Server.TrustForwardedFor,
		production:     cfg.IsProduction(),
		maxBody:        defaultMaxBody,
	}
	for _, o := range cfg.Security.AllowedOrigins {
		if o == "*" {
			c.anyOrigin = true
			continue
		}
		c.allowedOrigins[strings.TrimSuffix(strings.ToLower(o), "/")] = true
	}
	if len(c.apiVersions) == 0 {
		c.apiVersions = []string{"v1"}
	}
	if c.validator == nil {
		c.validator = validate.New()
	}
	if c.authz == nil {
		c.authz = auth.NewAuthorizer(deps.Reporter)
	}
	return c
}

// Gates returns the gate list for opts in evaluation order.
func (c *Composer) Gates(opts RouteOptions) []Gate {
	var gates []Gate
	if len(opts.Methods) > 0 {
		gates = append(gates, methodGate{methods: opts.Methods})
	}
	gates = append(gates, originGate{c: c})

	types := opts.ContentTypes
	if len(types) == 0 && opts.Body != nil {
		types = []string{"application/json"}
	}
	if len(types) > 0 {
		gates = append(gates, contentTypeGate{types: types})
	}

	if c.limiter != nil {
		scope := opts.RateScope
		if scope == "" {
			scope = ratelimit.ScopeAPI
		}
		gates = append(gates, rateLimitGate{c: c, scope: scope, endpoint: opts.Endpoint})
	}
	if c.csrf != nil && opts.CSRF != "" && opts.CSRF != csrf.ModeOff {
		gates = append(gates, csrfGate{c: c, mode: opts.CSRF})
	}
	if opts.RequireAuth || opts.Role != "" || opts.Permission != nil {
		gates = append(gates, authenticatedGate{})
	}
	if opts.Role != "" {
		gates = append(gates, roleGate{c: c, role: opts.Role})
	}
	if opts.Permission != nil {
		gates = append(gates, permissionGate{c: c, perm: *opts.Permission, owner: opts.Owner})
	}
	if opts.Body != nil {
		gates = append(gates, bodyGate{c: c, schema: opts.Body})
	}
	if opts.Query != nil {
		gates = append(gates, queryGate{c: c, schema: opts.Query})
	}
	return gates
}

// Wrap guards next with the gates opts asks for. It must run inside Entry.
func (c *Composer) Wrap(opts RouteOptions, next http.Handler) http.Handler {
	gates := c.Gates(opts)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, rc := c.ensureContext(w, r)
		ev := &Evaluation{W: w, R: r, RC: rc, Route: &opts}

		if gate, out := fold(gates, ev); out.Denied() {
			denialsTotal.WithLabelValues(gate, string(out.Err.Code)).Inc()
			log.Debug().
				Str("component", "pipeline").
				Str("gate", gate).
				Str("code", string(out.Err.Code)).
				Str("request_id", rc.RequestID).
				Str("path", r.URL.Path).
				Msg("request denied")
			apierr.Write(w, ev.R, out.Err)
			return
		}

		ctx := ev.R.Context()
		if ev.Body != nil {
			ctx = withBody(ctx, ev.Body)
		}
		if ev.Query != nil {
			ctx = withQuery(ctx, ev.Query)
		}
		next.ServeHTTP(w, ev.R.WithContext(ctx))
	})
}

// WrapFunc is Wrap for a handler function.
func (c *Composer) WrapFunc(opts RouteOptions, fn http.HandlerFunc) http.Handler {
	return c.Wrap(opts, fn)
}

func (c *Composer) originAllowed(origin, host string) bool {
	if c.anyOrigin {
		return true
	}
	o := strings.TrimSuffix(strings.ToLower(origin), "/")
	if c.allowedOrigins[o] {
		return true
	}
	u, err := url.Parse(o)
	return err == nil && u.Host != "" && strings.EqualFold(u.Host, host)
}

func (c *Composer) validationFailure(ev *Evaluation, part string, err error) Outcome {
	ve, ok := validate.AsErrors(err)
	if !ok {
		log.Error().Err(err).Str("component", "pipeline").Str("part", part).Msg("validation setup error")
		return Deny(apierr.ErrInternal)
	}
	fields := make([]string, 0, len(ve))
	for _, fe := range ve {
		fields = append(fields, fe.Field)
	}
	c.report(ev.R.Context(), models.EventValidationFailed, models.SeverityLow, map[string]any{
		"part":   part,
		"fields": fields,
	})
	return Deny(apierr.Validation(ve))
}

func (c *Composer) report(ctx context.Context, typ models.EventType, sev models.Severity, details map[string]any) {
	if c.reporter != nil {
		c.reporter.RecordContext(ctx, typ, sev, details)
	}
}

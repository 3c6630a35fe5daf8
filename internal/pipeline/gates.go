package pipeline

import (
	"bytes"
	"errors"
	"io"
	"mime"
	"net/http"
	"net/url"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/org/apiguard/internal/apierr"
	"github.com/org/apiguard/internal/auth"
	"github.com/org/apiguard/internal/csrf"
	"github.com/org/apiguard/internal/ratelimit"
	"github.com/org/apiguard/internal/validate"
	"github.com/org/apiguard/pkg/models"
)

type methodGate struct{ methods []string }

func (methodGate) Name() string { return GateMethod }

func (g methodGate) Evaluate(ev *Evaluation) Outcome {
	if slices.Contains(g.methods, ev.R.Method) {
		return Continue
	}
	// HEAD is served wherever GET is.
	if ev.R.Method == http.MethodHead && slices.Contains(g.methods, http.MethodGet) {
		return Continue
	}
	ev.W.Header().Set("Allow", strings.Join(g.methods, ", "))
	return Deny(apierr.ErrMethodNotAllowed)
}

type originGate struct{ c *Composer }

func (originGate) Name() string { return GateOrigin }

// Evaluate accepts requests without Origin or Referer (non-browser
// clients), same-host origins and the configured allow-list.
func (g originGate) Evaluate(ev *Evaluation) Outcome {
	origin := ev.R.Header.Get("Origin")
	source := "origin"
	if origin == "" {
		ref := ev.R.Header.Get("Referer")
		if ref == "" {
			return Continue
		}
		u, err := url.Parse(ref)
		if err != nil || u.Host == "" {
			return g.deny(ev, ref, "referer")
		}
		origin = u.Scheme + "://" + u.Host
		source = "referer"
	}
	if g.c.originAllowed(origin, ev.R.Host) {
		return Continue
	}
	return g.deny(ev, origin, source)
}

func (g originGate) deny(ev *Evaluation, origin, source string) Outcome {
	g.c.report(ev.R.Context(), models.EventInvalidOrigin, models.SeverityMedium, map[string]any{
		"origin": origin,
		"source": source,
	})
	return Deny(apierr.ErrInvalidOrigin)
}

type contentTypeGate struct{ types []string }

func (contentTypeGate) Name() string { return GateContentType }

// Evaluate only inspects requests that carry a body.
func (g contentTypeGate) Evaluate(ev *Evaluation) Outcome {
	if !hasBody(ev.R) {
		return Continue
	}
	mediaType, _, err := mime.ParseMediaType(ev.R.Header.Get("Content-Type"))
	if err != nil {
		return Deny(apierr.ErrContentType)
	}
	for _, t := range g.types {
		if strings.EqualFold(mediaType, t) {
			return Continue
		}
	}
	return Deny(apierr.ErrContentType.WithDetails(map[string]any{"allowed": g.types}))
}

type rateLimitGate struct {
	c        *Composer
	scope    ratelimit.Scope
	endpoint string
}

func (rateLimitGate) Name() string { return GateRateLimit }

func (g rateLimitGate) Evaluate(ev *Evaluation) Outcome {
	endpoint := g.endpoint
	if endpoint == "" {
		endpoint = ev.R.URL.Path
	}
	subj := ratelimit.Subject{UserID: ev.RC.UserID(), IP: ev.RC.ClientIP}
	d := g.c.limiter.Consume(ev.R.Context(), g.scope, subj, endpoint)
	d.WriteHeaders(ev.W)
	if d.Allowed {
		return Continue
	}
	return Deny(apierr.ErrRateLimited.WithDetails(map[string]any{
		"retryAfter": d.RetryAfterSeconds(),
	}))
}

type csrfGate struct {
	c    *Composer
	mode csrf.Mode
}

func (csrfGate) Name() string { return GateCSRF }

func (g csrfGate) Evaluate(ev *Evaluation) Outcome {
	res := g.c.csrf.Validate(ev.R.Context(), ev.R, g.mode)
	switch {
	case res.Valid:
		return Continue
	case res.Missing():
		return Deny(apierr.ErrCSRFMissing)
	default:
		return Deny(apierr.ErrCSRFInvalid)
	}
}

type authenticatedGate struct{}

func (authenticatedGate) Name() string { return GateAuthenticated }

func (authenticatedGate) Evaluate(ev *Evaluation) Outcome {
	if ev.RC.Identity == nil {
		return Deny(apierr.ErrAuthRequired)
	}
	return Continue
}

type roleGate struct {
	c    *Composer
	role models.Role
}

func (roleGate) Name() string { return GateRole }

func (g roleGate) Evaluate(ev *Evaluation) Outcome {
	if err := g.c.authz.CheckRole(ev.R.Context(), ev.RC.Identity, g.role); err != nil {
		return Deny(authzError(err))
	}
	return Continue
}

type permissionGate struct {
	c     *Composer
	perm  auth.Permission
	owner func(*http.Request) string
}

func (permissionGate) Name() string { return GatePermission }

func (g permissionGate) Evaluate(ev *Evaluation) Outcome {
	var owner string
	if g.owner != nil {
		owner = g.owner(ev.R)
	}
	if err := g.c.authz.CheckPermission(ev.R.Context(), ev.RC.Identity, g.perm, owner); err != nil {
		return Deny(authzError(err))
	}
	return Continue
}

func authzError(err error) *apierr.Error {
	switch {
	case errors.Is(err, auth.ErrAuthRequired):
		return apierr.ErrAuthRequired
	case errors.Is(err, auth.ErrInsufficientRole):
		return apierr.ErrInsufficientRole
	default:
		return apierr.ErrPermissionDenied
	}
}

type bodyGate struct {
	c      *Composer
	schema func() any
}

func (bodyGate) Name() string { return GateBody }

func (g bodyGate) Evaluate(ev *Evaluation) Outcome {
	raw, err := readBody(ev.R, g.c.maxBody)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return Deny(apierr.New(http.StatusRequestEntityTooLarge, apierr.CodeValidation, "Request body too large"))
		}
		log.Warn().Err(err).Str("component", "pipeline").Msg("reading request body")
		return Deny(apierr.Validation(validate.Errors{{Field: "body", Rule: "read", Message: "Unreadable body"}}))
	}
	dst := g.schema()
	if err := g.c.validator.Body(bytes.NewReader(raw), dst); err != nil {
		return g.c.validationFailure(ev, "body", err)
	}
	ev.Body = dst
	return Continue
}

type queryGate struct {
	c      *Composer
	schema func() any
}

func (queryGate) Name() string { return GateQuery }

func (g queryGate) Evaluate(ev *Evaluation) Outcome {
	dst := g.schema()
	if err := g.c.validator.Query(ev.R.URL.Query(), dst); err != nil {
		return g.c.validationFailure(ev, "query", err)
	}
	ev.Query = dst
	return Continue
}

// readBody returns the body bytes and leaves an equivalent reader in place
// so later readers see the same payload.
func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	data, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, limit))
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, err
}

func hasBody(r *http.Request) bool {
	return r.ContentLength > 0 || len(r.TransferEncoding) > 0
}

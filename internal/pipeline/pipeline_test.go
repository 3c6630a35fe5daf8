package pipeline

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/org/apiguard/internal/auth"
	"github.com/org/apiguard/internal/config"
	"github.com/org/apiguard/internal/csrf"
	"github.com/org/apiguard/internal/monitor"
	"github.com/org/apiguard/internal/ratelimit"
	"github.com/org/apiguard/internal/reqctx"
	"github.com/org/apiguard/internal/store"
	"github.com/org/apiguard/pkg/models"
)

const testSecret = "pipeline-test-secret-that-is-long-enough"

type harness struct {
	cfg      *config.Config
	composer *Composer
	monitor  *monitor.Monitor
	limiter  *ratelimit.Limiter
	guard    *csrf.Guard
	issuer   *auth.TokenIssuer
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = testSecret
	if mutate != nil {
		mutate(cfg)
	}
	ms := store.NewMemoryStore()
	t.Cleanup(func() { ms.Close() })

	mon := monitor.New(cfg.Monitor)
	lim := ratelimit.New(ms, mon, cfg.Security, cfg.Store)
	guard := csrf.New(ms, mon, cfg.Security, cfg.Store, false)
	issuer, err := auth.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	require.NoError(t, err)

	c := New(cfg, Deps{
		Limiter:  lim,
		CSRF:     guard,
		Authn:    auth.NewAuthenticator(nil, issuer, lim, nil, cfg.Auth),
		Authz:    auth.NewAuthorizer(mon),
		Reporter: mon,
	})
	return &harness{cfg: cfg, composer: c, monitor: mon, limiter: lim, guard: guard, issuer: issuer}
}

func (h *harness) bearer(t *testing.T, id *models.Identity) string {
	t.Helper()
	tok, _, err := h.issuer.Issue(id)
	require.NoError(t, err)
	return "Bearer " + tok
}

func (h *harness) serve(opts RouteOptions, fn http.HandlerFunc, r *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.composer.Entry(h.composer.Wrap(opts, fn)).ServeHTTP(w, r)
	return w
}

func (h *harness) events(typ models.EventType) []models.SecurityEvent {
	return h.monitor.Query(models.EventFilter{Type: typ})
}

type errorBody struct {
	Error struct {
		Code      string          `json:"code"`
		Message   string          `json:"message"`
		Details   json.RawMessage `json:"details"`
		RequestID string          `json:"requestId"`
		Timestamp string          `json:"timestamp"`
	} `json:"error"`
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var b errorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &b), w.Body.String())
	return b
}

func ok(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }

type loginBody struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type questBody struct {
	Title string `json:"title" validate:"required,min=3,max=80"`
}

func jsonRequest(method, target, body string) *http.Request {
	r := httptest.NewRequest(method, target, strings.NewReader(body))
	r.Header.Set("Content-Type", "application/json")
	return r
}

func TestGateOrder(t *testing.T) {
	h := newHarness(t, nil)
	perm := auth.Permission{Resource: auth.ResourceQuest, Action: auth.ActionCreate}
	gates := h.composer.Gates(RouteOptions{
		Methods:     []string{http.MethodPost},
		CSRF:        csrf.ModeStrict,
		RequireAuth: true,
		Role:        models.RoleUser,
		Permission:  &perm,
		Body:        Schema[questBody](),
		Query:       Schema[struct{}](),
	})
	names := make([]string, len(gates))
	for i, g := range gates {
		names[i] = g.Name()
	}
	assert.Equal(t, []string{
		GateMethod, GateOrigin, GateContentType, GateRateLimit, GateCSRF,
		GateAuthenticated, GateRole, GatePermission, GateBody, GateQuery,
	}, names)

	gates = h.composer.Gates(RouteOptions{})
	require.Len(t, gates, 2)
	assert.Equal(t, GateOrigin, gates[0].Name())
	assert.Equal(t, GateRateLimit, gates[1].Name())
}

// Five failed logins from one address exhaust the auth bucket: the sixth is
// refused before the handler checks credentials, and the source is marked
// suspicious.
func TestScenarioBruteForceLogin(t *testing.T) {
	h := newHarness(t, nil)
	calls := 0
	login := func(w http.ResponseWriter, r *http.Request) {
		calls++
		body, _ := BodyFrom[loginBody](r.Context())
		h.monitor.RecordRequest(r, models.EventLoginFailed, models.SeverityLow, map[string]any{"email": body.Email})
		w.WriteHeader(http.StatusUnauthorized)
	}
	opts := RouteOptions{
		Endpoint:  "auth.login",
		Methods:   []string{http.MethodPost},
		RateScope: ratelimit.ScopeAuth,
		Body:      Schema[loginBody](),
	}

	for i := 0; i < 5; i++ {
		w := h.serve(opts, login, jsonRequest(http.MethodPost, "/v1/auth/login", `{"email":"ada@example.com","password":"wrong"}`))
		require.Equal(t, http.StatusUnauthorized, w.Code)
	}

	w := h.serve(opts, login, jsonRequest(http.MethodPost, "/v1/auth/login", `{"email":"ada@example.com","password":"wrong"}`))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "RATE_LIMIT_EXCEEDED", decodeError(t, w).Error.Code)
	assert.NotEmpty(t, w.Header().Get("Retry-After"))
	assert.Equal(t, 5, calls)

	assert.NotEmpty(t, h.events(models.EventRateLimitExceeded))
	assert.NotEmpty(t, h.events(models.EventBruteForceDetected))
	assert.True(t, h.monitor.IsSuspicious("192.0.2.1"))
}

// A CSRF denial does not refund the rate-limit point consumed before it.
func TestScenarioMissingCSRFKeepsRateCharge(t *testing.T) {
	h := newHarness(t, nil)
	called := false
	opts := RouteOptions{
		Endpoint:    "quests.create",
		Methods:     []string{http.MethodPost},
		CSRF:        csrf.ModeStrict,
		RequireAuth: true,
		Body:        Schema[questBody](),
	}
	bearer := h.bearer(t, &models.Identity{ID: "u-1", Role: models.RoleUser, IsVerified: true})

	send := func() *httptest.ResponseRecorder {
		r := jsonRequest(http.MethodPost, "/v1/quests", `{"title":"Slay the dragon"}`)
		r.Header.Set("Authorization", bearer)
		return h.serve(opts, func(w http.ResponseWriter, r *http.Request) { called = true }, r)
	}

	w := send()
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "CSRF_TOKEN_MISSING", decodeError(t, w).Error.Code)
	assert.Equal(t, "1000", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "999", w.Header().Get("X-RateLimit-Remaining"))

	w = send()
	assert.Equal(t, "998", w.Header().Get("X-RateLimit-Remaining"))
	assert.False(t, called)
	assert.Len(t, h.events(models.EventCSRFTokenMissing), 2)
}

func TestScenarioForeignOrigin(t *testing.T) {
	h := newHarness(t, nil)
	r := httptest.NewRequest(http.MethodGet, "/v1/quests", nil)
	r.Header.Set("Origin", "https://evil.example")

	w := h.serve(RouteOptions{Endpoint: "quests.list"}, ok, r)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "INVALID_ORIGIN", decodeError(t, w).Error.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Remaining"), "origin gate runs before rate limiting")

	events := h.events(models.EventInvalidOrigin)
	require.Len(t, events, 1)
	assert.Equal(t, "https://evil.example", events[0].Details["origin"])
}

// An injection probe is recorded even when the request is refused for an
// unrelated reason.
func TestScenarioInjectionRecordedOnDenial(t *testing.T) {
	h := newHarness(t, nil)
	target := "/v1/me?" + url.Values{"q": {"' OR 1=1"}}.Encode()
	w := h.serve(RouteOptions{RequireAuth: true}, ok, httptest.NewRequest(http.MethodGet, target, nil))

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "AUTH_REQUIRED", decodeError(t, w).Error.Code)

	events := h.events(models.EventSQLInjectionAttempt)
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityHigh, events[0].Severity)
	assert.Equal(t, "query.q", events[0].Details["field"])
	assert.Equal(t, "/v1/me", events[0].Path)
}

func TestBodyInjectionScanned(t *testing.T) {
	h := newHarness(t, nil)
	var got *questBody
	r := jsonRequest(http.MethodPost, "/v1/quests", `{"title":"<script>alert(1)</script>Quest"}`)
	w := h.serve(RouteOptions{Body: Schema[questBody]()}, func(w http.ResponseWriter, r *http.Request) {
		got, _ = BodyFrom[questBody](r.Context())
		w.WriteHeader(http.StatusCreated)
	}, r)

	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "Quest", got.Title, "handler sees the sanitized value")
	events := h.events(models.EventXSSAttempt)
	require.Len(t, events, 1)
	assert.Equal(t, "body.title", events[0].Details["field"])
}

func TestValidationFailure(t *testing.T) {
	h := newHarness(t, nil)
	w := h.serve(RouteOptions{Body: Schema[questBody]()}, ok, jsonRequest(http.MethodPost, "/v1/quests", `{"title":"<b></b>ab"}`))
	assert.Equal(t, http.StatusBadRequest, w.Code)
	b := decodeError(t, w)
	assert.Equal(t, "VALIDATION_ERROR", b.Error.Code)
	assert.JSONEq(t, `[{"field":"title","rule":"min","message":"Value is too short (min 3)"}]`, string(b.Error.Details))
	assert.Len(t, h.events(models.EventValidationFailed), 1)
}

func TestQueryDelivered(t *testing.T) {
	type listQuery struct {
		Limit int `query:"limit" validate:"omitempty,min=1,max=100"`
	}
	h := newHarness(t, nil)
	var got *listQuery
	w := h.serve(RouteOptions{Query: Schema[listQuery]()}, func(w http.ResponseWriter, r *http.Request) {
		got, _ = QueryFrom[listQuery](r.Context())
	}, httptest.NewRequest(http.MethodGet, "/v1/quests?limit=25", nil))
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 25, got.Limit)

	w = h.serve(RouteOptions{Query: Schema[listQuery]()}, ok, httptest.NewRequest(http.MethodGet, "/v1/quests?limit=500", nil))
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestMethodAndContentType(t *testing.T) {
	h := newHarness(t, nil)
	opts := RouteOptions{Methods: []string{http.MethodGet, http.MethodPost}, Body: Schema[questBody]()}

	w := h.serve(opts, ok, httptest.NewRequest(http.MethodDelete, "/v1/quests", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
	assert.Equal(t, "GET, POST", w.Header().Get("Allow"))

	r := httptest.NewRequest(http.MethodPost, "/v1/quests", strings.NewReader("title=x"))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	w = h.serve(opts, ok, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "INVALID_CONTENT_TYPE", decodeError(t, w).Error.Code)
}

func TestRoleAndPermissionGates(t *testing.T) {
	h := newHarness(t, nil)
	perm := auth.Permission{Resource: auth.ResourceQuest, Action: auth.ActionUpdateOwn}
	ownerOpts := RouteOptions{
		Permission: &perm,
		Owner:      func(r *http.Request) string { return r.URL.Query().Get("owner") },
	}
	adminOpts := RouteOptions{Role: models.RoleAdmin}

	get := func(target string, id *models.Identity) *http.Request {
		r := httptest.NewRequest(http.MethodGet, target, nil)
		r.Header.Set("Authorization", h.bearer(t, id))
		return r
	}
	user := &models.Identity{ID: "u-1", Role: models.RoleUser, IsVerified: true}
	unverifiedAdmin := &models.Identity{ID: "a-1", Role: models.RoleAdmin}
	admin := &models.Identity{ID: "a-2", Role: models.RoleAdmin, IsVerified: true}

	assert.Equal(t, http.StatusNoContent, h.serve(ownerOpts, ok, get("/q?owner=u-1", user)).Code)

	w := h.serve(ownerOpts, ok, get("/q?owner=u-2", user))
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "PERMISSION_DENIED", decodeError(t, w).Error.Code)

	w = h.serve(adminOpts, ok, get("/sys", user))
	assert.Equal(t, "INSUFFICIENT_PERMISSIONS", decodeError(t, w).Error.Code)
	assert.NotEmpty(t, h.events(models.EventPrivilegeEscalation))

	w = h.serve(adminOpts, ok, get("/sys", unverifiedAdmin))
	assert.Equal(t, http.StatusForbidden, w.Code)

	assert.Equal(t, http.StatusNoContent, h.serve(adminOpts, ok, get("/sys", admin)).Code)
}

func TestDoubleSubmitCSRF(t *testing.T) {
	h := newHarness(t, nil)
	opts := RouteOptions{CSRF: csrf.ModeDoubleSubmit}
	r := httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	r.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: "abc"})
	r.Header.Set(csrf.HeaderName, "abc")
	assert.Equal(t, http.StatusNoContent, h.serve(opts, ok, r).Code)

	r = httptest.NewRequest(http.MethodPost, "/v1/auth/login", nil)
	r.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: "abc"})
	r.Header.Set(csrf.HeaderName, "abd")
	w := h.serve(opts, ok, r)
	assert.Equal(t, "CSRF_TOKEN_INVALID", decodeError(t, w).Error.Code)
}

func TestEntryHeadersAndRequestID(t *testing.T) {
	h := newHarness(t, nil)
	in := "8f14e45f-ceea-467f-a0d3-6bd2a4e3f1a9"
	r := httptest.NewRequest(http.MethodGet, "/v1/quests", nil)
	r.Header.Set(HeaderRequestID, in)
	var seen string
	w := h.serve(RouteOptions{}, func(w http.ResponseWriter, r *http.Request) {
		seen = reqctx.RequestID(r.Context())
		w.WriteHeader(http.StatusOK)
	}, r)
	assert.Equal(t, in, seen)
	assert.Equal(t, in, w.Header().Get(HeaderRequestID))
	assert.Equal(t, "v1", w.Header().Get(HeaderAPIVersion))
	assert.True(t, strings.HasSuffix(w.Header().Get(HeaderResponseTime), "ms"))

	r = httptest.NewRequest(http.MethodGet, "/v1/quests", nil)
	r.Header.Set(HeaderRequestID, "not-a-uuid")
	w = h.serve(RouteOptions{}, ok, r)
	assert.NotEqual(t, "not-a-uuid", w.Header().Get(HeaderRequestID))
	assert.Len(t, w.Header().Get(HeaderRequestID), 36)
}

func TestAPIVersionNegotiation(t *testing.T) {
	h := newHarness(t, nil)
	for _, v := range []string{"v1", "1", "V1"} {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		r.Header.Set("API-Version", v)
		assert.Equal(t, http.StatusNoContent, h.serve(RouteOptions{}, ok, r).Code, v)
	}
	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set("X-API-Version", "v2")
	w := h.serve(RouteOptions{}, ok, r)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "UNSUPPORTED_API_VERSION", decodeError(t, w).Error.Code)
}

func TestPanicRecovered(t *testing.T) {
	h := newHarness(t, nil)
	w := h.serve(RouteOptions{}, func(http.ResponseWriter, *http.Request) { panic("boom") }, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	b := decodeError(t, w)
	assert.Equal(t, "INTERNAL_ERROR", b.Error.Code)
	assert.Contains(t, string(b.Error.Details), "boom")
	events := h.events(models.EventSystemError)
	require.Len(t, events, 1)
	assert.Equal(t, models.SeverityMedium, events[0].Severity)

	prod := newHarness(t, func(c *config.Config) { c.Environment = config.EnvProduction })
	w = prod.serve(RouteOptions{}, func(http.ResponseWriter, *http.Request) { panic("secret detail") }, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotContains(t, w.Body.String(), "secret detail")
}

func TestSecurityHeaders(t *testing.T) {
	deny := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusForbidden) })

	w := httptest.NewRecorder()
	SecurityHeaders(true, false)(deny).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
	assert.NotEmpty(t, w.Header().Get("Content-Security-Policy"))
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))

	w = httptest.NewRecorder()
	SecurityHeaders(true, true)(deny).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=")

	w = httptest.NewRecorder()
	SecurityHeaders(false, true)(deny).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Empty(t, w.Header().Get("X-Frame-Options"))
}

func TestSameHostOriginAllowed(t *testing.T) {
	h := newHarness(t, nil)
	r := httptest.NewRequest(http.MethodGet, "http://api.example.com/v1/quests", nil)
	r.Header.Set("Origin", "https://api.example.com")
	assert.Equal(t, http.StatusNoContent, h.serve(RouteOptions{}, ok, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/v1/quests", nil)
	r.Header.Set("Referer", "http://localhost:3000/page")
	assert.Equal(t, http.StatusNoContent, h.serve(RouteOptions{}, ok, r).Code)

	r = httptest.NewRequest(http.MethodGet, "/v1/quests", nil)
	r.Header.Set("Referer", "https://evil.example/page")
	assert.Equal(t, http.StatusForbidden, h.serve(RouteOptions{}, ok, r).Code)
}

func TestRateLimitDisabled(t *testing.T) {
	h := newHarness(t, func(c *config.Config) { c.Security.RateLimitEnabled = false })
	w := h.serve(RouteOptions{}, ok, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Empty(t, w.Header().Get("X-RateLimit-Limit"))
}

func TestWrapWithoutEntry(t *testing.T) {
	h := newHarness(t, nil)
	w := httptest.NewRecorder()
	var rc *reqctx.RequestContext
	h.composer.Wrap(RouteOptions{}, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rc, _ = reqctx.From(r.Context())
	})).ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, rc)
	assert.NotEmpty(t, rc.RequestID)
	assert.WithinDuration(t, time.Now(), rc.StartTime, time.Minute)
}

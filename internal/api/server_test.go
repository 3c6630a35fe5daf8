package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/org/apiguard/internal/config"
	"github.com/org/apiguard/internal/crypto"
	"github.com/org/apiguard/internal/csrf"
	"github.com/org/apiguard/internal/monitor"
	"github.com/org/apiguard/internal/storage"
	"github.com/org/apiguard/internal/store"
	"github.com/org/apiguard/pkg/models"
)

// --- In-memory storage backend for tests ---

type memBackend struct {
	mu       sync.Mutex
	users    map[string]*models.User    // keyed by lowercased email
	sessions map[string]*models.Session // keyed by token hash
	events   []*models.SecurityEvent
	pingErr  error
}

func newMemBackend() *memBackend {
	return &memBackend{
		users:    map[string]*models.User{},
		sessions: map[string]*models.Session{},
	}
}

func (m *memBackend) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := strings.ToLower(u.Email)
	if _, ok := m.users[key]; ok {
		return storage.ErrAlreadyExists
	}
	u.ID = uuid.NewString()
	cp := *u
	m.users[key] = &cp
	return nil
}

func (m *memBackend) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[strings.ToLower(email)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m *memBackend) CreateSession(ctx context.Context, token string, s *models.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s.ID = uuid.NewString()
	cp := *s
	m.sessions[crypto.HashToken(token)] = &cp
	return nil
}

func (m *memBackend) LookupSession(ctx context.Context, token string) (*models.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[crypto.HashToken(token)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *memBackend) SessionActive(ctx context.Context, sessionID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.ID == sessionID {
			return !s.IsExpired(), nil
		}
	}
	return false, nil
}

func (m *memBackend) DeleteSession(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, s := range m.sessions {
		if s.ID == sessionID {
			delete(m.sessions, k)
			return nil
		}
	}
	return storage.ErrNotFound
}

func (m *memBackend) DeleteExpiredSessions(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for k, s := range m.sessions {
		if s.IsExpired() {
			delete(m.sessions, k)
			n++
		}
	}
	return n, nil
}

func (m *memBackend) WriteSecurityEvent(ctx context.Context, ev *models.SecurityEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *ev
	m.events = append(m.events, &cp)
	return nil
}

func (m *memBackend) QuerySecurityEvents(ctx context.Context, f models.EventFilter) ([]*models.SecurityEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*models.SecurityEvent
	for _, ev := range m.events {
		if f.Matches(ev) {
			out = append(out, ev)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

func (m *memBackend) Ping(ctx context.Context) error { return m.pingErr }
func (m *memBackend) Close()                         {}

// --- test helpers ---

const testPassword = "correct horse battery staple"

func newTestServer(t *testing.T, opts ...Option) (*Server, *memBackend) {
	t.Helper()
	cfg := config.Default()
	cfg.Auth.JWTSecret = strings.Repeat("k", 32)
	backend := newMemBackend()
	ts := store.NewMemoryStore()
	t.Cleanup(func() { ts.Close() })
	mon := monitor.New(cfg.Monitor)
	srv, err := NewServer(cfg, backend, ts, mon, opts...)
	if err != nil {
		t.Fatalf("creating server: %v", err)
	}
	return srv, backend
}

func createUser(t *testing.T, backend *memBackend, email string, role models.Role, verified bool) {
	t.Helper()
	hash, err := crypto.HashPassword(testPassword)
	if err != nil {
		t.Fatalf("hashing password: %v", err)
	}
	if err := backend.CreateUser(context.Background(), &models.User{
		Email: email, PasswordHash: hash, Role: role, Verified: verified,
	}); err != nil {
		t.Fatalf("creating user: %v", err)
	}
}

func postJSON(t *testing.T, handler http.Handler, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func getJSON(t *testing.T, handler http.Handler, path, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest("GET", path, nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var result map[string]any
	if err := json.NewDecoder(w.Body).Decode(&result); err != nil {
		t.Fatalf("decoding response: %v (body: %s)", err, w.Body.String())
	}
	return result
}

func errorCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	body := decodeBody(t, w)
	e, _ := body["error"].(map[string]any)
	code, _ := e["code"].(string)
	return code
}

// login posts credentials with a matching double-submit pair and returns
// the response.
func login(t *testing.T, handler http.Handler, email, password string) *httptest.ResponseRecorder {
	t.Helper()
	data, _ := json.Marshal(map[string]string{"email": email, "password": password})
	req := httptest.NewRequest("POST", "/v1/auth/login", bytes.NewReader(data))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(csrf.HeaderName, "double-submit-value")
	req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: "double-submit-value"})
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	return w
}

func loginToken(t *testing.T, handler http.Handler, email string) (string, *http.Cookie) {
	t.Helper()
	w := login(t, handler, email, testPassword)
	if w.Code != http.StatusOK {
		t.Fatalf("login failed: %d %s", w.Code, w.Body.String())
	}
	var sid *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == "sid" {
			sid = c
		}
	}
	body := decodeBody(t, w)
	token, _ := body["token"].(string)
	return token, sid
}

func csrfToken(t *testing.T, handler http.Handler) string {
	t.Helper()
	w := getJSON(t, handler, "/v1/csrf-token", "")
	if w.Code != http.StatusOK {
		t.Fatalf("csrf token failed: %d %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	return body["token"].(string)
}

// --- tests ---

func TestHealthEndpoint(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()

	w := getJSON(t, handler, "/v1/sys/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Content-Type-Options"); got != "nosniff" {
		t.Errorf("expected security headers on health, got %q", got)
	}

	backend.pingErr = context.DeadlineExceeded
	w = getJSON(t, handler, "/v1/sys/health", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 with database down, got %d", w.Code)
	}
}

func TestCSRFTokenEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := getJSON(t, handler, "/v1/csrf-token", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var cookie *http.Cookie
	for _, c := range w.Result().Cookies() {
		if c.Name == csrf.CookieName {
			cookie = c
		}
	}
	body := decodeBody(t, w)
	if cookie == nil || cookie.Value != body["token"] {
		t.Errorf("expected csrf cookie matching body token, got %v", cookie)
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("expected X-Request-ID header")
	}
	if w.Header().Get("X-RateLimit-Limit") != "100" {
		t.Errorf("expected api scope limit header, got %q", w.Header().Get("X-RateLimit-Limit"))
	}
}

func TestLoginAndMe(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	createUser(t, backend, "ada@example.com", models.RoleUser, true)

	token, sid := loginToken(t, handler, "Ada@Example.com")
	if token == "" {
		t.Fatal("expected bearer token")
	}
	if sid == nil || !sid.HttpOnly {
		t.Fatalf("expected HttpOnly session cookie, got %v", sid)
	}

	w := getJSON(t, handler, "/v1/me", token)
	if w.Code != http.StatusOK {
		t.Fatalf("me via bearer failed: %d %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].(map[string]any)
	if data["email"] != "ada@example.com" || data["source"] != "bearer" {
		t.Errorf("unexpected identity: %v", data)
	}

	req := httptest.NewRequest("GET", "/v1/me", nil)
	req.AddCookie(sid)
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("me via session failed: %d %s", w.Code, w.Body.String())
	}
	data = decodeBody(t, w)["data"].(map[string]any)
	if data["source"] != "session" {
		t.Errorf("expected session source, got %v", data["source"])
	}
	if perms, _ := data["permissions"].([]any); len(perms) == 0 || perms[0] != "profile:read" {
		t.Errorf("expected permissions derived from the user role, got %v", data["permissions"])
	}

	if got := len(srv.monitor.Query(models.EventFilter{Type: models.EventLoginSuccess})); got != 1 {
		t.Errorf("expected 1 login_success event, got %d", got)
	}
	if !srv.limiter.IsTrusted(data["id"].(string)) {
		t.Error("expected user to be trusted after login")
	}
}

func TestMeRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	w := getJSON(t, srv.BuildRouter(), "/v1/me", "")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	if code := errorCode(t, w); code != "AUTH_REQUIRED" {
		t.Errorf("expected AUTH_REQUIRED, got %s", code)
	}
}

func TestLoginFailures(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	createUser(t, backend, "ada@example.com", models.RoleUser, true)

	w := login(t, handler, "ada@example.com", "wrong password")
	if w.Code != http.StatusUnauthorized || errorCode(t, w) != "INVALID_CREDENTIALS" {
		t.Fatalf("expected 401 INVALID_CREDENTIALS, got %d", w.Code)
	}
	w = login(t, handler, "nobody@example.com", testPassword)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown email, got %d", w.Code)
	}

	events := srv.monitor.Query(models.EventFilter{Type: models.EventLoginFailed})
	if len(events) != 2 {
		t.Fatalf("expected 2 login_failed events, got %d", len(events))
	}
	if events[1].UserID == "" {
		t.Error("expected the known-account failure to carry the user id")
	}
	if srv.monitor.FailedAttempts(events[0].IP) != 2 {
		t.Errorf("expected 2 failed attempts for %s", events[0].IP)
	}
}

func TestLoginLimitIgnoresRotatedForwardedFor(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	createUser(t, backend, "ada@example.com", models.RoleUser, true)

	for i := 1; i <= 6; i++ {
		data, _ := json.Marshal(map[string]string{"email": "ada@example.com", "password": "wrong password"})
		req := httptest.NewRequest("POST", "/v1/auth/login", bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(csrf.HeaderName, "double-submit-value")
		req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: "double-submit-value"})
		req.Header.Set("X-Forwarded-For", fmt.Sprintf("203.0.113.%d", i))
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)

		want := http.StatusUnauthorized
		if i == 6 {
			want = http.StatusTooManyRequests
		}
		if w.Code != want {
			t.Fatalf("attempt %d: expected %d, got %d", i, want, w.Code)
		}
	}
}

func TestLoginFromSuspiciousSource(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	createUser(t, backend, "ada@example.com", models.RoleUser, true)
	srv.monitor.MarkSuspicious("192.0.2.1", "test")

	w := login(t, handler, "ada@example.com", testPassword)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	user := body["user"].(map[string]any)
	if srv.limiter.IsTrusted(user["id"].(string)) {
		t.Error("expected no trusted marker for a suspicious source")
	}
	events := srv.monitor.Query(models.EventFilter{Type: models.EventLoginSuccess})
	if len(events) != 1 {
		t.Fatalf("expected 1 login_success event, got %d", len(events))
	}
	if events[0].Severity != models.SeverityHigh || events[0].Details["suspiciousSource"] != true {
		t.Errorf("expected a high severity event flagged suspiciousSource, got %s %v", events[0].Severity, events[0].Details)
	}

	w = login(t, handler, "ada@example.com", "wrong password")
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
	failed := srv.monitor.Query(models.EventFilter{Type: models.EventLoginFailed})
	if len(failed) != 1 || failed[0].Severity != models.SeverityHigh {
		t.Errorf("expected one high severity login_failed event, got %v", failed)
	}
}

func TestLoginRequiresDoubleSubmit(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	createUser(t, backend, "ada@example.com", models.RoleUser, true)

	w := postJSON(t, handler, "/v1/auth/login", map[string]string{"email": "ada@example.com", "password": testPassword}, "")
	if w.Code != http.StatusForbidden || errorCode(t, w) != "CSRF_TOKEN_MISSING" {
		t.Fatalf("expected 403 CSRF_TOKEN_MISSING, got %d", w.Code)
	}
}

func TestLoginValidation(t *testing.T) {
	srv, _ := newTestServer(t)
	w := login(t, srv.BuildRouter(), "not-an-email", testPassword)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeBody(t, w)
	details := body["error"].(map[string]any)["details"].([]any)
	field := details[0].(map[string]any)["field"]
	if field != "email" {
		t.Errorf("expected email field error, got %v", field)
	}
}

func TestLogoutEndsSession(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	createUser(t, backend, "ada@example.com", models.RoleUser, true)
	bearer, sid := loginToken(t, handler, "ada@example.com")
	tok := csrfToken(t, handler)

	req := httptest.NewRequest("POST", "/v1/auth/logout", nil)
	req.AddCookie(sid)
	req.Header.Set(csrf.HeaderName, tok)
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("logout failed: %d %s", w.Code, w.Body.String())
	}

	if w := getJSON(t, handler, "/v1/me", bearer); w.Code != http.StatusUnauthorized {
		t.Errorf("expected bearer to die with its session, got %d", w.Code)
	}
	if got := len(srv.monitor.Query(models.EventFilter{Type: models.EventLogout})); got != 1 {
		t.Errorf("expected 1 logout event, got %d", got)
	}
}

func TestLogoutRequiresBoundToken(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	createUser(t, backend, "ada@example.com", models.RoleUser, true)
	bearer, _ := loginToken(t, handler, "ada@example.com")

	w := postJSON(t, handler, "/v1/auth/logout", nil, bearer)
	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 without csrf token, got %d", w.Code)
	}
}

func TestSecurityEventsAccess(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	createUser(t, backend, "user@example.com", models.RoleUser, true)
	createUser(t, backend, "unverified@example.com", models.RoleAdmin, false)
	createUser(t, backend, "admin@example.com", models.RoleAdmin, true)

	login(t, handler, "user@example.com", "wrong password")

	userTok, _ := loginToken(t, handler, "user@example.com")
	w := getJSON(t, handler, "/v1/sys/security-events", userTok)
	if w.Code != http.StatusForbidden || errorCode(t, w) != "INSUFFICIENT_PERMISSIONS" {
		t.Fatalf("expected 403 for user, got %d", w.Code)
	}
	if got := len(srv.monitor.Query(models.EventFilter{Type: models.EventPrivilegeEscalation})); got != 1 {
		t.Errorf("expected a privilege_escalation event, got %d", got)
	}

	unverifiedTok, _ := loginToken(t, handler, "unverified@example.com")
	if w := getJSON(t, handler, "/v1/sys/security-events", unverifiedTok); w.Code != http.StatusForbidden {
		t.Errorf("expected 403 for unverified admin, got %d", w.Code)
	}

	adminTok, _ := loginToken(t, handler, "admin@example.com")
	w = getJSON(t, handler, "/v1/sys/security-events?type=login_failed&limit=10", adminTok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for admin, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	data := body["data"].([]any)
	if len(data) != 1 {
		t.Fatalf("expected 1 login_failed event, got %d", len(data))
	}
	if body["source"] != "memory" {
		t.Errorf("expected memory source, got %v", body["source"])
	}

	if w := getJSON(t, handler, "/v1/sys/security-events?type=bogus", adminTok); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for unknown type, got %d", w.Code)
	}
	if w := getJSON(t, handler, "/v1/sys/security-events?limit=abc", adminTok); w.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for bad limit, got %d", w.Code)
	}
	if w := getJSON(t, handler, "/v1/sys/security-events?source=archive", adminTok); w.Code != http.StatusNotFound {
		t.Errorf("expected 404 with archive disabled, got %d", w.Code)
	}
}

type fakeArchive struct{ events []*models.SecurityEvent }

func (f *fakeArchive) Query(ctx context.Context, filter models.EventFilter) ([]*models.SecurityEvent, error) {
	return f.events, nil
}

func TestSecurityEventsFromArchive(t *testing.T) {
	archive := &fakeArchive{events: []*models.SecurityEvent{{
		ID: "archived", Type: models.EventXSSAttempt, Severity: models.SeverityHigh, Timestamp: time.Now(),
	}}}
	srv, backend := newTestServer(t, WithArchive(archive))
	handler := srv.BuildRouter()
	createUser(t, backend, "admin@example.com", models.RoleAdmin, true)
	adminTok, _ := loginToken(t, handler, "admin@example.com")

	w := getJSON(t, handler, "/v1/sys/security-events?source=archive", adminTok)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	data := decodeBody(t, w)["data"].([]any)
	if len(data) != 1 || data[0].(map[string]any)["id"] != "archived" {
		t.Errorf("unexpected archive data: %v", data)
	}
}

func multipartUpload(t *testing.T, filename, contentType string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	buf := &bytes.Buffer{}
	mw := multipart.NewWriter(buf)
	h := textproto.MIMEHeader{}
	h.Set("Content-Disposition", `form-data; name="file"; filename="`+filename+`"`)
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	if err != nil {
		t.Fatalf("creating part: %v", err)
	}
	part.Write(content) //nolint:errcheck
	mw.Close()
	return buf, mw.FormDataContentType()
}

func TestUploads(t *testing.T) {
	srv, backend := newTestServer(t)
	handler := srv.BuildRouter()
	createUser(t, backend, "ada@example.com", models.RoleUser, true)
	bearer, _ := loginToken(t, handler, "ada@example.com")

	tests := []struct {
		name        string
		filename    string
		contentType string
		want        int
	}{
		{"pdf accepted", "report.pdf", "application/pdf", http.StatusCreated},
		{"executable refused", "setup.exe", "application/octet-stream", http.StatusBadRequest},
		{"double extension refused", "invoice.exe.pdf", "application/pdf", http.StatusBadRequest},
		{"bad mime refused", "notes.txt", "not a mime", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			body, ct := multipartUpload(t, tt.filename, tt.contentType, []byte("hello"))
			req := httptest.NewRequest("POST", "/v1/uploads", body)
			req.Header.Set("Content-Type", ct)
			req.Header.Set("Authorization", "Bearer "+bearer)
			req.Header.Set(csrf.HeaderName, csrfToken(t, handler))
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, req)
			if w.Code != tt.want {
				t.Fatalf("expected %d, got %d: %s", tt.want, w.Code, w.Body.String())
			}
			if tt.want == http.StatusCreated {
				resp := decodeBody(t, w)
				if resp["sha256"] != "2cf24dba5fb0a30e26e83b2ac5b9e29e1b161e5c1fa7425e73043362938b9824" {
					t.Errorf("unexpected digest %v", resp["sha256"])
				}
			}
		})
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	body, ct := multipartUpload(t, "report.pdf", "application/pdf", []byte("hello"))
	req := httptest.NewRequest("POST", "/v1/uploads", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set(csrf.HeaderName, csrfToken(t, handler))
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestUnknownRouteAndMethod(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()

	w := getJSON(t, handler, "/v1/nowhere", "")
	if w.Code != http.StatusNotFound || errorCode(t, w) != "NOT_FOUND" {
		t.Errorf("expected 404 NOT_FOUND, got %d", w.Code)
	}

	w = postJSON(t, handler, "/v1/me", map[string]string{}, "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("expected 405, got %d", w.Code)
	}
	if w.Header().Get("Allow") == "" {
		t.Error("expected Allow header")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.BuildRouter()
	getJSON(t, handler, "/v1/sys/health", "")

	w := getJSON(t, handler, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if !strings.Contains(w.Body.String(), "apiguard_requests_total") {
		t.Error("expected apiguard_requests_total in metrics output")
	}
}

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/ascendore/ascendore-crm/internal/auth"
	"github.com/ascendore/ascendore-crm/internal/config"
	"github.com/ascendore/ascendore-crm/internal/metrics"
	"github.com/ascendore/ascendore-crm/internal/models"
	"github.com/ascendore/ascendore-crm/internal/service"
	"github.com/ascendore/ascendore-crm/internal/storage/storagetest"
)

type recordingPublisher struct {
	mu         sync.Mutex
	activities []models.Activity
}

func (p *recordingPublisher) Publish(ctx context.Context, activity *models.Activity) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.activities = append(p.activities, *activity)
	return nil
}

func (p *recordingPublisher) count(t models.ActivityType, entityType string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, a := range p.activities {
		if a.Type == t && a.EntityType == entityType {
			n++
		}
	}
	return n
}

type testServer struct {
	cfg    *config.Config
	store  *storagetest.MemoryStore
	tokens *auth.TokenManager
	events *recordingPublisher
	server *RESTServer
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	cfg := config.Default()
	cfg.JWT.Secret = "api-test-secret"
	cfg.JWT.TokenTTL = time.Hour

	store := storagetest.NewMemoryStore()
	tokens := auth.NewTokenManager(&cfg.JWT)
	events := &recordingPublisher{}
	svc, err := service.NewAuthService(store, tokens, events, service.Options{BcryptCost: bcrypt.MinCost})
	if err != nil {
		t.Fatalf("new service: %v", err)
	}

	srv := NewRESTServer(cfg, svc,
		WithMetrics(metrics.New("api-test")),
		WithActivityPublisher(events),
	)
	return &testServer{cfg: cfg, store: store, tokens: tokens, events: events, server: srv}
}

type response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Error   *errorBody      `json:"error"`
}

func (ts *testServer) do(t *testing.T, method, path, token string, body interface{}, headers ...string) (*httptest.ResponseRecorder, response) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, req)

	var resp response
	if rec.Body.Len() > 0 && strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response %q: %v", rec.Body.String(), err)
		}
	}
	return rec, resp
}

func registerBody(email, company string) map[string]string {
	return map[string]string{
		"email":        email,
		"password":     "longenough1",
		"first_name":   "A",
		"last_name":    "B",
		"company_name": company,
	}
}

func (ts *testServer) register(t *testing.T, email, company string) service.AuthResult {
	t.Helper()
	rec, resp := ts.do(t, http.MethodPost, "/api/v1/auth/register", "", registerBody(email, company))
	if rec.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var result service.AuthResult
	if err := json.Unmarshal(resp.Data, &result); err != nil {
		t.Fatalf("decode auth result: %v", err)
	}
	return result
}

func TestRegisterAndLogin(t *testing.T) {
	ts := newTestServer(t)

	reg := ts.register(t, "a@x.com", "Acme Co")
	if reg.Token == "" {
		t.Fatal("expected a token")
	}
	if reg.Organization == nil || reg.Organization.Role != models.RoleOwner {
		t.Fatalf("expected owner membership, got %+v", reg.Organization)
	}

	rec, resp := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "A@X.com",
		"password": "longenough1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Message != "Login successful" {
		t.Errorf("unexpected message %q", resp.Message)
	}
	if strings.Contains(rec.Body.String(), "password_hash") {
		t.Error("response leaks the password hash")
	}

	var login service.AuthResult
	if err := json.Unmarshal(resp.Data, &login); err != nil {
		t.Fatalf("decode login: %v", err)
	}
	if login.User.ID != reg.User.ID {
		t.Errorf("login user %s, registered %s", login.User.ID, reg.User.ID)
	}
}

func TestRegisterDuplicateEmail(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "a@x.com", "Acme Co")

	rec, resp := ts.do(t, http.MethodPost, "/api/v1/auth/register", "", registerBody("a@x.com", "Other Co"))
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
	if resp.Success || resp.Error == nil || resp.Error.Message != "Email already registered" {
		t.Errorf("unexpected body %s", rec.Body.String())
	}
}

func TestRegisterValidation(t *testing.T) {
	ts := newTestServer(t)

	body := registerBody("not-an-email", "Acme Co")
	rec, resp := ts.do(t, http.MethodPost, "/api/v1/auth/register", "", body)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != "INVALID_ARGUMENT" {
		t.Errorf("unexpected error %+v", resp.Error)
	}

	req := httptest.NewRequest(http.MethodPost, "/api/v1/auth/register", strings.NewReader("{not json"))
	rr := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rr, req)
	if rr.Code != http.StatusBadRequest {
		t.Errorf("malformed body: expected 400, got %d", rr.Code)
	}
}

func TestLoginWrongPassword(t *testing.T) {
	ts := newTestServer(t)
	ts.register(t, "a@x.com", "Acme Co")

	for _, email := range []string{"a@x.com", "nobody@x.com"} {
		rec, resp := ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
			"email":    email,
			"password": "wrong-password",
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("%s: expected 401, got %d", email, rec.Code)
		}
		if resp.Error == nil || resp.Error.Message != "Invalid email or password" {
			t.Errorf("%s: unexpected error %+v", email, resp.Error)
		}
	}
}

func TestAuthenticateMissingHeader(t *testing.T) {
	ts := newTestServer(t)

	for _, header := range []string{"", "Token abc", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/auth/me", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		ts.server.Handler().ServeHTTP(rec, req)

		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
		var resp response
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if resp.Error == nil || resp.Error.Code != auth.ReasonMissing {
			t.Errorf("header %q: unexpected error %+v", header, resp.Error)
		}
	}
}

func TestAuthenticateRejectsBadTokens(t *testing.T) {
	ts := newTestServer(t)
	reg := ts.register(t, "a@x.com", "Acme Co")

	user := &models.User{ID: reg.User.ID, Email: reg.User.Email}
	past := ts.tokens.WithClock(func() time.Time { return time.Now().Add(-2 * time.Hour) })
	expired, err := past.Issue(user, reg.Organization)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	tests := []struct {
		name  string
		token string
		code  string
	}{
		{"expired", expired, auth.ReasonExpired},
		{"garbage", "not.a.jwt", auth.ReasonMalformed},
		{"tampered", reg.Token[:len(reg.Token)-2] + "xx", auth.ReasonSignatureInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, resp := ts.do(t, http.MethodGet, "/api/v1/auth/me", tt.token, nil)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
			if resp.Error == nil || resp.Error.Code != tt.code {
				t.Errorf("expected %s, got %+v", tt.code, resp.Error)
			}
		})
	}
}

func TestMeReflectsStoredState(t *testing.T) {
	ts := newTestServer(t)
	reg := ts.register(t, "a@x.com", "Acme Co")

	rec, resp := ts.do(t, http.MethodGet, "/api/v1/auth/me", reg.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var session service.Session
	if err := json.Unmarshal(resp.Data, &session); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if session.User.Email != "a@x.com" || session.Organization.TenantName != "Acme Co" {
		t.Errorf("unexpected session %+v", session)
	}

	ts.store.SetUserActive(reg.User.ID, false)
	rec, _ = ts.do(t, http.MethodGet, "/api/v1/auth/me", reg.Token, nil)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("inactive user: expected 401, got %d", rec.Code)
	}
}

func TestUpdatePassword(t *testing.T) {
	ts := newTestServer(t)
	reg := ts.register(t, "a@x.com", "Acme Co")

	rec, resp := ts.do(t, http.MethodPut, "/api/v1/auth/password", reg.Token, map[string]string{
		"current_password": "wrong-password",
		"new_password":     "newpassword1",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("wrong current: expected 401, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Message != "Current password is incorrect" {
		t.Errorf("unexpected error %+v", resp.Error)
	}

	rec, resp = ts.do(t, http.MethodPut, "/api/v1/auth/password", reg.Token, map[string]string{
		"current_password": "longenough1",
		"new_password":     "newpassword1",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if resp.Message != "Password updated successfully" {
		t.Errorf("unexpected message %q", resp.Message)
	}

	rec, _ = ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{
		"email":    "a@x.com",
		"password": "newpassword1",
	})
	if rec.Code != http.StatusOK {
		t.Errorf("login with new password: expected 200, got %d", rec.Code)
	}

	// Tokens issued before the change remain valid.
	rec, _ = ts.do(t, http.MethodGet, "/api/v1/auth/me", reg.Token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("old token: expected 200, got %d", rec.Code)
	}
}

func TestLogout(t *testing.T) {
	ts := newTestServer(t)
	reg := ts.register(t, "a@x.com", "Acme Co")

	rec, resp := ts.do(t, http.MethodPost, "/api/v1/auth/logout", reg.Token, nil)
	if rec.Code != http.StatusOK || resp.Message != "Logout successful" {
		t.Fatalf("unexpected logout response %d %s", rec.Code, rec.Body.String())
	}
	if n := ts.events.count(models.ActivityLogout, "user"); n != 1 {
		t.Errorf("expected 1 logout activity, got %d", n)
	}
}

func TestRequireRole(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	tenantID := uuid.New()

	tests := []struct {
		name    string
		session *Session
		min     models.Role
		want    int
		message string
	}{
		{"no session", nil, models.RoleViewer, http.StatusForbidden, "Organization context required"},
		{"member below admin", &Session{TenantID: tenantID, Role: models.RoleMember}, models.RoleAdmin, http.StatusForbidden, "Insufficient permissions. Required role: admin"},
		{"admin", &Session{TenantID: tenantID, Role: models.RoleAdmin}, models.RoleAdmin, http.StatusNoContent, ""},
		{"owner", &Session{TenantID: tenantID, Role: models.RoleOwner}, models.RoleAdmin, http.StatusNoContent, ""},
		{"viewer at viewer", &Session{TenantID: tenantID, Role: models.RoleViewer}, models.RoleViewer, http.StatusNoContent, ""},
		{"unknown role", &Session{TenantID: tenantID, Role: "superuser"}, models.RoleViewer, http.StatusForbidden, "Insufficient permissions. Required role: viewer"},
		{"unknown minimum", &Session{TenantID: tenantID, Role: models.RoleOwner}, "root", http.StatusForbidden, "Insufficient permissions. Required role: root"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.session != nil {
				req = req.WithContext(withSession(req.Context(), tt.session))
			}
			rec := httptest.NewRecorder()
			RequireRole(tt.min)(ok).ServeHTTP(rec, req)

			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
			if tt.message == "" {
				return
			}
			var resp response
			if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
				t.Fatalf("decode: %v", err)
			}
			if resp.Error == nil || resp.Error.Message != tt.message {
				t.Errorf("expected %q, got %+v", tt.message, resp.Error)
			}
		})
	}
}

func TestOrganizationRoutes(t *testing.T) {
	ts := newTestServer(t)
	reg := ts.register(t, "a@x.com", "Acme Co")

	rec, resp := ts.do(t, http.MethodGet, "/api/v1/organization", reg.Token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var org organizationResponse
	if err := json.Unmarshal(resp.Data, &org); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if org.Name != "Acme Co" || org.MemberRole != "owner" || org.Tier != models.DefaultTier {
		t.Errorf("unexpected organization %+v", org)
	}
	if n := ts.events.count(models.ActivityViewed, "organization"); n != 1 {
		t.Errorf("expected 1 viewed activity, got %d", n)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/v1/organization/admin-check", reg.Token, nil)
	if rec.Code != http.StatusOK {
		t.Errorf("owner admin-check: expected 200, got %d", rec.Code)
	}
}

func TestOrganizationHeader(t *testing.T) {
	ts := newTestServer(t)
	reg := ts.register(t, "a@x.com", "Acme Co")
	memberOf := ts.store.AddTenant(reg.User.ID, "Beta Inc", models.RoleMember)

	rec, resp := ts.do(t, http.MethodGet, "/api/v1/organization", reg.Token, nil, OrganizationHeader, memberOf.ID.String())
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var org organizationResponse
	if err := json.Unmarshal(resp.Data, &org); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if org.ID != memberOf.ID.String() || org.MemberRole != "member" {
		t.Errorf("expected switch to %s as member, got %+v", memberOf.ID, org)
	}

	rec, resp = ts.do(t, http.MethodGet, "/api/v1/organization/admin-check", reg.Token, nil, OrganizationHeader, memberOf.ID.String())
	if rec.Code != http.StatusForbidden {
		t.Fatalf("member admin-check: expected 403, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Message != "Insufficient permissions. Required role: admin" {
		t.Errorf("unexpected error %+v", resp.Error)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/v1/organization", reg.Token, nil, OrganizationHeader, uuid.NewString())
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-member: expected 403, got %d", rec.Code)
	}

	rec, _ = ts.do(t, http.MethodGet, "/api/v1/organization", reg.Token, nil, OrganizationHeader, "not-a-uuid")
	if rec.Code != http.StatusBadRequest {
		t.Errorf("invalid id: expected 400, got %d", rec.Code)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	rec := httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health: expected 200, got %d", rec.Code)
	}
	var health healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if !health.Success || health.Status != "healthy" || health.Service != ts.cfg.Server.Name {
		t.Errorf("unexpected health %+v", health)
	}

	ts.do(t, http.MethodPost, "/api/v1/auth/login", "", map[string]string{"email": "a@x.com", "password": "whatever1"})

	rec = httptest.NewRecorder()
	ts.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: expected 200, got %d", rec.Code)
	}
	body := rec.Body.String()
	for _, want := range []string{"http_requests_total", `auth_events_total{event="login",outcome="unauthorized"`} {
		if !strings.Contains(body, want) {
			t.Errorf("metrics output missing %s", want)
		}
	}
}

func TestRouteNotFound(t *testing.T) {
	ts := newTestServer(t)
	rec, resp := ts.do(t, http.MethodGet, "/api/v1/nope", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if resp.Error == nil || resp.Error.Code != "NOT_FOUND" {
		t.Errorf("unexpected error %+v", resp.Error)
	}
}

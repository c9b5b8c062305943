package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hitoshi/todoshell/internal/guard"
	"github.com/hitoshi/todoshell/internal/middleware"
	"github.com/hitoshi/todoshell/internal/model"
)

// --- モック定義 ---

type stubGuard struct {
	decision guard.Decision
	guest    guard.Decision
}

func (g *stubGuard) Authorize() guard.Decision { return g.decision }
func (g *stubGuard) GuestOnly() guard.Decision { return g.guest }

type stubChecker struct{ err error }

func (c *stubChecker) PingContext(ctx context.Context) error { return c.err }

type routerFixture struct {
	guard    *stubGuard
	sessions *stubSessions
	auth     *mockAuthService
	tasks    *mockTaskService
	handler  http.Handler
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	f := &routerFixture{
		guard:    &stubGuard{decision: guard.Decision{Kind: guard.Allow}, guest: guard.Decision{Kind: guard.Allow}},
		sessions: &stubSessions{state: model.AuthStateAuthenticated, session: testSession("user-1")},
		auth: &mockAuthService{
			currentUser: &testSession("user-1").User,
			providerFn: func(ctx context.Context, provider string) (string, error) {
				return "https://idp.example/authorize", nil
			},
		},
		tasks: &mockTaskService{},
	}
	rl := middleware.NewRateLimiter(middleware.DefaultRateLimiterConfig())
	t.Cleanup(rl.Stop)

	f.handler = NewRouter(&RouterDeps{
		Guard:             f.guard,
		CORSAllowedOrigin: "http://localhost:3000",
		RateLimiter:       rl,
		MetricsHandler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("todoshell_realtime_reconnects_total 0\n"))
		}),
		Sessions:    f.sessions,
		AuthService: f.auth,
		AuthConfig:  AuthHandlerConfig{HomePath: "/dashboard", LoginPath: "/login"},
		TaskService: f.tasks,
		Profiles:    &mockProfileReader{},
		Accounts:    f.auth,
	})
	return f
}

func (f *routerFixture) do(method, path string, csrf bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader("{}"))
	if csrf {
		req.AddCookie(&http.Cookie{Name: "csrf_token", Value: "tok"})
		req.Header.Set("X-CSRF-Token", "tok")
	}
	w := httptest.NewRecorder()
	f.handler.ServeHTTP(w, req)
	return w
}

// --- テスト ---

func TestRouter_PublicEndpoints(t *testing.T) {
	f := newRouterFixture(t)

	w := f.do(http.MethodGet, "/health", false)
	if w.Code != http.StatusOK {
		t.Errorf("/health status = %d", w.Code)
	}
	var health healthResponse
	json.NewDecoder(w.Body).Decode(&health)
	if health.Status != "ok" || health.Session != "authenticated" {
		t.Errorf("/health body = %+v", health)
	}

	if w := f.do(http.MethodGet, "/metrics", false); !strings.Contains(w.Body.String(), "todoshell_") {
		t.Errorf("/metrics body = %q", w.Body.String())
	}
	if w := f.do(http.MethodGet, "/api/csrf-token", false); w.Code != http.StatusOK {
		t.Errorf("/api/csrf-token status = %d", w.Code)
	}
	if w := f.do(http.MethodGet, "/auth/session", false); w.Code != http.StatusOK {
		t.Errorf("/auth/session status = %d", w.Code)
	}
}

func TestRouter_SecurityHeadersAndRequestID(t *testing.T) {
	w := newRouterFixture(t).do(http.MethodGet, "/health", false)
	if w.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("security headers should be applied")
	}
	if w.Header().Get("X-Request-ID") == "" {
		t.Error("request id should be set")
	}
}

func TestRouter_ProtectedRoutesFollowGuard(t *testing.T) {
	tests := []struct {
		name     string
		decision guard.Decision
		path     string
		want     int
	}{
		{"allowed list", guard.Decision{Kind: guard.Allow}, "/api/todos", http.StatusOK},
		{"allowed dashboard", guard.Decision{Kind: guard.Allow}, "/dashboard", http.StatusOK},
		{"restoring", guard.Decision{Kind: guard.Suspend}, "/api/todos", http.StatusServiceUnavailable},
		{"anonymous page", guard.RedirectTo("/login"), "/dashboard", http.StatusSeeOther},
		{"anonymous api", guard.RedirectTo("/login"), "/api/profile", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newRouterFixture(t)
			f.guard.decision = tt.decision
			if w := f.do(http.MethodGet, tt.path, false); w.Code != tt.want {
				t.Errorf("GET %s status = %d, want %d", tt.path, w.Code, tt.want)
			}
		})
	}
}

func TestRouter_StateChangingRequiresCSRF(t *testing.T) {
	f := newRouterFixture(t)
	f.tasks.createFn = func(ctx context.Context, draft model.TaskDraft) (*model.Task, error) {
		return nil, model.NewValidationError("タイトルは必須です")
	}

	if w := f.do(http.MethodPost, "/api/todos", false); w.Code != http.StatusForbidden {
		t.Errorf("without token: status = %d, want 403", w.Code)
	}
	if w := f.do(http.MethodPost, "/api/todos", true); w.Code != http.StatusBadRequest {
		t.Errorf("with token: status = %d, want 400 from the service", w.Code)
	}
}

func TestRouter_TodoRoutes(t *testing.T) {
	f := newRouterFixture(t)
	var gotID string
	f.tasks.toggleFn = func(ctx context.Context, id, ownerID string) (*model.Task, error) {
		gotID = id
		toggled := task(id, "x", true)
		return &toggled, nil
	}

	if w := f.do(http.MethodPost, "/api/todos/t42/toggle", true); w.Code != http.StatusOK {
		t.Fatalf("toggle status = %d", w.Code)
	}
	if gotID != "t42" {
		t.Errorf("toggled id = %q, want t42", gotID)
	}
	if w := f.do(http.MethodDelete, "/api/todos/t42", true); w.Code != http.StatusNoContent {
		t.Errorf("delete status = %d", w.Code)
	}
}

func TestRouter_GuestOnlyProviderLogin(t *testing.T) {
	f := newRouterFixture(t)
	f.guard.guest = guard.RedirectTo("/dashboard")

	w := f.do(http.MethodGet, "/auth/google/login", false)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/dashboard" {
		t.Errorf("status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}

	f.guard.guest = guard.Decision{Kind: guard.Allow}
	w = f.do(http.MethodGet, "/auth/google/login", false)
	if w.Header().Get("Location") != "https://idp.example/authorize" {
		t.Errorf("Location = %q", w.Header().Get("Location"))
	}
}

func TestRouter_RecoveryEmailLinkLandsOnPasswordView(t *testing.T) {
	f := newRouterFixture(t)
	f.auth.verifyFn = func(ctx context.Context, tokenHash string) (*model.Session, error) {
		if tokenHash != "abc" {
			t.Errorf("tokenHash = %q", tokenHash)
		}
		return testSession("user-1"), nil
	}

	w := f.do(http.MethodGet, "/auth/reset-password/verify?token_hash=abc&type=recovery", false)
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "/reset-password" {
		t.Errorf("status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}
}

func TestHealthHandler_CheckerFailure(t *testing.T) {
	h := NewHealthHandler(&stubSessions{state: model.AuthStateAnonymous}, &stubChecker{err: errors.New("down")})
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))

	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", w.Code)
	}
}

func TestDashboardHandler_CountsRemaining(t *testing.T) {
	svc := &mockTaskService{listFn: func(ctx context.Context, ownerID string) ([]model.Task, error) {
		return []model.Task{task("t1", "a", false), task("t2", "b", true), task("t3", "c", false)}, nil
	}}
	users := &mockAuthService{currentUser: &testSession("user-1").User}

	w := httptest.NewRecorder()
	NewDashboardHandler(users, svc).ServeHTTP(w, withUserID(httptest.NewRequest(http.MethodGet, "/dashboard", nil), "user-1"))

	var body dashboardResponse
	json.NewDecoder(w.Body).Decode(&body)
	if w.Code != http.StatusOK || body.Remaining != 2 || len(body.Tasks) != 3 || body.User.ID != "user-1" {
		t.Errorf("status = %d, body = %+v", w.Code, body)
	}
}

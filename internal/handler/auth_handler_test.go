package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/todoshell/internal/auth"
	"github.com/hitoshi/todoshell/internal/middleware"
	"github.com/hitoshi/todoshell/internal/model"
)

// --- モック定義 ---

// mockAuthService はAuthServiceInterfaceとAccountUpdaterのモック実装。
type mockAuthService struct {
	signUpFn         func(ctx context.Context, email, password string) (*auth.SignUpResult, error)
	signInFn         func(ctx context.Context, email, password string) (*model.Session, error)
	providerFn       func(ctx context.Context, provider string) (string, error)
	completeFn       func(ctx context.Context, state, code string) (*model.Session, error)
	resetFn          func(ctx context.Context, email string) error
	verifyFn         func(ctx context.Context, tokenHash string) (*model.Session, error)
	updateProfileFn  func(ctx context.Context, patch model.ProfilePatch) (*model.User, error)
	updatePasswordFn func(ctx context.Context, newPassword string) error
	currentUser      *model.User
	signOutCalls     int
}

func (m *mockAuthService) SignUp(ctx context.Context, email, password string) (*auth.SignUpResult, error) {
	return m.signUpFn(ctx, email, password)
}

func (m *mockAuthService) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	return m.signInFn(ctx, email, password)
}

func (m *mockAuthService) SignInWithProvider(ctx context.Context, provider string) (string, error) {
	return m.providerFn(ctx, provider)
}

func (m *mockAuthService) CompleteOAuth(ctx context.Context, state, code string) (*model.Session, error) {
	return m.completeFn(ctx, state, code)
}

func (m *mockAuthService) SignOut(ctx context.Context) {
	m.signOutCalls++
}

func (m *mockAuthService) RequestPasswordReset(ctx context.Context, email string) error {
	if m.resetFn != nil {
		return m.resetFn(ctx, email)
	}
	return nil
}

func (m *mockAuthService) VerifyRecovery(ctx context.Context, tokenHash string) (*model.Session, error) {
	return m.verifyFn(ctx, tokenHash)
}

func (m *mockAuthService) UpdateProfile(ctx context.Context, patch model.ProfilePatch) (*model.User, error) {
	return m.updateProfileFn(ctx, patch)
}

func (m *mockAuthService) UpdatePassword(ctx context.Context, newPassword string) error {
	return m.updatePasswordFn(ctx, newPassword)
}

func (m *mockAuthService) CurrentUser() *model.User {
	return m.currentUser
}

// stubSessions はSessionStateReaderのスタブ。
type stubSessions struct {
	state   model.AuthState
	session *model.Session
}

func (s *stubSessions) State() model.AuthState  { return s.state }
func (s *stubSessions) Session() *model.Session { return s.session }

// --- テストヘルパー ---

var testExpiry = time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC)

func testSession(userID string) *model.Session {
	return &model.Session{
		AccessToken:  "secret-access",
		RefreshToken: "secret-refresh",
		ExpiresAt:    testExpiry,
		User: model.User{
			ID:       userID,
			Email:    userID + "@example.com",
			Metadata: map[string]any{"username": "alice"},
		},
	}
}

// withUserID はテスト用にリクエストコンテキストにユーザーIDを注入するヘルパー。
func withUserID(r *http.Request, userID string) *http.Request {
	return r.WithContext(middleware.ContextWithUserID(r.Context(), userID))
}

// withChiURLParam はテスト用にchiのURLパラメータを注入するヘルパー。
func withChiURLParam(r *http.Request, key, value string) *http.Request {
	rctx := chi.NewRouteContext()
	rctx.URLParams.Add(key, value)
	return r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))
}

func jsonBody(t *testing.T, v any) *bytes.Reader {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return bytes.NewReader(b)
}

// parseAPIErrorResponse はレスポンスボディから統一エラーフォーマットをパースするヘルパー。
func parseAPIErrorResponse(t *testing.T, w *httptest.ResponseRecorder) middleware.ErrorResponseBody {
	t.Helper()
	var body middleware.ErrorResponseBody
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode error response: %v", err)
	}
	return body
}

func newTestAuthHandler(svc *mockAuthService, sessions *stubSessions) *AuthHandler {
	if sessions == nil {
		sessions = &stubSessions{state: model.AuthStateAnonymous}
	}
	return NewAuthHandler(svc, sessions, AuthHandlerConfig{HomePath: "/dashboard", LoginPath: "/login"})
}

// --- テスト ---

func TestAuthHandler_SignUp_EstablishedSession(t *testing.T) {
	svc := &mockAuthService{
		signUpFn: func(ctx context.Context, email, password string) (*auth.SignUpResult, error) {
			if email != "a@b.com" || password != "pw" {
				t.Errorf("unexpected credentials %q/%q", email, password)
			}
			return &auth.SignUpResult{User: &testSession("user-1").User}, nil
		},
	}
	h := newTestAuthHandler(svc, nil)

	w := httptest.NewRecorder()
	h.SignUp(w, httptest.NewRequest(http.MethodPost, "/auth/signup", jsonBody(t, map[string]string{"email": "a@b.com", "password": "pw"})))

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", w.Code)
	}
	var body signUpResponse
	json.NewDecoder(w.Body).Decode(&body)
	if body.RequiresConfirmation || body.User == nil || body.User.ID != "user-1" {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestAuthHandler_SignUp_RequiresConfirmation(t *testing.T) {
	svc := &mockAuthService{
		signUpFn: func(ctx context.Context, email, password string) (*auth.SignUpResult, error) {
			return &auth.SignUpResult{RequiresConfirmation: true}, nil
		},
	}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc, nil).SignUp(w, httptest.NewRequest(http.MethodPost, "/auth/signup",
		jsonBody(t, map[string]string{"email": "a@b.com", "password": "pw"})))

	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", w.Code)
	}
	var body signUpResponse
	json.NewDecoder(w.Body).Decode(&body)
	if !body.RequiresConfirmation {
		t.Error("requires_confirmation should be true")
	}
}

func TestAuthHandler_SignUp_AccountExists(t *testing.T) {
	svc := &mockAuthService{
		signUpFn: func(ctx context.Context, email, password string) (*auth.SignUpResult, error) {
			return nil, model.NewAccountExistsError()
		},
	}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc, nil).SignUp(w, httptest.NewRequest(http.MethodPost, "/auth/signup",
		jsonBody(t, map[string]string{"email": "a@b.com", "password": "pw"})))

	if w.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", w.Code)
	}
	if body := parseAPIErrorResponse(t, w); body.Code != model.ErrCodeAccountExists {
		t.Errorf("code = %q", body.Code)
	}
}

func TestAuthHandler_SignIn_DoesNotExposeTokens(t *testing.T) {
	svc := &mockAuthService{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			return testSession("user-1"), nil
		},
	}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc, nil).SignIn(w, httptest.NewRequest(http.MethodPost, "/auth/signin",
		jsonBody(t, map[string]string{"email": "a@b.com", "password": "pw"})))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	raw := w.Body.String()
	if bytes.Contains([]byte(raw), []byte("secret-")) {
		t.Errorf("tokens must not be returned: %s", raw)
	}
	var body sessionResponse
	json.Unmarshal([]byte(raw), &body)
	if body.State != model.AuthStateAuthenticated || body.User.Username != "alice" || !body.ExpiresAt.Equal(testExpiry) {
		t.Errorf("unexpected body: %+v", body)
	}
}

func TestAuthHandler_SignIn_InvalidCredentials(t *testing.T) {
	svc := &mockAuthService{
		signInFn: func(ctx context.Context, email, password string) (*model.Session, error) {
			return nil, model.NewInvalidCredentialsError()
		},
	}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc, nil).SignIn(w, httptest.NewRequest(http.MethodPost, "/auth/signin",
		jsonBody(t, map[string]string{"email": "a@b.com", "password": "bad"})))

	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", w.Code)
	}
}

func TestAuthHandler_MalformedBody(t *testing.T) {
	h := newTestAuthHandler(&mockAuthService{}, nil)
	for _, body := range []string{"{not json", `{"email":"a@b.com","unknown":1}`} {
		w := httptest.NewRecorder()
		h.SignIn(w, httptest.NewRequest(http.MethodPost, "/auth/signin", bytes.NewBufferString(body)))
		if w.Code != http.StatusBadRequest {
			t.Errorf("body %q: status = %d, want 400", body, w.Code)
		}
	}
}

func TestAuthHandler_ProviderLogin(t *testing.T) {
	svc := &mockAuthService{
		providerFn: func(ctx context.Context, provider string) (string, error) {
			if provider != "github" {
				return "", model.NewValidationError("unsupported")
			}
			return "https://idp.example/authorize?state=abc", nil
		},
	}
	h := newTestAuthHandler(svc, nil)

	w := httptest.NewRecorder()
	h.ProviderLogin(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/auth/github/login", nil), "provider", "github"))
	if w.Code != http.StatusSeeOther || w.Header().Get("Location") != "https://idp.example/authorize?state=abc" {
		t.Errorf("status = %d, Location = %q", w.Code, w.Header().Get("Location"))
	}

	w = httptest.NewRecorder()
	h.ProviderLogin(w, withChiURLParam(httptest.NewRequest(http.MethodGet, "/auth/myspace/login", nil), "provider", "myspace"))
	if w.Code != http.StatusBadRequest {
		t.Errorf("unsupported provider: status = %d, want 400", w.Code)
	}
}

func TestAuthHandler_Callback(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		err      error
		location string
	}{
		{"success", "?state=s&code=c", nil, "/dashboard"},
		{"idp denied", "?error=access_denied&error_description=nope", nil, "/login?error=access_denied"},
		{"replayed state", "?state=s&code=c", model.NewValidationError("expired"), "/login?error=VALIDATION"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &mockAuthService{
				completeFn: func(ctx context.Context, state, code string) (*model.Session, error) {
					called = true
					if state != "s" || code != "c" {
						t.Errorf("state/code = %q/%q", state, code)
					}
					if tt.err != nil {
						return nil, tt.err
					}
					return testSession("user-1"), nil
				},
			}
			w := httptest.NewRecorder()
			newTestAuthHandler(svc, nil).Callback(w, httptest.NewRequest(http.MethodGet, "/auth/callback"+tt.query, nil))

			if w.Code != http.StatusSeeOther {
				t.Fatalf("status = %d, want 303", w.Code)
			}
			if loc := w.Header().Get("Location"); loc != tt.location {
				t.Errorf("Location = %q, want %q", loc, tt.location)
			}
			if tt.name == "idp denied" && called {
				t.Error("code exchange should not run when the IdP reports an error")
			}
		})
	}
}

func TestAuthHandler_ForgotPassword(t *testing.T) {
	var got string
	svc := &mockAuthService{resetFn: func(ctx context.Context, email string) error {
		got = email
		return nil
	}}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc, nil).ForgotPassword(w, httptest.NewRequest(http.MethodPost, "/auth/forgot-password",
		jsonBody(t, map[string]string{"email": "a@b.com"})))

	if w.Code != http.StatusAccepted || got != "a@b.com" {
		t.Errorf("status = %d, email = %q", w.Code, got)
	}

	svc.resetFn = func(ctx context.Context, email string) error { return model.NewNetworkError(nil) }
	w = httptest.NewRecorder()
	newTestAuthHandler(svc, nil).ForgotPassword(w, httptest.NewRequest(http.MethodPost, "/auth/forgot-password",
		jsonBody(t, map[string]string{"email": "a@b.com"})))
	if w.Code != http.StatusBadGateway {
		t.Errorf("network failure: status = %d, want 502", w.Code)
	}
}

func TestAuthHandler_VerifyRecovery(t *testing.T) {
	svc := &mockAuthService{verifyFn: func(ctx context.Context, tokenHash string) (*model.Session, error) {
		if tokenHash != "hash-1" {
			return nil, model.NewInvalidCredentialsError()
		}
		return testSession("user-1"), nil
	}}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc, nil).VerifyRecovery(w, httptest.NewRequest(http.MethodPost, "/auth/reset-password/verify",
		jsonBody(t, map[string]string{"token_hash": "hash-1"})))

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
}

func TestAuthHandler_VerifyRecoveryLink(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		location string
		called   bool
	}{
		{"valid link", "?token_hash=hash-1&type=recovery", "/reset-password", true},
		{"without type", "?token_hash=hash-1", "/reset-password", true},
		{"expired link", "?token_hash=stale&type=recovery", "/login?error=" + model.ErrCodeInvalidCredentials, true},
		{"missing token", "?type=recovery", "/login?error=" + model.ErrCodeValidation, false},
		{"other link type", "?token_hash=hash-1&type=signup", "/login?error=" + model.ErrCodeValidation, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			called := false
			svc := &mockAuthService{verifyFn: func(ctx context.Context, tokenHash string) (*model.Session, error) {
				called = true
				if tokenHash != "hash-1" {
					return nil, model.NewInvalidCredentialsError()
				}
				return testSession("user-1"), nil
			}}
			w := httptest.NewRecorder()
			newTestAuthHandler(svc, nil).VerifyRecoveryLink(w,
				httptest.NewRequest(http.MethodGet, "/auth/reset-password/verify"+tt.query, nil))

			if w.Code != http.StatusSeeOther {
				t.Fatalf("status = %d, want 303", w.Code)
			}
			if got := w.Header().Get("Location"); got != tt.location {
				t.Errorf("Location = %q, want %q", got, tt.location)
			}
			if called != tt.called {
				t.Errorf("VerifyRecovery called = %v, want %v", called, tt.called)
			}
		})
	}
}

func TestAuthHandler_SignOut(t *testing.T) {
	svc := &mockAuthService{}
	w := httptest.NewRecorder()
	newTestAuthHandler(svc, nil).SignOut(w, httptest.NewRequest(http.MethodPost, "/auth/signout", nil))

	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d, want 204", w.Code)
	}
	if svc.signOutCalls != 1 {
		t.Errorf("SignOut calls = %d, want 1", svc.signOutCalls)
	}
}

func TestAuthHandler_Session(t *testing.T) {
	tests := []struct {
		name     string
		sessions *stubSessions
		wantUser bool
	}{
		{"restoring", &stubSessions{state: model.AuthStateRestoring}, false},
		{"anonymous", &stubSessions{state: model.AuthStateAnonymous}, false},
		{"authenticated", &stubSessions{state: model.AuthStateAuthenticated, session: testSession("user-1")}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			newTestAuthHandler(&mockAuthService{}, tt.sessions).Session(w, httptest.NewRequest(http.MethodGet, "/auth/session", nil))

			var body sessionResponse
			json.NewDecoder(w.Body).Decode(&body)
			if body.State != tt.sessions.state {
				t.Errorf("state = %q, want %q", body.State, tt.sessions.state)
			}
			if (body.User != nil) != tt.wantUser {
				t.Errorf("user present = %v, want %v", body.User != nil, tt.wantUser)
			}
		})
	}
}

package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/todoshell/internal/auth"
	"github.com/hitoshi/todoshell/internal/middleware"
	"github.com/hitoshi/todoshell/internal/model"
)

// AuthServiceInterface は認証ハンドラーが必要とするサービスインターフェース。
type AuthServiceInterface interface {
	SignUp(ctx context.Context, email, password string) (*auth.SignUpResult, error)
	SignIn(ctx context.Context, email, password string) (*model.Session, error)
	SignInWithProvider(ctx context.Context, provider string) (string, error)
	CompleteOAuth(ctx context.Context, state, code string) (*model.Session, error)
	SignOut(ctx context.Context)
	RequestPasswordReset(ctx context.Context, email string) error
	VerifyRecovery(ctx context.Context, tokenHash string) (*model.Session, error)
}

// SessionStateReader はセッションストアの読み取り専用インターフェース。
type SessionStateReader interface {
	State() model.AuthState
	Session() *model.Session
}

// AuthHandlerConfig は認証ハンドラーの設定。
type AuthHandlerConfig struct {
	HomePath     string // サインイン完了後の遷移先
	LoginPath    string // 外部IdPでの認証失敗時の遷移先
	PasswordPath string // 再設定リンクの検証後に遷移するパスワード変更ビュー
}

// AuthHandler は認証関連のHTTPハンドラー。
type AuthHandler struct {
	service  AuthServiceInterface
	sessions SessionStateReader
	config   AuthHandlerConfig
}

// NewAuthHandler はAuthHandlerを生成する。
func NewAuthHandler(service AuthServiceInterface, sessions SessionStateReader, config AuthHandlerConfig) *AuthHandler {
	if config.HomePath == "" {
		config.HomePath = "/dashboard"
	}
	if config.LoginPath == "" {
		config.LoginPath = "/login"
	}
	if config.PasswordPath == "" {
		config.PasswordPath = "/reset-password"
	}
	return &AuthHandler{service: service, sessions: sessions, config: config}
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type signUpResponse struct {
	User                 *userResponse `json:"user,omitempty"`
	RequiresConfirmation bool          `json:"requires_confirmation"`
}

// SignUp はアカウントを作成する。
// POST /auth/signup
func (h *AuthHandler) SignUp(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	result, err := h.service.SignUp(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.RequiresConfirmation {
		status = http.StatusAccepted
	}
	writeJSON(w, status, signUpResponse{
		User:                 toUserResponse(result.User),
		RequiresConfirmation: result.RequiresConfirmation,
	})
}

// SignIn はメールアドレスとパスワードでサインインする。
// POST /auth/signin
func (h *AuthHandler) SignIn(w http.ResponseWriter, r *http.Request) {
	var req credentialsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := h.service.SignIn(r.Context(), req.Email, req.Password)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(model.AuthStateAuthenticated, sess))
}

// ProviderLogin は外部IdPの認可画面へリダイレクトする。
// GET /auth/{provider}/login
func (h *AuthHandler) ProviderLogin(w http.ResponseWriter, r *http.Request) {
	provider := chi.URLParam(r, "provider")

	authorizeURL, err := h.service.SignInWithProvider(r.Context(), provider)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	http.Redirect(w, r, authorizeURL, http.StatusSeeOther)
}

// Callback は外部IdPからのリダイレクトを受け、認可コードをセッションに交換する。
// GET /auth/callback?state=xxx&code=yyy
// 失敗した場合はエラー内容をクエリに付けてログイン画面へ戻す。
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if idpErr := q.Get("error"); idpErr != "" {
		slog.Warn("外部IdPが認可を拒否しました",
			slog.String("error", idpErr),
			slog.String("description", q.Get("error_description")),
		)
		h.redirectToLogin(w, r, idpErr)
		return
	}

	if _, err := h.service.CompleteOAuth(r.Context(), q.Get("state"), q.Get("code")); err != nil {
		slog.Warn("外部IdPでのサインインに失敗しました", slog.String("error", err.Error()))
		code := "server_error"
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			code = apiErr.Code
		}
		h.redirectToLogin(w, r, code)
		return
	}
	http.Redirect(w, r, h.config.HomePath, http.StatusSeeOther)
}

func (h *AuthHandler) redirectToLogin(w http.ResponseWriter, r *http.Request, code string) {
	http.Redirect(w, r, h.config.LoginPath+"?error="+url.QueryEscape(code), http.StatusSeeOther)
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// ForgotPassword はパスワード再設定メールの送信を依頼する。
// POST /auth/forgot-password
// 登録の有無にかかわらず202を返す。
func (h *AuthHandler) ForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := h.service.RequestPasswordReset(r.Context(), req.Email); err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sent"})
}

type verifyRecoveryRequest struct {
	TokenHash string `json:"token_hash"`
}

// VerifyRecovery は再設定リンクのトークンを検証し、パスワード変更用のセッションを確立する。
// POST /auth/reset-password/verify
func (h *AuthHandler) VerifyRecovery(w http.ResponseWriter, r *http.Request) {
	var req verifyRecoveryRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	sess, err := h.service.VerifyRecovery(r.Context(), req.TokenHash)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(model.AuthStateAuthenticated, sess))
}

// recoveryLinkType は再設定メールのリンクに付与されるtypeパラメータ。
const recoveryLinkType = "recovery"

// VerifyRecoveryLink は再設定メールのリンクから開かれるランディング。
// GET /auth/reset-password/verify?token_hash=...&type=recovery
// 検証に成功したらパスワード変更ビューへ、失敗したらログイン画面へ?error=<code>付きで遷移する。
func (h *AuthHandler) VerifyRecoveryLink(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if linkType := q.Get("type"); linkType != "" && linkType != recoveryLinkType {
		h.redirectToLogin(w, r, model.ErrCodeValidation)
		return
	}
	tokenHash := q.Get("token_hash")
	if tokenHash == "" {
		h.redirectToLogin(w, r, model.ErrCodeValidation)
		return
	}

	if _, err := h.service.VerifyRecovery(r.Context(), tokenHash); err != nil {
		slog.Warn("再設定リンクの検証に失敗しました", slog.String("error", err.Error()))
		code := "server_error"
		var apiErr *model.APIError
		if errors.As(err, &apiErr) {
			code = apiErr.Code
		}
		h.redirectToLogin(w, r, code)
		return
	}
	http.Redirect(w, r, h.config.PasswordPath, http.StatusSeeOther)
}

// SignOut はサインアウトする。リモート側の無効化に失敗しても204を返す。
// POST /auth/signout
func (h *AuthHandler) SignOut(w http.ResponseWriter, r *http.Request) {
	h.service.SignOut(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// Session は現在のセッション状態を返す。復元中もブロックしない。
// GET /auth/session
func (h *AuthHandler) Session(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, toSessionResponse(h.sessions.State(), h.sessions.Session()))
}

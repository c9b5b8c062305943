package handler

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/todoshell/internal/auth"
	"github.com/hitoshi/todoshell/internal/guard"
	"github.com/hitoshi/todoshell/internal/middleware"
	"github.com/hitoshi/todoshell/internal/profile"
	"github.com/hitoshi/todoshell/internal/session"
)

// RouteGuard は保護ルートとゲスト専用ルートの判定を行う。guard.Guardが実装する。
type RouteGuard interface {
	middleware.RouteAuthorizer
	middleware.GuestAuthorizer
}

// RouterDeps はNewRouterに必要な依存関係をまとめた構造体。
type RouterDeps struct {
	Logger *slog.Logger

	// ミドルウェア依存
	Guard             RouteGuard
	CORSAllowedOrigin string
	CSRFConfig        middleware.CSRFConfig
	RateLimiter       *middleware.RateLimiter

	// ヘルスチェック・メトリクス
	HealthChecker  HealthChecker
	MetricsHandler http.Handler

	// 認証
	Sessions    SessionStateReader
	AuthService AuthServiceInterface
	AuthConfig  AuthHandlerConfig

	// タスク
	TaskService TaskServiceInterface
	// StreamRelease がcloseされるとSSEストリームを終了する（サーバー停止時）
	StreamRelease <-chan struct{}

	// プロフィール
	Profiles ProfileReader
	Accounts AccountUpdater
}

// NewRouter は全エンドポイントのルーティングとミドルウェアチェーンを構成したchi.Routerを返す。
//
// ミドルウェアスタックの実行順序:
//
//	Recovery → Logging → SecurityHeaders → CORS → CSRF → RateLimit → RouteGuard（保護ルートのみ）
func NewRouter(deps *RouterDeps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}

	r := chi.NewRouter()
	r.Use(middleware.NewRecoveryMiddleware(logger))
	r.Use(middleware.NewLoggingMiddleware(logger))
	r.Use(middleware.NewSecurityHeadersMiddleware())
	r.Use(middleware.NewCORSMiddleware(deps.CORSAllowedOrigin))
	r.Use(middleware.NewCSRFMiddleware(deps.CSRFConfig))

	authHandler := NewAuthHandler(deps.AuthService, deps.Sessions, deps.AuthConfig)
	todoHandler := NewTodoHandler(deps.TaskService).ReleaseStreamsOn(deps.StreamRelease)
	profileHandler := NewProfileHandler(deps.Profiles, deps.Accounts)

	// --- 認証不要のルート ---
	r.Get("/health", NewHealthHandler(deps.Sessions, deps.HealthChecker))
	if deps.MetricsHandler != nil {
		r.Handle("/metrics", deps.MetricsHandler)
	}
	r.Get("/api/csrf-token", middleware.NewCSRFTokenHandler(deps.CSRFConfig).ServeHTTP)

	r.Route("/auth", func(r chi.Router) {
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/session", authHandler.Session)
		r.Post("/signout", authHandler.SignOut)
		r.Get("/callback", authHandler.Callback)

		// ゲスト専用（サインイン済みならホームへ）
		r.Group(func(r chi.Router) {
			r.Use(middleware.NewGuestOnlyMiddleware(deps.Guard))
			r.Get("/{provider}/login", authHandler.ProviderLogin)
		})

		// 認証試行は専用のレート制限を追加
		r.Group(func(r chi.Router) {
			r.Use(deps.RateLimiter.AuthAttemptMiddleware())
			r.Post("/signup", authHandler.SignUp)
			r.Post("/signin", authHandler.SignIn)
			r.Post("/forgot-password", authHandler.ForgotPassword)
			r.Post("/reset-password/verify", authHandler.VerifyRecovery)
			r.Get("/reset-password/verify", authHandler.VerifyRecoveryLink)
		})
	})

	// --- 認証が必要なルート ---
	// ミドルウェアスタック: RouteGuard → RateLimit(General)
	r.Group(func(r chi.Router) {
		r.Use(middleware.NewRouteGuardMiddleware(deps.Guard, deps.Sessions))
		r.Use(deps.RateLimiter.GeneralMiddleware())

		r.Get("/dashboard", NewDashboardHandler(deps.Accounts, deps.TaskService))

		r.Route("/api/todos", func(r chi.Router) {
			r.Get("/", todoHandler.List)
			r.Post("/", todoHandler.Create)
			r.Get("/events", todoHandler.Events)

			r.Route("/{id}", func(r chi.Router) {
				r.Patch("/", todoHandler.Update)
				r.Delete("/", todoHandler.Delete)
				r.Post("/toggle", todoHandler.Toggle)
			})
		})

		r.Route("/api/profile", func(r chi.Router) {
			r.Get("/", profileHandler.Get)
			r.Patch("/", profileHandler.Update)
			r.Put("/password", profileHandler.ChangePassword)
		})
	})

	return r
}

var (
	_ AuthServiceInterface = (*auth.Service)(nil)
	_ AccountUpdater       = (*auth.Service)(nil)
	_ TaskServiceInterface = (*TaskServiceAdapter)(nil)
	_ ProfileReader        = (*profile.Service)(nil)
	_ SessionStateReader   = (*session.Store)(nil)
	_ RouteGuard           = (*guard.Guard)(nil)
)

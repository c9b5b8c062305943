// Package middleware はHTTPミドルウェアを提供する。
package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/hitoshi/todoshell/internal/guard"
	"github.com/hitoshi/todoshell/internal/model"
)

// contextKey はコンテキストに値を格納するための型安全なキー。
type contextKey string

// userIDContextKey はリクエストコンテキストにユーザーIDを格納するためのキー。
var userIDContextKey = contextKey("user_id")

// RouteAuthorizer は保護されたルートの判定を提供する。
type RouteAuthorizer interface {
	Authorize() guard.Decision
}

// GuestAuthorizer はゲスト専用ルートの判定を提供する。
type GuestAuthorizer interface {
	GuestOnly() guard.Decision
}

// SessionReader は現在のセッションを同期的に返す。
// session.Storeの部分集合として定義する。
type SessionReader interface {
	Session() *model.Session
}

// loadingResponse は復元中に返すレスポンス。
type loadingResponse struct {
	State string `json:"state"`
}

// NewRouteGuardMiddleware はセッション状態から保護されたルートへのアクセスを判定するミドルウェアを返す。
// 復元中は503と{"state":"loading"}を返し、クライアントに再試行させる。
// 未サインインの場合、/api/配下は401、それ以外はログイン画面へ303でリダイレクトする。
// 許可されたリクエストにはユーザーIDをコンテキストに注入する。
func NewRouteGuardMiddleware(authorizer RouteAuthorizer, sessions SessionReader) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := authorizer.Authorize()
			switch d.Kind {
			case guard.Suspend:
				writeLoading(w)
				return
			case guard.Redirect:
				denyUnauthenticated(w, r, d.Location)
				return
			}

			// 判定後にサインアウトされた場合もログイン画面へ戻す
			sess := sessions.Session()
			if sess == nil {
				denyUnauthenticated(w, r, "")
				return
			}

			recordUserID(r.Context(), sess.User.ID)
			ctx := context.WithValue(r.Context(), userIDContextKey, sess.User.ID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// NewGuestOnlyMiddleware はサインイン済みユーザーをゲスト専用ルートからホームへ遷移させるミドルウェアを返す。
func NewGuestOnlyMiddleware(authorizer GuestAuthorizer) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			d := authorizer.GuestOnly()
			switch d.Kind {
			case guard.Suspend:
				writeLoading(w)
				return
			case guard.Redirect:
				http.Redirect(w, r, d.Location, http.StatusSeeOther)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeLoading(w http.ResponseWriter) {
	w.Header().Set("Retry-After", "1")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	json.NewEncoder(w).Encode(loadingResponse{State: "loading"})
}

func denyUnauthenticated(w http.ResponseWriter, r *http.Request, location string) {
	if location == "" || strings.HasPrefix(r.URL.Path, "/api/") {
		WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}
	http.Redirect(w, r, location, http.StatusSeeOther)
}

// UserIDFromContext はリクエストコンテキストからユーザーIDを取得する。
// ルートガードを通過したリクエストでのみ有効。
func UserIDFromContext(ctx context.Context) (string, error) {
	userID, ok := ctx.Value(userIDContextKey).(string)
	if !ok || userID == "" {
		return "", fmt.Errorf("user ID not found in context")
	}
	return userID, nil
}

// ContextWithUserID はコンテキストにユーザーIDを注入する。
// テストやミドルウェア以外のコンテキスト生成で使用する。
func ContextWithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDContextKey, userID)
}

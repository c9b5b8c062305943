// Package handler はHTTPハンドラーを提供する。
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/hitoshi/todoshell/internal/middleware"
	"github.com/hitoshi/todoshell/internal/model"
)

// maxRequestBody はJSONリクエストボディの上限（バイト）。
const maxRequestBody = 64 << 10

// userResponse はユーザー情報のAPIレスポンス。トークンは含めない。
type userResponse struct {
	ID        string         `json:"id"`
	Email     string         `json:"email"`
	Username  string         `json:"username,omitempty"`
	Metadata  map[string]any `json:"user_metadata,omitempty"`
	CreatedAt *time.Time     `json:"created_at,omitempty"`
}

// sessionResponse はセッション状態のAPIレスポンス。
type sessionResponse struct {
	State     model.AuthState `json:"state"`
	User      *userResponse   `json:"user,omitempty"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
}

func toUserResponse(u *model.User) *userResponse {
	if u == nil {
		return nil
	}
	resp := &userResponse{
		ID:       u.ID,
		Email:    u.Email,
		Username: u.Username(),
		Metadata: u.Metadata,
	}
	if !u.CreatedAt.IsZero() {
		createdAt := u.CreatedAt
		resp.CreatedAt = &createdAt
	}
	return resp
}

func toSessionResponse(state model.AuthState, sess *model.Session) sessionResponse {
	resp := sessionResponse{State: state}
	if sess != nil {
		resp.User = toUserResponse(&sess.User)
		expiresAt := sess.ExpiresAt
		resp.ExpiresAt = &expiresAt
	}
	return resp
}

// writeJSON はJSONレスポンスを書き込む。
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvに読み込む。失敗した場合は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBody))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil && !errors.Is(err, io.EOF) {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
		})
		return false
	}
	return true
}

// requireUserID はルートガードが注入したユーザーIDを返す。見つからない場合は401を書き込む。
func requireUserID(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return "", false
	}
	return userID, true
}

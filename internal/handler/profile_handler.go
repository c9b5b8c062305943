package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/todoshell/internal/auth"
	"github.com/hitoshi/todoshell/internal/middleware"
	"github.com/hitoshi/todoshell/internal/model"
)

// ProfileReader はprofilesテーブルの読み取りインターフェース。
type ProfileReader interface {
	Fetch(ctx context.Context, userID string) (*model.Profile, error)
}

// AccountUpdater はユーザー属性の更新を行うインターフェース。
// auth.Serviceが実装する。
type AccountUpdater interface {
	UpdateProfile(ctx context.Context, patch model.ProfilePatch) (*model.User, error)
	UpdatePassword(ctx context.Context, newPassword string) error
	CurrentUser() *model.User
}

// ProfileHandler はプロフィール管理のHTTPハンドラー。
type ProfileHandler struct {
	profiles ProfileReader
	accounts AccountUpdater
}

// NewProfileHandler はProfileHandlerを生成する。
func NewProfileHandler(profiles ProfileReader, accounts AccountUpdater) *ProfileHandler {
	return &ProfileHandler{profiles: profiles, accounts: accounts}
}

type profileResponse struct {
	ID        string  `json:"id"`
	Email     string  `json:"email"`
	Username  string  `json:"username"`
	FullName  *string `json:"full_name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// profileFromUser はユーザーメタデータからプロフィールを組み立てる。
func profileFromUser(u *model.User) profileResponse {
	resp := profileResponse{ID: u.ID, Email: u.Email, Username: u.Username()}
	if v, ok := u.Metadata["full_name"].(string); ok {
		resp.FullName = &v
	}
	if v, ok := u.Metadata["avatar_url"].(string); ok {
		resp.AvatarURL = &v
	}
	return resp
}

// Get はサインイン中のユーザーのプロフィールを返す。
// profiles行がない場合はユーザーメタデータから組み立てる。
// GET /api/profile
func (h *ProfileHandler) Get(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	user := h.accounts.CurrentUser()
	if user == nil || user.ID != userID {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
		return
	}

	resp := profileFromUser(user)
	p, err := h.profiles.Fetch(r.Context(), userID)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	if p != nil {
		resp.Username = p.Username
		resp.FullName = p.FullName
		resp.AvatarURL = p.AvatarURL
	}
	writeJSON(w, http.StatusOK, resp)
}

// Update はプロフィールを部分更新する。
// PATCH /api/profile
func (h *ProfileHandler) Update(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}
	var patch model.ProfilePatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	user, err := h.accounts.UpdateProfile(r.Context(), patch)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, profileFromUser(user))
}

type changePasswordRequest struct {
	Password string `json:"password"`
	Confirm  string `json:"confirm"`
}

// ChangePassword はパスワードを変更する。再設定リンクから確立したセッションでも利用できる。
// PUT /api/profile/password
func (h *ProfileHandler) ChangePassword(w http.ResponseWriter, r *http.Request) {
	if _, ok := requireUserID(w, r); !ok {
		return
	}
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := auth.ValidatePasswordChange(req.Password, req.Confirm); err != nil {
		middleware.WriteServiceError(w, err)
		return
	}

	if err := h.accounts.UpdatePassword(r.Context(), req.Password); err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

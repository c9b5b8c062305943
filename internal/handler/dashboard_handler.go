package handler

import (
	"context"
	"net/http"

	"github.com/hitoshi/todoshell/internal/middleware"
	"github.com/hitoshi/todoshell/internal/model"
)

// TaskLister はタスク一覧の取得インターフェース。
type TaskLister interface {
	List(ctx context.Context, ownerID string) ([]model.Task, error)
}

// CurrentUserReader はサインイン中のユーザーを返す。
type CurrentUserReader interface {
	CurrentUser() *model.User
}

type dashboardResponse struct {
	User      *userResponse `json:"user"`
	Tasks     []model.Task  `json:"tasks"`
	Remaining int           `json:"remaining"`
}

// NewDashboardHandler は保護されたダッシュボードビューのハンドラーを返す。
// GET /dashboard
func NewDashboardHandler(users CurrentUserReader, lister TaskLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := requireUserID(w, r)
		if !ok {
			return
		}
		user := users.CurrentUser()
		if user == nil || user.ID != userID {
			middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthenticatedError())
			return
		}

		list, err := lister.List(r.Context(), userID)
		if err != nil {
			middleware.WriteServiceError(w, err)
			return
		}

		remaining := 0
		for _, t := range list {
			if !t.IsComplete {
				remaining++
			}
		}
		writeJSON(w, http.StatusOK, dashboardResponse{
			User:      toUserResponse(user),
			Tasks:     list,
			Remaining: remaining,
		})
	}
}

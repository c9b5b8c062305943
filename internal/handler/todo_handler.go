package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/hitoshi/todoshell/internal/middleware"
	"github.com/hitoshi/todoshell/internal/model"
	"github.com/hitoshi/todoshell/internal/tasks"
)

// TaskServiceInterface はタスクハンドラーが必要とするサービスインターフェース。
type TaskServiceInterface interface {
	List(ctx context.Context, ownerID string) ([]model.Task, error)
	Create(ctx context.Context, draft model.TaskDraft) (*model.Task, error)
	Update(ctx context.Context, id, ownerID string, patch model.TaskPatch) (*model.Task, error)
	ToggleCompletion(ctx context.Context, id, ownerID string) (*model.Task, error)
	Delete(ctx context.Context, id, ownerID string) error
	Subscribe(ctx context.Context, ownerID string, onUpdate func(tasks.Update)) (Subscription, error)
}

// Subscription はタスク一覧の購読。tasks.Subscriptionが実装する。
type Subscription interface {
	Close()
	Done() <-chan struct{}
}

// TodoHandler はタスク管理のHTTPハンドラー。
type TodoHandler struct {
	service   TaskServiceInterface
	keepAlive time.Duration
	// release がcloseされると配信中のストリームをすべて終了する。nilの場合は終了しない。
	release <-chan struct{}
}

// NewTodoHandler はTodoHandlerを生成する。
func NewTodoHandler(service TaskServiceInterface) *TodoHandler {
	return &TodoHandler{service: service, keepAlive: 25 * time.Second}
}

// ReleaseStreamsOn はreleaseがcloseされた時点で配信中のSSEストリームを終了させる。
// http.Server.Shutdownは処理中のリクエストを待つため、サーバー停止時の解放に使う。
func (h *TodoHandler) ReleaseStreamsOn(release <-chan struct{}) *TodoHandler {
	h.release = release
	return h
}

type createTaskRequest struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
}

type taskListResponse struct {
	Tasks []model.Task `json:"tasks"`
}

// List はサインイン中のユーザーのタスク一覧を作成日時の降順で返す。
// GET /api/todos
func (h *TodoHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	list, err := h.service.List(r.Context(), userID)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, taskListResponse{Tasks: list})
}

// Create はタスクを追加する。
// POST /api/todos
func (h *TodoHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var req createTaskRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task, err := h.service.Create(r.Context(), model.TaskDraft{
		Title:       req.Title,
		Description: req.Description,
		OwnerID:     userID,
	})
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

// Update はタスクを部分更新する。
// PATCH /api/todos/{id}
func (h *TodoHandler) Update(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}
	var patch model.TaskPatch
	if !decodeJSON(w, r, &patch) {
		return
	}

	task, err := h.service.Update(r.Context(), chi.URLParam(r, "id"), userID, patch)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Toggle はタスクの完了状態を反転する。
// POST /api/todos/{id}/toggle
func (h *TodoHandler) Toggle(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	task, err := h.service.ToggleCompletion(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// Delete はタスクを削除する。存在しないタスクの削除も204を返す。
// DELETE /api/todos/{id}
func (h *TodoHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), chi.URLParam(r, "id"), userID); err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// sseUpdate はSSEで送るタスク一覧の更新。
type sseUpdate struct {
	Tasks     []model.Task          `json:"tasks"`
	Operation model.ChangeOperation `json:"operation,omitempty"`
	TaskID    string                `json:"task_id,omitempty"`
}

// Events はタスク一覧の更新をServer-Sent Eventsで配信する。
// GET /api/todos/events
// 接続直後に現在の一覧を1回送り、以降は変更のたびに一覧全体を送る。
// クライアントの切断とサーバーの停止で購読を解除する。再接続上限に達した場合はerrorイベントを送って終了する。
func (h *TodoHandler) Events(w http.ResponseWriter, r *http.Request) {
	userID, ok := requireUserID(w, r)
	if !ok {
		return
	}

	rc := http.NewResponseController(w)
	// サーバーのWriteTimeoutでストリームが切られないようにする
	if err := rc.SetWriteDeadline(time.Time{}); err != nil && !errors.Is(err, http.ErrNotSupported) {
		slog.Warn("SSEの書き込み期限を解除できませんでした", slog.String("error", err.Error()))
	}

	ctx := r.Context()
	updates := make(chan tasks.Update, 8)
	sub, err := h.service.Subscribe(ctx, userID, func(u tasks.Update) {
		select {
		case updates <- u:
		case <-ctx.Done():
		}
	})
	if err != nil {
		middleware.WriteServiceError(w, err)
		return
	}
	defer sub.Close()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	rc.Flush()

	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.release:
			return
		case <-ticker.C:
			fmt.Fprint(w, ": keep-alive\n\n")
			rc.Flush()
		case u := <-updates:
			if !h.writeUpdate(w, u) {
				return
			}
			rc.Flush()
		case <-sub.Done():
			// 終了前に届いた通知を送り切る
			for {
				select {
				case u := <-updates:
					h.writeUpdate(w, u)
				default:
					rc.Flush()
					return
				}
			}
		}
	}
}

// writeUpdate は1件の更新を書き込む。購読が終了する通知の場合はfalseを返す。
func (h *TodoHandler) writeUpdate(w http.ResponseWriter, u tasks.Update) bool {
	if u.Err != nil {
		var apiErr *model.APIError
		if !errors.As(u.Err, &apiErr) {
			apiErr = model.NewNetworkError(u.Err)
		}
		writeEvent(w, "error", middleware.ErrorResponseBody{
			Code:     apiErr.Code,
			Message:  apiErr.Message,
			Category: apiErr.Category,
			Action:   apiErr.Action,
		})
		return !errors.Is(u.Err, model.ErrDisconnected) && !errors.Is(u.Err, model.ErrUnauthenticated)
	}

	payload := sseUpdate{Tasks: u.Tasks}
	if payload.Tasks == nil {
		payload.Tasks = []model.Task{}
	}
	if u.Event != nil {
		payload.Operation = u.Event.Operation
		payload.TaskID = u.Event.TaskID()
	}
	writeEvent(w, "tasks", payload)
	return true
}

func writeEvent(w http.ResponseWriter, event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("SSEイベントのエンコードに失敗しました", slog.String("error", err.Error()))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
}

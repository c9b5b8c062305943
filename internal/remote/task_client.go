package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/hitoshi/todoshell/internal/model"
	"github.com/hitoshi/todoshell/internal/repository"
)

const (
	todosPath = "/rest/v1/todos"
	// singleObject は1件取得時のAcceptヘッダー。0件の場合は406 PGRST116が返る。
	singleObject = "application/vnd.pgrst.object+json"
)

// TaskClient はtodosテーブルへのRESTクライアント。
// すべての操作はuser_idでフィルタされ、行レベルのアクセス制御と二重に所有者を絞り込む。
type TaskClient struct {
	c      *Client
	tokens TokenSource
}

// NewTaskClient はTaskClientを生成する。
func NewTaskClient(c *Client, tokens TokenSource) *TaskClient {
	return &TaskClient{c: c, tokens: tokens}
}

func ownerFilter(id, ownerID string) url.Values {
	q := url.Values{"user_id": {"eq." + ownerID}}
	if id != "" {
		q.Set("id", "eq."+id)
	}
	return q
}

// ListByOwner は所有者のタスク一覧をcreated_at降順で返す。
func (t *TaskClient) ListByOwner(ctx context.Context, ownerID string) ([]model.Task, error) {
	token, err := t.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	q := ownerFilter("", ownerID)
	q.Set("select", "*")
	q.Set("order", "created_at.desc")

	var tasks []model.Task
	err = t.c.do(ctx, request{
		method:   http.MethodGet,
		path:     todosPath,
		query:    q,
		token:    token,
		endpoint: "todos_list",
	}, &tasks)
	if err != nil {
		return nil, err
	}
	if tasks == nil {
		tasks = []model.Task{}
	}
	return tasks, nil
}

// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
func (t *TaskClient) FindByID(ctx context.Context, id, ownerID string) (*model.Task, error) {
	token, err := t.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	q := ownerFilter(id, ownerID)
	q.Set("select", "*")

	var task model.Task
	err = t.c.do(ctx, request{
		method:   http.MethodGet,
		path:     todosPath,
		query:    q,
		token:    token,
		headers:  map[string]string{"Accept": singleObject},
		endpoint: "todos_get",
	}, &task)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Create はタスクを作成し、サーバーが採番した値を含むタスクを返す。
func (t *TaskClient) Create(ctx context.Context, draft model.TaskDraft) (*model.Task, error) {
	token, err := t.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var task model.Task
	err = t.c.do(ctx, request{
		method: http.MethodPost,
		path:   todosPath,
		body:   draft,
		token:  token,
		headers: map[string]string{
			"Prefer": "return=representation",
			"Accept": singleObject,
		},
		endpoint: "todos_create",
	}, &task)
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// Update はタスクを部分更新する。対象が存在しない場合はnilを返す。
func (t *TaskClient) Update(ctx context.Context, id, ownerID string, patch model.TaskPatch) (*model.Task, error) {
	token, err := t.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var updated []model.Task
	err = t.c.do(ctx, request{
		method:   http.MethodPatch,
		path:     todosPath,
		query:    ownerFilter(id, ownerID),
		body:     patch,
		token:    token,
		headers:  map[string]string{"Prefer": "return=representation"},
		endpoint: "todos_update",
	}, &updated)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, nil
	}
	return &updated[0], nil
}

// Delete はタスクを削除する。対象が存在しない場合もエラーにしない。
func (t *TaskClient) Delete(ctx context.Context, id, ownerID string) error {
	token, err := t.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	return t.c.do(ctx, request{
		method:   http.MethodDelete,
		path:     todosPath,
		query:    ownerFilter(id, ownerID),
		token:    token,
		endpoint: "todos_delete",
	}, nil)
}

// compile-time interface check
var _ repository.TaskRepository = (*TaskClient)(nil)

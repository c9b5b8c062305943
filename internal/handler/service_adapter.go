package handler

import (
	"context"

	"github.com/hitoshi/todoshell/internal/tasks"
)

// TaskServiceAdapter は tasks.Service を TaskServiceInterface に適合させるアダプタ。
// Subscribeの戻り値だけをインターフェースに置き換え、それ以外はそのまま委譲する。
type TaskServiceAdapter struct {
	*tasks.Service
}

// NewTaskServiceAdapter はTaskServiceAdapterを生成する。
func NewTaskServiceAdapter(svc *tasks.Service) *TaskServiceAdapter {
	return &TaskServiceAdapter{Service: svc}
}

// Subscribe はタスク一覧の購読を開始する。
func (a *TaskServiceAdapter) Subscribe(ctx context.Context, ownerID string, onUpdate func(tasks.Update)) (Subscription, error) {
	sub, err := a.Service.Subscribe(ctx, ownerID, onUpdate)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

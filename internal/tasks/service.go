// Package tasks はユーザーごとのタスク一覧の操作と、リアルタイム変更通知による同期を提供する。
package tasks

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hitoshi/todoshell/internal/metrics"
	"github.com/hitoshi/todoshell/internal/model"
	"github.com/hitoshi/todoshell/internal/repository"
	"github.com/hitoshi/todoshell/internal/security"
)

// SessionSource は操作ごとに有効なセッションを提供する。
type SessionSource interface {
	ValidSession(ctx context.Context) (*model.Session, error)
}

// ChangeFeed はタスク変更通知の購読を提供する。
type ChangeFeed = repository.ChangeFeed

// Config はServiceの設定。
type Config struct {
	Backoff Backoff
	Logger  *slog.Logger
	Metrics metrics.MetricsCollector
}

// Service はタスクのCRUDと購読を提供する。
// 操作対象の所有者は常にサインイン中のユーザーと一致しなければならない。
type Service struct {
	repo      repository.TaskRepository
	sessions  SessionSource
	feed      ChangeFeed
	sanitizer security.TextSanitizer
	backoff   Backoff
	logger    *slog.Logger
	metrics   metrics.MetricsCollector
}

// NewService はServiceを生成する。
func NewService(
	repo repository.TaskRepository,
	sessions SessionSource,
	feed ChangeFeed,
	sanitizer security.TextSanitizer,
	cfg Config,
) *Service {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.Nop{}
	}
	return &Service{
		repo:      repo,
		sessions:  sessions,
		feed:      feed,
		sanitizer: sanitizer,
		backoff:   cfg.Backoff.withDefaults(),
		logger:    cfg.Logger,
		metrics:   cfg.Metrics,
	}
}

// List は所有者のタスク一覧を作成日時の降順で返す。
func (s *Service) List(ctx context.Context, ownerID string) ([]model.Task, error) {
	if err := s.authorizeOwner(ctx, ownerID); err != nil {
		return nil, err
	}

	tasks, err := s.repo.ListByOwner(ctx, ownerID)
	if err != nil {
		return nil, toAPIError(err)
	}
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.After(tasks[j].CreatedAt)
	})
	if tasks == nil {
		tasks = []model.Task{}
	}
	return tasks, nil
}

// Create はタスクを作成する。タイトルは前後の空白とタグを除去した上で空であってはならない。
func (s *Service) Create(ctx context.Context, draft model.TaskDraft) (*model.Task, error) {
	title := s.sanitizer.Sanitize(draft.Title)
	if title == "" {
		return nil, model.NewValidationError("タイトルは必須です")
	}
	if err := s.authorizeOwner(ctx, draft.OwnerID); err != nil {
		return nil, err
	}

	draft.Title = title
	draft.Description = s.sanitizeOptional(draft.Description)

	task, err := s.repo.Create(ctx, draft)
	if err != nil {
		return nil, toAPIError(err)
	}
	s.logger.Info("タスクを作成しました",
		slog.String("task_id", task.ID),
		slog.String("user_id", draft.OwnerID),
	)
	return task, nil
}

// Update はタスクを部分更新する。(id, ownerID)に一致する行がない場合はNotFoundを返す。
func (s *Service) Update(ctx context.Context, id, ownerID string, patch model.TaskPatch) (*model.Task, error) {
	if patch.Empty() {
		return nil, model.NewValidationError("更新する項目がありません")
	}
	if patch.Title != nil {
		title := s.sanitizer.Sanitize(*patch.Title)
		if title == "" {
			return nil, model.NewValidationError("タイトルは必須です")
		}
		patch.Title = &title
	}
	if patch.Description != nil {
		desc := s.sanitizer.Sanitize(*patch.Description)
		patch.Description = &desc
	}
	if err := s.authorizeTask(ctx, id, ownerID); err != nil {
		return nil, err
	}

	task, err := s.repo.Update(ctx, id, ownerID, patch)
	if err != nil {
		return nil, toAPIError(err)
	}
	if task == nil {
		return nil, model.NewTaskNotFoundError(id)
	}
	return task, nil
}

// ToggleCompletion は完了状態を反転する。読み取りと書き込みの間に削除された場合はNotFoundを返す。
func (s *Service) ToggleCompletion(ctx context.Context, id, ownerID string) (*model.Task, error) {
	if err := s.authorizeTask(ctx, id, ownerID); err != nil {
		return nil, err
	}

	current, err := s.repo.FindByID(ctx, id, ownerID)
	if err != nil {
		return nil, toAPIError(err)
	}
	if current == nil {
		return nil, model.NewTaskNotFoundError(id)
	}

	next := !current.IsComplete
	task, err := s.repo.Update(ctx, id, ownerID, model.TaskPatch{IsComplete: &next})
	if err != nil {
		return nil, toAPIError(err)
	}
	if task == nil {
		return nil, model.NewTaskNotFoundError(id)
	}
	return task, nil
}

// Delete はタスクを削除する。存在しないタスクの削除も成功として扱う。
func (s *Service) Delete(ctx context.Context, id, ownerID string) error {
	if err := s.authorizeTask(ctx, id, ownerID); err != nil {
		return err
	}
	if err := s.repo.Delete(ctx, id, ownerID); err != nil {
		return toAPIError(err)
	}
	s.logger.Info("タスクを削除しました",
		slog.String("task_id", id),
		slog.String("user_id", ownerID),
	)
	return nil
}

// authorizeOwner は一覧・作成・購読の所有者を検証する。不一致はUnauthenticated。
func (s *Service) authorizeOwner(ctx context.Context, ownerID string) error {
	sess, err := s.sessions.ValidSession(ctx)
	if err != nil {
		return toAPIError(err)
	}
	if ownerID == "" || sess.User.ID != ownerID {
		return model.NewUnauthenticatedError()
	}
	return nil
}

// authorizeTask はID指定の操作の所有者を検証する。
// 他人のタスクは存在しないものとして扱い、NotFoundを返す。
func (s *Service) authorizeTask(ctx context.Context, id, ownerID string) error {
	if id == "" {
		return model.NewValidationError("タスクIDは必須です")
	}
	sess, err := s.sessions.ValidSession(ctx)
	if err != nil {
		return toAPIError(err)
	}
	if ownerID == "" || sess.User.ID != ownerID {
		return model.NewTaskNotFoundError(id)
	}
	return nil
}

func (s *Service) sanitizeOptional(v *string) *string {
	if v == nil {
		return nil
	}
	cleaned := s.sanitizer.Sanitize(*v)
	if cleaned == "" {
		return nil
	}
	return &cleaned
}

// toAPIError はエラーをAPIErrorに揃える。
func toAPIError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return model.NewNetworkError(fmt.Errorf("task operation failed: %w", err))
}

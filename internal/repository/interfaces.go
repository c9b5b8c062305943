// Package repository はデータ永続化のインターフェースを定義する。
package repository

import (
	"context"

	"github.com/hitoshi/todoshell/internal/model"
)

// SessionPersister はセッションスナップショットの永続化インターフェース。
// 起動時の復元と、状態遷移ごとの書き込みに使用する。
type SessionPersister interface {
	// Load は保存済みのセッションを取得する。保存されていない場合はnilを返す。
	Load(ctx context.Context) (*model.Session, error)

	// Save はセッションを上書き保存する。
	Save(ctx context.Context, session *model.Session) error

	// Delete は保存済みのセッションを削除する。存在しない場合もエラーにしない。
	Delete(ctx context.Context) error
}

// SessionWatcher は別プロセスによるセッション変更を監視できる永続化層が実装する。
type SessionWatcher interface {
	// Watch はctxが終了するまで変更を監視し、変更ごとにfnを呼び出す。
	// fnには変更後のセッション（削除時はnil）が渡される。
	Watch(ctx context.Context, fn func(*model.Session)) error
}

// TaskRepository はタスクデータの永続化インターフェース。
// すべての操作は所有者IDでスコープされる。
type TaskRepository interface {
	// ListByOwner は所有者のタスク一覧をcreated_at降順で返す。
	ListByOwner(ctx context.Context, ownerID string) ([]model.Task, error)

	// FindByID は指定IDのタスクを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id, ownerID string) (*model.Task, error)

	// Create はタスクを作成し、サーバーが採番した値を含むタスクを返す。
	Create(ctx context.Context, draft model.TaskDraft) (*model.Task, error)

	// Update はタスクを部分更新する。対象が存在しない場合はnilを返す。
	Update(ctx context.Context, id, ownerID string, patch model.TaskPatch) (*model.Task, error)

	// Delete はタスクを削除する。対象が存在しない場合もエラーにしない。
	Delete(ctx context.Context, id, ownerID string) error
}

// ProfileRepository はprofilesテーブルの永続化インターフェース。
type ProfileRepository interface {
	// FindByID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Profile, error)

	// Insert はプロフィールを作成する。既に存在する場合はリモートコード23505のエラーを返す。
	Insert(ctx context.Context, profile *model.Profile) error

	// Update はパッチに含まれる列だけを部分更新する。対象行が存在しない場合はnilを返す。
	Update(ctx context.Context, id string, patch model.ProfilePatch) (*model.Profile, error)
}

// ChangeFeed はタスク変更通知の購読を提供する。
type ChangeFeed interface {
	// Connect はownerIDのタスク変更を購読する接続を開く。参加が完了した時点で返る。
	Connect(ctx context.Context, ownerID string) (ChangeStream, error)
}

// ChangeStream は変更通知の購読中の接続。
type ChangeStream interface {
	// Events は変更通知を返す。接続が切れるとcloseされる。
	Events() <-chan model.ChangeEvent
	// Err は接続が切れた原因を返す。Closeによる切断の場合はnil。
	Err() error
	// Close は購読を終了する。複数回呼んでも安全。
	Close() error
}

// Package model はドメインモデルを定義する。
package model

import "time"

// Task はユーザーごとに同期されるタスクを表す。
// OwnerIDが一致するユーザーだけが読み書きできる。
type Task struct {
	ID          string    `json:"id"`
	OwnerID     string    `json:"user_id"`
	Title       string    `json:"title"`
	Description *string   `json:"description,omitempty"`
	IsComplete  bool      `json:"is_complete"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TaskDraft は新規作成するタスクの入力。ID・タイムスタンプはサーバーが採番する。
type TaskDraft struct {
	Title       string  `json:"title"`
	Description *string `json:"description,omitempty"`
	OwnerID     string  `json:"user_id"`
}

// TaskPatch はタスクの部分更新。nilのフィールドは変更しない。
type TaskPatch struct {
	Title       *string `json:"title,omitempty"`
	Description *string `json:"description,omitempty"`
	IsComplete  *bool   `json:"is_complete,omitempty"`
}

// Empty は変更対象のフィールドが1つもない場合にtrueを返す。
func (p TaskPatch) Empty() bool {
	return p.Title == nil && p.Description == nil && p.IsComplete == nil
}

// ChangeOperation は変更通知の種別を表す。
type ChangeOperation string

const (
	// ChangeInsert はタスクの追加。
	ChangeInsert ChangeOperation = "insert"
	// ChangeUpdate はタスクの更新。
	ChangeUpdate ChangeOperation = "update"
	// ChangeDelete はタスクの削除。
	ChangeDelete ChangeOperation = "delete"
)

// ChangeEvent はリアルタイムチャネルから届く変更通知。
// 一度だけ消費され、永続化されない。
type ChangeEvent struct {
	Operation ChangeOperation `json:"operation"`
	Record    Task            `json:"record"`
	OldRecord Task            `json:"old_record"`
}

// TaskID は変更対象のタスクIDを返す。削除イベントではOldRecordから取得する。
func (e ChangeEvent) TaskID() string {
	if e.Record.ID != "" {
		return e.Record.ID
	}
	return e.OldRecord.ID
}

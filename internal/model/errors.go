// Package model はドメインモデルを定義する。
package model

import "fmt"

// APIError は統一エラーフォーマットを表す。
// UIに表示する原因カテゴリと対処方法を含む。
// 公開操作はすべてpanicせず、このエラーを結果として返す。
type APIError struct {
	Code       string // エラーコード
	Message    string // エラーメッセージ
	Category   string // カテゴリ: auth, validation, task, network, realtime, system
	Action     string // ユーザー向け対処方法
	RemoteCode string // リモートサービスが返したエラーコード（例: 23505, PGRST116）
	Err        error  // 元となったエラー
}

// Error はerrorインターフェースを実装する。
func (e *APIError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap は元のエラーを返す。
func (e *APIError) Unwrap() error {
	return e.Err
}

// Is はエラーコードが一致する場合にtrueを返す。
// errors.Is(err, model.ErrNotFound) のような判定に使用する。
func (e *APIError) Is(target error) bool {
	t, ok := target.(*APIError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// 定義済みエラーコード
const (
	ErrCodeInvalidCredentials = "INVALID_CREDENTIALS"
	ErrCodeAccountExists      = "ACCOUNT_EXISTS"
	ErrCodeUnauthenticated    = "UNAUTHENTICATED"
	ErrCodeNetwork            = "NETWORK"
	ErrCodeRemoteValidation   = "REMOTE_VALIDATION"
	ErrCodeValidation         = "VALIDATION"
	ErrCodeNotFound           = "NOT_FOUND"
	ErrCodeDisconnected       = "DISCONNECTED"
)

// errors.Is の比較対象として使うセンチネル。
var (
	ErrInvalidCredentials = &APIError{Code: ErrCodeInvalidCredentials}
	ErrAccountExists      = &APIError{Code: ErrCodeAccountExists}
	ErrUnauthenticated    = &APIError{Code: ErrCodeUnauthenticated}
	ErrNetwork            = &APIError{Code: ErrCodeNetwork}
	ErrRemoteValidation   = &APIError{Code: ErrCodeRemoteValidation}
	ErrValidation         = &APIError{Code: ErrCodeValidation}
	ErrNotFound           = &APIError{Code: ErrCodeNotFound}
	ErrDisconnected       = &APIError{Code: ErrCodeDisconnected}
)

// NewInvalidCredentialsError は認証情報の不一致エラーを生成する。
func NewInvalidCredentialsError() *APIError {
	return &APIError{
		Code:     ErrCodeInvalidCredentials,
		Message:  "メールアドレスまたはパスワードが正しくありません。",
		Category: "auth",
		Action:   "入力内容を確認して再度サインインしてください。",
	}
}

// NewAccountExistsError はアカウント重複エラーを生成する。
func NewAccountExistsError() *APIError {
	return &APIError{
		Code:     ErrCodeAccountExists,
		Message:  "このメールアドレスは既に登録されています。",
		Category: "auth",
		Action:   "サインインするか、パスワードの再設定を行ってください。",
	}
}

// NewUnauthenticatedError は未認証エラーを生成する。
func NewUnauthenticatedError() *APIError {
	return &APIError{
		Code:     ErrCodeUnauthenticated,
		Message:  "認証が必要です。",
		Category: "auth",
		Action:   "サインインしてください。",
	}
}

// NewNetworkError は通信失敗エラーを生成する。
// 呼び出し元の判断で再試行できる。コア側では自動再試行しない。
func NewNetworkError(err error) *APIError {
	return &APIError{
		Code:     ErrCodeNetwork,
		Message:  "サービスとの通信に失敗しました。",
		Category: "network",
		Action:   "ネットワーク接続を確認し、しばらく待ってから再度お試しください。",
		Err:      err,
	}
}

// NewRemoteValidationError はリモートサービスが入力を拒否した場合のエラーを生成する。
func NewRemoteValidationError(message, remoteCode string) *APIError {
	return &APIError{
		Code:       ErrCodeRemoteValidation,
		Message:    message,
		Category:   "validation",
		Action:     "入力内容を確認してください。",
		RemoteCode: remoteCode,
	}
}

// NewValidationError は送信前の入力検証エラーを生成する。
func NewValidationError(reason string) *APIError {
	return &APIError{
		Code:     ErrCodeValidation,
		Message:  fmt.Sprintf("入力内容が不正です: %s", reason),
		Category: "validation",
		Action:   "入力内容を確認してください。",
	}
}

// NewTaskNotFoundError はタスク未検出エラーを生成する。
// 所有者の不一致も存在しないものとして扱う。
func NewTaskNotFoundError(taskID string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  fmt.Sprintf("指定されたタスクが見つかりません: %s", taskID),
		Category: "task",
		Action:   "一覧を再読み込みしてください。",
	}
}

// NewNotFoundError は汎用の未検出エラーを生成する。
func NewNotFoundError(message string) *APIError {
	return &APIError{
		Code:     ErrCodeNotFound,
		Message:  message,
		Category: "task",
		Action:   "一覧を再読み込みしてください。",
	}
}

// NewDisconnectedError はリアルタイムチャネルの再接続上限到達エラーを生成する。
func NewDisconnectedError(attempts int, err error) *APIError {
	return &APIError{
		Code:     ErrCodeDisconnected,
		Message:  fmt.Sprintf("リアルタイム接続を%d回試行しましたが復旧できませんでした。", attempts),
		Category: "realtime",
		Action:   "ページを再読み込みしてください。",
		Err:      err,
	}
}

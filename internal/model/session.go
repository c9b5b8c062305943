// Package model はドメインモデルを定義する。
package model

import "time"

// AuthState はセッションストアの状態を表す。
type AuthState string

const (
	// AuthStateUninitialized は起動直後、復元前の状態。
	AuthStateUninitialized AuthState = "uninitialized"
	// AuthStateRestoring は永続化されたセッションを復元中の状態。
	AuthStateRestoring AuthState = "restoring"
	// AuthStateAuthenticated はサインイン済みの状態。
	AuthStateAuthenticated AuthState = "authenticated"
	// AuthStateAnonymous は未サインインの状態。
	AuthStateAnonymous AuthState = "anonymous"
)

// User はリモートサービスが発行するユーザーを表す。
// IDはレコードの存続期間中は変わらない。
type User struct {
	ID         string         `json:"id"`
	Email      string         `json:"email"`
	Metadata   map[string]any `json:"user_metadata,omitempty"`
	Identities []Identity     `json:"identities,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Identity は外部IdPとの紐付け情報を表す。
// サインアップ直後で確認待ちのユーザーは空になる。
type Identity struct {
	ID       string `json:"id"`
	Provider string `json:"provider"`
}

// Username はメタデータのusernameを返す。未設定の場合は空文字列。
func (u *User) Username() string {
	if u == nil || u.Metadata == nil {
		return ""
	}
	name, _ := u.Metadata["username"].(string)
	return name
}

// Session はサインイン中のユーザーの認証情報を表す。
// セッションストアだけが保持し、変更時は丸ごと差し替える。
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

// Expired はアクセストークンが期限切れかどうかを返す。
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Refreshable はリフレッシュトークンを持つかどうかを返す。
func (s *Session) Refreshable() bool {
	return s.RefreshToken != ""
}

// Usable は期限内、またはリフレッシュ可能であればtrueを返す。
// 期限切れでリフレッシュできないセッションは存在しないものとして扱う。
func (s *Session) Usable(now time.Time) bool {
	if s == nil || s.AccessToken == "" {
		return false
	}
	return !s.Expired(now) || s.Refreshable()
}

// Remaining はアクセストークンの残り有効期間を返す。
func (s *Session) Remaining(now time.Time) time.Duration {
	return s.ExpiresAt.Sub(now)
}

// WithUser はユーザーだけを差し替えた新しいスナップショットを返す。
func (s Session) WithUser(u User) *Session {
	s.User = u
	return &s
}

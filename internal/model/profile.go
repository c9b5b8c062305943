// Package model はドメインモデルを定義する。
package model

import "time"

// Profile はprofilesテーブルの1行を表す。IDはユーザーIDと同一。
type Profile struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	FullName  *string    `json:"full_name,omitempty"`
	AvatarURL *string    `json:"avatar_url,omitempty"`
	UpdatedAt *time.Time `json:"updated_at,omitempty"`
}

// ProfilePatch はプロフィールの部分更新。nilのフィールドはサーバー側で変更されない。
type ProfilePatch struct {
	Username  *string `json:"username,omitempty"`
	FullName  *string `json:"full_name,omitempty"`
	AvatarURL *string `json:"avatar_url,omitempty"`
}

// Empty は変更対象のフィールドが1つもない場合にtrueを返す。
func (p ProfilePatch) Empty() bool {
	return p.Username == nil && p.FullName == nil && p.AvatarURL == nil
}

// Metadata はユーザーメタデータとして送信するマップに変換する。
func (p ProfilePatch) Metadata() map[string]any {
	m := make(map[string]any)
	if p.Username != nil {
		m["username"] = *p.Username
	}
	if p.FullName != nil {
		m["full_name"] = *p.FullName
	}
	if p.AvatarURL != nil {
		m["avatar_url"] = *p.AvatarURL
	}
	return m
}

// Package profile はprofilesテーブルに対するドメインロジックを提供する。
package profile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/hitoshi/todoshell/internal/model"
	"github.com/hitoshi/todoshell/internal/repository"
	"github.com/hitoshi/todoshell/internal/security"
)

// duplicateKeyCode は一意制約違反を表すリモートのエラーコード。
const duplicateKeyCode = "23505"

// defaultUsernameLen はユーザー名未指定時にユーザーIDから切り出す文字数。
const defaultUsernameLen = 8

// Service はプロフィールの初期化・取得・更新を提供する。
type Service struct {
	repo   repository.ProfileRepository
	guard  security.URLGuard
	probe  *http.Client
	logger *slog.Logger
}

// Option はServiceのオプション。
type Option func(*Service)

// WithAvatarProbe はアバターURLの到達確認を有効にする。
// clientにはURLGuard.NewSafeClientで生成したクライアントを渡す。
func WithAvatarProbe(client *http.Client) Option {
	return func(s *Service) { s.probe = client }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService はServiceを生成する。
func NewService(repo repository.ProfileRepository, guard security.URLGuard, opts ...Option) *Service {
	s := &Service{repo: repo, guard: guard, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// DefaultUsername はユーザー名が未指定の場合に使うユーザーIDの先頭8文字を返す。
func DefaultUsername(userID string) string {
	if len(userID) <= defaultUsernameLen {
		return userID
	}
	return userID[:defaultUsernameLen]
}

// Initialize はサインアップ直後のプロフィール行を作成する。
// 既に存在する場合（一意制約違反）は成功として扱う。
func (s *Service) Initialize(ctx context.Context, userID, username string) error {
	username = strings.TrimSpace(username)
	if username == "" {
		username = DefaultUsername(userID)
	}

	err := s.repo.Insert(ctx, &model.Profile{ID: userID, Username: username})
	if err == nil {
		s.logger.Info("プロフィールを作成しました", slog.String("user_id", userID))
		return nil
	}

	var apiErr *model.APIError
	if errors.As(err, &apiErr) && apiErr.RemoteCode == duplicateKeyCode {
		s.logger.Debug("プロフィールは既に存在します", slog.String("user_id", userID))
		return nil
	}
	return fmt.Errorf("プロフィールの作成に失敗しました: %w", err)
}

// Fetch はプロフィールを取得する。存在しない場合はnilを返す。
func (s *Service) Fetch(ctx context.Context, userID string) (*model.Profile, error) {
	p, err := s.repo.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの取得に失敗しました: %w", err)
	}
	return p, nil
}

// Validate は送信前にパッチを検証・正規化する。
// ユーザー名は前後の空白を除去し、空の場合はValidationエラーを返す。
// アバターURLは公開されたhttp(s)のURLでなければならない。
func (s *Service) Validate(ctx context.Context, patch model.ProfilePatch) (model.ProfilePatch, error) {
	if patch.Empty() {
		return patch, model.NewValidationError("更新する項目がありません")
	}
	if patch.Username != nil {
		name := strings.TrimSpace(*patch.Username)
		if name == "" {
			return patch, model.NewValidationError("ユーザー名は必須です")
		}
		patch.Username = &name
	}
	if patch.FullName != nil {
		name := strings.TrimSpace(*patch.FullName)
		patch.FullName = &name
	}
	if patch.AvatarURL != nil {
		u := strings.TrimSpace(*patch.AvatarURL)
		patch.AvatarURL = &u
		if u != "" {
			if err := s.checkAvatar(ctx, u); err != nil {
				return patch, err
			}
		}
	}
	return patch, nil
}

// checkAvatar はアバターURLが公開された画像を指しているかを確認する。
// HEADを受け付けないサーバーには先頭1バイトだけのGETで問い合わせる。
// Content-Typeを返さないサーバーは判定できないため許可する。
func (s *Service) checkAvatar(ctx context.Context, rawURL string) error {
	if err := s.guard.ValidateURL(rawURL); err != nil {
		return model.NewValidationError(fmt.Sprintf("アバターURLが不正です: %v", err))
	}
	if s.probe == nil {
		return nil
	}

	resp, err := s.fetchAvatar(ctx, http.MethodHead, rawURL)
	if err == nil && (resp.StatusCode == http.StatusMethodNotAllowed || resp.StatusCode == http.StatusNotImplemented) {
		resp.Body.Close()
		resp, err = s.fetchAvatar(ctx, http.MethodGet, rawURL)
	}
	if err != nil {
		s.logger.Info("アバターURLに到達できません",
			slog.String("url", rawURL),
			slog.String("error", err.Error()),
		)
		return model.NewValidationError("アバターURLに到達できません")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return model.NewValidationError(fmt.Sprintf("アバターURLが応答しません (status %d)", resp.StatusCode))
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		s.logger.Info("アバターURLのContent-Typeが不明です", slog.String("url", rawURL))
		return nil
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil || !strings.HasPrefix(mediaType, "image/") {
		return model.NewValidationError("アバターURLが画像ではありません")
	}
	return nil
}

func (s *Service) fetchAvatar(ctx context.Context, method, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, nil)
	if err != nil {
		return nil, err
	}
	if method == http.MethodGet {
		req.Header.Set("Range", "bytes=0-0")
	}
	return s.probe.Do(req)
}

// Apply は検証済みのパッチに含まれる列だけを更新する。
// 行が存在しない場合は既定値にパッチを重ねて作成する。
// 作成が一意制約違反になった場合は、並行して作成された行をもう一度更新する。
func (s *Service) Apply(ctx context.Context, userID string, patch model.ProfilePatch) (*model.Profile, error) {
	saved, err := s.repo.Update(ctx, userID, patch)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}
	if saved != nil {
		return saved, nil
	}

	created := &model.Profile{ID: userID, Username: DefaultUsername(userID)}
	if patch.Username != nil {
		created.Username = *patch.Username
	}
	created.FullName = patch.FullName
	created.AvatarURL = patch.AvatarURL

	err = s.repo.Insert(ctx, created)
	if err == nil {
		s.logger.Info("プロフィールを作成しました", slog.String("user_id", userID))
		return created, nil
	}
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) || apiErr.RemoteCode != duplicateKeyCode {
		return nil, fmt.Errorf("プロフィールの作成に失敗しました: %w", err)
	}

	saved, err = s.repo.Update(ctx, userID, patch)
	if err != nil {
		return nil, fmt.Errorf("プロフィールの更新に失敗しました: %w", err)
	}
	if saved == nil {
		return nil, model.NewNotFoundError("プロフィールが見つかりません")
	}
	return saved, nil
}

// Update はパッチを検証してから保存する。
func (s *Service) Update(ctx context.Context, userID string, patch model.ProfilePatch) (*model.Profile, error) {
	patch, err := s.Validate(ctx, patch)
	if err != nil {
		return nil, err
	}
	return s.Apply(ctx, userID, patch)
}

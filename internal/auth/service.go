// Package auth はサインアップ・サインイン・外部IdP連携・パスワード再設定など、
// リモート認証サービスとの手順をまとめ、結果をセッションストアに反映する。
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"net/url"
	"strings"
	"time"

	"github.com/hitoshi/todoshell/internal/model"
	"github.com/hitoshi/todoshell/internal/profile"
	"github.com/hitoshi/todoshell/internal/remote"
	"github.com/hitoshi/todoshell/internal/session"
)

// AuthAPI はリモート認証サービスのインターフェース。
type AuthAPI interface {
	SignUp(ctx context.Context, email, password string, metadata map[string]any, redirectTo string) (*remote.SignUpResponse, error)
	SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error)
	ExchangeCode(ctx context.Context, authCode, codeVerifier string) (*model.Session, error)
	SignOut(ctx context.Context, accessToken string) error
	Recover(ctx context.Context, email, redirectTo string) error
	VerifyRecovery(ctx context.Context, tokenHash string) (*model.Session, error)
	UpdateUser(ctx context.Context, accessToken string, attrs remote.UserAttributes) (*model.User, error)
	AuthorizeURL(provider, redirectTo, codeChallenge string) string
}

// SessionStore はオーケストレーターが書き込むセッションストアのインターフェース。
// セッションストアへの書き込みはこのパッケージだけが行う。
type SessionStore interface {
	Session() *model.Session
	CurrentUser() *model.User
	ValidSession(ctx context.Context) (*model.Session, error)
	Establish(ctx context.Context, sess *model.Session, reason session.Reason) error
	ReplaceUser(ctx context.Context, user model.User) error
	Clear(ctx context.Context, reason session.Reason) error
}

// ProfileService はprofilesテーブルの操作インターフェース。
type ProfileService interface {
	Initialize(ctx context.Context, userID, username string) error
	Validate(ctx context.Context, patch model.ProfilePatch) (model.ProfilePatch, error)
	Apply(ctx context.Context, userID string, patch model.ProfilePatch) (*model.Profile, error)
}

// ServiceConfig は認証サービスの設定。
type ServiceConfig struct {
	CallbackURL      string        // 外部IdPからの戻り先（/auth/callback）
	EmailRedirectURL string        // サインアップ確認メールのリンク先
	ResetRedirectURL string        // パスワード再設定メールのリンク先
	FlowTTL          time.Duration // OAuthフローの有効期間
	Clock            func() time.Time
}

// SignUpResult はサインアップの結果。
// RequiresConfirmationがtrueの場合、メール確認が済むまでセッションは作られない。
type SignUpResult struct {
	User                 *model.User
	RequiresConfirmation bool
}

// Service は認証に関するビジネスロジックを提供する。
type Service struct {
	api      AuthAPI
	store    SessionStore
	profiles ProfileService
	flows    *FlowStore
	config   ServiceConfig
	logger   *slog.Logger
}

// NewService はServiceを生成する。
func NewService(api AuthAPI, store SessionStore, profiles ProfileService, config ServiceConfig, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		api:      api,
		store:    store,
		profiles: profiles,
		flows:    NewFlowStore(config.FlowTTL, config.Clock),
		config:   config,
		logger:   logger,
	}
}

// SignUp はアカウントを作成する。
// リモートがセッションを返した場合はサインイン状態にし、プロフィール行を初期化する。
func (s *Service) SignUp(ctx context.Context, email, password string) (*SignUpResult, error) {
	email, err := validateCredentials(email, password)
	if err != nil {
		return nil, err
	}

	resp, err := s.api.SignUp(ctx, email, password, nil, s.config.EmailRedirectURL)
	if err != nil {
		return nil, toAPIError(err)
	}

	user := resp.User
	if user == nil && resp.Session != nil {
		user = &resp.Session.User
	}
	if resp.Session == nil || user == nil || len(user.Identities) == 0 {
		s.logger.Info("サインアップを受け付けました（メール確認待ち）")
		return &SignUpResult{User: user, RequiresConfirmation: true}, nil
	}

	if err := s.establish(ctx, resp.Session, session.ReasonSignedIn); err != nil {
		return nil, err
	}
	s.initializeProfile(ctx, resp.Session.User)

	s.logger.Info("サインアップが完了しました", slog.String("user_id", resp.Session.User.ID))
	return &SignUpResult{User: user, RequiresConfirmation: false}, nil
}

// SignIn はメールアドレスとパスワードでサインインする。
func (s *Service) SignIn(ctx context.Context, email, password string) (*model.Session, error) {
	email, err := validateCredentials(email, password)
	if err != nil {
		return nil, err
	}

	sess, err := s.api.SignInWithPassword(ctx, email, password)
	if err != nil {
		return nil, toAPIError(err)
	}
	if err := s.establish(ctx, sess, session.ReasonSignedIn); err != nil {
		return nil, err
	}

	s.logger.Info("サインインしました", slog.String("user_id", sess.User.ID))
	return s.store.Session(), nil
}

// SignInWithProvider は外部IdPの認可画面へのURLを返す。
// PKCEのベリファイアはstateとともに保持され、CompleteOAuthで使用される。
func (s *Service) SignInWithProvider(ctx context.Context, provider string) (string, error) {
	if !SupportedProvider(provider) {
		return "", model.NewValidationError(fmt.Sprintf("未対応のプロバイダーです: %s", provider))
	}

	state, challenge, err := s.flows.Begin(provider)
	if err != nil {
		return "", fmt.Errorf("failed to begin oauth flow: %w", err)
	}

	redirectTo, err := withState(s.config.CallbackURL, state)
	if err != nil {
		return "", fmt.Errorf("invalid callback url: %w", err)
	}

	s.logger.Info("外部IdPの認可を開始しました", slog.String("provider", provider))
	return s.api.AuthorizeURL(provider, redirectTo, challenge), nil
}

// CompleteOAuth は外部IdPから戻った認可コードをセッションに交換する。
// stateが未登録・消費済み・期限切れの場合はValidationエラーを返す。
func (s *Service) CompleteOAuth(ctx context.Context, state, code string) (*model.Session, error) {
	if state == "" || code == "" {
		return nil, model.NewValidationError("認可コードまたはstateがありません")
	}
	flow, ok := s.flows.Consume(state)
	if !ok {
		return nil, model.NewValidationError("認証フローが無効または期限切れです")
	}

	sess, err := s.api.ExchangeCode(ctx, code, flow.verifier)
	if err != nil {
		return nil, toAPIError(err)
	}
	if err := s.establish(ctx, sess, session.ReasonSignedIn); err != nil {
		return nil, err
	}
	s.initializeProfile(ctx, sess.User)

	s.logger.Info("外部IdPでサインインしました",
		slog.String("provider", flow.provider),
		slog.String("user_id", sess.User.ID),
	)
	return s.store.Session(), nil
}

// SignOut はサインアウトする。リモート側の無効化は失敗しても続行し、
// セッションストアは必ず未サインイン状態になる。
func (s *Service) SignOut(ctx context.Context) {
	if sess := s.store.Session(); sess != nil {
		if err := s.api.SignOut(ctx, sess.AccessToken); err != nil {
			s.logger.Warn("リモートセッションの無効化に失敗しました",
				slog.String("user_id", sess.User.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	if err := s.store.Clear(ctx, session.ReasonSignedOut); err != nil {
		s.logger.Error("サインアウト状態への遷移に失敗しました", slog.String("error", err.Error()))
		return
	}
	s.logger.Info("サインアウトしました")
}

// RequestPasswordReset はパスワード再設定メールの送信を依頼する。
// 登録の有無を推測されないよう、通信失敗以外はすべて成功として扱う。
func (s *Service) RequestPasswordReset(ctx context.Context, email string) error {
	email, err := validateEmail(email)
	if err != nil {
		return err
	}

	if err := s.api.Recover(ctx, email, s.config.ResetRedirectURL); err != nil {
		apiErr := toAPIError(err)
		if errors.Is(apiErr, model.ErrNetwork) {
			return apiErr
		}
		s.logger.Info("パスワード再設定の依頼がリモートで拒否されました", slog.String("error", err.Error()))
	}
	return nil
}

// VerifyRecovery は再設定リンクのトークンを検証し、パスワード変更用の一時セッションを確立する。
func (s *Service) VerifyRecovery(ctx context.Context, tokenHash string) (*model.Session, error) {
	tokenHash = strings.TrimSpace(tokenHash)
	if tokenHash == "" {
		return nil, model.NewValidationError("再設定トークンがありません")
	}

	sess, err := s.api.VerifyRecovery(ctx, tokenHash)
	if err != nil {
		return nil, toAPIError(err)
	}
	if err := s.establish(ctx, sess, session.ReasonPasswordRecovery); err != nil {
		return nil, err
	}

	s.logger.Info("パスワード再設定用のセッションを確立しました", slog.String("user_id", sess.User.ID))
	return s.store.Session(), nil
}

// UpdatePassword はサインイン中のユーザーのパスワードを変更する。
func (s *Service) UpdatePassword(ctx context.Context, newPassword string) error {
	if newPassword == "" {
		return model.NewValidationError("新しいパスワードは必須です")
	}

	sess, err := s.store.ValidSession(ctx)
	if err != nil {
		return toAPIError(err)
	}

	user, err := s.api.UpdateUser(ctx, sess.AccessToken, remote.UserAttributes{Password: newPassword})
	if err != nil {
		return toAPIError(err)
	}
	if err := s.store.ReplaceUser(ctx, *user); err != nil {
		s.logger.Warn("更新後のユーザー情報を反映できませんでした", slog.String("error", err.Error()))
	}

	s.logger.Info("パスワードを変更しました", slog.String("user_id", user.ID))
	return nil
}

// UpdateProfile はユーザーメタデータを部分更新し、profilesテーブルにも反映する。
// 更新後のユーザーはセッションストアに反映される。
func (s *Service) UpdateProfile(ctx context.Context, patch model.ProfilePatch) (*model.User, error) {
	patch, err := s.profiles.Validate(ctx, patch)
	if err != nil {
		return nil, err
	}

	sess, err := s.store.ValidSession(ctx)
	if err != nil {
		return nil, toAPIError(err)
	}

	user, err := s.api.UpdateUser(ctx, sess.AccessToken, remote.UserAttributes{Data: patch.Metadata()})
	if err != nil {
		return nil, toAPIError(err)
	}

	// profilesはメタデータの写しのため、失敗してもメタデータの更新は取り消さない。
	if _, err := s.profiles.Apply(ctx, user.ID, patch); err != nil {
		s.logger.Warn("プロフィール行の更新に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}

	if err := s.store.ReplaceUser(ctx, *user); err != nil {
		return nil, fmt.Errorf("failed to replace user: %w", err)
	}

	s.logger.Info("プロフィールを更新しました", slog.String("user_id", user.ID))
	return user, nil
}

// CurrentUser はサインイン中のユーザーを返す。未サインインの場合はnil。
func (s *Service) CurrentUser() *model.User {
	return s.store.CurrentUser()
}

// ValidatePasswordChange は新しいパスワードと確認入力を検証する。
func ValidatePasswordChange(password, confirm string) error {
	if password == "" {
		return model.NewValidationError("パスワードは必須です")
	}
	if password != confirm {
		return model.NewValidationError("パスワードが一致しません")
	}
	return nil
}

func (s *Service) establish(ctx context.Context, sess *model.Session, reason session.Reason) error {
	if err := s.store.Establish(ctx, sess, reason); err != nil {
		return fmt.Errorf("failed to establish session: %w", err)
	}
	return nil
}

// initializeProfile はプロフィール行を作成する。失敗してもサインインは継続する。
func (s *Service) initializeProfile(ctx context.Context, user model.User) {
	if s.profiles == nil {
		return
	}
	if err := s.profiles.Initialize(ctx, user.ID, user.Username()); err != nil {
		s.logger.Warn("プロフィールの初期化に失敗しました",
			slog.String("user_id", user.ID),
			slog.String("error", err.Error()),
		)
	}
}

func validateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", model.NewValidationError("メールアドレスは必須です")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", model.NewValidationError("メールアドレスの形式が正しくありません")
	}
	return email, nil
}

func validateCredentials(email, password string) (string, error) {
	email, err := validateEmail(email)
	if err != nil {
		return "", err
	}
	if password == "" {
		return "", model.NewValidationError("パスワードは必須です")
	}
	return email, nil
}

// withState はコールバックURLにstateを付与する。
func withState(callbackURL, state string) (string, error) {
	u, err := url.Parse(callbackURL)
	if err != nil {
		return "", err
	}
	q := u.Query()
	q.Set("state", state)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// toAPIError はエラーをAPIErrorに揃える。分類できないエラーは通信失敗として扱う。
func toAPIError(err error) error {
	var apiErr *model.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}
	return model.NewNetworkError(err)
}

// compile-time interface check
var (
	_ AuthAPI        = (*remote.AuthClient)(nil)
	_ SessionStore   = (*session.Store)(nil)
	_ ProfileService = (*profile.Service)(nil)
)

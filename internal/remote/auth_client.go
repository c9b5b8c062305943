package remote

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/hitoshi/todoshell/internal/model"
)

// AuthClient は認証API（/auth/v1）のクライアント。
type AuthClient struct {
	c *Client
}

// NewAuthClient はAuthClientを生成する。
func NewAuthClient(c *Client) *AuthClient {
	return &AuthClient{c: c}
}

// tokenResponse はトークン発行系エンドポイントのレスポンス。
type tokenResponse struct {
	AccessToken  string      `json:"access_token"`
	TokenType    string      `json:"token_type"`
	ExpiresIn    int64       `json:"expires_in"`
	ExpiresAt    int64       `json:"expires_at"`
	RefreshToken string      `json:"refresh_token"`
	User         *model.User `json:"user"`
}

// session はレスポンスをセッションに変換する。アクセストークンがない場合はnilを返す。
// 有効期限が不明な場合はゼロ値のまま返し、セッションストアがトークンから補完する。
func (r *tokenResponse) session(now time.Time) *model.Session {
	if r.AccessToken == "" {
		return nil
	}
	s := &model.Session{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
	}
	switch {
	case r.ExpiresAt > 0:
		s.ExpiresAt = time.Unix(r.ExpiresAt, 0).UTC()
	case r.ExpiresIn > 0:
		s.ExpiresAt = now.Add(time.Duration(r.ExpiresIn) * time.Second).UTC()
	}
	if r.User != nil {
		s.User = *r.User
	}
	return s
}

// SignUpResponse はサインアップの結果。
// メール確認が必要な場合はSessionがnilになる。
type SignUpResponse struct {
	User    *model.User
	Session *model.Session
}

// SignUp はアカウントを作成する。
func (a *AuthClient) SignUp(ctx context.Context, email, password string, metadata map[string]any, redirectTo string) (*SignUpResponse, error) {
	q := url.Values{}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}

	var raw json.RawMessage
	err := a.c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/v1/signup",
		query:    q,
		body:     map[string]any{"email": email, "password": password, "data": metadata},
		endpoint: "auth_signup",
	}, &raw)
	if err != nil {
		return nil, err
	}

	// 自動確認が有効な場合はセッション、確認待ちの場合はユーザーのみが返る。
	var tr tokenResponse
	if err := json.Unmarshal(raw, &tr); err != nil {
		return nil, model.NewNetworkError(err)
	}
	if sess := tr.session(time.Now()); sess != nil {
		user := sess.User
		return &SignUpResponse{User: &user, Session: sess}, nil
	}

	var user model.User
	if err := json.Unmarshal(raw, &user); err != nil {
		return nil, model.NewNetworkError(err)
	}
	return &SignUpResponse{User: &user}, nil
}

// SignInWithPassword はメールアドレスとパスワードでセッションを発行する。
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*model.Session, error) {
	return a.token(ctx, "password", map[string]any{"email": email, "password": password})
}

// Refresh はリフレッシュトークンで新しいセッションを発行する。
func (a *AuthClient) Refresh(ctx context.Context, refreshToken string) (*model.Session, error) {
	return a.token(ctx, "refresh_token", map[string]any{"refresh_token": refreshToken})
}

// ExchangeCode はPKCEの認可コードをセッションに交換する。
func (a *AuthClient) ExchangeCode(ctx context.Context, authCode, codeVerifier string) (*model.Session, error) {
	return a.token(ctx, "pkce", map[string]any{"auth_code": authCode, "code_verifier": codeVerifier})
}

func (a *AuthClient) token(ctx context.Context, grantType string, body map[string]any) (*model.Session, error) {
	var tr tokenResponse
	err := a.c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/v1/token",
		query:    url.Values{"grant_type": {grantType}},
		body:     body,
		endpoint: "auth_token_" + grantType,
	}, &tr)
	if err != nil {
		return nil, err
	}
	sess := tr.session(time.Now())
	if sess == nil {
		return nil, model.NewUnauthenticatedError()
	}
	return sess, nil
}

// SignOut はリモート側のセッションを無効化する。
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	return a.c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/v1/logout",
		token:    accessToken,
		endpoint: "auth_logout",
	}, nil)
}

// Recover はパスワード再設定メールの送信を依頼する。
func (a *AuthClient) Recover(ctx context.Context, email, redirectTo string) error {
	q := url.Values{}
	if redirectTo != "" {
		q.Set("redirect_to", redirectTo)
	}
	return a.c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/v1/recover",
		query:    q,
		body:     map[string]any{"email": email},
		endpoint: "auth_recover",
	}, nil)
}

// VerifyRecovery は再設定リンクのトークンハッシュを検証し、一時セッションを発行する。
func (a *AuthClient) VerifyRecovery(ctx context.Context, tokenHash string) (*model.Session, error) {
	var tr tokenResponse
	err := a.c.do(ctx, request{
		method:   http.MethodPost,
		path:     "/auth/v1/verify",
		body:     map[string]any{"type": "recovery", "token_hash": tokenHash},
		endpoint: "auth_verify",
	}, &tr)
	if err != nil {
		return nil, err
	}
	sess := tr.session(time.Now())
	if sess == nil {
		return nil, model.NewUnauthenticatedError()
	}
	return sess, nil
}

// GetUser はアクセストークンに対応するユーザーを取得する。
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*model.User, error) {
	var user model.User
	err := a.c.do(ctx, request{
		method:   http.MethodGet,
		path:     "/auth/v1/user",
		token:    accessToken,
		endpoint: "auth_user",
	}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// UserAttributes はユーザー更新の入力。空のフィールドは送信しない。
type UserAttributes struct {
	Password string         `json:"password,omitempty"`
	Data     map[string]any `json:"data,omitempty"`
}

// UpdateUser はユーザーのパスワードまたはメタデータを更新する。
func (a *AuthClient) UpdateUser(ctx context.Context, accessToken string, attrs UserAttributes) (*model.User, error) {
	var user model.User
	err := a.c.do(ctx, request{
		method:   http.MethodPut,
		path:     "/auth/v1/user",
		body:     attrs,
		token:    accessToken,
		endpoint: "auth_user_update",
	}, &user)
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// AuthorizeURL は外部IdPの認可画面へのURLを生成する。
// codeChallengeはPKCEのS256チャレンジ。
func (a *AuthClient) AuthorizeURL(provider, redirectTo, codeChallenge string) string {
	params := url.Values{
		"provider":              {provider},
		"redirect_to":           {redirectTo},
		"code_challenge":        {codeChallenge},
		"code_challenge_method": {"s256"},
	}
	return a.c.baseURL + "/auth/v1/authorize?" + params.Encode()
}

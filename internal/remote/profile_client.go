package remote

import (
	"context"
	"errors"
	"net/http"
	"net/url"

	"github.com/hitoshi/todoshell/internal/model"
	"github.com/hitoshi/todoshell/internal/repository"
)

const profilesPath = "/rest/v1/profiles"

// ProfileClient はprofilesテーブルへのRESTクライアント。
type ProfileClient struct {
	c      *Client
	tokens TokenSource
}

// NewProfileClient はProfileClientを生成する。
func NewProfileClient(c *Client, tokens TokenSource) *ProfileClient {
	return &ProfileClient{c: c, tokens: tokens}
}

// FindByID は指定ユーザーのプロフィールを取得する。見つからない場合はnilを返す。
func (p *ProfileClient) FindByID(ctx context.Context, id string) (*model.Profile, error) {
	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var profile model.Profile
	err = p.c.do(ctx, request{
		method:   http.MethodGet,
		path:     profilesPath,
		query:    url.Values{"id": {"eq." + id}, "select": {"*"}},
		token:    token,
		headers:  map[string]string{"Accept": singleObject},
		endpoint: "profiles_get",
	}, &profile)
	if errors.Is(err, model.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &profile, nil
}

// Insert はプロフィールを作成する。既に存在する場合はリモートコード23505のエラーになる。
func (p *ProfileClient) Insert(ctx context.Context, profile *model.Profile) error {
	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return err
	}

	return p.c.do(ctx, request{
		method:   http.MethodPost,
		path:     profilesPath,
		body:     profile,
		token:    token,
		headers:  map[string]string{"Prefer": "return=minimal"},
		endpoint: "profiles_insert",
	}, nil)
}

// Update はパッチに含まれる列だけを部分更新する。対象行が存在しない場合はnilを返す。
func (p *ProfileClient) Update(ctx context.Context, id string, patch model.ProfilePatch) (*model.Profile, error) {
	token, err := p.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	var updated []model.Profile
	err = p.c.do(ctx, request{
		method:   http.MethodPatch,
		path:     profilesPath,
		query:    url.Values{"id": {"eq." + id}},
		body:     patch,
		token:    token,
		headers:  map[string]string{"Prefer": "return=representation"},
		endpoint: "profiles_update",
	}, &updated)
	if err != nil {
		return nil, err
	}
	if len(updated) == 0 {
		return nil, nil
	}
	return &updated[0], nil
}

// compile-time interface check
var _ repository.ProfileRepository = (*ProfileClient)(nil)

// Package remote はSupabase互換のリモートサービス（認証・REST）へのクライアントを提供する。
// すべての失敗はmodel.APIErrorに分類して返す。
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/hitoshi/todoshell/internal/metrics"
	"github.com/hitoshi/todoshell/internal/model"
)

const (
	// maxResponseSize はレスポンスボディの最大読み取りサイズ。
	maxResponseSize = 1 << 20
	userAgent       = "todoshell/1.0"
)

// TokenSource はリクエストに付与するアクセストークンを提供する。
// セッションストアが実装し、必要に応じてリフレッシュ済みのトークンを返す。
type TokenSource interface {
	AccessToken(ctx context.Context) (string, error)
}

// Client はリモートサービスへのHTTPクライアント。
// apikeyヘッダーの付与、クライアント側のレート制限、エラー分類、メトリクス記録を担う。
type Client struct {
	baseURL    string
	anonKey    string
	httpClient *http.Client
	limiter    *rate.Limiter
	metrics    metrics.MetricsCollector
	logger     *slog.Logger
}

// Option はClientの設定を変更する。
type Option func(*Client)

// WithHTTPClient は使用するhttp.Clientを差し替える。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithTimeout はリクエストタイムアウトを設定する。
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.httpClient.Timeout = d }
}

// WithRateLimit は1秒あたりの最大リクエスト数を設定する。0以下の場合は制限しない。
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		burst := int(rps)
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithMetrics はメトリクスコレクターを設定する。
func WithMetrics(m metrics.MetricsCollector) Option {
	return func(c *Client) { c.metrics = m }
}

// WithLogger はロガーを設定する。
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// NewClient はClientを生成する。baseURLはプロジェクトのルートURL（例: https://xyz.supabase.co）。
func NewClient(baseURL, anonKey string, opts ...Option) *Client {
	c := &Client{
		baseURL:    baseURL,
		anonKey:    anonKey,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		metrics:    metrics.Nop{},
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL はリモートサービスのルートURLを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

// AnonKey は公開APIキーを返す。
func (c *Client) AnonKey() string {
	return c.anonKey
}

// request は1回のAPI呼び出しの内容。
type request struct {
	method   string
	path     string
	query    url.Values
	body     any
	token    string
	headers  map[string]string
	endpoint string // メトリクスのラベル
}

// do はリクエストを送信し、成功時はレスポンスをoutにデコードする。
// 失敗時は*model.APIErrorを返す。
func (c *Client) do(ctx context.Context, r request, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return model.NewNetworkError(fmt.Errorf("rate limiter: %w", err))
		}
	}

	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var body io.Reader
	if r.body != nil {
		data, err := json.Marshal(r.body)
		if err != nil {
			return model.NewValidationError(fmt.Sprintf("リクエストを作成できません: %v", err))
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, body)
	if err != nil {
		return model.NewNetworkError(fmt.Errorf("failed to create request: %w", err))
	}
	req.Header.Set("apikey", c.anonKey)
	token := r.token
	if token == "" {
		token = c.anonKey
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.RecordRemoteRequest(r.endpoint, 0, time.Since(start))
		c.logger.Warn("リモートサービスへのリクエストに失敗しました",
			slog.String("endpoint", r.endpoint),
			slog.String("error", err.Error()),
		)
		return model.NewNetworkError(err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	c.metrics.RecordRemoteRequest(r.endpoint, resp.StatusCode, time.Since(start))
	if err != nil {
		return model.NewNetworkError(fmt.Errorf("failed to read response: %w", err))
	}

	if resp.StatusCode >= 300 {
		apiErr := classifyResponse(resp.StatusCode, respBody)
		c.logger.Debug("リモートサービスがエラーを返しました",
			slog.String("endpoint", r.endpoint),
			slog.Int("http_status", resp.StatusCode),
			slog.String("code", apiErr.Code),
			slog.String("remote_code", apiErr.RemoteCode),
		)
		return apiErr
	}

	if out == nil || len(bytes.TrimSpace(respBody)) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return model.NewNetworkError(fmt.Errorf("failed to decode response: %w", err))
	}
	return nil
}

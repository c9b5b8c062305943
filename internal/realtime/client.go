// Package realtime はリアルタイムチャネル（Phoenixプロトコル over WebSocket）のクライアントを提供する。
// todosテーブルの変更通知を購読し、model.ChangeEventとして配信する。
package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/websocket"

	"github.com/hitoshi/todoshell/internal/metrics"
	"github.com/hitoshi/todoshell/internal/remote"
	"github.com/hitoshi/todoshell/internal/repository"
)

const (
	// TodosTopic はtodosテーブルの変更を購読するトピック。
	TodosTopic = "realtime:public:todos"

	defaultHeartbeat = 30 * time.Second
	joinTimeout      = 10 * time.Second
	leaveTimeout     = time.Second
	eventBuffer      = 64
)

// ErrJoinRejected はチャネルへの参加が拒否された場合のエラー。
var ErrJoinRejected = errors.New("realtime: join rejected")

// Config はClientの設定。
type Config struct {
	// BaseURL はリモートサービスのルートURL（https://... はwss://... に変換される）。
	BaseURL   string
	APIKey    string
	Heartbeat time.Duration
}

// Client はリアルタイムチャネルへの接続を生成する。
type Client struct {
	endpoint  string
	origin    string
	heartbeat time.Duration
	tokens    remote.TokenSource
	metrics   metrics.MetricsCollector
	logger    *slog.Logger
}

// NewClient はClientを生成する。
func NewClient(cfg Config, tokens remote.TokenSource, m metrics.MetricsCollector, logger *slog.Logger) (*Client, error) {
	endpoint, origin, err := websocketURL(cfg.BaseURL, cfg.APIKey)
	if err != nil {
		return nil, err
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = defaultHeartbeat
	}
	if m == nil {
		m = metrics.Nop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		endpoint:  endpoint,
		origin:    origin,
		heartbeat: cfg.Heartbeat,
		tokens:    tokens,
		metrics:   m,
		logger:    logger,
	}, nil
}

// websocketURL はベースURLからWebSocketエンドポイントとOriginを組み立てる。
func websocketURL(baseURL, apiKey string) (endpoint, origin string, err error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", "", fmt.Errorf("invalid realtime base URL: %w", err)
	}
	origin = u.Scheme + "://" + u.Host
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	default:
		return "", "", fmt.Errorf("unsupported realtime URL scheme: %q", u.Scheme)
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/realtime/v1/websocket"
	u.RawQuery = url.Values{"apikey": {apiKey}, "vsn": {"1.0.0"}}.Encode()
	return u.String(), origin, nil
}

// Connect はownerIDのタスク変更を購読するチャネルに参加する。
// 参加の応答を受け取った時点で返り、以降の変更通知はConn.Eventsから受け取る。
func (c *Client) Connect(ctx context.Context, ownerID string) (repository.ChangeStream, error) {
	token, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	cfg, err := websocket.NewConfig(c.endpoint, c.origin)
	if err != nil {
		return nil, fmt.Errorf("failed to build websocket config: %w", err)
	}

	ws, err := cfg.DialContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to dial realtime: %w", err)
	}

	conn := newConn(ws, c.metrics, c.logger)
	if err := conn.join(ctx, ownerID, token); err != nil {
		ws.Close()
		return nil, err
	}

	go conn.readLoop()
	go conn.heartbeatLoop(c.heartbeat)

	c.logger.Info("リアルタイムチャネルに参加しました",
		slog.String("topic", TodosTopic),
		slog.String("user_id", ownerID),
	)
	return conn, nil
}

// compile-time interface check
var (
	_ repository.ChangeFeed   = (*Client)(nil)
	_ repository.ChangeStream = (*Conn)(nil)
)

func newRef() string {
	return uuid.NewString()
}

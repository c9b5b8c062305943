package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/hitoshi/todoshell/internal/model"
)

// Refresher はサインイン中のセッションを定期的に確認し、
// 期限が近づいたアクセストークンを操作がなくても更新する。
type Refresher struct {
	store    *Store
	interval time.Duration
	logger   *slog.Logger
}

// NewRefresher はRefresherを生成する。intervalが0以下の場合は30秒を使用する。
func NewRefresher(store *Store, interval time.Duration, logger *slog.Logger) *Refresher {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{store: store, interval: interval, logger: logger}
}

// Start はティッカーでRunOnceを繰り返す。コンテキストがキャンセルされるまで実行を継続する。
func (r *Refresher) Start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("トークンリフレッシャーを開始しました",
		slog.Duration("interval", r.interval),
	)

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("トークンリフレッシャーを停止しました")
			return
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce はサインイン中であればValidSessionを呼び、必要に応じてリフレッシュさせる。
// リフレッシュに失敗した場合、ストアは未サインイン状態に遷移する。
func (r *Refresher) RunOnce(ctx context.Context) {
	if r.store.State() != model.AuthStateAuthenticated {
		return
	}
	if _, err := r.store.ValidSession(ctx); err != nil {
		r.logger.Warn("定期リフレッシュでセッションを維持できませんでした",
			slog.String("error", err.Error()),
		)
	}
}

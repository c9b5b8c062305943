package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/hitoshi/todoshell/internal/auth"
	"github.com/hitoshi/todoshell/internal/config"
	"github.com/hitoshi/todoshell/internal/database"
	"github.com/hitoshi/todoshell/internal/guard"
	"github.com/hitoshi/todoshell/internal/handler"
	"github.com/hitoshi/todoshell/internal/logger"
	"github.com/hitoshi/todoshell/internal/metrics"
	"github.com/hitoshi/todoshell/internal/middleware"
	"github.com/hitoshi/todoshell/internal/profile"
	"github.com/hitoshi/todoshell/internal/realtime"
	"github.com/hitoshi/todoshell/internal/remote"
	"github.com/hitoshi/todoshell/internal/repository"
	"github.com/hitoshi/todoshell/internal/security"
	"github.com/hitoshi/todoshell/internal/session"
	"github.com/hitoshi/todoshell/internal/tasks"
)

// homePath はサインイン後の遷移先。
const homePath = "/dashboard"

// Init はアプリケーションの初期化を行う。
// .envと環境変数からConfigを読み込み、JSON構造化ログをセットアップする。
// writerが指定された場合はログ出力先としてそのwriterを使用する。
func Init(w io.Writer) (*config.Config, error) {
	// 1. .envの読み込み（既存の環境変数が優先）
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}

	// 2. ログの初期化（設定読み込み前にログを使えるようにする）
	logger.SetupDefault(w, os.Getenv("LOG_LEVEL"))

	// 3. 環境変数から設定を読み込む
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	return cfg, nil
}

// Run はアプリケーションのメインエントリーポイント。
// コマンドライン引数からサブコマンドを解析し、対応するモードで起動する。
// argsにはos.Args[1:]を渡す。
func Run(w io.Writer, args []string) error {
	cmd := ParseCommand(args)

	// healthcheck は軽量サブコマンドのため、フル初期化をスキップする
	if cmd == CommandHealthcheck {
		port := os.Getenv("SERVER_PORT")
		if port == "" {
			port = "3000"
		}
		return runHealthcheck(port)
	}

	cfg, err := Init(w)
	if err != nil {
		return fmt.Errorf("initialization failed: %w", err)
	}

	slog.Info("starting application",
		slog.String("command", string(cmd)),
		slog.String("port", cfg.ServerPort),
		slog.String("base_url", cfg.BaseURL),
		slog.String("session_store", cfg.SessionStore),
	)

	switch cmd {
	case CommandMigrate:
		return runMigrate(cfg)
	default:
		return runServe(cfg)
	}
}

// application はワイヤリング済みのコンポーネント一式。
type application struct {
	// releaseStreams はSSEなどの長時間接続を終了させる。サーバーのShutdown時に呼ぶ。
	releaseStreams context.CancelFunc

	store     *session.Store
	refresher *session.Refresher
	guard     *guard.Guard
	limiter   *middleware.RateLimiter
	handler   http.Handler
}

// start はセッションの復元とバックグラウンド処理を開始する。
// 復元はバックグラウンドで行い、完了するまで保護ルートは503（loading）を返す。
func (a *application) start(ctx context.Context) {
	go func() {
		sess, err := a.store.Restore(ctx)
		if err != nil {
			slog.Warn("セッションの復元に失敗しました", slog.String("error", err.Error()))
			return
		}
		if sess != nil {
			slog.Info("セッションを復元しました", slog.String("user_id", sess.User.ID))
		} else {
			slog.Info("保存済みのセッションはありません")
		}
	}()

	if a.store.Watch(ctx) {
		slog.Info("セッションの変更監視を開始しました")
	}

	a.guard.Watch(ctx, func(d guard.Decision) {
		slog.Info("サインアウトを検知しました", slog.String("redirect", d.Location))
	})

	go a.refresher.Start(ctx)
}

// newServer はHTTPサーバーを生成する。
// SSEのストリームはハンドラー側で書き込み期限を解除し、Shutdownの開始時に終了させる。
func (a *application) newServer(addr string) *http.Server {
	server := &http.Server{
		Addr:         addr,
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	server.RegisterOnShutdown(a.releaseStreams)
	return server
}

// close はバックグラウンド処理の資源を解放する。
func (a *application) close() {
	a.releaseStreams()
	a.limiter.Stop()
	a.store.Close()
}

// newApplication は設定からすべての依存関係をワイヤリングする。
// dbはSESSION_STORE=postgresの場合のみ非nil。
func newApplication(cfg *config.Config, db *sql.DB, reg *prometheus.Registry) (*application, error) {
	log := slog.Default()

	// 1. メトリクス
	collector := metrics.NewCollector(reg)

	// 2. リモートサービスクライアント
	remoteClient := remote.NewClient(cfg.SupabaseURL, cfg.SupabaseAnonKey,
		remote.WithTimeout(cfg.HTTPTimeout),
		remote.WithRateLimit(cfg.RemoteRateLimit),
		remote.WithMetrics(collector),
		remote.WithLogger(log),
	)
	authClient := remote.NewAuthClient(remoteClient)

	// 3. セッションストア
	persister := newPersister(cfg, db, log)
	store := session.NewStore(authClient, persister, session.Options{
		RefreshThreshold: cfg.SessionRefreshThreshold,
		Logger:           log,
		Metrics:          collector,
	})
	refresher := session.NewRefresher(store, cfg.SessionRefreshInterval, log)

	// 4. セキュリティサービス
	urlGuard := security.NewURLGuard()
	sanitizer := security.NewTextSanitizer()

	// 5. ドメインサービス
	profileService := profile.NewService(
		remote.NewProfileClient(remoteClient, store),
		urlGuard,
		profile.WithAvatarProbe(urlGuard.NewSafeClient(cfg.HTTPTimeout)),
		profile.WithLogger(log),
	)

	authService := auth.NewService(authClient, store, profileService, auth.ServiceConfig{
		CallbackURL:      cfg.BaseURL + "/auth/callback",
		EmailRedirectURL: cfg.BaseURL + cfg.LoginPath,
		ResetRedirectURL: cfg.BaseURL + "/auth/reset-password/verify",
	}, log)

	feed, err := realtime.NewClient(realtime.Config{
		BaseURL:   cfg.SupabaseURL,
		APIKey:    cfg.SupabaseAnonKey,
		Heartbeat: cfg.RealtimeHeartbeat,
	}, store, collector, log)
	if err != nil {
		return nil, fmt.Errorf("failed to create realtime client: %w", err)
	}

	taskService := tasks.NewService(remote.NewTaskClient(remoteClient, store), store, feed, sanitizer, tasks.Config{
		Backoff: tasks.Backoff{
			Base:       cfg.RealtimeRetryBase,
			Max:        cfg.RealtimeRetryMax,
			MaxRetries: cfg.RealtimeMaxRetries,
		},
		Logger:  log,
		Metrics: collector,
	})

	// 6. ルートガード
	routeGuard := guard.New(store, cfg.LoginPath, homePath)

	// 7. ルーターの構築
	streams, releaseStreams := context.WithCancel(context.Background())
	// configのRateLimitGeneralはreq/min単位
	limiter := middleware.NewRateLimiter(middleware.RateLimiterConfigPerMinute(cfg.RateLimitGeneral))

	deps := &handler.RouterDeps{
		Logger:            log,
		Guard:             routeGuard,
		CORSAllowedOrigin: cfg.CORSAllowedOrigin,
		CSRFConfig:        middleware.CSRFConfig{CookieSecure: cfg.CookieSecure, CookieDomain: cookieDomain(cfg.BaseURL)},
		RateLimiter:       limiter,
		MetricsHandler:    metrics.SetupMetricsRoute(reg),

		Sessions:    store,
		AuthService: authService,
		AuthConfig:  handler.AuthHandlerConfig{HomePath: homePath, LoginPath: cfg.LoginPath},

		TaskService:   handler.NewTaskServiceAdapter(taskService),
		StreamRelease: streams.Done(),

		Profiles: profileService,
		Accounts: authService,
	}
	if db != nil {
		deps.HealthChecker = db
	}

	return &application{
		releaseStreams: releaseStreams,
		store:          store,
		refresher:      refresher,
		guard:          routeGuard,
		limiter:        limiter,
		handler:        handler.NewRouter(deps),
	}, nil
}

// newPersister は設定に応じたセッションの永続化先を返す。
func newPersister(cfg *config.Config, db *sql.DB, log *slog.Logger) repository.SessionPersister {
	if cfg.SessionStore == config.SessionStorePostgres && db != nil {
		return repository.NewPostgresSessionRepo(db, cfg.DatabaseURL, cfg.SessionProfileKey, log)
	}
	return repository.NewFileSessionRepo(cfg.SessionFile)
}

// cookieDomain はBASE_URLのホスト名を返す。localhostの場合は空文字列（ホスト限定Cookie）。
func cookieDomain(baseURL string) string {
	u, err := url.Parse(baseURL)
	if err != nil || u.Hostname() == "localhost" {
		return ""
	}
	return u.Hostname()
}

// openDatabase はSESSION_STORE=postgresの場合にDB接続を開く。それ以外はnilを返す。
func openDatabase(ctx context.Context, cfg *config.Config) (*sql.DB, error) {
	if cfg.SessionStore != config.SessionStorePostgres {
		return nil, nil
	}
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	db, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	slog.Info("database connection established")
	return db, nil
}

// runServe はサーバーモードで起動する。
// 全依存関係をワイヤリングし、セッションを復元しながらHTTPサーバーを起動する。
// SIGINTまたはSIGTERMシグナルを受信するとグレースフルシャットダウンを行う。
func runServe(cfg *config.Config) error {
	// 1. DB接続（postgres永続化の場合のみ）
	db, err := openDatabase(context.Background(), cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer db.Close()
	}

	// 2. Prometheusレジストリ
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	// 3. ワイヤリング
	a, err := newApplication(cfg, db, reg)
	if err != nil {
		return err
	}
	defer a.close()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	a.start(ctx)

	// 4. HTTPサーバーの起動
	server := a.newServer(":" + cfg.ServerPort)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server starting", slog.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return fmt.Errorf("server listen error: %w", err)
	}
	slog.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown failed: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}

// runMigrate はセッション共有テーブルのマイグレーションを実行する。
// すべての未適用マイグレーションを順番に適用する。
func runMigrate(cfg *config.Config) error {
	if cfg.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required for migrate")
	}
	slog.Info("running database migrations",
		slog.String("database_url", maskDatabaseURL(cfg.DatabaseURL)),
	)

	version, err := database.RunMigrations(cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("migration failed: %w", err)
	}

	slog.Info("database migrations completed successfully", slog.Uint64("version", uint64(version)))
	return nil
}

// runHealthcheck はヘルスチェックを実行する。
// 起動中のサーバーを外部から確認するためのサブコマンド。
// /health エンドポイントにHTTPリクエストを送り、結果を返す。
func runHealthcheck(port string) error {
	url := fmt.Sprintf("http://localhost:%s/health", port)
	client := &http.Client{Timeout: 5 * time.Second}

	resp, err := client.Get(url)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}

	return nil
}

// maskDatabaseURL はデータベースURLの認証情報をマスクする。
func maskDatabaseURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "***"
	}
	if u.User != nil {
		u.User = url.User("***")
	}
	u.RawQuery = ""
	return u.String()
}

var (
	_ session.TokenRefresher   = (*remote.AuthClient)(nil)
	_ auth.AuthAPI             = (*remote.AuthClient)(nil)
	_ repository.ChangeFeed    = (*realtime.Client)(nil)
	_ tasks.SessionSource      = (*session.Store)(nil)
	_ auth.SessionStore        = (*session.Store)(nil)
	_ remote.TokenSource       = (*session.Store)(nil)
	_ auth.ProfileService      = (*profile.Service)(nil)
	_ metrics.MetricsCollector = (*metrics.Collector)(nil)
)

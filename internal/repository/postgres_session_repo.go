package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/hitoshi/todoshell/internal/model"
)

// SessionNotifyChannel はセッション変更を通知するLISTEN/NOTIFYチャネル名。
const SessionNotifyChannel = "shell_sessions"

// PostgresSessionRepo はPostgreSQLを使用したセッションリポジトリ。
// 複数のシェルプロセスがprofile_keyごとに1つのセッションを共有する。
type PostgresSessionRepo struct {
	db         *sql.DB
	dsn        string
	profileKey string
	instanceID string
	logger     *slog.Logger
}

// NewPostgresSessionRepo はPostgresSessionRepoを生成する。
// dsnはWatchでLISTEN用の専用接続を張る場合に使用する。
func NewPostgresSessionRepo(db *sql.DB, dsn, profileKey string, logger *slog.Logger) *PostgresSessionRepo {
	if logger == nil {
		logger = slog.Default()
	}
	return &PostgresSessionRepo{
		db:         db,
		dsn:        dsn,
		profileKey: profileKey,
		instanceID: uuid.NewString(),
		logger:     logger,
	}
}

// Load は保存済みのセッションを取得する。見つからない場合はnilを返す。
func (r *PostgresSessionRepo) Load(ctx context.Context) (*model.Session, error) {
	var payload []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM shell_sessions WHERE profile_key = $1`,
		r.profileKey,
	).Scan(&payload)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}

	var session model.Session
	if err := json.Unmarshal(payload, &session); err != nil {
		return nil, fmt.Errorf("failed to decode session payload: %w", err)
	}
	return &session, nil
}

// Save はセッションをUPSERTし、同一トランザクション内で変更を通知する。
func (r *PostgresSessionRepo) Save(ctx context.Context, session *model.Session) error {
	if session == nil {
		return r.Delete(ctx)
	}

	payload, err := json.Marshal(session)
	if err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}

	return r.withNotify(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO shell_sessions (profile_key, payload, updated_at)
			 VALUES ($1, $2, now())
			 ON CONFLICT (profile_key)
			 DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`,
			r.profileKey, payload,
		)
		if err != nil {
			return fmt.Errorf("failed to save session: %w", err)
		}
		return nil
	})
}

// Delete は保存済みのセッションを削除し、変更を通知する。
func (r *PostgresSessionRepo) Delete(ctx context.Context) error {
	return r.withNotify(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM shell_sessions WHERE profile_key = $1`,
			r.profileKey,
		)
		if err != nil {
			return fmt.Errorf("failed to delete session: %w", err)
		}
		return nil
	})
}

// withNotify はfnとpg_notifyを1つのトランザクションで実行する。
// 通知はコミット時にのみ配信される。
func (r *PostgresSessionRepo) withNotify(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		`SELECT pg_notify($1, $2)`,
		SessionNotifyChannel, r.notifyPayload(),
	); err != nil {
		return fmt.Errorf("failed to notify session change: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

func (r *PostgresSessionRepo) notifyPayload() string {
	return r.profileKey + ":" + r.instanceID
}

// parseNotifyPayload は通知ペイロードをprofile_keyと送信元インスタンスIDに分解する。
func parseNotifyPayload(payload string) (profileKey, instanceID string) {
	idx := strings.LastIndex(payload, ":")
	if idx < 0 {
		return payload, ""
	}
	return payload[:idx], payload[idx+1:]
}

// shouldReload は通知を受けてセッションを再読み込みすべきかを判定する。
// 自身の書き込みによる通知と、別プロファイルの通知は無視する。
func (r *PostgresSessionRepo) shouldReload(payload string) bool {
	key, origin := parseNotifyPayload(payload)
	return key == r.profileKey && origin != r.instanceID
}

// Watch はLISTENでセッション変更を監視し、別プロセスによる変更ごとにfnを呼び出す。
// ctxが終了するまでブロックする。
func (r *PostgresSessionRepo) Watch(ctx context.Context, fn func(*model.Session)) error {
	listener := pq.NewListener(r.dsn, 10*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				r.logger.Warn("セッション監視の接続状態が変化しました",
					slog.Int("event", int(ev)),
					slog.String("error", err.Error()),
				)
			}
		},
	)
	defer listener.Close()

	if err := listener.Listen(SessionNotifyChannel); err != nil {
		return fmt.Errorf("failed to listen %s: %w", SessionNotifyChannel, err)
	}

	r.logger.Info("セッション監視を開始しました", slog.String("profile_key", r.profileKey))

	ping := time.NewTicker(90 * time.Second)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("セッション監視を停止しました")
			return nil
		case n := <-listener.Notify:
			// nilは再接続を意味する。切断中の変更を取りこぼさないよう再読み込みする。
			if n != nil && !r.shouldReload(n.Extra) {
				continue
			}
			session, err := r.Load(ctx)
			if err != nil {
				r.logger.Error("セッションの再読み込みに失敗しました", slog.String("error", err.Error()))
				continue
			}
			fn(session)
		case <-ping.C:
			go listener.Ping()
		}
	}
}

// compile-time interface check
var (
	_ SessionPersister = (*PostgresSessionRepo)(nil)
	_ SessionWatcher   = (*PostgresSessionRepo)(nil)
)

// Package session はクライアント側のセッション状態を保持するセッションストアを提供する。
// 状態の書き込みは認証オーケストレーターとストア自身だけが行い、
// 他のコンポーネントは読み取りと変更通知の購読のみを行う。
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/hitoshi/todoshell/internal/metrics"
	"github.com/hitoshi/todoshell/internal/model"
	"github.com/hitoshi/todoshell/internal/repository"
)

// ErrInvalidTransition は許可されていない状態遷移を要求された場合のエラー。
var ErrInvalidTransition = errors.New("session: invalid state transition")

// Reason は状態遷移の理由。
type Reason string

const (
	ReasonRestored         Reason = "restored"
	ReasonSignedIn         Reason = "signed_in"
	ReasonSignedOut        Reason = "signed_out"
	ReasonTokenRefreshed   Reason = "token_refreshed"
	ReasonUserUpdated      Reason = "user_updated"
	ReasonPasswordRecovery Reason = "password_recovery"
	ReasonExternal         Reason = "external"
)

const (
	defaultRefreshThreshold = 60 * time.Second
	refreshKey              = "refresh"
)

// Change はリスナーに通知される状態遷移。
type Change struct {
	From    model.AuthState
	To      model.AuthState
	Reason  Reason
	Session *model.Session // To=Authenticatedの場合のみ非nil
}

// TokenRefresher はリフレッシュトークンで新しいセッションを発行する。
type TokenRefresher interface {
	Refresh(ctx context.Context, refreshToken string) (*model.Session, error)
}

// Options はStoreの設定。
type Options struct {
	// RefreshThreshold は残り有効期間がこの値を下回ったら事前にリフレッシュする閾値。
	RefreshThreshold time.Duration
	Clock            func() time.Time
	Logger           *slog.Logger
	Metrics          metrics.MetricsCollector
}

type listener struct {
	id int
	fn func(Change)
}

// Store はセッション状態の唯一の保持者。
// スナップショットは変更時に丸ごと差し替え、書き込みは直列化する。
// リスナーは登録順に、遷移ごとにちょうど1回呼ばれる。
// リスナー内からStoreの書き込み系メソッドを呼んではならない。
type Store struct {
	refresher TokenRefresher
	persister repository.SessionPersister
	threshold time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   metrics.MetricsCollector

	// writeMu は遷移と通知を直列化する。
	writeMu sync.Mutex

	mu      sync.RWMutex
	state   model.AuthState
	session *model.Session

	ready     chan struct{}
	readyOnce sync.Once

	restoreOnce sync.Once
	restoreErr  error

	listenersMu sync.Mutex
	listeners   []listener
	nextID      int

	closed    chan struct{}
	closeOnce sync.Once

	group singleflight.Group
}

// NewStore はStoreを生成する。状態はUninitializedで始まり、Restoreで復元する。
func NewStore(refresher TokenRefresher, persister repository.SessionPersister, opts Options) *Store {
	if opts.RefreshThreshold <= 0 {
		opts.RefreshThreshold = defaultRefreshThreshold
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.Nop{}
	}
	return &Store{
		refresher: refresher,
		persister: persister,
		threshold: opts.RefreshThreshold,
		now:       opts.Clock,
		logger:    opts.Logger,
		metrics:   opts.Metrics,
		state:     model.AuthStateUninitialized,
		ready:     make(chan struct{}),
		closed:    make(chan struct{}),
	}
}

// State は現在の状態を返す。
func (s *Store) State() model.AuthState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Session はキャッシュ済みのセッションを同期的に返す。
// 未サインイン、または期限切れでリフレッシュできない場合はnilを返す。
func (s *Store) Session() *model.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != model.AuthStateAuthenticated || !s.session.Usable(s.now()) {
		return nil
	}
	cp := *s.session
	return &cp
}

// CurrentUser はサインイン中のユーザーを返す。未サインインの場合はnil。
func (s *Store) CurrentUser() *model.User {
	sess := s.Session()
	if sess == nil {
		return nil
	}
	return &sess.User
}

// OnChange はリスナーを登録し、登録解除関数を返す。登録解除は複数回呼んでも安全。
func (s *Store) OnChange(fn func(Change)) (unsubscribe func()) {
	s.listenersMu.Lock()
	defer s.listenersMu.Unlock()

	select {
	case <-s.closed:
		return func() {}
	default:
	}

	s.nextID++
	id := s.nextID
	s.listeners = append(s.listeners, listener{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() {
			s.listenersMu.Lock()
			defer s.listenersMu.Unlock()
			for i, l := range s.listeners {
				if l.id == id {
					s.listeners = append(s.listeners[:i:i], s.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// Changes は状態遷移をチャネルで受け取る。ctxの終了またはCloseでチャネルはcloseされる。
// 受信側が遅くても書き込み側はブロックしない。
func (s *Store) Changes(ctx context.Context) <-chan Change {
	out := make(chan Change)

	var mu sync.Mutex
	var queue []Change
	signal := make(chan struct{}, 1)

	unsubscribe := s.OnChange(func(c Change) {
		mu.Lock()
		queue = append(queue, c)
		mu.Unlock()
		select {
		case signal <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(out)
		defer unsubscribe()
		for {
			mu.Lock()
			if len(queue) == 0 {
				mu.Unlock()
				select {
				case <-ctx.Done():
					return
				case <-s.closed:
					return
				case <-signal:
					continue
				}
			}
			c := queue[0]
			queue = queue[1:]
			mu.Unlock()

			select {
			case out <- c:
			case <-ctx.Done():
				return
			case <-s.closed:
				return
			}
		}
	}()

	return out
}

// WaitReady は復元中であれば完了まで待つ。ctxがキャンセルされた場合はctx.Err()を返す。
func (s *Store) WaitReady(ctx context.Context) error {
	if s.State() != model.AuthStateRestoring {
		return nil
	}
	select {
	case <-s.ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Restore は永続化されたセッションを復元する。初回の呼び出しだけが実行され、
// 以降の呼び出しは現在のセッションを返す。
func (s *Store) Restore(ctx context.Context) (*model.Session, error) {
	s.restoreOnce.Do(func() {
		s.restoreErr = s.restore(ctx)
	})
	return s.Session(), s.restoreErr
}

func (s *Store) restore(ctx context.Context) error {
	if _, err := s.commit(ctx, model.AuthStateRestoring, nil, "", nil); err != nil {
		return err
	}

	onlyWhileRestoring := func(from model.AuthState, _ *model.Session) bool {
		return from == model.AuthStateRestoring
	}

	loaded, err := s.persister.Load(ctx)
	if err != nil {
		s.logger.Warn("保存済みセッションの読み込みに失敗しました", slog.String("error", err.Error()))
		loaded = nil
	}
	if loaded == nil || loaded.AccessToken == "" {
		_, err := s.commit(ctx, model.AuthStateAnonymous, nil, ReasonRestored, onlyWhileRestoring)
		return err
	}

	loaded = normalize(loaded)
	now := s.now()
	if !loaded.Usable(now) {
		s.logger.Info("保存済みセッションは期限切れのため破棄します")
		_, err := s.commit(ctx, model.AuthStateAnonymous, nil, ReasonRestored, onlyWhileRestoring)
		return err
	}

	if loaded.Remaining(now) < s.threshold {
		refreshed, rerr := s.callRefresher(ctx, loaded)
		if rerr != nil {
			s.logger.Info("保存済みセッションのリフレッシュに失敗しました", slog.String("error", rerr.Error()))
			_, err := s.commit(ctx, model.AuthStateAnonymous, nil, ReasonRestored, onlyWhileRestoring)
			return err
		}
		loaded = refreshed
	}

	_, err = s.commit(ctx, model.AuthStateAuthenticated, loaded, ReasonRestored, onlyWhileRestoring)
	return err
}

// ValidSession はリモート呼び出しに使える有効なセッションを返す。
// 残り有効期間が閾値を下回っている場合は事前にリフレッシュする。
// 同時に発生したリフレッシュは1回にまとめる。
// リフレッシュに失敗した場合は未サインイン状態に遷移し、Unauthenticatedを返す。
func (s *Store) ValidSession(ctx context.Context) (*model.Session, error) {
	if err := s.WaitReady(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	state, sess := s.state, s.session
	s.mu.RUnlock()

	if state != model.AuthStateAuthenticated || sess == nil {
		return nil, model.NewUnauthenticatedError()
	}
	if sess.Remaining(s.now()) >= s.threshold {
		cp := *sess
		return &cp, nil
	}

	// 呼び出し元のキャンセルで他の待機者までサインアウトさせない。
	v, err, _ := s.group.Do(refreshKey, func() (any, error) {
		return s.refresh(context.WithoutCancel(ctx), sess)
	})
	if err != nil {
		return nil, err
	}
	cp := *v.(*model.Session)
	return &cp, nil
}

// AccessToken は有効なアクセストークンを返す。remote.TokenSourceを実装する。
func (s *Store) AccessToken(ctx context.Context) (string, error) {
	sess, err := s.ValidSession(ctx)
	if err != nil {
		return "", err
	}
	return sess.AccessToken, nil
}

// refresh はstaleのリフレッシュトークンでセッションを更新する。
// 待機中に別の経路でセッションが差し替わっていた場合はその結果を優先する。
func (s *Store) refresh(ctx context.Context, stale *model.Session) (*model.Session, error) {
	s.mu.RLock()
	cur := s.session
	s.mu.RUnlock()
	if cur != nil && cur.AccessToken != stale.AccessToken && cur.Remaining(s.now()) >= s.threshold {
		return cur, nil
	}

	sameSession := func(from model.AuthState, cur *model.Session) bool {
		return from == model.AuthStateAuthenticated && cur != nil && cur.RefreshToken == stale.RefreshToken
	}

	refreshed, err := s.callRefresher(ctx, stale)
	if err != nil {
		s.logger.Warn("トークンのリフレッシュに失敗したためサインアウトします",
			slog.String("user_id", stale.User.ID),
			slog.String("error", err.Error()),
		)
		if _, cerr := s.commit(ctx, model.AuthStateAnonymous, nil, ReasonSignedOut, sameSession); cerr != nil {
			s.logger.Error("サインアウト状態への遷移に失敗しました", slog.String("error", cerr.Error()))
		}
		unauth := model.NewUnauthenticatedError()
		unauth.Err = err
		return nil, unauth
	}

	applied, err := s.commit(ctx, model.AuthStateAuthenticated, refreshed, ReasonTokenRefreshed, sameSession)
	if err != nil {
		return nil, err
	}
	if !applied {
		// リフレッシュ中にサインアウトまたは別のサインインが行われた。
		if cur := s.Session(); cur != nil {
			return cur, nil
		}
		return nil, model.NewUnauthenticatedError()
	}
	return refreshed, nil
}

func (s *Store) callRefresher(ctx context.Context, stale *model.Session) (*model.Session, error) {
	if !stale.Refreshable() {
		s.metrics.RecordSessionRefresh("failure")
		return nil, errors.New("session has no refresh token")
	}
	refreshed, err := s.refresher.Refresh(ctx, stale.RefreshToken)
	if err != nil {
		s.metrics.RecordSessionRefresh("failure")
		return nil, err
	}
	s.metrics.RecordSessionRefresh("success")

	refreshed = normalize(refreshed)
	if refreshed.User.ID == "" || (refreshed.User.ID == stale.User.ID && refreshed.User.Email == "") {
		refreshed = refreshed.WithUser(stale.User)
	}
	if refreshed.RefreshToken == "" {
		refreshed.RefreshToken = stale.RefreshToken
	}
	return refreshed, nil
}

// Establish はサインイン等で得たセッションを設定する。
func (s *Store) Establish(ctx context.Context, sess *model.Session, reason Reason) error {
	if sess == nil || sess.AccessToken == "" {
		return fmt.Errorf("%w: empty session", ErrInvalidTransition)
	}
	_, err := s.commit(ctx, model.AuthStateAuthenticated, normalize(sess), reason, nil)
	return err
}

// ReplaceUser はセッションのユーザーだけを差し替える。
func (s *Store) ReplaceUser(ctx context.Context, user model.User) error {
	s.mu.RLock()
	state, cur := s.state, s.session
	s.mu.RUnlock()
	if state != model.AuthStateAuthenticated || cur == nil {
		return fmt.Errorf("%w: no session to update", ErrInvalidTransition)
	}

	sameToken := func(from model.AuthState, c *model.Session) bool {
		return from == model.AuthStateAuthenticated && c != nil && c.AccessToken == cur.AccessToken
	}
	applied, err := s.commit(ctx, model.AuthStateAuthenticated, cur.WithUser(user), ReasonUserUpdated, sameToken)
	if err != nil {
		return err
	}
	if !applied {
		return fmt.Errorf("%w: session changed during update", ErrInvalidTransition)
	}
	return nil
}

// Clear は未サインイン状態に遷移する。既に未サインインの場合は保存済みの情報だけ削除する。
func (s *Store) Clear(ctx context.Context, reason Reason) error {
	if s.State() == model.AuthStateAnonymous {
		if err := s.persister.Delete(ctx); err != nil {
			s.logger.Warn("保存済みセッションの削除に失敗しました", slog.String("error", err.Error()))
		}
		return nil
	}
	_, err := s.commit(ctx, model.AuthStateAnonymous, nil, reason, nil)
	return err
}

// Watch は永続化層が変更監視に対応している場合、別プロセスによる変更を監視して反映する。
// 監視に対応していない場合はfalseを返す。
func (s *Store) Watch(ctx context.Context) bool {
	watcher, ok := s.persister.(repository.SessionWatcher)
	if !ok {
		return false
	}
	go func() {
		if err := watcher.Watch(ctx, func(sess *model.Session) {
			s.applyExternal(ctx, sess)
		}); err != nil {
			s.logger.Error("セッション監視が終了しました", slog.String("error", err.Error()))
		}
	}()
	return true
}

// applyExternal は別プロセスで行われたサインイン・サインアウトを反映する。
func (s *Store) applyExternal(ctx context.Context, sess *model.Session) {
	if sess != nil {
		sess = normalize(sess)
		if !sess.Usable(s.now()) {
			sess = nil
		}
	}

	var err error
	if sess == nil {
		_, err = s.commit(ctx, model.AuthStateAnonymous, nil, ReasonExternal,
			func(from model.AuthState, _ *model.Session) bool {
				return from == model.AuthStateAuthenticated
			})
	} else {
		_, err = s.commit(ctx, model.AuthStateAuthenticated, sess, ReasonExternal,
			func(from model.AuthState, cur *model.Session) bool {
				switch from {
				case model.AuthStateAnonymous:
					return true
				case model.AuthStateAuthenticated:
					return cur == nil || cur.AccessToken != sess.AccessToken
				default:
					return false
				}
			})
	}
	if err != nil {
		s.logger.Warn("外部からのセッション変更を反映できませんでした", slog.String("error", err.Error()))
	}
}

// Close はすべてのリスナーを解除する。
func (s *Store) Close() {
	s.closeOnce.Do(func() {
		s.listenersMu.Lock()
		s.listeners = nil
		close(s.closed)
		s.listenersMu.Unlock()
	})
}

// validTransition は状態遷移表。
func validTransition(from, to model.AuthState) bool {
	switch from {
	case model.AuthStateUninitialized:
		return to == model.AuthStateRestoring
	case model.AuthStateRestoring:
		return to == model.AuthStateAuthenticated || to == model.AuthStateAnonymous
	case model.AuthStateAuthenticated:
		return to == model.AuthStateAuthenticated || to == model.AuthStateAnonymous
	case model.AuthStateAnonymous:
		return to == model.AuthStateAuthenticated
	}
	return false
}

// commit は状態を遷移させ、永続化し、リスナーに通知する。
// expectがfalseを返した場合は何もせずapplied=falseを返す。
func (s *Store) commit(ctx context.Context, to model.AuthState, next *model.Session, reason Reason,
	expect func(from model.AuthState, cur *model.Session) bool) (applied bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.mu.Lock()
	from, cur := s.state, s.session
	if expect != nil && !expect(from, cur) {
		s.mu.Unlock()
		return false, nil
	}
	if !validTransition(from, to) {
		s.mu.Unlock()
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s.state = to
	s.session = next
	s.mu.Unlock()

	if from == model.AuthStateRestoring {
		s.readyOnce.Do(func() { close(s.ready) })
	}

	if to == model.AuthStateRestoring {
		return true, nil
	}

	if reason != ReasonExternal {
		s.persist(ctx, to, next)
	}

	s.metrics.RecordSessionTransition(string(reason))
	s.logger.Info("セッション状態が遷移しました",
		slog.String("from", string(from)),
		slog.String("to", string(to)),
		slog.String("reason", string(reason)),
	)

	var snapshot *model.Session
	if next != nil {
		cp := *next
		snapshot = &cp
	}
	s.notify(Change{From: from, To: to, Reason: reason, Session: snapshot})
	return true, nil
}

// persist は遷移後の状態を書き込む。失敗はログに残すだけで呼び出し元には返さない。
func (s *Store) persist(ctx context.Context, to model.AuthState, next *model.Session) {
	var err error
	if to == model.AuthStateAuthenticated {
		err = s.persister.Save(ctx, next)
	} else {
		err = s.persister.Delete(ctx)
	}
	if err != nil {
		s.logger.Warn("セッションの永続化に失敗しました", slog.String("error", err.Error()))
	}
}

func (s *Store) notify(c Change) {
	s.listenersMu.Lock()
	ls := make([]listener, len(s.listeners))
	copy(ls, s.listeners)
	s.listenersMu.Unlock()

	for _, l := range ls {
		l.fn(c)
	}
}

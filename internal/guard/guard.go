// Package guard は保護されたビューへのアクセスをセッション状態から判定する。
package guard

import (
	"context"
	"sync"

	"github.com/hitoshi/todoshell/internal/model"
	"github.com/hitoshi/todoshell/internal/session"
)

// Kind は判定結果の種別。
type Kind int

const (
	// Allow はビューの表示を許可する。
	Allow Kind = iota
	// Suspend はセッションの復元中のため、表示を保留する。
	Suspend
	// Redirect はLocationへ遷移させる。
	Redirect
)

func (k Kind) String() string {
	switch k {
	case Allow:
		return "allow"
	case Suspend:
		return "suspend"
	case Redirect:
		return "redirect"
	}
	return "unknown"
}

// Decision は判定結果。LocationはRedirectの場合のみ設定される。
type Decision struct {
	Kind     Kind
	Location string
}

// RedirectTo はlocationへのRedirect判定を返す。
func RedirectTo(location string) Decision {
	return Decision{Kind: Redirect, Location: location}
}

// StateSource はガードが参照するセッションストアのインターフェース。
type StateSource interface {
	State() model.AuthState
	WaitReady(ctx context.Context) error
	OnChange(fn func(session.Change)) (unsubscribe func())
}

// Guard はルートガード。
type Guard struct {
	store     StateSource
	loginPath string
	homePath  string
}

// New はGuardを生成する。loginPathは未サインイン時の遷移先、
// homePathはサインイン済みユーザーがゲスト専用ビューを開いた場合の遷移先。
func New(store StateSource, loginPath, homePath string) *Guard {
	return &Guard{store: store, loginPath: loginPath, homePath: homePath}
}

// LoginPath は未サインイン時の遷移先を返す。
func (g *Guard) LoginPath() string {
	return g.loginPath
}

// Authorize は現在の状態で保護されたビューを表示できるかを判定する。
// 復元が終わるまではSuspendを返し、ログイン画面へのちらつきを防ぐ。
func (g *Guard) Authorize() Decision {
	return decide(g.store.State(), g.loginPath)
}

// AuthorizeWait は復元中であれば完了を待ってから判定する。
// ctxのキャンセル（ビューからの離脱）で待機を中断し、ctx.Err()を返す。
func (g *Guard) AuthorizeWait(ctx context.Context) (Decision, error) {
	if err := g.store.WaitReady(ctx); err != nil {
		return Decision{Kind: Suspend}, err
	}
	return g.Authorize(), nil
}

// GuestOnly はログイン・登録などのゲスト向けビューの判定を行う。
// サインイン済みであればhomePathへ遷移させる。
func (g *Guard) GuestOnly() Decision {
	switch g.store.State() {
	case model.AuthStateAuthenticated:
		return RedirectTo(g.homePath)
	case model.AuthStateAnonymous:
		return Decision{Kind: Allow}
	default:
		return Decision{Kind: Suspend}
	}
}

// Watch はセッション状態の遷移ごとに再判定し、保護されたビューがセッションを
// 失った場合にonRedirectを呼ぶ。ctxの終了、または返り値のstopで監視を解除する。
func (g *Guard) Watch(ctx context.Context, onRedirect func(Decision)) (stop func()) {
	unsubscribe := g.store.OnChange(func(c session.Change) {
		if d := decide(c.To, g.loginPath); d.Kind == Redirect {
			onRedirect(d)
		}
	})

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-done:
		}
		unsubscribe()
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
	}
}

func decide(state model.AuthState, loginPath string) Decision {
	switch state {
	case model.AuthStateAuthenticated:
		return Decision{Kind: Allow}
	case model.AuthStateUninitialized, model.AuthStateRestoring:
		return Decision{Kind: Suspend}
	default:
		return RedirectTo(loginPath)
	}
}

var _ StateSource = (*session.Store)(nil)

package tasks

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hitoshi/todoshell/internal/model"
	"github.com/hitoshi/todoshell/internal/repository"
)

// Update は購読者に届く通知。
// 変更通知のたびに一覧全体を取得し直したTasksが届く。Eventは契機となった変更で、
// 初回と再接続後はnil。Errが設定されている場合、Disconnectedであれば購読は終了している。
type Update struct {
	Tasks []model.Task
	Event *model.ChangeEvent
	Err   error
}

// Subscription はタスク一覧の購読。
type Subscription struct {
	cancel context.CancelFunc
	closed atomic.Bool
	done   chan struct{}
	once   sync.Once
}

// Close は購読を終了し、保留中の再取得を取り消す。複数回呼んでも安全。
// Close後に新たな通知が始まることはない。
func (sub *Subscription) Close() {
	sub.once.Do(func() {
		sub.closed.Store(true)
		sub.cancel()
	})
}

// Done は購読の内部処理がすべて終了するとcloseされる。
func (sub *Subscription) Done() <-chan struct{} {
	return sub.done
}

// Subscribe はownerIDのタスク変更を購読し、変更のたびに最新の一覧をonUpdateに渡す。
// 接続直後に現在の一覧が1回届く。onUpdateは単一のゴルーチンから順に呼ばれる。
// ctxが終了すると購読も終了する。
func (s *Service) Subscribe(ctx context.Context, ownerID string, onUpdate func(Update)) (*Subscription, error) {
	if s.feed == nil {
		return nil, errors.New("change feed is not configured")
	}
	if err := s.authorizeOwner(ctx, ownerID); err != nil {
		return nil, err
	}

	stream, err := s.feed.Connect(ctx, ownerID)
	if err != nil {
		return nil, toAPIError(err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	deliver := func(u Update) {
		if sub.closed.Load() {
			return
		}
		onUpdate(u)
	}

	s.logger.Info("タスクの購読を開始しました", slog.String("user_id", ownerID))
	go s.run(subCtx, sub, ownerID, stream, deliver)
	return sub, nil
}

// refreshSignal は連続した変更通知を1回の再取得にまとめる。
type refreshSignal struct {
	mu      sync.Mutex
	pending bool
	event   *model.ChangeEvent
	ch      chan struct{}
}

func newRefreshSignal() *refreshSignal {
	return &refreshSignal{ch: make(chan struct{}, 1)}
}

func (r *refreshSignal) request(ev *model.ChangeEvent) {
	r.mu.Lock()
	r.pending = true
	r.event = ev
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *refreshSignal) take() (*model.ChangeEvent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.pending {
		return nil, false
	}
	ev := r.event
	r.pending = false
	r.event = nil
	return ev, true
}

// run は接続の監視と再接続を行う。通知は別ゴルーチンのdelivererが行う。
func (s *Service) run(ctx context.Context, sub *Subscription, ownerID string,
	stream repository.ChangeStream, deliver func(Update)) {
	defer close(sub.done)
	defer sub.Close()

	signal := newRefreshSignal()
	deliverCtx, stopDeliverer := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.deliverLoop(deliverCtx, ownerID, signal, deliver)
	}()
	finish := func() {
		stopDeliverer()
		wg.Wait()
	}

	signal.request(nil)

	for {
		select {
		case <-ctx.Done():
			stream.Close()
			finish()
			s.logger.Info("タスクの購読を終了しました", slog.String("user_id", ownerID))
			return

		case ev, ok := <-stream.Events():
			if ok {
				signal.request(&ev)
				continue
			}

			cause := stream.Err()
			stream.Close()
			if ctx.Err() != nil {
				finish()
				s.logger.Info("タスクの購読を終了しました", slog.String("user_id", ownerID))
				return
			}
			attrs := []any{slog.String("user_id", ownerID)}
			if cause != nil {
				attrs = append(attrs, slog.String("error", cause.Error()))
			}
			s.logger.Warn("リアルタイム接続が切断されました", attrs...)

			next, err := s.reconnect(ctx, ownerID)
			if err != nil {
				finish()
				if ctx.Err() != nil {
					return
				}
				s.logger.Error("リアルタイム接続を復旧できませんでした",
					slog.String("user_id", ownerID),
					slog.String("error", err.Error()),
				)
				deliver(Update{Err: err})
				return
			}
			stream = next
			// 切断中の変更を反映するため一覧全体を取り直す
			signal.request(nil)
		}
	}
}

// reconnect は指数バックオフで再接続を試みる。連続失敗が上限に達した場合はDisconnectedを返す。
// セッションが失われている場合は再試行せずにUnauthenticatedを返す。
func (s *Service) reconnect(ctx context.Context, ownerID string) (repository.ChangeStream, error) {
	var lastErr error
	for attempt := 0; attempt < s.backoff.MaxRetries; attempt++ {
		delay := s.backoff.Delay(attempt)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}

		s.metrics.RecordRealtimeReconnect()
		stream, err := s.feed.Connect(ctx, ownerID)
		if err == nil {
			s.logger.Info("リアルタイム接続を再確立しました",
				slog.String("user_id", ownerID),
				slog.Int("attempt", attempt+1),
			)
			return stream, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(err, model.ErrUnauthenticated) {
			return nil, err
		}

		lastErr = err
		s.logger.Warn("リアルタイム接続の再確立に失敗しました",
			slog.String("user_id", ownerID),
			slog.Int("attempt", attempt+1),
			slog.Duration("delay", delay),
			slog.String("error", err.Error()),
		)
	}
	return nil, model.NewDisconnectedError(s.backoff.MaxRetries, lastErr)
}

// deliverLoop は再取得の要求を待ち、一覧を取得して購読者に渡す。
func (s *Service) deliverLoop(ctx context.Context, ownerID string, signal *refreshSignal, deliver func(Update)) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-signal.ch:
		}

		ev, ok := signal.take()
		if !ok {
			continue
		}

		tasks, err := s.List(ctx, ownerID)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			s.logger.Warn("タスク一覧の再取得に失敗しました",
				slog.String("user_id", ownerID),
				slog.String("error", err.Error()),
			)
			deliver(Update{Event: ev, Err: err})
			continue
		}
		deliver(Update{Tasks: tasks, Event: ev})
	}
}

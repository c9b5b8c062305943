package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/websocket"

	"github.com/hitoshi/todoshell/internal/metrics"
	"github.com/hitoshi/todoshell/internal/model"
)

// message はPhoenixチャネルのメッセージ。
type message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// changePayload はpostgres_changesイベントのペイロード。
type changePayload struct {
	Data struct {
		Type      string       `json:"type"`
		Record    changeRecord `json:"record"`
		OldRecord changeRecord `json:"old_record"`
	} `json:"data"`
}

// changeRecord は変更通知に含まれる行。タイムスタンプの形式は一定でないため読まない。
type changeRecord struct {
	ID          string  `json:"id"`
	OwnerID     string  `json:"user_id"`
	Title       string  `json:"title"`
	Description *string `json:"description"`
	IsComplete  bool    `json:"is_complete"`
}

func (r changeRecord) task() model.Task {
	return model.Task{
		ID:          r.ID,
		OwnerID:     r.OwnerID,
		Title:       r.Title,
		Description: r.Description,
		IsComplete:  r.IsComplete,
	}
}

// Conn はリアルタイムチャネルへの1本の接続。
// 接続が切れるとEventsがcloseされ、Errが原因を返す。
type Conn struct {
	ws      *websocket.Conn
	events  chan model.ChangeEvent
	metrics metrics.MetricsCollector
	logger  *slog.Logger

	writeMu sync.Mutex

	mu               sync.Mutex
	err              error
	closed           bool
	pendingHeartbeat string

	done      chan struct{}
	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, m metrics.MetricsCollector, logger *slog.Logger) *Conn {
	return &Conn{
		ws:      ws,
		events:  make(chan model.ChangeEvent, eventBuffer),
		metrics: m,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Events は変更通知を受け取るチャネルを返す。接続が切れるとcloseされる。
func (c *Conn) Events() <-chan model.ChangeEvent {
	return c.events
}

// Err は接続が切れた原因を返す。Closeによる切断の場合はnil。
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close はチャネルから離脱して接続を閉じる。複数回呼んでも安全。
func (c *Conn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		// 相手が読み取りを止めていてもphx_leaveの送信で止まらないようにする
		_ = c.ws.SetWriteDeadline(time.Now().Add(leaveTimeout))
		_ = c.send(message{Topic: TodosTopic, Event: "phx_leave", Payload: json.RawMessage(`{}`), Ref: newRef()})
		err = c.ws.Close()
	})
	return err
}

func (c *Conn) send(msg message) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return websocket.JSON.Send(c.ws, msg)
}

// join はphx_joinを送信し、対応するphx_replyを待つ。
func (c *Conn) join(ctx context.Context, ownerID, accessToken string) error {
	payload, err := json.Marshal(map[string]any{
		"config": map[string]any{
			"postgres_changes": []map[string]string{{
				"event":  "*",
				"schema": "public",
				"table":  "todos",
				"filter": "user_id=eq." + ownerID,
			}},
		},
		"access_token": accessToken,
	})
	if err != nil {
		return fmt.Errorf("failed to encode join payload: %w", err)
	}

	ref := newRef()
	if err := c.send(message{Topic: TodosTopic, Event: "phx_join", Payload: payload, Ref: ref}); err != nil {
		return fmt.Errorf("failed to send join: %w", err)
	}

	deadline := time.Now().Add(joinTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.ws.SetReadDeadline(deadline); err != nil {
		return fmt.Errorf("failed to set read deadline: %w", err)
	}
	defer c.ws.SetReadDeadline(time.Time{})

	for {
		var msg message
		if err := websocket.JSON.Receive(c.ws, &msg); err != nil {
			return fmt.Errorf("failed to receive join reply: %w", err)
		}
		if msg.Event != "phx_reply" || msg.Ref != ref {
			continue
		}
		var reply replyPayload
		if err := json.Unmarshal(msg.Payload, &reply); err != nil {
			return fmt.Errorf("failed to decode join reply: %w", err)
		}
		if reply.Status != "ok" {
			return fmt.Errorf("%w: %s", ErrJoinRejected, string(reply.Response))
		}
		return nil
	}
}

// readLoop は接続が切れるまでメッセージを受信し、変更通知をEventsに流す。
func (c *Conn) readLoop() {
	defer close(c.events)

	for {
		var msg message
		if err := websocket.JSON.Receive(c.ws, &msg); err != nil {
			c.fail(fmt.Errorf("realtime connection lost: %w", err))
			return
		}

		switch {
		case msg.Topic == "phoenix" && msg.Event == "phx_reply":
			c.ackHeartbeat(msg.Ref)
		case msg.Topic != TodosTopic:
			continue
		case msg.Event == "postgres_changes":
			ev, ok := decodeChange(msg.Payload)
			if !ok {
				c.logger.Warn("変更通知のデコードに失敗しました")
				continue
			}
			c.metrics.RecordRealtimeEvent(string(ev.Operation))
			select {
			case c.events <- ev:
			case <-c.done:
				return
			}
		case msg.Event == "phx_error" || msg.Event == "phx_close":
			c.fail(fmt.Errorf("realtime channel %s", strings.TrimPrefix(msg.Event, "phx_")))
			c.ws.Close()
			return
		}
	}
}

// decodeChange はpostgres_changesのペイロードをChangeEventに変換する。
func decodeChange(raw json.RawMessage) (model.ChangeEvent, bool) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return model.ChangeEvent{}, false
	}
	var op model.ChangeOperation
	switch strings.ToUpper(p.Data.Type) {
	case "INSERT":
		op = model.ChangeInsert
	case "UPDATE":
		op = model.ChangeUpdate
	case "DELETE":
		op = model.ChangeDelete
	default:
		return model.ChangeEvent{}, false
	}
	return model.ChangeEvent{
		Operation: op,
		Record:    p.Data.Record.task(),
		OldRecord: p.Data.OldRecord.task(),
	}, true
}

// heartbeatLoop は一定間隔でheartbeatを送信する。
// 前回のheartbeatに応答がないまま次の送信時刻になった場合は切断とみなす。
func (c *Conn) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			pending := c.pendingHeartbeat
			ref := newRef()
			c.pendingHeartbeat = ref
			c.mu.Unlock()

			if pending != "" {
				c.fail(errors.New("realtime heartbeat timeout"))
				c.ws.Close()
				return
			}
			if err := c.send(message{Topic: "phoenix", Event: "heartbeat", Payload: json.RawMessage(`{}`), Ref: ref}); err != nil {
				c.fail(fmt.Errorf("failed to send heartbeat: %w", err))
				c.ws.Close()
				return
			}
		}
	}
}

func (c *Conn) ackHeartbeat(ref string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ref == c.pendingHeartbeat {
		c.pendingHeartbeat = ""
	}
}

// fail は最初の切断原因を記録する。Closeによる切断は原因として扱わない。
func (c *Conn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.err != nil {
		return
	}
	c.err = err
}

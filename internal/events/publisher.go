// Package events 把配對結果發佈到 NATS
//
// 主題：
//
//	<prefix>.match.confirmed   配對成功並已建立房間
//	<prefix>.match.lost        配對已提交但交接失敗
//	<prefix>.queue.timeout     玩家等待超時被淘汰
//
// 使用 core NATS 發佈（at-most-once）。事件只給下游統計與告警使用，
// 配對結果以 Redis 為準。
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
	"github.com/nats-io/nats.go"
)

// Conn *nats.Conn 中用到的部分
type Conn interface {
	Publish(subject string, data []byte) error
}

// Event 事件封包
type Event struct {
	ID         string    `json:"id"`
	Type       string    `json:"type"`
	OccurredAt time.Time `json:"occurred_at"`
	Data       any       `json:"data"`
}

// MatchEvent 配對事件內容
type MatchEvent struct {
	SessionID string `json:"session_id,omitempty"`
	CatPlayer string `json:"cat_player"`
	DogPlayer string `json:"dog_player"`
	CatWaitMS int64  `json:"cat_wait_ms"`
	DogWaitMS int64  `json:"dog_wait_ms"`
	Error     string `json:"error,omitempty"`
}

// TimeoutEvent 超時事件內容
type TimeoutEvent struct {
	PlayerID   string              `json:"player_id"`
	Faction    matchmaking.Faction `json:"faction"`
	EnqueuedAt time.Time           `json:"enqueued_at"`
}

// Publisher 實現 matchmaking.Recorder
type Publisher struct {
	conn   Conn
	prefix string
	now    func() time.Time
}

var _ matchmaking.Recorder = (*Publisher)(nil)

// Connect 連接 NATS
func Connect(url, name string) (*nats.Conn, error) {
	conn, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.PingInterval(20*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return conn, nil
}

// NewPublisher 創建事件發佈器
func NewPublisher(conn Conn, prefix string) *Publisher {
	if prefix == "" {
		prefix = "matchmaking"
	}
	return &Publisher{conn: conn, prefix: prefix, now: time.Now}
}

// Subject 完整主題名稱
func (p *Publisher) Subject(suffix string) string {
	return p.prefix + "." + suffix
}

// MatchConfirmed 實現 matchmaking.Recorder
func (p *Publisher) MatchConfirmed(_ context.Context, m matchmaking.ConfirmedMatch, session matchmaking.SessionHandle) error {
	ev := matchEvent(m)
	ev.SessionID = session.ID
	return p.publish("match.confirmed", ev)
}

// MatchLost 實現 matchmaking.Recorder
func (p *Publisher) MatchLost(_ context.Context, m matchmaking.ConfirmedMatch, cause error) error {
	ev := matchEvent(m)
	if cause != nil {
		ev.Error = cause.Error()
	}
	return p.publish("match.lost", ev)
}

// EntryTimedOut 實現 matchmaking.Recorder
func (p *Publisher) EntryTimedOut(_ context.Context, e matchmaking.QueueEntry) error {
	return p.publish("queue.timeout", TimeoutEvent{
		PlayerID:   e.PlayerID,
		Faction:    e.Faction,
		EnqueuedAt: e.EnqueuedAt,
	})
}

func (p *Publisher) publish(suffix string, data any) error {
	subject := p.Subject(suffix)

	payload, err := json.Marshal(Event{
		ID:         uuid.NewString(),
		Type:       suffix,
		OccurredAt: p.now(),
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("encode %s event: %w", subject, err)
	}

	if err := p.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

func matchEvent(m matchmaking.ConfirmedMatch) MatchEvent {
	return MatchEvent{
		CatPlayer: m.Cat.PlayerID,
		DogPlayer: m.Dog.PlayerID,
		CatWaitMS: m.ConfirmedAt.Sub(m.Cat.EnqueuedAt).Milliseconds(),
		DogWaitMS: m.ConfirmedAt.Sub(m.Dog.EnqueuedAt).Milliseconds(),
	}
}

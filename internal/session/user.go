// Package session 管理已連線玩家與遊戲房間
//
// 配對服務透過這裡的 Directory 查詢玩家、透過 Manager 建立房間、
// 透過 PacketNotifier 推送事件。
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
)

// ErrSendBufferFull 連線的發送緩衝已滿或已關閉
var ErrSendBufferFull = errors.New("send buffer full")

// Outbound 連線的發送端
type Outbound interface {
	// Send 非阻塞地排入一則訊息，失敗回傳 false
	Send(data []byte) bool
}

// Packet 伺服器推送給客戶端的訊息
type Packet struct {
	Type     string `json:"type"`
	Sequence uint64 `json:"sequence"`
	Payload  any    `json:"payload,omitempty"`
}

// User 已連線玩家
//
// 實現 matchmaking.Player。配對旗標與陣營在同一把鎖下修改，
// 確保同一玩家同一時間最多排在一個陣營。
//
// 同一玩家重新連線時沿用同一個 User，只換掉發送端（Attach），
// 佇列旗標、陣營與所在房間跟著玩家走，不跟著連線走。
type User struct {
	id  string
	seq atomic.Uint64

	mu      sync.Mutex
	out     Outbound
	queued  bool
	faction matchmaking.Faction
	gameID  string
}

var _ matchmaking.Player = (*User)(nil)

// NewUser 創建玩家
func NewUser(id string, out Outbound) *User {
	return &User{id: id, out: out}
}

// Attach 換上新連線的發送端，序號從頭開始
func (u *User) Attach(out Outbound) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.out = out
	u.seq.Store(0)
}

// ID 實現 matchmaking.Player
func (u *User) ID() string {
	return u.id
}

// BeginMatchmaking 實現 matchmaking.Player
//
// 已在房間中的玩家也不能再排隊。
func (u *User) BeginMatchmaking(f matchmaking.Faction) bool {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.queued || u.gameID != "" {
		return false
	}
	u.queued = true
	u.faction = f
	return true
}

// EndMatchmaking 實現 matchmaking.Player
func (u *User) EndMatchmaking() {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.queued = false
}

// Matchmaking 實現 matchmaking.Player
func (u *User) Matchmaking() (matchmaking.Faction, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.faction, u.queued
}

// GameID 目前所在房間，空字串代表不在房間中
func (u *User) GameID() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.gameID
}

func (u *User) setGameID(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.gameID = id
}

// clearGameID 只在仍是同一房間時清除
func (u *User) clearGameID(id string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.gameID == id {
		u.gameID = ""
	}
}

// SendPacket 編碼並排入一則訊息，序號逐連線遞增
func (u *User) SendPacket(kind string, payload any) error {
	data, err := json.Marshal(Packet{
		Type:     kind,
		Sequence: u.seq.Add(1),
		Payload:  payload,
	})
	if err != nil {
		return fmt.Errorf("encode %s packet: %w", kind, err)
	}

	u.mu.Lock()
	out := u.out
	u.mu.Unlock()

	if out == nil || !out.Send(data) {
		return fmt.Errorf("send %s to %s: %w", kind, u.id, ErrSendBufferFull)
	}
	return nil
}

package session

import (
	"context"
	"fmt"
	"sync"

	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
)

// Directory 玩家 ID → 存活連線
type Directory struct {
	mu    sync.RWMutex
	users map[string]*User
}

var _ matchmaking.UserDirectory = (*Directory)(nil)

// NewDirectory 創建玩家目錄
func NewDirectory() *Directory {
	return &Directory{users: make(map[string]*User)}
}

// Add 註冊玩家，回傳被取代的舊連線（同一玩家重複連線時）
func (d *Directory) Add(u *User) (replaced *User) {
	d.mu.Lock()
	defer d.mu.Unlock()

	replaced = d.users[u.ID()]
	d.users[u.ID()] = u
	return replaced
}

// Remove 移除玩家；只有目前登記的正是 u 時才移除
//
// 舊連線關閉時不會移除同一玩家的新連線。
func (d *Directory) Remove(u *User) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.users[u.ID()] != u {
		return false
	}
	delete(d.users, u.ID())
	return true
}

// Lookup 查詢玩家
func (d *Directory) Lookup(id string) (*User, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	u, ok := d.users[id]
	return u, ok
}

// LookupPlayer 實現 matchmaking.UserDirectory
func (d *Directory) LookupPlayer(id string) (matchmaking.Player, bool) {
	u, ok := d.Lookup(id)
	if !ok {
		return nil, false
	}
	return u, true
}

// Count 在線玩家數
func (d *Directory) Count() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.users)
}

// PacketNotifier 以封包推送配對事件
type PacketNotifier struct{}

var _ matchmaking.Notifier = PacketNotifier{}

// Notify 實現 matchmaking.Notifier
func (PacketNotifier) Notify(_ context.Context, p matchmaking.Player, kind matchmaking.EventKind, payload any) error {
	u, ok := p.(*User)
	if !ok {
		return fmt.Errorf("notify %s: unsupported player type %T", p.ID(), p)
	}
	return u.SendPacket(string(kind), payload)
}

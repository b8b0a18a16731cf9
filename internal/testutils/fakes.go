package testutils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
)

// FakePlayer 實作 matchmaking.Player
type FakePlayer struct {
	id string

	mu      sync.Mutex
	queued  bool
	faction matchmaking.Faction

	EndCalls atomic.Int32
}

// NewFakePlayer 創建假玩家
func NewFakePlayer(id string) *FakePlayer {
	return &FakePlayer{id: id}
}

// ID 實作 matchmaking.Player
func (p *FakePlayer) ID() string { return p.id }

// BeginMatchmaking 實作 matchmaking.Player
func (p *FakePlayer) BeginMatchmaking(f matchmaking.Faction) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.queued {
		return false
	}
	p.queued = true
	p.faction = f
	return true
}

// EndMatchmaking 實作 matchmaking.Player
func (p *FakePlayer) EndMatchmaking() {
	p.EndCalls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.queued = false
}

// Matchmaking 實作 matchmaking.Player
func (p *FakePlayer) Matchmaking() (matchmaking.Faction, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.faction, p.queued
}

// Queued 旗標是否仍設定
func (p *FakePlayer) Queued() bool {
	_, q := p.Matchmaking()
	return q
}

// FakeDirectory 實作 matchmaking.UserDirectory
type FakeDirectory struct {
	mu      sync.RWMutex
	players map[string]*FakePlayer
}

// NewFakeDirectory 創建假目錄，並為每個 ID 建立已連線玩家
func NewFakeDirectory(ids ...string) *FakeDirectory {
	d := &FakeDirectory{players: make(map[string]*FakePlayer)}
	for _, id := range ids {
		d.Connect(id)
	}
	return d
}

// Connect 新增已連線玩家
func (d *FakeDirectory) Connect(id string) *FakePlayer {
	d.mu.Lock()
	defer d.mu.Unlock()
	p := NewFakePlayer(id)
	d.players[id] = p
	return p
}

// Disconnect 模擬玩家斷線
func (d *FakeDirectory) Disconnect(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.players, id)
}

// Player 取得假玩家（測試斷言用）
func (d *FakeDirectory) Player(id string) *FakePlayer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.players[id]
}

// LookupPlayer 實作 matchmaking.UserDirectory
func (d *FakeDirectory) LookupPlayer(id string) (matchmaking.Player, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	p, ok := d.players[id]
	if !ok {
		return nil, false
	}
	return p, true
}

// FakeSessions 實作 matchmaking.SessionFactory
type FakeSessions struct {
	mu       sync.Mutex
	seq      int
	Created  [][2]string
	FailNext error // 下一次 CreateSession 回傳此錯誤
	PanicOn  string
}

// CreateSession 實作 matchmaking.SessionFactory
func (f *FakeSessions) CreateSession(_ context.Context, a, b string) (matchmaking.SessionHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.PanicOn != "" && (f.PanicOn == a || f.PanicOn == b) {
		panic("session factory exploded")
	}
	if f.FailNext != nil {
		err := f.FailNext
		f.FailNext = nil
		return matchmaking.SessionHandle{}, err
	}

	f.seq++
	f.Created = append(f.Created, [2]string{a, b})
	return matchmaking.SessionHandle{ID: fmt.Sprintf("game-%d", f.seq), CreatedAt: time.Now()}, nil
}

// Count 已建立的房間數
func (f *FakeSessions) Count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Created)
}

// Notification 一筆推送記錄
type Notification struct {
	PlayerID string
	Kind     matchmaking.EventKind
	Payload  any
}

// FakeNotifier 實作 matchmaking.Notifier
type FakeNotifier struct {
	mu   sync.Mutex
	sent []Notification
}

// Notify 實作 matchmaking.Notifier
func (n *FakeNotifier) Notify(_ context.Context, p matchmaking.Player, kind matchmaking.EventKind, payload any) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, Notification{PlayerID: p.ID(), Kind: kind, Payload: payload})
	return nil
}

// Sent 所有推送記錄的副本
func (n *FakeNotifier) Sent() []Notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]Notification(nil), n.sent...)
}

// For 某玩家收到的特定事件
func (n *FakeNotifier) For(playerID string, kind matchmaking.EventKind) []Notification {
	var out []Notification
	for _, s := range n.Sent() {
		if s.PlayerID == playerID && s.Kind == kind {
			out = append(out, s)
		}
	}
	return out
}

// FakeRecorder 實作 matchmaking.Recorder
type FakeRecorder struct {
	mu        sync.Mutex
	Confirmed []matchmaking.ConfirmedMatch
	Lost      []matchmaking.ConfirmedMatch
	TimedOut  []matchmaking.QueueEntry
}

// MatchConfirmed 實作 matchmaking.Recorder
func (r *FakeRecorder) MatchConfirmed(_ context.Context, m matchmaking.ConfirmedMatch, _ matchmaking.SessionHandle) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Confirmed = append(r.Confirmed, m)
	return nil
}

// MatchLost 實作 matchmaking.Recorder
func (r *FakeRecorder) MatchLost(_ context.Context, m matchmaking.ConfirmedMatch, _ error) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Lost = append(r.Lost, m)
	return nil
}

// EntryTimedOut 實作 matchmaking.Recorder
func (r *FakeRecorder) EntryTimedOut(_ context.Context, e matchmaking.QueueEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.TimedOut = append(r.TimedOut, e)
	return nil
}

// Counts 三種記錄的筆數
func (r *FakeRecorder) Counts() (confirmed, lost, timedOut int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Confirmed), len(r.Lost), len(r.TimedOut)
}

// HookQueue 包裝 OrderedQueue，在 RemoveMany 之前執行鉤子
//
// 用來重現「讀取之後、提交之前」被其他操作改變佇列的交錯。
type HookQueue struct {
	matchmaking.OrderedQueue

	BeforeRemoveMany func(ctx context.Context, removals []matchmaking.Removal)
	FrontErr         error
	RemoveManyCalls  atomic.Int32
}

// Front 實作 matchmaking.OrderedQueue
func (q *HookQueue) Front(ctx context.Context, f matchmaking.Faction, limit int) ([]matchmaking.QueueEntry, error) {
	if q.FrontErr != nil {
		return nil, q.FrontErr
	}
	return q.OrderedQueue.Front(ctx, f, limit)
}

// RemoveMany 實作 matchmaking.OrderedQueue
func (q *HookQueue) RemoveMany(ctx context.Context, removals []matchmaking.Removal) ([]bool, error) {
	q.RemoveManyCalls.Add(1)
	if q.BeforeRemoveMany != nil {
		q.BeforeRemoveMany(ctx, removals)
	}
	return q.OrderedQueue.RemoveMany(ctx, removals)
}

// SpyLock 包裝 Lock，記錄取鎖與釋放次數
type SpyLock struct {
	matchmaking.Lock

	AcquireErr   error
	AcquireCalls atomic.Int32
	ReleaseCalls atomic.Int32
}

// Acquire 實作 matchmaking.Lock
func (l *SpyLock) Acquire(ctx context.Context) (*matchmaking.Token, error) {
	l.AcquireCalls.Add(1)
	if l.AcquireErr != nil {
		return nil, l.AcquireErr
	}
	return l.Lock.Acquire(ctx)
}

// Release 實作 matchmaking.Lock
func (l *SpyLock) Release(ctx context.Context, token matchmaking.Token) (bool, error) {
	l.ReleaseCalls.Add(1)
	return l.Lock.Release(ctx, token)
}

// ErrStoreDown 模擬協調存儲故障
var ErrStoreDown = errors.New("store down")

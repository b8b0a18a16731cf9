package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
)

// MemoryLock 單進程版本的鎖
//
// 語義與 RedisLock 相同（create-if-absent + TTL + compare-and-delete），
// 用於測試與單機開發。
type MemoryLock struct {
	mu        sync.Mutex
	ttl       time.Duration
	value     string
	expiresAt time.Time
	now       func() time.Time
}

// NewMemoryLock 創建記憶體鎖
func NewMemoryLock(ttl time.Duration) *MemoryLock {
	return &MemoryLock{ttl: ttl, now: time.Now}
}

// SetClock 替換時間來源，測試 TTL 過期用
func (l *MemoryLock) SetClock(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}

// Acquire 實現 matchmaking.Lock
func (l *MemoryLock) Acquire(ctx context.Context) (*matchmaking.Token, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if l.value != "" && now.Before(l.expiresAt) {
		return nil, nil
	}

	l.value = uuid.NewString()
	l.expiresAt = now.Add(l.ttl)
	return &matchmaking.Token{Value: l.value, ExpiresAt: l.expiresAt}, nil
}

// Release 實現 matchmaking.Lock
func (l *MemoryLock) Release(ctx context.Context, token matchmaking.Token) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.value == "" || l.value != token.Value || !l.now().Before(l.expiresAt) {
		return false, nil
	}
	l.value = ""
	l.expiresAt = time.Time{}
	return true, nil
}

// MemoryQueue 單進程版本的有序佇列
//
// 每個陣營一個 map（playerID → 加入時間毫秒），讀取時排序。
// RemoveMany 在同一把互斥鎖下執行，等同於 MULTI/EXEC。
type MemoryQueue struct {
	mu     sync.Mutex
	queues map[matchmaking.Faction]map[string]int64
}

// NewMemoryQueue 創建記憶體佇列
func NewMemoryQueue() *MemoryQueue {
	q := &MemoryQueue{queues: make(map[matchmaking.Faction]map[string]int64)}
	for _, f := range matchmaking.Factions {
		q.queues[f] = make(map[string]int64)
	}
	return q
}

// Add 實現 matchmaking.OrderedQueue
func (q *MemoryQueue) Add(ctx context.Context, entry matchmaking.QueueEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !entry.Faction.Valid() {
		return errUnknownFaction(entry.Faction)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.queues[entry.Faction][entry.PlayerID] = entry.EnqueuedAt.UnixMilli()
	return nil
}

// Remove 實現 matchmaking.OrderedQueue
func (q *MemoryQueue) Remove(ctx context.Context, faction matchmaking.Faction, playerID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	if !faction.Valid() {
		return false, errUnknownFaction(faction)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(faction, playerID), nil
}

// Front 實現 matchmaking.OrderedQueue
//
// 同分時按 playerID 排序，與 Redis 有序集合的字典序一致。
func (q *MemoryQueue) Front(ctx context.Context, faction matchmaking.Faction, limit int) ([]matchmaking.QueueEntry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !faction.Valid() {
		return nil, errUnknownFaction(faction)
	}
	if limit <= 0 {
		return nil, nil
	}

	q.mu.Lock()
	entries := make([]matchmaking.QueueEntry, 0, len(q.queues[faction]))
	for id, score := range q.queues[faction] {
		entries = append(entries, matchmaking.QueueEntry{
			PlayerID:   id,
			Faction:    faction,
			EnqueuedAt: time.UnixMilli(score),
		})
	}
	q.mu.Unlock()

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].EnqueuedAt.Equal(entries[j].EnqueuedAt) {
			return entries[i].EnqueuedAt.Before(entries[j].EnqueuedAt)
		}
		return entries[i].PlayerID < entries[j].PlayerID
	})

	if len(entries) > limit {
		entries = entries[:limit]
	}
	return entries, nil
}

// RemoveMany 實現 matchmaking.OrderedQueue
func (q *MemoryQueue) RemoveMany(ctx context.Context, removals []matchmaking.Removal) ([]bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	for _, r := range removals {
		if !r.Faction.Valid() {
			return nil, errUnknownFaction(r.Faction)
		}
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	results := make([]bool, len(removals))
	for i, r := range removals {
		results[i] = q.removeLocked(r.Faction, r.PlayerID)
	}
	return results, nil
}

// Len 實現 matchmaking.OrderedQueue
func (q *MemoryQueue) Len(ctx context.Context, faction matchmaking.Faction) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if !faction.Valid() {
		return 0, errUnknownFaction(faction)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(len(q.queues[faction])), nil
}

func (q *MemoryQueue) removeLocked(faction matchmaking.Faction, playerID string) bool {
	if _, ok := q.queues[faction][playerID]; !ok {
		return false
	}
	delete(q.queues[faction], playerID)
	return true
}

// Package store 協調存儲的實作
//
// Redis 版本是生產用的；記憶體版本與之語義相同，用於測試與單機開發。
//
// Redis 資料結構：
//
//	matching:lock          STRING  鎖持有者的隨機值，PX = LockTTL
//	matching:queue:cat     ZSET    member = playerID，score = 加入時間（毫秒）
//	matching:queue:dog     ZSET    同上
package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
	"github.com/redis/go-redis/v9"
)

// releaseScript 比對後刪除
//
// KEYS[1]: 鎖的 key
// ARGV[1]: 取鎖時寫入的值
//
// 返回值：
//
//	1: 已刪除
//	0: 值不同（鎖已過期並被他人取得）或 key 不存在
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

// LockKey 鎖的 key
func LockKey(prefix string) string {
	return prefix + ":lock"
}

// QueueKey 陣營佇列的 key
func QueueKey(prefix string, faction matchmaking.Faction) string {
	return prefix + ":queue:" + strings.ToLower(string(faction))
}

// RedisLock 基於 SET NX PX 的分散式鎖
//
// 持鎖進程崩潰時，鎖在 TTL 後自動失效。
// 不做續約：一個 tick 必須在 TTL 內完成。
type RedisLock struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisLock 創建 Redis 鎖
func NewRedisLock(client *redis.Client, prefix string, ttl time.Duration) *RedisLock {
	return &RedisLock{
		client: client,
		key:    LockKey(prefix),
		ttl:    ttl,
	}
}

// Acquire 實現 matchmaking.Lock
func (l *RedisLock) Acquire(ctx context.Context) (*matchmaking.Token, error) {
	value := uuid.NewString()

	ok, err := l.client.SetNX(ctx, l.key, value, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("set lock: %w", err)
	}
	if !ok {
		return nil, nil
	}

	return &matchmaking.Token{Value: value, ExpiresAt: time.Now().Add(l.ttl)}, nil
}

// Release 實現 matchmaking.Lock
func (l *RedisLock) Release(ctx context.Context, token matchmaking.Token) (bool, error) {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, token.Value).Int64()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	return n == 1, nil
}

// RedisQueue 基於 Sorted Set 的陣營佇列
type RedisQueue struct {
	client *redis.Client
	prefix string
}

// NewRedisQueue 創建 Redis 佇列
func NewRedisQueue(client *redis.Client, prefix string) *RedisQueue {
	return &RedisQueue{client: client, prefix: prefix}
}

// Add 實現 matchmaking.OrderedQueue
func (q *RedisQueue) Add(ctx context.Context, entry matchmaking.QueueEntry) error {
	if !entry.Faction.Valid() {
		return errUnknownFaction(entry.Faction)
	}

	err := q.client.ZAdd(ctx, QueueKey(q.prefix, entry.Faction), redis.Z{
		Score:  float64(entry.EnqueuedAt.UnixMilli()),
		Member: entry.PlayerID,
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	return nil
}

// Remove 實現 matchmaking.OrderedQueue
func (q *RedisQueue) Remove(ctx context.Context, faction matchmaking.Faction, playerID string) (bool, error) {
	if !faction.Valid() {
		return false, errUnknownFaction(faction)
	}

	n, err := q.client.ZRem(ctx, QueueKey(q.prefix, faction), playerID).Result()
	if err != nil {
		return false, fmt.Errorf("zrem: %w", err)
	}
	return n > 0, nil
}

// Front 實現 matchmaking.OrderedQueue
func (q *RedisQueue) Front(ctx context.Context, faction matchmaking.Faction, limit int) ([]matchmaking.QueueEntry, error) {
	if !faction.Valid() {
		return nil, errUnknownFaction(faction)
	}
	if limit <= 0 {
		return nil, nil
	}

	zs, err := q.client.ZRangeWithScores(ctx, QueueKey(q.prefix, faction), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}

	entries := make([]matchmaking.QueueEntry, 0, len(zs))
	for _, z := range zs {
		id, err := memberString(z.Member)
		if err != nil {
			return nil, err
		}
		entries = append(entries, matchmaking.QueueEntry{
			PlayerID:   id,
			Faction:    faction,
			EnqueuedAt: time.UnixMilli(int64(z.Score)),
		})
	}
	return entries, nil
}

// RemoveMany 實現 matchmaking.OrderedQueue
//
// 所有 ZREM 在同一個 MULTI/EXEC 中執行，逐筆回報是否移除。
func (q *RedisQueue) RemoveMany(ctx context.Context, removals []matchmaking.Removal) ([]bool, error) {
	if len(removals) == 0 {
		return nil, nil
	}
	for _, r := range removals {
		if !r.Faction.Valid() {
			return nil, errUnknownFaction(r.Faction)
		}
	}

	pipe := q.client.TxPipeline()
	cmds := make([]*redis.IntCmd, len(removals))
	for i, r := range removals {
		cmds[i] = pipe.ZRem(ctx, QueueKey(q.prefix, r.Faction), r.PlayerID)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("exec removals: %w", err)
	}

	results := make([]bool, len(cmds))
	for i, cmd := range cmds {
		results[i] = cmd.Val() > 0
	}
	return results, nil
}

// Len 實現 matchmaking.OrderedQueue
func (q *RedisQueue) Len(ctx context.Context, faction matchmaking.Faction) (int64, error) {
	if !faction.Valid() {
		return 0, errUnknownFaction(faction)
	}

	n, err := q.client.ZCard(ctx, QueueKey(q.prefix, faction)).Result()
	if err != nil {
		return 0, fmt.Errorf("zcard: %w", err)
	}
	return n, nil
}

func memberString(member any) (string, error) {
	switch v := member.(type) {
	case string:
		return v, nil
	case []byte:
		return string(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	default:
		return "", fmt.Errorf("unexpected sorted set member type %T", member)
	}
}

// ErrUnknownFaction 未知陣營
var ErrUnknownFaction = errors.New("unknown faction")

func errUnknownFaction(f matchmaking.Faction) error {
	return fmt.Errorf("%w: %q", ErrUnknownFaction, f)
}

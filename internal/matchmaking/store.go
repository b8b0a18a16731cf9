package matchmaking

import (
	"context"
)

// Lock 分散式互斥鎖
//
// 實作：store.RedisLock（生產）、store.MemoryLock（測試與單機開發）。
type Lock interface {
	// Acquire 嘗試以 create-if-absent 寫入新的隨機值並設定 TTL
	//
	// 鎖被他人持有時回傳 (nil, nil)：這不是錯誤，代表本次 tick 直接跳過。
	Acquire(ctx context.Context) (*Token, error)

	// Release 只在目前值等於 token.Value 時刪除（compare-and-delete）
	//
	// 值不同代表自己的 TTL 已過期且鎖已被他人取得，此時不做任何事並回傳 false。
	Release(ctx context.Context, token Token) (bool, error)
}

// OrderedQueue 兩個獨立的有序集合（每個陣營一個），按加入時間升序
type OrderedQueue interface {
	// Add 插入或更新玩家項目，score 為 EnqueuedAt
	Add(ctx context.Context, entry QueueEntry) error

	// Remove 移除玩家項目，回傳是否由本次呼叫移除；不存在時為冪等的 no-op
	Remove(ctx context.Context, faction Faction, playerID string) (bool, error)

	// Front 讀取最早的 limit 筆（升序），不移除
	Front(ctx context.Context, faction Faction, limit int) ([]QueueEntry, error)

	// RemoveMany 在單一原子交易中執行所有移除
	//
	// 回傳結果與提交順序一一對應；只有項目存在且被本次交易移除時才是 true。
	RemoveMany(ctx context.Context, removals []Removal) ([]bool, error)

	// Len 陣營佇列長度
	Len(ctx context.Context, faction Faction) (int64, error)
}

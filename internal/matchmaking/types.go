// Package matchmaking 實現 CAT 與 DOG 兩個陣營的分散式配對服務
//
// 系統設計問題：
//
//	多個伺服器進程共用同一個 Redis，如何在兩條佇列之間配對玩家，
//	同時保證不重複配對、不餓死久候玩家、進程崩潰時不丟失玩家？
//
// 核心挑戰：
//  1. 互斥：同一時間只有一個進程執行配對（分散式鎖 + TTL）
//  2. 公平：先進先出，同陣營內不會被後到者插隊
//  3. 恰好一次：佇列移除是「仍在等待」的唯一依據，移除成功才算配對成功
//  4. 超時：等待超過 MaxWait 的玩家被淘汰並收到一次通知
//
// 設計方案：
//
//	✅ Redis Sorted Set（score = 加入時間）作為佇列
//	✅ SET NX PX 取鎖，Lua 比對後刪除釋放鎖
//	✅ MULTI/EXEC 批次移除，逐筆回報結果
//	✅ 固定間隔的單一循環，每個 tick 是一段序列化的臨界區
package matchmaking

import (
	"strings"
	"time"

	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
)

// Faction 陣營
type Faction string

const (
	// FactionCat 貓陣營
	FactionCat Faction = "CAT"
	// FactionDog 狗陣營
	FactionDog Faction = "DOG"
)

// Factions 所有陣營，順序固定（CAT 先於 DOG）
var Factions = []Faction{FactionCat, FactionDog}

// ParseFaction 解析陣營名稱（不分大小寫）
func ParseFaction(s string) (Faction, error) {
	f := Faction(strings.ToUpper(strings.TrimSpace(s)))
	if !f.Valid() {
		return "", apperrors.ErrInvalidFaction.WithDetails(s)
	}
	return f, nil
}

// Valid 是否為已知陣營
func (f Faction) Valid() bool {
	return f == FactionCat || f == FactionDog
}

func (f Faction) String() string {
	return string(f)
}

// QueueEntry 佇列項目
//
// 同一個 PlayerID 同一時間最多只出現在一個陣營佇列中。
type QueueEntry struct {
	PlayerID   string    `json:"player_id"`
	Faction    Faction   `json:"faction"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// Age 相對於 now 的等待時間
func (e QueueEntry) Age(now time.Time) time.Duration {
	return now.Sub(e.EnqueuedAt)
}

// Token 分散式鎖憑證
//
// 釋放鎖時以 Value 相等證明所有權，而非以進程身分。
type Token struct {
	Value     string
	ExpiresAt time.Time
}

// Removal 一次佇列移除操作
type Removal struct {
	Faction  Faction
	PlayerID string
}

// MatchCandidate 提交前的配對提案，不持久化
type MatchCandidate struct {
	Cat QueueEntry
	Dog QueueEntry
}

// ConfirmedMatch 兩側移除都已原子提交的配對
type ConfirmedMatch struct {
	MatchCandidate
	ConfirmedAt time.Time
}

// BrokenPair 只有一側（或兩側都沒有）移除成功的提案
//
// 成功移除的一側不會被重新加入佇列。
type BrokenPair struct {
	Candidate  MatchCandidate
	CatRemoved bool
	DogRemoved bool
}

// SessionHandle 遊戲房間句柄
type SessionHandle struct {
	ID        string
	CreatedAt time.Time
}

// JoinResult 加入佇列的結果
type JoinResult struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

// QueueStats 佇列長度統計
type QueueStats struct {
	Cat int64 `json:"cat"`
	Dog int64 `json:"dog"`
}

// TickReport 單次 tick 的結果
type TickReport struct {
	TickID    string
	Acquired  bool
	Evicted   []QueueEntry
	Confirmed []ConfirmedMatch
	Broken    []BrokenPair
	Lost      []ConfirmedMatch
}

package matchmaking

import (
	"context"
	"errors"
)

// EventKind 推送給玩家的事件類型
type EventKind string

const (
	// EventMatchFound 配對成功
	EventMatchFound EventKind = "match_notification"
	// EventMatchTimeout 配對等待超時
	EventMatchTimeout EventKind = "match_timeout_notification"
)

// MatchFoundPayload 配對成功通知內容
type MatchFoundPayload struct {
	OpponentID string `json:"opponentId"`
	SessionID  string `json:"sessionId"`
}

// MatchTimeoutPayload 配對超時通知內容
type MatchTimeoutPayload struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// Player 已連線玩家的句柄
//
// 配對旗標屬於玩家／連線管理，不屬於佇列。
type Player interface {
	ID() string

	// BeginMatchmaking 原子地把旗標由 false 設為 true 並記錄陣營；已在配對中時回傳 false
	BeginMatchmaking(faction Faction) bool

	// EndMatchmaking 清除旗標
	EndMatchmaking()

	// Matchmaking 目前的陣營與旗標
	Matchmaking() (Faction, bool)
}

// UserDirectory 依玩家 ID 查詢存活連線
//
// 查不到（玩家已斷線）是正常情況，不可視為循環的致命錯誤。
type UserDirectory interface {
	LookupPlayer(playerID string) (Player, bool)
}

// SessionFactory 建立遊戲房間並註冊兩位玩家
type SessionFactory interface {
	CreateSession(ctx context.Context, playerA, playerB string) (SessionHandle, error)
}

// Notifier 推送事件給玩家
type Notifier interface {
	Notify(ctx context.Context, player Player, kind EventKind, payload any) error
}

// Recorder 配對結果的旁路記錄（歷史資料庫、事件匯流排）
//
// 記錄失敗只寫日誌，不影響配對結果。
type Recorder interface {
	MatchConfirmed(ctx context.Context, match ConfirmedMatch, session SessionHandle) error
	MatchLost(ctx context.Context, match ConfirmedMatch, cause error) error
	EntryTimedOut(ctx context.Context, entry QueueEntry) error
}

// Recorders 依序呼叫多個 Recorder
type Recorders []Recorder

// MatchConfirmed 實現 Recorder
func (rs Recorders) MatchConfirmed(ctx context.Context, match ConfirmedMatch, session SessionHandle) error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.MatchConfirmed(ctx, match, session))
	}
	return errors.Join(errs...)
}

// MatchLost 實現 Recorder
func (rs Recorders) MatchLost(ctx context.Context, match ConfirmedMatch, cause error) error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.MatchLost(ctx, match, cause))
	}
	return errors.Join(errs...)
}

// EntryTimedOut 實現 Recorder
func (rs Recorders) EntryTimedOut(ctx context.Context, entry QueueEntry) error {
	var errs []error
	for _, r := range rs {
		errs = append(errs, r.EntryTimedOut(ctx, entry))
	}
	return errors.Join(errs...)
}

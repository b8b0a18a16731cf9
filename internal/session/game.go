package session

import (
	"sync"
	"time"

	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
)

const (
	// MaxPlayers 每個房間的玩家數
	MaxPlayers = 2
	// StartRequestsRequired 開始遊戲所需的 game_start_request 數
	StartRequestsRequired = 2
)

// GameStatus 房間狀態
//
// 有限狀態機：
//
//	waiting → ready → playing → ended
//	   └────────┴─────────────→ ended（斷線 / 開始逾時 / 關閉）
//
//   - waiting → ready：玩家到齊（MaxPlayers）
//   - ready → playing：收到 StartRequestsRequired 個不同玩家的開始請求
type GameStatus string

const (
	GameWaiting GameStatus = "waiting"
	GameReady   GameStatus = "ready"
	GamePlaying GameStatus = "playing"
	GameEnded   GameStatus = "ended"
)

// Game 一場 1v1 遊戲房間
type Game struct {
	ID        string
	CreatedAt time.Time

	mu            sync.RWMutex
	status        GameStatus
	players       []string
	startRequests map[string]struct{}
	startedAt     time.Time
	endReason     string
}

func newGame(id string, now time.Time) *Game {
	return &Game{
		ID:            id,
		CreatedAt:     now,
		status:        GameWaiting,
		players:       make([]string, 0, MaxPlayers),
		startRequests: make(map[string]struct{}, MaxPlayers),
	}
}

// AddPlayer 加入玩家，到齊時轉為 ready
func (g *Game) AddPlayer(playerID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status != GameWaiting || len(g.players) >= MaxPlayers {
		return apperrors.ErrGameFull.WithDetails(g.ID)
	}
	for _, p := range g.players {
		if p == playerID {
			return apperrors.New(apperrors.ErrCodeAlreadyExists, "player already in game").WithDetails(playerID)
		}
	}

	g.players = append(g.players, playerID)
	if len(g.players) == MaxPlayers {
		g.status = GameReady
	}
	return nil
}

// RequestStart 記錄玩家的開始請求，請求數足夠時轉為 playing
//
// 回傳這次呼叫是否讓遊戲開始。
func (g *Game) RequestStart(playerID string, now time.Time) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.hasPlayerLocked(playerID) {
		return false, apperrors.New(apperrors.ErrCodeInvalidInput, "player not in game").WithDetails(playerID)
	}
	switch g.status {
	case GamePlaying:
		return false, nil
	case GameReady:
	default:
		return false, apperrors.New(apperrors.ErrCodeInvalidInput, "game cannot start").WithDetails(string(g.status))
	}

	g.startRequests[playerID] = struct{}{}
	if len(g.startRequests) < StartRequestsRequired {
		return false, nil
	}

	g.status = GamePlaying
	g.startedAt = now
	return true, nil
}

// End 結束遊戲，已結束時回傳 false
func (g *Game) End(reason string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.status == GameEnded {
		return false
	}
	g.status = GameEnded
	g.endReason = reason
	return true
}

// Status 目前狀態
func (g *Game) Status() GameStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status
}

// Players 玩家 ID 的副本
func (g *Game) Players() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.players...)
}

// EndReason 結束原因
func (g *Game) EndReason() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.endReason
}

// startExpired 建立超過 timeout 仍未開始
func (g *Game) startExpired(now time.Time, timeout time.Duration) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.status != GamePlaying && g.status != GameEnded && now.Sub(g.CreatedAt) >= timeout
}

func (g *Game) hasPlayerLocked(playerID string) bool {
	for _, p := range g.players {
		if p == playerID {
			return true
		}
	}
	return false
}

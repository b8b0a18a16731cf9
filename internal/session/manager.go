package session

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
)

// 房間相關封包
const (
	PacketGameStart = "game_start"
	PacketGameEnd   = "game_end"
)

// 結束原因
const (
	EndReasonDisconnect   = "opponent_disconnected"
	EndReasonStartTimeout = "start_timeout"
	EndReasonShutdown     = "server_shutdown"
)

// GameStartPayload game_start 封包內容
type GameStartPayload struct {
	SessionID string   `json:"sessionId"`
	Players   []string `json:"players"`
}

// GameEndPayload game_end 封包內容
type GameEndPayload struct {
	SessionID string `json:"sessionId"`
	Reason    string `json:"reason"`
}

// ManagerOptions 房間管理器參數
type ManagerOptions struct {
	MaxSessions     int
	StartTimeout    time.Duration
	CleanupInterval time.Duration
	Now             func() time.Time
	Logger          *slog.Logger
}

// Manager 遊戲房間管理器
//
// 實現 matchmaking.SessionFactory。配對成功後由配對服務呼叫 CreateSession，
// 之後房間的生命週期（開始、斷線結束、開始逾時清理）都在這裡。
type Manager struct {
	directory *Directory
	opts      ManagerOptions
	logger    *slog.Logger

	mu         sync.RWMutex
	games      map[string]*Game  // gameID -> Game
	playerGame map[string]string // playerID -> gameID

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

var _ matchmaking.SessionFactory = (*Manager)(nil)

// NewManager 創建房間管理器並啟動清理 goroutine
func NewManager(directory *Directory, opts ManagerOptions) *Manager {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 10 * time.Second
	}

	m := &Manager{
		directory:  directory,
		opts:       opts,
		logger:     opts.Logger.With("component", "session"),
		games:      make(map[string]*Game),
		playerGame: make(map[string]string),
		stopCh:     make(chan struct{}),
	}

	m.wg.Add(1)
	go m.cleanupLoop()

	return m
}

// CreateSession 實現 matchmaking.SessionFactory
func (m *Manager) CreateSession(ctx context.Context, playerA, playerB string) (matchmaking.SessionHandle, error) {
	if err := ctx.Err(); err != nil {
		return matchmaking.SessionHandle{}, err
	}

	userA, okA := m.directory.Lookup(playerA)
	userB, okB := m.directory.Lookup(playerB)
	switch {
	case !okA:
		return matchmaking.SessionHandle{}, apperrors.ErrPlayerNotConnected.WithDetails(playerA)
	case !okB:
		return matchmaking.SessionHandle{}, apperrors.ErrPlayerNotConnected.WithDetails(playerB)
	}

	game := newGame(uuid.NewString(), m.opts.Now())
	if err := game.AddPlayer(playerA); err != nil {
		return matchmaking.SessionHandle{}, err
	}
	if err := game.AddPlayer(playerB); err != nil {
		return matchmaking.SessionHandle{}, err
	}

	m.mu.Lock()
	if m.opts.MaxSessions > 0 && len(m.games) >= m.opts.MaxSessions {
		m.mu.Unlock()
		return matchmaking.SessionHandle{}, apperrors.ErrSessionLimit
	}
	for _, p := range []string{playerA, playerB} {
		if existing, ok := m.playerGame[p]; ok {
			m.mu.Unlock()
			return matchmaking.SessionHandle{}, apperrors.New(apperrors.ErrCodeAlreadyExists, "player already in game").
				WithDetails(p + "@" + existing)
		}
	}
	m.games[game.ID] = game
	m.playerGame[playerA] = game.ID
	m.playerGame[playerB] = game.ID
	m.mu.Unlock()

	userA.setGameID(game.ID)
	userB.setGameID(game.ID)

	m.logger.InfoContext(ctx, "game session created",
		"session_id", game.ID,
		"players", game.Players(),
		"status", game.Status())

	return matchmaking.SessionHandle{ID: game.ID, CreatedAt: game.CreatedAt}, nil
}

// Get 取得房間
func (m *Manager) Get(gameID string) (*Game, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	g, ok := m.games[gameID]
	if !ok {
		return nil, apperrors.ErrSessionNotFound.WithDetails(gameID)
	}
	return g, nil
}

// GameOf 玩家所在房間
func (m *Manager) GameOf(playerID string) (*Game, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.playerGame[playerID]
	if !ok {
		return nil, false
	}
	g, ok := m.games[id]
	return g, ok
}

// RequestStart 處理玩家的開始請求
func (m *Manager) RequestStart(ctx context.Context, playerID string) error {
	game, ok := m.GameOf(playerID)
	if !ok {
		return apperrors.ErrSessionNotFound.WithDetails(playerID)
	}

	started, err := game.RequestStart(playerID, m.opts.Now())
	if err != nil {
		return err
	}
	if !started {
		return nil
	}

	m.logger.InfoContext(ctx, "game started", "session_id", game.ID)
	m.broadcast(ctx, game, PacketGameStart, GameStartPayload{SessionID: game.ID, Players: game.Players()})
	return nil
}

// EndByDisconnect 玩家斷線時結束其所在房間並通知對手
func (m *Manager) EndByDisconnect(ctx context.Context, playerID string) {
	game, ok := m.GameOf(playerID)
	if !ok {
		return
	}
	m.end(ctx, game, EndReasonDisconnect)
}

// Count 房間數
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.games)
}

// Cleanup 執行一次開始逾時清理（公開方法供測試使用）
func (m *Manager) Cleanup() {
	m.cleanup()
}

// Stop 停止清理並關閉所有房間
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()

	m.mu.RLock()
	games := make([]*Game, 0, len(m.games))
	for _, g := range m.games {
		games = append(games, g)
	}
	m.mu.RUnlock()

	for _, g := range games {
		m.end(context.Background(), g, EndReasonShutdown)
	}
	m.logger.Info("session manager stopped")
}

func (m *Manager) cleanupLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.cleanup()
		case <-m.stopCh:
			return
		}
	}
}

func (m *Manager) cleanup() {
	if m.opts.StartTimeout <= 0 {
		return
	}
	now := m.opts.Now()

	m.mu.RLock()
	var expired []*Game
	for _, g := range m.games {
		if g.startExpired(now, m.opts.StartTimeout) {
			expired = append(expired, g)
		}
	}
	m.mu.RUnlock()

	for _, g := range expired {
		m.logger.Info("game start timed out", "session_id", g.ID)
		m.end(context.Background(), g, EndReasonStartTimeout)
	}
}

// end 結束房間、通知仍在線的玩家並移除記錄
func (m *Manager) end(ctx context.Context, game *Game, reason string) {
	if !game.End(reason) {
		return
	}

	m.broadcast(ctx, game, PacketGameEnd, GameEndPayload{SessionID: game.ID, Reason: reason})

	m.mu.Lock()
	for _, p := range game.Players() {
		if m.playerGame[p] == game.ID {
			delete(m.playerGame, p)
		}
	}
	delete(m.games, game.ID)
	m.mu.Unlock()

	for _, p := range game.Players() {
		if u, ok := m.directory.Lookup(p); ok {
			u.clearGameID(game.ID)
		}
	}

	m.logger.InfoContext(ctx, "game session ended", "session_id", game.ID, "reason", reason)
}

func (m *Manager) broadcast(ctx context.Context, game *Game, kind string, payload any) {
	for _, p := range game.Players() {
		u, ok := m.directory.Lookup(p)
		if !ok {
			continue
		}
		if err := u.SendPacket(kind, payload); err != nil {
			m.logger.WarnContext(ctx, "send game packet failed",
				"session_id", game.ID,
				"player_id", p,
				"packet", kind,
				"error", err)
		}
	}
}

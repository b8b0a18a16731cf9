// Package transport 以 WebSocket 連接玩家
//
// 每個玩家一條連線：連線建立即註冊到 session.Directory，
// 連線中斷即取消其佇列項目並結束其所在房間。
package transport

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
	"github.com/koopa0/system-design/14-matchmaking/internal/session"
	"github.com/koopa0/system-design/14-matchmaking/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBufferSize = 64
	requestTimeout = 5 * time.Second
)

// Matcher 配對服務中連線層用到的部分
type Matcher interface {
	Join(ctx context.Context, playerID string, faction matchmaking.Faction) (matchmaking.JoinResult, error)
	Cancel(ctx context.Context, playerID string, faction matchmaking.Faction) error
}

// Games 房間管理中連線層用到的部分
type Games interface {
	RequestStart(ctx context.Context, playerID string) error
	EndByDisconnect(ctx context.Context, playerID string)
}

// Hub WebSocket 連接中心
type Hub struct {
	matcher   Matcher
	games     Games
	directory *session.Directory
	logger    *slog.Logger
	upgrader  websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*Connection // playerID -> Connection
}

// NewHub 創建 Hub
func NewHub(matcher Matcher, games Games, directory *session.Directory, log *slog.Logger) *Hub {
	return &Hub{
		matcher:   matcher,
		games:     games,
		directory: directory,
		logger:    log.With("component", "transport"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		conns: make(map[string]*Connection),
	}
}

// ServeWS 處理 GET /ws?player_id=
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	playerID := r.URL.Query().Get("player_id")
	if playerID == "" {
		http.Error(w, "missing player_id", http.StatusBadRequest)
		return
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "player_id", playerID, "error", err)
		return
	}

	c := &Connection{
		hub:  h,
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
	}

	h.register(playerID, c)

	go c.writePump()
	go c.readPump()

	h.logger.Info("player connected", "player_id", playerID)
}

// register 註冊連線
//
// 同一玩家已在線時沿用原本的 User（佇列旗標、陣營、房間不變），
// 舊連線被關閉；否則建立新的 User。
func (h *Hub) register(playerID string, c *Connection) {
	h.mu.Lock()
	old := h.conns[playerID]
	if existing, ok := h.directory.Lookup(playerID); ok {
		existing.Attach(c)
		c.user = existing
	} else {
		c.user = session.NewUser(playerID, c)
		h.directory.Add(c.user)
	}
	h.conns[playerID] = c
	h.mu.Unlock()

	if old != nil {
		_, queued := c.user.Matchmaking()
		h.logger.Info("replacing existing connection",
			"player_id", playerID,
			"queued", queued,
			"game_id", c.user.GameID())
		old.close()
	}
}

// disconnect 連線中斷後的清理
//
// 只有仍是該玩家目前連線時才移出目錄、取消佇列與結束房間；
// 被新連線取代的舊連線不做任何事，狀態已由新連線接手。
func (h *Hub) disconnect(c *Connection) {
	id := c.user.ID()

	h.mu.Lock()
	current := h.conns[id] == c
	if current {
		delete(h.conns, id)
		h.directory.Remove(c.user)
	}
	h.mu.Unlock()

	c.close()

	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(logger.WithPlayerID(context.Background(), id), requestTimeout)
	defer cancel()

	if faction, queued := c.user.Matchmaking(); queued {
		if err := h.matcher.Cancel(ctx, id, faction); err != nil {
			h.logger.ErrorContext(ctx, "cancel on disconnect failed", "faction", faction, "error", err)
		}
	}
	h.games.EndByDisconnect(ctx, id)

	h.logger.InfoContext(ctx, "player disconnected")
}

// Count 連線數
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.conns)
}

// Stop 關閉所有連線
func (h *Hub) Stop() {
	h.mu.Lock()
	conns := make([]*Connection, 0, len(h.conns))
	for _, c := range h.conns {
		conns = append(conns, c)
	}
	h.mu.Unlock()

	for _, c := range conns {
		c.close()
	}
	h.logger.Info("websocket hub stopped", "connections", len(conns))
}

// Connection 一條玩家連線
//
// 實現 session.Outbound。
type Connection struct {
	hub  *Hub
	ws   *websocket.Conn
	user *session.User

	mu     sync.Mutex
	send   chan []byte
	closed bool
}

// Send 實現 session.Outbound，緩衝區滿或已關閉時回傳 false
func (c *Connection) Send(data []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// close 關閉發送通道，writePump 收到後送出 close frame 並關閉底層連線
func (c *Connection) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}
	c.closed = true
	close(c.send)
}

func (c *Connection) readPump() {
	defer func() {
		c.hub.disconnect(c)
		_ = c.ws.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.hub.logger.Warn("websocket read error", "player_id", c.user.ID(), "error", err)
			}
			return
		}
		if messageType != websocket.TextMessage {
			continue
		}

		ctx, cancel := context.WithTimeout(c.requestContext(), requestTimeout)
		c.handle(ctx, data)
		cancel()
	}
}

func (c *Connection) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Connection) requestContext() context.Context {
	ctx := logger.WithPlayerID(context.Background(), c.user.ID())
	return logger.WithRequestID(ctx, uuid.NewString())
}

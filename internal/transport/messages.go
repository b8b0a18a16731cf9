package transport

import (
	"context"
	"encoding/json"

	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
)

// 客戶端訊息類型
const (
	MsgMatchRequest     = "match_request"
	MsgMatchCancel      = "match_cancel"
	MsgGameStartRequest = "game_start_request"
	MsgPing             = "ping"
)

// 伺服器回應類型
const (
	MsgMatchResponse       = "match_response"
	MsgMatchCancelResponse = "match_cancel_response"
	MsgPong                = "pong"
	MsgError               = "error"
)

// ClientMessage 客戶端送來的訊息
type ClientMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// MatchRequest match_request 的內容
type MatchRequest struct {
	Species string `json:"species"`
}

// MatchResponse match_request 的回應
type MatchResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// ErrorPayload 錯誤回應
type ErrorPayload struct {
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

func (c *Connection) handle(ctx context.Context, data []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.reply(ctx, MsgError, ErrorPayload{ErrorCode: apperrors.ErrCodeInvalidInput, ErrorMessage: "malformed message"})
		return
	}

	switch msg.Type {
	case MsgMatchRequest:
		c.handleMatchRequest(ctx, msg.Payload)
	case MsgMatchCancel:
		c.handleMatchCancel(ctx)
	case MsgGameStartRequest:
		if err := c.hub.games.RequestStart(ctx, c.user.ID()); err != nil {
			c.replyError(ctx, err)
		}
	case MsgPing:
		c.reply(ctx, MsgPong, nil)
	default:
		c.hub.logger.DebugContext(ctx, "unknown message type", "type", msg.Type)
		c.reply(ctx, MsgError, ErrorPayload{ErrorCode: apperrors.ErrCodeInvalidInput, ErrorMessage: "unknown message type"})
	}
}

func (c *Connection) handleMatchRequest(ctx context.Context, raw json.RawMessage) {
	var req MatchRequest
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &req); err != nil {
			c.reply(ctx, MsgMatchResponse, MatchResponse{Message: "malformed match request", ErrorCode: apperrors.ErrCodeInvalidInput})
			return
		}
	}

	faction, err := matchmaking.ParseFaction(req.Species)
	if err != nil {
		c.reply(ctx, MsgMatchResponse, MatchResponse{Message: "invalid species", ErrorCode: apperrors.CodeOf(err)})
		return
	}

	res, err := c.hub.matcher.Join(ctx, c.user.ID(), faction)
	resp := MatchResponse{Success: res.Success, Message: res.Message}
	if err != nil {
		resp.ErrorCode = apperrors.CodeOf(err)
	}
	c.reply(ctx, MsgMatchResponse, resp)
}

func (c *Connection) handleMatchCancel(ctx context.Context) {
	faction, queued := c.user.Matchmaking()
	if !queued {
		c.reply(ctx, MsgMatchCancelResponse, MatchResponse{Success: true, Message: "Not in queue"})
		return
	}

	if err := c.hub.matcher.Cancel(ctx, c.user.ID(), faction); err != nil {
		c.reply(ctx, MsgMatchCancelResponse, MatchResponse{Message: "cancel failed", ErrorCode: apperrors.CodeOf(err)})
		return
	}
	c.reply(ctx, MsgMatchCancelResponse, MatchResponse{Success: true, Message: "Removed from queue"})
}

func (c *Connection) replyError(ctx context.Context, err error) {
	c.reply(ctx, MsgError, ErrorPayload{ErrorCode: apperrors.CodeOf(err), ErrorMessage: err.Error()})
}

func (c *Connection) reply(ctx context.Context, kind string, payload any) {
	if err := c.user.SendPacket(kind, payload); err != nil {
		c.hub.logger.WarnContext(ctx, "reply dropped", "type", kind, "error", err)
	}
}

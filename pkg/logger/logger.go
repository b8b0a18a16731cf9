// Package logger 提供結構化日誌功能
package logger

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"time"
)

// contextKey 用於上下文的鍵類型
type contextKey string

const (
	// TickIDKey 配對循環 tick ID 的上下文鍵
	TickIDKey contextKey = "tick_id"
	// PlayerIDKey 玩家 ID 的上下文鍵
	PlayerIDKey contextKey = "player_id"
	// RequestIDKey 請求 ID 的上下文鍵
	RequestIDKey contextKey = "request_id"
)

// New 建立日誌記錄器
//
// format 為 "json" 時輸出 JSON，其餘輸出 text。
// 回傳的 logger 會從 context 帶出 tick_id / player_id / request_id，
// 呼叫端需使用 InfoContext、ErrorContext 等方法。
func New(level, format string, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     ParseLevel(level),
		AddSource: strings.EqualFold(level, "debug"),
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				if t, ok := a.Value.Any().(time.Time); ok {
					a.Value = slog.StringValue(t.Format("2006-01-02 15:04:05.000"))
				}
			}
			return a
		},
	}

	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(&contextHandler{Handler: handler})
}

// Discard 回傳丟棄所有輸出的 logger（測試用）
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

// ParseLevel 解析日誌級別
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// contextHandler 從上下文中提取資訊的處理器
type contextHandler struct {
	slog.Handler
}

// Handle 處理日誌記錄
func (h *contextHandler) Handle(ctx context.Context, r slog.Record) error {
	if tickID, ok := ctx.Value(TickIDKey).(string); ok && tickID != "" {
		r.AddAttrs(slog.String(string(TickIDKey), tickID))
	}

	if playerID, ok := ctx.Value(PlayerIDKey).(string); ok && playerID != "" {
		r.AddAttrs(slog.String(string(PlayerIDKey), playerID))
	}

	if requestID, ok := ctx.Value(RequestIDKey).(string); ok && requestID != "" {
		r.AddAttrs(slog.String(string(RequestIDKey), requestID))
	}

	return h.Handler.Handle(ctx, r)
}

// WithAttrs 保留 contextHandler 包裝
func (h *contextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithAttrs(attrs)}
}

// WithGroup 保留 contextHandler 包裝
func (h *contextHandler) WithGroup(name string) slog.Handler {
	return &contextHandler{Handler: h.Handler.WithGroup(name)}
}

// WithTickID 添加 tick ID 到上下文
func WithTickID(ctx context.Context, tickID string) context.Context {
	return context.WithValue(ctx, TickIDKey, tickID)
}

// WithPlayerID 添加玩家 ID 到上下文
func WithPlayerID(ctx context.Context, playerID string) context.Context {
	return context.WithValue(ctx, PlayerIDKey, playerID)
}

// WithRequestID 添加請求 ID 到上下文
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

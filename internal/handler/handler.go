// Package handler 提供配對服務的 HTTP API
package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/koopa0/system-design/14-matchmaking/internal/history"
	"github.com/koopa0/system-design/14-matchmaking/internal/matchmaking"
	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
	"github.com/koopa0/system-design/14-matchmaking/pkg/logger"
)

// Matcher 配對服務中 HTTP 層用到的部分
type Matcher interface {
	Join(ctx context.Context, playerID string, faction matchmaking.Faction) (matchmaking.JoinResult, error)
	Cancel(ctx context.Context, playerID string, faction matchmaking.Faction) error
	Stats(ctx context.Context) (matchmaking.QueueStats, error)
}

// History 配對歷史查詢（可選）
type History interface {
	RecentMatches(ctx context.Context, limit int) ([]history.MatchRecord, error)
}

// Check 就緒檢查項目
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

// Handler HTTP 請求處理器
type Handler struct {
	matcher Matcher
	history History
	checks  []Check
	ws      http.HandlerFunc
	logger  *slog.Logger
}

// Option 選項
type Option func(*Handler)

// WithHistory 啟用歷史查詢端點
func WithHistory(h History) Option {
	return func(hd *Handler) { hd.history = h }
}

// WithReadyCheck 加入就緒檢查
func WithReadyCheck(name string, ping func(ctx context.Context) error) Option {
	return func(hd *Handler) { hd.checks = append(hd.checks, Check{Name: name, Ping: ping}) }
}

// WithWebSocket 掛上 WebSocket 端點
func WithWebSocket(ws http.HandlerFunc) Option {
	return func(hd *Handler) { hd.ws = ws }
}

// New 創建 HTTP 處理器
func New(matcher Matcher, log *slog.Logger, opts ...Option) *Handler {
	h := &Handler{matcher: matcher, logger: log}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Routes 設定路由
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	// 中間件鏈：日誌 -> 恢復 -> 業務處理
	wrap := func(handler http.HandlerFunc) http.HandlerFunc {
		return h.loggerMiddleware(h.recoverer(handler))
	}

	mux.HandleFunc("POST /api/v1/matchmaking/{faction}/join", wrap(h.join))
	mux.HandleFunc("DELETE /api/v1/matchmaking/{faction}/players/{player_id}", wrap(h.cancel))
	mux.HandleFunc("GET /api/v1/matchmaking/stats", wrap(h.stats))
	if h.history != nil {
		mux.HandleFunc("GET /api/v1/matchmaking/history", wrap(h.recent))
	}

	// WebSocket 升級後連線被接管，不經過日誌中間件的狀態碼包裝
	if h.ws != nil {
		mux.HandleFunc("GET /ws", h.recoverer(h.ws))
	}

	mux.HandleFunc("GET /health", wrap(h.health))
	mux.HandleFunc("GET /ready", wrap(h.ready))

	return mux
}

type joinRequest struct {
	PlayerID string `json:"player_id"`
}

type joinResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type errorResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
}

// join 處理加入佇列請求
func (h *Handler) join(w http.ResponseWriter, r *http.Request) {
	faction, err := matchmaking.ParseFaction(r.PathValue("faction"))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}

	var req joinRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, "invalid request body", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
		return
	}

	res, err := h.matcher.Join(r.Context(), req.PlayerID, faction)
	if err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(statusOf(err))
		h.encode(w, joinResponse{Success: false, Message: res.Message, Code: apperrors.CodeOf(err)})
		return
	}

	h.respondJSON(w, http.StatusOK, joinResponse{Success: res.Success, Message: res.Message})
}

// cancel 處理離開佇列請求，冪等
func (h *Handler) cancel(w http.ResponseWriter, r *http.Request) {
	faction, err := matchmaking.ParseFaction(r.PathValue("faction"))
	if err != nil {
		h.respondAppError(w, r, err)
		return
	}
	playerID := r.PathValue("player_id")

	if err := h.matcher.Cancel(r.Context(), playerID, faction); err != nil {
		h.respondAppError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// stats 佇列長度
func (h *Handler) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.matcher.Stats(r.Context())
	if err != nil {
		h.respondAppError(w, r, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "queue stats"))
		return
	}
	h.respondJSON(w, http.StatusOK, stats)
}

// recent 最近的配對歷史
func (h *Handler) recent(w http.ResponseWriter, r *http.Request) {
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 || n > 100 {
			h.respondError(w, "limit must be between 1 and 100", apperrors.ErrCodeInvalidInput, http.StatusBadRequest)
			return
		}
		limit = n
	}

	records, err := h.history.RecentMatches(r.Context(), limit)
	if err != nil {
		h.respondAppError(w, r, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "match history"))
		return
	}
	h.respondJSON(w, http.StatusOK, map[string]any{"matches": records})
}

// health 存活檢查
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

// ready 就緒檢查：每個依賴都能連通
func (h *Handler) ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	for _, c := range h.checks {
		if err := c.Ping(ctx); err != nil {
			h.logger.WarnContext(ctx, "readiness check failed", "check", c.Name, "error", err)
			h.respondError(w, c.Name+" not ready", apperrors.ErrCodeUnavailable, http.StatusServiceUnavailable)
			return
		}
	}

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "Ready")
}

// loggerMiddleware 記錄請求日誌，並在 context 帶上 request_id
func (h *Handler) loggerMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)
		r = r.WithContext(logger.WithRequestID(r.Context(), requestID))

		ww := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next(ww, r)

		h.logger.InfoContext(r.Context(), "http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.statusCode,
			"duration", time.Since(start),
			"remote", r.RemoteAddr,
		)
	}
}

// recoverer 恢復 panic
func (h *Handler) recoverer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				h.logger.ErrorContext(r.Context(), "panic recovered", "error", err)
				h.respondError(w, "internal server error", apperrors.ErrCodeInternal, http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

// statusOf 錯誤碼對應 HTTP 狀態碼
func statusOf(err error) int {
	switch apperrors.CodeOf(err) {
	case apperrors.ErrCodeInvalidInput:
		return http.StatusBadRequest
	case apperrors.ErrCodeNotFound, apperrors.ErrCodePlayerNotConnected:
		return http.StatusNotFound
	case apperrors.ErrCodeAlreadyQueued, apperrors.ErrCodeAlreadyExists, apperrors.ErrCodeGameFull:
		return http.StatusConflict
	case apperrors.ErrCodeUnavailable, apperrors.ErrCodeSessionLimit:
		return http.StatusServiceUnavailable
	case apperrors.ErrCodeTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func (h *Handler) respondAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed", "path", r.URL.Path, "error", err)
	}

	message := err.Error()
	if appErr, ok := err.(*apperrors.AppError); ok {
		message = appErr.Message
	}
	h.respondError(w, message, apperrors.CodeOf(err), status)
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	h.encode(w, data)
}

func (h *Handler) respondError(w http.ResponseWriter, message, code string, status int) {
	h.respondJSON(w, status, errorResponse{Success: false, Error: message, Code: code})
}

func (h *Handler) encode(w http.ResponseWriter, data any) {
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// responseWriter 包裝以捕獲狀態碼
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (w *responseWriter) WriteHeader(code int) {
	if !w.written {
		w.statusCode = code
		w.written = true
		w.ResponseWriter.WriteHeader(code)
	}
}

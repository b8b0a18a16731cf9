// Package errors 提供配對服務的應用程式錯誤
package errors

import (
	"errors"
	"fmt"
)

// 定義錯誤碼
const (
	// ErrCodeNotFound 資源未找到
	ErrCodeNotFound = "NOT_FOUND"
	// ErrCodeAlreadyExists 資源已存在
	ErrCodeAlreadyExists = "ALREADY_EXISTS"
	// ErrCodeInvalidInput 無效輸入
	ErrCodeInvalidInput = "INVALID_INPUT"
	// ErrCodeInternal 內部錯誤
	ErrCodeInternal = "INTERNAL_ERROR"
	// ErrCodeTimeout 超時錯誤
	ErrCodeTimeout = "TIMEOUT"
	// ErrCodeUnavailable 服務不可用
	ErrCodeUnavailable = "SERVICE_UNAVAILABLE"

	// ErrCodeAlreadyQueued 玩家已在配對佇列中
	ErrCodeAlreadyQueued = "ALREADY_QUEUED"
	// ErrCodePlayerNotConnected 玩家沒有存活連線
	ErrCodePlayerNotConnected = "PLAYER_NOT_CONNECTED"
	// ErrCodeMatchTimeout 配對等待超時
	ErrCodeMatchTimeout = "MATCH_TIMEOUT"
	// ErrCodeGameFull 遊戲房間已滿
	ErrCodeGameFull = "GAME_FULL"
	// ErrCodeSessionLimit 遊戲房間數量達上限
	ErrCodeSessionLimit = "SESSION_LIMIT"
)

// AppError 應用程式錯誤
type AppError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Err     error  `json:"-"`
}

// Error 實現 error 介面
func (e *AppError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap 實現 errors.Unwrap
func (e *AppError) Unwrap() error {
	return e.Err
}

// Is 以錯誤碼比對，讓包裝後的錯誤仍能與預定義錯誤相等
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// New 創建新的應用程式錯誤
func New(code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
	}
}

// Wrap 包裝錯誤
func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// WithDetails 回傳帶有詳細資訊的副本
//
// 預定義錯誤是共享的變數，不能原地修改。
func (e *AppError) WithDetails(details string) *AppError {
	cp := *e
	cp.Details = details
	return &cp
}

// 預定義錯誤
var (
	// ErrInvalidFaction 無效的陣營
	ErrInvalidFaction = New(ErrCodeInvalidInput, "invalid faction")

	// ErrInvalidPlayerID 無效的玩家 ID
	ErrInvalidPlayerID = New(ErrCodeInvalidInput, "invalid player id")

	// ErrAlreadyQueued 玩家已在佇列中
	ErrAlreadyQueued = New(ErrCodeAlreadyQueued, "player is already queued")

	// ErrPlayerNotConnected 玩家未連線
	ErrPlayerNotConnected = New(ErrCodePlayerNotConnected, "player is not connected")

	// ErrMatchTimeout 配對超時
	ErrMatchTimeout = New(ErrCodeMatchTimeout, "matchmaking timed out")

	// ErrGameFull 房間已滿
	ErrGameFull = New(ErrCodeGameFull, "game is full")

	// ErrSessionLimit 房間數量上限
	ErrSessionLimit = New(ErrCodeSessionLimit, "game session limit reached")

	// ErrSessionNotFound 房間不存在
	ErrSessionNotFound = New(ErrCodeNotFound, "game session not found")

	// ErrStoreUnavailable 協調存儲不可用
	ErrStoreUnavailable = New(ErrCodeUnavailable, "coordination store unavailable")
)

// CodeOf 取出錯誤碼，非 AppError 時回傳 INTERNAL_ERROR
func CodeOf(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return ErrCodeInternal
}

// IsNotFound 檢查是否為未找到錯誤
func IsNotFound(err error) bool {
	return hasCode(err, ErrCodeNotFound)
}

// IsInvalidInput 檢查是否為無效輸入錯誤
func IsInvalidInput(err error) bool {
	return hasCode(err, ErrCodeInvalidInput)
}

// IsAlreadyQueued 檢查是否為重複加入佇列
func IsAlreadyQueued(err error) bool {
	return hasCode(err, ErrCodeAlreadyQueued)
}

// IsPlayerNotConnected 檢查玩家是否未連線
func IsPlayerNotConnected(err error) bool {
	return hasCode(err, ErrCodePlayerNotConnected)
}

// IsUnavailable 檢查是否為服務不可用
func IsUnavailable(err error) bool {
	return hasCode(err, ErrCodeUnavailable)
}

func hasCode(err error, code string) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code == code
	}
	return false
}

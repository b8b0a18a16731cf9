package errors_test

import (
	stderrors "errors"
	"fmt"
	"testing"

	apperrors "github.com/koopa0/system-design/14-matchmaking/pkg/errors"
	"github.com/stretchr/testify/assert"
)

// TestAppError_Is 測試以錯誤碼比對
func TestAppError_Is(t *testing.T) {
	wrapped := fmt.Errorf("join: %w", apperrors.ErrAlreadyQueued)

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrAlreadyQueued))
	assert.False(t, stderrors.Is(wrapped, apperrors.ErrInvalidFaction))
	assert.True(t, apperrors.IsAlreadyQueued(wrapped))
	assert.False(t, apperrors.IsNotFound(wrapped))
}

// TestAppError_Error 測試錯誤訊息格式
func TestAppError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *apperrors.AppError
		expected string
	}{
		{
			name:     "without cause",
			err:      apperrors.New(apperrors.ErrCodeInvalidInput, "bad faction"),
			expected: "[INVALID_INPUT] bad faction",
		},
		{
			name:     "with cause",
			err:      apperrors.Wrap(stderrors.New("dial tcp: refused"), apperrors.ErrCodeUnavailable, "redis down"),
			expected: "[SERVICE_UNAVAILABLE] redis down: dial tcp: refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.err.Error())
		})
	}
}

// TestAppError_WithDetails 預定義錯誤不應被修改
func TestAppError_WithDetails(t *testing.T) {
	detailed := apperrors.ErrInvalidFaction.WithDetails("BIRD")

	assert.Equal(t, "BIRD", detailed.Details)
	assert.Empty(t, apperrors.ErrInvalidFaction.Details)
	assert.True(t, stderrors.Is(detailed, apperrors.ErrInvalidFaction))
}

// TestCodeOf 測試錯誤碼擷取
func TestCodeOf(t *testing.T) {
	assert.Equal(t, apperrors.ErrCodeMatchTimeout, apperrors.CodeOf(apperrors.ErrMatchTimeout))
	assert.Equal(t, apperrors.ErrCodeInternal, apperrors.CodeOf(stderrors.New("boom")))
	assert.Equal(t, apperrors.ErrCodeUnavailable, apperrors.CodeOf(fmt.Errorf("tick: %w", apperrors.ErrStoreUnavailable)))
}

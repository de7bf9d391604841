package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"not found", DocumentNotFound("a"), KindDocumentNotFound},
		{"wrapped conflict", fmt.Errorf("update: %w", SaveConflict("a", "1-x", nil)), KindSaveConflict},
		{"plain error", stderrors.New("boom"), KindGeneric},
		{"exists", ResourceIDExists("a"), KindResourceIDExists},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, KindOf(tt.err))
		})
	}
}

func TestIsMatchesByKind(t *testing.T) {
	err := fmt.Errorf("ctx: %w", DocumentNotFound("x"))
	assert.True(t, stderrors.Is(err, DocumentNotFound("other")))
	assert.False(t, stderrors.Is(err, NoResourceID()))
	assert.True(t, IsNotFound(err))
	assert.False(t, IsSaveConflict(err))
	assert.False(t, IsKind(nil, KindGeneric))
}

func TestHTTPStatus(t *testing.T) {
	assert.Equal(t, http.StatusConflict, SaveConflict("a", "1-a", nil).HTTPStatus())
	assert.Equal(t, http.StatusNotFound, DocumentNotFound("a").HTTPStatus())
	assert.Equal(t, http.StatusBadRequest, InvalidDocument("a", "no category").HTTPStatus())
	assert.Equal(t, http.StatusInternalServerError, Generic("x", nil).HTTPStatus())
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Generic("engine write failed", stderrors.New("disk full"))
	assert.Contains(t, err.Error(), "disk full")
	assert.Contains(t, err.Error(), "GENERIC_ERROR")
	assert.Equal(t, "disk full", stderrors.Unwrap(err).Error())
}

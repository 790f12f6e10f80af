// ABOUTME: Tests for the error taxonomy
// ABOUTME: Covers kind matching, unwrapping, messages, and HTTP status mapping

package apperr

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsKindAndCause(t *testing.T) {
	err := E(ErrSend, "bot.Send", io.ErrUnexpectedEOF)

	assert.True(t, errors.Is(err, ErrSend))
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.False(t, errors.Is(err, ErrReceive))
}

func TestError_WrappedStillMatches(t *testing.T) {
	err := fmt.Errorf("outer: %w", E(ErrNotFound, "registry.FindByToken", nil))

	assert.True(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, ErrNotFound, KindOf(err))
	assert.Equal(t, http.StatusNotFound, HTTPStatus(err))
}

func TestError_Strings(t *testing.T) {
	assert.Equal(t, "send error", E(ErrSend, "", nil).Error())
	assert.Equal(t, "op: send error", E(ErrSend, "op", nil).Error())
	assert.Equal(t, "send error: boom", Errorf(ErrSend, "", "boom").Error())
	assert.Equal(t, "op: send error: boom", Errorf(ErrSend, "op", "boom").Error())
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "Rate limit exceeded", Message(Errorf(ErrSend, "bot.Send", "Rate limit exceeded")))
	assert.Equal(t, "receive error", Message(E(ErrReceive, "bot.Receive", nil)))
	assert.Equal(t, "plain", Message(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{E(ErrBadRequest, "", nil), http.StatusBadRequest},
		{E(ErrUnauthorized, "", nil), http.StatusUnauthorized},
		{E(ErrForbidden, "", nil), http.StatusForbidden},
		{E(ErrVerificationRequest, "", nil), http.StatusBadGateway},
		{E(ErrSend, "", nil), http.StatusInternalServerError},
		{E(ErrInitialization, "", nil), http.StatusInternalServerError},
		{errors.New("unknown"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, HTTPStatus(tt.err), tt.err.Error())
	}
}

package voice

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestError_Message(t *testing.T) {
	err := NewDeviceError("open capture device", errors.New("permission denied"))
	assert.Equal(t, "DEVICE_ERROR: open capture device: permission denied", err.Error())

	err = NewConfigError("bad endpoint")
	assert.Equal(t, "CONFIG_INVALID: bad endpoint", err.Error())

	wrapped := WrapError(errors.New("boom"), ErrCodeTransport)
	assert.Equal(t, "TRANSPORT_ERROR: boom", wrapped.Error(), "cause text is not repeated")
	assert.Nil(t, WrapError(nil, ErrCodeTransport))
}

func TestError_Details(t *testing.T) {
	err := NewTransportError("dial", nil).AddDetail("status", 401).AddDetail("attempt", 1)
	v, ok := err.GetDetail("status")
	require.True(t, ok)
	assert.Equal(t, 401, v)
	_, ok = err.GetDetail("missing")
	assert.False(t, ok)
	assert.Equal(t, "attempt=1 status=401", err.DetailString())
	assert.Empty(t, NewTimeoutError("slow").DetailString())
}

func TestIsErrorCode_Chain(t *testing.T) {
	inner := NewDecodeError("bad frame", nil)
	outer := NewTransportError("read", inner)
	wrapped := fmt.Errorf("session: %w", outer)

	assert.True(t, IsErrorCode(wrapped, ErrCodeTransport))
	assert.True(t, IsErrorCode(wrapped, ErrCodeDecode))
	assert.False(t, IsErrorCode(wrapped, ErrCodeDevice))
	assert.False(t, IsErrorCode(errors.New("plain"), ErrCodeDevice))
	assert.False(t, IsErrorCode(nil, ErrCodeDevice))

	assert.Equal(t, ErrCodeTransport, ErrorCode(wrapped))
	assert.Empty(t, ErrorCode(errors.New("plain")))
}

func TestIsSessionFatal(t *testing.T) {
	assert.True(t, IsSessionFatal(NewDeviceError("gone", nil)))
	assert.True(t, IsSessionFatal(NewTransportError("reset", nil)))
	assert.False(t, IsSessionFatal(NewDecodeError("bad", nil)))
	assert.False(t, IsSessionFatal(NewOutputError("late", nil)))
	assert.False(t, IsSessionFatal(NewChatError("down", nil)))
	assert.False(t, IsSessionFatal(NewAuthError("nope", nil)))
}

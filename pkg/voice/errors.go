package voice

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Error codes as constants
const (
	ErrCodeDevice        = "DEVICE_ERROR"
	ErrCodeTransport     = "TRANSPORT_ERROR"
	ErrCodeDecode        = "DECODE_ERROR"
	ErrCodeOutput        = "OUTPUT_ERROR"
	ErrCodeConfigInvalid = "CONFIG_INVALID"
	ErrCodeAuthFailed    = "AUTH_FAILED"
	ErrCodeChatFailed    = "CHAT_FAILED"
	ErrCodeQuotaExceeded = "QUOTA_EXCEEDED"
	ErrCodeTimeout       = "TIMEOUT_ERROR"
	ErrCodeUnknown       = "UNKNOWN_ERROR"
)

// ErrSessionClosed is returned when sending on a protocol session that has ended.
var ErrSessionClosed = errors.New("voice: protocol session closed")

// Error is a coded error with optional structured details.
type Error struct {
	Code      string
	Message   string
	Details   map[string]interface{}
	Timestamp time.Time
	err       error
}

func (e *Error) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Code)
	sb.WriteString(": ")
	sb.WriteString(e.Message)
	if e.err != nil && e.err.Error() != e.Message {
		sb.WriteString(": ")
		sb.WriteString(e.err.Error())
	}
	return sb.String()
}

func (e *Error) Unwrap() error {
	return e.err
}

// NewError creates an error with the given message and code.
func NewError(message, code string) *Error {
	return &Error{
		Code:      code,
		Message:   message,
		Timestamp: time.Now(),
	}
}

// AddDetail attaches a key/value pair and returns the receiver for chaining.
func (e *Error) AddDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// GetDetail returns a detail previously attached with AddDetail.
func (e *Error) GetDetail(key string) (interface{}, bool) {
	if e.Details == nil {
		return nil, false
	}
	value, exists := e.Details[key]
	return value, exists
}

// DetailString renders details in key order, for log lines.
func (e *Error) DetailString() string {
	if len(e.Details) == 0 {
		return ""
	}
	keys := make([]string, 0, len(e.Details))
	for k := range e.Details {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, e.Details[k]))
	}
	return strings.Join(parts, " ")
}

// Specific error creators with common codes
func NewDeviceError(message string, cause error) *Error {
	return WrapErrorMessage(cause, message, ErrCodeDevice)
}

func NewTransportError(message string, cause error) *Error {
	return WrapErrorMessage(cause, message, ErrCodeTransport)
}

func NewDecodeError(message string, cause error) *Error {
	return WrapErrorMessage(cause, message, ErrCodeDecode)
}

func NewOutputError(message string, cause error) *Error {
	return WrapErrorMessage(cause, message, ErrCodeOutput)
}

func NewConfigError(message string) *Error {
	return NewError(message, ErrCodeConfigInvalid)
}

func NewAuthError(message string, cause error) *Error {
	return WrapErrorMessage(cause, message, ErrCodeAuthFailed)
}

func NewChatError(message string, cause error) *Error {
	return WrapErrorMessage(cause, message, ErrCodeChatFailed)
}

func NewTimeoutError(message string) *Error {
	return NewError(message, ErrCodeTimeout)
}

// WrapError wraps err with the given code, using err's text as the message.
func WrapError(err error, code string) *Error {
	if err == nil {
		return nil
	}
	return WrapErrorMessage(err, err.Error(), code)
}

// WrapErrorMessage wraps err (which may be nil) under a new message and code.
func WrapErrorMessage(err error, message, code string) *Error {
	e := NewError(message, code)
	e.err = err
	return e
}

// IsErrorCode reports whether any *Error in err's chain carries code.
func IsErrorCode(err error, code string) bool {
	var e *Error
	for err != nil {
		if !errors.As(err, &e) {
			return false
		}
		if e.Code == code {
			return true
		}
		err = e.err
	}
	return false
}

// ErrorCode returns the code of the outermost *Error in err's chain, or "".
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsSessionFatal reports whether err invalidates the voice session. Decode
// and output errors are absorbed by the session; device and transport
// errors end it.
func IsSessionFatal(err error) bool {
	return IsErrorCode(err, ErrCodeDevice) || IsErrorCode(err, ErrCodeTransport)
}

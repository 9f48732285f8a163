package wire

import (
	"fmt"

	ssz "github.com/ferranbt/fastssz"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
)

// Error represents a protocol error returned in place of a response
type Error struct {
	Code       uint16  // Error code
	Reason     string  // Human-readable error message
	RetryAfter *uint32 // Optional retry delay in seconds
}

// NewError creates a new protocol error
func NewError(code uint16, reason string) *Error {
	return &Error{
		Code:   code,
		Reason: reason,
	}
}

// NewErrorWithRetry creates a new protocol error with retry-after
func NewErrorWithRetry(code uint16, reason string, retryAfter uint32) *Error {
	return &Error{
		Code:       code,
		Reason:     reason,
		RetryAfter: &retryAfter,
	}
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.RetryAfter != nil {
		return fmt.Sprintf("histnet error %d: %s (retry after %ds)", e.Code, e.Reason, *e.RetryAfter)
	}
	return fmt.Sprintf("histnet error %d: %s", e.Code, e.Reason)
}

// IsRetryable returns true if the error suggests retrying
func (e *Error) IsRetryable() bool {
	return e.RetryAfter != nil || e.Code == constants.ErrorRateLimit
}

// MarshalSSZ encodes the error as code u16 || retryAfter u32 || reason
func (e *Error) MarshalSSZ() []byte {
	buf := make([]byte, 0, 6+len(e.Reason))
	buf = ssz.MarshalUint16(buf, e.Code)
	var retry uint32
	if e.RetryAfter != nil {
		retry = *e.RetryAfter
	}
	buf = ssz.MarshalUint32(buf, retry)
	return append(buf, e.Reason...)
}

// DecodeError parses an encoded protocol error
func DecodeError(buf []byte) (*Error, error) {
	if len(buf) < 6 {
		return nil, ssz.ErrSize
	}
	e := &Error{
		Code:   ssz.UnmarshallUint16(buf[0:2]),
		Reason: string(buf[6:]),
	}
	if retry := ssz.UnmarshallUint32(buf[2:6]); retry != 0 {
		e.RetryAfter = &retry
	}
	return e, nil
}

// ErrorCodeName returns the human-readable name for an error code
func ErrorCodeName(code uint16) string {
	switch code {
	case constants.ErrorMalformed:
		return "MALFORMED"
	case constants.ErrorUnknownMessage:
		return "UNKNOWN_MESSAGE"
	case constants.ErrorTooLarge:
		return "TOO_LARGE"
	case constants.ErrorRateLimit:
		return "RATE_LIMIT"
	case constants.ErrorVersionMismatch:
		return "VERSION_MISMATCH"
	case constants.ErrorNotFound:
		return "NOT_FOUND"
	default:
		return fmt.Sprintf("UNKNOWN_%d", code)
	}
}

// Common error constructors

// ErrMalformed creates a malformed-message error
func ErrMalformed(reason string) *Error {
	return NewError(constants.ErrorMalformed, reason)
}

// ErrUnknownMessage creates an unknown message code error
func ErrUnknownMessage(code byte) *Error {
	return NewError(constants.ErrorUnknownMessage, fmt.Sprintf("unknown message code 0x%02x", code))
}

// ErrTooLarge creates a size limit error
func ErrTooLarge(size, limit int) *Error {
	return NewError(constants.ErrorTooLarge, fmt.Sprintf("message of %d bytes exceeds limit %d", size, limit))
}

// ErrRateLimit creates a rate limit error with retry-after
func ErrRateLimit(retryAfter uint32) *Error {
	return NewErrorWithRetry(constants.ErrorRateLimit, "rate limit exceeded", retryAfter)
}

// ErrVersionMismatch creates a version mismatch error
func ErrVersionMismatch(expected, actual uint16) *Error {
	return NewError(constants.ErrorVersionMismatch,
		fmt.Sprintf("version mismatch: expected %d, got %d", expected, actual))
}

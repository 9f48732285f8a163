package content

import (
	"errors"
	"fmt"
	"time"

	"github.com/WebFirstLanguage/histnet/pkg/constants"
	"github.com/WebFirstLanguage/histnet/pkg/wire"
)

// ContentError represents content-specific errors
type ContentError struct {
	Code      string    `json:"code"`
	Message   string    `json:"message"`
	Key       *Key      `json:"key,omitempty"`
	Peer      string    `json:"peer,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Retryable bool      `json:"retryable"`
	Cause     error     `json:"-"` // Original error, not serialized
}

// Error implements the error interface
func (e *ContentError) Error() string {
	if e.Key != nil {
		return fmt.Sprintf("content error %s: %s (key: %s)", e.Code, e.Message, e.Key)
	}
	return fmt.Sprintf("content error %s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *ContentError) Unwrap() error {
	return e.Cause
}

// IsRetryable returns whether this error suggests retrying
func (e *ContentError) IsRetryable() bool {
	return e.Retryable
}

// Error codes for content operations
const (
	ErrCodeNetworkFailure  = "NETWORK_FAILURE"
	ErrCodeNotFound        = "NOT_FOUND"
	ErrCodeHashMismatch    = "HASH_MISMATCH"
	ErrCodeInvalidContent  = "INVALID_CONTENT"
	ErrCodeReassembly      = "REASSEMBLY_FAILED"
	ErrCodeInvalidKey      = "INVALID_KEY"
	ErrCodeUnknownType     = "UNKNOWN_TYPE"
	ErrCodeRateLimit       = "RATE_LIMIT"
	ErrCodeInvalidSnapshot = "INVALID_SNAPSHOT"
)

// NewNetworkError creates a network-related error
func NewNetworkError(message string, peer string, cause error) *ContentError {
	return &ContentError{
		Code:      ErrCodeNetworkFailure,
		Message:   message,
		Peer:      peer,
		Timestamp: time.Now(),
		Retryable: true,
		Cause:     cause,
	}
}

// NewNotFoundError creates a not-found error for key
func NewNotFoundError(key Key) *ContentError {
	return &ContentError{
		Code:      ErrCodeNotFound,
		Message:   "content not found",
		Key:       &key,
		Timestamp: time.Now(),
		Retryable: true,
	}
}

// NewHashMismatchError is returned when content does not hash to its key
func NewHashMismatchError(key Key, actual fmt.Stringer) *ContentError {
	return &ContentError{
		Code:      ErrCodeHashMismatch,
		Message:   fmt.Sprintf("content hashes to %s", actual),
		Key:       &key,
		Timestamp: time.Now(),
	}
}

// NewInvalidContentError creates a validation error for undecodable content
func NewInvalidContentError(key Key, cause error) *ContentError {
	return &ContentError{
		Code:      ErrCodeInvalidContent,
		Message:   "content failed validation",
		Key:       &key,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewReassemblyError creates an error for a body that cannot form a block
func NewReassemblyError(key Key, cause error) *ContentError {
	return &ContentError{
		Code:      ErrCodeReassembly,
		Message:   "could not reassemble block",
		Key:       &key,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewInvalidKeyError creates a content key parse error
func NewInvalidKeyError(message string, cause error) *ContentError {
	return &ContentError{
		Code:      ErrCodeInvalidKey,
		Message:   message,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// NewUnknownTypeError is returned for a selector outside the known set
func NewUnknownTypeError(t Type) *ContentError {
	return &ContentError{
		Code:      ErrCodeUnknownType,
		Message:   fmt.Sprintf("unknown content type selector %d", uint8(t)),
		Timestamp: time.Now(),
	}
}

// NewInvalidSnapshotError is returned for an accumulator snapshot that
// does not decode
func NewInvalidSnapshotError(key Key, cause error) *ContentError {
	return &ContentError{
		Code:      ErrCodeInvalidSnapshot,
		Message:   "invalid accumulator snapshot",
		Key:       &key,
		Timestamp: time.Now(),
		Cause:     cause,
	}
}

// IsNotFound checks if an error reports missing content
func IsNotFound(err error) bool {
	var contentErr *ContentError
	if errors.As(err, &contentErr) {
		return contentErr.Code == ErrCodeNotFound
	}
	return false
}

// IsValidationError checks if an error is a content rejection
func IsValidationError(err error) bool {
	var contentErr *ContentError
	if errors.As(err, &contentErr) {
		switch contentErr.Code {
		case ErrCodeHashMismatch, ErrCodeInvalidContent, ErrCodeReassembly, ErrCodeInvalidSnapshot:
			return true
		}
	}
	return false
}

// IsRetryableError checks if an error suggests retrying
func IsRetryableError(err error) bool {
	var contentErr *ContentError
	if errors.As(err, &contentErr) {
		return contentErr.Retryable
	}
	return false
}

// WrapWireError converts a wire protocol error to a content error
func WrapWireError(wireErr *wire.Error, key *Key, peer string) *ContentError {
	var code string
	var retryable bool

	switch wireErr.Code {
	case constants.ErrorNotFound:
		code = ErrCodeNotFound
		retryable = true
	case constants.ErrorRateLimit:
		code = ErrCodeRateLimit
		retryable = true
	case constants.ErrorMalformed, constants.ErrorUnknownMessage:
		code = ErrCodeInvalidKey
	default:
		code = ErrCodeNetworkFailure
		retryable = wireErr.IsRetryable()
	}

	return &ContentError{
		Code:      code,
		Message:   wireErr.Reason,
		Key:       key,
		Peer:      peer,
		Timestamp: time.Now(),
		Retryable: retryable,
		Cause:     wireErr,
	}
}

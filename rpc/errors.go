package rpc

import (
	"fmt"
)

// Server error codes. This is a closed taxonomy: the auth code pauses
// outbound delivery entirely, the permanent codes terminate only the
// affected message, and every other code (including codes unknown to this
// client version) is treated as transient and retried.
const (
	ErrCodeAuthFailed       = "AUTH_FAILED"
	ErrCodeInvalidTimestamp = "INVALID_TIMESTAMP"
	ErrCodeInvalidSignature = "INVALID_SIGNATURE"
	ErrCodeUserNotFound     = "USER_NOT_FOUND"
	ErrCodeSessionExpired   = "SESSION_EXPIRED"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodePayloadTooLarge  = "PAYLOAD_TOO_LARGE"
	ErrCodeDuplicateMessage = "DUPLICATE_MESSAGE"
)

// IsAuthErrorCode returns whether the code signals that the session
// credential itself was rejected. Retrying with the same credential cannot
// succeed.
func IsAuthErrorCode(code string) bool {
	return code == ErrCodeAuthFailed
}

// IsPermanentErrorCode returns whether the code belongs to the closed set
// of non-retryable failures.
func IsPermanentErrorCode(code string) bool {
	switch code {
	case ErrCodeInvalidTimestamp, ErrCodeInvalidSignature,
		ErrCodeUserNotFound, ErrCodePayloadTooLarge,
		ErrCodeDuplicateMessage:
		return true
	}
	return false
}

// ServerError is an error frame returned by the server, tied to the attempt
// identified by RequestID.
type ServerError struct {
	Code      string
	Message   string
	RequestID string
}

func (err ServerError) Error() string {
	return fmt.Sprintf("server error %s: %s", err.Code, err.Message)
}

func (err ServerError) Is(other error) bool {
	otherErr, ok := other.(ServerError)
	if !ok {
		return false
	}
	return otherErr.Code == "" || otherErr.Code == err.Code
}

// MakeServerError builds a ServerError from a decoded error payload and the
// request id of the frame that carried it.
func MakeServerError(payload Error, requestID string) ServerError {
	return ServerError{
		Code:      payload.Code,
		Message:   payload.Message,
		RequestID: requestID,
	}
}

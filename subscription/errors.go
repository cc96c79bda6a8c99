package subscription

import (
	"errors"
	"fmt"
)

// Code classifies errors surfaced to a single subscriber
type Code string

const (
	CodeNotFound         Code = "SUBSCRIPTION_NOT_FOUND"
	CodeUnauthenticated  Code = "UNAUTHENTICATED"
	CodeForbidden        Code = "FORBIDDEN"
	CodeInvalidFilter    Code = "INVALID_FILTER"
	CodeInvalidVariables Code = "INVALID_VARIABLES"
	CodeAlreadyExists    Code = "ALREADY_EXISTS"
	CodeNotActive        Code = "NOT_ACTIVE"
	CodeBufferOverflow   Code = "BUFFER_OVERFLOW"
	CodeDeliveryFailed   Code = "DELIVERY_FAILED"
	CodeInternal         Code = "INTERNAL"
)

// retryable codes: the subscriber may resubscribe and expect to succeed
var retryable = map[Code]bool{
	CodeBufferOverflow: true,
	CodeDeliveryFailed: true,
	CodeInternal:       true,
}

// Error is the payload of an error control frame
type Error struct {
	Code      Code   `json:"code"`
	Retryable bool   `json:"retryable"`
	Message   string `json:"message"`
	// LastSequence is the last sequence delivered before the error, for resume
	LastSequence uint64 `json:"last_sequence,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an Error whose retryability follows its code
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{
		Code:      code,
		Retryable: retryable[code],
		Message:   fmt.Sprintf(format, args...),
	}
}

// AsError extracts an *Error from err, wrapping anything else as INTERNAL
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return Errorf(CodeInternal, "%v", err)
}

// IsCode reports whether err carries the given code
func IsCode(err error, code Code) bool {
	var e *Error
	return errors.As(err, &e) && e.Code == code
}

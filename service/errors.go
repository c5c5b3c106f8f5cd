package service

import (
	"errors"
	"fmt"
	"time"
)

// Error is a client-facing error with a stable wire code. The code is what
// clients switch on; the message is advisory only.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

// Wire codes surfaced to clients on the error event.
const (
	CodeContentTooLong     = "ContentTooLong"
	CodeRateLimitExceeded  = "RateLimitExceeded"
	CodeNotAParticipant    = "NotAParticipant"
	CodeUnauthenticated    = "Unauthenticated"
	CodeStorageUnavailable = "StorageUnavailable"
	CodeInvalidEvent       = "InvalidEvent"
)

var (
	ErrContentTooLong = &Error{
		Code:    CodeContentTooLong,
		Message: "message content exceeds the configured maximum length",
	}
	ErrRateLimitExceeded = &Error{
		Code:    CodeRateLimitExceeded,
		Message: "sender exceeded the message rate limit",
	}
	ErrNotAParticipant = &Error{
		Code:    CodeNotAParticipant,
		Message: "sender is not a participant of this thread",
	}
	ErrUnauthenticated = &Error{
		Code:    CodeUnauthenticated,
		Message: "request needs to be authenticated",
	}
	ErrStorageUnavailable = &Error{
		Code:    CodeStorageUnavailable,
		Message: "message store is unavailable",
	}
	ErrThreadNotFound = &Error{
		Code:    CodeNotAParticipant,
		Message: "thread does not exist",
	}
	ErrInvalidEvent = &Error{
		Code:    CodeInvalidEvent,
		Message: "event payload is malformed",
	}
)

// RateLimitError is a capacity rejection carrying the window reset hint.
// It matches ErrRateLimitExceeded under errors.Is.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("sender exceeded the message rate limit, retry in %s",
		e.RetryAfter.Round(time.Millisecond))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimitExceeded
}

// CodeOf extracts the wire code of an error, defaulting to the storage code
// for anything the taxonomy does not name.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return CodeStorageUnavailable
}

package domain

import (
	"errors"
	"fmt"
)

// Kind classifies an Error so transports can map it without string matching.
type Kind string

const (
	KindUnauthenticated  Kind = "unauthenticated"
	KindPermissionDenied Kind = "permission_denied"
	KindInvalidArgument  Kind = "invalid_argument"
	KindNotFound         Kind = "not_found"
	KindAlreadyExists    Kind = "already_exists"
	KindUnavailable      Kind = "unavailable"
)

// Error is the chat core's error value. Two errors match under errors.Is
// when they share a Kind and the target carries no message of its own.
type Error struct {
	Kind    Kind
	Message string
	Field   *string
}

func (e *Error) Error() string {
	if e.Field != nil {
		return fmt.Sprintf("%s (field: %s): %s", e.Kind, *e.Field, e.Message)
	}
	if e.Message == "" {
		return string(e.Kind)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Message == "" || t.Message == e.Message
}

// Sentinel errors for the application.
var (
	ErrUnauthenticated = &Error{Kind: KindUnauthenticated}
	ErrForbidden       = &Error{Kind: KindPermissionDenied}
	ErrInvalidInput    = &Error{Kind: KindInvalidArgument}
	ErrNotFound        = &Error{Kind: KindNotFound}
	ErrConflict        = &Error{Kind: KindAlreadyExists}
	ErrTransient       = &Error{Kind: KindUnavailable}

	ErrNotMember       = NewAuthorizationError("not a member")
	ErrRoomNotFound    = NewNotFoundError("room not found")
	ErrMessageNotFound = NewNotFoundError("message not found")
	ErrRoomInactive    = NewAuthorizationError("room is not active")
)

// NewAuthError reports a bad or expired token; the connection is refused.
func NewAuthError(message string) *Error {
	return &Error{Kind: KindUnauthenticated, Message: message}
}

// NewAuthorizationError reports an authenticated caller acting outside its rooms.
func NewAuthorizationError(message string) *Error {
	return &Error{Kind: KindPermissionDenied, Message: message}
}

func NewValidationError(field, message string) *Error {
	return &Error{Kind: KindInvalidArgument, Message: message, Field: &field}
}

func NewNotFoundError(message string) *Error {
	return &Error{Kind: KindNotFound, Message: message}
}

// NewTransientError wraps a store timeout. No partial record exists, so the
// caller may retry the same intent.
func NewTransientError(message string) *Error {
	return &Error{Kind: KindUnavailable, Message: message}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" when the
// error is not classified.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Reason is the client-facing text for err. Unclassified errors never leak
// their internals.
func Reason(err error) string {
	var e *Error
	if errors.As(err, &e) {
		if e.Message != "" {
			return e.Message
		}
		return string(e.Kind)
	}
	return "internal error"
}

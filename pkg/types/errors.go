package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies failures so each transport can surface them
// consistently (bad request, conflict, not found, ...).
type ErrorKind string

const (
	KindValidation         ErrorKind = "validation"
	KindConflict           ErrorKind = "conflict"
	KindState              ErrorKind = "state"
	KindNotFound           ErrorKind = "not_found"
	KindStorageUnavailable ErrorKind = "storage_unavailable"
)

// Error carries a kind, a client-safe message and an optional cause.
type Error struct {
	Kind    ErrorKind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrConflict)
// holds for every conflict regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Message == "" || t.Message == e.Message)
}

// Kind sentinels for errors.Is.
var (
	ErrValidation         = &Error{Kind: KindValidation}
	ErrConflict           = &Error{Kind: KindConflict}
	ErrState              = &Error{Kind: KindState}
	ErrNotFound           = &Error{Kind: KindNotFound}
	ErrStorageUnavailable = &Error{Kind: KindStorageUnavailable}
)

// Well-known failures shared by several components.
var (
	ErrEmptyQuestion     = &Error{Kind: KindValidation, Message: "question is required"}
	ErrQuestionTooLong   = &Error{Kind: KindValidation, Message: "question must be at most 100 characters"}
	ErrTooFewOptions     = &Error{Kind: KindValidation, Message: "at least 2 options are required"}
	ErrInvalidOption     = &Error{Kind: KindValidation, Message: "invalid option selected"}
	ErrDuplicateOption   = &Error{Kind: KindValidation, Message: "option ids must be unique"}
	ErrInvalidDuration   = &Error{Kind: KindValidation, Message: "duration must be between 1 and 60 seconds"}
	ErrMissingVoteFields = &Error{Kind: KindValidation, Message: "poll id, student id and option id are required"}
	ErrInvalidName       = &Error{Kind: KindValidation, Message: "name is required and must be at most 50 characters"}
	ErrEmptyChatMessage  = &Error{Kind: KindValidation, Message: "sender name and message are required"}
	ErrChatTooLong       = &Error{Kind: KindValidation, Message: "message is too long"}
	ErrInvalidRole       = &Error{Kind: KindValidation, Message: "role must be 'teacher' or 'student'"}

	ErrPollAlreadyActive = &Error{Kind: KindConflict, Message: "there is already an active poll"}
	ErrAlreadyVoted      = &Error{Kind: KindConflict, Message: "you have already voted on this poll"}

	ErrPollNotActive = &Error{Kind: KindState, Message: "this poll is no longer active"}
	ErrPollExpired   = &Error{Kind: KindState, Message: "poll time has expired"}
	ErrKicked        = &Error{Kind: KindState, Message: "you have been removed from this session"}

	ErrPollNotFound        = &Error{Kind: KindNotFound, Message: "poll not found"}
	ErrParticipantNotFound = &Error{Kind: KindNotFound, Message: "participant not found"}
)

// NewValidationError builds a validation error with a custom message.
func NewValidationError(format string, args ...interface{}) *Error {
	return &Error{Kind: KindValidation, Message: fmt.Sprintf(format, args...)}
}

// Unavailable wraps a store failure. The message stays generic so storage
// details never reach clients.
func Unavailable(op string, err error) *Error {
	return &Error{Kind: KindStorageUnavailable, Message: "storage unavailable: " + op, Err: err}
}

// KindOf returns the kind of err, or storage_unavailable for unclassified
// errors since those only originate from infrastructure.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindStorageUnavailable
}

// PublicMessage is the text safe to send to a client for err.
func PublicMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}

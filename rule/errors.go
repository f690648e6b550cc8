package rule

import (
	"errors"
	"fmt"
)

// ErrorKind classifies engine failures for UI-level recovery flows.
type ErrorKind string

const (
	ErrRuleNotFound     ErrorKind = "RULE_NOT_FOUND"
	ErrRuleNameExists   ErrorKind = "RULE_NAME_EXISTS"
	ErrInvalidRuleType  ErrorKind = "INVALID_RULE_TYPE"
	ErrRuleTypeMismatch ErrorKind = "RULE_TYPE_MISMATCH"
	ErrValidation       ErrorKind = "VALIDATION_ERROR"
	ErrStorage          ErrorKind = "STORAGE_ERROR"
)

// Error is the typed failure every engine operation raises. Details carries
// the inputs that caused the failure so dialogs can offer recovery choices
// (existing matches, suggested alternate names, the rejected action).
type Error struct {
	Kind    ErrorKind
	Message string
	Details map[string]any
	cause   error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Is matches two engine errors by kind, so callers can write
// errors.Is(err, &rule.Error{Kind: rule.ErrRuleNotFound}).
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return e.Kind == t.Kind
}

// NewError builds a typed engine error.
func NewError(kind ErrorKind, message string, details map[string]any) *Error {
	return &Error{Kind: kind, Message: message, Details: details}
}

// WrapStorage wraps a repository failure as STORAGE_ERROR, preserving the
// cause for errors.Unwrap. Repository failures are not retried here.
func WrapStorage(op string, err error) *Error {
	return &Error{
		Kind:    ErrStorage,
		Message: fmt.Sprintf("storage operation %s failed", op),
		Details: map[string]any{"operation": op},
		cause:   err,
	}
}

// KindOf extracts the engine error kind, or "" for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

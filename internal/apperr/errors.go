// Package apperr defines the error kinds surfaced by matching, dedup and review operations.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	KindNotFound    Kind = "not_found"
	KindValidation  Kind = "validation"
	KindUnavailable Kind = "collaborator_unavailable"
	KindMalformed   Kind = "malformed_input"
	KindConflict    Kind = "conflict"
	KindInternal    Kind = "internal"
)

// Error carries a Kind plus the operation that produced it.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	prefix := string(e.Kind)
	if e.Op != "" {
		prefix = e.Op + ": " + prefix
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", prefix, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New builds an *Error.
func New(kind Kind, op, message string, err error) *Error {
	return &Error{Kind: kind, Op: op, Message: message, Err: err}
}

func NotFound(op, message string) *Error {
	return New(KindNotFound, op, message, nil)
}

func Validation(op, message string) *Error {
	return New(KindValidation, op, message, nil)
}

func Unavailable(op, message string, err error) *Error {
	return New(KindUnavailable, op, message, err)
}

func Malformed(op, message string, err error) *Error {
	return New(KindMalformed, op, message, err)
}

func Conflict(op, message string) *Error {
	return New(KindConflict, op, message, nil)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

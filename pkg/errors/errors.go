package errors

import (
	stdErrors "errors"
	"fmt"
)

// Code identifies the broad category an error belongs to. Validation errors
// are the only category that surfaces to callers of the notification service;
// the rest are absorbed by the recovery engine.
type Code string

const (
	CodeValidation  Code = "VALIDATION_ERROR"
	CodeNotFound    Code = "NOT_FOUND"
	CodeConflict    Code = "CONFLICT"
	CodeDependency  Code = "DEPENDENCY_ERROR"
	CodeUnavailable Code = "UNAVAILABLE"
	CodeInternal    Code = "INTERNAL_ERROR"
)

var retryableByCode = map[Code]bool{
	CodeValidation:  false,
	CodeNotFound:    false,
	CodeConflict:    false,
	CodeDependency:  true,
	CodeUnavailable: true,
	CodeInternal:    true,
}

// Retryable reports whether errors carrying the given code are worth retrying.
func Retryable(code Code) bool {
	return retryableByCode[code]
}

type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// As extracts a coded error from an error chain, or nil.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// CodeOf returns the code of err, defaulting to CodeInternal for plain errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	if typed := As(err); typed != nil {
		return typed.Code()
	}
	return CodeInternal
}

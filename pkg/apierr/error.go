package apierr

import (
	"errors"
	"fmt"
)

// Error is an API failure as the pipeline reports it. The cause is kept for
// logs and errors.Is; details travel to the caller alongside the message.
type Error struct {
	code    Code
	status  int
	message string
	details any
	cause   error
}

func New(code Code, status int, message string) *Error {
	return &Error{code: code, status: status, message: message}
}

func Wrap(code Code, status int, message string, cause error) *Error {
	return &Error{code: code, status: status, message: message, cause: cause}
}

// WithDetails returns a copy of e carrying structured context for the caller,
// such as the files that blocked a cleanup.
func (e *Error) WithDetails(details any) *Error {
	c := *e
	c.details = details
	return &c
}

func (e *Error) Error() string {
	msg := string(e.code) + ": " + e.message
	if e.cause != nil {
		msg = fmt.Sprintf("%s (%v)", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

func (e *Error) Code() Code { return e.code }

func (e *Error) Message() string { return e.message }

func (e *Error) Status() int { return e.status }

func (e *Error) Details() any { return e.details }

// Is matches another *Error by code so callers can test against catalog
// entries with errors.Is.
func (e *Error) Is(target error) bool {
	var t *Error
	return errors.As(target, &t) && t.code == e.code
}

// ErrorResponse is the JSON envelope written for every failed request.
type ErrorResponse struct {
	Error ErrorBody `json:"error"`
}

type ErrorBody struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

func (e *Error) Response() ErrorResponse {
	return ErrorResponse{Error: ErrorBody{Code: e.code, Message: e.message, Details: e.details}}
}

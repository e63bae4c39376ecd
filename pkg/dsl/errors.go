package dsl

import "fmt"

// ErrorKind classifies expression failures.
type ErrorKind string

// Error kinds.
const (
	ErrParse ErrorKind = "parse"
	ErrEval  ErrorKind = "eval"
)

// Error is the single error type surfaced by the package. Tool-call code
// detects it with errors.As and reports the failure as a dsl_error without
// performing the HTTP request.
type Error struct {
	Kind    ErrorKind
	Message string
	Pos     int
}

func (e *Error) Error() string {
	return fmt.Sprintf("dsl %s error at %d: %s", e.Kind, e.Pos, e.Message)
}

func parseErrorf(pos int, format string, args ...any) *Error {
	return &Error{Kind: ErrParse, Pos: pos, Message: fmt.Sprintf(format, args...)}
}

func evalErrorf(format string, args ...any) *Error {
	return &Error{Kind: ErrEval, Message: fmt.Sprintf(format, args...)}
}

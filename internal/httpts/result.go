package httpts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
)

// Sentinel errors reported through [Result.Err]. Use errors.Is to match.
var (
	ErrBadStatus = errors.New("httpts: bad http status code")
	ErrShutdown  = errors.New("httpts: shutdown")
)

// StatusError reports a response whose status is not 200 or 206.
type StatusError struct {
	Status string
}

func (e *StatusError) Error() string {
	return "bad http status code:" + e.Status
}

func (e *StatusError) Unwrap() error {
	return ErrBadStatus
}

// Code classifies how a session ended.
type Code int

// Completion codes.
const (
	CodeSuccess Code = iota
	CodeEOF
	CodeTimeout
	CodeShutdown
	CodeOther
)

func (c Code) String() string {
	switch c {
	case CodeSuccess:
		return "success"
	case CodeEOF:
		return "eof"
	case CodeTimeout:
		return "timeout"
	case CodeShutdown:
		return "shutdown"
	case CodeOther:
		return "other"
	default:
		return fmt.Sprintf("code(%d)", int(c))
	}
}

// Result is the terminal outcome of a session.
type Result struct {
	Code    Code
	Message string
	// Err is the cause of a failure, nil on success. Transport failures
	// are carried here unchanged.
	Err error
}

// Success returns the result reported when the body ends normally.
func Success() Result {
	return Result{Code: CodeSuccess, Message: "play completed"}
}

// ResultFromError builds a failure result around err.
func ResultFromError(err error) Result {
	if err == nil {
		return Result{Code: CodeOther, Message: "unknown error", Err: errors.New("httpts: unknown error")}
	}
	return Result{Code: classify(err), Message: err.Error(), Err: err}
}

func classify(err error) Code {
	var netErr net.Error
	switch {
	case errors.Is(err, ErrShutdown), errors.Is(err, context.Canceled):
		return CodeShutdown
	case errors.Is(err, context.DeadlineExceeded):
		return CodeTimeout
	case errors.As(err, &netErr) && netErr.Timeout():
		return CodeTimeout
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF):
		return CodeEOF
	default:
		return CodeOther
	}
}

// OK reports whether the session completed successfully.
func (r Result) OK() bool {
	return r.Code == CodeSuccess
}

func (r Result) String() string {
	return fmt.Sprintf("%s: %s", r.Code, r.Message)
}

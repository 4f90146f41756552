package reftable

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorCode classifies a reftable error into the closed taxonomy of
// spec §7. Every error returned by this package can be classified by
// calling Code on it (after unwrapping with errors.As if necessary).
type ErrorCode int

const (
	// CodeIO covers short reads, write failures and other
	// transport-level failures from a BlockSource or io.Writer.
	CodeIO ErrorCode = iota + 1
	// CodeFormat covers magic mismatch, bad version, footer/header
	// disagreement, CRC mismatch, unknown hash id, and any other
	// on-disk structural inconsistency.
	CodeFormat
	// CodeAPI covers contract violations by the caller: iterator
	// used after close, records fed out of order, wrong record
	// kind for a section.
	CodeAPI
	// CodeOutOfSpace is a soft error: the writer's sink refused a
	// write because the table outgrew its configured limit.
	CodeOutOfSpace
	// CodeNotExist means a file-backed BlockSource was asked to
	// open a path that does not exist.
	CodeNotExist
)

func (c ErrorCode) String() string {
	switch c {
	case CodeIO:
		return "io"
	case CodeFormat:
		return "format"
	case CodeAPI:
		return "api"
	case CodeOutOfSpace:
		return "out-of-space"
	case CodeNotExist:
		return "not-exist"
	default:
		return "unknown"
	}
}

// Error is the concrete error type returned by this package. It
// carries a closed-set Code alongside a human readable message and an
// optional wrapped cause.
type Error struct {
	code ErrorCode
	msg  string
	err  error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("reftable: %s: %s: %v", e.code, e.msg, e.err)
	}
	return fmt.Sprintf("reftable: %s: %s", e.code, e.msg)
}

// Code reports which of the closed error categories e belongs to.
func (e *Error) Code() ErrorCode { return e.code }

// Unwrap exposes the wrapped cause, if any, to errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.err }

func newErr(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

func wrapErr(code ErrorCode, err error, format string, args ...interface{}) *Error {
	if err == nil {
		return nil
	}
	return &Error{code: code, msg: fmt.Sprintf(format, args...), err: errors.WithStack(err)}
}

func ioErrorf(format string, args ...interface{}) *Error  { return newErr(CodeIO, format, args...) }
func formatErrorf(format string, args ...interface{}) *Error {
	return newErr(CodeFormat, format, args...)
}
func apiErrorf(format string, args ...interface{}) *Error { return newErr(CodeAPI, format, args...) }

// Code extracts the ErrorCode from err, if err (or something it
// wraps) is a *Error. Otherwise it returns 0, false.
func Code(err error) (ErrorCode, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.code, true
	}
	return 0, false
}

// fmtError is returned for the generic "could not decode this block"
// case, grounded on the teacher's package-level fmtError sentinel.
var fmtError = formatErrorf("malformed block")

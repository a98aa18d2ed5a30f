// Package dberr defines the driver-level error carried up from the database
// attachment and decides which of those errors leave the connection unusable.
package dberr

import (
	"errors"
	"fmt"
)

// Server and driver error codes referenced by the XA layer.
const (
	CodeBadDBHandle          = 335544324
	CodeBugCheck             = 335544333
	CodeDBCorrupt            = 335544335
	CodeIOError              = 335544344
	CodeNoRecon              = 335544353
	CodeUnavailable          = 335544375
	CodeConnectReject        = 335544421
	CodeTraState             = 335544468
	CodeShutdown             = 335544528
	CodeNetworkError         = 335544721
	CodeNetConnectErr        = 335544722
	CodeNetConnectListenErr  = 335544723
	CodeNetEventConnectErr   = 335544724
	CodeNetEventListenErr    = 335544725
	CodeNetReadErr           = 335544726
	CodeNetWriteErr          = 335544727
	CodeStackOverflow        = 335544893
	CodeAttShutdown          = 335545069
	CodeConnectionClosed     = 337248277
	CodeConnectionLost       = 337248278
	CodeAttachmentTerminated = 337248279
)

// SQLSTATE used when the server does not supply one.
const SQLStateGeneral = "HY000"

// Error is an error reported by the database attachment.
type Error struct {
	Code     int
	SQLState string
	Message  string
	cause    error
}

// New creates an Error with the general SQLSTATE.
func New(code int, message string) *Error {
	return &Error{Code: code, SQLState: SQLStateGeneral, Message: message}
}

// Newf is New with a formatted message.
func Newf(code int, format string, args ...interface{}) *Error {
	return New(code, fmt.Sprintf(format, args...))
}

// WithState creates an Error carrying an explicit SQLSTATE.
func WithState(code int, sqlState, message string) *Error {
	return &Error{Code: code, SQLState: sqlState, Message: message}
}

// Wrap attaches cause to e and returns e.
func (e *Error) Wrap(cause error) *Error {
	e.cause = cause
	return e
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s [SQLState:%s, code:%d]: %v", e.Message, e.SQLState, e.Code, e.cause)
	}
	return fmt.Sprintf("%s [SQLState:%s, code:%d]", e.Message, e.SQLState, e.Code)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// As returns the outermost *Error in err's chain.
func As(err error) (*Error, bool) {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr, true
	}
	return nil, false
}

// HasCode reports whether any *Error in err's chain carries code.
func HasCode(err error, code int) bool {
	for err != nil {
		if dbErr, ok := err.(*Error); ok && dbErr.Code == code {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

package xa

import (
	"errors"
	"fmt"
)

// ErrorCode is an XA return or error code.
type ErrorCode int

const (
	XAOK         ErrorCode = 0
	XAReadOnly   ErrorCode = 3
	XAHeurMix    ErrorCode = 5
	XAHeurRB     ErrorCode = 6
	XAHeurCom    ErrorCode = 7
	XAHeurHaz    ErrorCode = 8
	XARBRollback ErrorCode = 100

	XAErrRMErr   ErrorCode = -3 // resource manager error
	XAErrNotA    ErrorCode = -4 // xid not known by the resource manager
	XAErrInval   ErrorCode = -5 // invalid arguments
	XAErrProto   ErrorCode = -6 // routine invoked in an improper context
	XAErrRMFail  ErrorCode = -7 // resource manager unavailable
	XAErrDupID   ErrorCode = -8 // xid already exists
	XAErrOutside ErrorCode = -9 // resource manager doing work outside the global transaction
)

var codeNames = map[ErrorCode]string{
	XAOK:         "XA_OK",
	XAReadOnly:   "XA_RDONLY",
	XAHeurMix:    "XA_HEURMIX",
	XAHeurRB:     "XA_HEURRB",
	XAHeurCom:    "XA_HEURCOM",
	XAHeurHaz:    "XA_HEURHAZ",
	XARBRollback: "XA_RBROLLBACK",
	XAErrRMErr:   "XAER_RMERR",
	XAErrNotA:    "XAER_NOTA",
	XAErrInval:   "XAER_INVAL",
	XAErrProto:   "XAER_PROTO",
	XAErrRMFail:  "XAER_RMFAIL",
	XAErrDupID:   "XAER_DUPID",
	XAErrOutside: "XAER_OUTSIDE",
}

func (c ErrorCode) String() string {
	if name, ok := codeNames[c]; ok {
		return name
	}
	return fmt.Sprintf("XA_CODE(%d)", int(c))
}

// IsHeuristic reports whether c signals a heuristic completion.
func (c ErrorCode) IsHeuristic() bool {
	return c == XAHeurMix || c == XAHeurRB || c == XAHeurCom || c == XAHeurHaz
}

// Error is returned by every resource manager operation.
type Error struct {
	Code    ErrorCode `json:"error_code"`
	Message string    `json:"message"`
	Cause   error     `json:"cause,omitempty"`
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("XA Error %d (%s): %s (caused by: %v)", int(e.Code), e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("XA Error %d (%s): %s", int(e.Code), e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is matches the sentinel errors below by code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Message == "" && t.Cause == nil && t.Code == e.Code
}

// Sentinels for errors.Is.
var (
	ErrResourceManager     = &Error{Code: XAErrRMErr}
	ErrNotFound            = &Error{Code: XAErrNotA}
	ErrInvalid             = &Error{Code: XAErrInval}
	ErrProtocol            = &Error{Code: XAErrProto}
	ErrResourceManagerFail = &Error{Code: XAErrRMFail}
	ErrDuplicateID         = &Error{Code: XAErrDupID}
	ErrHeuristicCommit     = &Error{Code: XAHeurCom}
	ErrHeuristicRollback   = &Error{Code: XAHeurRB}
)

// Local transaction errors.
var (
	ErrLocalTransactionActive    = errors.New("local transaction active: can't begin another")
	ErrTransactionAlreadyStarted = errors.New("transaction already started on this connection")
)

func newError(code ErrorCode, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, cause error, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// CodeOf returns the XA code carried by err.
func CodeOf(err error) (ErrorCode, bool) {
	var xaErr *Error
	if errors.As(err, &xaErr) {
		return xaErr.Code, true
	}
	return 0, false
}

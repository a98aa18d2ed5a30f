package dberr

import (
	"errors"
	"io"
	"net"
	"sort"
	"strings"
	"syscall"
)

// fatalCodes is kept sorted; IsFatal binary searches it.
var fatalCodes = []int{
	CodeBadDBHandle,
	CodeBugCheck,
	CodeDBCorrupt,
	CodeIOError,
	CodeUnavailable,
	CodeConnectReject,
	CodeShutdown,
	CodeNetworkError,
	CodeNetConnectErr,
	CodeNetConnectListenErr,
	CodeNetEventConnectErr,
	CodeNetEventListenErr,
	CodeNetReadErr,
	CodeNetWriteErr,
	CodeStackOverflow,
	CodeAttShutdown,
	CodeConnectionClosed,
	CodeConnectionLost,
	CodeAttachmentTerminated,
}

var brokenCodes = []int{
	CodeNetworkError,
	CodeNetConnectErr,
	CodeNetReadErr,
	CodeNetWriteErr,
	CodeConnectionLost,
}

// connection exception
const fatalSQLStateClass = "08"

var fatalSQLStates = map[string]struct{}{
	"53300": {}, // too many connections
	"57P01": {}, // admin shutdown
	"57P02": {}, // crash shutdown
	"57P03": {}, // cannot connect now
	"58030": {}, // io error
	"XX001": {}, // data corrupted
}

var brokenSQLStates = map[string]struct{}{
	"08006": {}, // connection failure
	"08S01": {}, // communication link failure
}

// IsFatal reports whether err leaves the connection unusable. It is true when
// the connection is broken, when the driver error carries a known fatal code,
// or when its SQLSTATE is fatal or malformed.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if IsBrokenConnection(err) {
		return true
	}
	dbErr, ok := As(err)
	if !ok {
		return false
	}
	return isFatalCode(dbErr.Code) || isFatalSQLState(dbErr.SQLState)
}

// IsBrokenConnection reports whether err indicates that no further I/O can
// succeed on the connection: the first driver error in the chain has a socket
// level code or SQLSTATE, or a timeout or socket error appears anywhere in the
// chain.
func IsBrokenConnection(err error) bool {
	if err == nil {
		return false
	}
	if dbErr, ok := As(err); ok {
		for _, code := range brokenCodes {
			if dbErr.Code == code {
				return true
			}
		}
		if _, ok := brokenSQLStates[dbErr.SQLState]; ok {
			return true
		}
	}
	return hasSocketFailure(err)
}

func isFatalCode(code int) bool {
	i := sort.SearchInts(fatalCodes, code)
	return i < len(fatalCodes) && fatalCodes[i] == code
}

func isFatalSQLState(state string) bool {
	if len(state) != 5 {
		return true
	}
	if strings.HasPrefix(state, fatalSQLStateClass) {
		return true
	}
	_, ok := fatalSQLStates[state]
	return ok
}

type timeout interface {
	Timeout() bool
}

func hasSocketFailure(err error) bool {
	if errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	for e := err; e != nil; e = errors.Unwrap(e) {
		if t, ok := e.(timeout); ok && t.Timeout() {
			return true
		}
	}
	return false
}

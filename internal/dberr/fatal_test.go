package dberr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFatalCodesSorted(t *testing.T) {
	assert.True(t, sort.IntsAreSorted(fatalCodes), "fatalCodes must stay sorted for binary search")
}

func TestBrokenCodesAreFatal(t *testing.T) {
	for _, code := range brokenCodes {
		assert.True(t, isFatalCode(code), "broken code %d missing from fatal table", code)
	}
	for state := range brokenSQLStates {
		assert.True(t, isFatalSQLState(state), "broken state %s not fatal", state)
	}
}

func TestIsFatal(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain error", errors.New("boom"), false},
		{"network error code", New(CodeNetworkError, "connection lost"), true},
		{"shutdown code", New(CodeShutdown, "database shutdown"), true},
		{"stack overflow", New(CodeStackOverflow, "stack overflow"), true},
		{"lock conflict", WithState(335544345, "40001", "lock conflict"), false},
		{"transaction state", New(CodeTraState, "transaction is not in limbo"), false},
		{"connection exception class", WithState(1, "08003", "no connection"), true},
		{"admin shutdown state", WithState(1, "57P01", "terminating connection"), true},
		{"malformed sqlstate", WithState(1, "HY", "odd"), true},
		{"empty sqlstate", WithState(1, "", "odd"), true},
		{"wrapped fatal", fmt.Errorf("commit: %w", New(CodeNetReadErr, "read")), true},
		{"timeout in chain", fmt.Errorf("io: %w", context.DeadlineExceeded), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, IsFatal(tc.err))
		})
	}
}

func TestIsBrokenConnection(t *testing.T) {
	netErr := New(CodeNetworkError, "connection lost")
	assert.True(t, IsFatal(netErr))
	assert.True(t, IsBrokenConnection(netErr))

	shutdown := New(CodeShutdown, "database shutdown")
	assert.True(t, IsFatal(shutdown))
	assert.False(t, IsBrokenConnection(shutdown), "fatal but not broken")

	malformed := WithState(1, "bad", "odd")
	assert.True(t, IsFatal(malformed))
	assert.False(t, IsBrokenConnection(malformed))

	assert.True(t, IsBrokenConnection(WithState(1, "08006", "connection failure")))
	assert.False(t, IsBrokenConnection(WithState(1, "08003", "no connection")))

	opErr := &net.OpError{Op: "read", Net: "tcp", Err: errors.New("reset")}
	assert.True(t, IsBrokenConnection(fmt.Errorf("fetch: %w", opErr)))
	assert.True(t, IsBrokenConnection(New(CodeIOError, "io").Wrap(opErr)), "socket failure anywhere in the chain")
}

func TestIsBrokenConnectionUsesFirstDriverError(t *testing.T) {
	inner := New(CodeNetWriteErr, "write failed")
	outer := New(CodeShutdown, "shutdown").Wrap(inner)
	assert.False(t, IsBrokenConnection(outer))
	assert.True(t, IsFatal(outer))
}

func TestErrorFormatting(t *testing.T) {
	err := New(CodeNoRecon, "transaction is not in limbo").Wrap(errors.New("committed"))
	assert.Equal(t, "transaction is not in limbo [SQLState:HY000, code:335544353]: committed", err.Error())
	assert.True(t, HasCode(fmt.Errorf("reconnect: %w", err), CodeNoRecon))
	assert.False(t, HasCode(err, CodeTraState))

	got, ok := As(fmt.Errorf("x: %w", err))
	assert.True(t, ok)
	assert.Same(t, err, got)
}

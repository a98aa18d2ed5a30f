package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/xaconn/internal/xid"
)

func TestParseXidArgs(t *testing.T) {
	x, err := parseXidArgs([]string{"0x1234", "677478", "6231"})
	require.NoError(t, err)
	assert.Equal(t, xid.MustNew(0x1234, []byte("gtx"), []byte("b1")), x)

	x, err = parseXidArgs([]string{"-1", "00"})
	require.NoError(t, err)
	assert.Equal(t, int32(-1), x.FormatID())
	assert.Empty(t, x.BranchID())

	for _, args := range [][]string{
		{"1"},
		{"1", "00", "00", "00"},
		{"one", "00"},
		{"1", "zz"},
		{"1", "00", "0"},
		{"4294967296", "00"},
	} {
		_, err := parseXidArgs(args)
		assert.Error(t, err, args)
	}
}

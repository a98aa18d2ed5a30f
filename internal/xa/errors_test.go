package xa

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Aidin1998/xaconn/internal/dberr"
)

func TestErrorMatchesSentinelByCode(t *testing.T) {
	err := fmt.Errorf("coordinator: %w", newError(XAErrNotA, "commit called with unknown transaction"))
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrProtocol))

	code, ok := CodeOf(err)
	assert.True(t, ok)
	assert.Equal(t, XAErrNotA, code)

	_, ok = CodeOf(errors.New("plain"))
	assert.False(t, ok)
}

func TestErrorFormatting(t *testing.T) {
	cause := dberr.New(335544345, "lock conflict")
	err := wrapError(XAErrRMErr, cause, "commit of %s", testXid("g", "b"))
	assert.Equal(t,
		"XA Error -3 (XAER_RMERR): commit of XID{fmt=4660,gtxn=67,bqual=62} (caused by: lock conflict [SQLState:HY000, code:335544345])",
		err.Error())
	assert.True(t, dberr.HasCode(err, 335544345))
	assert.Equal(t, "XA Error -8 (XAER_DUPID): dup", newError(XAErrDupID, "dup").Error())
}

func TestErrorCodeNames(t *testing.T) {
	assert.Equal(t, "XA_HEURCOM", XAHeurCom.String())
	assert.Equal(t, "XAER_RMFAIL", XAErrRMFail.String())
	assert.Equal(t, "XA_CODE(42)", ErrorCode(42).String())
	assert.True(t, XAHeurRB.IsHeuristic())
	assert.False(t, XAErrRMErr.IsHeuristic())
}

func TestFlagString(t *testing.T) {
	assert.Equal(t, "TMNOFLAGS", TMNoFlags.String())
	assert.Equal(t, "TMENDRSCAN|TMSTARTRSCAN", (TMStartRScan | TMEndRScan).String())
	assert.Equal(t, "TMFAIL|0x1", (TMFail | 1).String())
	assert.Equal(t, "XA_OK", VoteOK.String())
}

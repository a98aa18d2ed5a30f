package xa

import (
	"strings"

	"github.com/Aidin1998/xaconn/internal/dberr"
)

// classifyInLimboFailure is the heuristic text classifier for failures while
// reconnecting to and completing an in-limbo transaction. The server only
// reports "not in limbo" (isc_no_recon) and says in free text whether the
// transaction was committed or rolled back in the meantime, so the message is
// inspected. Replace this with a status code once the attachment reports one.
//
// A no-recon failure whose text matches neither phrase stays XAER_RMERR; it
// is unclear whether it should instead be reported as XA_HEURHAZ.
func classifyInLimboFailure(err error) ErrorCode {
	if !dberr.HasCode(err, dberr.CodeNoRecon) {
		return XAErrRMErr
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "committed"):
		return XAHeurCom
	case strings.Contains(msg, "rolled back"):
		return XAHeurRB
	default:
		return XAErrRMErr
	}
}

package xa

import (
	"fmt"
	"strings"
)

// Flag is an XA flag word.
type Flag int

const (
	TMNoFlags    Flag = 0x00000000
	TMEndRScan   Flag = 0x00800000
	TMStartRScan Flag = 0x01000000
	TMSuspend    Flag = 0x02000000
	TMSuccess    Flag = 0x04000000
	TMResume     Flag = 0x08000000
	TMFail       Flag = 0x20000000
	TMJoin       Flag = 0x00200000
	TMOnePhase   Flag = 0x40000000
)

const recoveryFlags = TMStartRScan | TMEndRScan

var flagNames = []struct {
	flag Flag
	name string
}{
	{TMEndRScan, "TMENDRSCAN"},
	{TMStartRScan, "TMSTARTRSCAN"},
	{TMSuspend, "TMSUSPEND"},
	{TMSuccess, "TMSUCCESS"},
	{TMResume, "TMRESUME"},
	{TMFail, "TMFAIL"},
	{TMJoin, "TMJOIN"},
	{TMOnePhase, "TMONEPHASE"},
}

func (f Flag) String() string {
	if f == TMNoFlags {
		return "TMNOFLAGS"
	}
	var parts []string
	rest := f
	for _, fn := range flagNames {
		if f&fn.flag != 0 {
			parts = append(parts, fn.name)
			rest &^= fn.flag
		}
	}
	if rest != 0 {
		parts = append(parts, fmt.Sprintf("0x%x", int(rest)))
	}
	return strings.Join(parts, "|")
}

// Vote is the outcome of prepare.
type Vote int

const (
	VoteOK       = Vote(XAOK)
	VoteReadOnly = Vote(XAReadOnly)
)

func (v Vote) String() string { return ErrorCode(v).String() }

// Package xid holds the global transaction identifier used by the XA layer and
// its tagged binary encoding, the form persisted in transaction descriptions.
package xid

import (
	"encoding/hex"
	"fmt"
)

// Maximum lengths of the global id and branch qualifier.
const (
	MaxGlobalIDSize = 64
	MaxBranchIDSize = 64
)

// Xid identifies one branch of a distributed transaction. The value is
// comparable and may be used as a map key; equality is structural over all
// three fields.
type Xid struct {
	formatID int32
	gtrid    string
	bqual    string
}

// New builds an Xid, rejecting identifiers that exceed the XA size limits.
func New(formatID int32, globalID, branchID []byte) (Xid, error) {
	if len(globalID) > MaxGlobalIDSize {
		return Xid{}, fmt.Errorf("global transaction id is %d bytes, max %d", len(globalID), MaxGlobalIDSize)
	}
	if len(branchID) > MaxBranchIDSize {
		return Xid{}, fmt.Errorf("branch qualifier is %d bytes, max %d", len(branchID), MaxBranchIDSize)
	}
	return Xid{formatID: formatID, gtrid: string(globalID), bqual: string(branchID)}, nil
}

// MustNew is New for identifiers known to be valid; it panics otherwise.
func MustNew(formatID int32, globalID, branchID []byte) Xid {
	x, err := New(formatID, globalID, branchID)
	if err != nil {
		panic(err)
	}
	return x
}

// FormatID returns the format identifier.
func (x Xid) FormatID() int32 { return x.formatID }

// GlobalID returns a copy of the global transaction id.
func (x Xid) GlobalID() []byte { return []byte(x.gtrid) }

// BranchID returns a copy of the branch qualifier.
func (x Xid) BranchID() []byte { return []byte(x.bqual) }

// IsZero reports whether x is the zero Xid.
func (x Xid) IsZero() bool { return x == Xid{} }

// SameBranch reports whether x and other carry the same global id and branch
// qualifier, ignoring the format id.
func (x Xid) SameBranch(other Xid) bool {
	return x.gtrid == other.gtrid && x.bqual == other.bqual
}

func (x Xid) String() string {
	return fmt.Sprintf("XID{fmt=%d,gtxn=%s,bqual=%s}", x.formatID, hex.EncodeToString([]byte(x.gtrid)), hex.EncodeToString([]byte(x.bqual)))
}

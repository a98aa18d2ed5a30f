// Package attachment describes the database attachment the XA layer drives:
// starting, preparing and completing server-side transactions and running the
// handful of statements recovery needs.
package attachment

import (
	"context"
	"fmt"
	"time"
)

// TransactionState is the server-side state of a transaction handle.
type TransactionState int

const (
	StateNone TransactionState = iota
	StateActive
	StatePreparing
	StatePrepared
	StateCommitting
	StateCommitted
	StateRollingBack
	StateRolledBack
)

var stateNames = [...]string{
	StateNone:        "NONE",
	StateActive:      "ACTIVE",
	StatePreparing:   "PREPARING",
	StatePrepared:    "PREPARED",
	StateCommitting:  "COMMITTING",
	StateCommitted:   "COMMITTED",
	StateRollingBack: "ROLLING_BACK",
	StateRolledBack:  "ROLLED_BACK",
}

func (s TransactionState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return fmt.Sprintf("TransactionState(%d)", int(s))
	}
	return stateNames[s]
}

// Isolation is a transaction isolation level.
type Isolation int

const (
	ReadCommitted Isolation = iota
	RepeatableRead
	Serializable
)

func (i Isolation) String() string {
	switch i {
	case ReadCommitted:
		return "READ COMMITTED"
	case RepeatableRead:
		return "REPEATABLE READ"
	case Serializable:
		return "SERIALIZABLE"
	default:
		return fmt.Sprintf("Isolation(%d)", int(i))
	}
}

// ParseIsolation accepts the names used in configuration files.
func ParseIsolation(s string) (Isolation, error) {
	switch s {
	case "read_committed", "READ COMMITTED", "":
		return ReadCommitted, nil
	case "repeatable_read", "snapshot", "REPEATABLE READ":
		return RepeatableRead, nil
	case "serializable", "consistency", "SERIALIZABLE":
		return Serializable, nil
	default:
		return 0, fmt.Errorf("unknown isolation level %q", s)
	}
}

// TPB holds the parameters a transaction is started with.
type TPB struct {
	Isolation   Isolation
	ReadOnly    bool
	Wait        bool
	LockTimeout time.Duration
}

// DefaultTPB is read committed, read-write, waiting on lock conflicts.
func DefaultTPB() TPB {
	return TPB{Isolation: ReadCommitted, Wait: true}
}

// RecoveryTPB is the read-only parameter set used to scan transaction metadata.
func RecoveryTPB() TPB {
	return TPB{Isolation: ReadCommitted, ReadOnly: true, Wait: true}
}

// ServerVersion identifies the server product behind an attachment.
type ServerVersion struct {
	Product string
	Major   int
	Minor   int
}

// Products with recovery support.
const (
	ProductFirebird   = "Firebird"
	ProductPostgreSQL = "PostgreSQL"
)

// AtLeast reports whether v is major.minor or newer.
func (v ServerVersion) AtLeast(major, minor int) bool {
	if v.Major != major {
		return v.Major > major
	}
	return v.Minor >= minor
}

func (v ServerVersion) String() string {
	return fmt.Sprintf("%s %d.%d", v.Product, v.Major, v.Minor)
}

// Transaction is a handle to one server-side transaction.
type Transaction interface {
	// NativeID is the identifier the server assigned to the transaction.
	NativeID() int64
	State() TransactionState
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
	// Prepare moves the transaction to the prepared state, persisting message
	// as its description.
	Prepare(ctx context.Context, message []byte) error
}

// Row is one fetched row; columns are int64, []byte, string or nil.
type Row []interface{}

// RowListener receives rows as a statement fetches them.
type RowListener interface {
	ReceivedRow(row Row)
	AllRowsFetched()
}

// Statement executes SQL within the transaction it was created for.
type Statement interface {
	Prepare(ctx context.Context, sql string) error
	Execute(ctx context.Context, params ...interface{}) error
	// FetchRows fetches up to fetchSize rows, delivering them to the
	// registered listeners.
	FetchRows(ctx context.Context, fetchSize int) error
	AddRowListener(l RowListener)
	Close() error
}

// Attachment is one physical connection to a database.
type Attachment interface {
	Attach(ctx context.Context) error
	Detach(ctx context.Context) error
	// ForceClose releases the attachment without further server round trips.
	ForceClose() error
	IsAttached() bool

	StartTransaction(ctx context.Context, tpb TPB) (Transaction, error)
	// StartTransactionSQL starts a transaction configured by a SET TRANSACTION
	// style statement.
	StartTransactionSQL(ctx context.Context, sql string) (Transaction, error)
	// ReconnectTransaction takes over a prepared transaction left by another
	// attachment.
	ReconnectTransaction(ctx context.Context, nativeID int64) (Transaction, error)
	CreateStatement(ctx context.Context, tx Transaction) (Statement, error)

	ServerVersion() ServerVersion

	// WithLock acquires the attachment lock and returns its release func.
	WithLock() (unlock func())
	// AddFatalErrorListener registers fn to be called with every error the
	// attachment considers fatal.
	AddFatalErrorListener(fn func(err error))
}

// Connector creates a new, not yet attached, Attachment.
type Connector func(ctx context.Context) (Attachment, error)

package xa

import (
	"encoding/base64"
	"fmt"

	"github.com/Aidin1998/xaconn/internal/attachment"
)

const transactionsSelect = "SELECT RDB$TRANSACTION_ID, RDB$TRANSACTION_DESCRIPTION FROM RDB$TRANSACTIONS"

// recoveryStrategy holds the SQL one server version range needs to find and
// clean up persisted transaction descriptions.
type recoveryStrategy struct {
	name string
	// recoverQuery selects (native id, description) of every record carrying
	// the xid marker.
	recoverQuery string
	// lookupQuery selects the record whose description equals its single
	// parameter; empty when the server cannot compare descriptions.
	lookupQuery string
	lookupParam func(description []byte) interface{}
	// forgetQuery selects heuristically completed records; empty when the
	// server keeps none.
	forgetQuery string
	deleteQuery string
	// deleteAfterCompletion removes the metadata record once an in-limbo
	// transaction has been completed.
	deleteAfterCompletion bool
}

func rawDescription(description []byte) interface{} { return description }

var (
	firebird3Strategy = &recoveryStrategy{
		name:         "firebird-3",
		recoverQuery: transactionsSelect + " WHERE RDB$TRANSACTION_DESCRIPTION STARTING WITH x'0105'",
		lookupQuery:  transactionsSelect + " WHERE RDB$TRANSACTION_DESCRIPTION = CAST(? AS VARBINARY(32764))",
		lookupParam:  rawDescription,
		forgetQuery:  transactionsSelect + " WHERE RDB$TRANSACTION_STATE IN (2, 3)",
		deleteQuery:  "DELETE FROM RDB$TRANSACTIONS WHERE RDB$TRANSACTION_ID = ?",
	}

	firebird2Strategy = &recoveryStrategy{
		name:                  "firebird-2",
		recoverQuery:          transactionsSelect + " WHERE RDB$TRANSACTION_DESCRIPTION STARTING WITH ASCII_CHAR(1) || ASCII_CHAR(5)",
		lookupQuery:           transactionsSelect + " WHERE RDB$TRANSACTION_DESCRIPTION = CAST(? AS VARCHAR(32764) CHARACTER SET OCTETS)",
		lookupParam:           rawDescription,
		forgetQuery:           transactionsSelect + " WHERE RDB$TRANSACTION_STATE IN (2, 3)",
		deleteQuery:           "DELETE FROM RDB$TRANSACTIONS WHERE RDB$TRANSACTION_ID = ?",
		deleteAfterCompletion: true,
	}

	firebird1Strategy = &recoveryStrategy{
		name:                  "firebird-1",
		recoverQuery:          transactionsSelect + " WHERE RDB$TRANSACTION_DESCRIPTION STARTING WITH ASCII_CHAR(1) || ASCII_CHAR(5)",
		forgetQuery:           transactionsSelect + " WHERE RDB$TRANSACTION_STATE IN (2, 3)",
		deleteQuery:           "DELETE FROM RDB$TRANSACTIONS WHERE RDB$TRANSACTION_ID = ?",
		deleteAfterCompletion: true,
	}

	// PostgreSQL keeps prepared transactions in pg_prepared_xacts under a
	// base64 gid; every description starts with "AQ" followed by one of U-X.
	postgresStrategy = &recoveryStrategy{
		name: "postgresql",
		recoverQuery: "SELECT transaction::text::bigint, decode(gid, 'base64') FROM pg_prepared_xacts " +
			"WHERE gid SIMILAR TO 'AQ[UVWX]%' AND database = current_database()",
		lookupQuery: "SELECT transaction::text::bigint, decode(gid, 'base64') FROM pg_prepared_xacts " +
			"WHERE gid = $1 AND database = current_database()",
		lookupParam: func(description []byte) interface{} {
			return base64.StdEncoding.EncodeToString(description)
		},
	}
)

// recoveryStrategies is ordered newest first within each product.
var recoveryStrategies = []struct {
	product      string
	major, minor int
	strategy     *recoveryStrategy
}{
	{attachment.ProductFirebird, 3, 0, firebird3Strategy},
	{attachment.ProductFirebird, 2, 0, firebird2Strategy},
	{attachment.ProductFirebird, 0, 0, firebird1Strategy},
	{attachment.ProductPostgreSQL, 9, 0, postgresStrategy},
}

func strategyFor(v attachment.ServerVersion) (*recoveryStrategy, error) {
	for _, entry := range recoveryStrategies {
		if entry.product == v.Product && v.AtLeast(entry.major, entry.minor) {
			return entry.strategy, nil
		}
	}
	return nil, fmt.Errorf("no recovery support for %s", v)
}

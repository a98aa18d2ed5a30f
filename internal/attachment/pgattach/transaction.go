package pgattach

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/dberr"
)

// Transaction is a PostgreSQL transaction. While active it owns a pooled
// session; once prepared it is addressed by its gid.
type Transaction struct {
	att      *Attachment
	nativeID int64

	mu    sync.Mutex
	conn  *pgxpool.Conn
	gid   string
	state attachment.TransactionState
}

var _ attachment.Transaction = (*Transaction)(nil)

func (t *Transaction) NativeID() int64 { return t.nativeID }

func (t *Transaction) State() attachment.TransactionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// GID returns the prepared transaction identifier, empty until prepared.
func (t *Transaction) GID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.gid
}

func (t *Transaction) Commit(ctx context.Context) error {
	return t.att.fail(t.complete(ctx, "COMMIT", "COMMIT PREPARED", attachment.StateCommitted))
}

func (t *Transaction) Rollback(ctx context.Context) error {
	return t.att.fail(t.complete(ctx, "ROLLBACK", "ROLLBACK PREPARED", attachment.StateRolledBack))
}

// complete holds t.mu; callers notify fatal error listeners after it is
// released since a listener may tear the attachment down.
func (t *Transaction) complete(ctx context.Context, sessionSQL, preparedSQL string, final attachment.TransactionState) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	switch t.state {
	case attachment.StateActive:
		_, err := t.conn.Exec(ctx, sessionSQL)
		t.releaseLocked()
		if err != nil {
			t.state = attachment.StateNone
			return mapError(err)
		}
	case attachment.StatePrepared:
		pool, err := t.att.currentPool()
		if err != nil {
			return err
		}
		if _, err := pool.Exec(ctx, preparedSQL+" "+quoteLiteral(t.gid)); err != nil {
			return mapError(err)
		}
	default:
		return dberr.Newf(dberr.CodeTraState, "transaction %d is %s", t.nativeID, t.state)
	}
	t.state = final
	return nil
}

func (t *Transaction) Prepare(ctx context.Context, message []byte) error {
	return t.att.fail(t.prepare(ctx, message))
}

func (t *Transaction) prepare(ctx context.Context, message []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != attachment.StateActive {
		return dberr.Newf(dberr.CodeTraState, "transaction %d is %s", t.nativeID, t.state)
	}
	gid := GID(message)
	t.state = attachment.StatePreparing
	_, err := t.conn.Exec(ctx, "PREPARE TRANSACTION "+quoteLiteral(gid))
	if err != nil {
		// a failed PREPARE TRANSACTION leaves the session's transaction open
		t.state = attachment.StateActive
		return mapError(err)
	}
	t.releaseLocked()
	t.gid = gid
	t.state = attachment.StatePrepared
	return nil
}

// abandon drops the session without a server round trip.
func (t *Transaction) abandon() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.conn != nil {
		if err := t.conn.Conn().PgConn().Conn().Close(); err != nil {
			t.att.logger.Debug("Closing abandoned session failed")
		}
	}
	t.releaseLocked()
	t.state = attachment.StateNone
}

func (t *Transaction) releaseLocked() {
	if t.conn == nil {
		return
	}
	t.conn.Release()
	t.conn = nil
	t.att.release(t)
}

// GID is the prepared transaction identifier for a transaction description.
func GID(description []byte) string {
	return base64.StdEncoding.EncodeToString(description)
}

func quoteLiteral(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func beginStatements(tpb attachment.TPB) []string {
	access := "READ WRITE"
	if tpb.ReadOnly {
		access = "READ ONLY"
	}
	statements := []string{fmt.Sprintf("BEGIN ISOLATION LEVEL %s %s", tpb.Isolation, access)}
	switch {
	case tpb.LockTimeout > 0:
		statements = append(statements, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", tpb.LockTimeout.Milliseconds()))
	case !tpb.Wait:
		// PostgreSQL has no transaction-wide NOWAIT
		statements = append(statements, "SET LOCAL lock_timeout = '1ms'")
	}
	return statements
}

package xa

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/attachment"
)

// localXid identifies a local transaction inside its connection. Two values
// are only ever equal when they are the same pointer; the nonce makes them
// distinguishable in logs.
type localXid struct {
	nonce uuid.UUID
}

func (l *localXid) String() string { return "local:" + l.nonce.String() }

// LocalTransaction controls a single non-distributed transaction on a
// managed connection. Local transactions are never registered with the
// factory registry.
type LocalTransaction struct {
	mc  *ManagedConnection
	xid *localXid // guarded by the attachment lock
}

// Begin starts a transaction with the connection's transaction parameters.
func (lt *LocalTransaction) Begin(ctx context.Context) error {
	return lt.begin(ctx, "")
}

// BeginSQL starts a transaction configured by a SET TRANSACTION statement.
func (lt *LocalTransaction) BeginSQL(ctx context.Context, setTransaction string) error {
	return lt.begin(ctx, setTransaction)
}

func (lt *LocalTransaction) begin(ctx context.Context, sql string) error {
	unlock := lt.mc.att.WithLock()
	err := lt.beginLocked(ctx, sql)
	unlock()
	if err != nil {
		lt.mc.checkFatal(err)
		return err
	}
	lt.mc.listeners.fire(ConnectionEvent{Type: LocalTransactionStarted, Source: lt.mc})
	return nil
}

func (lt *LocalTransaction) beginLocked(ctx context.Context, sql string) error {
	if lt.xid != nil {
		return ErrLocalTransactionActive
	}
	if lt.mc.current != nil {
		return ErrTransactionAlreadyStarted
	}

	var (
		tx  attachment.Transaction
		err error
	)
	if sql != "" {
		tx, err = lt.mc.att.StartTransactionSQL(ctx, sql)
	} else {
		tx, err = lt.mc.att.StartTransaction(ctx, lt.mc.tpb)
	}
	if err != nil {
		return fmt.Errorf("begin local transaction: %w", err)
	}
	key := &localXid{nonce: uuid.New()}
	lt.mc.xidMap.Store(key, tx)
	lt.mc.setCurrentLocked(key, tx, false)
	lt.xid = key
	lt.mc.logger.Debug("Started local transaction", zap.Int64("native_id", tx.NativeID()))
	return nil
}

// Commit commits the local transaction. Without an active transaction it does
// nothing: the work was already completed through the coordinator.
func (lt *LocalTransaction) Commit(ctx context.Context) error {
	return lt.complete(ctx, true)
}

// Rollback rolls back the local transaction; it does nothing when none is
// active.
func (lt *LocalTransaction) Rollback(ctx context.Context) error {
	return lt.complete(ctx, false)
}

func (lt *LocalTransaction) complete(ctx context.Context, commit bool) error {
	unlock := lt.mc.att.WithLock()
	active, err := lt.completeLocked(ctx, commit)
	unlock()
	if !active {
		return nil
	}
	if err != nil {
		lt.mc.checkFatal(err)
		return err
	}
	evType := LocalTransactionCommitted
	if !commit {
		evType = LocalTransactionRolledback
	}
	lt.mc.listeners.fire(ConnectionEvent{Type: evType, Source: lt.mc})
	return nil
}

func (lt *LocalTransaction) completeLocked(ctx context.Context, commit bool) (bool, error) {
	key := lt.xid
	if key == nil {
		return false, nil
	}
	defer func() {
		lt.xid = nil
		lt.mc.untrack(key)
	}()

	if err := lt.mc.endLocked(ctx, key, TMSuccess); err != nil {
		return true, fmt.Errorf("end local transaction: %w", err)
	}
	if commit {
		if err := lt.mc.commitLocked(ctx, key, true); err != nil {
			return true, fmt.Errorf("commit local transaction: %w", err)
		}
		return true, nil
	}
	if err := lt.mc.rollbackLocked(ctx, key); err != nil {
		return true, fmt.Errorf("rollback local transaction: %w", err)
	}
	return true, nil
}

// InTransaction reports whether a local transaction is active.
func (lt *LocalTransaction) InTransaction() bool {
	unlock := lt.mc.att.WithLock()
	defer unlock()
	return lt.xid != nil
}

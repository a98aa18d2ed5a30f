package xa

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/dberr"
	"github.com/Aidin1998/xaconn/internal/xid"
	"github.com/Aidin1998/xaconn/pkg/metrics"
)

var tracer = otel.Tracer("github.com/Aidin1998/xaconn/internal/xa")

// branch keys the transactions a connection tracks: an xid.Xid for
// distributed branches or a *localXid for local transactions.
type branch interface {
	String() string
}

// ManagedConnection owns one attachment and acts as an XA resource manager
// for it. All exported methods take the attachment lock; methods with a
// Locked suffix expect the caller to hold it.
type ManagedConnection struct {
	id       uuid.UUID
	factory  *Factory
	att      attachment.Attachment
	logger   *zap.Logger
	strategy *recoveryStrategy

	// guarded by the attachment lock
	tpb         attachment.TPB
	current     attachment.Transaction
	currentKey  branch
	distributed bool

	xidMap       sync.Map // branch -> attachment.Transaction
	preparedXids sync.Map // xid.Xid -> struct{}

	timeout       atomic.Int64 // seconds
	broken        atomic.Bool
	errorNotified atomic.Bool
	destroyed     atomic.Bool

	listeners listenerList
	local     *LocalTransaction
}

func newManagedConnection(f *Factory, att attachment.Attachment) *ManagedConnection {
	mc := &ManagedConnection{
		id:      uuid.New(),
		factory: f,
		att:     att,
		tpb:     f.defaultTPB,
	}
	mc.logger = f.logger.With(zap.String("connection", mc.id.String()))
	mc.local = &LocalTransaction{mc: mc}

	strategy, err := strategyFor(att.ServerVersion())
	if err != nil {
		mc.logger.Warn("XA recovery unavailable", zap.String("server", att.ServerVersion().String()), zap.Error(err))
	}
	mc.strategy = strategy
	att.AddFatalErrorListener(mc.connectionErrorOccurred)
	return mc
}

// ID identifies the connection in logs and traces.
func (mc *ManagedConnection) ID() uuid.UUID { return mc.id }

// Attachment returns the underlying attachment.
func (mc *ManagedConnection) Attachment() attachment.Attachment { return mc.att }

// LocalTransaction returns the connection's local transaction controller.
func (mc *ManagedConnection) LocalTransaction() *LocalTransaction { return mc.local }

// AddConnectionEventListener registers l for this connection's events.
func (mc *ManagedConnection) AddConnectionEventListener(l ConnectionEventListener) {
	mc.listeners.add(l)
}

// RemoveConnectionEventListener unregisters l.
func (mc *ManagedConnection) RemoveConnectionEventListener(l ConnectionEventListener) {
	mc.listeners.remove(l)
}

// Start associates the connection with branch x. TMNoFlags starts a new
// transaction, TMResume reattaches a suspended one. TMJoin is not supported.
func (mc *ManagedConnection) Start(ctx context.Context, x xid.Xid, flags Flag) (err error) {
	ctx, done := mc.observe(ctx, "start", x.String(), attribute.String("xa.flags", flags.String()))
	defer done(&err)

	unlock := mc.att.WithLock()
	defer unlock()
	return mc.startLocked(ctx, x, flags)
}

func (mc *ManagedConnection) startLocked(ctx context.Context, x xid.Xid, flags Flag) error {
	switch flags {
	case TMNoFlags, TMResume:
	case TMJoin:
		return newError(XAErrRMErr, "joining two transactions is not supported")
	default:
		return newError(XAErrInval, "invalid flags %s for start", flags)
	}

	if flags == TMResume {
		v, ok := mc.xidMap.Load(x)
		if !ok {
			return newError(XAErrInval, "resume of %s, which is not attached to this connection", x)
		}
		tx := v.(attachment.Transaction)
		if mc.current != nil {
			return newError(XAErrProto, "resume of %s while %s is current", x, mc.currentKey)
		}
		mc.setCurrentLocked(x, tx, true)
		mc.logger.Debug("Resumed XA transaction", zap.String("xid", x.String()))
		return nil
	}

	if mc.current != nil {
		return newError(XAErrProto, "start of %s while %s is current", x, mc.currentKey)
	}
	var duplicate bool
	mc.xidMap.Range(func(key, _ interface{}) bool {
		if known, ok := key.(xid.Xid); ok && known.SameBranch(x) {
			duplicate = true
			return false
		}
		return true
	})
	if duplicate {
		return newError(XAErrDupID, "a transaction with %s has already been started", x)
	}
	if owner, loaded := mc.factory.registry.claim(x, mc); loaded {
		return newError(XAErrDupID, "%s is already started on connection %s", x, owner.id)
	}

	tx, err := mc.att.StartTransaction(ctx, mc.tpb)
	if err != nil {
		mc.factory.registry.release(x, mc)
		return wrapError(XAErrRMErr, err, "start transaction for %s", x)
	}
	mc.xidMap.Store(x, tx)
	mc.setCurrentLocked(x, tx, true)
	mc.logger.Debug("Started XA transaction",
		zap.String("xid", x.String()),
		zap.Int64("native_id", tx.NativeID()))
	return nil
}

// End dissociates the connection from branch x. TMFail rolls the branch back
// immediately; TMSuccess and TMSuspend require x to be current and leave the
// transaction live for prepare or commit.
func (mc *ManagedConnection) End(ctx context.Context, x xid.Xid, flags Flag) (err error) {
	ctx, done := mc.observe(ctx, "end", x.String(), attribute.String("xa.flags", flags.String()))
	defer done(&err)

	unlock := mc.att.WithLock()
	defer unlock()
	return mc.endLocked(ctx, x, flags)
}

func (mc *ManagedConnection) endLocked(ctx context.Context, key branch, flags Flag) error {
	switch flags {
	case TMSuccess, TMFail, TMSuspend:
	default:
		return newError(XAErrInval, "invalid flags %s for end", flags)
	}
	v, ok := mc.xidMap.Load(key)
	if !ok {
		return newError(XAErrNotA, "end called with unknown transaction %s", key)
	}
	tx := v.(attachment.Transaction)

	if flags == TMFail {
		defer mc.untrack(key)
		if mc.current == tx {
			mc.clearCurrentLocked()
		}
		if err := tx.Rollback(ctx); err != nil {
			return wrapError(XAErrRMErr, err, "rollback of failed branch %s", key)
		}
		mc.logger.Debug("Rolled back failed XA branch", zap.String("xid", key.String()))
		return nil
	}

	if mc.current != tx {
		return newError(XAErrProto, "end called for %s, which is not the current transaction", key)
	}
	mc.clearCurrentLocked()
	return nil
}

// Prepare asks the server to prepare branch x, persisting its encoded xid as
// the transaction description. x may belong to any connection of the same
// factory.
func (mc *ManagedConnection) Prepare(ctx context.Context, x xid.Xid) (Vote, error) {
	return mc.factory.NotifyPrepare(ctx, x)
}

func (mc *ManagedConnection) prepareOwned(ctx context.Context, x xid.Xid) (vote Vote, err error) {
	ctx, done := mc.observe(ctx, "prepare", x.String())
	defer done(&err)

	unlock := mc.att.WithLock()
	defer unlock()
	return mc.prepareLocked(ctx, x)
}

func (mc *ManagedConnection) prepareLocked(ctx context.Context, x xid.Xid) (Vote, error) {
	v, ok := mc.xidMap.Load(x)
	if !ok {
		return 0, newError(XAErrNotA, "prepare called with unknown transaction %s", x)
	}
	tx := v.(attachment.Transaction)
	if mc.current == tx {
		return 0, newError(XAErrProto, "prepare called with non-ended %s", x)
	}
	if mc.isPrepared(x) {
		return 0, newError(XAErrProto, "%s is already prepared", x)
	}

	if err := tx.Prepare(ctx, xid.Encode(x)); err != nil {
		mc.rollbackQuietly(ctx, tx, x, "prepare")
		mc.untrack(x)
		return 0, wrapError(XAErrRMErr, err, "prepare of %s", x)
	}
	mc.preparedXids.Store(x, struct{}{})
	mc.logger.Debug("Prepared XA transaction",
		zap.String("xid", x.String()),
		zap.Int64("native_id", tx.NativeID()))
	return VoteOK, nil
}

// Commit commits branch x on the factory connection that owns it, or
// completes it from the server's records when no connection does, as after
// Recover. onePhase must be true exactly when x has not been prepared.
func (mc *ManagedConnection) Commit(ctx context.Context, x xid.Xid, onePhase bool) error {
	return mc.factory.NotifyCommit(ctx, x, onePhase)
}

// commitOwned commits x tracked by this connection. Past the phase checks x
// is no longer tracked, whatever the outcome.
func (mc *ManagedConnection) commitOwned(ctx context.Context, x xid.Xid, onePhase bool) (err error) {
	ctx, done := mc.observe(ctx, "commit", x.String(), attribute.Bool("xa.one_phase", onePhase))
	defer done(&err)

	unlock := mc.att.WithLock()
	defer unlock()
	return mc.commitLocked(ctx, x, onePhase)
}

func (mc *ManagedConnection) commitLocked(ctx context.Context, key branch, onePhase bool) error {
	v, ok := mc.xidMap.Load(key)
	if !ok {
		return newError(XAErrNotA, "commit called with unknown transaction %s", key)
	}
	tx := v.(attachment.Transaction)
	prepared := mc.isPrepared(key)
	if onePhase && prepared {
		return newError(XAErrProto, "cannot commit one-phase when %s has been prepared", key)
	}
	if !onePhase && !prepared {
		return newError(XAErrProto, "cannot commit two-phase when %s has not been prepared", key)
	}

	defer mc.untrack(key)
	if mc.current == tx {
		return newError(XAErrProto, "commit called with non-ended %s", key)
	}
	if err := tx.Commit(ctx); err != nil {
		mc.rollbackQuietly(ctx, tx, key, "commit")
		return wrapError(XAErrRMErr, err, "commit of %s", key)
	}
	mc.logger.Debug("Committed transaction",
		zap.String("xid", key.String()),
		zap.Bool("one_phase", onePhase))
	return nil
}

// Rollback rolls back branch x, routed like Commit.
func (mc *ManagedConnection) Rollback(ctx context.Context, x xid.Xid) error {
	return mc.factory.NotifyRollback(ctx, x)
}

// rollbackOwned rolls back x tracked by this connection. Once x is found it
// is no longer tracked, whatever the outcome.
func (mc *ManagedConnection) rollbackOwned(ctx context.Context, x xid.Xid) (err error) {
	ctx, done := mc.observe(ctx, "rollback", x.String())
	defer done(&err)

	unlock := mc.att.WithLock()
	defer unlock()
	return mc.rollbackLocked(ctx, x)
}

func (mc *ManagedConnection) rollbackLocked(ctx context.Context, key branch) error {
	v, ok := mc.xidMap.Load(key)
	if !ok {
		return newError(XAErrNotA, "rollback called with unknown transaction %s", key)
	}
	tx := v.(attachment.Transaction)

	defer mc.untrack(key)
	if mc.current == tx {
		return newError(XAErrProto, "rollback called with non-ended %s", key)
	}
	if err := tx.Rollback(ctx); err != nil {
		return wrapError(XAErrRMErr, err, "rollback of %s", key)
	}
	mc.logger.Debug("Rolled back transaction", zap.String("xid", key.String()))
	return nil
}

// IsSameResourceManager reports whether other wraps the same attachment.
func (mc *ManagedConnection) IsSameResourceManager(other *ManagedConnection) bool {
	return other != nil && mc.att == other.att
}

// TransactionTimeout returns the timeout set by SetTransactionTimeout. It is
// recorded for the coordinator, not enforced.
func (mc *ManagedConnection) TransactionTimeout() time.Duration {
	return time.Duration(mc.timeout.Load()) * time.Second
}

// SetTransactionTimeout records d, truncated to whole seconds.
func (mc *ManagedConnection) SetTransactionTimeout(d time.Duration) error {
	if d < 0 {
		return newError(XAErrInval, "negative transaction timeout %s", d)
	}
	mc.timeout.Store(int64(d / time.Second))
	return nil
}

// SetTransactionIsolation changes the isolation used by transactions started
// from now on.
func (mc *ManagedConnection) SetTransactionIsolation(level attachment.Isolation) {
	unlock := mc.att.WithLock()
	defer unlock()
	mc.tpb.Isolation = level
}

// TransactionIsolation returns the isolation of new transactions.
func (mc *ManagedConnection) TransactionIsolation() attachment.Isolation {
	unlock := mc.att.WithLock()
	defer unlock()
	return mc.tpb.Isolation
}

// SetTransactionParameters replaces the parameters of new transactions.
func (mc *ManagedConnection) SetTransactionParameters(tpb attachment.TPB) {
	unlock := mc.att.WithLock()
	defer unlock()
	mc.tpb = tpb
}

// TransactionParameters returns the parameters of new transactions.
func (mc *ManagedConnection) TransactionParameters() attachment.TPB {
	unlock := mc.att.WithLock()
	defer unlock()
	return mc.tpb
}

// InTransaction reports whether a transaction is associated with the
// connection.
func (mc *ManagedConnection) InTransaction() bool {
	unlock := mc.att.WithLock()
	defer unlock()
	return mc.current != nil
}

// InDistributedTransaction reports whether the current transaction is an XA
// branch.
func (mc *ManagedConnection) InDistributedTransaction() bool {
	unlock := mc.att.WithLock()
	defer unlock()
	return mc.current != nil && mc.distributed
}

// IsBroken reports whether a socket level failure was observed.
func (mc *ManagedConnection) IsBroken() bool { return mc.broken.Load() }

// Cleanup prepares the connection for reuse: a local transaction still open
// is rolled back and the transaction parameters are reset.
func (mc *ManagedConnection) Cleanup(ctx context.Context) error {
	var err error
	if mc.local.InTransaction() {
		if err = mc.local.Rollback(ctx); err != nil {
			mc.logger.Warn("Rollback of local transaction during cleanup failed", zap.Error(err))
		}
	}
	unlock := mc.att.WithLock()
	mc.tpb = mc.factory.defaultTPB
	unlock()
	return err
}

// Close releases the connection back to its owner: it cleans up and
// notifies ConnectionClosed.
func (mc *ManagedConnection) Close(ctx context.Context) error {
	err := mc.Cleanup(ctx)
	mc.listeners.fire(ConnectionEvent{Type: ConnectionClosed, Source: mc})
	return err
}

// Destroy detaches from the server. A broken attachment is force-closed
// without attempting further I/O. Registry entries still owned by the
// connection are dropped so that completion falls back to recovery.
func (mc *ManagedConnection) Destroy(ctx context.Context) error {
	if !mc.destroyed.CompareAndSwap(false, true) {
		return nil
	}
	mc.xidMap.Range(func(key, _ interface{}) bool {
		if x, ok := key.(xid.Xid); ok {
			mc.factory.registry.release(x, mc)
		}
		return true
	})

	if mc.broken.Load() {
		mc.logger.Info("Force closing broken connection")
		return mc.att.ForceClose()
	}
	if err := mc.att.Detach(ctx); err != nil {
		mc.logger.Warn("Detach failed, force closing", zap.Error(err))
		if closeErr := mc.att.ForceClose(); closeErr != nil {
			mc.logger.Warn("Force close failed", zap.Error(closeErr))
		}
		return err
	}
	mc.logger.Debug("Destroyed connection")
	return nil
}

// connectionErrorOccurred notifies listeners once per connection.
func (mc *ManagedConnection) connectionErrorOccurred(err error) {
	broken := dberr.IsBrokenConnection(err)
	if broken {
		mc.broken.Store(true)
	}
	if !mc.errorNotified.CompareAndSwap(false, true) {
		return
	}
	metrics.FatalErrors.WithLabelValues(fmt.Sprint(broken)).Inc()
	mc.logger.Error("Fatal connection error", zap.Bool("broken", broken), zap.Error(err))
	mc.listeners.fire(ConnectionEvent{Type: ConnectionErrorOccurred, Source: mc, Err: err})
}

func (mc *ManagedConnection) checkFatal(err error) {
	if err != nil && dberr.IsFatal(err) {
		mc.connectionErrorOccurred(err)
	}
}

func (mc *ManagedConnection) setCurrentLocked(key branch, tx attachment.Transaction, distributed bool) {
	mc.current = tx
	mc.currentKey = key
	mc.distributed = distributed
}

func (mc *ManagedConnection) clearCurrentLocked() {
	mc.current = nil
	mc.currentKey = nil
	mc.distributed = false
}

func (mc *ManagedConnection) isPrepared(key branch) bool {
	x, ok := key.(xid.Xid)
	if !ok {
		return false
	}
	_, prepared := mc.preparedXids.Load(x)
	return prepared
}

// untrack forgets key locally and in the registry.
func (mc *ManagedConnection) untrack(key branch) {
	mc.xidMap.Delete(key)
	if x, ok := key.(xid.Xid); ok {
		mc.preparedXids.Delete(x)
		mc.factory.registry.release(x, mc)
	}
}

func (mc *ManagedConnection) rollbackQuietly(ctx context.Context, tx attachment.Transaction, key branch, after string) {
	if err := tx.Rollback(ctx); err != nil {
		mc.logger.Warn("Best-effort rollback failed",
			zap.String("after", after),
			zap.String("xid", key.String()),
			zap.Error(err))
	}
}

// observe traces and measures one operation. The returned func must be
// deferred after the attachment lock is released so that listeners reacting
// to a fatal error run unlocked.
func (mc *ManagedConnection) observe(ctx context.Context, verb, subject string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	attrs = append(attrs,
		attribute.String("xa.xid", subject),
		attribute.String("xa.connection", mc.id.String()))
	ctx, span := tracer.Start(ctx, "xa."+verb, trace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		defer span.End()
		outcome := XAOK.String()
		if err := *errp; err != nil {
			if code, ok := CodeOf(err); ok {
				outcome = code.String()
			} else {
				outcome = "error"
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			mc.logger.Warn("XA operation failed",
				zap.String("verb", verb),
				zap.String("xid", subject),
				zap.Error(err))
			mc.checkFatal(err)
		}
		metrics.ObserveXA(verb, outcome, time.Since(start))
	}
}

package xa

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/recoverylog"
	"github.com/Aidin1998/xaconn/internal/xid"
	"github.com/Aidin1998/xaconn/pkg/metrics"
)

// EventRecorder persists recovery events; *recoverylog.Store implements it.
type EventRecorder interface {
	Record(ctx context.Context, ev recoverylog.Event) error
}

// FactoryConfig configures a Factory.
type FactoryConfig struct {
	// DefaultTPB is used by new connections and restored by Cleanup. The zero
	// value means attachment.DefaultTPB().
	DefaultTPB attachment.TPB
	// Audit receives in-limbo completions and forgets; nil disables auditing.
	Audit EventRecorder
}

// Factory creates managed connections to one database and owns the registry
// routing completion calls to them.
type Factory struct {
	connector  attachment.Connector
	registry   *Registry
	defaultTPB attachment.TPB
	recorder   EventRecorder
	logger     *zap.Logger
}

// NewFactory creates a factory using connector for every new attachment.
func NewFactory(connector attachment.Connector, cfg FactoryConfig, logger *zap.Logger) *Factory {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DefaultTPB == (attachment.TPB{}) {
		cfg.DefaultTPB = attachment.DefaultTPB()
	}
	return &Factory{
		connector:  connector,
		registry:   NewRegistry(),
		defaultTPB: cfg.DefaultTPB,
		recorder:   cfg.Audit,
		logger:     logger,
	}
}

// Registry returns the factory's xid registry.
func (f *Factory) Registry() *Registry { return f.registry }

// NewManagedConnection opens and attaches a new connection.
func (f *Factory) NewManagedConnection(ctx context.Context) (*ManagedConnection, error) {
	att, err := f.connector(ctx)
	if err != nil {
		return nil, fmt.Errorf("create attachment: %w", err)
	}
	if err := att.Attach(ctx); err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	mc := newManagedConnection(f, att)
	mc.logger.Debug("Created managed connection", zap.String("server", att.ServerVersion().String()))
	return mc, nil
}

// NotifyStart records mc as the owner of x, replacing a stale owner.
func (f *Factory) NotifyStart(mc *ManagedConnection, x xid.Xid) {
	f.registry.Register(x, mc)
}

// NotifyEnd exists for symmetry with the other notifications; ending a
// branch does not change its owner.
func (f *Factory) NotifyEnd(mc *ManagedConnection, x xid.Xid) {}

// NotifyPrepare prepares x on its owning connection.
func (f *Factory) NotifyPrepare(ctx context.Context, x xid.Xid) (Vote, error) {
	if owner, ok := f.registry.Lookup(x); ok {
		vote, err := owner.prepareOwned(ctx, x)
		if !f.releaseIfStale(x, owner, err) {
			return vote, err
		}
	}
	return 0, newError(XAErrNotA, "prepare called with unknown transaction %s", x)
}

// NotifyCommit commits x on its owning connection or, when no connection
// owns it, completes the in-limbo transaction recorded by the server. The
// owner drops its registry entry itself once x is no longer tracked; a phase
// violation leaves it in place.
func (f *Factory) NotifyCommit(ctx context.Context, x xid.Xid, onePhase bool) error {
	if owner, ok := f.registry.Lookup(x); ok {
		err := owner.commitOwned(ctx, x, onePhase)
		if !f.releaseIfStale(x, owner, err) {
			return err
		}
	}
	return f.completeInLimbo(ctx, x, true)
}

// NotifyRollback is NotifyCommit for rollback.
func (f *Factory) NotifyRollback(ctx context.Context, x xid.Xid) error {
	if owner, ok := f.registry.Lookup(x); ok {
		err := owner.rollbackOwned(ctx, x)
		if !f.releaseIfStale(x, owner, err) {
			return err
		}
	}
	return f.completeInLimbo(ctx, x, false)
}

// releaseIfStale drops the registry entry of an owner that does not track x,
// as left by NotifyStart for a connection that never started it.
func (f *Factory) releaseIfStale(x xid.Xid, owner *ManagedConnection, err error) bool {
	if code, ok := CodeOf(err); !ok || code != XAErrNotA {
		return false
	}
	f.registry.release(x, owner)
	return true
}

// ListInLimbo returns every prepared transaction recorded by the server.
func (f *Factory) ListInLimbo(ctx context.Context) ([]InLimboTransaction, error) {
	var found []InLimboTransaction
	err := f.withTemporaryConnection(ctx, func(mc *ManagedConnection) error {
		var err error
		found, err = mc.RecoverInLimbo(ctx)
		return err
	})
	return found, err
}

// Forget forgets the heuristically completed branch x on a temporary
// connection.
func (f *Factory) Forget(ctx context.Context, x xid.Xid) error {
	return f.withTemporaryConnection(ctx, func(mc *ManagedConnection) error {
		return mc.Forget(ctx, x)
	})
}

func (f *Factory) withTemporaryConnection(ctx context.Context, fn func(mc *ManagedConnection) error) error {
	mc, err := f.NewManagedConnection(ctx)
	if err != nil {
		return wrapError(XAErrRMFail, err, "unable to open connection")
	}
	defer func() {
		if err := mc.Destroy(ctx); err != nil {
			f.logger.Warn("Failed to destroy temporary connection", zap.Error(err))
		}
	}()
	return fn(mc)
}

// completeInLimbo commits or rolls back x directly on the server, for
// branches whose owning connection is gone.
func (f *Factory) completeInLimbo(ctx context.Context, x xid.Xid, commit bool) (err error) {
	action := recoverylog.ActionRollback
	if commit {
		action = recoverylog.ActionCommit
	}
	ctx, span := tracer.Start(ctx, "xa.completeInLimbo", trace.WithAttributes(
		attribute.String("xa.xid", x.String()),
		attribute.String("xa.action", action)))
	start := time.Now()

	var nativeID int64
	defer func() {
		outcome := XAOK.String()
		if err != nil {
			outcome = "error"
			if code, ok := CodeOf(err); ok {
				outcome = code.String()
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
			f.logger.Warn("In-limbo completion failed",
				zap.String("xid", x.String()),
				zap.String("action", action),
				zap.Error(err))
		} else {
			f.logger.Info("Completed in-limbo transaction",
				zap.String("xid", x.String()),
				zap.String("action", action),
				zap.Int64("native_id", nativeID))
		}
		metrics.InLimboCompletions.WithLabelValues(action, outcome).Inc()
		metrics.ObserveXA("complete_in_limbo", outcome, time.Since(start))
		f.audit(ctx, action, x, nativeID, err)
		span.End()
	}()

	return f.withTemporaryConnection(ctx, func(mc *ManagedConnection) error {
		local := mc.LocalTransaction()
		if err := local.Begin(ctx); err != nil {
			return wrapError(XAErrRMErr, err, "unable to start transaction for in-limbo completion")
		}
		defer func() {
			if err := local.Commit(ctx); err != nil {
				f.logger.Warn("Commit of in-limbo helper transaction failed", zap.Error(err))
			}
		}()

		found, err := mc.FindSingleXid(ctx, x)
		if err != nil {
			return err
		}
		if found == nil {
			if commit {
				return newError(XAErrNotA, "commit called with unknown transaction %s", x)
			}
			return newError(XAErrNotA, "rollback called with unknown transaction %s", x)
		}
		nativeID = found.NativeID

		if err := f.reconnectAndComplete(ctx, mc, nativeID, commit); err != nil {
			code := classifyInLimboFailure(err)
			if code.IsHeuristic() {
				metrics.HeuristicOutcomes.WithLabelValues(code.String()).Inc()
			}
			return wrapError(code, err, "unable to complete in limbo transaction %d", nativeID)
		}

		if mc.strategy.deleteAfterCompletion {
			unlock := mc.att.WithLock()
			err := mc.deleteRecordLocked(ctx, nativeID)
			unlock()
			if err != nil {
				return wrapError(XAErrRMErr, err, "unable to remove in limbo transaction %d from transaction records", nativeID)
			}
		}
		return nil
	})
}

func (f *Factory) reconnectAndComplete(ctx context.Context, mc *ManagedConnection, nativeID int64, commit bool) error {
	unlock := mc.att.WithLock()
	defer unlock()
	tx, err := mc.att.ReconnectTransaction(ctx, nativeID)
	if err != nil {
		return err
	}
	if commit {
		return tx.Commit(ctx)
	}
	return tx.Rollback(ctx)
}

func (f *Factory) audit(ctx context.Context, action string, x xid.Xid, nativeID int64, err error) {
	if f.recorder == nil {
		return
	}
	ev := recoverylog.Event{
		Xid:      x.String(),
		FormatID: x.FormatID(),
		GlobalID: hexID(x.GlobalID()),
		BranchID: hexID(x.BranchID()),
		NativeID: nativeID,
		Action:   action,
		Outcome:  recoverylog.OutcomeCompleted,
	}
	if err != nil {
		ev.Error = err.Error()
		code, _ := CodeOf(err)
		ev.XACode = int(code)
		switch {
		case code == XAErrNotA:
			ev.Outcome = recoverylog.OutcomeNotFound
		case code.IsHeuristic():
			ev.Outcome = recoverylog.OutcomeHeuristic
		default:
			ev.Outcome = recoverylog.OutcomeFailed
		}
	}
	if recErr := f.recorder.Record(ctx, ev); recErr != nil {
		f.logger.Warn("Failed to audit recovery action", zap.String("xid", x.String()), zap.Error(recErr))
	}
}

package xa

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/recoverylog"
	"github.com/Aidin1998/xaconn/internal/xid"
)

// InLimboTransaction is an xid reconstructed from a persisted transaction
// description, together with the server's id for the transaction.
type InLimboTransaction struct {
	Xid      xid.Xid
	NativeID int64
}

// Recover returns the xids of every prepared transaction recorded by the
// server. TMStartRScan and TMEndRScan are accepted but every call returns the
// full list.
func (mc *ManagedConnection) Recover(ctx context.Context, flags Flag) (xids []xid.Xid, err error) {
	ctx, done := mc.observe(ctx, "recover", "", attribute.String("xa.flags", flags.String()))
	defer done(&err)

	if flags&^recoveryFlags != 0 {
		return nil, newError(XAErrInval, "invalid flags %s for recover", flags)
	}
	found, err := mc.RecoverInLimbo(ctx)
	if err != nil {
		return nil, err
	}
	xids = make([]xid.Xid, 0, len(found))
	for _, t := range found {
		xids = append(xids, t.Xid)
	}
	return xids, nil
}

// RecoverInLimbo is Recover keeping the native transaction ids.
func (mc *ManagedConnection) RecoverInLimbo(ctx context.Context) ([]InLimboTransaction, error) {
	if mc.strategy == nil {
		return nil, newError(XAErrRMFail, "recovery is not supported for %s", mc.att.ServerVersion())
	}
	unlock := mc.att.WithLock()
	defer unlock()
	return mc.scanLocked(ctx, mc.strategy.recoverQuery)
}

// FindSingleXid looks up the persisted record of x. It returns nil when the
// server has no record of it.
func (mc *ManagedConnection) FindSingleXid(ctx context.Context, x xid.Xid) (*InLimboTransaction, error) {
	if mc.strategy == nil {
		return nil, newError(XAErrRMFail, "recovery is not supported for %s", mc.att.ServerVersion())
	}
	unlock := mc.att.WithLock()
	defer unlock()

	var (
		found []InLimboTransaction
		err   error
	)
	if mc.strategy.lookupQuery == "" {
		found, err = mc.scanLocked(ctx, mc.strategy.recoverQuery)
	} else {
		found, err = mc.scanLocked(ctx, mc.strategy.lookupQuery, mc.strategy.lookupParam(xid.Encode(x)))
	}
	if err != nil {
		return nil, err
	}
	for i := range found {
		if found[i].Xid == x {
			return &found[i], nil
		}
	}
	return nil, nil
}

// scanLocked runs query on a read-only throwaway transaction and decodes the
// (native id, description) rows. Records that do not decode are skipped.
func (mc *ManagedConnection) scanLocked(ctx context.Context, query string, params ...interface{}) ([]InLimboTransaction, error) {
	var rows []attachment.Row
	err := mc.withTransactionLocked(ctx, attachment.RecoveryTPB(), func(tx attachment.Transaction) error {
		var err error
		rows, err = attachment.Query(ctx, mc.att, tx, query, params...)
		return err
	})
	if err != nil {
		return nil, wrapError(XAErrRMFail, err, "can't perform query to fetch xids")
	}

	found := make([]InLimboTransaction, 0, len(rows))
	for _, row := range rows {
		t, err := decodeRow(row)
		if err != nil {
			mc.logger.Warn("Skipping undecodable transaction record", zap.Error(err))
			continue
		}
		found = append(found, t)
	}
	return found, nil
}

func decodeRow(row attachment.Row) (InLimboTransaction, error) {
	if len(row) < 2 {
		return InLimboTransaction{}, fmt.Errorf("transaction record has %d columns", len(row))
	}
	nativeID, err := attachment.Int64(row[0])
	if err != nil {
		return InLimboTransaction{}, err
	}
	description, err := attachment.Bytes(row[1])
	if err != nil {
		return InLimboTransaction{}, fmt.Errorf("transaction %d: %w", nativeID, err)
	}
	x, err := xid.Decode(description)
	if err != nil {
		return InLimboTransaction{}, fmt.Errorf("transaction %d: %w", nativeID, err)
	}
	return InLimboTransaction{Xid: x, NativeID: nativeID}, nil
}

// Forget removes the record of a heuristically completed branch x. It does
// not touch the registry: a forgotten branch is no longer tracked anywhere.
func (mc *ManagedConnection) Forget(ctx context.Context, x xid.Xid) (err error) {
	ctx, done := mc.observe(ctx, "forget", x.String())
	defer done(&err)

	unlock := mc.att.WithLock()
	defer unlock()

	nativeID, err := mc.forgetLocked(ctx, x)
	mc.factory.audit(ctx, recoverylog.ActionForget, x, nativeID, err)
	return err
}

func (mc *ManagedConnection) forgetLocked(ctx context.Context, x xid.Xid) (int64, error) {
	if mc.strategy == nil || mc.strategy.forgetQuery == "" {
		return 0, newError(XAErrNotA, "%s not found", x)
	}

	var rows []attachment.Row
	err := mc.withTransactionLocked(ctx, mc.tpb, func(tx attachment.Transaction) error {
		var err error
		rows, err = attachment.Query(ctx, mc.att, tx, mc.strategy.forgetQuery)
		return err
	})
	if err != nil {
		return 0, wrapError(XAErrRMFail, err, "can't perform query to fetch xids")
	}

	nativeID := int64(-1)
	for _, row := range rows {
		t, err := decodeRow(row)
		if err != nil {
			mc.logger.Warn("Skipping undecodable transaction record", zap.Error(err))
			continue
		}
		if t.Xid == x {
			nativeID = t.NativeID
			break
		}
	}
	if nativeID < 0 {
		return 0, newError(XAErrNotA, "%s not found", x)
	}

	if err := mc.deleteRecordLocked(ctx, nativeID); err != nil {
		return nativeID, wrapError(XAErrRMFail, err, "can't delete record of transaction %d", nativeID)
	}
	mc.logger.Info("Forgot heuristically completed transaction",
		zap.String("xid", x.String()),
		zap.Int64("native_id", nativeID))
	return nativeID, nil
}

func (mc *ManagedConnection) deleteRecordLocked(ctx context.Context, nativeID int64) error {
	if mc.strategy == nil || mc.strategy.deleteQuery == "" {
		return errors.New("server keeps no deletable transaction records")
	}
	return mc.withTransactionLocked(ctx, mc.tpb, func(tx attachment.Transaction) error {
		return attachment.Exec(ctx, mc.att, tx, mc.strategy.deleteQuery, nativeID)
	})
}

// withTransactionLocked runs fn on a new transaction that is committed when
// fn succeeds and rolled back otherwise.
func (mc *ManagedConnection) withTransactionLocked(ctx context.Context, tpb attachment.TPB, fn func(tx attachment.Transaction) error) error {
	tx, err := mc.att.StartTransaction(ctx, tpb)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			mc.logger.Warn("Rollback of throwaway transaction failed",
				zap.Int64("native_id", tx.NativeID()),
				zap.Error(rbErr))
		}
		return err
	}
	return tx.Commit(ctx)
}

func hexID(b []byte) string { return hex.EncodeToString(b) }

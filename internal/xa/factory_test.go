package xa

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/attachment/attachmenttest"
	"github.com/Aidin1998/xaconn/internal/dberr"
	"github.com/Aidin1998/xaconn/internal/recoverylog"
	"github.com/Aidin1998/xaconn/internal/xid"
)

type mockRecorder struct {
	mock.Mock
}

func (m *mockRecorder) Record(ctx context.Context, ev recoverylog.Event) error {
	args := m.Called(ev.Action, ev.Outcome, ev.NativeID)
	return args.Error(0)
}

type limboFixture struct {
	ctx     context.Context
	server  *attachmenttest.Server
	factory *Factory
}

func newLimboFixture(t *testing.T, v attachment.ServerVersion, recorder EventRecorder) *limboFixture {
	server := attachmenttest.NewServerVersion(v)
	cfg := FactoryConfig{DefaultTPB: attachment.DefaultTPB()}
	if recorder != nil {
		cfg.Audit = recorder
	}
	return &limboFixture{
		ctx:     context.Background(),
		server:  server,
		factory: NewFactory(server.Connector(), cfg, zaptest.NewLogger(t)),
	}
}

// prepareAndCrash prepares x on a connection that is then destroyed, leaving
// x in limbo with no owner.
func (f *limboFixture) prepareAndCrash(t *testing.T, x xid.Xid) int64 {
	mc, err := f.factory.NewManagedConnection(f.ctx)
	require.NoError(t, err)
	require.NoError(t, mc.Start(f.ctx, x, TMNoFlags))
	v, _ := mc.xidMap.Load(x)
	nativeID := v.(attachment.Transaction).NativeID()
	require.NoError(t, mc.End(f.ctx, x, TMSuccess))
	_, err = mc.Prepare(f.ctx, x)
	require.NoError(t, err)
	require.NoError(t, mc.Destroy(f.ctx))
	_, owned := f.factory.Registry().Lookup(x)
	require.False(t, owned)
	return nativeID
}

var firebird4 = attachment.ServerVersion{Product: attachment.ProductFirebird, Major: 4, Minor: 0}

func TestNotifyStartOverwrites(t *testing.T) {
	f := newLimboFixture(t, firebird4, nil)
	a, err := f.factory.NewManagedConnection(f.ctx)
	require.NoError(t, err)
	b, err := f.factory.NewManagedConnection(f.ctx)
	require.NoError(t, err)

	x := testXid("g", "b")
	f.factory.NotifyStart(a, x)
	f.factory.NotifyStart(b, x)
	owner, ok := f.factory.Registry().Lookup(x)
	require.True(t, ok)
	assert.Same(t, b, owner)
	assert.Equal(t, 1, f.factory.Registry().Len())
	f.factory.NotifyEnd(b, x)
	assert.Equal(t, 1, f.factory.Registry().Len())
}

func TestNotifyRoutesToOwner(t *testing.T) {
	f := newLimboFixture(t, firebird4, nil)
	mc, err := f.factory.NewManagedConnection(f.ctx)
	require.NoError(t, err)
	x := testXid("g", "b")
	require.NoError(t, mc.Start(f.ctx, x, TMNoFlags))
	require.NoError(t, mc.End(f.ctx, x, TMSuccess))

	vote, err := f.factory.NotifyPrepare(f.ctx, x)
	require.NoError(t, err)
	assert.Equal(t, VoteOK, vote)
	require.NoError(t, f.factory.NotifyCommit(f.ctx, x, false))
	assert.Equal(t, 0, f.factory.Registry().Len())
	assert.Len(t, f.server.Attachments(), 1, "no temporary connection when the owner is live")

	_, err = f.factory.NotifyPrepare(f.ctx, x)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
}

func TestNotifyRollbackRoutesToOwner(t *testing.T) {
	f := newLimboFixture(t, firebird4, nil)
	mc, err := f.factory.NewManagedConnection(f.ctx)
	require.NoError(t, err)
	x := testXid("g", "b")
	require.NoError(t, mc.Start(f.ctx, x, TMNoFlags))
	require.NoError(t, mc.End(f.ctx, x, TMSuccess))
	require.NoError(t, f.factory.NotifyRollback(f.ctx, x))
	assert.Equal(t, 0, f.factory.Registry().Len())
}

func TestNotifyPhaseViolationKeepsOwner(t *testing.T) {
	f := newLimboFixture(t, firebird4, nil)
	mc, err := f.factory.NewManagedConnection(f.ctx)
	require.NoError(t, err)
	x := testXid("g", "b")
	require.NoError(t, mc.Start(f.ctx, x, TMNoFlags))
	require.NoError(t, mc.End(f.ctx, x, TMSuccess))
	_, err = f.factory.NotifyPrepare(f.ctx, x)
	require.NoError(t, err)

	err = f.factory.NotifyCommit(f.ctx, x, true)
	assert.True(t, errors.Is(err, ErrProtocol), "got %v", err)
	owner, ok := f.factory.Registry().Lookup(x)
	require.True(t, ok)
	assert.Same(t, mc, owner)
	_, tracked := mc.xidMap.Load(x)
	assert.True(t, tracked)

	require.NoError(t, f.factory.NotifyCommit(f.ctx, x, false))
	assert.Len(t, f.server.Attachments(), 1, "retry completes on the owner")
	assert.Equal(t, 0, f.factory.Registry().Len())
	_, tracked = mc.xidMap.Load(x)
	assert.False(t, tracked)
	assert.False(t, mc.isPrepared(x))
}

func TestNotifyFallsBackWhenOwnerDoesNotTrackXid(t *testing.T) {
	f := newLimboFixture(t, firebird4, nil)
	x := testXid("g", "b")
	nativeID := f.prepareAndCrash(t, x)
	stale, err := f.factory.NewManagedConnection(f.ctx)
	require.NoError(t, err)
	f.factory.NotifyStart(stale, x)

	require.NoError(t, f.factory.NotifyCommit(f.ctx, x, false))
	assert.Equal(t, attachment.StateCommitted, f.server.TransactionState(nativeID))
	assert.Equal(t, 0, f.factory.Registry().Len())
}

func TestInLimboCommit(t *testing.T) {
	recorder := &mockRecorder{}
	f := newLimboFixture(t, firebird4, recorder)
	x := testXid("g", "b")
	nativeID := f.prepareAndCrash(t, x)
	recorder.On("Record", recoverylog.ActionCommit, recoverylog.OutcomeCompleted, nativeID).Return(nil).Once()

	require.NoError(t, f.factory.NotifyCommit(f.ctx, x, false))
	assert.Equal(t, attachment.StateCommitted, f.server.TransactionState(nativeID))
	assert.Empty(t, f.server.Records())
	assert.Equal(t, 0, f.server.CountOps("execute DELETE"), "Firebird 3+ removes the record itself")

	atts := f.server.Attachments()
	require.Len(t, atts, 2)
	assert.True(t, atts[1].Detached(), "temporary connection is destroyed")
	recorder.AssertExpectations(t)
}

func TestInLimboRollback(t *testing.T) {
	f := newLimboFixture(t, firebird4, nil)
	x := testXid("g", "b")
	nativeID := f.prepareAndCrash(t, x)
	require.NoError(t, f.factory.NotifyRollback(f.ctx, x))
	assert.Equal(t, attachment.StateRolledBack, f.server.TransactionState(nativeID))
}

func TestInLimboUnknownXid(t *testing.T) {
	recorder := &mockRecorder{}
	f := newLimboFixture(t, firebird4, recorder)
	recorder.On("Record", recoverylog.ActionCommit, recoverylog.OutcomeNotFound, int64(0)).Return(nil).Once()

	err := f.factory.NotifyCommit(f.ctx, testXid("g", "b"), false)
	assert.True(t, errors.Is(err, ErrNotFound), "got %v", err)
	recorder.AssertExpectations(t)
}

func TestInLimboHeuristicOutcomes(t *testing.T) {
	cases := []struct {
		name  string
		state attachmenttest.RecordState
		want  error
	}{
		{"committed by administrator", attachmenttest.RecordCommitted, ErrHeuristicCommit},
		{"rolled back by administrator", attachmenttest.RecordRolledBack, ErrHeuristicRollback},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			f := newLimboFixture(t, firebird4, nil)
			x := testXid("g", "b")
			nativeID := f.prepareAndCrash(t, x)
			f.server.SetRecordState(nativeID, tc.state)

			err := f.factory.NotifyRollback(f.ctx, x)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
			assert.True(t, dberr.HasCode(err, dberr.CodeNoRecon))
			assert.Equal(t, 0, f.factory.Registry().Len())
		})
	}
}

func TestInLimboNoReconWithoutOutcomeTextStaysResourceManagerError(t *testing.T) {
	f := newLimboFixture(t, firebird4, nil)
	x := testXid("g", "b")
	f.prepareAndCrash(t, x)
	f.server.FailNext(attachmenttest.OpReconnect, dberr.New(dberr.CodeNoRecon, "transaction is not in limbo"))

	err := f.factory.NotifyCommit(f.ctx, x, false)
	code, ok := CodeOf(err)
	require.True(t, ok)
	assert.Equal(t, XAErrRMErr, code)
}

func TestInLimboOnFirebird25DeletesRecord(t *testing.T) {
	f := newLimboFixture(t, attachment.ServerVersion{Product: attachment.ProductFirebird, Major: 2, Minor: 5}, nil)
	x := testXid("g", "b")
	f.prepareAndCrash(t, x)
	require.NoError(t, f.factory.NotifyCommit(f.ctx, x, false))
	assert.Equal(t, 1, f.server.CountOps("execute DELETE FROM RDB$TRANSACTIONS"))
	assert.Equal(t, 1, countContaining(f.server.Ops(), "CHARACTER SET OCTETS"))
}

func TestInLimboOnFirebird15ScansAllRecords(t *testing.T) {
	f := newLimboFixture(t, attachment.ServerVersion{Product: attachment.ProductFirebird, Major: 1, Minor: 5}, nil)
	x := testXid("g", "b")
	f.prepareAndCrash(t, x)
	f.server.InsertRecord(1, attachmenttest.RecordLimbo, xid.Encode(testXid("g", "other")))

	require.NoError(t, f.factory.NotifyCommit(f.ctx, x, false))
	assert.Equal(t, 0, countContaining(f.server.Ops(), "CAST(?"))
	assert.Equal(t, 1, countContaining(f.server.Ops(), "STARTING WITH ASCII_CHAR(1)"))
	assert.Len(t, f.server.Records(), 1, "unrelated record stays")
}

func TestListInLimboAndForget(t *testing.T) {
	f := newLimboFixture(t, firebird4, nil)
	x := testXid("g", "b")
	nativeID := f.prepareAndCrash(t, x)

	found, err := f.factory.ListInLimbo(f.ctx)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, InLimboTransaction{Xid: x, NativeID: nativeID}, found[0])

	f.server.SetRecordState(nativeID, attachmenttest.RecordCommitted)
	require.NoError(t, f.factory.Forget(f.ctx, x))
	assert.Empty(t, f.server.Records())
}

func TestRecoveryUnsupportedProduct(t *testing.T) {
	f := newLimboFixture(t, attachment.ServerVersion{Product: "Oracle", Major: 19}, nil)
	_, err := f.factory.ListInLimbo(f.ctx)
	assert.True(t, errors.Is(err, ErrResourceManagerFail), "got %v", err)
}

func countContaining(ops []string, substr string) int {
	n := 0
	for _, op := range ops {
		if strings.Contains(op, substr) {
			n++
		}
	}
	return n
}

package xa

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/attachment/attachmenttest"
	"github.com/Aidin1998/xaconn/internal/dberr"
)

func newLocalFixture(t *testing.T) (*attachmenttest.Server, *Factory, *ManagedConnection) {
	server := attachmenttest.NewServer()
	factory := NewFactory(server.Connector(), FactoryConfig{DefaultTPB: attachment.DefaultTPB()}, zaptest.NewLogger(t))
	mc, err := factory.NewManagedConnection(context.Background())
	require.NoError(t, err)
	return server, factory, mc
}

func TestLocalCommitWithoutBeginIsNoop(t *testing.T) {
	ctx := context.Background()
	server, _, mc := newLocalFixture(t)
	listener := &mockListener{}
	mc.AddConnectionEventListener(listener)

	lt := mc.LocalTransaction()
	require.NoError(t, lt.Commit(ctx))
	require.NoError(t, lt.Rollback(ctx))
	assert.Equal(t, 0, server.CountOps("commit"))
	assert.Equal(t, 0, server.CountOps("rollback"))
	listener.AssertNotCalled(t, "LocalTransactionCommitted", LocalTransactionCommitted, nil)
}

func TestLocalBeginCommit(t *testing.T) {
	ctx := context.Background()
	server, factory, mc := newLocalFixture(t)
	listener := &mockListener{}
	listener.On("LocalTransactionStarted", LocalTransactionStarted, nil).Once()
	listener.On("LocalTransactionCommitted", LocalTransactionCommitted, nil).Once()
	mc.AddConnectionEventListener(listener)

	lt := mc.LocalTransaction()
	require.NoError(t, lt.Begin(ctx))
	assert.True(t, lt.InTransaction())
	assert.True(t, mc.InTransaction())
	assert.False(t, mc.InDistributedTransaction())
	assert.Equal(t, 0, factory.Registry().Len(), "local transactions are never registered")

	require.NoError(t, lt.Commit(ctx))
	assert.False(t, lt.InTransaction())
	assert.False(t, mc.InTransaction())
	assert.Equal(t, attachment.StateCommitted, server.TransactionState(100))
	listener.AssertExpectations(t)
}

func TestLocalRollback(t *testing.T) {
	ctx := context.Background()
	server, _, mc := newLocalFixture(t)
	lt := mc.LocalTransaction()
	require.NoError(t, lt.Begin(ctx))
	require.NoError(t, lt.Rollback(ctx))
	assert.Equal(t, attachment.StateRolledBack, server.TransactionState(100))
	assert.False(t, lt.InTransaction())
}

func TestLocalBeginSQL(t *testing.T) {
	ctx := context.Background()
	server, _, mc := newLocalFixture(t)
	lt := mc.LocalTransaction()
	require.NoError(t, lt.BeginSQL(ctx, "SET TRANSACTION READ ONLY ISOLATION LEVEL SNAPSHOT"))
	_, sql := server.TransactionTPB(100)
	assert.Equal(t, "SET TRANSACTION READ ONLY ISOLATION LEVEL SNAPSHOT", sql)
	require.NoError(t, lt.Commit(ctx))
}

func TestLocalBeginTwice(t *testing.T) {
	ctx := context.Background()
	_, _, mc := newLocalFixture(t)
	lt := mc.LocalTransaction()
	require.NoError(t, lt.Begin(ctx))
	err := lt.Begin(ctx)
	assert.True(t, errors.Is(err, ErrLocalTransactionActive), "got %v", err)
}

func TestLocalBeginWhileDistributedTransactionIsCurrent(t *testing.T) {
	ctx := context.Background()
	_, _, mc := newLocalFixture(t)
	require.NoError(t, mc.Start(ctx, testXid("g", "b"), TMNoFlags))

	err := mc.LocalTransaction().Begin(ctx)
	assert.True(t, errors.Is(err, ErrTransactionAlreadyStarted), "got %v", err)
	assert.False(t, errors.Is(err, ErrLocalTransactionActive))
}

func TestLocalCommitFailureClearsState(t *testing.T) {
	ctx := context.Background()
	server, _, mc := newLocalFixture(t)
	lt := mc.LocalTransaction()
	require.NoError(t, lt.Begin(ctx))
	server.FailNext(attachmenttest.OpCommit, dberr.New(335544345, "lock conflict"))

	err := lt.Commit(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrResourceManager))
	assert.False(t, lt.InTransaction())
	assert.False(t, mc.InTransaction())
	assert.Equal(t, attachment.StateRolledBack, server.TransactionState(100))

	require.NoError(t, lt.Begin(ctx), "connection is reusable after a failed commit")
	require.NoError(t, lt.Commit(ctx))
}

func TestLocalXidsNeverCompareEqual(t *testing.T) {
	a := &localXid{}
	b := &localXid{}
	assert.False(t, branch(a) == branch(b), "identity semantics only")
	assert.True(t, branch(a) == branch(a))
	assert.Equal(t, a.String(), b.String(), "equal nonces still do not make equal keys")
}

func TestCleanupRollsBackLocalTransaction(t *testing.T) {
	ctx := context.Background()
	server, _, mc := newLocalFixture(t)
	require.NoError(t, mc.LocalTransaction().Begin(ctx))
	require.NoError(t, mc.Cleanup(ctx))
	assert.Equal(t, attachment.StateRolledBack, server.TransactionState(100))
	assert.False(t, mc.InTransaction())
}

package pgattach_test

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/xaconn/internal/attachment/pgattach"
	"github.com/Aidin1998/xaconn/internal/xa"
	"github.com/Aidin1998/xaconn/internal/xid"
)

// Needs a server with max_prepared_transactions > 0.
func testDSN(t *testing.T) string {
	dsn := os.Getenv("XACONN_TEST_PG_DSN")
	if dsn == "" {
		t.Skip("XACONN_TEST_PG_DSN not set")
	}
	return dsn
}

func TestPreparedTransactionRecovery(t *testing.T) {
	dsn := testDSN(t)
	ctx := context.Background()
	logger := zaptest.NewLogger(t)

	factory := xa.NewFactory(pgattach.Connector(pgattach.Options{DSN: dsn, MaxConns: 4}, logger), xa.FactoryConfig{}, logger)
	mc, err := factory.NewManagedConnection(ctx)
	require.NoError(t, err)

	id := xid.MustNew(4660, []byte("pg-integration"), []byte("b1"))
	require.NoError(t, mc.Start(ctx, id, xa.TMNoFlags))
	require.NoError(t, mc.End(ctx, id, xa.TMSuccess))
	vote, err := mc.Prepare(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, xa.VoteOK, vote)
	// simulate a crash after prepare
	require.NoError(t, mc.Destroy(ctx))

	limbo, err := factory.ListInLimbo(ctx)
	require.NoError(t, err)
	found := false
	for _, tx := range limbo {
		if tx.Xid == id {
			found = true
		}
	}
	require.True(t, found, "prepared branch not reported in limbo")

	require.NoError(t, factory.NotifyCommit(ctx, id, false))

	limbo, err = factory.ListInLimbo(ctx)
	require.NoError(t, err)
	for _, tx := range limbo {
		assert.NotEqual(t, id, tx.Xid)
	}
}

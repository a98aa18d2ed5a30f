package attachment_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/attachment/attachmenttest"
	"github.com/Aidin1998/xaconn/internal/xid"
)

func TestQueryFetchesAllBatches(t *testing.T) {
	ctx := context.Background()
	server := attachmenttest.NewServer()
	for i := int64(1); i <= 25; i++ {
		x := xid.MustNew(1, []byte{byte(i)}, []byte("b"))
		server.InsertRecord(i, attachmenttest.RecordLimbo, xid.Encode(x))
	}
	att := server.NewAttachment()
	require.NoError(t, att.Attach(ctx))
	tx, err := att.StartTransaction(ctx, attachment.RecoveryTPB())
	require.NoError(t, err)

	rows, err := attachment.Query(ctx, att, tx,
		"SELECT RDB$TRANSACTION_ID, RDB$TRANSACTION_DESCRIPTION FROM RDB$TRANSACTIONS WHERE RDB$TRANSACTION_DESCRIPTION STARTING WITH x'0105'")
	require.NoError(t, err)
	assert.Len(t, rows, 25)
	assert.Equal(t, 3, server.CountOps("fetch"))

	id, err := attachment.Int64(rows[0][0])
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestExecDeletesRecord(t *testing.T) {
	ctx := context.Background()
	server := attachmenttest.NewServer()
	server.InsertRecord(7, attachmenttest.RecordCommitted, []byte{1, 5})
	att := server.NewAttachment()
	tx, err := att.StartTransaction(ctx, attachment.DefaultTPB())
	require.NoError(t, err)

	require.NoError(t, attachment.Exec(ctx, att, tx, "DELETE FROM RDB$TRANSACTIONS WHERE RDB$TRANSACTION_ID = ?", int64(7)))
	assert.Empty(t, server.Records())
}

func TestServerVersionAtLeast(t *testing.T) {
	v := attachment.ServerVersion{Product: attachment.ProductFirebird, Major: 3, Minor: 0}
	assert.True(t, v.AtLeast(2, 5))
	assert.True(t, v.AtLeast(3, 0))
	assert.False(t, v.AtLeast(3, 1))
	assert.False(t, v.AtLeast(4, 0))
	assert.Equal(t, "Firebird 3.0", v.String())
}

func TestParseIsolation(t *testing.T) {
	iso, err := attachment.ParseIsolation("snapshot")
	require.NoError(t, err)
	assert.Equal(t, attachment.RepeatableRead, iso)
	_, err = attachment.ParseIsolation("dirty")
	assert.Error(t, err)
	assert.Equal(t, "ROLLED_BACK", attachment.StateRolledBack.String())
}

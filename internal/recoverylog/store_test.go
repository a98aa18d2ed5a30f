package recoverylog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) *Store {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	require.NoError(t, err)
	store, err := New(db, zaptest.NewLogger(t))
	require.NoError(t, err)
	return store
}

func TestRecordAndList(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	base := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, store.Record(ctx, Event{Xid: "a", GlobalID: "61", NativeID: 10, Action: ActionCommit, Outcome: OutcomeCompleted, CreatedAt: base}))
	require.NoError(t, store.Record(ctx, Event{Xid: "b", GlobalID: "62", NativeID: 11, Action: ActionRollback, Outcome: OutcomeHeuristic, XACode: 6, CreatedAt: base.Add(time.Minute)}))
	require.NoError(t, store.Record(ctx, Event{Xid: "a", GlobalID: "61", NativeID: 10, Action: ActionForget, Outcome: OutcomeCompleted}))

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, ActionForget, all[0].Action, "newest first")
	assert.False(t, all[0].CreatedAt.IsZero())

	byGlobal, err := store.List(ctx, Filter{GlobalID: "61"})
	require.NoError(t, err)
	assert.Len(t, byGlobal, 2)

	rollbacks, err := store.List(ctx, Filter{Action: ActionRollback})
	require.NoError(t, err)
	require.Len(t, rollbacks, 1)
	assert.Equal(t, 6, rollbacks[0].XACode)

	recent, err := store.List(ctx, Filter{Since: base.Add(30 * time.Second), Limit: 1})
	require.NoError(t, err)
	assert.Len(t, recent, 1)
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := Open("mysql", "dsn", nil)
	assert.Error(t, err)
}

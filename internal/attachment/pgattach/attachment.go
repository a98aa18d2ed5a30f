// Package pgattach implements attachment.Attachment on PostgreSQL. Every
// transaction runs on its own pooled session; PREPARE TRANSACTION frees the
// session and the prepared transaction is completed later with COMMIT
// PREPARED or ROLLBACK PREPARED from any session.
package pgattach

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/dberr"
)

// Options configures an Attachment.
type Options struct {
	DSN      string
	MaxConns int32
}

// Attachment is a PostgreSQL database attachment.
type Attachment struct {
	opts   Options
	logger *zap.Logger
	lock   sync.Mutex

	mu        sync.Mutex
	pool      *pgxpool.Pool
	version   attachment.ServerVersion
	listeners []func(error)
	active    map[*Transaction]struct{}
}

var _ attachment.Attachment = (*Attachment)(nil)

// New creates an unattached Attachment.
func New(opts Options, logger *zap.Logger) *Attachment {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Attachment{
		opts:   opts,
		logger: logger,
		active: make(map[*Transaction]struct{}),
	}
}

// Connector returns an attachment.Connector for opts.
func Connector(opts Options, logger *zap.Logger) attachment.Connector {
	return func(ctx context.Context) (attachment.Attachment, error) {
		return New(opts, logger), nil
	}
}

func (a *Attachment) Attach(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(a.opts.DSN)
	if err != nil {
		return dberr.WithState(dberr.CodeConnectReject, "08001", "invalid connection string").Wrap(err)
	}
	if a.opts.MaxConns > 0 {
		cfg.MaxConns = a.opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return a.fail(mapError(err))
	}

	var versionNum string
	if err := pool.QueryRow(ctx, "SHOW server_version_num").Scan(&versionNum); err != nil {
		pool.Close()
		return a.fail(mapError(err))
	}
	version, err := parseVersionNum(versionNum)
	if err != nil {
		pool.Close()
		return err
	}

	a.mu.Lock()
	a.pool = pool
	a.version = version
	a.mu.Unlock()
	a.logger.Debug("Attached to PostgreSQL", zap.String("version", version.String()))
	return nil
}

func (a *Attachment) Detach(ctx context.Context) error {
	a.mu.Lock()
	pool := a.pool
	active := a.takeActiveLocked()
	a.pool = nil
	a.mu.Unlock()

	for _, tx := range active {
		if err := tx.Rollback(ctx); err != nil {
			a.logger.Warn("Rollback during detach failed", zap.Int64("native_id", tx.nativeID), zap.Error(err))
		}
	}
	if pool != nil {
		pool.Close()
	}
	return nil
}

func (a *Attachment) ForceClose() error {
	a.mu.Lock()
	pool := a.pool
	active := a.takeActiveLocked()
	a.pool = nil
	a.mu.Unlock()

	for _, tx := range active {
		tx.abandon()
	}
	if pool != nil {
		pool.Close()
	}
	return nil
}

func (a *Attachment) IsAttached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pool != nil
}

func (a *Attachment) StartTransaction(ctx context.Context, tpb attachment.TPB) (attachment.Transaction, error) {
	return a.begin(ctx, beginStatements(tpb))
}

func (a *Attachment) StartTransactionSQL(ctx context.Context, sql string) (attachment.Transaction, error) {
	return a.begin(ctx, []string{"BEGIN", sql})
}

func (a *Attachment) begin(ctx context.Context, statements []string) (attachment.Transaction, error) {
	pool, err := a.currentPool()
	if err != nil {
		return nil, err
	}
	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, a.fail(mapError(err))
	}
	for _, sql := range statements {
		if _, err := conn.Exec(ctx, sql); err != nil {
			conn.Release()
			return nil, a.fail(mapError(err))
		}
	}
	var nativeID int64
	if err := conn.QueryRow(ctx, "SELECT txid_current() % 4294967296").Scan(&nativeID); err != nil {
		conn.Release()
		return nil, a.fail(mapError(err))
	}

	tx := &Transaction{att: a, conn: conn, nativeID: nativeID, state: attachment.StateActive}
	a.mu.Lock()
	a.active[tx] = struct{}{}
	a.mu.Unlock()
	return tx, nil
}

func (a *Attachment) ReconnectTransaction(ctx context.Context, nativeID int64) (attachment.Transaction, error) {
	pool, err := a.currentPool()
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx,
		"SELECT gid FROM pg_prepared_xacts WHERE transaction::text::bigint = $1 AND database = current_database()",
		nativeID)
	if err != nil {
		return nil, a.fail(mapError(err))
	}
	defer rows.Close()
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, a.fail(mapError(err))
		}
		return nil, dberr.Newf(dberr.CodeNoRecon, "transaction %d is not in limbo", nativeID)
	}
	var gid string
	if err := rows.Scan(&gid); err != nil {
		return nil, a.fail(mapError(err))
	}
	return &Transaction{att: a, nativeID: nativeID, gid: gid, state: attachment.StatePrepared}, nil
}

func (a *Attachment) CreateStatement(ctx context.Context, tx attachment.Transaction) (attachment.Statement, error) {
	pgTx, ok := tx.(*Transaction)
	if !ok || pgTx.att != a {
		return nil, dberr.New(dberr.CodeTraState, "statement requires a transaction of this attachment")
	}
	return &Statement{tx: pgTx}, nil
}

func (a *Attachment) ServerVersion() attachment.ServerVersion {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.version
}

func (a *Attachment) WithLock() func() {
	a.lock.Lock()
	return a.lock.Unlock
}

func (a *Attachment) AddFatalErrorListener(fn func(err error)) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listeners = append(a.listeners, fn)
}

func (a *Attachment) currentPool() (*pgxpool.Pool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pool == nil {
		return nil, dberr.WithState(dberr.CodeConnectionClosed, "08003", "attachment is not attached")
	}
	return a.pool, nil
}

func (a *Attachment) takeActiveLocked() []*Transaction {
	out := make([]*Transaction, 0, len(a.active))
	for tx := range a.active {
		out = append(out, tx)
	}
	a.active = make(map[*Transaction]struct{})
	return out
}

func (a *Attachment) release(tx *Transaction) {
	a.mu.Lock()
	delete(a.active, tx)
	a.mu.Unlock()
}

func (a *Attachment) fail(err error) error {
	if !dberr.IsFatal(err) {
		return err
	}
	a.mu.Lock()
	listeners := make([]func(error), len(a.listeners))
	copy(listeners, a.listeners)
	a.mu.Unlock()
	for _, fn := range listeners {
		fn(err)
	}
	return err
}

func parseVersionNum(s string) (attachment.ServerVersion, error) {
	n, err := strconv.Atoi(s)
	if err != nil {
		return attachment.ServerVersion{}, fmt.Errorf("parse server_version_num %q: %w", s, err)
	}
	v := attachment.ServerVersion{Product: attachment.ProductPostgreSQL, Major: n / 10000}
	if v.Major < 10 {
		// 9.6.24 is 90624
		v.Minor = (n / 100) % 100
	}
	return v, nil
}

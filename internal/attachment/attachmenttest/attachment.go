package attachmenttest

import (
	"context"
	"sync"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/dberr"
)

// Attachment is an in-memory attachment.Attachment.
type Attachment struct {
	server *Server
	lock   sync.Mutex

	mu          sync.Mutex
	attached    bool
	detached    bool
	forceClosed bool
	listeners   []func(error)
}

var _ attachment.Attachment = (*Attachment)(nil)

func (a *Attachment) Attach(ctx context.Context) error {
	if err := a.server.attach(); err != nil {
		return a.fail(err)
	}
	a.mu.Lock()
	a.attached = true
	a.mu.Unlock()
	return nil
}

func (a *Attachment) Detach(ctx context.Context) error {
	err := a.server.detach()
	a.mu.Lock()
	a.attached = false
	a.detached = err == nil
	a.mu.Unlock()
	return err
}

func (a *Attachment) ForceClose() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.attached = false
	a.forceClosed = true
	return nil
}

func (a *Attachment) IsAttached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.attached
}

// Detached reports whether Detach completed.
func (a *Attachment) Detached() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.detached
}

// ForceClosed reports whether ForceClose was called.
func (a *Attachment) ForceClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.forceClosed
}

func (a *Attachment) StartTransaction(ctx context.Context, tpb attachment.TPB) (attachment.Transaction, error) {
	tx, err := a.server.begin(tpb, "")
	if err != nil {
		return nil, a.fail(err)
	}
	return &Transaction{att: a, id: tx.id}, nil
}

func (a *Attachment) StartTransactionSQL(ctx context.Context, sql string) (attachment.Transaction, error) {
	tx, err := a.server.begin(attachment.TPB{}, sql)
	if err != nil {
		return nil, a.fail(err)
	}
	return &Transaction{att: a, id: tx.id}, nil
}

func (a *Attachment) ReconnectTransaction(ctx context.Context, nativeID int64) (attachment.Transaction, error) {
	tx, err := a.server.reconnect(nativeID)
	if err != nil {
		return nil, a.fail(err)
	}
	return &Transaction{att: a, id: tx.id}, nil
}

func (a *Attachment) CreateStatement(ctx context.Context, tx attachment.Transaction) (attachment.Statement, error) {
	if tx == nil {
		return nil, dberr.New(dberr.CodeTraState, "statement requires a transaction")
	}
	return &Statement{att: a}, nil
}

func (a *Attachment) ServerVersion() attachment.ServerVersion {
	return a.server.version
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

// Transaction is a handle onto a server transaction.
type Transaction struct {
	att *Attachment
	id  int64
}

func (t *Transaction) NativeID() int64 { return t.id }

func (t *Transaction) State() attachment.TransactionState {
	return t.att.server.TransactionState(t.id)
}

func (t *Transaction) Commit(ctx context.Context) error {
	return t.att.fail(t.att.server.complete(t.id, OpCommit))
}

func (t *Transaction) Rollback(ctx context.Context) error {
	return t.att.fail(t.att.server.complete(t.id, OpRollback))
}

func (t *Transaction) Prepare(ctx context.Context, message []byte) error {
	return t.att.fail(t.att.server.prepare(t.id, message))
}

// Statement runs the metadata queries the recovery code issues.
type Statement struct {
	att       *Attachment
	sql       string
	rows      []attachment.Row
	listeners []attachment.RowListener
}

func (s *Statement) Prepare(ctx context.Context, sql string) error {
	s.sql = sql
	return nil
}

func (s *Statement) Execute(ctx context.Context, params ...interface{}) error {
	rows, err := s.att.server.execute(s.sql, params)
	if err != nil {
		return s.att.fail(err)
	}
	s.rows = rows
	return nil
}

func (s *Statement) FetchRows(ctx context.Context, fetchSize int) error {
	if err := s.att.server.fetch(); err != nil {
		return s.att.fail(err)
	}
	n := fetchSize
	if n > len(s.rows) {
		n = len(s.rows)
	}
	for _, row := range s.rows[:n] {
		for _, l := range s.listeners {
			l.ReceivedRow(row)
		}
	}
	s.rows = s.rows[n:]
	if len(s.rows) == 0 {
		for _, l := range s.listeners {
			l.AllRowsFetched()
		}
	}
	return nil
}

func (s *Statement) AddRowListener(l attachment.RowListener) {
	s.listeners = append(s.listeners, l)
}

func (s *Statement) Close() error { return nil }

// Package attachmenttest provides an in-memory attachment backed by a
// simulated server that keeps a transaction metadata relation, for tests of
// the XA layer.
package attachmenttest

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/dberr"
	"github.com/Aidin1998/xaconn/internal/xid"
)

// Op names an attachment operation for failure injection.
type Op string

const (
	OpAttach    Op = "attach"
	OpStart     Op = "start"
	OpCommit    Op = "commit"
	OpRollback  Op = "rollback"
	OpPrepare   Op = "prepare"
	OpReconnect Op = "reconnect"
	OpExecute   Op = "execute"
	OpFetch     Op = "fetch"
	OpDetach    Op = "detach"
)

// RecordState mirrors RDB$TRANSACTION_STATE.
type RecordState int

const (
	RecordLimbo      RecordState = 1
	RecordCommitted  RecordState = 2
	RecordRolledBack RecordState = 3
)

// Record is one row of the transaction metadata relation.
type Record struct {
	ID          int64
	State       RecordState
	Description []byte
}

type serverTx struct {
	id    int64
	state attachment.TransactionState
	tpb   attachment.TPB
	sql   string
}

// Server is the shared state behind every attachment it hands out.
type Server struct {
	mu          sync.Mutex
	version     attachment.ServerVersion
	nextID      int64
	txs         map[int64]*serverTx
	records     map[int64]*Record
	failures    map[Op][]error
	ops         []string
	attachments []*Attachment
}

// NewServer creates a Firebird 4.0 server.
func NewServer() *Server {
	return NewServerVersion(attachment.ServerVersion{Product: attachment.ProductFirebird, Major: 4, Minor: 0})
}

// NewServerVersion creates a server reporting v.
func NewServerVersion(v attachment.ServerVersion) *Server {
	return &Server{
		version:  v,
		nextID:   100,
		txs:      make(map[int64]*serverTx),
		records:  make(map[int64]*Record),
		failures: make(map[Op][]error),
	}
}

// Connector returns a connector creating attachments to s.
func (s *Server) Connector() attachment.Connector {
	return func(ctx context.Context) (attachment.Attachment, error) {
		return s.NewAttachment(), nil
	}
}

// NewAttachment creates an unattached attachment to s.
func (s *Server) NewAttachment() *Attachment {
	a := &Attachment{server: s}
	s.mu.Lock()
	s.attachments = append(s.attachments, a)
	s.mu.Unlock()
	return a
}

// Attachments returns every attachment created so far.
func (s *Server) Attachments() []*Attachment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Attachment(nil), s.attachments...)
}

// FailNext makes the next call of op fail with err. Calls queue up.
func (s *Server) FailNext(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], err)
}

// InsertRecord adds a row to the metadata relation.
func (s *Server) InsertRecord(id int64, state RecordState, description []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = &Record{ID: id, State: state, Description: append([]byte(nil), description...)}
}

// SetRecordState changes the state of a record, simulating a heuristic
// resolution by an administrator.
func (s *Server) SetRecordState(id int64, state RecordState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok {
		r.State = state
	}
	if tx, ok := s.txs[id]; ok {
		switch state {
		case RecordCommitted:
			tx.state = attachment.StateCommitted
		case RecordRolledBack:
			tx.state = attachment.StateRolledBack
		}
	}
}

// Records returns the metadata relation ordered by id.
func (s *Server) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// TransactionState returns the state of transaction id.
func (s *Server) TransactionState(id int64) attachment.TransactionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[id]; ok {
		return tx.state
	}
	return attachment.StateNone
}

// TransactionTPB returns the parameters transaction id was started with.
func (s *Server) TransactionTPB(id int64) (attachment.TPB, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if tx, ok := s.txs[id]; ok {
		return tx.tpb, tx.sql
	}
	return attachment.TPB{}, ""
}

// Ops returns the log of executed operations, e.g. "commit 101".
func (s *Server) Ops() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.ops...)
}

// CountOps returns how many logged operations start with prefix.
func (s *Server) CountOps(prefix string) int {
	n := 0
	for _, op := range s.Ops() {
		if strings.HasPrefix(op, prefix) {
			n++
		}
	}
	return n
}

// call must be made with s.mu held.
func (s *Server) call(op Op, format string, args ...interface{}) error {
	if queued := s.failures[op]; len(queued) > 0 {
		s.failures[op] = queued[1:]
		s.ops = append(s.ops, "failed "+string(op))
		return queued[0]
	}
	s.ops = append(s.ops, string(op)+" "+fmt.Sprintf(format, args...))
	return nil
}

func (s *Server) begin(tpb attachment.TPB, sql string) (*serverTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpStart, "%d", s.nextID); err != nil {
		return nil, err
	}
	tx := &serverTx{id: s.nextID, state: attachment.StateActive, tpb: tpb, sql: sql}
	s.txs[tx.id] = tx
	s.nextID++
	return tx, nil
}

func (s *Server) complete(id int64, op Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(op, "%d", id); err != nil {
		return err
	}
	tx, ok := s.txs[id]
	if !ok {
		return dberr.Newf(dberr.CodeTraState, "transaction %d is unknown", id)
	}
	if tx.state != attachment.StateActive && tx.state != attachment.StatePrepared {
		return dberr.Newf(dberr.CodeTraState, "transaction %d is %s", id, tx.state)
	}
	if tx.state == attachment.StatePrepared {
		delete(s.records, id)
	}
	if op == OpCommit {
		tx.state = attachment.StateCommitted
	} else {
		tx.state = attachment.StateRolledBack
	}
	return nil
}

func (s *Server) prepare(id int64, message []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpPrepare, "%d", id); err != nil {
		return err
	}
	tx, ok := s.txs[id]
	if !ok || tx.state != attachment.StateActive {
		return dberr.Newf(dberr.CodeTraState, "transaction %d cannot be prepared", id)
	}
	tx.state = attachment.StatePrepared
	s.records[id] = &Record{ID: id, State: RecordLimbo, Description: append([]byte(nil), message...)}
	return nil
}

func (s *Server) reconnect(id int64) (*serverTx, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpReconnect, "%d", id); err != nil {
		return nil, err
	}
	r, ok := s.records[id]
	if !ok {
		return nil, dberr.Newf(dberr.CodeTraState, "transaction %d is not in limbo", id)
	}
	switch r.State {
	case RecordCommitted:
		return nil, dberr.New(dberr.CodeNoRecon, "transaction is not in limbo").
			Wrap(fmt.Errorf("transaction %d is committed", id))
	case RecordRolledBack:
		return nil, dberr.New(dberr.CodeNoRecon, "transaction is not in limbo").
			Wrap(fmt.Errorf("transaction %d is rolled back", id))
	}
	tx, ok := s.txs[id]
	if !ok {
		tx = &serverTx{id: id, state: attachment.StatePrepared}
		s.txs[id] = tx
	}
	return tx, nil
}

func (s *Server) execute(sql string, params []interface{}) ([]attachment.Row, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.call(OpExecute, "%s", sql); err != nil {
		return nil, err
	}
	upper := strings.ToUpper(sql)
	if !strings.Contains(upper, "RDB$TRANSACTIONS") {
		return nil, dberr.WithState(335544569, "42000", "unsupported statement: "+sql)
	}
	if strings.HasPrefix(upper, "DELETE") {
		if len(params) != 1 {
			return nil, dberr.New(335544569, "delete expects one parameter")
		}
		id, err := attachment.Int64(params[0])
		if err != nil {
			return nil, dberr.New(335544569, err.Error())
		}
		delete(s.records, id)
		return nil, nil
	}

	var match func(r *Record) bool
	switch {
	case strings.Contains(upper, "RDB$TRANSACTION_STATE IN (2, 3)"):
		match = func(r *Record) bool { return r.State == RecordCommitted || r.State == RecordRolledBack }
	case strings.Contains(upper, "= CAST(?"):
		if len(params) != 1 {
			return nil, dberr.New(335544569, "lookup expects one parameter")
		}
		want, err := attachment.Bytes(params[0])
		if err != nil {
			return nil, dberr.New(335544569, err.Error())
		}
		match = func(r *Record) bool { return bytes.Equal(r.Description, want) }
	case strings.Contains(upper, "STARTING WITH"):
		match = func(r *Record) bool { return bytes.HasPrefix(r.Description, xid.Marker) }
	default:
		match = func(*Record) bool { return true }
	}

	ids := make([]int64, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	var rows []attachment.Row
	for _, id := range ids {
		r := s.records[id]
		if match(r) {
			rows = append(rows, attachment.Row{r.ID, append([]byte(nil), r.Description...)})
		}
	}
	return rows, nil
}

func (s *Server) fetch() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call(OpFetch, "")
}

func (s *Server) detach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call(OpDetach, "")
}

func (s *Server) attach() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.call(OpAttach, "")
}

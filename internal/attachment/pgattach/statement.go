package pgattach

import (
	"context"

	"github.com/Aidin1998/xaconn/internal/attachment"
	"github.com/Aidin1998/xaconn/internal/dberr"
)

// Statement runs SQL on the session of an active transaction.
type Statement struct {
	tx        *Transaction
	sql       string
	rows      []attachment.Row
	listeners []attachment.RowListener
}

var _ attachment.Statement = (*Statement)(nil)

func (s *Statement) Prepare(ctx context.Context, sql string) error {
	s.sql = sql
	return nil
}

func (s *Statement) Execute(ctx context.Context, params ...interface{}) error {
	return s.tx.att.fail(s.execute(ctx, params...))
}

func (s *Statement) execute(ctx context.Context, params ...interface{}) error {
	s.tx.mu.Lock()
	defer s.tx.mu.Unlock()
	if s.tx.conn == nil {
		return dberr.Newf(dberr.CodeTraState, "transaction %d has no session", s.tx.nativeID)
	}
	rows, err := s.tx.conn.Query(ctx, s.sql, params...)
	if err != nil {
		return mapError(err)
	}
	defer rows.Close()

	s.rows = s.rows[:0]
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return mapError(err)
		}
		s.rows = append(s.rows, attachment.Row(values))
	}
	if err := rows.Err(); err != nil {
		return mapError(err)
	}
	return nil
}

// FetchRows delivers buffered rows; Execute has already read the full result.
func (s *Statement) FetchRows(ctx context.Context, fetchSize int) error {
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

func (s *Statement) Close() error {
	s.rows = nil
	return nil
}

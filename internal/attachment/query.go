package attachment

import (
	"context"
	"fmt"
)

// DefaultFetchSize is the batch size used by Query.
const DefaultFetchSize = 10

// RowCollector is a RowListener that buffers every row.
type RowCollector struct {
	Rows []Row
	done bool
}

func (c *RowCollector) ReceivedRow(row Row) { c.Rows = append(c.Rows, row) }
func (c *RowCollector) AllRowsFetched()     { c.done = true }

// Done reports whether the statement signalled the end of its result set.
func (c *RowCollector) Done() bool { return c.done }

// Query runs sql on tx and returns all rows.
func Query(ctx context.Context, att Attachment, tx Transaction, sql string, params ...interface{}) ([]Row, error) {
	stmt, err := att.CreateStatement(ctx, tx)
	if err != nil {
		return nil, err
	}
	defer stmt.Close()

	collector := &RowCollector{}
	stmt.AddRowListener(collector)
	if err := stmt.Prepare(ctx, sql); err != nil {
		return nil, err
	}
	if err := stmt.Execute(ctx, params...); err != nil {
		return nil, err
	}
	for !collector.Done() {
		before := len(collector.Rows)
		if err := stmt.FetchRows(ctx, DefaultFetchSize); err != nil {
			return nil, err
		}
		if len(collector.Rows) == before && !collector.Done() {
			return nil, fmt.Errorf("statement fetched no rows without signalling end of cursor")
		}
	}
	return collector.Rows, nil
}

// Exec runs a statement that produces no rows.
func Exec(ctx context.Context, att Attachment, tx Transaction, sql string, params ...interface{}) error {
	stmt, err := att.CreateStatement(ctx, tx)
	if err != nil {
		return err
	}
	defer stmt.Close()
	if err := stmt.Prepare(ctx, sql); err != nil {
		return err
	}
	return stmt.Execute(ctx, params...)
}

// Int64 converts a fetched column to int64.
func Int64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int32:
		return int64(n), nil
	case int:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("column of type %T is not an integer", v)
	}
}

// Bytes converts a fetched column to a byte slice.
func Bytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("column of type %T is not an octet string", v)
	}
}

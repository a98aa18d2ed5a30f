package pgattach

import (
	"errors"
	"net"

	"github.com/jackc/pgx/v5/pgconn"

	"github.com/Aidin1998/xaconn/internal/dberr"
)

// mapError converts a pgx error into a dberr.Error, keeping the original as
// its cause.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return dberr.WithState(0, pgErr.Code, pgErr.Message).Wrap(err)
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return dberr.WithState(dberr.CodeNetConnectErr, "08001", "unable to connect").Wrap(err)
	}
	var netErr net.Error
	if pgconn.Timeout(err) || errors.As(err, &netErr) {
		return dberr.WithState(dberr.CodeNetworkError, "08006", "connection failure").Wrap(err)
	}
	return dberr.New(0, "database error").Wrap(err)
}

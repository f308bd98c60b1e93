package storage

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/lib/pq"

	"github.com/cuongbtq/jobserver/internal/jobs"
)

// adminShutdownCodes are server-side terminations that end the session
var adminShutdownCodes = map[pq.ErrorCode]bool{
	"57P01": true, // admin_shutdown
	"57P02": true, // crash_shutdown
	"57P03": true, // cannot_connect_now
}

// isConnectionFailure reports whether err means the database could not be
// reached or dropped the session
func isConnectionFailure(err error) bool {
	if errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, sql.ErrConnDone) ||
		errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "08" || adminShutdownCodes[pqErr.Code]
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}

// classify wraps a database error for op. Connection failures become a
// *jobs.ConnectionError so callers can retry.
func classify(op string, err error) error {
	if isConnectionFailure(err) {
		return jobs.NewConnectionError(op, err)
	}
	return fmt.Errorf("failed to %s: %w", op, err)
}

package sqlstore

import (
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"audittrail/pkg/platform/sentinel"
)

// classify marks driver errors that no retry can fix as sentinel.ErrRejected
// and lost connections as sentinel.ErrUnavailable. Everything else (timeouts,
// lock contention) is returned as is and treated as transient.
func classify(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "22", "23", "54": // data exception, integrity violation, program limit
			return fmt.Errorf("%w: %s", sentinel.ErrRejected, pqErr.Message)
		case "08", "57": // connection exception, operator intervention
			return fmt.Errorf("%w: %s", sentinel.ErrUnavailable, pqErr.Message)
		}
		return err
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_TOOBIG, sqlite3.SQLITE_MISMATCH:
			return fmt.Errorf("%w: %s", sentinel.ErrRejected, liteErr.Error())
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR:
			return fmt.Errorf("%w: %s", sentinel.ErrUnavailable, liteErr.Error())
		}
		return err
	}

	var netErr *net.OpError
	if errors.Is(err, driver.ErrBadConn) || errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", sentinel.ErrUnavailable, err)
	}
	return err
}

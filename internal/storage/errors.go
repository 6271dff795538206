package storage

import (
	"errors"
	"strconv"
)

// ErrNotRunning is returned by FinishRunAudit when the run is unknown or was
// already finished.
var ErrNotRunning = errors.New("storage: run audit is not running")

// DefaultErrorState is recorded when an error carries no more specific code.
const DefaultErrorState = "MERGE_FAILED"

// ErrorState derives the audit error_state code of err.
//
// Lookup order: an ErrorCode() of the error chain (precondition failures),
// the driver SQLSTATE (Postgres, MySQL), the SQL Server error number, the
// SQLite result code, then DefaultErrorState.
func ErrorState(err error) string {
	if err == nil {
		return ""
	}

	var coded interface{ ErrorCode() string }
	if errors.As(err, &coded) && coded.ErrorCode() != "" {
		return coded.ErrorCode()
	}
	var sqlState interface{ SQLState() string }
	if errors.As(err, &sqlState) && sqlState.SQLState() != "" {
		return sqlState.SQLState()
	}
	var mssqlNum interface{ SQLErrorNumber() int32 }
	if errors.As(err, &mssqlNum) {
		return "MSSQL_" + strconv.Itoa(int(mssqlNum.SQLErrorNumber()))
	}
	var sqliteCode interface{ Code() int }
	if errors.As(err, &sqliteCode) {
		return "SQLITE_" + strconv.Itoa(sqliteCode.Code())
	}
	return DefaultErrorState
}

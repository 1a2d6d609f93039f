package dbconn

import (
	"context"
	"database/sql"
	"math/rand"
	"time"

	mssql "github.com/microsoft/go-mssqldb"
)

// SQL Server error numbers that are worth a retry: deadlock victim,
// connection resets and Azure SQL transient throttling.
const (
	errDeadlockVictim   = 1205
	errDatabaseBusy     = 10928
	errResourceLimit    = 10929
	errServiceBusy      = 40501
	errServiceTransient = 40197
	errDatabaseMoved    = 40613
)

// canRetryError decides if a source error is a transient failure.
// For simplicity a "retryable" error means run the statement again
// from the top.
func canRetryError(err error) bool {
	val, ok := err.(mssql.Error)
	if !ok {
		return false
	}
	switch val.Number {
	case errDeadlockVictim, errDatabaseBusy, errResourceLimit,
		errServiceBusy, errServiceTransient, errDatabaseMoved:
		return true
	default:
		return false
	}
}

// backoff sleeps a few milliseconds before retrying.
func backoff(i int) {
	randFactor := i * rand.Intn(10) * int(time.Millisecond)
	time.Sleep(time.Duration(randFactor))
}

// RetryableQuery runs a read statement against the source, retrying
// transient errors for at most config.MaxRetries attempts in total, and
// returns the rows for the caller to scan.
func RetryableQuery(ctx context.Context, db *sql.DB, config *DBConfig, query string) (*sql.Rows, error) {
	var err error
	var rows *sql.Rows
	for i := 0; i < config.MaxRetries; i++ {
		rows, err = db.QueryContext(ctx, query)
		if err == nil {
			return rows, nil
		}
		if !canRetryError(err) {
			return nil, err
		}
		backoff(i)
	}
	return nil, err
}

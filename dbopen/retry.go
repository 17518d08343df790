package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Busy-retry policy for the pipeline's SQLite writers. Run finalisation and
// tender inserts land on the same database file, so a locked database is
// transient: writes retry with a short linear backoff before giving up.
const (
	retryAttempts = 3
	retryBackoff  = 100 * time.Millisecond
)

// IsBusy reports whether err is a transient SQLite locking failure worth
// retrying.
func IsBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}

// withRetry runs fn up to retryAttempts times, waiting retryBackoff,
// 2*retryBackoff, ... between attempts while fn keeps failing busy. Any other
// error returns immediately.
func withRetry(ctx context.Context, fn func() error) error {
	for attempt := 1; ; attempt++ {
		err := fn()
		if err == nil || !IsBusy(err) || attempt == retryAttempts {
			return err
		}
		if serr := sleepCtx(ctx, time.Duration(attempt)*retryBackoff); serr != nil {
			return fmt.Errorf("dbopen: retry wait: %w", serr)
		}
	}
}

// RunTx runs fn inside a transaction, committing on nil and rolling back on
// error. A busy failure retries the whole transaction.
func RunTx(ctx context.Context, db *sql.DB, fn func(*sql.Tx) error) error {
	return withRetry(ctx, func() error {
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("dbopen: begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			tx.Rollback()
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("dbopen: commit: %w", err)
		}
		return nil
	})
}

// Exec runs one statement under the same busy-retry policy.
func Exec(ctx context.Context, db *sql.DB, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := withRetry(ctx, func() error {
		var err error
		res, err = db.ExecContext(ctx, query, args...)
		return err
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

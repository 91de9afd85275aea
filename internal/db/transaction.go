package db

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/tunjid/heron-sub003/internal/models"
)

// RetryPolicy bounds how often a write is retried while SQLite reports
// lock contention. The wait doubles after every attempt.
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// DefaultRetryPolicy is used by repositories for write transactions.
var DefaultRetryPolicy = RetryPolicy{Attempts: 3, Backoff: 50 * time.Millisecond}

// Do calls fn until it succeeds, fails with a non-busy error, the attempts
// run out or ctx ends.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	attempts, wait := p.Attempts, p.Backoff
	if attempts <= 0 {
		attempts = DefaultRetryPolicy.Attempts
	}
	if wait <= 0 {
		wait = DefaultRetryPolicy.Backoff
	}

	var err error
	for n := 0; n < attempts; n++ {
		if n > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(wait):
			}
			wait *= 2
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err = fn(); !IsBusy(err) {
			return err
		}
	}
	return err
}

// TransactionWithRetry runs fn in a transaction under policy. Contention
// that outlasts the policy is reported as a local store failure.
func (db *DB) TransactionWithRetry(ctx context.Context, policy RetryPolicy, fn func(*sql.Tx) error) error {
	err := policy.Do(ctx, func() error { return db.Transaction(ctx, fn) })
	if IsBusy(err) {
		return models.LocalStore("transaction", err)
	}
	return err
}

// IsBusy reports whether err is SQLITE_BUSY or SQLITE_LOCKED.
func IsBusy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
		return false
	}

	// Errors wrapped as text by database/sql lose their type.
	msg := strings.ToLower(err.Error())
	for _, s := range []string{"database is locked", "database is busy", "sqlite_busy"} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

package dbio

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgconn"
)

// Retry runs op, retrying transient database errors with exponential
// backoff until maxElapsed is spent or ctx is cancelled. Non-transient
// errors fail immediately.
func Retry(ctx context.Context, maxElapsed time.Duration, op func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = maxElapsed
	return backoff.Retry(func() error {
		err := op()
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			return err
		}
		return backoff.Permanent(err)
	}, backoff.WithContext(bo, ctx))
}

// IsTransient classifies a database error as worth retrying: connection
// failures, serialization failures, deadlocks and a server that is not yet
// accepting connections. Constraint violations and SQL errors are permanent.
func IsTransient(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08": // connection exceptions
			return true
		case pgErr.Code == "40001" || pgErr.Code == "40P01": // serialization, deadlock
			return true
		case pgErr.Code == "57P03": // cannot_connect_now
			return true
		}
		return false
	}
	// Network-level failures surface as wrapped transport errors.
	return pgconn.SafeToRetry(err)
}

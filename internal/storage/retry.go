package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// SQLSTATE codes raised when two exporters upsert the same span rows.
const (
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

func conflictErr(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) &&
		(pgErr.Code == codeSerializationFailure || pgErr.Code == codeDeadlockDetected)
}

// retryOnConflict runs op up to retries+1 times. Only write conflicts are
// retried, after an exponential, jittered pause starting at initial; any
// other error is returned at once.
func retryOnConflict[T any](ctx context.Context, retries int, initial time.Duration, op func() (T, error)) (T, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = initial
	policy.Multiplier = 2
	return backoff.Retry(ctx, func() (T, error) {
		v, err := op()
		if err != nil && !conflictErr(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(policy), backoff.WithMaxTries(uint(retries+1)), backoff.WithMaxElapsedTime(0))
}

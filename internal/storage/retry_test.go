package storage

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestRetryOnConflictRetriesSerializationFailures(t *testing.T) {
	calls := 0
	n, err := retryOnConflict(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		if calls < 3 {
			return 0, fmt.Errorf("upsert spans: %w", &pgconn.PgError{Code: codeSerializationFailure})
		}
		return 7, nil
	})
	assert.NoError(t, err)
	assert.Equal(t, 7, n)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflictStopsOnOtherErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := retryOnConflict(context.Background(), 3, time.Millisecond, func() (int, error) {
		calls++
		return 0, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestRetryOnConflictGivesUp(t *testing.T) {
	calls := 0
	_, err := retryOnConflict(context.Background(), 2, time.Millisecond, func() (int, error) {
		calls++
		return 0, &pgconn.PgError{Code: codeDeadlockDetected}
	})
	var pgErr *pgconn.PgError
	assert.ErrorAs(t, err, &pgErr)
	assert.Equal(t, 3, calls)
}

func TestRetryOnConflictHonorsCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	_, err := retryOnConflict(ctx, 5, time.Hour, func() (int, error) {
		calls++
		return 0, &pgconn.PgError{Code: codeSerializationFailure}
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

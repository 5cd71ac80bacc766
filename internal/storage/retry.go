package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// RetryPolicy bounds how often a transaction is re-run after a transient
// conflict. The delay doubles after every retry, plus up to the same again
// as jitter.
type RetryPolicy struct {
	Retries   int
	BaseDelay time.Duration
}

// statusRetry is used for status event appends, which race with the
// reaper and with concurrent reports for the same calculation.
var statusRetry = RetryPolicy{Retries: 3, BaseDelay: 10 * time.Millisecond}

// transient reports Postgres errors after which re-running the whole
// transaction may succeed: SQLSTATE class 40 (serialization failure,
// deadlock) and lock_not_available.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return strings.HasPrefix(pgErr.Code, "40") || pgErr.Code == "55P03"
}

// Do runs fn until it succeeds, fails with a non-transient error or the
// retries are used up.
func (p RetryPolicy) Do(ctx context.Context, fn func() error) error {
	delay := p.BaseDelay
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil || !transient(err) || attempt >= p.Retries {
			return err
		}
		wait := delay
		if delay > 0 {
			wait += time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter only
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		delay *= 2
	}
}

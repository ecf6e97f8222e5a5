package store

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

type RetryPolicy struct {
	Attempts int
	Base     time.Duration
}

var defaultRetry = RetryPolicy{Attempts: 3, Base: 300 * time.Millisecond}

func (p RetryPolicy) backoff() retry.Backoff {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}
	base := p.Base
	if base <= 0 {
		base = defaultRetry.Base
	}
	return retry.WithMaxRetries(uint64(attempts-1), retry.NewExponential(base))
}

// withRetry reruns fn on transient connection errors only. Constraint
// violations and missing rows surface on the first attempt.
func withRetry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) error {
	return retry.Do(ctx, policy.backoff(), func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isTransient(err) {
			return retry.RetryableError(err)
		}
		return err
	})
}

func isTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

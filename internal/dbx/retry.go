package dbx

import (
	"context"
	"database/sql/driver"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// IsTransient reports whether err is a connectivity failure after which the
// statement is known not to have been applied, so repeating it is safe.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	return pgconn.SafeToRetry(err)
}

// RetryPolicy bounds Retry.
type RetryPolicy struct {
	MaxAttempts     uint
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

// DefaultRetryPolicy is used by services that do not configure their own.
var DefaultRetryPolicy = RetryPolicy{
	MaxAttempts:     3,
	InitialInterval: 50 * time.Millisecond,
	MaxInterval:     time.Second,
}

// Retry runs fn, repeating it while it fails with a transient error. Other
// errors are returned immediately. When attempts run out the last transient
// error is returned.
func Retry[T any](ctx context.Context, policy RetryPolicy, fn func() (T, error)) (T, error) {
	b := backoff.NewExponentialBackOff()
	if policy.InitialInterval > 0 {
		b.InitialInterval = policy.InitialInterval
	}
	if policy.MaxInterval > 0 {
		b.MaxInterval = policy.MaxInterval
	}
	attempts := policy.MaxAttempts
	if attempts == 0 {
		attempts = 1
	}

	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	}, backoff.WithBackOff(b), backoff.WithMaxTries(attempts))
}

// IsUnavailable reports whether err means the store could not serve the
// request at all: a transient connectivity failure or a timeout. Deadline
// errors wrapped by the repositories count as timeouts.
func IsUnavailable(err error) bool {
	return IsTransient(err) || pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded)
}

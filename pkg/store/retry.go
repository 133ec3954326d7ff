package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Retry budget for transactions that lose a serialization race. The jitter
// comes from the backoff's randomization factor.
const (
	retryInitialInterval = 10 * time.Millisecond
	retryMaxInterval     = 250 * time.Millisecond
	retryMaxElapsed      = 5 * time.Second
)

// WithRetry runs fn in Update transactions until it commits, gives up on a
// non-retryable error, or exhausts the backoff budget. Only ErrBusy is
// retried; everything else fails immediately. A budget overrun surfaces the
// last ErrBusy to the caller.
func WithRetry(ctx context.Context, b Backend, fn func(tx Tx) error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = retryInitialInterval
	bo.MaxInterval = retryMaxInterval
	bo.MaxElapsedTime = retryMaxElapsed

	op := func() error {
		err := b.Update(ctx, fn)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrBusy) {
			return err
		}
		return backoff.Permanent(err)
	}
	return backoff.Retry(op, backoff.WithContext(bo, ctx))
}

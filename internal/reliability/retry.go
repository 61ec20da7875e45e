package reliability

import (
	"context"
	"time"
)

// RetryOnce runs fn and, if it fails with a transient error, waits backoff and
// runs it exactly one more time.
func RetryOnce[T any](ctx context.Context, backoff time.Duration, fn func(context.Context) (T, error)) (T, error) {
	out, err := fn(ctx)
	if err == nil || !IsTransient(err) {
		return out, err
	}
	if backoff > 0 {
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			var zero T
			return zero, ctx.Err()
		case <-timer.C:
		}
	}
	return fn(ctx)
}

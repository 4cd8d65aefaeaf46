package transport

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff"
)

// errNotYet marks an attempt that should be repeated
var errNotYet = errors.New("condition not met")

// PollUntil calls fn every interval until it reports done, it fails, or
// timeout elapses. A timeout is reported as (false, nil).
func PollUntil(ctx context.Context, timeout, interval time.Duration, fn func(ctx context.Context) (bool, error)) (bool, error) {
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var hard error
	op := func() error {
		done, err := fn(pollCtx)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
				return errNotYet
			}
			hard = err
			return nil
		}
		if !done {
			return errNotYet
		}
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.NewConstantBackOff(interval), pollCtx))
	switch {
	case hard != nil:
		return false, hard
	case err == nil:
		return true, nil
	case ctx.Err() != nil:
		return false, ctx.Err()
	default:
		return false, nil
	}
}

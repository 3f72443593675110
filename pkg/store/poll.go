package store

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
)

var errStillProcessing = errors.New("store: entry still processing")

// CheckFunc re-reads an entry. It reports done together with the value once
// the entry stopped processing, or an error; returning
// ErrRecalculationNeeded ends the wait immediately.
type CheckFunc func(ctx context.Context) (value []byte, done bool, err error)

// Poll calls check immediately and then every interval until it reports
// done, fails, or timeout elapses (0 = unbounded). It is the waiting
// strategy for backends without a native wait/notify primitive.
//
// An elapsed timeout is reported as ErrRecalculationNeeded; cancellation of
// ctx itself is reported as the context error.
func Poll(ctx context.Context, interval, timeout time.Duration, check CheckFunc) ([]byte, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}

	waitCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(interval), waitCtx)
	value, err := backoff.RetryWithData(func() ([]byte, error) {
		value, done, err := check(waitCtx)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if !done {
			return nil, errStillProcessing
		}
		return value, nil
	}, b)
	if err == nil {
		return value, nil
	}

	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, errStillProcessing) {
		return nil, ErrRecalculationNeeded
	}
	return nil, err
}

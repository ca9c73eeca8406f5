package pipeline

import (
	"context"
	"time"

	"github.com/joeycumines/logiface"
)

const (
	backoffInitial    = 100 * time.Millisecond
	backoffMax        = 10 * time.Second
	backoffMaxAttempt = 6
)

// retryWithBackoff calls fn until it succeeds or backoffMaxAttempt attempts
// are exhausted, sleeping with a capped exponential delay between attempts
// (100ms -> 10s). It returns the last error on exhaustion, or ctx.Err() if
// cancelled while sleeping.
func retryWithBackoff(ctx context.Context, logger *logiface.Logger[logiface.Event], seq uint64, fn func() error) error {
	delay := backoffInitial
	var err error
	for attempt := 0; attempt < backoffMaxAttempt; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == backoffMaxAttempt-1 {
			break
		}
		logger.Warning().
			Uint64(`seq`, seq).
			Int(`attempt`, attempt+1).
			Dur(`delay`, delay).
			Err(err).
			Log(`commit failed, retrying`)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		if delay *= 2; delay > backoffMax {
			delay = backoffMax
		}
	}
	return err
}

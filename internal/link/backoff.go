package link

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Backoff configures reconnect delays: Initial doubles after every failed
// attempt up to Max.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
}

// schedule returns the retry schedule for one run of failed attempts. It
// yields a delay for each of the first maxAttempts-1 failures and
// backoff.Stop after that.
func (b Backoff) schedule(maxAttempts int) backoff.BackOff {
	exp := &backoff.ExponentialBackOff{
		InitialInterval:     b.Initial,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         b.Max,
		MaxElapsedTime:      0, // bounded by attempts, not time
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	exp.Reset()

	retries := maxAttempts - 1
	if retries < 0 {
		retries = 0
	}
	return backoff.WithMaxRetries(exp, uint64(retries))
}

package retry

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/jonboulle/clockwork"
)

const (
	DefaultMaxAttempts    = 5
	DefaultInitialBackoff = 500 * time.Millisecond
	DefaultMaxBackoff     = 10 * time.Second
)

// Policy bounds how often an operation against a collaborator is
// reattempted, and how long to wait between attempts. It is passed to
// call sites rather than being hand-rolled per call.
type Policy struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialBackoff: DefaultInitialBackoff,
		MaxBackoff:     DefaultMaxBackoff,
	}
}

// Do runs op until it succeeds, the policy's attempts are exhausted, or
// the context is done. The last error from op is returned on
// exhaustion. Each attempt is assumed to be idempotent by construction.
func Do(ctx context.Context, policy Policy, clock clockwork.Clock, logger log.Logger, what string, op func() error) error {
	attempts := policy.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	b := &backoff{initial: policy.InitialBackoff, max: policy.MaxBackoff}
	var err error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err = op(); err == nil {
			return nil
		}
		if attempt == attempts {
			break
		}
		b.Failure()
		logger.Log("op", what, "attempt", attempt, "backoff", b.Wait(), "err", err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-clock.After(b.Wait()):
		}
	}
	return err
}

// backoff calculates an exponential backoff. This is used to
// calculate wait times for future attempts.
type backoff struct {
	initial time.Duration
	max     time.Duration

	current time.Duration
}

// Failure should be called each time an attempt fails.
func (b *backoff) Failure() {
	b.current *= 2
	if b.current == 0 {
		b.current = b.initial
	} else if b.current > b.max {
		b.current = b.max
	}
}

// Wait how long to sleep before the next attempt.
func (b *backoff) Wait() time.Duration {
	return b.current
}

package statemachine

import (
	"time"

	"github.com/jpillora/backoff"
)

// WaitStrategy maps a number of observed failures to the delay before the
// next attempt.
type WaitStrategy interface {
	// FailedAttempts informs the strategy that n attempts have failed so far.
	FailedAttempts(n int)

	// RetryInMillis is the delay to wait before the next attempt.
	RetryInMillis() int64
}

// WaitStrategyFactory creates a fresh strategy for each decision, so no
// state leaks between entities.
type WaitStrategyFactory func() WaitStrategy

// ExponentialWaitStrategy waits Min after the first failure, multiplying by
// Factor for every further failure up to Max.
type ExponentialWaitStrategy struct {
	b        *backoff.Backoff
	failures int
}

func ExponentialWaitStrategyFactory(min, max time.Duration, factor float64, jitter bool) WaitStrategyFactory {
	return func() WaitStrategy {
		return &ExponentialWaitStrategy{b: &backoff.Backoff{Min: min, Max: max, Factor: factor, Jitter: jitter}}
	}
}

func (s *ExponentialWaitStrategy) FailedAttempts(n int) {
	s.failures = n
}

func (s *ExponentialWaitStrategy) RetryInMillis() int64 {
	if s.failures <= 0 {
		return 0
	}
	return s.b.ForAttempt(float64(s.failures - 1)).Milliseconds()
}

// ConstantWaitStrategy waits the same delay after any number of failures.
type ConstantWaitStrategy struct {
	Delay time.Duration
}

func ConstantWaitStrategyFactory(d time.Duration) WaitStrategyFactory {
	return func() WaitStrategy {
		return &ConstantWaitStrategy{Delay: d}
	}
}

func (s *ConstantWaitStrategy) FailedAttempts(int) {}

func (s *ConstantWaitStrategy) RetryInMillis() int64 {
	return s.Delay.Milliseconds()
}

// NoWait retries on the next poll.
type NoWait struct{}

func NoWaitFactory() WaitStrategy {
	return NoWait{}
}

func (NoWait) FailedAttempts(int) {}

func (NoWait) RetryInMillis() int64 {
	return 0
}

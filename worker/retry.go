package worker

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// RetryPolicy decides what happens to a sequence whose step failed to send.
// NextRetry returns the delay before retry attempt n (1-indexed) and whether
// a retry should happen at all. When it returns false the sequence stalls:
// its index entry is dropped and it waits for a manual resume.
type RetryPolicy interface {
	NextRetry(attempt int) (time.Duration, bool)
}

// ManualResume is the default policy: no automatic retries, every failure
// requires operator intervention to re-enter the schedule.
type ManualResume struct{}

func (ManualResume) NextRetry(int) (time.Duration, bool) { return 0, false }

// BoundedBackoff retries a failed step a fixed number of times with
// exponential spacing before giving up to manual intervention.
type BoundedBackoff struct {
	MaxAttempts int
	Initial     time.Duration
	Max         time.Duration
}

func NewBoundedBackoff(maxAttempts int, initial, max time.Duration) *BoundedBackoff {
	return &BoundedBackoff{MaxAttempts: maxAttempts, Initial: initial, Max: max}
}

func (p *BoundedBackoff) NextRetry(attempt int) (time.Duration, bool) {
	if attempt < 1 || attempt > p.MaxAttempts {
		return 0, false
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Initial
	bo.MaxInterval = p.Max
	bo.RandomizationFactor = 0 // deterministic spacing; the schedule adds jitter of its own
	bo.Reset()

	var delay time.Duration
	for i := 0; i < attempt; i++ {
		delay = bo.NextBackOff()
	}
	if delay > p.Max {
		delay = p.Max
	}
	return delay, true
}

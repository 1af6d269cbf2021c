package retry

import (
	"fmt"
	"strings"
	"time"

	"github.com/coldbell/dex/drift-sdk/pkg/types"
)

// Decision says whether to try again and how long to wait first.
type Decision struct {
	Retry   bool
	Backoff time.Duration
}

// Policy decides what happens after a failed attempt. attempt counts from 1
// and is owned by the caller, so a Policy holds no state and may be shared.
type Policy interface {
	Decide(attempt int, err error) Decision
}

type never struct{}

func Never() Policy { return never{} }

func (never) Decide(int, error) Decision { return Decision{} }

func (never) String() string { return "never" }

type fixedInterval struct {
	interval    time.Duration
	maxAttempts int
}

// FixedInterval retries after the same delay, up to maxAttempts attempts in
// total. maxAttempts <= 0 retries forever.
func FixedInterval(interval time.Duration, maxAttempts int) Policy {
	if interval < 0 {
		interval = 0
	}
	return fixedInterval{interval: interval, maxAttempts: maxAttempts}
}

func (p fixedInterval) Decide(attempt int, err error) Decision {
	if !retryable(err) || exhausted(attempt, p.maxAttempts) {
		return Decision{}
	}
	return Decision{Retry: true, Backoff: p.interval}
}

func (p fixedInterval) String() string {
	return fmt.Sprintf("fixed(%s, %d)", p.interval, p.maxAttempts)
}

type exponentialBackoff struct {
	base        time.Duration
	max         time.Duration
	maxAttempts int
}

// ExponentialBackoff doubles the delay from base on each attempt and caps it at
// max. maxAttempts <= 0 retries forever.
func ExponentialBackoff(base, max time.Duration, maxAttempts int) Policy {
	if base <= 0 {
		base = time.Millisecond
	}
	if max < base {
		max = base
	}
	return exponentialBackoff{base: base, max: max, maxAttempts: maxAttempts}
}

func (p exponentialBackoff) Decide(attempt int, err error) Decision {
	if !retryable(err) || exhausted(attempt, p.maxAttempts) {
		return Decision{}
	}
	return Decision{Retry: true, Backoff: p.delay(attempt)}
}

func (p exponentialBackoff) delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := p.base
	for i := 1; i < attempt; i++ {
		if delay >= p.max/2 {
			return p.max
		}
		delay *= 2
	}
	if delay > p.max {
		return p.max
	}
	return delay
}

func (p exponentialBackoff) String() string {
	return fmt.Sprintf("exponential(%s, %s, %d)", p.base, p.max, p.maxAttempts)
}

// FromConfig builds a policy from its configuration name: never, fixed or exponential.
func FromConfig(kind string, base, max time.Duration, maxAttempts int) (Policy, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "never", "none":
		return Never(), nil
	case "fixed", "fixed_interval":
		return FixedInterval(base, maxAttempts), nil
	case "", "exponential", "exponential_backoff":
		return ExponentialBackoff(base, max, maxAttempts), nil
	default:
		return nil, fmt.Errorf("invalid retry policy %q (expected never|fixed|exponential)", kind)
	}
}

// Sleep waits for d unless done closes first. It reports whether the full delay elapsed.
func Sleep(done <-chan struct{}, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-done:
			return false
		default:
			return true
		}
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-done:
		return false
	case <-timer.C:
		return true
	}
}

func retryable(err error) bool {
	return err == nil || types.IsRetryable(err)
}

// attempt n has failed; another is allowed while n < max.
func exhausted(attempt, max int) bool {
	return max > 0 && attempt >= max
}

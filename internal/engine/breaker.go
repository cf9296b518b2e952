package engine

import "time"

type breakerState string

const (
	breakerClosed   breakerState = "closed"
	breakerOpen     breakerState = "open"
	breakerHalfOpen breakerState = "half-open"
)

const (
	defaultBreakerThreshold = 5
	defaultProbeInterval    = 15 * time.Second
	defaultCloseAfter       = 2
)

// breaker gates the normal dispatch lane. After threshold consecutive
// failures it opens; once per probe interval it admits a single half-open
// probe, and closes again after closeAfter consecutive probe successes.
// The immediate lane never consults it. Callers hold the engine mutex.
type breaker struct {
	threshold     int
	probeInterval time.Duration
	closeAfter    int

	state          breakerState
	failures       int
	probeSuccesses int
	openedAt       time.Time
	lastProbe      time.Time
}

func newBreaker() *breaker {
	return &breaker{
		threshold:     defaultBreakerThreshold,
		probeInterval: defaultProbeInterval,
		closeAfter:    defaultCloseAfter,
		state:         breakerClosed,
	}
}

// admit reports how many operations the breaker allows this scan: the
// caller's budget when closed, one probe when the probe interval has
// elapsed, zero otherwise.
func (b *breaker) admit(now time.Time, budget int) int {
	switch b.state {
	case breakerClosed:
		return budget
	case breakerOpen:
		if now.Sub(b.openedAt) >= b.probeInterval {
			b.state = breakerHalfOpen
			b.probeSuccesses = 0
			b.lastProbe = now
			return 1
		}
		return 0
	case breakerHalfOpen:
		if now.Sub(b.lastProbe) >= b.probeInterval {
			b.lastProbe = now
			return 1
		}
		return 0
	}
	return 0
}

func (b *breaker) onSuccess() {
	switch b.state {
	case breakerClosed:
		b.failures = 0
	case breakerHalfOpen:
		b.probeSuccesses++
		if b.probeSuccesses >= b.closeAfter {
			b.state = breakerClosed
			b.failures = 0
			b.probeSuccesses = 0
		}
	}
}

func (b *breaker) onFailure(now time.Time) {
	switch b.state {
	case breakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = breakerOpen
			b.openedAt = now
		}
	case breakerHalfOpen:
		b.state = breakerOpen
		b.openedAt = now
		b.probeSuccesses = 0
	}
}

package its

import (
	"runtime"
	"time"
)

// Backoff paces a bounded hardware polling loop.
type Backoff interface {
	// Wait is called after the attempt-th failed check, starting at 1. It
	// returns false once the budget is spent.
	Wait(attempt int) bool
}

// SpinBackoff spins for Interval between attempts without sleeping, so it is
// safe to use while holding the queue lock.
type SpinBackoff struct {
	Attempts int
	Interval time.Duration
}

func (b SpinBackoff) Wait(attempt int) bool {
	if attempt >= b.Attempts {
		return false
	}
	if b.Interval > 0 {
		deadline := time.Now().Add(b.Interval)
		for time.Now().Before(deadline) {
			runtime.Gosched()
		}
	}
	return true
}

// poll calls done until it reports true or the backoff gives up.
func poll(b Backoff, done func() bool) bool {
	for attempt := 1; ; attempt++ {
		if done() {
			return true
		}
		if !b.Wait(attempt) {
			return false
		}
	}
}

package credpool

import "time"

// Clock abstracts time for the pool so tests can drive the budget accounting
// with a simulated clock.
type Clock interface {
	// Now returns the current instant.
	Now() time.Time

	// After returns a channel that fires once d has elapsed.
	After(d time.Duration) <-chan time.Time
}

// realClock is the production Clock backed by package time.
type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

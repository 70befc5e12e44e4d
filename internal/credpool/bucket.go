package credpool

import "time"

// bucket is a leaky-bucket accountant for one budget dimension (tokens or
// requests). The level rises on spend and drains continuously at rate units
// per second; a spend of n is feasible at instant t when level(t)+n does not
// exceed capacity. With rate = budget/60 and capacity = budget this bounds
// usage in any rolling 60 s window to the per-minute budget.
//
// bucket is not safe for concurrent use; the pool guards it with its mutex.
type bucket struct {
	capacity float64
	rate     float64 // units drained per second
	level    float64
	last     time.Time
}

// newBucket creates a bucket for a per-minute budget.
func newBucket(perMinute int, now time.Time) bucket {
	return bucket{
		capacity: float64(perMinute),
		rate:     float64(perMinute) / 60.0,
		last:     now,
	}
}

// drainTo advances the bucket's level to instant t.
func (b *bucket) drainTo(t time.Time) {
	if !t.After(b.last) {
		return
	}
	b.level -= b.rate * t.Sub(b.last).Seconds()
	if b.level < 0 {
		b.level = 0
	}
	b.last = t
}

// earliest returns the first instant at or after now when a spend of n
// becomes feasible. n larger than the capacity is never feasible; callers
// must check fits first.
func (b *bucket) earliest(n float64, now time.Time) time.Time {
	level := b.level
	if now.After(b.last) {
		level -= b.rate * now.Sub(b.last).Seconds()
		if level < 0 {
			level = 0
		}
	}
	excess := level + n - b.capacity
	if excess <= 0 {
		return now
	}
	wait := time.Duration(excess / b.rate * float64(time.Second))
	return now.Add(wait)
}

// fits reports whether a spend of n can ever be feasible.
func (b *bucket) fits(n float64) bool {
	return n <= b.capacity
}

// spend records a spend of n at instant t. The caller must have verified
// feasibility; overspending is recorded anyway (the level may exceed
// capacity), which delays subsequent spends — this is how post-call usage
// reconciliation slows the credential down.
func (b *bucket) spend(n float64, t time.Time) {
	b.drainTo(t)
	b.level += n
}

// refund removes a previously recorded spend of n at instant t, flooring at
// zero.
func (b *bucket) refund(n float64, t time.Time) {
	b.drainTo(t)
	b.level -= n
	if b.level < 0 {
		b.level = 0
	}
}

// headroom returns the remaining capacity at instant t.
func (b *bucket) headroom(t time.Time) float64 {
	level := b.level
	if t.After(b.last) {
		level -= b.rate * t.Sub(b.last).Seconds()
		if level < 0 {
			level = 0
		}
	}
	return b.capacity - level
}

// Package credpool manages a pool of LLM credentials with per-credential
// token-per-minute and request-per-minute budgets.
//
// The pool is the sole rate limiter in the system: every LLM call first
// acquires a [Permit], which reserves one credential exclusively (serial use
// per credential) and charges its leaky-bucket accountants with the token
// estimate. Releasing the permit frees the credential and reconciles the
// estimate with observed usage.
//
// Two acquisition paths exist. [Pool.Acquire] serves synchronous single-shot
// calls through a fair FIFO queue that always picks the credential with the
// earliest feasible instant. [Pool.AcquireBulk] serves deep-search fan-out
// jobs and rotates round-robin across eligible credentials so a burst spreads
// evenly instead of draining one credential's budget first.
package credpool

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/voxpersona/voxpersona/internal/fault"
	"github.com/voxpersona/voxpersona/pkg/provider/llm"
)

// overageThreshold is the factor above which post-call actual usage is
// charged back to the bucket. Actuals within the threshold are considered
// covered by the original estimate.
const overageThreshold = 1.2

// Status describes how a permitted call ended.
type Status int

const (
	// StatusOK marks a call that completed (successfully or with a
	// non-billing error after the request was issued).
	StatusOK Status = iota

	// StatusError marks a call that failed before meaningful token usage.
	StatusError

	// StatusCancelled marks a permit that was released without issuing a
	// call; the token estimate and the request slot are refunded.
	StatusCancelled
)

// Credential is one authentication principal at the LLM provider.
type Credential struct {
	// ID is a stable identifier used in logs and metrics.
	ID string

	// Secret is the API key. Never logged.
	Secret string

	// TPM is the tokens-per-minute budget.
	TPM int

	// RPM is the requests-per-minute budget.
	RPM int
}

// ProviderFactory builds the per-credential LLM backend.
type ProviderFactory func(Credential) (llm.Provider, error)

// slot is the pool's internal state for one credential.
type slot struct {
	cred     Credential
	provider llm.Provider
	tokens   bucket
	requests bucket
	busy     bool
}

// notBefore returns the earliest instant this slot could serve a spend of
// est tokens, ignoring the busy flag.
func (s *slot) notBefore(est int, now time.Time) time.Time {
	t := s.tokens.earliest(float64(est), now)
	r := s.requests.earliest(1, now)
	if r.After(t) {
		return r
	}
	return t
}

// ticket is one waiter in a FIFO queue.
type ticket struct {
	wake chan struct{}
}

// Pool hands out time-budgeted credential permits.
type Pool struct {
	mu          sync.Mutex
	slots       []*slot
	interactive []*ticket
	bulk        []*ticket
	rr          int // round-robin cursor for the bulk path
	clock       Clock
}

// Option configures a Pool during construction.
type Option func(*Pool)

// WithClock replaces the wall clock, for tests that simulate time.
func WithClock(c Clock) Option {
	return func(p *Pool) { p.clock = c }
}

// New constructs a Pool over the given credentials. factory is called once
// per credential to build its dedicated LLM backend.
func New(creds []Credential, factory ProviderFactory, opts ...Option) (*Pool, error) {
	if len(creds) == 0 {
		return nil, errors.New("credpool: at least one credential is required")
	}

	p := &Pool{clock: realClock{}}
	for _, o := range opts {
		o(p)
	}

	now := p.clock.Now()
	for _, c := range creds {
		provider, err := factory(c)
		if err != nil {
			return nil, fault.Wrap(fault.KindCredentialError, "credpool: build provider for "+c.ID, err)
		}
		p.slots = append(p.slots, &slot{
			cred:     c,
			provider: provider,
			tokens:   newBucket(c.TPM, now),
			requests: newBucket(c.RPM, now),
		})
	}
	return p, nil
}

// Permit is an exclusive, budget-charged reservation of one credential.
// Callers must call [Permit.Release] exactly once.
type Permit struct {
	pool *Pool
	slot *slot
	est  int

	released bool
}

// Credential returns the reserved credential.
func (pm *Permit) Credential() Credential { return pm.slot.cred }

// Provider returns the LLM backend bound to the reserved credential.
func (pm *Permit) Provider() llm.Provider { return pm.slot.provider }

// Release records the call's actual usage and frees the credential for the
// next waiter. When actual exceeds the estimate by more than 20% the overage
// is charged, delaying subsequent acquisitions; under-estimates within the
// threshold are not reconciled. StatusCancelled refunds both budgets, since
// no call was issued. Release is idempotent.
func (pm *Permit) Release(actualTokens int, status Status) {
	p := pm.pool
	p.mu.Lock()
	defer p.mu.Unlock()

	if pm.released {
		return
	}
	pm.released = true

	now := p.clock.Now()
	switch status {
	case StatusCancelled:
		pm.slot.tokens.refund(float64(pm.est), now)
		pm.slot.requests.refund(1, now)
	default:
		if float64(actualTokens) > float64(pm.est)*overageThreshold {
			pm.slot.tokens.spend(float64(actualTokens-pm.est), now)
		}
	}
	pm.slot.busy = false
	p.wakeHeadsLocked()
}

// Acquire blocks until a credential can serve estTokens without violating
// either budget, then reserves it. The wait honours ctx: an elapsed deadline
// yields fault.Timeout; plain cancellation yields ctx.Err(). Queued waiters
// withdraw without consuming budget.
func (p *Pool) Acquire(ctx context.Context, estTokens int) (*Permit, error) {
	return p.acquire(ctx, estTokens, false)
}

// AcquireBulk is the fan-out variant of [Pool.Acquire]. It has its own FIFO
// queue and rotates round-robin across credentials that are ready now, so a
// burst of bulk jobs spreads across the pool.
func (p *Pool) AcquireBulk(ctx context.Context, estTokens int) (*Permit, error) {
	return p.acquire(ctx, estTokens, true)
}

func (p *Pool) acquire(ctx context.Context, estTokens int, bulk bool) (*Permit, error) {
	if err := p.checkFits(estTokens); err != nil {
		return nil, err
	}

	t := &ticket{wake: make(chan struct{}, 1)}
	p.mu.Lock()
	if bulk {
		p.bulk = append(p.bulk, t)
	} else {
		p.interactive = append(p.interactive, t)
	}
	p.mu.Unlock()

	for {
		p.mu.Lock()
		var timerCh <-chan time.Time
		if p.isHead(t, bulk) {
			now := p.clock.Now()
			s := p.pick(estTokens, bulk, now)
			if s != nil {
				nb := s.notBefore(estTokens, now)
				if !nb.After(now) {
					// Grant.
					s.busy = true
					s.tokens.spend(float64(estTokens), now)
					s.requests.spend(1, now)
					p.dequeue(t, bulk)
					p.wakeHeadsLocked()
					p.mu.Unlock()
					return &Permit{pool: p, slot: s, est: estTokens}, nil
				}
				timerCh = p.clock.After(nb.Sub(now))
			}
			// No free slot: wait for a release to wake us.
		}
		p.mu.Unlock()

		select {
		case <-t.wake:
		case <-timerCh:
		case <-ctx.Done():
			p.mu.Lock()
			p.dequeue(t, bulk)
			p.wakeHeadsLocked()
			p.mu.Unlock()
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, fault.Wrap(fault.KindTimeout, "credpool: acquire", ctx.Err())
			}
			return nil, ctx.Err()
		}
	}
}

// checkFits rejects estimates no credential could ever serve.
func (p *Pool) checkFits(estTokens int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.slots {
		if s.tokens.fits(float64(estTokens)) {
			return nil
		}
	}
	return fault.Newf(fault.KindInternal, "credpool: estimate %d tokens exceeds every credential's TPM budget", estTokens)
}

// isHead reports whether t is at the front of its queue. Must be called with
// p.mu held.
func (p *Pool) isHead(t *ticket, bulk bool) bool {
	q := p.interactive
	if bulk {
		q = p.bulk
	}
	return len(q) > 0 && q[0] == t
}

// dequeue removes t from its queue. Must be called with p.mu held.
func (p *Pool) dequeue(t *ticket, bulk bool) {
	q := &p.interactive
	if bulk {
		q = &p.bulk
	}
	for i, w := range *q {
		if w == t {
			*q = append((*q)[:i], (*q)[i+1:]...)
			return
		}
	}
}

// wakeHeadsLocked signals the front waiter of both queues. Must be called
// with p.mu held.
func (p *Pool) wakeHeadsLocked() {
	for _, q := range [][]*ticket{p.interactive, p.bulk} {
		if len(q) > 0 {
			select {
			case q[0].wake <- struct{}{}:
			default:
			}
		}
	}
}

// pick selects the slot the head waiter should target. Must be called with
// p.mu held. Returns nil when every fitting slot is busy.
//
// Interactive path: earliest feasible instant wins; ties go to the slot with
// the larger remaining token headroom, which steers big jobs toward the
// highest-TPM credential.
//
// Bulk path: scan from the round-robin cursor for a slot that is ready now;
// fall back to the interactive policy when none is immediately ready.
func (p *Pool) pick(est int, bulk bool, now time.Time) *slot {
	if bulk {
		n := len(p.slots)
		for i := 0; i < n; i++ {
			s := p.slots[(p.rr+i)%n]
			if s.busy || !s.tokens.fits(float64(est)) {
				continue
			}
			if !s.notBefore(est, now).After(now) {
				p.rr = (p.rr + i + 1) % n
				return s
			}
		}
		// Nothing ready this instant; fall through to earliest-feasible so
		// the waiter knows how long to sleep.
	}

	var best *slot
	var bestAt time.Time
	for _, s := range p.slots {
		if s.busy || !s.tokens.fits(float64(est)) {
			continue
		}
		at := s.notBefore(est, now)
		switch {
		case best == nil, at.Before(bestAt):
			best, bestAt = s, at
		case at.Equal(bestAt):
			if s.tokens.headroom(now) > best.tokens.headroom(now) {
				best = s
			}
		}
	}
	return best
}

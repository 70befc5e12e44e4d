package credpool

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/voxpersona/voxpersona/internal/fault"
	"github.com/voxpersona/voxpersona/pkg/provider/llm"
	llmmock "github.com/voxpersona/voxpersona/pkg/provider/llm/mock"
)

// stepClock is a simulated clock: After advances the current instant by the
// requested duration and fires immediately, so budget waits resolve without
// real sleeping. Only valid for sequential acquisition tests.
type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) After(d time.Duration) <-chan time.Time {
	c.mu.Lock()
	c.now = c.now.Add(d)
	at := c.now
	c.mu.Unlock()

	ch := make(chan time.Time, 1)
	ch <- at
	return ch
}

func mockFactory(providers map[string]*llmmock.Provider) ProviderFactory {
	return func(c Credential) (llm.Provider, error) {
		p := &llmmock.Provider{}
		providers[c.ID] = p
		return p, nil
	}
}

func newTestPool(t *testing.T, creds []Credential, opts ...Option) (*Pool, map[string]*llmmock.Provider) {
	t.Helper()
	providers := make(map[string]*llmmock.Provider)
	p, err := New(creds, mockFactory(providers), opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, providers
}

func TestAcquireGrantsAndReleases(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []Credential{{ID: "a", TPM: 10000, RPM: 100}})

	permit, err := p.Acquire(context.Background(), 100)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if permit.Credential().ID != "a" {
		t.Errorf("credential = %q", permit.Credential().ID)
	}
	permit.Release(100, StatusOK)

	// Released credential serves the next waiter.
	permit2, err := p.Acquire(context.Background(), 100)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	permit2.Release(100, StatusOK)
}

func TestSerialUsePerCredential(t *testing.T) {
	t.Parallel()

	p, providers := newTestPool(t, []Credential{{ID: "a", TPM: 1_000_000, RPM: 10_000}})

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			permit, err := p.Acquire(context.Background(), 50)
			if err != nil {
				t.Errorf("Acquire: %v", err)
				return
			}
			_, _ = permit.Provider().Complete(context.Background(), llm.CompletionRequest{})
			permit.Release(50, StatusOK)
		}()
	}
	wg.Wait()

	mp := providers["a"]
	if mp.CallCount() != workers {
		t.Fatalf("calls = %d, want %d", mp.CallCount(), workers)
	}
	if mp.MaxInFlight != 1 {
		t.Errorf("MaxInFlight = %d: two calls overlapped on one credential", mp.MaxInFlight)
	}
}

func TestBudgetComplianceSimulatedClock(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(0, 0)}
	p, _ := newTestPool(t,
		[]Credential{{ID: "a", TPM: 600, RPM: 1000}},
		WithClock(clock))

	// Each acquisition spends half the TPM budget; the simulated clock must
	// advance so that no 60 s window exceeds 600 tokens.
	type grant struct{ at time.Time }
	var grants []grant
	for i := 0; i < 10; i++ {
		permit, err := p.Acquire(context.Background(), 300)
		if err != nil {
			t.Fatalf("Acquire %d: %v", i, err)
		}
		grants = append(grants, grant{at: clock.Now()})
		permit.Release(300, StatusOK)
	}

	for i := range grants {
		var window float64
		for j := range grants {
			d := grants[j].at.Sub(grants[i].at)
			if d >= 0 && d < 60*time.Second {
				window += 300
			}
		}
		if window > 600+300 {
			t.Fatalf("window at %v holds %.0f tokens, budget 600", grants[i].at, window)
		}
	}
}

func TestReleaseCancelledRefunds(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(0, 0)}
	p, _ := newTestPool(t,
		[]Credential{{ID: "a", TPM: 600, RPM: 1000}},
		WithClock(clock))

	before := clock.Now()
	permit, err := p.Acquire(context.Background(), 600)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	permit.Release(0, StatusCancelled)

	// The refund restores the full budget: a second full-budget acquire must
	// not advance the simulated clock.
	permit2, err := p.Acquire(context.Background(), 600)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := clock.Now(); got.After(before) {
		t.Errorf("clock advanced to %v after refund; expected immediate grant", got)
	}
	permit2.Release(600, StatusOK)
}

func TestReleaseCancelledRefundsRequestSlot(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(0, 0)}
	p, _ := newTestPool(t,
		[]Credential{{ID: "a", TPM: 10_000, RPM: 1}},
		WithClock(clock))

	before := clock.Now()
	permit, err := p.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	permit.Release(0, StatusCancelled)

	// The single RPM slot was never used, so the next acquire must be
	// granted at the same simulated instant rather than after a 60 s drain.
	permit2, err := p.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	if got := clock.Now(); got.After(before) {
		t.Errorf("clock advanced to %v; cancelled permit kept the request slot", got)
	}
	permit2.Release(10, StatusOK)
}

func TestAcquireDeadlineYieldsTimeout(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []Credential{{ID: "a", TPM: 1000, RPM: 100}})

	// Hold the only credential so the second acquire must wait.
	permit, err := p.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer permit.Release(10, StatusOK)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = p.Acquire(ctx, 10)
	if !errors.Is(err, fault.Timeout) {
		t.Errorf("expected fault.Timeout, got %v", err)
	}
}

func TestAcquirePlainCancellation(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []Credential{{ID: "a", TPM: 1000, RPM: 100}})

	permit, err := p.Acquire(context.Background(), 10)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer permit.Release(10, StatusOK)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err = p.Acquire(ctx, 10)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if errors.Is(err, fault.Timeout) {
		t.Error("plain cancellation must not classify as Timeout")
	}
}

func TestOversizedEstimateRejected(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []Credential{
		{ID: "a", TPM: 1000, RPM: 100},
		{ID: "b", TPM: 2000, RPM: 100},
	})

	_, err := p.Acquire(context.Background(), 2001)
	if !errors.Is(err, fault.Internal) {
		t.Errorf("expected fault.Internal for estimate above every TPM, got %v", err)
	}

	// Fits the larger credential only: must be accepted.
	permit, err := p.Acquire(context.Background(), 1500)
	if err != nil {
		t.Fatalf("Acquire within larger budget: %v", err)
	}
	if permit.Credential().ID != "b" {
		t.Errorf("credential = %q, want the only one that fits", permit.Credential().ID)
	}
	permit.Release(1500, StatusOK)
}

func TestBulkRoundRobin(t *testing.T) {
	t.Parallel()

	p, _ := newTestPool(t, []Credential{
		{ID: "a", TPM: 100_000, RPM: 1000},
		{ID: "b", TPM: 100_000, RPM: 1000},
		{ID: "c", TPM: 100_000, RPM: 1000},
	})

	seen := make(map[string]int)
	for i := 0; i < 9; i++ {
		permit, err := p.AcquireBulk(context.Background(), 10)
		if err != nil {
			t.Fatalf("AcquireBulk %d: %v", i, err)
		}
		seen[permit.Credential().ID]++
		permit.Release(10, StatusOK)
	}

	for _, id := range []string{"a", "b", "c"} {
		if seen[id] != 3 {
			t.Errorf("credential %s served %d bulk jobs, want 3 (distribution %v)", id, seen[id], seen)
		}
	}
}

func TestReleaseIdempotent(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(0, 0)}
	p, _ := newTestPool(t,
		[]Credential{{ID: "a", TPM: 600, RPM: 1000}},
		WithClock(clock))

	permit, err := p.Acquire(context.Background(), 300)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Actual usage is double the estimate, so the overage of 300 is charged
	// once; a second release must not charge it again.
	permit.Release(600, StatusOK)
	permit.Release(600, StatusOK)

	before := clock.Now()
	permit2, err := p.Acquire(context.Background(), 600)
	if err != nil {
		t.Fatalf("second Acquire: %v", err)
	}
	// Level was 600 after one overage charge; a full-budget spend needs
	// exactly 60 s of drain. A double charge would need 90 s.
	if got, want := clock.Now().Sub(before), 60*time.Second; got != want {
		t.Errorf("simulated wait = %v, want %v", got, want)
	}
	permit2.Release(600, StatusOK)
}

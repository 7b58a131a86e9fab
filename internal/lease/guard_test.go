package lease

import (
	"fmt"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestGuard(clock *fakeClock) *Guard {
	return NewGuard(Config{TTL: DefaultTTL, Now: clock.Now})
}

func TestAcquireExcludesHeld(t *testing.T) {
	g := NewGuard(Config{})

	first := g.Acquire([]string{"a", "b", "c"})
	if len(first) != 3 {
		t.Fatalf("expected 3 leases, got %v", first)
	}

	second := g.Acquire([]string{"b", "c", "d"})
	if len(second) != 1 || second[0] != "d" {
		t.Fatalf("expected only d, got %v", second)
	}
}

func TestAcquireIgnoresDuplicatesAndEmpty(t *testing.T) {
	g := NewGuard(Config{})
	got := g.Acquire([]string{"a", "", "a", "b"})
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Fatalf("expected [a b], got %v", got)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	g := NewGuard(Config{})
	g.Acquire([]string{"a"})

	g.Release("a")
	g.Release("a", "never-held")

	if g.Held("a") {
		t.Fatal("expected a to be released")
	}
	if got := g.Acquire([]string{"a"}); len(got) != 1 {
		t.Fatalf("expected a to be acquirable after release, got %v", got)
	}
}

func TestLeaseExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := newTestGuard(clock)

	g.Acquire([]string{"a"})

	clock.Advance(DefaultTTL - time.Second)
	if got := g.Acquire([]string{"a"}); len(got) != 0 {
		t.Fatalf("lease should still be live before TTL, got %v", got)
	}

	clock.Advance(time.Second + time.Millisecond)
	if got := g.Acquire([]string{"a"}); len(got) != 1 {
		t.Fatalf("expected a to be acquirable after TTL, got %v", got)
	}
}

func TestSweep(t *testing.T) {
	clock := &fakeClock{now: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)}
	g := newTestGuard(clock)

	g.Acquire([]string{"old-1", "old-2"})
	clock.Advance(DefaultTTL / 2)
	g.Acquire([]string{"fresh"})
	clock.Advance(DefaultTTL / 2)

	if n := g.Sweep(); n != 2 {
		t.Fatalf("expected 2 purged, got %d", n)
	}
	if g.Len() != 1 || !g.Held("fresh") {
		t.Fatalf("expected only fresh to remain, got %+v", g.Snapshot())
	}
}

func TestMarkCompleted(t *testing.T) {
	g := NewGuard(Config{})
	g.Acquire([]string{"a", "b"})
	g.MarkCompleted("a", "missing")

	statuses := map[string]Status{}
	for _, l := range g.Snapshot() {
		statuses[l.RecordID] = l.Status
	}
	if statuses["a"] != StatusCompleted {
		t.Errorf("expected a completed, got %q", statuses["a"])
	}
	if statuses["b"] != StatusPending {
		t.Errorf("expected b pending, got %q", statuses["b"])
	}
	if _, ok := statuses["missing"]; ok {
		t.Error("MarkCompleted must not create leases")
	}
}

func TestConcurrentAcquireIsExclusive(t *testing.T) {
	g := NewGuard(Config{})

	ids := make([]string, 50)
	for i := range ids {
		ids[i] = fmt.Sprintf("rec-%d", i)
	}

	const workers = 16
	results := make([][]string, workers)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			// Overlapping windows over the id space.
			start := (w * 7) % len(ids)
			window := make([]string, 0, 30)
			for i := 0; i < 30; i++ {
				window = append(window, ids[(start+i)%len(ids)])
			}
			results[w] = g.Acquire(window)
		}(w)
	}
	wg.Wait()

	owners := map[string]int{}
	for w, granted := range results {
		for _, id := range granted {
			if prev, ok := owners[id]; ok {
				t.Fatalf("record %s granted to workers %d and %d", id, prev, w)
			}
			owners[id] = w
		}
	}
}

func TestGuardSetTTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	g := NewGuard(Config{TTL: time.Minute, Now: clock.Now})

	g.Acquire([]string{"a"})
	g.SetTTL(10 * time.Second)
	clock.Advance(10 * time.Second)

	if got := g.Acquire([]string{"a"}); len(got) != 1 {
		t.Fatalf("lease should expire under the shorter TTL, got %v", got)
	}
	g.SetTTL(0)
	if g.TTL() != 10*time.Second {
		t.Fatalf("non-positive TTL must be ignored, got %v", g.TTL())
	}
}

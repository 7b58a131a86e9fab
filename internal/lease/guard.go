// Package lease grants short-lived exclusive processing claims on record ids.
//
// A record is processed by at most one worker at a time. Leases expire after
// a TTL so that a worker which died mid-batch cannot block its records
// forever; expired leases are purged on every Acquire and by Sweep.
package lease

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long a lease lives without an explicit release.
const DefaultTTL = 300 * time.Second

// Status is the processing state recorded on a lease.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
)

// Lease is a claim on one record id.
type Lease struct {
	RecordID   string    `json:"record_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	Status     Status    `json:"status"`
}

// Config configures a Guard.
type Config struct {
	TTL    time.Duration
	Now    func() time.Time // for tests
	Logger *slog.Logger
}

// Guard owns the lease table. All mutations happen under one mutex per call.
type Guard struct {
	mu     sync.Mutex
	ttl    time.Duration
	now    func() time.Time
	leases map[string]Lease
	logger *slog.Logger
}

// NewGuard creates an empty lease table.
func NewGuard(cfg Config) *Guard {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Guard{
		ttl:    cfg.TTL,
		now:    cfg.Now,
		leases: make(map[string]Lease),
		logger: cfg.Logger,
	}
}

// Acquire leases every id in ids that has no live lease and returns the
// granted subset in input order. Held ids are skipped silently. Duplicate
// and empty ids are ignored.
func (g *Guard) Acquire(ids []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.purgeLocked(now)

	granted := make([]string, 0, len(ids))
	for _, id := range ids {
		if id == "" {
			continue
		}
		if _, held := g.leases[id]; held {
			continue
		}
		g.leases[id] = Lease{RecordID: id, AcquiredAt: now, Status: StatusPending}
		granted = append(granted, id)
	}
	return granted
}

// Release drops the leases for ids. Unheld ids are ignored.
func (g *Guard) Release(ids ...string) {
	if len(ids) == 0 {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		delete(g.leases, id)
	}
}

// MarkCompleted flips held leases to StatusCompleted.
func (g *Guard) MarkCompleted(ids ...string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		if l, ok := g.leases[id]; ok {
			l.Status = StatusCompleted
			g.leases[id] = l
		}
	}
}

// Sweep purges expired leases and returns how many were removed.
func (g *Guard) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.purgeLocked(g.now())
}

// Held reports whether id currently has a live lease.
func (g *Guard) Held(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.leases[id]
	return ok && !g.expired(l, g.now())
}

// Len returns the number of leases in the table, expired or not.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.leases)
}

// Snapshot returns a copy of the lease table ordered by acquisition time.
func (g *Guard) Snapshot() []Lease {
	g.mu.Lock()
	out := make([]Lease, 0, len(g.leases))
	for _, l := range g.leases {
		out = append(out, l)
	}
	g.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].RecordID < out[j].RecordID
		}
		return out[i].AcquiredAt.Before(out[j].AcquiredAt)
	})
	return out
}

// TTL returns the configured lease lifetime.
func (g *Guard) TTL() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ttl
}

// SetTTL changes the lease lifetime. Existing leases are judged against the
// new value from the next call on.
func (g *Guard) SetTTL(ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	g.mu.Lock()
	g.ttl = ttl
	g.mu.Unlock()
}

func (g *Guard) expired(l Lease, now time.Time) bool {
	return now.Sub(l.AcquiredAt) >= g.ttl
}

func (g *Guard) purgeLocked(now time.Time) int {
	purged := 0
	for id, l := range g.leases {
		if g.expired(l, now) {
			delete(g.leases, id)
			purged++
		}
	}
	if purged > 0 {
		g.logger.Debug("purged expired leases", "count", purged)
	}
	return purged
}

package coordinator

import (
	"context"

	"github.com/jackzampolin/newsreel/internal/completion"
	"github.com/jackzampolin/newsreel/internal/jobs"
	"github.com/jackzampolin/newsreel/internal/lease"
)

// Progress is a user's current cycle as seen by this process.
type Progress struct {
	UserID string `json:"user_id"`
	// Open is false when no cycle is in progress (never started, or
	// completed and cleared).
	Open     bool                `json:"open"`
	Counters completion.Counters `json:"counters"`
	Complete bool                `json:"complete"`
}

// Progress returns userID's counters and the persisted completion flag.
func (c *Coordinator) Progress(ctx context.Context, userID string) (*Progress, error) {
	counters, open := c.tracker.Counters(userID)
	flag, err := c.store.CompletionFlag(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &Progress{
		UserID:   userID,
		Open:     open,
		Counters: counters,
		Complete: flag,
	}, nil
}

// BatchStats counts batch attempts since start.
type BatchStats struct {
	Accepted int64 `json:"accepted"`
	Rejected int64 `json:"rejected"`
	Failed   int64 `json:"failed"`
	Episodes int64 `json:"episodes"`
}

// Status is a point-in-time snapshot of the coordinator.
type Status struct {
	Policy    Policy          `json:"policy"`
	Pool      jobs.PoolStatus `json:"pool"`
	Leases    []lease.Lease   `json:"leases"`
	OpenUsers int             `json:"open_users"`
	Completed int64           `json:"completed"`
	Batches   BatchStats      `json:"batches"`
}

// Status returns a snapshot for the status endpoint.
func (c *Coordinator) Status() Status {
	return Status{
		Policy:    c.Policy(),
		Pool:      c.pool.Status(),
		Leases:    c.leases.Snapshot(),
		OpenUsers: c.tracker.Users(),
		Completed: c.tracker.Fired(),
		Batches: BatchStats{
			Accepted: c.accepted.Load(),
			Rejected: c.rejected.Load(),
			Failed:   c.failed.Load(),
			Episodes: c.episodes.Load(),
		},
	}
}

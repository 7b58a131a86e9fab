package coordinator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/robfig/cron/v3"

	"github.com/jackzampolin/newsreel/internal/lease"
)

const DefaultSweepSchedule = "@every 1m"

// Janitor periodically purges expired leases so that abandoned records
// become eligible again even when no webhook touches them.
type Janitor struct {
	leases   *lease.Guard
	schedule string
	parser   cron.Parser
	logger   *slog.Logger

	mu sync.Mutex
	c  *cron.Cron
}

// NewJanitor validates schedule and returns a stopped janitor.
func NewJanitor(leases *lease.Guard, schedule string, logger *slog.Logger) (*Janitor, error) {
	if schedule == "" {
		schedule = DefaultSweepSchedule
	}
	if logger == nil {
		logger = slog.Default()
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}
	return &Janitor{
		leases:   leases,
		schedule: schedule,
		parser:   parser,
		logger:   logger.With("component", "lease_janitor"),
	}, nil
}

// Start schedules the sweep. Calling Start twice is a no-op.
func (j *Janitor) Start() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.c != nil {
		return nil
	}
	c := cron.New(cron.WithParser(j.parser))
	if _, err := c.AddFunc(j.schedule, func() { j.Sweep() }); err != nil {
		return fmt.Errorf("schedule lease sweep: %w", err)
	}
	c.Start()
	j.c = c
	j.logger.Info("lease janitor started", "schedule", j.schedule)
	return nil
}

// Stop unschedules the sweep and waits for a running sweep to return.
func (j *Janitor) Stop(ctx context.Context) error {
	j.mu.Lock()
	c := j.c
	j.c = nil
	j.mu.Unlock()
	if c == nil {
		return nil
	}

	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sweep purges expired leases now and returns how many were removed.
func (j *Janitor) Sweep() int {
	n := j.leases.Sweep()
	if n > 0 {
		j.logger.Info("expired leases purged", "count", n, "remaining", j.leases.Len())
	}
	return n
}

// Package coordinator owns the per-process state behind the episode
// webhooks: record leases, per-user completion counters and the background
// pool that turns leased records into episodes.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/newsreel/internal/batch"
	"github.com/jackzampolin/newsreel/internal/completion"
	"github.com/jackzampolin/newsreel/internal/episode"
	"github.com/jackzampolin/newsreel/internal/jobs"
	"github.com/jackzampolin/newsreel/internal/lease"
	"github.com/jackzampolin/newsreel/internal/providers"
	"github.com/jackzampolin/newsreel/internal/refine"
	"github.com/jackzampolin/newsreel/internal/retry"
	"github.com/jackzampolin/newsreel/internal/store"
	"github.com/jackzampolin/newsreel/internal/tokens"
)

var (
	// ErrLeaseConflict marks ids skipped because another task holds them.
	// It is logged, never returned.
	ErrLeaseConflict = errors.New("lease conflict")
	// ErrServiceUnavailable is returned when the eligibility lookup fails
	// after its retries.
	ErrServiceUnavailable = errors.New("record store unavailable")
)

const (
	TaskTypeEpisode = "episode"
	TaskTypeRefine  = "refine"
)

// Policy holds the tunable thresholds. Every field can change at runtime
// through ApplyPolicy.
type Policy struct {
	TokenBudget    int           `json:"token_budget"`
	MinBatchSize   int           `json:"min_batch_size"`
	MinTrimmedSize int           `json:"min_trimmed_batch_size"`
	LeaseTTL       time.Duration `json:"lease_ttl"`
	RetryAttempts  uint          `json:"store_retry_attempts"`
	RetryDelay     time.Duration `json:"store_retry_delay"`
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		TokenBudget:    batch.DefaultTokenBudget,
		MinBatchSize:   batch.DefaultMinBatchSize,
		MinTrimmedSize: batch.DefaultMinTrimmedSize,
		LeaseTTL:       lease.DefaultTTL,
		RetryAttempts:  retry.DefaultAttempts,
		RetryDelay:     retry.DefaultDelay,
	}
}

func (p Policy) normalized() Policy {
	d := DefaultPolicy()
	if p.TokenBudget <= 0 {
		p.TokenBudget = d.TokenBudget
	}
	if p.MinBatchSize <= 0 {
		p.MinBatchSize = d.MinBatchSize
	}
	if p.MinTrimmedSize <= 0 {
		p.MinTrimmedSize = d.MinTrimmedSize
	}
	if p.LeaseTTL <= 0 {
		p.LeaseTTL = d.LeaseTTL
	}
	if p.RetryAttempts == 0 {
		p.RetryAttempts = d.RetryAttempts
	}
	if p.RetryDelay <= 0 {
		p.RetryDelay = d.RetryDelay
	}
	return p
}

// Batch returns the selection thresholds.
func (p Policy) Batch() batch.Policy {
	return batch.Policy{
		TokenBudget:    p.TokenBudget,
		MinBatchSize:   p.MinBatchSize,
		MinTrimmedSize: p.MinTrimmedSize,
	}
}

// Retry returns the store retry policy: fixed delay, transient errors only.
func (p Policy) Retry(logger *slog.Logger) retry.Policy {
	return retry.Policy{
		Attempts: p.RetryAttempts,
		Delay:    p.RetryDelay,
		Backoff:  retry.BackoffFixed,
		RetryIf:  store.IsRetryable,
		Logger:   logger,
	}
}

// CompletionHook runs after a user's completion flag has been written.
type CompletionHook func(ctx context.Context, userID string)

// Config configures a Coordinator.
type Config struct {
	Store  store.Store
	Client providers.LLMClient

	Policy            Policy
	Workers           int
	QueueSize         int
	CompletionStripes int
	SweepSchedule     string

	EpisodeModel      string
	RefineModel       string
	GenerationTimeout time.Duration
	Counter           *tokens.Counter

	// Now overrides the lease clock in tests.
	Now        func() time.Time
	OnComplete []CompletionHook

	Logger *slog.Logger
}

// Coordinator is constructed once at process start and stopped at shutdown.
type Coordinator struct {
	store     store.Store
	leases    *lease.Guard
	tracker   *completion.Tracker
	assembler *episode.Assembler
	refiner   *refine.Refiner
	pool      *jobs.Pool
	janitor   *Janitor
	hooks     []CompletionHook
	logger    *slog.Logger

	policy atomic.Pointer[Policy]

	mu      sync.Mutex
	started bool

	accepted atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
	episodes atomic.Int64
}

// New wires the coordinator's components. Call Start before Enqueue.
func New(cfg Config) (*Coordinator, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("coordinator requires a store")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("coordinator requires a generation client")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	logger := cfg.Logger.With("component", "coordinator")
	policy := cfg.Policy.normalized()

	c := &Coordinator{
		store:   cfg.Store,
		tracker: completion.NewTracker(cfg.CompletionStripes),
		leases:  lease.NewGuard(lease.Config{TTL: policy.LeaseTTL, Now: cfg.Now, Logger: cfg.Logger}),
		hooks:   cfg.OnComplete,
		logger:  logger,
		pool: jobs.NewPool(jobs.PoolConfig{
			Name:      "coordinator",
			Logger:    cfg.Logger,
			Workers:   cfg.Workers,
			QueueSize: cfg.QueueSize,
		}),
	}
	c.policy.Store(&policy)

	var err error
	c.assembler, err = episode.New(episode.Config{
		Records:  cfg.Store,
		Episodes: cfg.Store,
		Client:   cfg.Client,
		Leases:   c.leases,
		Retry:    policy.Retry(cfg.Logger),
		Terminal: c.fire,
		Model:    cfg.EpisodeModel,
		Timeout:  cfg.GenerationTimeout,
		Logger:   cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.refiner, err = refine.New(refine.Config{
		Records: cfg.Store,
		Client:  cfg.Client,
		Counter: cfg.Counter,
		Retry:   policy.Retry(cfg.Logger),
		Model:   cfg.RefineModel,
		Timeout: cfg.GenerationTimeout,
		Logger:  cfg.Logger,
	})
	if err != nil {
		return nil, err
	}
	c.janitor, err = NewJanitor(c.leases, cfg.SweepSchedule, cfg.Logger)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// Start launches the worker pool and the lease janitor.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started {
		return nil
	}
	c.pool.Start(ctx)
	if err := c.janitor.Start(); err != nil {
		return err
	}
	c.started = true

	p := c.Policy()
	c.logger.Info("coordinator started",
		"token_budget", p.TokenBudget,
		"min_batch_size", p.MinBatchSize,
		"min_trimmed_batch_size", p.MinTrimmedSize,
		"lease_ttl", p.LeaseTTL,
	)
	return nil
}

// Stop drains queued work. Tasks still running when ctx ends keep their
// leases until the TTL expires.
func (c *Coordinator) Stop(ctx context.Context) error {
	jerr := c.janitor.Stop(ctx)
	perr := c.pool.Stop(ctx)
	c.logger.Info("coordinator stopped", "open_users", c.tracker.Users(), "leases", c.leases.Len())
	return errors.Join(jerr, perr)
}

// Policy returns the thresholds in effect.
func (c *Coordinator) Policy() Policy {
	return *c.policy.Load()
}

// ApplyPolicy swaps in new thresholds. Batches already selected keep the
// policy they were selected under.
func (c *Coordinator) ApplyPolicy(p Policy) {
	p = p.normalized()
	c.policy.Store(&p)
	c.leases.SetTTL(p.LeaseTTL)
	c.assembler.SetRetry(p.Retry(c.logger))
	c.refiner.SetRetry(p.Retry(c.logger))
	c.logger.Info("coordinator policy updated",
		"token_budget", p.TokenBudget,
		"min_batch_size", p.MinBatchSize,
		"min_trimmed_batch_size", p.MinTrimmedSize,
		"lease_ttl", p.LeaseTTL,
		"store_retry_attempts", p.RetryAttempts,
		"store_retry_delay", p.RetryDelay,
	)
}

func (c *Coordinator) retryPolicy() retry.Policy {
	return c.Policy().Retry(c.logger)
}

// Enqueue records one webhook arrival for userID and schedules a batch
// attempt over refs. It never blocks on the attempt and never fails: a
// dropped attempt is logged and its task finished so the counters stay
// consistent.
func (c *Coordinator) Enqueue(refs []store.RecordRef, userID string) {
	task := c.tracker.Arrive(userID)
	if len(refs) == 0 {
		c.finish(context.Background(), task)
		return
	}

	err := c.pool.Submit(&jobs.Task{
		ID:     uuid.NewString(),
		Type:   TaskTypeEpisode,
		UserID: userID,
		Run: func(ctx context.Context) error {
			return c.process(ctx, refs, task)
		},
	})
	if err != nil {
		c.logger.Warn("batch attempt dropped", "user_id", userID, "records", len(refs), "error", err)
		c.failed.Add(1)
		c.finish(context.Background(), task)
	}
}

// Refine schedules a refinement of one record. When the refinement fails
// the record can never join a batch, so the user's expected count drops by
// one.
func (c *Coordinator) Refine(req refine.Request) {
	err := c.pool.Submit(&jobs.Task{
		ID:     uuid.NewString(),
		Type:   TaskTypeRefine,
		UserID: req.UserID,
		Run: func(ctx context.Context) error {
			if _, err := c.refiner.Refine(ctx, req); err != nil {
				c.ReduceExpected(ctx, req.UserID)
				return err
			}
			return nil
		},
	})
	if err != nil {
		c.logger.Warn("refinement dropped", "record_id", req.RecordID, "user_id", req.UserID, "error", err)
		c.ReduceExpected(context.Background(), req.UserID)
	}
}

// RecordExpected opens a cycle for userID expecting n webhook arrivals. The
// persisted completion flag is cleared first. When the arrivals already
// match and nothing is in flight the cycle completes at once.
func (c *Coordinator) RecordExpected(ctx context.Context, userID string, n int) error {
	if userID == "" {
		return fmt.Errorf("%w: user_id is required", store.ErrInvalidInput)
	}
	if n < 0 {
		return fmt.Errorf("%w: expected count must not be negative", store.ErrInvalidInput)
	}
	if err := c.retryPolicy().Do(ctx, "clear completion flag", func(ctx context.Context) error {
		return c.store.ClearCompletionFlag(ctx, userID)
	}); err != nil {
		return err
	}

	c.tracker.RecordExpected(userID, n)
	c.logger.Info("expected volume recorded", "user_id", userID, "expected", n)
	if c.tracker.Evaluate(userID) == completion.Fire {
		c.fire(ctx, userID)
	}
	return nil
}

// ReduceExpected lowers userID's expected count by one and fires the
// terminal action if that completes the cycle.
func (c *Coordinator) ReduceExpected(ctx context.Context, userID string) {
	if userID == "" {
		return
	}
	if c.tracker.ReduceExpected(userID) == completion.Fire {
		c.fire(ctx, userID)
	}
}

// process is one batch attempt. Every exit finishes task; leases not handed
// to the assembler are released here.
func (c *Coordinator) process(ctx context.Context, refs []store.RecordRef, task *completion.Task) (err error) {
	userID := task.UserID()
	logger := c.logger.With("user_id", userID)

	var held []string
	handedOff := false
	defer func() {
		if r := recover(); r != nil {
			logger.Error("batch attempt panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("batch attempt panicked: %v", r)
			c.failed.Add(1)
		}
		if !handedOff {
			c.leases.Release(held...)
			c.finish(ctx, task)
		}
	}()

	ids := refIDs(refs)
	held = c.leases.Acquire(ids)
	if skipped := len(ids) - len(held); skipped > 0 {
		logger.Debug("skipping leased records", "count", skipped, "reason", ErrLeaseConflict)
	}
	if len(held) == 0 {
		return nil
	}

	policy := c.Policy()
	records, err := retry.Value(ctx, policy.Retry(c.logger), "select eligible", func(ctx context.Context) ([]store.Record, error) {
		return c.store.SelectEligible(ctx, held)
	})
	if err != nil {
		c.failed.Add(1)
		logger.Error("eligibility lookup failed, abandoning batch", "record_ids", held, "error", err)
		return fmt.Errorf("%w: %w", ErrServiceUnavailable, err)
	}

	if missing := missingIDs(held, records); len(missing) > 0 {
		logger.Warn("leased records not found in store", "record_ids", missing)
		c.leases.Release(missing...)
	}
	held = store.RecordIDs(records)

	sel := policy.Batch().Select(records)
	c.leases.Release(sel.Release()...)
	held = store.RecordIDs(sel.Batch)

	if sel.Outcome != batch.Accepted {
		c.rejected.Add(1)
		logger.Info("batch rejected",
			"outcome", sel.Outcome,
			"eligible", len(records)-len(sel.Finalized),
			"finalized", len(sel.Finalized),
			"total_tokens", sel.TotalTokens,
		)
		return nil
	}

	c.accepted.Add(1)
	logger.Info("batch accepted",
		"records", len(sel.Batch),
		"skipped", len(sel.Skipped),
		"total_tokens", sel.TotalTokens,
	)

	handedOff = true
	if _, err := c.assembler.Assemble(ctx, sel.Batch, task); err != nil {
		c.failed.Add(1)
		return err
	}
	c.episodes.Add(1)
	return nil
}

func (c *Coordinator) finish(ctx context.Context, task *completion.Task) {
	if task.Finish() == completion.Fire {
		c.fire(ctx, task.UserID())
	}
}

// fire performs the terminal action. The tracker has already deleted the
// user's counters, so this runs at most once per cycle.
func (c *Coordinator) fire(ctx context.Context, userID string) {
	logger := c.logger.With("user_id", userID)
	if err := c.retryPolicy().Do(ctx, "set completion flag", func(ctx context.Context) error {
		return c.store.SetCompletionFlag(ctx, userID)
	}); err != nil {
		logger.Error("failed to set completion flag", "error", err)
	} else {
		logger.Info("user processing complete")
	}
	for _, hook := range c.hooks {
		hook(ctx, userID)
	}
}

func refIDs(refs []store.RecordRef) []string {
	ids := make([]string, 0, len(refs))
	for _, r := range refs {
		if r.ID != "" {
			ids = append(ids, r.ID)
		}
	}
	return ids
}

func missingIDs(ids []string, records []store.Record) []string {
	found := make(map[string]struct{}, len(records))
	for _, r := range records {
		found[r.ID] = struct{}{}
	}
	var missing []string
	for _, id := range ids {
		if _, ok := found[id]; !ok {
			missing = append(missing, id)
		}
	}
	return missing
}

// Package jobs runs fire-and-forget background tasks on a bounded pool of
// workers sharing one buffered queue.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrQueueFull is returned by Submit when the queue buffer is full.
	ErrQueueFull = errors.New("queue full")
	// ErrPoolClosed is returned by Submit after Stop.
	ErrPoolClosed = errors.New("pool closed")
)

const (
	DefaultWorkers   = 8
	DefaultQueueSize = 1000
)

// Task is one unit of background work.
type Task struct {
	ID     string
	Type   string // e.g. "episode", "refine"
	UserID string
	Run    func(ctx context.Context) error

	enqueuedAt time.Time
}

// PoolConfig configures a new pool.
type PoolConfig struct {
	Name      string
	Logger    *slog.Logger
	Workers   int // Number of worker goroutines (default 8)
	QueueSize int // Size of the queue buffer (default 1000)
}

// Pool manages a fixed set of workers pulling from one queue.
// All workers share a single queue; Go channel semantics balance the load.
type Pool struct {
	name      string
	logger    *slog.Logger
	workers   int
	queue     chan *Task
	closeOnce sync.Once

	mu      sync.RWMutex
	started bool
	closed  bool
	wg      sync.WaitGroup

	inFlight  atomic.Int32
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
}

// PoolStatus reports a pool's current state.
type PoolStatus struct {
	Name       string `json:"name"`
	Workers    int    `json:"workers"`
	InFlight   int    `json:"in_flight"`
	QueueDepth int    `json:"queue_depth"`
	QueueSize  int    `json:"queue_size"`
	Processed  int64  `json:"processed"`
	Failed     int64  `json:"failed"`
	Dropped    int64  `json:"dropped"`
	Closed     bool   `json:"closed"`
}

// NewPool creates a pool. Call Start to launch its workers.
func NewPool(cfg PoolConfig) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "background"
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	return &Pool{
		name:    name,
		logger:  logger.With("pool", name),
		workers: workers,
		queue:   make(chan *Task, queueSize),
	}
}

// Start launches the workers. Tasks run with a context detached from ctx's
// cancellation so that in-flight batches are never cut short; call Stop to
// drain the queue.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true

	runCtx := context.WithoutCancel(ctx)
	p.logger.Info("starting worker pool", "count", p.workers, "queue_size", cap(p.queue))
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go func(workerNum int) {
			defer p.wg.Done()
			p.workerLoop(runCtx, workerNum)
		}(i)
	}
}

// Submit enqueues t without blocking.
func (p *Pool) Submit(t *Task) error {
	if t == nil || t.Run == nil {
		return fmt.Errorf("task has no run function")
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		p.dropped.Add(1)
		return ErrPoolClosed
	}

	t.enqueuedAt = time.Now()
	select {
	case p.queue <- t:
		p.logger.Debug("task queued", "task_id", t.ID, "type", t.Type, "queue_len", len(p.queue))
		return nil
	default:
		p.dropped.Add(1)
		p.logger.Warn("queue full, dropping task", "task_id", t.ID, "type", t.Type, "user_id", t.UserID)
		return ErrQueueFull
	}
}

// Stop closes the queue and waits for the workers to drain it, or for ctx.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	started := p.started
	p.closeOnce.Do(func() { close(p.queue) })
	p.mu.Unlock()

	if !started {
		return nil
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("all workers stopped", "processed", p.processed.Load(), "failed", p.failed.Load())
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pool %s: %w", p.name, ctx.Err())
	}
}

// Status returns current pool status.
func (p *Pool) Status() PoolStatus {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()

	return PoolStatus{
		Name:       p.name,
		Workers:    p.workers,
		InFlight:   int(p.inFlight.Load()),
		QueueDepth: len(p.queue),
		QueueSize:  cap(p.queue),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Closed:     closed,
	}
}

func (p *Pool) workerLoop(ctx context.Context, workerNum int) {
	logger := p.logger.With("worker_num", workerNum)
	logger.Debug("worker started")

	for t := range p.queue {
		p.inFlight.Add(1)
		err := p.run(ctx, t)
		p.inFlight.Add(-1)
		p.processed.Add(1)
		if err != nil {
			p.failed.Add(1)
			logger.Warn("task failed", "task_id", t.ID, "type", t.Type, "user_id", t.UserID, "error", err)
			continue
		}
		logger.Debug("task completed", "task_id", t.ID, "type", t.Type, "queued_for", time.Since(t.enqueuedAt))
	}
	logger.Debug("worker stopping")
}

// run executes t, converting a panic into an error.
func (p *Pool) run(ctx context.Context, t *Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", "task_id", t.ID, "type", t.Type, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return t.Run(ctx)
}

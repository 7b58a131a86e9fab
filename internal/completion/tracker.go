// Package completion tracks, per user, when every expected record of a
// processing cycle has been handled.
//
// Each user has four counters: expected records, webhook arrivals, active
// background tasks, and a deferred-completion flag. A cycle is complete when
// arrivals match the expected count and no task is still running. At that
// point exactly one caller is told to fire the terminal action and the user's
// counters are deleted, so the next cycle starts from zero.
//
// Counters are guarded by striped mutexes keyed by user id. Every
// read-decide-mutate sequence for a user runs under that user's stripe lock.
package completion

import (
	"hash/fnv"
	"sync"
	"sync/atomic"
)

// DefaultStripes is the number of lock stripes when none is configured.
const DefaultStripes = 64

// Decision is the outcome of a terminal protocol evaluation.
type Decision int

const (
	// Pending means the cycle is not complete yet.
	Pending Decision = iota
	// Deferred means the cycle is complete but tasks are still running; the
	// last of them will fire.
	Deferred
	// Fire means the caller owns the terminal action. Counters are gone.
	Fire
)

func (d Decision) String() string {
	switch d {
	case Pending:
		return "pending"
	case Deferred:
		return "deferred"
	case Fire:
		return "fire"
	default:
		return "unknown"
	}
}

// Counters is the per-user state.
type Counters struct {
	Expected           int  `json:"expected"`
	ExpectedKnown      bool `json:"expected_known"`
	Arrived            int  `json:"arrived"`
	ActiveTasks        int  `json:"active_tasks"`
	DeferredCompletion bool `json:"deferred_completion"`
}

func (c *Counters) complete() bool {
	return c.ExpectedKnown && c.Arrived == c.Expected
}

type stripe struct {
	mu    sync.Mutex
	users map[string]*Counters
}

// Tracker holds counters for every user with an open cycle.
type Tracker struct {
	stripes []*stripe
	fired   atomic.Int64
}

// NewTracker creates a tracker with n lock stripes.
func NewTracker(n int) *Tracker {
	if n <= 0 {
		n = DefaultStripes
	}
	t := &Tracker{stripes: make([]*stripe, n)}
	for i := range t.stripes {
		t.stripes[i] = &stripe{users: make(map[string]*Counters)}
	}
	return t
}

func (t *Tracker) stripeFor(userID string) *stripe {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return t.stripes[h.Sum32()%uint32(len(t.stripes))]
}

// with runs fn with the user's counters under the stripe lock, creating them
// lazily.
func (t *Tracker) with(userID string, fn func(s *stripe, c *Counters) Decision) Decision {
	s := t.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.users[userID]
	if !ok {
		c = &Counters{}
		s.users[userID] = c
	}
	return fn(s, c)
}

// evaluateLocked is the terminal protocol. Caller holds s.mu.
func (t *Tracker) evaluateLocked(s *stripe, userID string, c *Counters) Decision {
	if !c.complete() {
		c.DeferredCompletion = false
		return Pending
	}
	if c.ActiveTasks > 0 {
		c.DeferredCompletion = true
		return Deferred
	}
	delete(s.users, userID)
	t.fired.Add(1)
	return Fire
}

// RecordExpected sets the number of records expected in the current cycle.
func (t *Tracker) RecordExpected(userID string, n int) {
	if n < 0 {
		n = 0
	}
	t.with(userID, func(_ *stripe, c *Counters) Decision {
		c.Expected = n
		c.ExpectedKnown = true
		return Pending
	})
}

// ReduceExpected lowers the expected count by one for a record that will
// never reach the batch path, then runs the terminal protocol.
func (t *Tracker) ReduceExpected(userID string) Decision {
	return t.with(userID, func(s *stripe, c *Counters) Decision {
		if c.ExpectedKnown && c.Expected > 0 {
			c.Expected--
		}
		return t.evaluateLocked(s, userID, c)
	})
}

// RecordWebhookArrival counts one inbound notification.
func (t *Tracker) RecordWebhookArrival(userID string) {
	t.with(userID, func(_ *stripe, c *Counters) Decision {
		c.Arrived++
		return Pending
	})
}

// TaskStarted counts one more in-flight task.
func (t *Tracker) TaskStarted(userID string) {
	t.with(userID, func(_ *stripe, c *Counters) Decision {
		c.ActiveTasks++
		return Pending
	})
}

// TaskFinished decrements the in-flight count and runs the terminal protocol
// in the same critical section.
func (t *Tracker) TaskFinished(userID string) Decision {
	return t.with(userID, func(s *stripe, c *Counters) Decision {
		if c.ActiveTasks > 0 {
			c.ActiveTasks--
		}
		return t.evaluateLocked(s, userID, c)
	})
}

// Evaluate runs the terminal protocol without touching the task count.
func (t *Tracker) Evaluate(userID string) Decision {
	s := t.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.users[userID]
	if !ok {
		return Pending
	}
	return t.evaluateLocked(s, userID, c)
}

// CheckCompletion reports whether arrivals match the expected count.
func (t *Tracker) CheckCompletion(userID string) bool {
	s := t.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.users[userID]
	return ok && c.complete()
}

// Counters returns a copy of the user's counters.
func (t *Tracker) Counters(userID string) (Counters, bool) {
	s := t.stripeFor(userID)
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.users[userID]
	if !ok {
		return Counters{}, false
	}
	return *c, true
}

// Users returns the number of users with open counters.
func (t *Tracker) Users() int {
	n := 0
	for _, s := range t.stripes {
		s.mu.Lock()
		n += len(s.users)
		s.mu.Unlock()
	}
	return n
}

// Fired returns how many terminal actions have been handed out.
func (t *Tracker) Fired() int64 {
	return t.fired.Load()
}

// Arrive counts a webhook arrival and starts a task for it in one critical
// section. The returned task must be finished exactly once.
func (t *Tracker) Arrive(userID string) *Task {
	t.with(userID, func(_ *stripe, c *Counters) Decision {
		c.Arrived++
		c.ActiveTasks++
		return Pending
	})
	return &Task{tracker: t, userID: userID}
}

// Begin starts a task without counting an arrival.
func (t *Tracker) Begin(userID string) *Task {
	t.TaskStarted(userID)
	return &Task{tracker: t, userID: userID}
}

// Task is a handle on one counted in-flight task.
type Task struct {
	tracker  *Tracker
	userID   string
	finished atomic.Bool
}

// UserID returns the user the task belongs to.
func (k *Task) UserID() string {
	return k.userID
}

// Finish decrements the task count and runs the terminal protocol. Only the
// first call has an effect; later calls return Pending.
func (k *Task) Finish() Decision {
	if !k.finished.CompareAndSwap(false, true) {
		return Pending
	}
	return k.tracker.TaskFinished(k.userID)
}

// Finished reports whether Finish has been called.
func (k *Task) Finished() bool {
	return k.finished.Load()
}

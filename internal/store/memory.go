package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Operation names accepted by Memory.InjectFault.
const (
	OpSelectEligible    = "select_eligible"
	OpMarkFinalized     = "mark_finalized"
	OpUpdateRefined     = "update_refined"
	OpInsertEpisode     = "insert_episode"
	OpSetCompletionFlag = "set_completion_flag"
)

type fault struct {
	remaining int
	err       error
}

// Memory is an in-process Store. It backs tests and single-shot local runs.
type Memory struct {
	mu       sync.Mutex
	records  map[string]Record
	episodes []Episode
	flags    map[string]bool
	faults   map[string]*fault
	calls    map[string]int
}

// NewMemory creates an empty memory store.
func NewMemory() *Memory {
	return &Memory{
		records: make(map[string]Record),
		flags:   make(map[string]bool),
		faults:  make(map[string]*fault),
		calls:   make(map[string]int),
	}
}

// InjectFault makes the next n calls of op fail with err. A nil err injects
// a transient failure.
func (m *Memory) InjectFault(op string, n int, err error) {
	if err == nil {
		err = transient(op, fmt.Errorf("injected fault"))
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults[op] = &fault{remaining: n, err: err}
}

// Calls returns how many times op was invoked.
func (m *Memory) Calls(op string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op]
}

// callLocked counts the call and returns an injected fault if one is armed.
func (m *Memory) callLocked(op string) error {
	m.calls[op]++
	f, ok := m.faults[op]
	if !ok || f.remaining <= 0 {
		return nil
	}
	f.remaining--
	return f.err
}

func (m *Memory) Driver() string { return "memory" }

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

func (m *Memory) SelectEligible(ctx context.Context, ids []string) ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.callLocked(OpSelectEligible); err != nil {
		return nil, err
	}

	out := make([]Record, 0, len(ids))
	seen := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		if r, ok := m.records[id]; ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *Memory) MarkFinalized(ctx context.Context, ids []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.callLocked(OpMarkFinalized); err != nil {
		return err
	}
	for _, id := range ids {
		if r, ok := m.records[id]; ok {
			r.Finalized = true
			m.records[id] = r
		}
	}
	return nil
}

func (m *Memory) UpdateRefined(ctx context.Context, id, content string, tokenCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.callLocked(OpUpdateRefined); err != nil {
		return err
	}
	r, ok := m.records[id]
	if !ok {
		return fmt.Errorf("record %s: %w", id, ErrNotFound)
	}
	r.Content = content
	r.TokenCount = tokenCount
	m.records[id] = r
	return nil
}

func (m *Memory) UpsertRecords(ctx context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		if r.ID == "" {
			return fmt.Errorf("%w: record id is required", ErrInvalidInput)
		}
		m.records[r.ID] = r
	}
	return nil
}

// Record returns a stored record.
func (m *Memory) Record(id string) (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.records[id]
	return r, ok
}

func (m *Memory) InsertEpisode(ctx context.Context, ep *Episode) (string, error) {
	if err := validateEpisode(ep); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.callLocked(OpInsertEpisode); err != nil {
		return "", err
	}
	prepareEpisode(ep)
	cp := *ep
	cp.SourceEmails = append([]string(nil), ep.SourceEmails...)
	cp.RecordIDs = append([]string(nil), ep.RecordIDs...)
	cp.Content = append([]byte(nil), ep.Content...)
	m.episodes = append(m.episodes, cp)
	return ep.ID, nil
}

func (m *Memory) ListEpisodes(ctx context.Context, userID string) ([]Episode, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Episode
	for _, ep := range m.episodes {
		if ep.UserID == userID {
			out = append(out, ep)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) SetCompletionFlag(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.callLocked(OpSetCompletionFlag); err != nil {
		return err
	}
	m.flags[userID] = true
	return nil
}

func (m *Memory) ClearCompletionFlag(ctx context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.flags, userID)
	return nil
}

func (m *Memory) CompletionFlag(ctx context.Context, userID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.flags[userID], nil
}

var _ Store = (*Memory)(nil)

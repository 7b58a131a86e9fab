// Package batch decides which leased records form an episode batch under a
// token budget.
package batch

import (
	"sort"

	"github.com/jackzampolin/newsreel/internal/store"
)

const (
	DefaultTokenBudget    = 3500
	DefaultMinBatchSize   = 3
	DefaultMinTrimmedSize = 1
)

// Outcome classifies a selection.
type Outcome string

const (
	Accepted           Outcome = "accepted"
	RejectedEmpty      Outcome = "rejected_empty"
	RejectedTooFew     Outcome = "rejected_too_few"
	RejectedOverBudget Outcome = "rejected_over_budget"
)

// Policy holds the selection thresholds.
//
// MinBatchSize applies when the eligible records already fit the budget;
// MinTrimmedSize applies to what is left after trimming an over-budget set.
type Policy struct {
	TokenBudget    int
	MinBatchSize   int
	MinTrimmedSize int
}

// DefaultPolicy returns the production thresholds.
func DefaultPolicy() Policy {
	return Policy{
		TokenBudget:    DefaultTokenBudget,
		MinBatchSize:   DefaultMinBatchSize,
		MinTrimmedSize: DefaultMinTrimmedSize,
	}
}

func (p Policy) normalized() Policy {
	if p.TokenBudget <= 0 {
		p.TokenBudget = DefaultTokenBudget
	}
	if p.MinBatchSize <= 0 {
		p.MinBatchSize = DefaultMinBatchSize
	}
	if p.MinTrimmedSize <= 0 {
		p.MinTrimmedSize = DefaultMinTrimmedSize
	}
	return p
}

// Selection is the result of Select.
type Selection struct {
	Outcome Outcome

	// Batch is set only when Outcome is Accepted, newest first.
	Batch       []store.Record
	TotalTokens int

	// Finalized are ids already folded into an earlier episode.
	Finalized []string
	// Skipped are ids trimmed off an over-budget set, newest first.
	Skipped []string
	// Rejected are the remaining ids of a rejected selection.
	Rejected []string
}

// Release returns every id whose lease the caller should drop now: all
// finalized, skipped and rejected ids.
func (s Selection) Release() []string {
	out := make([]string, 0, len(s.Finalized)+len(s.Skipped)+len(s.Rejected))
	out = append(out, s.Finalized...)
	out = append(out, s.Skipped...)
	out = append(out, s.Rejected...)
	return out
}

// Select applies the policy to records. It does not mutate its input.
func (p Policy) Select(records []store.Record) Selection {
	p = p.normalized()

	var sel Selection
	eligible := make([]store.Record, 0, len(records))
	for _, r := range records {
		if r.Finalized {
			sel.Finalized = append(sel.Finalized, r.ID)
			continue
		}
		eligible = append(eligible, r)
	}

	if len(eligible) == 0 {
		sel.Outcome = RejectedEmpty
		return sel
	}

	sort.SliceStable(eligible, func(i, j int) bool {
		return eligible[i].SentTime.After(eligible[j].SentTime)
	})

	total := 0
	for _, r := range eligible {
		total += r.TokenCount
	}

	if total < p.TokenBudget {
		if len(eligible) >= p.MinBatchSize {
			sel.Outcome = Accepted
			sel.Batch = eligible
			sel.TotalTokens = total
			return sel
		}
		sel.Outcome = RejectedTooFew
		sel.Rejected = store.RecordIDs(eligible)
		sel.TotalTokens = total
		return sel
	}

	// Over budget: drop the newest until under budget or one record remains.
	for total >= p.TokenBudget && len(eligible) > 1 {
		newest := eligible[0]
		eligible = eligible[1:]
		total -= newest.TokenCount
		sel.Skipped = append(sel.Skipped, newest.ID)
	}

	sel.TotalTokens = total
	if total < p.TokenBudget && len(eligible) >= p.MinTrimmedSize {
		sel.Outcome = Accepted
		sel.Batch = eligible
		return sel
	}

	sel.Outcome = RejectedOverBudget
	sel.Rejected = store.RecordIDs(eligible)
	return sel
}

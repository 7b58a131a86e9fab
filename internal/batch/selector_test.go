package batch

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/jackzampolin/newsreel/internal/store"
)

var t0 = time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)

// records builds records whose sent times increase with index, so the last
// element is the newest.
func records(tokens ...int) []store.Record {
	out := make([]store.Record, len(tokens))
	for i, n := range tokens {
		out[i] = store.Record{
			ID:         fmt.Sprintf("r%d", i),
			TokenCount: n,
			SentTime:   t0.Add(time.Duration(i) * time.Minute),
		}
	}
	return out
}

func ids(rs []store.Record) []string {
	return store.RecordIDs(rs)
}

func sameSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	m := map[string]int{}
	for _, x := range a {
		m[x]++
	}
	for _, x := range b {
		m[x]--
		if m[x] < 0 {
			return false
		}
	}
	return true
}

func TestSelect(t *testing.T) {
	p := DefaultPolicy()

	tests := []struct {
		name        string
		in          []store.Record
		wantOutcome Outcome
		wantBatch   []string
		wantSkipped []string
		wantRelease []string
		wantTotal   int
	}{
		{
			name:        "over budget drops the newest",
			in:          records(800, 900, 1000, 1200),
			wantOutcome: Accepted,
			wantBatch:   []string{"r2", "r1", "r0"},
			wantSkipped: []string{"r3"},
			wantRelease: []string{"r3"},
			wantTotal:   2700,
		},
		{
			name:        "under budget with too few records",
			in:          records(100, 200),
			wantOutcome: RejectedTooFew,
			wantRelease: []string{"r0", "r1"},
			wantTotal:   300,
		},
		{
			name:        "under budget with enough records",
			in:          records(100, 200, 300),
			wantOutcome: Accepted,
			wantBatch:   []string{"r2", "r1", "r0"},
			wantTotal:   600,
		},
		{
			name:        "exactly at budget is over budget",
			in:          records(1000, 1000, 1500),
			wantOutcome: Accepted,
			wantBatch:   []string{"r1", "r0"},
			wantSkipped: []string{"r2"},
			wantRelease: []string{"r2"},
			wantTotal:   2000,
		},
		{
			name:        "trim stops at one record",
			in:          records(5000, 100),
			wantOutcome: RejectedOverBudget,
			wantSkipped: []string{"r1"},
			wantRelease: []string{"r1", "r0"},
			wantTotal:   5000,
		},
		{
			name:        "trimmed batch of one is accepted",
			in:          records(3000, 4000),
			wantOutcome: Accepted,
			wantBatch:   []string{"r0"},
			wantSkipped: []string{"r1"},
			wantRelease: []string{"r1"},
			wantTotal:   3000,
		},
		{
			name:        "single oversized record",
			in:          records(9000),
			wantOutcome: RejectedOverBudget,
			wantRelease: []string{"r0"},
			wantTotal:   9000,
		},
		{
			name:        "empty input",
			in:          nil,
			wantOutcome: RejectedEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel := p.Select(tt.in)
			if sel.Outcome != tt.wantOutcome {
				t.Fatalf("outcome = %s, want %s", sel.Outcome, tt.wantOutcome)
			}
			if got := ids(sel.Batch); fmt.Sprint(got) != fmt.Sprint(tt.wantBatch) && !(len(got) == 0 && len(tt.wantBatch) == 0) {
				t.Errorf("batch = %v, want %v", got, tt.wantBatch)
			}
			if fmt.Sprint(sel.Skipped) != fmt.Sprint(tt.wantSkipped) && !(len(sel.Skipped) == 0 && len(tt.wantSkipped) == 0) {
				t.Errorf("skipped = %v, want %v", sel.Skipped, tt.wantSkipped)
			}
			if !sameSet(sel.Release(), tt.wantRelease) {
				t.Errorf("release = %v, want %v", sel.Release(), tt.wantRelease)
			}
			if sel.TotalTokens != tt.wantTotal {
				t.Errorf("total = %d, want %d", sel.TotalTokens, tt.wantTotal)
			}
		})
	}
}

func TestSelectReleasesFinalized(t *testing.T) {
	in := records(500, 600, 700, 800)
	in[1].Finalized = true

	sel := DefaultPolicy().Select(in)
	if sel.Outcome != Accepted {
		t.Fatalf("expected Accepted, got %s", sel.Outcome)
	}
	if len(sel.Finalized) != 1 || sel.Finalized[0] != "r1" {
		t.Fatalf("expected r1 finalized, got %v", sel.Finalized)
	}
	for _, r := range sel.Batch {
		if r.ID == "r1" {
			t.Fatal("finalized record must not be batched")
		}
	}
	if !sameSet(sel.Release(), []string{"r1"}) {
		t.Fatalf("expected only r1 released, got %v", sel.Release())
	}
}

func TestSelectConfigurableThresholds(t *testing.T) {
	p := Policy{TokenBudget: 1000, MinBatchSize: 1, MinTrimmedSize: 2}

	if sel := p.Select(records(100)); sel.Outcome != Accepted {
		t.Fatalf("MinBatchSize=1 should accept a single record, got %s", sel.Outcome)
	}
	// 600+500 >= 1000, trimming leaves one record which is under MinTrimmedSize.
	if sel := p.Select(records(600, 500)); sel.Outcome != RejectedOverBudget {
		t.Fatalf("expected RejectedOverBudget, got %s", sel.Outcome)
	}
}

// Every accepted batch fits the budget, and every input id is either batched
// or released exactly once.
func TestSelectInvariants(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	p := DefaultPolicy()

	for i := 0; i < 500; i++ {
		n := r.Intn(8)
		tokens := make([]int, n)
		for j := range tokens {
			tokens[j] = r.Intn(2500)
		}
		in := records(tokens...)
		for j := range in {
			in[j].Finalized = r.Intn(6) == 0
		}

		sel := p.Select(in)
		if sel.Outcome == Accepted {
			sum := 0
			for _, rec := range sel.Batch {
				sum += rec.TokenCount
			}
			if sum >= p.TokenBudget {
				t.Fatalf("case %d: accepted batch total %d >= budget", i, sum)
			}
			if len(sel.Skipped) == 0 && len(sel.Batch) < p.MinBatchSize {
				t.Fatalf("case %d: under-budget batch of %d records", i, len(sel.Batch))
			}
			if len(sel.Batch) == 0 {
				t.Fatalf("case %d: accepted an empty batch", i)
			}
		}

		all := append(ids(sel.Batch), sel.Release()...)
		if !sameSet(all, ids(in)) {
			t.Fatalf("case %d: ids not conserved: in=%v out=%v", i, ids(in), all)
		}
	}
}

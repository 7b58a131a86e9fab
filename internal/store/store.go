// Package store defines the persistence contracts used by the coordinator and
// ships memory, SQLite and Postgres implementations of them.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrNotFound is returned when a row does not exist.
	ErrNotFound = errors.New("not found")
	// ErrTransient marks failures worth retrying (connection loss, timeouts,
	// lock contention).
	ErrTransient = errors.New("transient store error")
	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// IsRetryable reports whether err was classified as transient.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient)
}

func transient(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrTransient, op, err)
}

// Record is one newsletter email owned by the record store.
type Record struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	EmailAddress string    `json:"email_address"`
	Content      string    `json:"content,omitempty"`
	TokenCount   int       `json:"token_count"`
	SentTime     time.Time `json:"sent_time"`
	Finalized    bool      `json:"finalized"`
}

// RecordRef is how a webhook refers to a record.
type RecordRef struct {
	ID           string `json:"id"`
	EmailAddress string `json:"email_address,omitempty"`
}

// Episode is a generated episode. Never mutated after insert.
type Episode struct {
	ID           string          `json:"id"`
	UserID       string          `json:"user_id"`
	Title        string          `json:"title"`
	Content      json.RawMessage `json:"content"`
	SourceEmails []string        `json:"source_emails"`
	RecordIDs    []string        `json:"record_ids"`
	CreatedAt    time.Time       `json:"created_at"`
}

// RecordStore reads and flags newsletter records.
type RecordStore interface {
	// SelectEligible returns the stored rows for ids, finalized or not.
	// Unknown ids are omitted.
	SelectEligible(ctx context.Context, ids []string) ([]Record, error)
	// MarkFinalized sets finalized=true. Idempotent.
	MarkFinalized(ctx context.Context, ids []string) error
	// UpdateRefined stores refined content and its token count. Returns
	// ErrNotFound when the row does not exist.
	UpdateRefined(ctx context.Context, id, content string, tokenCount int) error
	// UpsertRecords inserts or replaces rows.
	UpsertRecords(ctx context.Context, records []Record) error
}

// EpisodeStore persists generated episodes.
type EpisodeStore interface {
	InsertEpisode(ctx context.Context, ep *Episode) (string, error)
	ListEpisodes(ctx context.Context, userID string) ([]Episode, error)
}

// ProfileStore holds the per-user completion flag.
type ProfileStore interface {
	SetCompletionFlag(ctx context.Context, userID string) error
	ClearCompletionFlag(ctx context.Context, userID string) error
	CompletionFlag(ctx context.Context, userID string) (bool, error)
}

// Store is the full backend.
type Store interface {
	RecordStore
	EpisodeStore
	ProfileStore

	Driver() string
	Ping(ctx context.Context) error
	Close() error
}

// UniqueEmails returns the sorted distinct non-empty email addresses of records.
func UniqueEmails(records []Record) []string {
	seen := make(map[string]struct{}, len(records))
	out := make([]string, 0, len(records))
	for _, r := range records {
		if r.EmailAddress == "" {
			continue
		}
		if _, ok := seen[r.EmailAddress]; ok {
			continue
		}
		seen[r.EmailAddress] = struct{}{}
		out = append(out, r.EmailAddress)
	}
	sort.Strings(out)
	return out
}

// RecordIDs returns the ids of records in order.
func RecordIDs(records []Record) []string {
	ids := make([]string, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}

func validateEpisode(ep *Episode) error {
	if ep == nil {
		return fmt.Errorf("%w: nil episode", ErrInvalidInput)
	}
	if ep.UserID == "" {
		return fmt.Errorf("%w: episode user_id is required", ErrInvalidInput)
	}
	if len(ep.Content) == 0 {
		return fmt.Errorf("%w: episode content is required", ErrInvalidInput)
	}
	return nil
}

func prepareEpisode(ep *Episode) {
	if ep.ID == "" {
		ep.ID = uuid.NewString()
	}
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	if ep.SourceEmails == nil {
		ep.SourceEmails = []string{}
	}
	if ep.RecordIDs == nil {
		ep.RecordIDs = []string{}
	}
}

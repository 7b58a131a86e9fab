// Package episode turns an accepted batch of newsletters into a persisted
// episode.
package episode

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/newsreel/internal/completion"
	"github.com/jackzampolin/newsreel/internal/lease"
	"github.com/jackzampolin/newsreel/internal/providers"
	"github.com/jackzampolin/newsreel/internal/retry"
	"github.com/jackzampolin/newsreel/internal/store"
)

// ErrGeneration wraps failures of the generation service.
var ErrGeneration = errors.New("generation failed")

const DefaultModel = "gpt-4o"

// TerminalFunc performs the one-shot completion action for a user.
type TerminalFunc func(ctx context.Context, userID string)

// Config configures an Assembler.
type Config struct {
	Records  store.RecordStore
	Episodes store.EpisodeStore
	Client   providers.LLMClient
	Leases   *lease.Guard
	Retry    retry.Policy
	Terminal TerminalFunc

	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	Logger *slog.Logger
}

// Assembler generates and persists episodes.
type Assembler struct {
	records  store.RecordStore
	episodes store.EpisodeStore
	client   providers.LLMClient
	leases   *lease.Guard
	retry    atomic.Pointer[retry.Policy]
	terminal TerminalFunc

	model       string
	temperature float64
	maxTokens   int
	timeout     time.Duration

	logger *slog.Logger
}

// New creates an Assembler.
func New(cfg Config) (*Assembler, error) {
	if cfg.Records == nil || cfg.Episodes == nil {
		return nil, fmt.Errorf("episode assembler requires record and episode stores")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("episode assembler requires a generation client")
	}
	if cfg.Leases == nil {
		return nil, fmt.Errorf("episode assembler requires a lease guard")
	}
	if cfg.Terminal == nil {
		cfg.Terminal = func(context.Context, string) {}
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	a := &Assembler{
		records:     cfg.Records,
		episodes:    cfg.Episodes,
		client:      cfg.Client,
		leases:      cfg.Leases,
		terminal:    cfg.Terminal,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		timeout:     cfg.Timeout,
		logger:      cfg.Logger.With("component", "assembler"),
	}
	a.SetRetry(cfg.Retry)
	return a, nil
}

// SetRetry replaces the store retry policy used by later batches.
func (a *Assembler) SetRetry(p retry.Policy) {
	a.retry.Store(&p)
}

// Assemble finalizes the batch records, generates an episode from them and
// persists it. It always releases the batch leases and finishes task before
// returning; on success the task finishes before the leases are released.
//
// Records stay finalized when generation fails or its output is malformed.
func (a *Assembler) Assemble(ctx context.Context, batch []store.Record, task *completion.Task) (string, error) {
	ids := store.RecordIDs(batch)
	userID := task.UserID()
	logger := a.logger.With("user_id", userID, "records", len(ids))

	defer func() {
		a.finish(ctx, task)
		a.leases.Release(ids...)
	}()

	if len(batch) == 0 {
		return "", fmt.Errorf("empty batch")
	}

	policy := *a.retry.Load()
	if err := policy.Do(ctx, "mark finalized", func(ctx context.Context) error {
		return a.records.MarkFinalized(ctx, ids)
	}); err != nil {
		logger.Error("failed to finalize batch", "error", err)
		return "", err
	}

	result, err := a.client.Chat(ctx, &providers.ChatRequest{
		Messages: []providers.Message{
			providers.SystemMessage(SystemPrompt),
			providers.UserMessage(BuildPrompt(batch)),
		},
		Model:          a.model,
		Temperature:    a.temperature,
		MaxTokens:      a.maxTokens,
		Timeout:        a.timeout,
		ResponseFormat: &providers.ResponseFormat{Type: "json_object", JSONSchema: Schema},
		RequestID:      uuid.NewString(),
	})
	if err != nil {
		logger.Error("generation failed", "error", err)
		return "", fmt.Errorf("%w: %w", ErrGeneration, err)
	}

	doc, err := Parse(result.Content)
	if err != nil {
		logger.Error("discarding batch with malformed output", "error", err, "record_ids", ids)
		return "", err
	}

	ep := &store.Episode{
		ID:           uuid.NewString(),
		UserID:       userID,
		Title:        doc.Title,
		Content:      doc.Raw,
		SourceEmails: store.UniqueEmails(batch),
		RecordIDs:    ids,
	}
	id, err := retry.Value(ctx, policy, "insert episode", func(ctx context.Context) (string, error) {
		return a.episodes.InsertEpisode(ctx, ep)
	})
	if err != nil {
		logger.Error("failed to persist episode", "error", err)
		return "", err
	}

	a.leases.MarkCompleted(ids...)
	a.finish(ctx, task)

	logger.Info("episode created",
		"episode_id", id,
		"title", doc.Title,
		"topics", doc.Topics,
		"prompt_tokens", result.PromptTokens,
		"completion_tokens", result.CompletionTokens,
	)
	return id, nil
}

func (a *Assembler) finish(ctx context.Context, task *completion.Task) {
	if task.Finish() == completion.Fire {
		a.terminal(ctx, task.UserID())
	}
}

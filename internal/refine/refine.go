// Package refine strips promotional boilerplate from newsletter text and
// stores the cleaned content with its token count.
package refine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/newsreel/internal/providers"
	"github.com/jackzampolin/newsreel/internal/retry"
	"github.com/jackzampolin/newsreel/internal/store"
	"github.com/jackzampolin/newsreel/internal/tokens"
)

const DefaultModel = "gpt-4o-mini"

// ErrEmptyOutput is returned when the model answers with no text.
var ErrEmptyOutput = errors.New("refinement returned no text")

// Prompt is the system prompt for refinement. The newsletter text follows
// as the user message.
const Prompt = `You clean up the text of an email newsletter. Return only its essential content.

Remove anything that is not part of the newsletter itself:
- sponsored sections, advertisements and promotions
- referral, affiliate and subscription links or prompts
- footers, disclaimers and unsubscribe text
- banners, navigation and repeated metadata

Keep every remaining sentence exactly as written, in its original order. Do not summarize, rephrase or add anything.`

// Request is one record to refine.
type Request struct {
	RecordID string `json:"id"`
	UserID   string `json:"user_id"`
	Text     string `json:"parsed_text"`
}

// Result describes a stored refinement.
type Result struct {
	RecordID   string `json:"id"`
	TokenCount int    `json:"token_count"`
	Content    string `json:"-"`
}

// Config configures a Refiner.
type Config struct {
	Records store.RecordStore
	Client  providers.LLMClient
	Counter *tokens.Counter
	Retry   retry.Policy

	Model   string
	Timeout time.Duration

	Logger *slog.Logger
}

// Refiner runs refinement requests.
type Refiner struct {
	records store.RecordStore
	client  providers.LLMClient
	counter *tokens.Counter
	retry   atomic.Pointer[retry.Policy]
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// New creates a Refiner.
func New(cfg Config) (*Refiner, error) {
	if cfg.Records == nil {
		return nil, fmt.Errorf("refiner requires a record store")
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("refiner requires a generation client")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Counter == nil {
		cfg.Counter = tokens.NewCounter(tokens.DefaultModel, cfg.Logger)
	}
	r := &Refiner{
		records: cfg.Records,
		client:  cfg.Client,
		counter: cfg.Counter,
		model:   cfg.Model,
		timeout: cfg.Timeout,
		logger:  cfg.Logger.With("component", "refiner"),
	}
	r.SetRetry(cfg.Retry)
	return r, nil
}

// SetRetry replaces the store retry policy.
func (r *Refiner) SetRetry(p retry.Policy) {
	r.retry.Store(&p)
}

// Refine cleans req.Text and writes the result to the record. A row that is
// not visible yet is retried like a transient failure.
func (r *Refiner) Refine(ctx context.Context, req Request) (*Result, error) {
	if req.RecordID == "" || strings.TrimSpace(req.Text) == "" {
		return nil, fmt.Errorf("%w: id and parsed_text are required", store.ErrInvalidInput)
	}
	logger := r.logger.With("record_id", req.RecordID, "user_id", req.UserID)

	resp, err := r.client.Chat(ctx, &providers.ChatRequest{
		Messages: []providers.Message{
			providers.SystemMessage(Prompt),
			providers.UserMessage(req.Text),
		},
		Model:     r.model,
		Timeout:   r.timeout,
		RequestID: uuid.NewString(),
	})
	if err != nil {
		return nil, fmt.Errorf("refine %s: %w", req.RecordID, err)
	}
	content := strings.TrimSpace(resp.Content)
	if content == "" {
		return nil, fmt.Errorf("refine %s: %w", req.RecordID, ErrEmptyOutput)
	}
	count := r.counter.Count(content)

	policy := r.retry.Load().WithRetryIf(func(err error) bool {
		return store.IsRetryable(err) || errors.Is(err, store.ErrNotFound)
	})
	if err := policy.Do(ctx, "update refined", func(ctx context.Context) error {
		return r.records.UpdateRefined(ctx, req.RecordID, content, count)
	}); err != nil {
		return nil, err
	}

	logger.Info("record refined", "token_count", count, "chars_in", len(req.Text), "chars_out", len(content))
	return &Result{RecordID: req.RecordID, TokenCount: count, Content: content}, nil
}

package providers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"
	"github.com/openai/openai-go/v3/shared"
)

const (
	OpenAIName          = "openai"
	openAIDefaultModel  = "gpt-4o"
	openAIDefaultRate   = 8.0
	openAIDefaultTimeout = 120 * time.Second
)

// OpenAIConfig holds configuration for the OpenAI chat client.
type OpenAIConfig struct {
	APIKey     string
	Model      string        // default "gpt-4o"
	RateLimit  float64       // requests per second
	Burst      int           // limiter burst
	MaxRetries int           // SDK transport retries, negative disables
	Timeout    time.Duration // HTTP timeout
	BaseURL    string        // Optional (tests, proxies)
	HTTPClient *http.Client  // Optional (tests)
}

// OpenAIClient implements LLMClient with the official OpenAI SDK.
type OpenAIClient struct {
	model   string
	limiter *RateLimiter
	client  openai.Client
}

// NewOpenAIClient creates a new OpenAI chat client.
func NewOpenAIClient(cfg OpenAIConfig) *OpenAIClient {
	if cfg.Model == "" {
		cfg.Model = openAIDefaultModel
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = openAIDefaultRate
	}
	switch {
	case cfg.MaxRetries < 0:
		cfg.MaxRetries = 0
	case cfg.MaxRetries == 0:
		cfg.MaxRetries = 2
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = openAIDefaultTimeout
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithHTTPClient(httpClient),
		option.WithMaxRetries(cfg.MaxRetries),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	return &OpenAIClient{
		model:   cfg.Model,
		limiter: NewRateLimiter(cfg.RateLimit, cfg.Burst),
		client:  openai.NewClient(opts...),
	}
}

// Name returns the provider identifier.
func (c *OpenAIClient) Name() string {
	return OpenAIName
}

// Model returns the configured default model.
func (c *OpenAIClient) Model() string {
	return c.model
}

// RateLimiterStatus reports the limiter state.
func (c *OpenAIClient) RateLimiterStatus() RateLimiterStatus {
	return c.limiter.Status()
}

// Chat sends a chat completion request.
func (c *OpenAIClient) Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error) {
	if req == nil || len(req.Messages) == 0 {
		return nil, fmt.Errorf("chat request requires at least one message")
	}

	model := req.Model
	if model == "" {
		model = c.model
	}
	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.NewString()
	}

	result := &ChatResult{
		Provider:  OpenAIName,
		ModelUsed: model,
		RequestID: requestID,
		Attempts:  1,
	}

	if req.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, req.Timeout)
		defer cancel()
	}

	queued := time.Now()
	if err := c.limiter.Wait(ctx); err != nil {
		result.ErrorType = "context_cancelled"
		result.ErrorMessage = err.Error()
		return result, err
	}
	result.QueueTime = time.Since(queued)

	params := openai.ChatCompletionNewParams{
		Model:       shared.ChatModel(model),
		Messages:    toOpenAIMessages(req.Messages),
		Temperature: openai.Float(req.Temperature),
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openai.Int(int64(req.MaxTokens))
	}
	if req.ResponseFormat != nil && req.ResponseFormat.Type == "json_object" {
		params.ResponseFormat = openai.ChatCompletionNewParamsResponseFormatUnion{
			OfJSONObject: &shared.ResponseFormatJSONObjectParam{},
		}
	}

	start := time.Now()
	resp, err := c.client.Chat.Completions.New(ctx, params)
	result.ExecutionTime = time.Since(start)
	result.TotalTime = result.QueueTime + result.ExecutionTime
	if err != nil {
		err = mapOpenAIError(err)
		if rle, ok := IsRateLimitError(err); ok {
			c.limiter.Record429(rle.RetryAfter)
			result.ErrorType = "rate_limit"
			result.RetryAfter = rle.RetryAfter
		} else {
			result.ErrorType = "api_error"
		}
		result.ErrorMessage = err.Error()
		return result, err
	}

	if len(resp.Choices) == 0 {
		result.ErrorType = "empty_response"
		result.ErrorMessage = "no choices in response"
		return result, errors.New("OpenAI returned no choices")
	}

	result.Success = true
	result.Content = resp.Choices[0].Message.Content
	result.PromptTokens = int(resp.Usage.PromptTokens)
	result.CompletionTokens = int(resp.Usage.CompletionTokens)
	result.TotalTokens = int(resp.Usage.TotalTokens)
	if resp.Model != "" {
		result.ModelUsed = resp.Model
	}

	if req.ResponseFormat != nil {
		if parsed, perr := ParseStructuredJSON(result.Content); perr == nil {
			result.ParsedJSON = parsed
		}
	}
	return result, nil
}

func toOpenAIMessages(msgs []Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, openai.SystemMessage(m.Content))
		case "assistant":
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

func mapOpenAIError(err error) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			retryAfter := time.Duration(0)
			if apiErr.Response != nil {
				retryAfter = parseRetryAfter(apiErr.Response.Header.Get("Retry-After"))
			}
			return &RateLimitError{
				Message:    fmt.Sprintf("OpenAI rate limited: %s", apiErr.Message),
				RetryAfter: retryAfter,
				StatusCode: apiErr.StatusCode,
			}
		}
		if apiErr.Message != "" {
			return fmt.Errorf("OpenAI chat error (status %d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return fmt.Errorf("OpenAI chat error (status %d)", apiErr.StatusCode)
	}
	return err
}

var _ LLMClient = (*OpenAIClient)(nil)

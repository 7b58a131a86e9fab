package providers

import (
	"os"
)

// TestConfig holds provider configuration loaded from environment variables.
// Live tests use it the same way production code uses config.
type TestConfig struct {
	OpenAIAPIKey string
	OpenAIModel  string
}

// LoadTestConfig loads provider API keys from environment variables.
// Returns a TestConfig with whatever keys are available.
func LoadTestConfig() TestConfig {
	return TestConfig{
		OpenAIAPIKey: os.Getenv("OPENAI_API_KEY"),
		OpenAIModel:  os.Getenv("NEWSREEL_TEST_OPENAI_MODEL"),
	}
}

// HasOpenAI returns true if an OpenAI API key is configured.
func (c TestConfig) HasOpenAI() bool {
	return c.OpenAIAPIKey != ""
}

// NewOpenAIClient creates an OpenAI client from test config.
// Returns nil if not configured.
func (c TestConfig) NewOpenAIClient() *OpenAIClient {
	if !c.HasOpenAI() {
		return nil
	}
	model := c.OpenAIModel
	if model == "" {
		model = "gpt-4o-mini"
	}
	return NewOpenAIClient(OpenAIConfig{
		APIKey:     c.OpenAIAPIKey,
		Model:      model,
		MaxRetries: 1,
	})
}

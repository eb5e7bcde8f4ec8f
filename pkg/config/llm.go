package config

import (
	"fmt"
	"os"
	"strings"
)

// LLMProvider identifies the LLM provider type.
type LLMProvider string

const (
	LLMProviderAnthropic LLMProvider = "anthropic"
	LLMProviderOpenAI    LLMProvider = "openai"
	LLMProviderGemini    LLMProvider = "gemini"
)

// LLMConfig configures the LLM provider used for turns, summaries and
// approval explanations.
type LLMConfig struct {
	// Provider type (anthropic, openai, gemini). Auto-detected from the
	// model name when empty; AGENTD_PROVIDER overrides both.
	Provider LLMProvider `yaml:"provider,omitempty"`

	// Model name (e.g. "claude-sonnet-4-20250514", "gpt-4o").
	Model string `yaml:"model,omitempty"`

	// APIKey for authentication. Supports ${VAR} expansion.
	APIKey string `yaml:"api_key,omitempty"`

	// BaseURL overrides the default API endpoint.
	BaseURL string `yaml:"base_url,omitempty"`

	Temperature *float64 `yaml:"temperature,omitempty"`

	// MaxTokens limits response length per turn.
	MaxTokens int `yaml:"max_tokens,omitempty"`

	// Timeout and retry knobs for the underlying HTTP client, in seconds.
	Timeout    int `yaml:"timeout,omitempty"`
	MaxRetries int `yaml:"max_retries,omitempty"`
	RetryDelay int `yaml:"retry_delay,omitempty"`
}

func (c *LLMConfig) SetDefaults() {
	if override := os.Getenv("AGENTD_PROVIDER"); override != "" {
		c.Provider = LLMProvider(override)
	}
	if c.Provider == "" {
		c.Provider = DetectProvider(c.Model)
	}

	if c.Model == "" {
		switch c.Provider {
		case LLMProviderAnthropic:
			c.Model = "claude-sonnet-4-20250514"
		case LLMProviderOpenAI:
			c.Model = "gpt-4o"
		case LLMProviderGemini:
			c.Model = "gemini-2.0-flash"
		}
	}

	if c.APIKey == "" {
		c.APIKey = GetProviderAPIKey(string(c.Provider))
	}

	if c.Temperature == nil {
		temp := 1.0
		c.Temperature = &temp
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
	if c.Timeout == 0 {
		c.Timeout = 120
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = 2
	}
}

func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case LLMProviderAnthropic, LLMProviderOpenAI, LLMProviderGemini:
	default:
		return fmt.Errorf("invalid provider %q (valid: anthropic, openai, gemini)", c.Provider)
	}
	if c.APIKey == "" {
		return fmt.Errorf("api_key is required for provider %q", c.Provider)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	return nil
}

// DetectProvider maps a model name to its provider. Model names starting
// with "claude" route to Anthropic, "gemini" to Google, anything else to the
// OpenAI-compatible adapter.
func DetectProvider(model string) LLMProvider {
	switch {
	case strings.HasPrefix(model, "claude"):
		return LLMProviderAnthropic
	case strings.HasPrefix(model, "gemini"):
		return LLMProviderGemini
	case model != "":
		return LLMProviderOpenAI
	}

	// No model configured: detect from available API keys.
	if os.Getenv("ANTHROPIC_API_KEY") != "" {
		return LLMProviderAnthropic
	}
	if os.Getenv("OPENAI_API_KEY") != "" {
		return LLMProviderOpenAI
	}
	if os.Getenv("GEMINI_API_KEY") != "" || os.Getenv("GOOGLE_API_KEY") != "" {
		return LLMProviderGemini
	}
	return LLMProviderAnthropic
}

// GetProviderAPIKey gets the API key for a provider from the environment.
func GetProviderAPIKey(providerType string) string {
	switch providerType {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "gemini":
		if key := os.Getenv("GEMINI_API_KEY"); key != "" {
			return key
		}
		return os.Getenv("GOOGLE_API_KEY")
	default:
		return ""
	}
}

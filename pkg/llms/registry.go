package llms

import (
	"fmt"

	"github.com/tinkerbay/agentd/pkg/config"
)

// New builds the provider selected by cfg. Provider detection and the
// AGENTD_PROVIDER override are applied in config.SetDefaults, so cfg.Provider
// is authoritative here.
func New(cfg *config.LLMConfig) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("LLM config cannot be nil")
	}

	switch cfg.Provider {
	case config.LLMProviderAnthropic:
		return NewAnthropicProvider(cfg)
	case config.LLMProviderOpenAI:
		return NewOpenAIProvider(cfg)
	case config.LLMProviderGemini:
		return NewGeminiProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported LLM provider: %s (supported: anthropic, openai, gemini)", cfg.Provider)
	}
}

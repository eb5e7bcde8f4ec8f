package llms

import (
	"testing"

	"github.com/tinkerbay/agentd/pkg/config"
)

func TestNew_ProviderSelection(t *testing.T) {
	tests := []struct {
		name     string
		provider config.LLMProvider
		model    string
	}{
		{"anthropic", config.LLMProviderAnthropic, "claude-sonnet-4-20250514"},
		{"openai", config.LLMProviderOpenAI, "gpt-4o"},
		{"gemini", config.LLMProviderGemini, "gemini-2.0-flash"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &config.LLMConfig{
				Provider: tt.provider,
				Model:    tt.model,
				APIKey:   "test-key",
			}
			cfg.SetDefaults()

			provider, err := New(cfg)
			if err != nil {
				t.Fatalf("New() error = %v", err)
			}
			if provider.ModelName() != tt.model {
				t.Errorf("ModelName() = %q, want %q", provider.ModelName(), tt.model)
			}
		})
	}
}

func TestNew_UnsupportedProvider(t *testing.T) {
	cfg := &config.LLMConfig{Provider: "mistral", Model: "mistral-large", APIKey: "k"}
	if _, err := New(cfg); err == nil {
		t.Fatal("New() expected error for unsupported provider")
	}
}

func TestNew_NilConfig(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("New() expected error for nil config")
	}
}

package llm

import (
	"fmt"

	"consilium/pkg/config"
)

// NewClient builds a retry-wrapped client for the configured provider and
// the given model name.
func NewClient(cfg *config.LLMConfig, model string) (LLMClient, error) {
	var raw LLMClient
	switch cfg.Provider {
	case config.ProviderAnthropic:
		raw = NewClaudeClient(cfg.APIKey, model)
	case config.ProviderOpenAI:
		raw = NewOpenAIClient(cfg.APIKey, model)
	case config.ProviderGemini:
		raw = NewGeminiClient(cfg.APIKey, model)
	case config.ProviderOllama:
		raw = NewOllamaClient(cfg.OllamaHost, model)
	default:
		return nil, fmt.Errorf("unknown llm provider: %q", cfg.Provider)
	}
	return NewRetryableClient(raw), nil
}

// NewCoordinatorClient builds the client used for routing, drafting, and
// synthesis.
func NewCoordinatorClient(cfg *config.LLMConfig) (LLMClient, error) {
	return NewClient(cfg, cfg.CoordinatorModel)
}

// NewSpecialistClient builds the client shared by specialist evaluators.
func NewSpecialistClient(cfg *config.LLMConfig) (LLMClient, error) {
	return NewClient(cfg, cfg.SpecialistModel)
}

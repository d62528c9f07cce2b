package llm

import (
	"fmt"

	"stream-chat/config"
	"stream-chat/services/chat-service/internal/domain"

	"github.com/rs/zerolog"
)

// New returns the generator selected by cfg.Provider.
func New(cfg config.LLMConfig, log zerolog.Logger) (domain.Generator, error) {
	switch cfg.Provider {
	case "", "echo":
		return NewEchoGenerator(cfg.EchoDelay), nil
	case "openai":
		if cfg.APIKey == "" && cfg.BaseURL == "" {
			return nil, fmt.Errorf("llm provider openai needs api_key or base_url")
		}
		return NewOpenAIGenerator(cfg, log), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

package providers

import (
	"fmt"
	"os"

	"github.com/haasonsaas/agentd/internal/agent"
)

// Keys holds provider credentials, typically sourced from the environment.
type Keys struct {
	Anthropic string
	OpenAI    string
}

// KeysFromEnv reads ANTHROPIC_API_KEY and OPENAI_API_KEY.
func KeysFromEnv() Keys {
	return Keys{
		Anthropic: os.Getenv("ANTHROPIC_API_KEY"),
		OpenAI:    os.Getenv("OPENAI_API_KEY"),
	}
}

// New constructs a provider for the named backend. An empty backend
// defaults to anthropic.
func New(backend string, keys Keys) (agent.Provider, error) {
	switch backend {
	case "", "anthropic":
		return NewAnthropicProvider(AnthropicConfig{APIKey: keys.Anthropic})
	case "openai":
		return NewOpenAIProvider(keys.OpenAI)
	default:
		return nil, fmt.Errorf("unknown backend %q", backend)
	}
}

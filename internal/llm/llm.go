// Package llm sends single-shot prompts to a chat model and returns the
// answer text. Providers: OpenRouter, OpenAI and a local Ollama.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"
)

const defaultTimeout = 30 * time.Second

var (
	// ErrAPIKeyNotSet is returned when a hosted provider has no API key.
	ErrAPIKeyNotSet = errors.New("llm api key not set")

	// ErrEmptyAnswer is returned when the model produced no content.
	ErrEmptyAnswer = errors.New("llm returned an empty answer")
)

// Asker answers one prompt. Implementations do not retry.
type Asker interface {
	Ask(ctx context.Context, prompt string) (string, error)
}

type Provider string

const (
	ProviderOpenRouter Provider = "openrouter"
	ProviderOpenAI     Provider = "openai"
	ProviderOllama     Provider = "ollama"
)

type Config struct {
	Provider Provider
	// BaseURL overrides the provider's default endpoint.
	BaseURL string
	Model   string
	APIKey  string
	Timeout time.Duration
}

// New returns the Asker for cfg.Provider.
func New(cfg Config) (Asker, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch cfg.Provider {
	case ProviderOpenRouter, "":
		return NewOpenRouter(cfg)
	case ProviderOpenAI:
		return NewOpenAI(cfg)
	case ProviderOllama:
		return NewOllama(cfg), nil
	default:
		return nil, fmt.Errorf("unknown llm provider %q", cfg.Provider)
	}
}

// systemPrompt asks every provider for a bare JSON object.
const systemPrompt = "You are a precise e-commerce analyst. Answer with ONLY a single valid JSON object. Do not include any other text, prose, or markdown."

package generator

import (
	"fmt"
	"strings"

	"github.com/bnema/chatsync/internal/config"
	"github.com/bnema/chatsync/internal/ports"
	"github.com/rs/zerolog"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

const (
	ProviderEcho   = "echo"
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// New builds the generator named by cfg.Provider.
func New(cfg config.GeneratorConfig, log zerolog.Logger) (ports.Generator, error) {
	switch provider := strings.ToLower(strings.TrimSpace(cfg.Provider)); provider {
	case "", ProviderEcho:
		return Echo{}, nil
	case ProviderOpenAI:
		opts := []openai.Option{}
		if cfg.Model != "" {
			opts = append(opts, openai.WithModel(cfg.Model))
		}
		if cfg.APIKey != "" {
			opts = append(opts, openai.WithToken(cfg.APIKey))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create openai client: %w", err)
		}
		return NewLLM(model, provider, log), nil
	case ProviderOllama:
		opts := []ollama.Option{}
		if cfg.Model != "" {
			opts = append(opts, ollama.WithModel(cfg.Model))
		}
		if cfg.BaseURL != "" {
			opts = append(opts, ollama.WithServerURL(cfg.BaseURL))
		}
		model, err := ollama.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("create ollama client: %w", err)
		}
		return NewLLM(model, provider, log), nil
	default:
		return nil, fmt.Errorf("unsupported generator provider %q", cfg.Provider)
	}
}

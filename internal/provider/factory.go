package provider

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"qnasession/internal/config"
	"qnasession/internal/domain"
)

// ErrNotConfigured means the classifier provider is disabled or has no key.
var ErrNotConfigured = errors.New("text generator not configured")

// Constructor builds a generator from the classifier config.
type Constructor func(cfg config.ClassifierConfig, logger *slog.Logger) domain.TextGenerator

var constructors = map[string]Constructor{
	config.ProviderGemini: func(cfg config.ClassifierConfig, logger *slog.Logger) domain.TextGenerator {
		return NewGemini(GeminiConfig{
			APIKey:         cfg.APIKey,
			APIBase:        cfg.APIBase,
			Model:          cfg.Model,
			Temperature:    cfg.Temperature,
			RequestTimeout: cfg.RequestTimeout(),
			ConnectTimeout: cfg.ConnectTimeout(),
			MaxRetries:     cfg.MaxRetries,
			Logger:         logger,
		})
	},
	config.ProviderOpenAI: func(cfg config.ClassifierConfig, logger *slog.Logger) domain.TextGenerator {
		return NewOpenAI(OpenAIConfig{
			APIKey:         cfg.APIKey,
			APIBase:        cfg.APIBase,
			Model:          cfg.Model,
			Temperature:    cfg.Temperature,
			RequestTimeout: cfg.RequestTimeout(),
			ConnectTimeout: cfg.ConnectTimeout(),
			MaxRetries:     cfg.MaxRetries,
			Logger:         logger,
		})
	},
}

// Names lists the providers New can build.
func Names() []string {
	names := make([]string, 0, len(constructors))
	for n := range constructors {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// New builds the generator named by cfg.Provider. It returns
// ErrNotConfigured when the provider is disabled or has no API key.
func New(cfg config.ClassifierConfig, logger *slog.Logger) (domain.TextGenerator, error) {
	if !cfg.Enabled || cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	ctor, ok := constructors[cfg.Provider]
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", cfg.Provider)
	}
	return ctor(cfg, logger), nil
}

// Package cluster assigns pending Q&A messages to per-room topic clusters.
package cluster

import (
	"errors"
	"log/slog"

	"qnasession/internal/config"
	"qnasession/internal/domain"
	"qnasession/internal/provider"
)

// NewClassifier picks the classifier for cfg.Mode. In auto mode the LLM
// classifier is used when the provider is enabled and has a key, otherwise
// the keyword fallback. Forcing llm without credentials gives a classifier
// that skips every room.
func NewClassifier(cfg config.ClassifierConfig, logger *slog.Logger) (domain.TopicClassifier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.UseLLM() {
		logger.Info("topic classifier selected", "classifier", "keywords", "mode", cfg.Mode)
		return NewKeywordClassifier(logger), nil
	}

	gen, err := provider.New(cfg, logger)
	if err != nil && !errors.Is(err, provider.ErrNotConfigured) {
		return nil, err
	}
	if gen == nil {
		logger.Warn("llm classifier has no credentials, rooms will be skipped", "provider", cfg.Provider)
	}
	c := NewLLMClassifier(gen, logger)
	logger.Info("topic classifier selected", "classifier", c.Name(), "mode", cfg.Mode)
	return c, nil
}

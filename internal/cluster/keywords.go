package cluster

import (
	"context"
	"log/slog"
	"regexp"
	"sort"
	"strings"

	"qnasession/internal/domain"
	"qnasession/internal/metrics"
)

const (
	minTokenLen = 3
	maxKeywords = 5
)

var tokenSplit = regexp.MustCompile(`[^a-z0-9]+`)

// ExtractKeywords returns the most frequent tokens across the messages,
// joined with commas. Ties break on ascending token so the label is stable.
// It returns "" when no message has a usable token.
func ExtractKeywords(messages []domain.Message) string {
	counts := make(map[string]int)
	for _, m := range messages {
		for _, tok := range tokenSplit.Split(strings.ToLower(m.Content), -1) {
			if len(tok) < minTokenLen {
				continue
			}
			counts[tok]++
		}
	}
	if len(counts) == 0 {
		return ""
	}

	tokens := make([]string, 0, len(counts))
	for tok := range counts {
		tokens = append(tokens, tok)
	}
	sort.Slice(tokens, func(i, j int) bool {
		if counts[tokens[i]] != counts[tokens[j]] {
			return counts[tokens[i]] > counts[tokens[j]]
		}
		return tokens[i] < tokens[j]
	})
	if len(tokens) > maxKeywords {
		tokens = tokens[:maxKeywords]
	}
	return strings.Join(tokens, ",")
}

// KeywordClassifier labels a whole batch with its top keywords, so every
// pending message of a room lands in one cluster.
type KeywordClassifier struct {
	logger *slog.Logger
}

var _ domain.TopicClassifier = (*KeywordClassifier)(nil)

func NewKeywordClassifier(logger *slog.Logger) *KeywordClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &KeywordClassifier{logger: logger}
}

func (k *KeywordClassifier) Name() string { return "keywords" }

func (k *KeywordClassifier) Classify(_ context.Context, roomID string, messages []domain.Message) domain.TopicAssignments {
	out := domain.TopicAssignments{}
	label := ExtractKeywords(messages)
	if label == "" {
		k.logger.Debug("no keywords in batch", "room", roomID, "messages", len(messages))
		metrics.ClassifierRequests.WithLabelValues(k.Name(), "empty").Inc()
		return out
	}
	for _, m := range messages {
		out[canonicalID(m.ID)] = label
	}
	metrics.ClassifierRequests.WithLabelValues(k.Name(), "ok").Inc()
	return out
}

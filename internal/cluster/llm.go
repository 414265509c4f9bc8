package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"qnasession/internal/domain"
	"qnasession/internal/metrics"
)

// ErrNoJSONArray means the model reply had no [...] span to parse.
var ErrNoJSONArray = errors.New("response contains no JSON array")

// LLMClassifier asks a hosted model to label each message with a short topic.
type LLMClassifier struct {
	gen    domain.TextGenerator
	logger *slog.Logger
}

var _ domain.TopicClassifier = (*LLMClassifier)(nil)

// NewLLMClassifier wraps gen. A nil gen yields a classifier that always
// returns an empty mapping.
func NewLLMClassifier(gen domain.TextGenerator, logger *slog.Logger) *LLMClassifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMClassifier{gen: gen, logger: logger}
}

func (c *LLMClassifier) Name() string {
	if c.gen == nil {
		return "llm"
	}
	return "llm:" + c.gen.Name()
}

func (c *LLMClassifier) Classify(ctx context.Context, roomID string, messages []domain.Message) domain.TopicAssignments {
	if len(messages) == 0 {
		return domain.TopicAssignments{}
	}
	if c.gen == nil {
		c.logger.Debug("llm classifier not configured, skipping room", "room", roomID)
		metrics.ClassifierRequests.WithLabelValues(c.Name(), "disabled").Inc()
		return domain.TopicAssignments{}
	}

	start := time.Now()
	text, err := c.gen.Generate(ctx, BuildPrompt(roomID, messages))
	metrics.ClassifierDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		c.logger.Warn("topic classification failed", "room", roomID, "provider", c.gen.Name(), "err", err)
		metrics.ClassifierRequests.WithLabelValues(c.Name(), "error").Inc()
		return domain.TopicAssignments{}
	}

	out, err := ParseAssignments(text)
	if err != nil {
		c.logger.Warn("unparsable topic assignments", "room", roomID, "err", err)
		metrics.ClassifierRequests.WithLabelValues(c.Name(), "unparsable").Inc()
		return domain.TopicAssignments{}
	}

	outcome := "ok"
	if len(out) == 0 {
		outcome = "empty"
	}
	metrics.ClassifierRequests.WithLabelValues(c.Name(), outcome).Inc()
	c.logger.Debug("topics assigned",
		"room", roomID,
		"messages", len(messages),
		"assigned", len(out),
		"duration", time.Since(start),
	)
	return out
}

// BuildPrompt renders the clustering instructions followed by one line per
// message.
func BuildPrompt(roomID string, messages []domain.Message) string {
	var b strings.Builder
	b.WriteString("You are clustering Q&A messages into topics.\n")
	b.WriteString("Return ONLY JSON array (no markdown) with objects: ")
	b.WriteString(`{"message_id":"<uuid>","topic":"<short noun phrase>"}.` + "\n")
	b.WriteString("Rules:\n")
	b.WriteString("- Topic should be 1-3 words.\n")
	b.WriteString("- Keep proper nouns (e.g., RagJN).\n")
	b.WriteString("- Remove filler words like explain, about, what is, how to.\n")
	b.WriteString(`- If unclear, use "general".` + "\n")
	fmt.Fprintf(&b, "Room: %s\n", roomID)
	b.WriteString("Messages:\n")
	for _, m := range messages {
		fmt.Fprintf(&b, "- id: %s content: %s\n", m.ID, m.Content)
	}
	return b.String()
}

// ParseAssignments extracts message_id/topic pairs from a model reply. Text
// around the array (markdown fences, chatter) is ignored. Entries without a
// UUID message_id or with a blank topic are skipped; later duplicates win.
func ParseAssignments(text string) (domain.TopicAssignments, error) {
	raw, err := extractJSONArray(text)
	if err != nil {
		return nil, err
	}

	var entries []json.RawMessage
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, fmt.Errorf("decode assignments: %w", err)
	}

	out := domain.TopicAssignments{}
	for _, e := range entries {
		var entry struct {
			MessageID string `json:"message_id"`
			Topic     string `json:"topic"`
		}
		if err := json.Unmarshal(e, &entry); err != nil {
			continue
		}
		id, err := uuid.Parse(strings.TrimSpace(entry.MessageID))
		if err != nil {
			continue
		}
		topic := strings.TrimSpace(entry.Topic)
		if topic == "" {
			continue
		}
		out[id.String()] = topic
	}
	return out, nil
}

func extractJSONArray(text string) (string, error) {
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "[") {
		return trimmed, nil
	}
	start := strings.Index(trimmed, "[")
	end := strings.LastIndex(trimmed, "]")
	if start < 0 || end <= start {
		return "", ErrNoJSONArray
	}
	return trimmed[start : end+1], nil
}

// canonicalID lowercases UUID message IDs so they match parsed assignments.
func canonicalID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return id
}

package realtime

import (
	"fmt"
	"log/slog"
	"unicode/utf8"

	"qnasession/internal/domain"
)

// MessageLogListener logs activity on the messages table: new questions at
// info level, cluster assignments and deletions at debug level.
type MessageLogListener struct {
	table  string
	logger *slog.Logger
}

func NewMessageLogListener(table string, logger *slog.Logger) *MessageLogListener {
	if table == "" {
		table = "messages"
	}
	return &MessageLogListener{table: table, logger: logger}
}

func (l *MessageLogListener) OnInsert(table string, record domain.Record) error {
	if table != l.table {
		return nil
	}
	l.logger.Info("new message",
		"room", field(record, "room_id"),
		"id", field(record, "id"),
		"content", preview(field(record, "content"), 80),
	)
	return nil
}

func (l *MessageLogListener) OnUpdate(table string, record, oldRecord domain.Record) error {
	if table != l.table {
		return nil
	}
	before, after := field(oldRecord, "cluster_id"), field(record, "cluster_id")
	if after != "" && before != after {
		l.logger.Debug("message clustered", "id", field(record, "id"), "cluster", after)
	}
	return nil
}

func (l *MessageLogListener) OnDelete(table string, oldRecord domain.Record) error {
	if table != l.table {
		return nil
	}
	l.logger.Debug("message deleted", "id", field(oldRecord, "id"))
	return nil
}

func field(r domain.Record, key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func preview(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	r := []rune(s)
	return string(r[:n]) + "..."
}

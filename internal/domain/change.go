package domain

import "time"

type ChangeType string

const (
	ChangeInsert ChangeType = "INSERT"
	ChangeUpdate ChangeType = "UPDATE"
	ChangeDelete ChangeType = "DELETE"
)

// Record is a row image as delivered by the change feed.
type Record map[string]any

// Change is one decoded row change.
type Change struct {
	Type       ChangeType `json:"type"`
	Table      string     `json:"table"`
	Schema     string     `json:"schema,omitempty"`
	Record     Record     `json:"record,omitempty"`
	OldRecord  Record     `json:"old_record,omitempty"`
	CommitTime string     `json:"commit_timestamp,omitempty"`
	ReceivedAt time.Time  `json:"received_at"`
}

// ChangeListener observes row changes. Implementations must be comparable
// (usually pointers) so they can be unregistered, and must not block.
type ChangeListener interface {
	OnInsert(table string, record Record) error
	OnUpdate(table string, record, oldRecord Record) error
	OnDelete(table string, oldRecord Record) error
}

package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"qnasession/internal/domain"
)

// Phoenix channel event names used by Supabase Realtime.
const (
	EventJoin            = "phx_join"
	EventReply           = "phx_reply"
	EventHeartbeat       = "heartbeat"
	EventPostgresChanges = "postgres_changes"

	TopicPhoenix = "phoenix"
)

// Envelope is one Phoenix protocol frame.
type Envelope struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

// Payload is the part of an inbound payload this client reads.
type Payload struct {
	Status string      `json:"status,omitempty"`
	Data   *ChangeData `json:"data,omitempty"`
}

// ChangeData describes one row change inside a postgres_changes frame.
type ChangeData struct {
	Type            string         `json:"type"`
	Table           string         `json:"table"`
	Schema          string         `json:"schema"`
	Record          map[string]any `json:"record"`
	OldRecord       map[string]any `json:"old_record"`
	CommitTimestamp string         `json:"commit_timestamp"`
}

var (
	ErrEmptyFrame  = errors.New("empty frame")
	ErrMissingData = errors.New("postgres_changes frame without data")
)

// TableTopic returns the channel topic for a table in the public schema.
func TableTopic(table string) string {
	return "realtime:public:" + table
}

// EncodeJoin builds the join frame for table with the given ref.
func EncodeJoin(table string, ref uint64) ([]byte, error) {
	return encode(TableTopic(table), EventJoin, ref)
}

// EncodeHeartbeat builds a Phoenix heartbeat frame.
func EncodeHeartbeat(ref uint64) ([]byte, error) {
	return encode(TopicPhoenix, EventHeartbeat, ref)
}

func encode(topic, event string, ref uint64) ([]byte, error) {
	r := strconv.FormatUint(ref, 10)
	return json.Marshal(Envelope{
		Topic:   topic,
		Event:   event,
		Payload: json.RawMessage(`{}`),
		Ref:     &r,
	})
}

// DecodeEnvelope parses an inbound frame.
func DecodeEnvelope(data []byte) (*Envelope, error) {
	if len(strings.TrimSpace(string(data))) == 0 {
		return nil, ErrEmptyFrame
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("decode envelope: missing event")
	}
	return &env, nil
}

// RefString returns the frame's ref, or "" when it is null.
func (e *Envelope) RefString() string {
	if e.Ref == nil {
		return ""
	}
	return *e.Ref
}

// DecodePayload parses the payload object. A missing payload decodes to
// the zero Payload.
func (e *Envelope) DecodePayload() (Payload, error) {
	var p Payload
	if len(e.Payload) == 0 || string(e.Payload) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return p, fmt.Errorf("decode payload: %w", err)
	}
	return p, nil
}

// Change converts a postgres_changes frame into a domain.Change.
func (e *Envelope) Change() (domain.Change, error) {
	p, err := e.DecodePayload()
	if err != nil {
		return domain.Change{}, err
	}
	if p.Data == nil {
		return domain.Change{}, ErrMissingData
	}
	t := domain.ChangeType(strings.ToUpper(p.Data.Type))
	switch t {
	case domain.ChangeInsert, domain.ChangeUpdate, domain.ChangeDelete:
	default:
		return domain.Change{}, fmt.Errorf("unknown change type %q", p.Data.Type)
	}
	return domain.Change{
		Type:       t,
		Table:      p.Data.Table,
		Schema:     p.Data.Schema,
		Record:     p.Data.Record,
		OldRecord:  p.Data.OldRecord,
		CommitTime: p.Data.CommitTimestamp,
	}, nil
}

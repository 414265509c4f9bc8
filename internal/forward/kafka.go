// Package forward republishes realtime row changes to external systems.
package forward

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"qnasession/internal/domain"
	"qnasession/internal/metrics"
)

const (
	defaultQueueSize    = 256
	defaultWriteTimeout = 10 * time.Second
)

// ErrClosed is returned for changes delivered after Close.
var ErrClosed = errors.New("forwarder closed")

// messageWriter is the subset of *kafka.Writer the forwarder needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaConfig struct {
	Brokers      []string
	Topic        string
	QueueSize    int
	WriteTimeout time.Duration
	Logger       *slog.Logger
}

// KafkaForwarder is a change listener that publishes every change as JSON
// to a Kafka topic. Dispatch never blocks on the broker: changes go onto a
// bounded queue and are dropped when it is full.
type KafkaForwarder struct {
	writer       messageWriter
	topic        string
	writeTimeout time.Duration
	logger       *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan kafka.Message
	done   chan struct{}
}

var _ domain.ChangeListener = (*KafkaForwarder)(nil)

func NewKafkaForwarder(cfg KafkaConfig) (*KafkaForwarder, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka forwarder: no brokers configured")
	}
	if cfg.Topic == "" {
		return nil, fmt.Errorf("kafka forwarder: topic is required")
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newForwarder(w, cfg), nil
}

func newForwarder(w messageWriter, cfg KafkaConfig) *KafkaForwarder {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	f := &KafkaForwarder{
		writer:       w,
		topic:        cfg.Topic,
		writeTimeout: cfg.WriteTimeout,
		logger:       cfg.Logger,
		queue:        make(chan kafka.Message, cfg.QueueSize),
		done:         make(chan struct{}),
	}
	go f.loop()
	return f
}

func (f *KafkaForwarder) OnInsert(table string, record domain.Record) error {
	return f.enqueue(domain.ChangeInsert, table, record, nil)
}

func (f *KafkaForwarder) OnUpdate(table string, record, oldRecord domain.Record) error {
	return f.enqueue(domain.ChangeUpdate, table, record, oldRecord)
}

func (f *KafkaForwarder) OnDelete(table string, oldRecord domain.Record) error {
	return f.enqueue(domain.ChangeDelete, table, nil, oldRecord)
}

// changeEvent is the JSON value written for each change.
type changeEvent struct {
	Type       domain.ChangeType `json:"type"`
	Table      string            `json:"table"`
	Record     domain.Record     `json:"record,omitempty"`
	OldRecord  domain.Record     `json:"old_record,omitempty"`
	ReceivedAt time.Time         `json:"received_at"`
}

func (f *KafkaForwarder) enqueue(typ domain.ChangeType, table string, record, oldRecord domain.Record) error {
	now := time.Now().UTC()
	value, err := json.Marshal(changeEvent{
		Type:       typ,
		Table:      table,
		Record:     record,
		OldRecord:  oldRecord,
		ReceivedAt: now,
	})
	if err != nil {
		return fmt.Errorf("encode %s change on %s: %w", typ, table, err)
	}
	msg := kafka.Message{
		Key:     []byte(messageKey(table, record, oldRecord)),
		Value:   value,
		Time:    now,
		Headers: []kafka.Header{{Key: "change-type", Value: []byte(typ)}},
	}

	f.mu.RLock()
	defer f.mu.RUnlock()
	if f.closed {
		return ErrClosed
	}
	select {
	case f.queue <- msg:
	default:
		metrics.ForwardDropped.Inc()
		f.logger.Warn("kafka forward queue full, dropping change", "table", table, "type", typ)
	}
	return nil
}

// messageKey keeps every change of one row on one partition.
func messageKey(table string, record, oldRecord domain.Record) string {
	for _, r := range []domain.Record{record, oldRecord} {
		if id, ok := r["id"]; ok && id != nil {
			return fmt.Sprintf("%s:%v", table, id)
		}
	}
	return table
}

func (f *KafkaForwarder) loop() {
	defer close(f.done)
	for msg := range f.queue {
		ctx, cancel := context.WithTimeout(context.Background(), f.writeTimeout)
		err := f.writer.WriteMessages(ctx, msg)
		cancel()
		if err != nil {
			metrics.ForwardDropped.Inc()
			f.logger.Warn("kafka forward failed", "topic", f.topic, "key", string(msg.Key), "err", err)
		}
	}
}

// Close stops accepting changes, flushes the queue and closes the writer.
func (f *KafkaForwarder) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return nil
	}
	f.closed = true
	close(f.queue)
	f.mu.Unlock()

	<-f.done
	return f.writer.Close()
}

// Ping dials the first reachable broker. Used by the doctor command.
func Ping(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		conn.Close()
		return nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no brokers configured")
	}
	return lastErr
}

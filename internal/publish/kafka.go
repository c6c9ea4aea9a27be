// Package publish emits accepted path points to downstream consumers.
package publish

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"sync"
	"time"

	applog "backend-pathtrack/internal/log"
	"backend-pathtrack/internal/shared/geo"
	"backend-pathtrack/internal/tracking"

	"github.com/segmentio/kafka-go"
)

const EventAccepted = "coordinate.accepted"

// Writer is the part of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Event is the message body for one accepted coordinate.
type Event struct {
	Type       string         `json:"type"`
	Key        string         `json:"key"`
	Coordinate geo.Coordinate `json:"coordinate"`
	PathLength int            `json:"path_length"`
	EmittedAt  time.Time      `json:"emitted_at"`
}

// Kafka turns path snapshots into one event per new cursor.
type Kafka struct {
	writer  Writer
	key     string
	timeout time.Duration
	log     *slog.Logger

	mu     sync.Mutex
	length int
}

func NewKafkaWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		Compression:  kafka.Snappy,
		Async:        false,
	}
}

func NewKafka(w Writer, key string) *Kafka {
	return &Kafka{
		writer:  w,
		key:     key,
		timeout: 5 * time.Second,
		log:     applog.With("component", "publish"),
	}
}

// Publish writes an event for the cursor of snap unless a snapshot of the
// same length was already emitted. The first event after startup may carry
// a cursor restored from storage.
func (k *Kafka) Publish(ctx context.Context, snap tracking.Snapshot) error {
	if snap.Cursor == nil {
		return nil
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	if len(snap.Path) == k.length {
		return nil
	}

	body, err := json.Marshal(Event{
		Type:       EventAccepted,
		Key:        k.key,
		Coordinate: *snap.Cursor,
		PathLength: len(snap.Path),
		EmittedAt:  time.Now().UTC(),
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, k.timeout)
	defer cancel()
	err = k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(k.key),
		Value: body,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(EventAccepted)},
			{Key: "timestamp", Value: []byte(strconv.FormatInt(snap.Cursor.Timestamp, 10))},
		},
	})
	if err != nil {
		return err
	}
	k.length = len(snap.Path)
	return nil
}

// Run publishes every snapshot from snapshots until the channel closes.
// Write failures are logged; the next cursor is still attempted.
func (k *Kafka) Run(ctx context.Context, snapshots <-chan tracking.Snapshot) {
	for snap := range snapshots {
		if err := k.Publish(ctx, snap); err != nil {
			k.log.Warn("publish coordinate failed", "err", err)
		}
	}
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

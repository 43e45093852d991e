// Package notify is the orchestrator's event surface. Every noteworthy
// lifecycle outcome (retry exhaustion, allocation failure, watchdog
// reclaims) is published as an Event; sinks decide where it lands.
package notify

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/truongvando/ezstream-sub006/pkg/kafka"
	"github.com/truongvando/ezstream-sub006/pkg/logging"
	"github.com/truongvando/ezstream-sub006/pkg/redis"
)

// Event types.
const (
	EventStartFailed      = "stream.start_failed"
	EventStopFailed       = "stream.stop_failed"
	EventRetriesExhausted = "stream.retries_exhausted"
	EventNoCapacity       = "stream.no_capacity"
	EventWatchdogSweep    = "watchdog.sweep"
)

// Event is one orchestrator notification.
type Event struct {
	Type      string                 `json:"type"`
	StreamID  string                 `json:"stream_id,omitempty"`
	WorkerID  string                 `json:"worker_id,omitempty"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Notifier publishes events. Publishing is best-effort; a failing sink must
// never block or fail a lifecycle transition.
type Notifier interface {
	Publish(ctx context.Context, event Event)
	Close() error
}

// LogNotifier writes events to the structured log. It is always installed.
type LogNotifier struct {
	logger logging.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger logging.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Publish(_ context.Context, event Event) {
	n.logger.WithFields(logging.Fields{
		"event_type": event.Type,
		"stream_id":  event.StreamID,
		"worker_id":  event.WorkerID,
		"details":    event.Details,
	}).Info(event.Message)
}

func (n *LogNotifier) Close() error { return nil }

// KafkaNotifier publishes events to a Kafka topic for downstream consumers
// (billing, user notifications).
type KafkaNotifier struct {
	producer *kafka.Producer
	topic    string
	logger   logging.Logger
}

// NewKafkaNotifier creates a Kafka-backed notifier.
func NewKafkaNotifier(producer *kafka.Producer, topic string, logger logging.Logger) *KafkaNotifier {
	return &KafkaNotifier{producer: producer, topic: topic, logger: logger}
}

func (n *KafkaNotifier) Publish(ctx context.Context, event Event) {
	value, err := json.Marshal(event)
	if err != nil {
		n.logger.WithFields(logging.Fields{"error": err.Error()}).Error("Failed to encode event")
		return
	}
	if err := n.producer.ProduceMessage(ctx, n.topic, []byte(event.StreamID), value); err != nil {
		n.logger.WithFields(logging.Fields{
			"event_type": event.Type,
			"error":      err.Error(),
		}).Error("Failed to publish event")
	}
}

func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}

// RedisNotifier broadcasts events over a Redis pub/sub channel so dashboard
// processes can react live. Missed messages are acceptable; durable consumers
// use the Kafka sink.
type RedisNotifier struct {
	pubsub  *redis.TypedPubSub[Event]
	channel string
	logger  logging.Logger
}

// NewRedisNotifier creates a pub/sub-backed notifier.
func NewRedisNotifier(client goredis.UniversalClient, channel string, logger logging.Logger) *RedisNotifier {
	return &RedisNotifier{
		pubsub:  redis.NewTypedPubSub[Event](client, logger),
		channel: channel,
		logger:  logger,
	}
}

func (n *RedisNotifier) Publish(ctx context.Context, event Event) {
	if err := n.pubsub.Publish(ctx, n.channel, event); err != nil {
		n.logger.WithFields(logging.Fields{
			"event_type": event.Type,
			"error":      err.Error(),
		}).Warn("Failed to broadcast event")
	}
}

// Close is a no-op; the Redis client is owned by the caller.
func (n *RedisNotifier) Close() error { return nil }

// MultiNotifier fans one event out to several sinks.
type MultiNotifier struct {
	sinks []Notifier
}

// NewMultiNotifier combines sinks.
func NewMultiNotifier(sinks ...Notifier) *MultiNotifier {
	return &MultiNotifier{sinks: sinks}
}

func (n *MultiNotifier) Publish(ctx context.Context, event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	for _, sink := range n.sinks {
		sink.Publish(ctx, event)
	}
}

func (n *MultiNotifier) Close() error {
	var firstErr error
	for _, sink := range n.sinks {
		if err := sink.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

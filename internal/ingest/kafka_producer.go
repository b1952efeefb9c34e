// Package ingest publishes driver positions and ride lifecycle events to Kafka.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
)

const publishTimeout = 2 * time.Second

// messageWriter is the subset of *kafka.Writer the producer uses.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type KafkaProducer struct {
	locations messageWriter
	rides     messageWriter
}

func NewKafkaProducer(brokers []string, locationTopic, rideTopic string) *KafkaProducer {
	return &KafkaProducer{
		locations: newWriter(brokers, locationTopic),
		rides:     newWriter(brokers, rideTopic),
	}
}

func newWriter(brokers []string, topic string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// PublishLocation writes ev keyed by driver id so one driver's positions stay
// on one partition.
func (k *KafkaProducer) PublishLocation(ctx context.Context, ev models.LocationEvent) error {
	return publish(ctx, k.locations, ev.DriverID, ev)
}

// PublishRideEvent writes ev keyed by ride id.
func (k *KafkaProducer) PublishRideEvent(ctx context.Context, ev models.RideEvent) error {
	return publish(ctx, k.rides, ev.RideID, ev)
}

func publish(ctx context.Context, w messageWriter, key string, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return w.WriteMessages(ctx, kafka.Message{Key: []byte(key), Value: b})
}

func (k *KafkaProducer) Close() error {
	var first error
	for _, w := range []messageWriter{k.locations, k.rides} {
		if w == nil {
			continue
		}
		if err := w.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Noop discards everything; used when no brokers are configured.
type Noop struct{}

func (Noop) PublishLocation(context.Context, models.LocationEvent) error { return nil }
func (Noop) PublishRideEvent(context.Context, models.RideEvent) error    { return nil }
func (Noop) Close() error                                                { return nil }

package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageWriter is the part of *kafka.Writer the producer needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// RideEvent is the record published for every committed ride transition.
type RideEvent struct {
	Type       string       `json:"type"`
	Ride       *models.Ride `json:"ride"`
	OccurredAt time.Time    `json:"occurred_at"`
}

// KafkaProducer publishes driver positions and ride lifecycle events. Both
// topics are keyed so one driver's or one ride's records stay in order.
type KafkaProducer struct {
	writer         MessageWriter
	locationsTopic string
	eventsTopic    string
	logger         *slog.Logger
}

// NewKafkaProducer builds an async writer: publishing never blocks callers,
// delivery failures are logged from the completion callback.
func NewKafkaProducer(brokers []string, locationsTopic, eventsTopic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		Async:                  true,
		BatchTimeout:           50 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		Completion: func(msgs []kafka.Message, err error) {
			if err == nil {
				return
			}
			for _, m := range msgs {
				observability.KafkaPublishErrors.WithLabelValues(m.Topic).Inc()
			}
			logger.Error("kafka publish failed", "messages", len(msgs), "error", err)
		},
	}
	return NewKafkaProducerWithWriter(w, locationsTopic, eventsTopic, logger)
}

func NewKafkaProducerWithWriter(w MessageWriter, locationsTopic, eventsTopic string, logger *slog.Logger) *KafkaProducer {
	if logger == nil {
		logger = slog.Default()
	}
	return &KafkaProducer{writer: w, locationsTopic: locationsTopic, eventsTopic: eventsTopic, logger: logger}
}

// PublishLocation emits a driver position for the location consumer.
func (k *KafkaProducer) PublishLocation(ctx context.Context, d models.Driver) error {
	b, err := json.Marshal(d)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return k.writer.WriteMessages(ctx, kafka.Message{Topic: k.locationsTopic, Key: []byte(d.ID), Value: b})
}

// RideCommitted publishes the ride's new state. It runs inside the ride's
// exclusion, so it only hands the record to the async writer.
func (k *KafkaProducer) RideCommitted(r *models.Ride) {
	if k.eventsTopic == "" {
		return
	}
	b, err := json.Marshal(RideEvent{Type: "ride." + string(r.Status), Ride: r, OccurredAt: r.LastTransitionAt()})
	if err != nil {
		k.logger.Error("ride event encode failed", "ride_id", r.ID, "error", err)
		return
	}
	msg := kafka.Message{
		Topic:   k.eventsTopic,
		Key:     []byte(r.ID),
		Value:   b,
		Headers: []kafka.Header{{Key: "status", Value: []byte(r.Status)}},
	}
	if err := k.writer.WriteMessages(context.Background(), msg); err != nil {
		observability.KafkaPublishErrors.WithLabelValues(k.eventsTopic).Inc()
		k.logger.Warn("ride event not published", "ride_id", r.ID, "status", r.Status, "error", err)
	}
}

func (k *KafkaProducer) Close() error {
	if k.writer == nil {
		return nil
	}
	return k.writer.Close()
}

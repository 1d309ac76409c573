package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// MessageReader is the part of *kafka.Reader the consumer needs.
type MessageReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// DriverUpserter stores a driver's latest position.
type DriverUpserter interface {
	Upsert(ctx context.Context, d models.Driver) error
}

// LocationConsumer moves driver positions from the locations topic into the
// geo store that dispatch reads from.
type LocationConsumer struct {
	reader     MessageReader
	geo        DriverUpserter
	logger     *slog.Logger
	attempts   int
	retryDelay time.Duration
	maxBackoff time.Duration
}

func NewLocationConsumer(brokers []string, topic, group string, geo DriverUpserter, logger *slog.Logger) *LocationConsumer {
	r := kafka.NewReader(kafka.ReaderConfig{Brokers: brokers, Topic: topic, GroupID: group, MinBytes: 10e3, MaxBytes: 10e6})
	return NewLocationConsumerWithReader(r, geo, logger)
}

func NewLocationConsumerWithReader(r MessageReader, geo DriverUpserter, logger *slog.Logger) *LocationConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocationConsumer{
		reader:     r,
		geo:        geo,
		logger:     logger,
		attempts:   3,
		retryDelay: 200 * time.Millisecond,
		maxBackoff: 30 * time.Second,
	}
}

// Run consumes until ctx is done. Read errors back off exponentially; bad
// records and store failures are logged and skipped.
func (c *LocationConsumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		m, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("kafka read failed", "error", err, "backoff", backoff.String())
			if !sleep(ctx, backoff) {
				return nil
			}
			backoff *= 2
			if backoff > c.maxBackoff {
				backoff = c.maxBackoff
			}
			continue
		}
		backoff = time.Second
		c.handle(ctx, m)
	}
}

func (c *LocationConsumer) handle(ctx context.Context, m kafka.Message) {
	var d models.Driver
	if err := json.Unmarshal(m.Value, &d); err != nil || d.ID == "" || !d.Loc.Valid() {
		observability.ConsumerMessages.WithLabelValues("invalid").Inc()
		c.logger.Warn("invalid driver location record", "offset", m.Offset, "partition", m.Partition, "error", err)
		return
	}
	if err := upsertWithRetry(ctx, c.geo, d, c.attempts, c.retryDelay); err != nil {
		observability.ConsumerMessages.WithLabelValues("store_error").Inc()
		c.logger.Error("driver location not stored", "driver_id", d.ID, "error", err)
		return
	}
	observability.ConsumerMessages.WithLabelValues("stored").Inc()
}

func (c *LocationConsumer) Close() error { return c.reader.Close() }

// upsertWithRetry tries the store up to attempts times, doubling delay between
// tries.
func upsertWithRetry(ctx context.Context, g DriverUpserter, d models.Driver, attempts int, delay time.Duration) error {
	var err error
	for i := 0; i < attempts; i++ {
		if err = g.Upsert(ctx, d); err == nil {
			return nil
		}
		if i == attempts-1 || !sleep(ctx, delay) {
			break
		}
		delay *= 2
	}
	if err == nil {
		err = errors.New("no attempts made")
	}
	return err
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

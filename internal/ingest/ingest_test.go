package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
)

// fakeUpserter fails the first failN calls.
type fakeUpserter struct {
	mu     sync.Mutex
	failN  int
	calls  int
	stored []models.Driver
}

func (f *fakeUpserter) Upsert(_ context.Context, d models.Driver) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.failN {
		return errors.New("redis: i/o timeout")
	}
	f.stored = append(f.stored, d)
	return nil
}

func (f *fakeUpserter) Stored() []models.Driver {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Driver(nil), f.stored...)
}

var driver = models.Driver{ID: "d1", Loc: models.Coord{Lat: 1, Lon: 2}, Rating: 4.5, Online: true}

func TestUpsertWithRetrySucceedsAfterRetries(t *testing.T) {
	f := &fakeUpserter{failN: 2}
	start := time.Now()
	require.NoError(t, upsertWithRetry(context.Background(), f, driver, 3, 10*time.Millisecond))
	assert.Equal(t, 3, f.calls)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

func TestUpsertWithRetryFailsWhenExhausted(t *testing.T) {
	f := &fakeUpserter{failN: 5}
	assert.Error(t, upsertWithRetry(context.Background(), f, driver, 3, time.Millisecond))
	assert.Equal(t, 3, f.calls)
}

func TestUpsertWithRetryStopsOnCancel(t *testing.T) {
	f := &fakeUpserter{failN: 5}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.Error(t, upsertWithRetry(ctx, f, driver, 3, time.Hour))
	assert.Equal(t, 1, f.calls)
}

type fakeReader struct {
	msgs chan kafka.Message
}

func (r *fakeReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case m := <-r.msgs:
		return m, nil
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	}
}

func (r *fakeReader) Close() error { return nil }

func TestLocationConsumerStoresValidRecords(t *testing.T) {
	r := &fakeReader{msgs: make(chan kafka.Message, 4)}
	g := &fakeUpserter{}
	c := NewLocationConsumerWithReader(r, g, nil)

	good, _ := json.Marshal(driver)
	r.msgs <- kafka.Message{Value: []byte("not json")}
	r.msgs <- kafka.Message{Value: []byte(`{"id":"d2","loc":{"lat":123,"lon":0}}`)}
	r.msgs <- kafka.Message{Key: []byte("d1"), Value: good}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, func() bool { return len(g.Stored()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, driver.ID, g.Stored()[0].ID)
	assert.Equal(t, driver.Loc, g.Stored()[0].Loc)
}

type fakeWriter struct {
	mu   sync.Mutex
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error { return nil }

func TestProducerPublishesRideEventsKeyedByRide(t *testing.T) {
	w := &fakeWriter{}
	p := NewKafkaProducerWithWriter(w, "driver-locations", "ride-events", nil)
	created := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	accepted := created.Add(time.Minute)
	r := &models.Ride{ID: "r1", PassengerID: "p1", DriverID: "d1", Status: models.StatusAccepted, CreatedAt: created, AcceptedAt: &accepted}

	p.RideCommitted(r)
	require.NoError(t, p.PublishLocation(context.Background(), driver))

	require.Len(t, w.msgs, 2)
	ev := w.msgs[0]
	assert.Equal(t, "ride-events", ev.Topic)
	assert.Equal(t, "r1", string(ev.Key))
	assert.Equal(t, "accepted", string(ev.Headers[0].Value))
	var got RideEvent
	require.NoError(t, json.Unmarshal(ev.Value, &got))
	assert.Equal(t, "ride.accepted", got.Type)
	assert.Equal(t, accepted, got.OccurredAt)
	assert.Equal(t, "d1", got.Ride.DriverID)

	loc := w.msgs[1]
	assert.Equal(t, "driver-locations", loc.Topic)
	assert.Equal(t, "d1", string(loc.Key))
}

func TestProducerSwallowsRideEventFailures(t *testing.T) {
	w := &fakeWriter{err: errors.New("kafka: leader not available")}
	p := NewKafkaProducerWithWriter(w, "driver-locations", "ride-events", nil)
	assert.NotPanics(t, func() { p.RideCommitted(&models.Ride{ID: "r1", Status: models.StatusPending}) })
	assert.Error(t, p.PublishLocation(context.Background(), driver))
}

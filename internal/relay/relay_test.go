package relay

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
	"github.com/example/ride-dispatch/internal/ride"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/testutil"
)

var trip = models.RequestRide{
	Pickup:         models.Place{Lat: -6.2, Lon: 106.8},
	Dropoff:        models.Place{Lat: -6.17, Lon: 106.82},
	EstimatedPrice: 12,
}

type fixture struct {
	relay   *Relay
	machine *ride.Machine
	store   *storage.MemoryStore
	reg     *registry.Registry
}

func newFixture(t *testing.T, minInterval time.Duration) *fixture {
	t.Helper()
	f := &fixture{store: storage.NewMemoryStore(), reg: registry.New(nil)}
	f.machine = ride.NewMachine(f.store, f.reg, nil)
	f.relay = New(f.machine, f.reg, minInterval, nil)
	f.machine.Observe(f.relay)
	t.Cleanup(f.reg.Close)
	return f
}

func (f *fixture) connect(p models.Principal) *testutil.Conn {
	c := testutil.NewConn(p)
	f.reg.Register(c)
	return c
}

// accepted creates a ride between passenger and driver; both are connected
// before the ride exists so they join its room.
func (f *fixture) accepted(t *testing.T, passenger, driver models.Principal) *models.Ride {
	t.Helper()
	ctx := context.Background()
	r, err := f.machine.RequestRide(ctx, passenger, trip)
	require.NoError(t, err)
	r, err = f.machine.Accept(ctx, driver, r.ID)
	require.NoError(t, err)
	return r
}

func principal(id string, role models.Role) models.Principal {
	return models.Principal{ID: id, Role: role}
}

func TestLocationStaysInsideRide(t *testing.T) {
	f := newFixture(t, 0)
	p1, d1 := principal("p1", models.RolePassenger), principal("d1", models.RoleDriver)
	p2, d2 := principal("p2", models.RolePassenger), principal("d2", models.RoleDriver)
	p1c, d1c := f.connect(p1), f.connect(d1)
	p2c, d2c := f.connect(p2), f.connect(d2)
	r1 := f.accepted(t, p1, d1)
	f.accepted(t, p2, d2)

	// p1's second device is connected but has not joined r1
	p1other := f.connect(p1)

	assert.True(t, f.relay.RelayLocation(context.Background(), d1, r1.ID, -6.201, 106.801))

	ev := p1c.WaitFor(t, models.EventLocationUpdate, time.Second)
	sample := ev.Data.(models.LocationSample)
	assert.Equal(t, r1.ID, sample.RideID)
	assert.Equal(t, d1.ID, sample.PrincipalID)
	assert.Equal(t, -6.201, sample.Lat)

	assert.Empty(t, d1c.OfType(models.EventLocationUpdate))
	assert.Empty(t, p2c.OfType(models.EventLocationUpdate))
	assert.Empty(t, d2c.OfType(models.EventLocationUpdate))
	assert.Empty(t, p1other.OfType(models.EventLocationUpdate))
}

func TestNonPartyAndInactiveRidesAreDropped(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p, d := principal("p1", models.RolePassenger), principal("d1", models.RoleDriver)
	pc := f.connect(p)
	f.connect(d)

	pending, err := f.machine.RequestRide(ctx, p, trip)
	require.NoError(t, err)
	assert.False(t, f.relay.RelayLocation(ctx, p, pending.ID, 1, 1))

	r := f.accepted(t, p, d)
	assert.False(t, f.relay.RelayLocation(ctx, principal("intruder", models.RoleDriver), r.ID, 1, 1))
	assert.False(t, f.relay.RelayLocation(ctx, d, r.ID, 95, 1))
	assert.False(t, f.relay.RelayLocation(ctx, d, "missing", 1, 1))
	assert.Empty(t, pc.OfType(models.EventLocationUpdate))

	_, err = f.machine.Cancel(ctx, p, r.ID)
	require.NoError(t, err)
	assert.False(t, f.relay.RelayLocation(ctx, d, r.ID, 1, 1))
}

func TestFastSamplesCoalesceToNewest(t *testing.T) {
	interval := 80 * time.Millisecond
	f := newFixture(t, interval)
	ctx := context.Background()
	p, d := principal("p1", models.RolePassenger), principal("d1", models.RoleDriver)
	pc := f.connect(p)
	f.connect(d)
	r := f.accepted(t, p, d)

	for i := 0; i < 5; i++ {
		require.True(t, f.relay.RelayLocation(ctx, d, r.ID, float64(i), 0))
	}
	first := pc.OfType(models.EventLocationUpdate)
	require.Len(t, first, 1)
	assert.Equal(t, 0.0, first[0].Data.(models.LocationSample).Lat)

	require.Eventually(t, func() bool {
		return len(pc.OfType(models.EventLocationUpdate)) == 2
	}, time.Second, 5*time.Millisecond)
	got := pc.OfType(models.EventLocationUpdate)
	assert.Equal(t, 4.0, got[1].Data.(models.LocationSample).Lat)

	time.Sleep(2 * interval)
	assert.Len(t, pc.OfType(models.EventLocationUpdate), 2)

	latest, ok := f.relay.Latest(r.ID, d.ID)
	require.True(t, ok)
	assert.Equal(t, 4.0, latest.Lat)
}

func TestPartyIndexFallsBackToRideSource(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p, d := principal("p1", models.RolePassenger), principal("d1", models.RoleDriver)
	pc := f.connect(p)
	f.connect(d)
	r := f.accepted(t, p, d)

	// a relay that never observed the ride's transitions
	cold := New(f.machine, f.reg, 0, nil)
	assert.True(t, cold.RelayLocation(ctx, d, r.ID, 2, 3))
	pc.WaitFor(t, models.EventLocationUpdate, time.Second)
}

func TestTerminalRideForgetsSamples(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()
	p, d := principal("p1", models.RolePassenger), principal("d1", models.RoleDriver)
	pc := f.connect(p)
	f.connect(d)
	r := f.accepted(t, p, d)

	require.True(t, f.relay.RelayLocation(ctx, d, r.ID, 1, 1))
	// second sample waits for the hour-long window
	require.True(t, f.relay.RelayLocation(ctx, d, r.ID, 2, 2))
	_, ok := f.relay.Latest(r.ID, d.ID)
	require.True(t, ok)

	_, err := f.machine.Start(ctx, d, r.ID)
	require.NoError(t, err)
	_, err = f.machine.Complete(ctx, d, r.ID, nil)
	require.NoError(t, err)

	_, ok = f.relay.Latest(r.ID, d.ID)
	assert.False(t, ok)
	assert.Len(t, pc.OfType(models.EventLocationUpdate), 1)
}

// cancelDuringLoad cancels the ride as soon as the relay has read it, the way a
// passenger cancelling right after a server restart would.
type cancelDuringLoad struct {
	machine   *ride.Machine
	passenger models.Principal
	once      sync.Once
}

func (c *cancelDuringLoad) WithRide(ctx context.Context, rideID string, fn func(*models.Ride) error) error {
	var cancelled chan struct{}
	err := c.machine.WithRide(ctx, rideID, func(r *models.Ride) error {
		c.once.Do(func() {
			cancelled = make(chan struct{})
			go func() {
				defer close(cancelled)
				_, _ = c.machine.Cancel(context.Background(), c.passenger, rideID)
			}()
		})
		return fn(r)
	})
	if cancelled != nil {
		<-cancelled
	}
	return err
}

func TestRideEndingDuringColdLookupStopsRelay(t *testing.T) {
	f := newFixture(t, 0)
	ctx := context.Background()
	p, d := principal("p1", models.RolePassenger), principal("d1", models.RoleDriver)
	pc := f.connect(p)
	f.connect(d)
	r := f.accepted(t, p, d)

	late := New(&cancelDuringLoad{machine: f.machine, passenger: p}, f.reg, 0, nil)
	f.machine.Observe(late)

	late.RelayLocation(ctx, d, r.ID, 1, 1)
	stored, err := f.store.LoadRide(ctx, r.ID)
	require.NoError(t, err)
	require.Equal(t, models.StatusCancelled, stored.Status)

	assert.False(t, late.RelayLocation(ctx, d, r.ID, 2, 2))
	assert.Empty(t, pc.OfType(models.EventLocationUpdate))
	_, ok := late.Latest(r.ID, d.ID)
	assert.False(t, ok)
}

package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// RideSource resolves rides the relay has not seen a transition for yet. fn
// runs with the ride's exclusion held, so no transition commits while the
// relay caches what it read.
type RideSource interface {
	WithRide(ctx context.Context, rideID string, fn func(r *models.Ride) error) error
}

// Notifier delivers an event to a principal's connections joined to a ride.
type Notifier interface {
	EmitToMember(rideID, principalID string, ev models.Event) int
}

type parties struct {
	passenger string
	driver    string
	status    models.Status
}

func (p parties) counterparty(id string) string {
	switch id {
	case p.passenger:
		return p.driver
	case p.driver:
		return p.passenger
	}
	return ""
}

// slot holds the newest sample one party sent for one ride. Delivery always
// happens under mu and always sends the newest sample, so a receiver never
// sees an older position after a newer one.
type slot struct {
	mu      sync.Mutex
	limiter *rate.Limiter
	latest  models.LocationSample
	to      string
	flush   *time.Timer
	dead    bool
}

// Relay forwards live positions between the two parties of an active ride.
// Nothing is persisted; only the newest sample per ride and sender is kept.
type Relay struct {
	rides    RideSource
	notifier Notifier
	limit    rate.Limit
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	parties map[string]parties
	slots   map[string]map[string]*slot // ride id -> sender id
}

// New returns a relay that forwards at most one sample per minInterval for each
// ride and sender. Faster samples are coalesced into the newest one.
func New(rides RideSource, notifier Notifier, minInterval time.Duration, logger *slog.Logger) *Relay {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		rides:    rides,
		notifier: notifier,
		limit:    limit,
		logger:   logger,
		now:      time.Now,
		parties:  make(map[string]parties),
		slots:    make(map[string]map[string]*slot),
	}
}

// RelayLocation accepts a position from sender for rideID. It reports false
// when the sample was dropped: the sender is not a party of the ride, the ride
// is not accepted or in progress, or the coordinates are invalid.
func (r *Relay) RelayLocation(ctx context.Context, sender models.Principal, rideID string, lat, lon float64) bool {
	if !(models.Coord{Lat: lat, Lon: lon}).Valid() {
		observability.LocationSamples.WithLabelValues("invalid").Inc()
		return false
	}
	p, ok := r.lookup(ctx, rideID)
	if !ok || !p.status.Active() {
		observability.LocationSamples.WithLabelValues("inactive").Inc()
		return false
	}
	to := p.counterparty(sender.ID)
	if to == "" {
		observability.LocationSamples.WithLabelValues("not_party").Inc()
		return false
	}

	s := r.slot(rideID, sender.ID)
	if s == nil {
		observability.LocationSamples.WithLabelValues("inactive").Inc()
		return false
	}
	sample := models.LocationSample{RideID: rideID, PrincipalID: sender.ID, Lat: lat, Lon: lon, CapturedAt: r.now().UTC()}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead {
		observability.LocationSamples.WithLabelValues("inactive").Inc()
		return false
	}
	s.latest = sample
	s.to = to
	if s.flush != nil {
		observability.LocationSamples.WithLabelValues("coalesced").Inc()
		return true
	}
	res := s.limiter.Reserve()
	if d := res.Delay(); d > 0 {
		s.flush = time.AfterFunc(d, func() { r.flushSlot(s) })
		observability.LocationSamples.WithLabelValues("coalesced").Inc()
		return true
	}
	r.deliverLocked(s)
	return true
}

func (r *Relay) flushSlot(s *slot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flush = nil
	if s.dead {
		return
	}
	r.deliverLocked(s)
}

func (r *Relay) deliverLocked(s *slot) {
	n := r.notifier.EmitToMember(s.latest.RideID, s.to, models.LocationEvent(s.latest))
	outcome := "relayed"
	if n == 0 {
		outcome = "no_receiver"
	}
	observability.LocationSamples.WithLabelValues(outcome).Inc()
}

// slot returns the sender's slot, or nil once the ride has been forgotten.
func (r *Relay) slot(rideID, senderID string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.parties[rideID]; !ok {
		return nil
	}
	bySender, ok := r.slots[rideID]
	if !ok {
		bySender = make(map[string]*slot, 2)
		r.slots[rideID] = bySender
	}
	s, ok := bySender[senderID]
	if !ok {
		s = &slot{limiter: rate.NewLimiter(r.limit, 1)}
		bySender[senderID] = s
	}
	return s
}

func (r *Relay) lookup(ctx context.Context, rideID string) (parties, bool) {
	r.mu.Lock()
	p, ok := r.parties[rideID]
	r.mu.Unlock()
	if ok {
		return p, true
	}
	err := r.rides.WithRide(ctx, rideID, func(ride *models.Ride) error {
		p = parties{passenger: ride.PassengerID, driver: ride.DriverID, status: ride.Status}
		if ride.Status.Terminal() {
			return nil
		}
		r.mu.Lock()
		if cur, seen := r.parties[rideID]; seen {
			p = cur
		} else {
			r.parties[rideID] = p
		}
		r.mu.Unlock()
		return nil
	})
	if err != nil {
		r.logger.Debug("location for unknown ride", "ride_id", rideID, "error", err)
		return parties{}, false
	}
	return p, true
}

// RideCommitted keeps the party index current and forgets rides that ended.
func (r *Relay) RideCommitted(ride *models.Ride) {
	if ride.Status.Terminal() {
		r.Forget(ride.ID)
		return
	}
	r.mu.Lock()
	r.parties[ride.ID] = parties{passenger: ride.PassengerID, driver: ride.DriverID, status: ride.Status}
	r.mu.Unlock()
}

// Latest returns the newest sample principalID sent for rideID.
func (r *Relay) Latest(rideID, principalID string) (models.LocationSample, bool) {
	r.mu.Lock()
	s, ok := r.slots[rideID][principalID]
	r.mu.Unlock()
	if !ok {
		return models.LocationSample{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dead || s.latest.RideID == "" {
		return models.LocationSample{}, false
	}
	return s.latest, true
}

// Forget drops every sample and pending flush for rideID.
func (r *Relay) Forget(rideID string) {
	r.mu.Lock()
	dropped := r.slots[rideID]
	delete(r.slots, rideID)
	delete(r.parties, rideID)
	r.mu.Unlock()

	for _, s := range dropped {
		s.mu.Lock()
		s.dead = true
		if s.flush != nil {
			s.flush.Stop()
			s.flush = nil
		}
		s.mu.Unlock()
	}
}

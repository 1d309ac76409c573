package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
)

// Geo finds drivers near a pickup point.
type Geo interface {
	FindNearbyAvailableDrivers(ctx context.Context, point models.Coord, radiusMeters float64, limit int) ([]models.NearbyDriver, error)
}

// Presence tells whether a principal has a live connection.
type Presence interface {
	IsOnline(principalID string) bool
}

// Notifier delivers an event to every connection of a principal.
type Notifier interface {
	Emit(principalID string, ev models.Event) int
}

// RideLocker runs fn while holding the ride's exclusion.
type RideLocker interface {
	WithRide(ctx context.Context, rideID string, fn func(r *models.Ride) error) error
}

// ETA estimates pickup travel time in seconds.
type ETA interface {
	Seconds(ctx context.Context, from, to models.Coord) float64
}

type Config struct {
	RadiusMeters      float64
	OfferTTL          time.Duration
	MaxRetries        int
	RetryRadiusFactor float64
	MaxCandidates     int
}

func DefaultConfig() Config {
	return Config{
		RadiusMeters:      3000,
		OfferTTL:          20 * time.Second,
		MaxRetries:        1,
		RetryRadiusFactor: 2,
		MaxCandidates:     8,
	}
}

type candidate struct {
	models.NearbyDriver
	etaSeconds float64
}

type offer struct {
	models.DispatchOffer
	gen        uint64
	candidates map[string]struct{}
	timer      *time.Timer
}

// Engine proposes pending rides to nearby drivers and retires offers once a
// ride is accepted, cancelled or the offer window lapses.
type Engine struct {
	cfg      Config
	geo      Geo
	presence Presence
	notifier Notifier
	rides    RideLocker
	eta      ETA
	logger   *slog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	offers map[string]*offer
	gen    uint64
	closed bool
}

func NewEngine(cfg Config, g Geo, presence Presence, notifier Notifier, rides RideLocker, eta ETA, logger *slog.Logger) *Engine {
	def := DefaultConfig()
	if cfg.RadiusMeters <= 0 {
		cfg.RadiusMeters = def.RadiusMeters
	}
	if cfg.OfferTTL <= 0 {
		cfg.OfferTTL = def.OfferTTL
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.RetryRadiusFactor < 1 {
		cfg.RetryRadiusFactor = 1
	}
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = def.MaxCandidates
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:      cfg,
		geo:      g,
		presence: presence,
		notifier: notifier,
		rides:    rides,
		eta:      eta,
		logger:   logger,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		offers:   make(map[string]*offer),
	}
}

var errNotPending = errors.New("ride no longer pending")

// Dispatch offers a freshly requested ride to the nearest online drivers. When
// nobody can be offered the ride it stays pending and the passenger is told.
func (e *Engine) Dispatch(ctx context.Context, r *models.Ride) error {
	return e.attempt(ctx, r, e.cfg.RadiusMeters, 0)
}

func (e *Engine) attempt(ctx context.Context, r *models.Ride, radius float64, attempt int) error {
	cands, err := e.candidates(ctx, r.Pickup.Coord(), radius)
	if err != nil {
		observability.DispatchOutcomes.WithLabelValues("geo_error").Inc()
		e.logger.Error("nearby driver lookup failed", "ride_id", r.ID, "radius_m", radius, "error", err)
		e.giveUp(ctx, r.ID, "driver lookup unavailable")
		return fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	if len(cands) == 0 {
		observability.DispatchOutcomes.WithLabelValues("no_drivers").Inc()
		e.logger.Info("no drivers available", "ride_id", r.ID, "radius_m", radius, "attempt", attempt)
		e.giveUp(ctx, r.ID, "no drivers available nearby")
		return fmt.Errorf("%w: ride %s within %.0fm", models.ErrNoDriversAvailable, r.ID, radius)
	}

	err = e.rides.WithRide(ctx, r.ID, func(cur *models.Ride) error {
		if cur.Status != models.StatusPending {
			return errNotPending
		}
		o := e.install(cur.ID, cands, radius, attempt)
		if o == nil {
			return errNotPending
		}
		summary := cur.Summary()
		for _, c := range cands {
			e.notifier.Emit(c.ID, models.Event{Type: models.EventRideOffer, Data: models.RideOffer{
				Ride:           summary,
				ExpiresAt:      o.ExpiresAt,
				DistanceMeters: c.DistanceMeters,
				ETASeconds:     c.etaSeconds,
			}})
		}
		return nil
	})
	switch {
	case errors.Is(err, errNotPending):
		e.logger.Debug("ride left pending before offer", "ride_id", r.ID)
		return nil
	case err != nil:
		return err
	}
	observability.DispatchOutcomes.WithLabelValues("offered").Inc()
	observability.OffersSent.Add(float64(len(cands)))
	e.logger.Info("ride offered", "ride_id", r.ID, "candidates", len(cands), "radius_m", radius, "attempt", attempt)
	return nil
}

// maxLookup bounds how many nearby drivers one lookup may scan for online ones.
const maxLookup = 1024

// candidates runs the geo lookup and ETA estimates. It must not be called while
// a ride exclusion is held.
func (e *Engine) candidates(ctx context.Context, pickup models.Coord, radius float64) ([]candidate, error) {
	var online []models.NearbyDriver
	for limit := e.cfg.MaxCandidates * 2; ; limit *= 4 {
		start := time.Now()
		found, err := e.geo.FindNearbyAvailableDrivers(ctx, pickup, radius, limit)
		observability.GeoLookupLatency.Observe(time.Since(start).Seconds())
		if err != nil {
			return nil, err
		}
		online = online[:0]
		for _, d := range found {
			if e.presence == nil || e.presence.IsOnline(d.ID) {
				online = append(online, d)
			}
		}
		// widen until enough found drivers hold a live connection
		if len(online) >= e.cfg.MaxCandidates || len(found) < limit || limit >= maxLookup {
			break
		}
	}
	geo.SortNearest(online)
	if len(online) > e.cfg.MaxCandidates {
		online = online[:e.cfg.MaxCandidates]
	}
	out := make([]candidate, len(online))
	for i, d := range online {
		out[i] = candidate{NearbyDriver: d}
		if e.eta != nil {
			out[i].etaSeconds = e.eta.Seconds(ctx, d.Loc, pickup)
		}
	}
	return out, nil
}

// install replaces any live offer for rideID. Callers hold the ride exclusion.
func (e *Engine) install(rideID string, cands []candidate, radius float64, attempt int) *offer {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	if old, ok := e.offers[rideID]; ok {
		old.timer.Stop()
	}
	e.gen++
	now := e.now().UTC()
	o := &offer{
		DispatchOffer: models.DispatchOffer{
			RideID:       rideID,
			OfferedAt:    now,
			ExpiresAt:    now.Add(e.cfg.OfferTTL),
			Attempt:      attempt,
			RadiusMeters: radius,
		},
		gen:        e.gen,
		candidates: make(map[string]struct{}, len(cands)),
	}
	for _, c := range cands {
		o.CandidateDriverIDs = append(o.CandidateDriverIDs, c.ID)
		o.candidates[c.ID] = struct{}{}
	}
	gen := o.gen
	o.timer = time.AfterFunc(e.cfg.OfferTTL, func() { e.expire(rideID, gen) })
	e.offers[rideID] = o
	return o
}

func (e *Engine) expire(rideID string, gen uint64) {
	var (
		retry  *models.Ride
		radius float64
		next   int
	)
	err := e.rides.WithRide(e.ctx, rideID, func(r *models.Ride) error {
		e.mu.Lock()
		o, ok := e.offers[rideID]
		if !ok || o.gen != gen {
			e.mu.Unlock()
			return nil
		}
		delete(e.offers, rideID)
		e.mu.Unlock()

		if r.Status != models.StatusPending {
			return nil
		}
		if o.Attempt < e.cfg.MaxRetries {
			retry, radius, next = r, o.RadiusMeters*e.cfg.RetryRadiusFactor, o.Attempt+1
			return nil
		}
		observability.DispatchOutcomes.WithLabelValues("gave_up").Inc()
		e.logger.Info("offer expired without acceptance", "ride_id", rideID, "attempts", o.Attempt+1)
		e.notifier.Emit(r.PassengerID, models.DispatchUnavailableEvent(r.ID, "no driver accepted the ride"))
		return nil
	})
	if err != nil {
		if e.ctx.Err() == nil {
			e.logger.Error("offer expiry failed", "ride_id", rideID, "error", err)
		}
		return
	}
	if retry != nil {
		observability.DispatchOutcomes.WithLabelValues("retried").Inc()
		_ = e.attempt(e.ctx, retry, radius, next)
	}
}

// giveUp tells the passenger that dispatch stopped, unless the ride moved on or
// another offer went live meanwhile.
func (e *Engine) giveUp(ctx context.Context, rideID, reason string) {
	err := e.rides.WithRide(ctx, rideID, func(r *models.Ride) error {
		if r.Status != models.StatusPending {
			return nil
		}
		e.mu.Lock()
		_, live := e.offers[rideID]
		e.mu.Unlock()
		if !live {
			e.notifier.Emit(r.PassengerID, models.DispatchUnavailableEvent(r.ID, reason))
		}
		return nil
	})
	if err != nil {
		e.logger.Warn("dispatch unavailable notice not sent", "ride_id", rideID, "error", err)
	}
}

// IsCandidate reports whether driverID holds the live offer for rideID.
func (e *Engine) IsCandidate(rideID, driverID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.offers[rideID]
	if !ok || e.now().After(o.ExpiresAt) {
		return false
	}
	_, ok = o.candidates[driverID]
	return ok
}

// Resolve retires the live offer for rideID, if any.
func (e *Engine) Resolve(rideID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if o, ok := e.offers[rideID]; ok {
		o.timer.Stop()
		delete(e.offers, rideID)
	}
}

// Offer returns a copy of the live offer for rideID.
func (e *Engine) Offer(rideID string) (models.DispatchOffer, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.offers[rideID]
	if !ok {
		return models.DispatchOffer{}, false
	}
	d := o.DispatchOffer
	d.CandidateDriverIDs = append([]string(nil), o.CandidateDriverIDs...)
	return d, true
}

// Close stops every offer timer. Pending rides stay pending.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	for id, o := range e.offers {
		o.timer.Stop()
		delete(e.offers, id)
	}
	e.cancel()
}

package ride

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/storage"
)

// Notifier delivers committed ride state to connections.
type Notifier interface {
	EmitToRoom(rideID string, ev models.Event, excludePrincipal string) int
	JoinPrincipal(principalID, rideID string) int
}

// OfferBook is the dispatch side of acceptance: who may accept a pending ride,
// and invalidating the offer once the ride leaves pending.
type OfferBook interface {
	IsCandidate(rideID, driverID string) bool
	Resolve(rideID string)
}

// Observer sees every committed ride while its exclusion is still held, so
// observers receive a ride's versions in commit order.
type Observer interface {
	RideCommitted(r *models.Ride)
}

// Machine owns every ride mutation. All writes to one ride are serialized by a
// per-ride lock; different rides never share a lock.
type Machine struct {
	store     storage.RideStore
	notifier  Notifier
	offers    OfferBook
	observers []Observer
	locks     *Locks
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

func NewMachine(store storage.RideStore, notifier Notifier, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		store:    store,
		notifier: notifier,
		locks:    NewLocks(),
		logger:   logger,
		now:      time.Now,
		newID:    uuid.NewString,
	}
}

// UseOffers attaches the dispatch engine. Must be called before serving; with
// no offer book any driver may accept a pending ride.
func (m *Machine) UseOffers(o OfferBook) { m.offers = o }

// Observe registers o for every committed ride. Must be called before serving.
func (m *Machine) Observe(o Observer) { m.observers = append(m.observers, o) }

// RequestRide creates a pending ride for passenger p.
func (m *Machine) RequestRide(ctx context.Context, p models.Principal, req models.RequestRide) (*models.Ride, error) {
	if p.Role != models.RolePassenger {
		return nil, m.reject("request", "", fmt.Errorf("%w: only passengers request rides", models.ErrUnauthorized))
	}
	if !req.Pickup.Coord().Valid() || !req.Dropoff.Coord().Valid() {
		return nil, m.reject("request", "", fmt.Errorf("%w: coordinates out of range", models.ErrBadRequest))
	}
	if req.EstimatedPrice < 0 {
		return nil, m.reject("request", "", fmt.Errorf("%w: negative estimated price", models.ErrBadRequest))
	}

	r := &models.Ride{
		ID:              m.newID(),
		PassengerID:     p.ID,
		Status:          models.StatusPending,
		Pickup:          req.Pickup,
		Dropoff:         req.Dropoff,
		EstimatedPrice:  req.EstimatedPrice,
		PaymentMethodID: req.PaymentMethodID,
		CreatedAt:       m.now().UTC(),
	}
	unlock := m.locks.Lock(r.ID)
	defer unlock()

	m.mustHold(r)
	if err := m.store.PersistRide(ctx, r); err != nil {
		return nil, m.reject("request", r.ID, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err))
	}
	m.notifier.JoinPrincipal(p.ID, r.ID)
	m.commit(r)
	return r.Clone(), nil
}

// Accept binds driver p to a pending ride. A ride already bound to someone
// else yields models.ErrRideAlreadyTaken.
func (m *Machine) Accept(ctx context.Context, p models.Principal, rideID string) (*models.Ride, error) {
	return m.transition(ctx, p, rideID, transition{
		name: "accept",
		check: func(p models.Principal, cur *models.Ride) error {
			if cur.Status != models.StatusPending {
				if p.Role == models.RoleDriver && cur.DriverID != "" && cur.DriverID != p.ID {
					return models.ErrRideAlreadyTaken
				}
				return invalid("accept", cur.Status)
			}
			if p.Role != models.RoleDriver {
				return fmt.Errorf("%w: only drivers accept rides", models.ErrUnauthorized)
			}
			if m.offers != nil && !m.offers.IsCandidate(cur.ID, p.ID) {
				return fmt.Errorf("%w: driver %s holds no offer for ride %s", models.ErrUnauthorized, p.ID, cur.ID)
			}
			return nil
		},
		apply: func(r *models.Ride, p models.Principal, now time.Time) {
			r.Status = models.StatusAccepted
			r.DriverID = p.ID
			r.AcceptedAt = &now
		},
		after: func(r *models.Ride) {
			if m.offers != nil {
				m.offers.Resolve(r.ID)
			}
			m.notifier.JoinPrincipal(r.DriverID, r.ID)
			observability.AcceptLatency.Observe(r.AcceptedAt.Sub(r.CreatedAt).Seconds())
		},
	})
}

// Cancel ends a pending or accepted ride.
func (m *Machine) Cancel(ctx context.Context, p models.Principal, rideID string) (*models.Ride, error) {
	return m.transition(ctx, p, rideID, transition{
		name: "cancel",
		check: func(p models.Principal, cur *models.Ride) error {
			switch cur.Status {
			case models.StatusPending:
				if p.Role == models.RoleAdmin || (p.Role == models.RolePassenger && p.ID == cur.PassengerID) {
					return nil
				}
			case models.StatusAccepted:
				if p.Role == models.RoleAdmin || cur.IsParty(p.ID) {
					return nil
				}
			default:
				return invalid("cancel", cur.Status)
			}
			return fmt.Errorf("%w: %s may not cancel ride %s", models.ErrUnauthorized, p.ID, cur.ID)
		},
		apply: func(r *models.Ride, p models.Principal, now time.Time) {
			r.Status = models.StatusCancelled
			r.CancelledAt = &now
			r.CancelledBy = p.ID
		},
		after: func(r *models.Ride) {
			if m.offers != nil {
				m.offers.Resolve(r.ID)
			}
		},
	})
}

// Start moves an accepted ride into progress. Only the bound driver may start it.
func (m *Machine) Start(ctx context.Context, p models.Principal, rideID string) (*models.Ride, error) {
	return m.transition(ctx, p, rideID, transition{
		name: "start",
		check: func(p models.Principal, cur *models.Ride) error {
			if cur.Status != models.StatusAccepted {
				return invalid("start", cur.Status)
			}
			return requireBoundDriver(p, cur)
		},
		apply: func(r *models.Ride, _ models.Principal, now time.Time) {
			r.Status = models.StatusInProgress
			r.StartedAt = &now
		},
	})
}

// Complete finishes a ride in progress. A nil finalPrice settles at the estimate.
func (m *Machine) Complete(ctx context.Context, p models.Principal, rideID string, finalPrice *float64) (*models.Ride, error) {
	if finalPrice != nil && *finalPrice < 0 {
		return nil, m.reject("complete", rideID, fmt.Errorf("%w: negative final price", models.ErrBadRequest))
	}
	return m.transition(ctx, p, rideID, transition{
		name: "complete",
		check: func(p models.Principal, cur *models.Ride) error {
			if cur.Status != models.StatusInProgress {
				return invalid("complete", cur.Status)
			}
			return requireBoundDriver(p, cur)
		},
		apply: func(r *models.Ride, _ models.Principal, now time.Time) {
			price := r.EstimatedPrice
			if finalPrice != nil {
				price = *finalPrice
			}
			r.Status = models.StatusCompleted
			r.CompletedAt = &now
			r.FinalPrice = &price
		},
	})
}

// Get returns a ride visible to p: its parties and admins.
func (m *Machine) Get(ctx context.Context, p models.Principal, rideID string) (*models.Ride, error) {
	r, err := m.load(ctx, rideID)
	if err != nil {
		return nil, err
	}
	if p.Role != models.RoleAdmin && !r.IsParty(p.ID) {
		return nil, fmt.Errorf("%w: ride %s", models.ErrUnauthorized, rideID)
	}
	return r, nil
}

// WithRide runs fn with rideID's exclusion held. fn receives a copy and must not
// block on network I/O.
func (m *Machine) WithRide(ctx context.Context, rideID string, fn func(r *models.Ride) error) error {
	unlock := m.locks.Lock(rideID)
	defer unlock()
	r, err := m.load(ctx, rideID)
	if err != nil {
		return err
	}
	return fn(r)
}

type transition struct {
	name  string
	check func(p models.Principal, cur *models.Ride) error
	apply func(r *models.Ride, p models.Principal, now time.Time)
	after func(r *models.Ride)
}

func (m *Machine) transition(ctx context.Context, p models.Principal, rideID string, t transition) (*models.Ride, error) {
	unlock := m.locks.Lock(rideID)
	defer unlock()

	cur, err := m.load(ctx, rideID)
	if err != nil {
		return nil, m.reject(t.name, rideID, err)
	}
	if err := t.check(p, cur); err != nil {
		return nil, m.reject(t.name, rideID, err)
	}

	next := cur.Clone()
	now := m.now().UTC()
	if last := cur.LastTransitionAt(); now.Before(last) {
		now = last
	}
	t.apply(next, p, now)
	m.mustHold(next)

	if err := m.store.PersistRide(ctx, next); err != nil {
		return nil, m.reject(t.name, rideID, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err))
	}
	if t.after != nil {
		t.after(next)
	}
	m.commit(next)
	return next.Clone(), nil
}

// commit fans a persisted ride out to observers and the ride's room.
func (m *Machine) commit(r *models.Ride) {
	for _, o := range m.observers {
		o.RideCommitted(r.Clone())
	}
	m.notifier.EmitToRoom(r.ID, models.StatusEvent(r), "")
	observability.TransitionsTotal.WithLabelValues(string(r.Status)).Inc()
	m.logger.Info("ride transition committed", "ride_id", r.ID, "status", r.Status, "passenger_id", r.PassengerID, "driver_id", r.DriverID)
}

func (m *Machine) load(ctx context.Context, rideID string) (*models.Ride, error) {
	r, err := m.store.LoadRide(ctx, rideID)
	if errors.Is(err, models.ErrRideNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err)
	}
	return r, nil
}

func (m *Machine) reject(op, rideID string, err error) error {
	if errors.Is(err, models.ErrRideAlreadyTaken) {
		observability.AcceptRacesLost.Inc()
		m.logger.Debug("accept lost race", "ride_id", rideID)
		return err
	}
	code := models.ErrorCode(err)
	observability.TransitionsRejected.WithLabelValues(code).Inc()
	if code == models.CodeUpstreamUnavailable {
		m.logger.Error("ride transition failed", "op", op, "ride_id", rideID, "error", err)
	} else {
		m.logger.Info("ride transition rejected", "op", op, "ride_id", rideID, "code", code, "error", err)
	}
	return err
}

// mustHold panics on an invariant violation: that is a bug in this package,
// never a client error.
func (m *Machine) mustHold(r *models.Ride) {
	if err := r.CheckInvariants(); err != nil {
		panic(fmt.Sprintf("ride: invariant violated: %v", err))
	}
}

func invalid(op string, from models.Status) error {
	return fmt.Errorf("%w: cannot %s a %s ride", models.ErrInvalidTransition, op, from)
}

func requireBoundDriver(p models.Principal, cur *models.Ride) error {
	if p.Role != models.RoleDriver || p.ID != cur.DriverID {
		return fmt.Errorf("%w: only the bound driver may act on ride %s", models.ErrUnauthorized, cur.ID)
	}
	return nil
}

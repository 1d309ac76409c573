package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/registry"
)

// Session is a connection that remembers the credential it was opened with,
// so state-changing messages can be re-verified.
type Session interface {
	registry.Conn
	Credential() string
}

type Authenticator interface {
	Authenticate(token string) (models.Principal, error)
}

// Rides is the ride state machine.
type Rides interface {
	RequestRide(ctx context.Context, p models.Principal, req models.RequestRide) (*models.Ride, error)
	Accept(ctx context.Context, p models.Principal, rideID string) (*models.Ride, error)
	Cancel(ctx context.Context, p models.Principal, rideID string) (*models.Ride, error)
	Start(ctx context.Context, p models.Principal, rideID string) (*models.Ride, error)
	Complete(ctx context.Context, p models.Principal, rideID string, finalPrice *float64) (*models.Ride, error)
	Get(ctx context.Context, p models.Principal, rideID string) (*models.Ride, error)
	// WithRide runs fn with the ride's exclusion held, ordered against commits.
	WithRide(ctx context.Context, rideID string, fn func(r *models.Ride) error) error
}

type Dispatcher interface {
	Dispatch(ctx context.Context, r *models.Ride) error
}

type Relay interface {
	RelayLocation(ctx context.Context, sender models.Principal, rideID string, lat, lon float64) bool
	Latest(rideID, principalID string) (models.LocationSample, bool)
}

// Availability marks drivers free or busy for dispatch.
type Availability interface {
	SetAvailable(ctx context.Context, driverID string, available bool) error
}

type RideLister interface {
	ListRides(ctx context.Context, principalID string) ([]*models.Ride, error)
}

// Deps are the components the router ties together.
type Deps struct {
	Auth         Authenticator
	Registry     *registry.Registry
	Rides        Rides
	Dispatch     Dispatcher
	Relay        Relay
	Availability Availability
	Store        RideLister
}

var ErrClosed = errors.New("router: registry closed")

// Router turns inbound client messages into component calls and sends typed
// errors back to the originating connection only.
type Router struct {
	Deps
	logger *slog.Logger
}

func New(d Deps, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{Deps: d, logger: logger}
}

// Connect admits s, joins it to the principal's open rides and replays their
// current status plus the counterparty's latest position.
func (rt *Router) Connect(ctx context.Context, s Session) error {
	if !rt.Registry.Register(s) {
		return ErrClosed
	}
	p := s.Principal()
	rides, err := rt.Store.ListRides(ctx, p.ID)
	if err != nil {
		rt.logger.Warn("ride replay skipped", "principal_id", p.ID, "connection_id", s.ID(), "error", err)
		return nil
	}
	busy := false
	for _, listed := range rides {
		if listed.Status.Terminal() {
			continue
		}
		err := rt.Rides.WithRide(ctx, listed.ID, func(r *models.Ride) error {
			rt.replay(s, r)
			busy = busy || (r.Status.Active() && r.DriverID == p.ID)
			return nil
		})
		if err != nil {
			rt.logger.Warn("ride replay skipped", "principal_id", p.ID, "connection_id", s.ID(), "ride_id", listed.ID, "error", err)
		}
	}
	if p.Role == models.RoleDriver && !busy {
		rt.setAvailable(ctx, p.ID, true)
	}
	return nil
}

// Disconnect removes s. A driver's last disconnect takes them out of dispatch;
// rides they are bound to are left as they are.
func (rt *Router) Disconnect(ctx context.Context, s Session) {
	last := rt.Registry.Unregister(s)
	if last && s.Principal().Role == models.RoleDriver {
		rt.setAvailable(ctx, s.Principal().ID, false)
	}
}

// Handle processes one inbound message from s.
func (rt *Router) Handle(ctx context.Context, s Session, in models.Inbound) {
	p := s.Principal()
	if in.Type.Mutating() {
		fresh, err := rt.Auth.Authenticate(s.Credential())
		if err == nil && fresh.ID != p.ID {
			err = fmt.Errorf("%w: credential belongs to another principal", models.ErrInvalidCredential)
		}
		if err != nil {
			rt.reply(s, in, "", err)
			return
		}
		p = fresh
	}

	switch in.Type {
	case models.MsgRequestRide:
		var req models.RequestRide
		if err := in.Decode(&req); err != nil {
			rt.reply(s, in, "", err)
			return
		}
		r, err := rt.Rides.RequestRide(ctx, p, req)
		if err != nil {
			rt.reply(s, in, "", err)
			return
		}
		// failures already reached the passenger as dispatch_unavailable
		if err := rt.Dispatch.Dispatch(ctx, r); err != nil {
			rt.logger.Info("ride not dispatched", "ride_id", r.ID, "code", models.ErrorCode(err), "error", err)
		}

	case models.MsgAcceptRide:
		id, ok := rt.rideRef(s, in)
		if !ok {
			return
		}
		r, err := rt.Rides.Accept(ctx, p, id)
		if errors.Is(err, models.ErrRideAlreadyTaken) {
			_ = s.Send(models.AlreadyTakenEvent(id, in.Ref))
			return
		}
		if err != nil {
			rt.reply(s, in, id, err)
			return
		}
		rt.setAvailable(ctx, r.DriverID, false)

	case models.MsgCancelRide:
		id, ok := rt.rideRef(s, in)
		if !ok {
			return
		}
		r, err := rt.Rides.Cancel(ctx, p, id)
		if err != nil {
			rt.reply(s, in, id, err)
			return
		}
		if r.DriverID != "" {
			rt.setAvailable(ctx, r.DriverID, true)
		}

	case models.MsgStartRide:
		id, ok := rt.rideRef(s, in)
		if !ok {
			return
		}
		if _, err := rt.Rides.Start(ctx, p, id); err != nil {
			rt.reply(s, in, id, err)
		}

	case models.MsgCompleteRide:
		var req models.CompleteRide
		if err := in.Decode(&req); err != nil || req.RideID == "" {
			rt.reply(s, in, req.RideID, badRequest(in, err))
			return
		}
		r, err := rt.Rides.Complete(ctx, p, req.RideID, req.FinalPrice)
		if err != nil {
			rt.reply(s, in, req.RideID, err)
			return
		}
		rt.setAvailable(ctx, r.DriverID, true)

	case models.MsgUpdateLocation:
		var req models.UpdateLocation
		if err := in.Decode(&req); err != nil {
			rt.reply(s, in, "", err)
			return
		}
		rt.Relay.RelayLocation(ctx, p, req.RideID, req.Lat, req.Lon)

	case models.MsgSubscribeRide:
		id, ok := rt.rideRef(s, in)
		if !ok {
			return
		}
		err := rt.Rides.WithRide(ctx, id, func(r *models.Ride) error {
			if p.Role != models.RoleAdmin && !r.IsParty(p.ID) {
				return fmt.Errorf("%w: ride %s", models.ErrUnauthorized, id)
			}
			rt.replay(s, r)
			return nil
		})
		if err != nil {
			rt.reply(s, in, id, err)
		}

	case models.MsgUnsubscribeRide:
		id, ok := rt.rideRef(s, in)
		if !ok {
			return
		}
		rt.Registry.LeaveRoom(s, id)

	default:
		rt.reply(s, in, "", fmt.Errorf("%w: unknown message type %q", models.ErrBadRequest, in.Type))
	}
}

func (rt *Router) rideRef(s Session, in models.Inbound) (string, bool) {
	var ref models.RideRef
	if err := in.Decode(&ref); err != nil || ref.RideID == "" {
		rt.reply(s, in, "", badRequest(in, err))
		return "", false
	}
	return ref.RideID, true
}

func badRequest(in models.Inbound, err error) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s needs ride_id", models.ErrBadRequest, in.Type)
}

func (rt *Router) reply(s Session, in models.Inbound, rideID string, err error) {
	rt.logger.Debug("message rejected", "type", in.Type, "principal_id", s.Principal().ID, "connection_id", s.ID(), "ride_id", rideID, "error", err)
	_ = s.Send(models.ErrorEvent(err, rideID, in.Ref))
}

// replay joins s to r's room and sends r's current status plus the
// counterparty's latest position. Callers hold the ride's exclusion, so no
// commit lands between the join and the status. A ride that ended meanwhile
// only gets its final status.
func (rt *Router) replay(s Session, r *models.Ride) {
	if !r.Status.Terminal() {
		rt.Registry.JoinRoom(s, r.ID)
	}
	_ = s.Send(models.StatusEvent(r))
	if r.Status.Active() {
		rt.redeliverLocation(s, r)
	}
}

func (rt *Router) redeliverLocation(s Session, r *models.Ride) {
	if rt.Relay == nil {
		return
	}
	other := r.Counterparty(s.Principal().ID)
	if other == "" {
		return
	}
	if sample, ok := rt.Relay.Latest(r.ID, other); ok {
		_ = s.Send(models.LocationEvent(sample))
	}
}

func (rt *Router) setAvailable(ctx context.Context, driverID string, available bool) {
	if rt.Availability == nil {
		return
	}
	if err := rt.Availability.SetAvailable(ctx, driverID, available); err != nil {
		rt.logger.Warn("driver availability not updated", "driver_id", driverID, "available", available, "error", err)
	}
}

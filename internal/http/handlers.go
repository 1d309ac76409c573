package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/ride-dispatch/internal/auth"
	"github.com/example/ride-dispatch/internal/models"
	"github.com/example/ride-dispatch/internal/observability"
	"github.com/example/ride-dispatch/internal/router"
)

// RideReader resolves one ride visible to a principal.
type RideReader interface {
	Get(ctx context.Context, p models.Principal, rideID string) (*models.Ride, error)
}

// LocationSink stores driver availability pings.
type LocationSink interface {
	Upsert(ctx context.Context, d models.Driver) error
}

// LocationPublisher forwards pings to the driver location stream.
type LocationPublisher interface {
	PublishLocation(ctx context.Context, d models.Driver) error
}

// Check is one readiness probe.
type Check func(ctx context.Context) error

type Deps struct {
	Auth      router.Authenticator
	Router    *router.Router
	Rides     RideReader
	Store     router.RideLister
	Locations LocationSink
	Publisher LocationPublisher
	Ready     map[string]Check
}

type Options struct {
	SendBuffer   int
	PingInterval time.Duration
	PongWait     time.Duration
	MaxMessage   int64
}

func DefaultOptions() Options {
	return Options{SendBuffer: 64, PingInterval: 25 * time.Second, PongWait: 60 * time.Second, MaxMessage: 16 << 10}
}

type Server struct {
	Deps
	opts     Options
	logger   *slog.Logger
	mux      *mux.Router
	upgrader websocket.Upgrader
	sessions sync.WaitGroup

	drainMu  sync.Mutex
	draining bool
}

func NewServer(d Deps, opts Options, logger *slog.Logger) *Server {
	def := DefaultOptions()
	if opts.SendBuffer <= 0 {
		opts.SendBuffer = def.SendBuffer
	}
	if opts.PingInterval <= 0 {
		opts.PingInterval = def.PingInterval
	}
	if opts.PongWait <= opts.PingInterval {
		opts.PongWait = opts.PingInterval * 2
	}
	if opts.MaxMessage <= 0 {
		opts.MaxMessage = def.MaxMessage
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Deps:   d,
		opts:   opts,
		logger: logger,
		mux:    mux.NewRouter(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS).Methods("GET")

	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/rides", s.handleListRides).Methods("GET")
	api.HandleFunc("/rides/{id}", s.handleGetRide).Methods("GET")

	internal := s.mux.PathPrefix("/internal").Subrouter()
	internal.Use(s.authMiddleware)
	internal.HandleFunc("/driver/locations", s.handleDriverLocation).Methods("POST")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

// Wait refuses new websocket sessions and blocks until every admitted one has
// finished its teardown.
func (s *Server) Wait() {
	s.drainMu.Lock()
	s.draining = true
	s.drainMu.Unlock()
	s.sessions.Wait()
}

// admit counts a new session unless the server is draining.
func (s *Server) admit() bool {
	s.drainMu.Lock()
	defer s.drainMu.Unlock()
	if s.draining {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, check := range s.Ready {
		if err := check(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "not ready", "failed": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	tok, err := auth.TokenFromRequest(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.Auth.Authenticate(tok)
	if err != nil {
		s.logger.Info("websocket handshake refused", "remote_addr", remoteIP(r), "error", err)
		writeError(w, err)
		return
	}
	if !s.admit() {
		writeError(w, fmt.Errorf("%w: server shutting down", models.ErrUpstreamUnavailable))
		return
	}
	defer s.sessions.Done()
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already replied
		s.logger.Warn("websocket upgrade failed", "principal_id", p.ID, "error", err)
		return
	}

	sess := newSession(conn, p, tok, s.opts, s.logger)
	go sess.writePump()
	if err := s.Router.Connect(r.Context(), sess); err != nil {
		sess.closeWith(websocket.CloseTryAgainLater, "server shutting down")
		return
	}
	sess.readPump(r.Context(), s.Router)
	s.Router.Disconnect(context.Background(), sess)
	sess.Close()
}

func (s *Server) handleListRides(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	rides, err := s.Store.ListRides(r.Context(), p.ID)
	if err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err))
		return
	}
	if rides == nil {
		rides = []*models.Ride{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"rides": rides})
}

func (s *Server) handleGetRide(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	ride, err := s.Rides.Get(r.Context(), p, mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ride)
}

type locationPing struct {
	Loc    models.Coord `json:"loc"`
	Rating float64      `json:"rating"`
}

// handleDriverLocation records that the calling driver is online at a position.
func (s *Server) handleDriverLocation(w http.ResponseWriter, r *http.Request) {
	p := principalFromContext(r.Context())
	if p.Role != models.RoleDriver {
		writeError(w, fmt.Errorf("%w: only drivers report locations", models.ErrUnauthorized))
		return
	}
	var ping locationPing
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&ping); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrBadRequest, err))
		return
	}
	if !ping.Loc.Valid() || ping.Rating < 0 || ping.Rating > 5 {
		writeError(w, fmt.Errorf("%w: location or rating out of range", models.ErrBadRequest))
		return
	}
	d := models.Driver{ID: p.ID, Loc: ping.Loc, Rating: ping.Rating, Online: true, Updated: time.Now().UTC()}
	if err := s.Locations.Upsert(r.Context(), d); err != nil {
		writeError(w, fmt.Errorf("%w: %v", models.ErrUpstreamUnavailable, err))
		return
	}
	if s.Publisher != nil {
		if err := s.Publisher.PublishLocation(r.Context(), d); err != nil {
			s.logger.Warn("driver location not published", "driver_id", d.ID, "error", err)
		}
	}
	observability.DriverPings.Inc()
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), models.ErrorPayload{Code: models.ErrorCode(err), Message: err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInvalidCredential):
		return http.StatusUnauthorized
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrRideNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrBadRequest):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrInvalidTransition), errors.Is(err, models.ErrRideAlreadyTaken):
		return http.StatusConflict
	case errors.Is(err, models.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
